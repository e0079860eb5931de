package main

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/creachadair/mds/heapq"
	"github.com/danderson/ldbus"
)

type indenter struct {
	prefix     string
	indentNext bool
}

func (i *indenter) v(v any) {
	fmt.Fprintf(i, "%v\n", v)
}

func (i *indenter) s(msg string) {
	io.WriteString(i, msg+"\n")
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(os.Stdout, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := os.Stdout.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func listPeers(ctx context.Context, conn *ldbus.Conn, peerFilter string) iter.Seq2[ldbus.Peer, error] {
	if peerFilter == "" {
		// Unique bus connections fail to handle introspection
		// gracefully more often than not.
		peerFilter = `^[^:].*`
	}
	return func(yield func(ldbus.Peer, error) bool) {
		f, err := regexp.Compile(peerFilter)
		if err != nil {
			yield(ldbus.Peer{}, err)
			return
		}
		names, err := conn.ListNames(ctx)
		if err != nil {
			yield(ldbus.Peer{}, err)
			return
		}
		slices.Sort(names)
		for _, n := range names {
			if !f.MatchString(n) {
				continue
			}
			if !yield(conn.Peer(n), nil) {
				return
			}
		}
	}
}

type objectInterface struct {
	ldbus.Interface
	Description *ldbus.InterfaceDescription
}

func compareObjects(a, b ldbus.Object) int {
	return cmp.Compare(a.Path(), b.Path())
}

func listInterfaces(ctx context.Context, peer ldbus.Peer, objectFilter, interfaceFilter string) iter.Seq2[objectInterface, error] {
	return func(yield func(objectInterface, error) bool) {
		om, err := regexp.Compile(objectFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}
		im, err := regexp.Compile(interfaceFilter)
		if err != nil {
			yield(objectInterface{}, err)
			return
		}

		objs := heapq.New(compareObjects)
		objs.Add(peer.Object("/"))
		for !objs.IsEmpty() {
			obj, _ := objs.Pop()
			desc, err := obj.Introspect(ctx)
			if err != nil {
				if !yield(objectInterface{}, fmt.Errorf("introspecting %s: %w", obj, err)) {
					return
				}
				continue
			}
			for _, child := range desc.Children {
				objs.Add(obj.Child(child))
			}
			if !om.MatchString(string(obj.Path())) {
				continue
			}
			for _, k := range slices.Sorted(maps.Keys(desc.Interfaces)) {
				if !im.MatchString(k) {
					continue
				}
				if !yield(objectInterface{obj.Interface(k), desc.Interfaces[k]}, nil) {
					return
				}
			}
		}
	}
}

// nativeArgs returns the Go rendering of vals, for pretty printing.
func nativeArgs(vals []ldbus.Value) []any {
	ret := make([]any, len(vals))
	for i, v := range vals {
		ret[i] = v.Interface()
	}
	return ret
}

func growTo(s []string, n int) []string {
	for len(s) < n {
		s = append(s, "")
	}
	return s
}
