package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/danderson/ldbus"
	"github.com/kr/pretty"
	"go.uber.org/zap"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
	Verbose       bool   `flag:"v,Log connection activity to stderr"`
}

func busConn(ctx context.Context) (*ldbus.Conn, error) {
	opts := &ldbus.Options{}
	if globalArgs.Verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts.Logger = log
	}

	var mk func(context.Context, *ldbus.Options) (*ldbus.Conn, error)
	if globalArgs.UseSessionBus {
		mk = ldbus.SessionBus
	} else {
		mk = ldbus.SystemBus
	}
	conn, err := mk(ctx, opts)
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}

	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, ldbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}

	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "ldbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "peers",
						Usage: "list peers",
						Help:  "List peers connected to the bus.",
						Run:   command.Adapt(runListPeers),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces [peer] [object] [interface]",
						Help: `List bus interfaces.

With no arguments, enumerates all discoverable interfaces on named bus
services. Unique bus names (like ":1.234") are skipped because many of
them do not expect to be sent RPCs, and do not respond correctly.

Each argument is a regular expression that narrows the listing to
matching peers, object paths and interface names respectively.

Unless explicitly asked for, the listing omits the three well-known
interfaces that most objects implement:
  org.freedesktop.DBus.Peer
  org.freedesktop.DBus.Properties
  org.freedesktop.DBus.Introspectable
`,
						Run: runListInterfaces,
					},
					{
						Name:  "props",
						Usage: "list props [peer] [object] [interface] [property]",
						Help:  "List properties.",
						Run:   runListProps,
					},
				},
			},
			{
				Name:  "call",
				Usage: "call peer object interface method [type:value...]",
				Help: `Call a method and print the reply.

Arguments are written as a DBus type signature and a value, separated
by a colon. Basic values are written as-is, containers as JSON:

  s:hello  u:42  o:/org/freedesktop/DBus  as:["a","b"]  a{sv}:{"On":true}
`,
				Run: runCall,
			},
			{
				Name:  "introspect",
				Usage: "introspect peer [object]",
				Help:  "Print an object's self-description.",
				Run:   runIntrospect,
			},
			{
				Name:  "sig",
				Usage: "sig signature",
				Help:  "Parse a type signature and show its structure.",
				Run:   command.Adapt(runSig),
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "listen",
				Usage: "listen [interface]",
				Help: `Listen to bus signals.

With no argument, all signals are shown. Otherwise, only signals of the
given interface are shown.`,
				Run: runListen,
			},
			{
				Name:  "features",
				Usage: "features",
				Help:  "List the message bus's feature flags.",
				Run:   command.Adapt(runFeatures),
			},
			{
				Name:  "serve-peer",
				Usage: "serve-peer",
				Help: `Serve the org.freedesktop.DBus.Peer interface.

The interface is implemented on all objects.

For best results, combine with --names to register a service name on the bus that other tools can target.`,
				Run: command.Adapt(runServePeer),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListPeers(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)

	aliases := map[string][]string{}
	for _, n := range names {
		if strings.HasPrefix(n, ":") {
			continue
		}
		owner, err := conn.GetNameOwner(ctx, n)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", n, err)
			continue
		}
		aliases[owner] = append(aliases[owner], n)
		aliases[n] = []string{owner}
	}

	for _, n := range names {
		if alias := aliases[n]; len(alias) > 0 {
			fmt.Printf("%s (%s)\n", n, strings.Join(alias, ", "))
		} else {
			fmt.Println(n)
		}
	}
	return nil
}

var boringInterfaces = []string{
	"org.freedesktop.DBus.Peer",
	"org.freedesktop.DBus.Properties",
	"org.freedesktop.DBus.Introspectable",
}

func runListInterfaces(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	var prev ldbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.v(err)
			continue
		}
		ownerName, err := conn.GetNameOwner(ctx, p.Name())
		if err != nil {
			ownerName = fmt.Sprintf("getting owner: %v", err)
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.v(err)
				continue
			}
			if args[2] == "" && slices.Contains(boringInterfaces, iface.Name()) {
				continue
			}
			if iface.Peer() != prev.Peer() {
				out.indent(0)
				if prev.Peer() != (ldbus.Peer{}) {
					out.s("")
				}
				out.f("%s (%s)", iface.Peer().Name(), ownerName)
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			}

			out.v(iface.Description)
			prev = iface.Interface
		}
	}

	return nil
}

func runListProps(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	var out indenter
	var prev ldbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if len(iface.Description.Properties) == 0 {
				continue
			}

			props, err := iface.GetAllProperties(ctx)
			if err != nil {
				out.indent(0)
				out.v(fmt.Errorf("listing properties of %s: %w", iface, err))
				continue
			}
			ks := slices.Sorted(maps.Keys(props))
			ks = slices.Collect(slice.Select(ks, pf.MatchString))
			if len(ks) == 0 {
				continue
			}

			if iface.Peer() != prev.Peer() {
				out.indent(0)
				out.v(iface.Peer().Name())
				out.indent(1)
				out.v(iface.Object().Path())
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
			}
			prev = iface.Interface

			out.indent(2)
			out.v(iface.Name())
			out.indent(3)
			for _, k := range ks {
				out.f("%s: %v", k, props[k])
			}
		}
	}
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires a peer, object, interface and method")
	}
	peer, obj, iface, method := env.Args[0], ldbus.ObjectPath(env.Args[1]), env.Args[2], env.Args[3]
	if err := obj.Valid(); err != nil {
		return err
	}
	args, err := parseArgs(env.Args[4:])
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 30*time.Second)
	defer cancel()
	ret, err := conn.Peer(peer).Object(obj).Interface(iface).Call(ctx, method, args...)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, method, err)
	}
	for _, v := range ret {
		fmt.Printf("%s: %# v\n", v.Type(), pretty.Formatter(v.Interface()))
	}
	return nil
}

func runIntrospect(env *command.Env) error {
	args := growTo(env.Args, 2)
	if args[0] == "" {
		return env.Usagef("introspect requires a peer")
	}
	path := ldbus.ObjectPath("/")
	if args[1] != "" {
		path = ldbus.ObjectPath(args[1])
	}
	if err := path.Valid(); err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	desc, err := conn.Peer(args[0]).Object(path).Introspect(ctx)
	if err != nil {
		return fmt.Errorf("introspecting %s: %w", path, err)
	}

	var out indenter
	for _, k := range slices.Sorted(maps.Keys(desc.Interfaces)) {
		out.v(desc.Interfaces[k])
	}
	if len(desc.Children) > 0 {
		out.s("children:")
		out.indent(1)
		for _, c := range desc.Children {
			out.v(path.Child(c))
		}
	}
	return nil
}

func runSig(env *command.Env, sig string) error {
	s, err := ldbus.ParseSignature(sig)
	if err != nil {
		return err
	}
	var out indenter
	var walk func(t ldbus.Type, depth int)
	walk = func(t ldbus.Type, depth int) {
		out.indent(depth)
		if native := t.GoType(); native != nil {
			out.f("%s %s (Go %s)", t, t.Code(), native)
		} else {
			out.f("%s %s", t, t.Code())
		}
		for _, e := range t.Elems() {
			walk(e, depth+1)
		}
	}
	for _, t := range s.Types() {
		walk(t, 0)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("reply from %s in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	m := ldbus.MatchAllSignals()
	if len(env.Args) > 0 {
		m = ldbus.MatchSignal(env.Args[0], "")
	}
	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(env.Context(), m); err != nil {
		return fmt.Errorf("adding match %s: %w", m, err)
	}

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig, ok := <-w.Chan():
			if !ok {
				return nil
			}
			args, err := sig.Args()
			if err != nil {
				fmt.Printf("Signal %s.%s from %s on object %s: reading body: %v\n\n", sig.Interface, sig.Member, sig.Sender, sig.Path, err)
			} else {
				fmt.Printf("Signal %s.%s from %s on object %s:\n  %# v\n\n", sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(nativeArgs(args)))
			}
			if sig.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}

func runFeatures(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	v, err := conn.Peer("org.freedesktop.DBus").Object("/org/freedesktop/DBus").Interface("org.freedesktop.DBus").GetProperty(env.Context(), "Features")
	if err != nil {
		return fmt.Errorf("listing bus features: %w", err)
	}
	if v.Type().String() != "as" {
		return fmt.Errorf("unexpected Features type %s", v.Type())
	}
	var features []string
	for _, f := range v.Elems() {
		features = append(features, f.Str())
	}
	slices.Sort(features)
	for _, f := range features {
		fmt.Println(f)
	}
	return nil
}

func runServePeer(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	conn.Handle("org.freedesktop.DBus.Peer", "Ping", func(ctx context.Context, call *ldbus.Message) ([]ldbus.Value, error) {
		fmt.Printf("Got ping on %s from %s\n", call.Path, call.Sender)
		return nil, nil
	})
	conn.Handle("org.freedesktop.DBus.Peer", "GetMachineId", func(ctx context.Context, call *ldbus.Message) ([]ldbus.Value, error) {
		bs, err := os.ReadFile("/etc/machine-id")
		if err != nil {
			return nil, err
		}
		return []ldbus.Value{ldbus.StringValue(strings.TrimSpace(string(bs)))}, nil
	})

	<-env.Context().Done()
	fmt.Println("shutdown")
	return nil
}
