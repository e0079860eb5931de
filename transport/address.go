package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// An Address is one entry of a DBus server address string, such as
// "unix:path=/run/dbus/system_bus_socket".
type Address struct {
	// Transport is the transport name, for example "unix".
	Transport string
	// Params are the transport's key/value parameters, unescaped.
	Params map[string]string
}

// ParseAddresses parses a DBus server address string, which is a
// semicolon separated list of addresses to try in order.
func ParseAddresses(s string) ([]Address, error) {
	var ret []Address
	for _, a := range strings.Split(s, ";") {
		if a == "" {
			continue
		}
		name, rest, ok := strings.Cut(a, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid DBus address %q: missing transport name", a)
		}
		addr := Address{Transport: name, Params: map[string]string{}}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("invalid DBus address %q: malformed parameter %q", a, kv)
				}
				// DBus addresses escape bytes the same way URL
				// paths do.
				uv, err := url.PathUnescape(v)
				if err != nil {
					return nil, fmt.Errorf("invalid DBus address %q: %w", a, err)
				}
				addr.Params[k] = uv
			}
		}
		ret = append(ret, addr)
	}
	if len(ret) == 0 {
		return nil, errors.New("empty DBus address")
	}
	return ret, nil
}

// socketPath returns the unix socket path that a unix transport
// address refers to.
func (a Address) socketPath() (string, error) {
	if a.Transport != "unix" {
		return "", fmt.Errorf("unsupported DBus transport %q", a.Transport)
	}
	if p, ok := a.Params["path"]; ok {
		return p, nil
	}
	if p, ok := a.Params["abstract"]; ok {
		return "@" + p, nil
	}
	return "", errors.New("unix DBus address has neither path nor abstract parameter")
}

// Dial connects to the first reachable server in the DBus address
// string addrs.
func Dial(ctx context.Context, addrs string) (Transport, error) {
	as, err := ParseAddresses(addrs)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range as {
		path, err := a.socketPath()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t, err := DialUnix(ctx, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return t, nil
	}
	return nil, fmt.Errorf("connecting to %q: %w", addrs, errors.Join(errs...))
}
