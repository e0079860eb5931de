package ldbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	busName  = "org.freedesktop.DBus"
	busPath  = ObjectPath("/org/freedesktop/DBus")
	busIface = "org.freedesktop.DBus"
)

// callBus calls method on the message bus, and checks that the reply
// has the signature want.
func (c *Conn) callBus(ctx context.Context, method, want string, args ...Value) ([]Value, error) {
	ret, err := c.Call(ctx, busName, busPath, busIface, method, args...)
	if err != nil {
		return nil, err
	}
	if got := sigString(ret); got != want {
		return nil, &TypeError{Path: method + " reply", Want: want, Got: got}
	}
	return ret, nil
}

// sigString returns the concatenated signature of vs.
func sigString(vs []Value) string {
	var b strings.Builder
	for _, v := range vs {
		b.WriteString(v.typ.str)
	}
	return b.String()
}

func stringsOf(v Value) []string {
	ret := make([]string, 0, v.Len())
	for _, e := range v.elems {
		ret = append(ret, e.Str())
	}
	return ret
}

// Hello registers the connection with the bus, and returns its
// unique name. [Open] calls Hello automatically.
func (c *Conn) Hello(ctx context.Context) (string, error) {
	ret, err := c.callBus(ctx, "Hello", "s")
	if err != nil {
		return "", err
	}
	return ret[0].Str(), nil
}

// GetID returns the bus's globally unique ID.
func (c *Conn) GetID(ctx context.Context) (string, error) {
	ret, err := c.callBus(ctx, "GetId", "s")
	if err != nil {
		return "", err
	}
	return ret[0].Str(), nil
}

// ListNames returns the names currently on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	ret, err := c.callBus(ctx, "ListNames", "as")
	if err != nil {
		return nil, err
	}
	return stringsOf(ret[0]), nil
}

// ListActivatableNames returns the names that the bus can start on
// demand.
func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	ret, err := c.callBus(ctx, "ListActivatableNames", "as")
	if err != nil {
		return nil, err
	}
	return stringsOf(ret[0]), nil
}

// NameHasOwner reports whether name currently has an owner on the
// bus.
func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	ret, err := c.callBus(ctx, "NameHasOwner", "b", StringValue(name))
	if err != nil {
		return false, err
	}
	return ret[0].Bool(), nil
}

// GetNameOwner returns the unique name of name's owner.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	ret, err := c.callBus(ctx, "GetNameOwner", "s", StringValue(name))
	if err != nil {
		return "", err
	}
	return ret[0].Str(), nil
}

// NameRequestFlags are flags for [Conn.RequestName].
type NameRequestFlags uint32

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// RequestName asks the bus to assign name to the connection. It
// reports whether the connection is now the primary owner of name.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (isPrimaryOwner bool, err error) {
	ret, err := c.callBus(ctx, "RequestName", "u", StringValue(name), Uint32Value(uint32(flags)))
	if err != nil {
		return false, err
	}
	switch resp := ret[0].Uint32(); resp {
	case 1:
		// Became primary owner.
		return true, nil
	case 2:
		// Placed in queue, but not primary.
		return false, nil
	case 3:
		// Couldn't become primary owner, and request flags asked to
		// not queue.
		return false, errors.New("requested name not available")
	case 4:
		// Already the primary owner.
		return true, nil
	default:
		return false, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName releases the connection's ownership of name.
func (c *Conn) ReleaseName(ctx context.Context, name string) error {
	_, err := c.callBus(ctx, "ReleaseName", "u", StringValue(name))
	return err
}

// AddMatch asks the bus to route messages matching rule to the
// connection. Matched messages are delivered through
// [Conn.PopMessage].
func (c *Conn) AddMatch(ctx context.Context, rule string) error {
	_, err := c.callBus(ctx, "AddMatch", "", StringValue(rule))
	return err
}

// RemoveMatch removes a rule previously added with [Conn.AddMatch].
func (c *Conn) RemoveMatch(ctx context.Context, rule string) error {
	_, err := c.callBus(ctx, "RemoveMatch", "", StringValue(rule))
	return err
}

// Ping checks that the bus peer name is reachable.
func (c *Conn) Ping(ctx context.Context, name string) error {
	_, err := c.Call(ctx, name, "/", "org.freedesktop.DBus.Peer", "Ping")
	return err
}

// Not implemented:
//  - StartServiceByName, deprecated in favor of auto-start.
//  - UpdateActivationEnvironment, so locked down you can't really do
//    much with it any more.
//  - GetConnectionCredentials and friends, which belong to a richer
//    typed API than this one.
