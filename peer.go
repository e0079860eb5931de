package ldbus

import (
	"context"
)

// Peer is a participant on the bus, addressed by its bus name.
type Peer struct {
	c    *Conn
	name string
}

// Peer returns a Peer for the bus participant name.
func (c *Conn) Peer(name string) Peer {
	return Peer{c, name}
}

// Ping checks that the peer is reachable.
func (p Peer) Ping(ctx context.Context) error {
	return p.c.Ping(ctx, p.name)
}

// Conn returns the connection used to reach the peer.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns the object at path offered by the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
