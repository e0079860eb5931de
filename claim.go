package ldbus

import (
	"context"
)

// Claim requests ownership of a bus name.
//
// Bus names may have multiple active claims by different clients, but
// only one active owner at a time. The [ClaimOptions] set by each
// claimant determines the owner and rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	ret := &Claim{
		c:           c,
		w:           c.Watch(),
		owner:       make(chan bool, 1),
		name:        name,
		pumpStopped: make(chan struct{}),
	}
	for _, signal := range []string{"NameAcquired", "NameLost"} {
		m := MatchSignal(busIface, signal).Sender(busName).ArgStr(0, name)
		if _, err := ret.w.Match(ctx, m); err != nil {
			ret.w.Close()
			return nil, err
		}
	}

	if err := ret.Request(ctx, opts); err != nil {
		ret.w.Close()
		return nil, err
	}

	go ret.pump()
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	//
	// If ownership of the name cannot be secured when the Claim is
	// created, creation fails with an error.
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var ret NameRequestFlags
	if o.AllowReplacement {
		ret |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		ret |= NameRequestReplace
	}
	if o.NoQueue {
		ret |= NameRequestNoQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
//
// Multiple DBus clients may claim ownership of the same name. The bus
// tracks a single current owner, as well as a queue of other
// claimants that are eligible to succeed the current owner.
type Claim struct {
	c     *Conn
	w     *Watcher
	owner chan bool
	name  string

	pumpStopped chan struct{}
}

// Request makes a new request to the bus for the claimed name.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership. Otherwise, the bus considers this claim anew with the
// updated [ClaimOptions].
func (c *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	_, err := c.c.RequestName(ctx, c.name, opts.flags())
	return err
}

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (c *Claim) Close() error {
	select {
	case <-c.pumpStopped:
		return nil
	default:
	}

	c.w.Close()
	<-c.pumpStopped

	// One final send to report loss of ownership, before closing the
	// chan.
	c.send(false)
	close(c.owner)

	return c.c.ReleaseName(context.Background(), c.name)
}

// Name returns the claim's bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name.
func (c *Claim) Chan() <-chan bool { return c.owner }

// send reports isOwner on the owner channel, replacing any value
// that the caller hasn't received yet.
func (c *Claim) send(isOwner bool) {
	select {
	case c.owner <- isOwner:
	case <-c.owner:
		c.owner <- isOwner
	}
}

func (c *Claim) pump() {
	defer close(c.pumpStopped)
	for sig := range c.w.Chan() {
		args, err := sig.Args()
		if err != nil || len(args) != 1 || args[0].Code() != TypeString || args[0].Str() != c.name {
			continue
		}
		switch sig.Member {
		case "NameAcquired":
			c.send(true)
		case "NameLost":
			c.send(false)
		}
	}
}
