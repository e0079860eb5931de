package ldbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCanceled is the error of a [PendingCall] that was canceled.
var ErrCanceled = errors.New("pending call canceled")

// ErrNoReply is the name of the error that a [PendingCall] completes
// with when no reply arrives before its timeout.
const ErrNoReply = "org.freedesktop.DBus.Error.NoReply"

// A PendingCall is a method call waiting for its reply.
type PendingCall struct {
	c      *Conn
	serial uint32
	done   chan struct{}

	mu    sync.Mutex
	reply *Message
	err   error
	timer *time.Timer
}

func newPendingCall(c *Conn, serial uint32) *PendingCall {
	return &PendingCall{
		c:      c,
		serial: serial,
		done:   make(chan struct{}),
	}
}

// Serial returns the serial number of the method call.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Completed reports whether the call has completed.
func (p *PendingCall) Completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// complete records the outcome of the call. Only the first outcome is
// kept.
func (p *PendingCall) complete(reply *Message, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Completed() {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.reply, p.err = reply, err
	close(p.done)
}

func (p *PendingCall) setTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Completed() {
		return
	}
	p.timer = time.AfterFunc(d, func() {
		if p.c.forget(p.serial) == nil {
			return
		}
		p.complete(nil, &CallError{Name: ErrNoReply, Detail: "timed out waiting for method reply"})
	})
}

// Block waits for the call to complete, and returns its reply. Error
// replies are returned as messages, see [Message.CallError].
//
// If ctx is done before the reply arrives, Block returns ctx's error
// and the call keeps waiting for its reply.
func (p *PendingCall) Block(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, p.err
}

// StealReply returns the call's reply if it has completed, and
// clears it from the PendingCall. It returns nil if the call has not
// completed, or the reply was already stolen.
func (p *PendingCall) StealReply() (*Message, error) {
	if !p.Completed() {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ret, err := p.reply, p.err
	p.reply = nil
	return ret, err
}

// Cancel stops waiting for the reply. A reply that arrives later is
// discarded.
func (p *PendingCall) Cancel() {
	p.c.forget(p.serial)
	p.complete(nil, ErrCanceled)
}
