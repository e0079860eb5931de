package ldbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch returns a Watcher that delivers signals received from other
// bus participants.
//
// A newly created Watcher delivers no signals. The caller must use
// [Watcher.Match] to specify which signals the Watcher should
// provide. Signals delivered to at least one Watcher are not queued
// for [Conn.PopMessage].
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// Nothing will ever be delivered, don't leave the caller
		// waiting on Chan forever.
		go w.Close()
		return w
	}
	c.watchers.Add(w)
	return w
}

// A Watcher delivers signals received from the bus that match its
// filters.
type Watcher struct {
	conn     *Conn
	signals  chan *Notification
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}
	closeOnce   sync.Once

	mu      sync.Mutex
	queue   queue.Queue[*Notification]
	matches mapset.Set[*Match]
}

// Notification is a signal received from a bus peer.
type Notification struct {
	// Message is the received signal.
	*Message
	// Overflow reports that the watcher discarded some signals that
	// followed this one, due to the caller not processing delivered
	// notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher, and removes its matches from the
// bus.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.stopPump)
		<-w.pumpStopped

		w.conn.mu.Lock()
		delete(w.conn.watchers, w)
		w.conn.mu.Unlock()

		// Matches are removed without holding w.mu, the read loop
		// needs it to make progress and deliver the replies.
		w.mu.Lock()
		ms := w.matches.Slice()
		clear(w.matches)
		w.queue.Clear()
		w.mu.Unlock()
		for _, m := range ms {
			w.conn.RemoveMatch(context.Background(), m.String())
		}
	})
}

// Chan returns the channel on which signals are delivered. The
// channel is closed when the Watcher is closed.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Watcher's receive queue and losing signals
// of interest. Missing signals due to an overflow are indicated by
// the Overflow field of the [Notification] that immediately precedes
// the discarded signal(s).
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// Match requests delivery of signals that match the specification m.
//
// Matches are additive: a signal is delivered if it matches any of
// the Watcher's match specifications.
//
// If the match is added successfully, the returned remove function
// may be used to remove the match without affecting other
// matches. Use of remove is optional, and may be ignored if the set
// of matches doesn't need to change for the lifetime of the Watcher.
func (w *Watcher) Match(ctx context.Context, m *Match) (remove func(), err error) {
	if err = w.conn.AddMatch(ctx, m.String()); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.matches.Add(m)
	return func() {
		w.mu.Lock()
		had := w.matches.Has(m)
		delete(w.matches, m)
		w.mu.Unlock()
		if had {
			w.conn.RemoveMatch(context.Background(), m.String())
		}
	}, nil
}

func (w *Watcher) enqueueLocked(n *Notification) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(n)
	if w.queue.Len() == 1 {
		notify(w.wakePump)
	}
}

// deliver queues msg for delivery if it matches one of the watcher's
// filters, and reports whether it did.
func (w *Watcher) deliver(msg *Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopPump:
		// raced with a Close, this watcher is done.
		return false
	default:
	}

	want := false
	for m := range w.matches {
		if m.Matches(msg) {
			want = true
			break
		}
	}
	if !want {
		return false
	}

	w.enqueueLocked(&Notification{Message: msg})
	return true
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
