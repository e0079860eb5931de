package ldbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/ldbus/transport"
	"go.uber.org/zap"
)

const (
	// SystemBusAddress is the address of the system bus, if
	// DBUS_SYSTEM_BUS_ADDRESS is not set.
	SystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

	// DefaultTimeout is the reply timeout used by
	// [Conn.SendWithReply] when no timeout is given.
	DefaultTimeout = 25 * time.Second

	// DefaultMaxReceivedSize is the default limit on the total size
	// of received messages waiting in [Conn.PopMessage]'s queue.
	DefaultMaxReceivedSize = 1 << 26
)

// Options are optional settings for a connection.
type Options struct {
	// Logger receives the connection's diagnostic logs. If nil,
	// nothing is logged.
	Logger *zap.Logger
	// MaxMessageSize is the largest message that can be sent or
	// received. Zero means the protocol maximum, [MaxMessageSize].
	MaxMessageSize int
	// MaxReceivedSize is the total size of received messages that
	// may wait to be popped before the connection stops reading
	// more. Zero means [DefaultMaxReceivedSize].
	MaxReceivedSize int
	// NoHello skips registering with the bus. Set it when talking
	// directly to a peer rather than to a bus.
	NoHello bool
}

// DispatchStatus describes the state of a connection's incoming
// message queue.
type DispatchStatus int

const (
	// DispatchComplete means that there are no received messages
	// waiting to be popped.
	DispatchComplete DispatchStatus = iota
	// DispatchDataRemains means that received messages are waiting
	// to be popped with [Conn.PopMessage].
	DispatchDataRemains
	// DispatchNeedMemory means that the incoming queue is full, and
	// the connection stopped reading until messages are popped.
	DispatchNeedMemory
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchComplete:
		return "complete"
	case DispatchDataRemains:
		return "data_remains"
	case DispatchNeedMemory:
		return "need_memory"
	default:
		return fmt.Sprintf("DispatchStatus(%d)", int(s))
	}
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts *Options) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = SystemBusAddress
	}
	return Open(ctx, addr, opts)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts *Options) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	return Open(ctx, addr, opts)
}

// Open connects to the DBus server at the given address, such as
// "unix:path=/run/dbus/system_bus_socket".
//
// Unless opts.NoHello is set, Open registers with the bus and
// obtains the connection's unique name.
func Open(ctx context.Context, address string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	t, err := transport.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	ret := newConn(t, opts)

	go ret.readLoop()

	if !opts.NoHello {
		name, err := ret.Hello(ctx)
		if err != nil {
			ret.Close()
			return nil, fmt.Errorf("getting DBus unique name: %w", err)
		}
		ret.mu.Lock()
		ret.uniqueName = name
		ret.mu.Unlock()
	}
	return ret, nil
}

func newConn(t transport.Transport, opts *Options) *Conn {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ret := &Conn{
		t:               t,
		log:             log.Named("ldbus"),
		calls:           map[uint32]*PendingCall{},
		handlers:        map[interfaceMember]HandlerFunc{},
		incoming:        queue.New[*Message](),
		watchers:        mapset.New[*Watcher](),
		arrived:         make(chan struct{}, 1),
		room:            make(chan struct{}, 1),
		done:            make(chan struct{}),
		maxMessageSize:  opts.MaxMessageSize,
		maxReceivedSize: opts.MaxReceivedSize,
	}
	if ret.maxMessageSize <= 0 {
		ret.maxMessageSize = MaxMessageSize
	}
	if ret.maxReceivedSize <= 0 {
		ret.maxReceivedSize = DefaultMaxReceivedSize
	}

	// Implement the Peer interface, on all objects.
	ret.Handle("org.freedesktop.DBus.Peer", "Ping", func(context.Context, *Message) ([]Value, error) {
		return nil, nil
	})
	machineID := sync.OnceValues(func() (string, error) {
		bs, err := os.ReadFile("/etc/machine-id")
		if errors.Is(err, fs.ErrNotExist) {
			bs, err = os.ReadFile("/var/lib/dbus/machine-id")
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bs)), nil
	})
	ret.Handle("org.freedesktop.DBus.Peer", "GetMachineId", func(context.Context, *Message) ([]Value, error) {
		id, err := machineID()
		if err != nil {
			return nil, err
		}
		return []Value{StringValue(id)}, nil
	})

	return ret
}

// Conn is a DBus connection.
type Conn struct {
	t   transport.Transport
	log *zap.Logger

	writeMu sync.Mutex

	// done is closed when the connection shuts down.
	done chan struct{}
	// arrived receives a value when a message is queued.
	arrived chan struct{}
	// room receives a value when a message is popped.
	room chan struct{}

	mu              sync.Mutex
	uniqueName      string
	closed          bool
	readErr         error
	calls           map[uint32]*PendingCall
	lastSerial      uint32
	handlers        map[interfaceMember]HandlerFunc
	incoming        *queue.Queue[*Message]
	watchers        mapset.Set[*Watcher]
	queuedBytes     int
	arrivals        uint64
	outgoingMsgs    int
	outgoingBytes   int
	maxMessageSize  int
	maxReceivedSize int
}

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

// HandlerFunc handles an incoming method call. It returns the
// arguments of the method's reply.
//
// If it returns a *CallError, the caller receives that error.
// Other errors are reported to the caller as
// org.freedesktop.DBus.Error.Failed.
type HandlerFunc func(ctx context.Context, call *Message) ([]Value, error)

// Close closes the DBus connection. Closing a connection that is
// already closed, or that the server dropped, returns nil.
func (c *Conn) Close() error {
	return c.shutdown(net.ErrClosed)
}

// shutdown marks the connection closed, closes the transport, and
// fails all pending calls with err. Only the first call does
// anything, and it returns the transport's close error.
func (c *Conn) shutdown(err error) error {
	var (
		pend map[uint32]*PendingCall
		ws   mapset.Set[*Watcher]
	)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.closed = true
		c.readErr = err
		pend, c.calls = c.calls, nil
		ws, c.watchers = c.watchers, nil
		c.mu.Unlock()
	}
	closeErr := c.t.Close()
	close(c.done)
	for _, p := range pend {
		p.complete(nil, err)
	}
	for w := range ws {
		go w.Close()
	}
	return closeErr
}

// UniqueName returns the connection's unique bus name.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// IsConnected reports whether the connection is still open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// IsAuthenticated reports whether the connection authenticated with
// the server. Connections are always authenticated once open.
func (c *Conn) IsAuthenticated() bool {
	return c.IsConnected()
}

// IsAnonymous reports whether the server accepted the connection
// without establishing the client's identity.
func (c *Conn) IsAnonymous() bool {
	return c.t.Anonymous()
}

// ServerID returns the GUID of the server, as sent during
// authentication.
func (c *Conn) ServerID() string {
	return c.t.ServerID()
}

// MaxMessageSize returns the largest message that the connection
// sends or receives.
func (c *Conn) MaxMessageSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxMessageSize
}

// SetMaxMessageSize sets the largest message that the connection
// sends or receives. Values above the protocol maximum are clamped
// to it.
func (c *Conn) SetMaxMessageSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxMessageSize = min(max(n, fixedHeaderLen), MaxMessageSize)
}

// MaxReceivedSize returns the total size of received messages that
// can wait in the incoming queue.
func (c *Conn) MaxReceivedSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxReceivedSize
}

// SetMaxReceivedSize sets the total size of received messages that
// can wait in the incoming queue.
func (c *Conn) SetMaxReceivedSize(n int) {
	c.mu.Lock()
	c.maxReceivedSize = max(n, 1)
	c.mu.Unlock()
	notify(c.room)
}

// notify does a non-blocking send on ch.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Conn) nextSerial() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial, nil
}

// Send sends m, and returns the serial number assigned to it.
//
// Send does not wait for a reply, see [Conn.SendWithReply] for
// method calls that want one.
func (c *Conn) Send(m *Message) (uint32, error) {
	serial, err := c.nextSerial()
	if err != nil {
		return 0, err
	}
	m.Serial = serial
	if err := c.writeMsg(m); err != nil {
		return 0, err
	}
	return serial, nil
}

func (c *Conn) writeMsg(m *Message) error {
	bs, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	if limit := c.MaxMessageSize(); len(bs) > limit {
		return fmt.Errorf("message of %d bytes exceeds maximum message size %d", len(bs), limit)
	}
	if len(m.files) > 0 && !c.t.UnixFDs() {
		return errors.New("cannot send unix fds, server does not support fd passing")
	}

	c.addOutgoing(1, len(bs))
	defer c.addOutgoing(-1, -len(bs))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.t.WriteWithFiles(bs, m.files); err != nil {
		c.log.Error("writing message", zap.Stringer("msg", m), zap.Error(err))
		c.shutdown(err)
		return err
	}
	c.log.Debug("sent message", zap.Stringer("msg", m))
	return nil
}

func (c *Conn) addOutgoing(msgs, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoingMsgs += msgs
	c.outgoingBytes += bytes
}

// HasMessagesToSend reports whether some messages passed to
// [Conn.Send] have not yet been completely written to the
// connection.
func (c *Conn) HasMessagesToSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoingMsgs > 0
}

// OutgoingSize returns the total encoded size of the messages that
// are waiting to be written to the connection, or being written.
func (c *Conn) OutgoingSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoingBytes
}

// SendWithReply sends the method call m, and returns a PendingCall
// that completes when the reply arrives, or after timeout. A zero
// timeout means [DefaultTimeout], a negative timeout waits forever.
func (c *Conn) SendWithReply(m *Message, timeout time.Duration) (*PendingCall, error) {
	if m.Type != MessageMethodCall {
		return nil, fmt.Errorf("%w: SendWithReply of %s message", ErrInvalidUse, m.Type)
	}
	if m.Flags&FlagNoReplyExpected != 0 {
		return nil, fmt.Errorf("%w: SendWithReply of message with FlagNoReplyExpected", ErrInvalidUse)
	}
	serial, err := c.nextSerial()
	if err != nil {
		return nil, err
	}
	m.Serial = serial

	pc := newPendingCall(c, serial)
	{
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, net.ErrClosed
		}
		c.calls[serial] = pc
		c.mu.Unlock()
	}
	if err := c.writeMsg(m); err != nil {
		c.forget(serial)
		return nil, err
	}

	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout > 0 {
		pc.setTimeout(timeout)
	}
	return pc, nil
}

// SendWithReplyBlocking sends the method call m, and waits for its
// reply. Error replies are returned as a *CallError.
func (c *Conn) SendWithReplyBlocking(ctx context.Context, m *Message, timeout time.Duration) (*Message, error) {
	pc, err := c.SendWithReply(m, timeout)
	if err != nil {
		return nil, err
	}
	reply, err := pc.Block(ctx)
	if err != nil {
		return nil, err
	}
	if err := reply.CallError(); err != nil {
		return nil, err
	}
	return reply, nil
}

// Call calls method on the object at path, provided by the bus peer
// dest, and returns the reply's arguments.
func (c *Conn) Call(ctx context.Context, dest string, path ObjectPath, iface, method string, args ...Value) ([]Value, error) {
	m := NewMethodCall(dest, path, iface, method)
	if err := m.AppendArgs(args...); err != nil {
		return nil, err
	}
	reply, err := c.SendWithReplyBlocking(ctx, m, 0)
	if err != nil {
		return nil, err
	}
	return reply.Args()
}

// forget removes the pending call for serial.
func (c *Conn) forget(serial uint32) *PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := c.calls[serial]
	delete(c.calls, serial)
	return ret
}

// Flush waits until all messages being sent have been written to
// the connection.
func (c *Conn) Flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
}

// PopMessage returns the next received message that was not
// consumed as a reply or by a [HandlerFunc]. It returns false if no
// message is waiting.
func (c *Conn) PopMessage() (*Message, bool) {
	c.mu.Lock()
	m, ok := c.incoming.Pop()
	if ok {
		c.queuedBytes -= m.wireLen
	}
	c.mu.Unlock()
	if ok {
		notify(c.room)
	}
	return m, ok
}

// DispatchStatus reports whether received messages are waiting to be
// popped.
func (c *Conn) DispatchStatus() DispatchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.queuedBytes >= c.maxReceivedSize:
		return DispatchNeedMemory
	case c.incoming.Len() > 0:
		return DispatchDataRemains
	default:
		return DispatchComplete
	}
}

// ReadWriteDispatch waits until there is a received message to pop,
// the connection closes, or ctx is done. It reports whether the
// connection is still open.
func (c *Conn) ReadWriteDispatch(ctx context.Context) bool {
	c.Flush()
	if c.DispatchStatus() != DispatchComplete {
		return c.IsConnected()
	}
	return c.waitArrival(ctx)
}

// ReadWrite flushes pending writes, then waits until another
// received message is queued, the connection closes, or ctx is
// done. Unlike [Conn.ReadWriteDispatch], it waits even if received
// messages are already queued. It reports whether the connection is
// still open.
func (c *Conn) ReadWrite(ctx context.Context) bool {
	c.Flush()
	c.mu.Lock()
	seen := c.arrivals
	c.mu.Unlock()
	for {
		c.mu.Lock()
		n, closed := c.arrivals, c.closed
		c.mu.Unlock()
		if closed {
			return false
		}
		if n != seen || ctx.Err() != nil {
			return true
		}
		c.waitArrival(ctx)
	}
}

func (c *Conn) waitArrival(ctx context.Context) bool {
	select {
	case <-c.arrived:
	case <-c.done:
	case <-ctx.Done():
	}
	return c.IsConnected()
}

// Dispatch pops the next queued message and processes it the way
// the connection would have, had it been able to on arrival: method
// calls go to their [HandlerFunc], or are answered with
// org.freedesktop.DBus.Error.UnknownMethod if there still isn't one.
// Other messages are discarded. It returns the dispatch status after
// the message is processed.
//
// Dispatch is for programs that register handlers and don't want to
// inspect unhandled messages with [Conn.PopMessage].
func (c *Conn) Dispatch() DispatchStatus {
	m, ok := c.PopMessage()
	if !ok {
		return c.DispatchStatus()
	}
	if m.Type == MessageMethodCall {
		c.mu.Lock()
		handler := c.handlers[interfaceMember{m.Interface, m.Member}]
		c.mu.Unlock()
		if handler == nil {
			handler = unknownMethod
		}
		go c.dispatchCall(handler, m)
	} else {
		c.log.Debug("discarding undispatched message", zap.Stringer("msg", m))
	}
	return c.DispatchStatus()
}

func unknownMethod(_ context.Context, call *Message) ([]Value, error) {
	return nil, &CallError{
		Name:   "org.freedesktop.DBus.Error.UnknownMethod",
		Detail: fmt.Sprintf("no method %s on interface %q", call.Member, call.Interface),
	}
}

// Handle calls fn to handle incoming method calls to method on
// iface, on any object. Method calls with no handler are queued for
// [Conn.PopMessage].
func (c *Conn) Handle(iface, method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[interfaceMember{iface, method}] = fn
}

func (c *Conn) readLoop() {
	for {
		err := c.dispatchMsg()
		switch {
		case err == nil:
		case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isFatal(err):
			c.log.Debug("connection closed", zap.Error(err))
			c.shutdown(err)
			return
		default:
			// The message was fully read, but was not valid. It is
			// dropped, and the stream remains usable.
			c.log.Warn("dropping invalid message", zap.Error(err))
		}
	}
}

// fatalError marks errors that leave the connection's byte stream in
// an unknown state.
type fatalError struct{ error }

func (e fatalError) Unwrap() error { return e.error }

func isFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

// readMsg reads one complete DBus message from c.t. Must not be
// called concurrently (Conn.readLoop ensures this).
func (c *Conn) readMsg() (*Message, error) {
	var fixed [fixedHeaderLen]byte
	if _, err := io.ReadFull(c.t, fixed[:]); err != nil {
		return nil, fatalError{err}
	}
	n, err := messageLength(fixed[:])
	if err != nil {
		return nil, fatalError{err}
	}
	if limit := c.MaxMessageSize(); n > limit {
		return nil, fatalError{fmt.Errorf("received message of %d bytes exceeds maximum message size %d", n, limit)}
	}
	bs := make([]byte, n)
	copy(bs, fixed[:])
	if _, err := io.ReadFull(c.t, bs[fixedHeaderLen:]); err != nil {
		return nil, fatalError{err}
	}
	return decodeMessage(bs, c.t.GetFiles)
}

func (c *Conn) dispatchMsg() error {
	msg, err := c.readMsg()
	if err != nil {
		return err
	}
	c.log.Debug("received message", zap.Stringer("msg", msg))

	switch msg.Type {
	case MessageMethodReturn, MessageError:
		if pc := c.forget(msg.ReplySerial); pc != nil {
			pc.complete(msg, nil)
			return nil
		}
	case MessageSignal:
		if c.deliverSignal(msg) {
			return nil
		}
	case MessageMethodCall:
		c.mu.Lock()
		handler := c.handlers[interfaceMember{msg.Interface, msg.Member}]
		c.mu.Unlock()
		if handler != nil {
			go c.dispatchCall(handler, msg)
			return nil
		}
	}
	return c.enqueue(msg)
}

// deliverSignal offers msg to all watchers, and reports whether any
// of them accepted it.
func (c *Conn) deliverSignal(msg *Message) bool {
	c.mu.Lock()
	ws := c.watchers.Slice()
	c.mu.Unlock()
	delivered := false
	for _, w := range ws {
		if w.deliver(msg) {
			delivered = true
		}
	}
	return delivered
}

// enqueue adds msg to the incoming queue, waiting for room if the
// queue is full.
func (c *Conn) enqueue(msg *Message) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return net.ErrClosed
		}
		if c.queuedBytes < c.maxReceivedSize {
			c.incoming.Add(msg)
			c.queuedBytes += msg.wireLen
			c.arrivals++
			c.mu.Unlock()
			notify(c.arrived)
			return nil
		}
		c.mu.Unlock()
		c.log.Debug("incoming queue full, waiting for PopMessage")
		select {
		case <-c.room:
		case <-c.done:
			return net.ErrClosed
		}
	}
}

func (c *Conn) dispatchCall(handler HandlerFunc, call *Message) {
	ctx := withContextCall(context.Background(), call)
	ctx = withContextConn(ctx, c)

	args, err := handler(ctx, call)
	if !call.WantReply() {
		return
	}
	var reply *Message
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			reply = NewError(call, ce.Name, ce.Detail)
		} else {
			reply = NewError(call, "org.freedesktop.DBus.Error.Failed", err.Error())
		}
	} else {
		reply = NewMethodReturn(call)
		if err := reply.AppendArgs(args...); err != nil {
			c.log.Error("encoding method reply", zap.Stringer("call", call), zap.Error(err))
			reply = NewError(call, "org.freedesktop.DBus.Error.Failed", err.Error())
		}
	}
	if _, err := c.Send(reply); err != nil {
		c.log.Warn("sending method reply", zap.Stringer("call", call), zap.Error(err))
	}
}
