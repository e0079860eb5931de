package ldbus

import (
	"fmt"
	"os"

	"github.com/danderson/ldbus/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	MessageMethodCall MessageType = iota + 1
	MessageMethodReturn
	MessageError
	MessageSignal
)

func (t MessageType) String() string {
	switch t {
	case MessageMethodCall:
		return "method_call"
	case MessageMethodReturn:
		return "method_return"
	case MessageError:
		return "error"
	case MessageSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// MessageFlags are the flags of a DBus message header.
type MessageFlags byte

const (
	// FlagNoReplyExpected indicates that the caller does not want a
	// reply to a method call.
	FlagNoReplyExpected MessageFlags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch the destination
	// service if it isn't running.
	FlagNoAutoStart
	// FlagAllowInteractiveAuthorization indicates that the caller is
	// prepared to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuthorization
)

// A Message is a DBus message: a header describing the message, and
// a body of zero or more values.
//
// Outgoing messages are built with one of the constructors, then
// their body is filled with [Message.AppendArgs] or
// [Message.Writer]. Received messages are read-only, and their body
// is read with [Message.Args] or [Message.Reader].
type Message struct {
	Type  MessageType
	Flags MessageFlags
	// Serial is the message's serial number. It is assigned by
	// [Conn.Send].
	Serial uint32

	// Path is the target object of a method call, or the emitting
	// object of a signal.
	Path ObjectPath
	// Interface is the interface of the method being called, or of
	// the signal being emitted.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrorName is the name of the error, in error replies.
	ErrorName string
	// ReplySerial is the serial of the message being replied to, in
	// method returns and error replies.
	ReplySerial uint32
	// Destination is the bus name the message is addressed to.
	Destination string
	// Sender is the unique bus name of the message's sender. It is
	// filled in by the bus.
	Sender string

	order fragments.ByteOrder
	body  []byte
	sig   Signature
	files []*os.File
	// err is the failure that made the body unusable, if any.
	err error
	// received is set on messages decoded from the wire.
	received bool
	// wireLen is the encoded size of a received message.
	wireLen int
	// writers counts the writers handed out. Only the latest one may
	// append to the body.
	writers uint64
}

func newMessage(t MessageType) *Message {
	return &Message{
		Type:  t,
		order: fragments.NativeEndian,
	}
}

// NewMethodCall returns a message that calls method on the object at
// path, provided by the bus peer dest.
func NewMethodCall(dest string, path ObjectPath, iface, method string) *Message {
	m := newMessage(MessageMethodCall)
	m.Destination = dest
	m.Path = path
	m.Interface = iface
	m.Member = method
	return m
}

// NewSignal returns a message that emits the signal iface.name from
// the object at path.
func NewSignal(path ObjectPath, iface, name string) *Message {
	m := newMessage(MessageSignal)
	m.Path = path
	m.Interface = iface
	m.Member = name
	return m
}

// NewMethodReturn returns a successful reply to call.
func NewMethodReturn(call *Message) *Message {
	m := newMessage(MessageMethodReturn)
	m.Flags = FlagNoReplyExpected
	m.ReplySerial = call.Serial
	m.Destination = call.Sender
	return m
}

// NewError returns an error reply to call. If detail is not empty,
// it becomes the reply's only argument.
func NewError(call *Message, name, detail string) *Message {
	m := newMessage(MessageError)
	m.Flags = FlagNoReplyExpected
	m.ReplySerial = call.Serial
	m.Destination = call.Sender
	m.ErrorName = name
	if detail != "" {
		m.AppendArgs(StringValue(detail))
	}
	return m
}

// ByteOrder returns the byte order of the message's encoding.
func (m *Message) ByteOrder() fragments.ByteOrder { return m.order }

// Signature returns the signature of the message body.
func (m *Message) Signature() Signature { return m.sig }

// Err returns the error that made the message body unusable, if
// any. A message with an error cannot be sent.
func (m *Message) Err() error { return m.err }

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == MessageMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the message's sender is prepared to
// wait for an interactive authorization prompt.
func (m *Message) CanInteract() bool {
	return m.Type == MessageMethodCall && m.Flags&FlagAllowInteractiveAuthorization != 0
}

// Writer returns a cursor that appends values to the end of the
// message body. Each complete top-level value appended through the
// cursor is added to the body signature.
//
// Only one writer may be used at a time. Obtaining a new writer, or
// calling [Message.AppendArgs], retires any earlier writer: values it
// had not completed are discarded, and further use of it returns
// [ErrInvalidUse]. If a write fails, the message becomes unusable and
// cannot be sent.
func (m *Message) Writer() (*Cursor, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.received {
		return nil, fmt.Errorf("%w: cannot write to a received message", ErrInvalidUse)
	}
	m.writers++
	gen := m.writers
	enc := &fragments.Encoder{Order: m.order, Out: m.body}
	commit := func(t Type) error {
		sig, err := m.sig.append(t)
		if err != nil {
			return err
		}
		m.sig = sig
		m.body = enc.Out
		return nil
	}
	fail := func(err error) {
		m.err = fmt.Errorf("message body unusable after failed write: %w", err)
	}
	w := newWriteCursor(enc, commit, fail)
	w.tree.live = func() error {
		if m.writers != gen {
			return fmt.Errorf("%w: writer retired by a later Writer or AppendArgs", ErrInvalidUse)
		}
		return nil
	}
	return w, nil
}

// Reader returns a cursor that reads the message body from the
// beginning. Readers are independent, the body can be read any
// number of times.
func (m *Message) Reader() *Cursor {
	dec := &fragments.Decoder{Order: m.order, In: m.body}
	return newReadCursor(dec, m.sig.types)
}

// AppendArgs appends vals to the message body.
//
// Values are encoded in order. If a value cannot be encoded, the
// message becomes unusable and cannot be sent. Values appended
// before the failure are not rolled back.
func (m *Message) AppendArgs(vals ...Value) error {
	w, err := m.Writer()
	if err != nil {
		return err
	}
	for _, v := range vals {
		if err := encodeValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

// AppendNative appends Go values to the message body, using
// [ValueOf] to infer their DBus types.
func (m *Message) AppendNative(xs ...any) error {
	vals := make([]Value, len(xs))
	for i, x := range xs {
		v, err := ValueOf(x)
		if err != nil {
			return atPath(err, "argument %d", m.sig.Len()+i)
		}
		vals[i] = v
	}
	return m.AppendArgs(vals...)
}

// Args decodes and returns all the values in the message body.
func (m *Message) Args() ([]Value, error) {
	r := m.Reader()
	var ret []Value
	for r.HasNext() {
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if rest := r.tree.dec.Remaining(); rest != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message body of signature %q", rest, m.sig)
	}
	return ret, nil
}

// AttachFile attaches f to the message, and returns the unix fd
// Value that refers to it. The returned Value must be appended to
// the body for the receiver to know what the file is for.
//
// The file is sent when the message is, and must remain open until
// then.
func (m *Message) AttachFile(f *os.File) Value {
	m.files = append(m.files, f)
	return UnixFDValue(UnixFD(len(m.files) - 1))
}

// File returns the file referred to by fd.
func (m *Message) File(fd UnixFD) (*os.File, error) {
	if int(fd) >= len(m.files) {
		return nil, fmt.Errorf("unix fd index %d out of range, message has %d files", fd, len(m.files))
	}
	return m.files[fd], nil
}

// Files returns the files attached to the message.
func (m *Message) Files() []*os.File { return m.files }

// CallError returns the *CallError that an error reply carries, or
// nil if m is not an error reply.
func (m *Message) CallError() error {
	if m.Type != MessageError {
		return nil
	}
	ret := &CallError{Name: m.ErrorName}
	if m.sig.Len() > 0 && m.sig.types[0].code == TypeString {
		if v, err := m.Reader().ReadBasic(); err == nil {
			ret.Detail = v.Str()
		}
	}
	return ret
}

func (m *Message) String() string {
	switch m.Type {
	case MessageMethodCall:
		return fmt.Sprintf("call #%d %s %s %s.%s(%s)", m.Serial, m.Destination, m.Path, m.Interface, m.Member, m.sig)
	case MessageSignal:
		return fmt.Sprintf("signal #%d %s %s.%s(%s)", m.Serial, m.Path, m.Interface, m.Member, m.sig)
	case MessageMethodReturn:
		return fmt.Sprintf("return #%d for #%d (%s)", m.Serial, m.ReplySerial, m.sig)
	case MessageError:
		return fmt.Sprintf("error #%d for #%d %s", m.Serial, m.ReplySerial, m.ErrorName)
	default:
		return fmt.Sprintf("%s #%d", m.Type, m.Serial)
	}
}
