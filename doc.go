// Package ldbus implements the DBus wire protocol with a dynamic
// value model.
//
// A DBus message body is a sequence of typed values, described by a
// [Signature]. ldbus represents each value as a [Value], which
// carries its own [Type]. Values are built with constructors such as
// [StringValue] and [ArrayValue], or converted from Go values with
// [ValueOf] and [ValueAs]. Received values convert back to Go with
// [Value.Interface].
//
// Message bodies are read and written incrementally through a
// [Cursor], obtained from [Message.Reader] and [Message.Writer]. A
// cursor walks the body one value at a time, opening and closing
// containers as it goes. For the common case of whole argument
// lists, [Message.AppendArgs] and [Message.Args] do the walking.
//
// Errors from the value model and cursors wrap a small set of
// sentinel errors, so callers can classify failures with
// [errors.Is]:
//
//   - [ErrSignature]: a malformed signature, or a value that doesn't
//     fit in one.
//   - [ErrDepthExceeded]: containers nested deeper than DBus allows.
//   - [ErrTypeMismatch]: a value of the wrong type, returned as a
//     [*TypeError] that locates the offending value.
//   - [ErrInvalidUse]: an operation that doesn't make sense in the
//     cursor's current state. [ErrUnclosedContainer] is the variant
//     for using a cursor while one of its children is still open.
//   - [ErrExhausted]: reading past the end of a body or container.
//
// A failed write leaves a message body unusable. Every later
// operation on the message's cursors reports the original failure,
// and the message cannot be sent.
//
// [Conn] connects to a bus or peer over a unix socket, and provides
// method calls with timeouts, a receive queue with back-pressure,
// signal delivery through [Watcher], method handlers, and bus name
// ownership through [Claim]. [Peer], [Object] and [Interface] are
// lightweight handles for addressing remote objects.
//
// The integer widths of DBus and Go don't quite line up. Go int and
// uint convert to DBus int32 and uint32, and fail if the value
// doesn't fit. int8 has no DBus equivalent, and [ValueOf] rejects it.
// [ValueAs] accepts any Go integer, provided the value fits the
// requested DBus type.
package ldbus
