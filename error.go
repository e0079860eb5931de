package ldbus

import (
	"errors"
	"fmt"
)

var (
	// ErrSignature is the error matched by every [SignatureError].
	ErrSignature = errors.New("invalid type signature")
	// ErrDepthExceeded is returned when containers nest deeper than
	// [MaxDepth].
	ErrDepthExceeded = fmt.Errorf("container nesting exceeds maximum depth %d", MaxDepth)
	// ErrTypeMismatch is the error matched by every [TypeError].
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidUse is returned when a [Cursor] is used incorrectly,
	// for example by reading from a write cursor.
	ErrInvalidUse = errors.New("invalid cursor use")
	// ErrUnclosedContainer is returned when a [Cursor] is used while
	// one of its child containers is still open.
	ErrUnclosedContainer = fmt.Errorf("%w: child container still open", ErrInvalidUse)
	// ErrExhausted is returned when reading past the last element of
	// a container. It signals the normal end of iteration.
	ErrExhausted = errors.New("no more elements")
)

// SignatureError is the error returned when a type signature is
// malformed.
type SignatureError struct {
	// Signature is the signature being parsed.
	Signature string
	// Offset is the byte offset in Signature at which the problem
	// was found.
	Offset int
	// Reason is an explanation of what is wrong.
	Reason error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid type signature %q at offset %d: %s", e.Signature, e.Offset, e.Reason)
}

func (e *SignatureError) Unwrap() error {
	return e.Reason
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrSignature
}

// TypeError is the error returned when a value's shape disagrees
// with the DBus type it is supposed to have.
type TypeError struct {
	// Path locates the offending value within the outermost value
	// being processed, for example "struct field 2: array element
	// 0". Empty for the outermost value itself.
	Path string
	// Want is the expected DBus type, or empty if no particular type
	// was expected.
	Want string
	// Got describes the value that was provided.
	Got string
	// Reason is an explanation of why the value isn't acceptable.
	Reason error
}

func (e *TypeError) Error() string {
	var msg string
	switch {
	case e.Want != "" && e.Got != "":
		msg = fmt.Sprintf("want %s, got %s", e.Want, e.Got)
	case e.Want != "":
		msg = fmt.Sprintf("want %s", e.Want)
	case e.Got != "":
		msg = fmt.Sprintf("cannot represent %s", e.Got)
	}
	if e.Reason != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Reason.Error()
	}
	if e.Path == "" {
		return "type mismatch: " + msg
	}
	return fmt.Sprintf("type mismatch at %s: %s", e.Path, msg)
}

func (e *TypeError) Unwrap() error {
	return e.Reason
}

func (e *TypeError) Is(target error) bool {
	return target == ErrTypeMismatch
}

func typeErr(want, got string, reason string, args ...any) error {
	var r error
	if reason != "" {
		r = fmt.Errorf(reason, args...)
	}
	return &TypeError{Want: want, Got: got, Reason: r}
}

// atPath prefixes the location of any TypeError within err with
// elem. Other errors are returned unchanged.
func atPath(err error, elem string, args ...any) error {
	te, ok := err.(*TypeError)
	if !ok {
		return err
	}
	seg := fmt.Sprintf(elem, args...)
	ret := *te
	if ret.Path == "" {
		ret.Path = seg
	} else {
		ret.Path = seg + ": " + ret.Path
	}
	return &ret
}

// CallError is the error returned from failed DBus method calls.
type CallError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}
