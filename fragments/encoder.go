package fragments

import (
	"fmt"
)

// MaxArrayLength is the maximum size in bytes of the content of a
// single DBus array.
const MaxArrayLength = 1 << 26

// An Encoder provides utilities to write a DBus wire format message
// to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
//
// Alignment is computed relative to the start of Out, so Out must
// begin at an 8-byte aligned position within the final message.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// String writes s to the output.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s to the output as a DBus signature, which unlike
// a string has a single byte length prefix.
func (e *Encoder) Signature(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// An ArrayMark records an array header written by
// [Encoder.BeginArray], so that [Encoder.EndArray] can fill in the
// array's length once the elements are written.
type ArrayMark struct {
	lenOffset int
	start     int
}

// BeginArray writes a placeholder array header, and pads the output
// to elemAlign in preparation for the first element. Elements are
// then written by the caller, and the array is completed by passing
// the returned mark to [Encoder.EndArray].
func (e *Encoder) BeginArray(elemAlign int) ArrayMark {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)
	return ArrayMark{offset, len(e.Out)}
}

// EndArray completes an array started with [Encoder.BeginArray],
// recording the length of the element data in the array header.
func (e *Encoder) EndArray(m ArrayMark) error {
	ln := len(e.Out) - m.start
	if ln > MaxArrayLength {
		return fmt.Errorf("array of %d bytes exceeds maximum array length %d", ln, MaxArrayLength)
	}
	e.Order.PutUint32(e.Out[m.lenOffset:], uint32(ln))
	return nil
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.dbusFlag()})
}
