package ldbus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danderson/ldbus/fragments"
)

const protocolVersion = 1

// headerSignature is the signature of the message header: byte
// order, type, flags, version, body length, serial, and an array of
// header fields. The byte order flag is read and written by the
// fragments codec, since it determines how the rest is decoded.
var headerSignature = MustParseSignature("yyyyuua(yv)")

var headerFieldType = MustParseType("(yv)")

// fixedHeaderLen is the length of the header up to and including
// the length of the header fields array.
const fixedHeaderLen = 16

// MaxMessageSize is the largest message that the DBus protocol
// allows.
const MaxMessageSize = 1 << 27

// headerField is the code of a message header field.
type headerField byte

const (
	fieldPath headerField = iota + 1
	fieldInterface
	fieldMember
	fieldErrorName
	fieldReplySerial
	fieldDestination
	fieldSender
	fieldSignature
	fieldUnixFDs
)

// headerFieldCodes is the DBus type of each known header field.
var headerFieldCodes = map[headerField]TypeCode{
	fieldPath:        TypeObjectPath,
	fieldInterface:   TypeString,
	fieldMember:      TypeString,
	fieldErrorName:   TypeString,
	fieldReplySerial: TypeUint32,
	fieldDestination: TypeString,
	fieldSender:      TypeString,
	fieldSignature:   TypeSignature,
	fieldUnixFDs:     TypeUint32,
}

// Valid checks that the message header is valid for its message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case MessageMethodCall:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case MessageMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case MessageError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
	case MessageSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the protocol requires
		// us to gracefully allow them.
	}
	if m.Path != "" {
		if err := m.Path.Valid(); err != nil {
			return err
		}
	}
	return nil
}

// headerFields returns the message's header fields, as values of
// type (yv).
func (m *Message) headerFields() ([]Value, error) {
	var ret []Value
	add := func(f headerField, v Value) error {
		ent, err := StructValue(ByteValue(byte(f)), VariantValue(v))
		if err != nil {
			return err
		}
		ret = append(ret, ent)
		return nil
	}
	addString := func(f headerField, s string) error {
		if s == "" {
			return nil
		}
		return add(f, StringValue(s))
	}

	if m.Path != "" {
		p, err := ObjectPathValue(m.Path)
		if err != nil {
			return nil, err
		}
		if err := add(fieldPath, p); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		field headerField
		val   string
	}{
		{fieldInterface, m.Interface},
		{fieldMember, m.Member},
		{fieldErrorName, m.ErrorName},
		{fieldDestination, m.Destination},
		{fieldSender, m.Sender},
	} {
		if err := addString(f.field, f.val); err != nil {
			return nil, err
		}
	}
	if m.ReplySerial != 0 {
		if err := add(fieldReplySerial, Uint32Value(m.ReplySerial)); err != nil {
			return nil, err
		}
	}
	if !m.sig.IsZero() {
		if err := add(fieldSignature, SignatureValue(m.sig)); err != nil {
			return nil, err
		}
	}
	if len(m.files) > 0 {
		if err := add(fieldUnixFDs, Uint32Value(uint32(len(m.files)))); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// EncodeMessage returns the wire encoding of m, header and body.
func EncodeMessage(m *Message) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	fields, err := m.headerFields()
	if err != nil {
		return nil, err
	}
	fieldArray, err := ArrayValue(headerFieldType, fields...)
	if err != nil {
		return nil, err
	}
	hdr := []Value{
		ByteValue(byte(m.Type)),
		ByteValue(byte(m.Flags)),
		ByteValue(protocolVersion),
		Uint32Value(uint32(len(m.body))),
		Uint32Value(m.Serial),
		fieldArray,
	}

	enc := &fragments.Encoder{Order: m.order}
	enc.ByteOrderFlag()
	w := newWriteCursor(enc, nil, nil)
	for _, v := range hdr {
		if err := encodeValue(w, v); err != nil {
			return nil, fmt.Errorf("encoding message header: %w", err)
		}
	}
	enc.Pad(8)
	enc.Write(m.body)
	if len(enc.Out) > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds maximum message size %d", len(enc.Out), MaxMessageSize)
	}
	return enc.Out, nil
}

// messageLength returns the total length of a message, given its
// first fixedHeaderLen bytes.
func messageLength(fixed []byte) (int, error) {
	if len(fixed) < fixedHeaderLen {
		return 0, io.ErrUnexpectedEOF
	}
	ord, ok := fragments.OrderForFlag(fixed[0])
	if !ok {
		return 0, fmt.Errorf("unknown byte order flag %q", fixed[0])
	}
	bodyLen := int(ord.Uint32(fixed[4:8]))
	fieldsLen := int(ord.Uint32(fixed[12:16]))
	hdrLen := fixedHeaderLen + fieldsLen
	if extra := hdrLen % 8; extra != 0 {
		hdrLen += 8 - extra
	}
	ret := hdrLen + bodyLen
	if fieldsLen > MaxMessageSize || bodyLen > MaxMessageSize || ret > MaxMessageSize {
		return 0, fmt.Errorf("message of %d bytes exceeds maximum message size %d", ret, MaxMessageSize)
	}
	return ret, nil
}

// DecodeMessage decodes the wire encoded message bs. files are the
// unix file descriptors received alongside the message.
func DecodeMessage(bs []byte, files []*os.File) (*Message, error) {
	return decodeMessage(bs, func(n int) ([]*os.File, error) {
		if n > len(files) {
			return nil, fmt.Errorf("message declares %d unix fds, but only %d were received", n, len(files))
		}
		return files[:n], nil
	})
}

// decodeMessage decodes the wire encoded message bs. getFiles is
// called with the number of unix fds that the header declares.
func decodeMessage(bs []byte, getFiles func(int) ([]*os.File, error)) (*Message, error) {
	if len(bs) < fixedHeaderLen {
		return nil, io.ErrUnexpectedEOF
	}
	dec := &fragments.Decoder{In: bs}
	if err := dec.ByteOrderFlag(); err != nil {
		return nil, err
	}
	r := newReadCursor(dec, headerSignature.types[1:])
	var hdr []Value
	for r.HasNext() {
		v, err := decodeValue(r)
		if err != nil {
			return nil, fmt.Errorf("decoding message header: %w", err)
		}
		hdr = append(hdr, v)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decoding message header: %w", err)
	}
	if v := hdr[2].Byte(); v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", v)
	}

	m := &Message{
		Type:     MessageType(hdr[0].Byte()),
		Flags:    MessageFlags(hdr[1].Byte()),
		Serial:   hdr[4].Uint32(),
		order:    dec.Order,
		received: true,
		wireLen:  len(bs),
	}
	var numFDs uint32
	for _, f := range hdr[5].elems {
		code, v := headerField(f.elems[0].Byte()), f.elems[1].Inner()
		want, known := headerFieldCodes[code]
		if !known {
			continue
		}
		if v.Code() != want {
			return nil, fmt.Errorf("header field %d has type %s, want %s", code, v.Type(), want)
		}
		switch code {
		case fieldPath:
			m.Path = v.ObjectPath()
		case fieldInterface:
			m.Interface = v.Str()
		case fieldMember:
			m.Member = v.Str()
		case fieldErrorName:
			m.ErrorName = v.Str()
		case fieldReplySerial:
			m.ReplySerial = v.Uint32()
		case fieldDestination:
			m.Destination = v.Str()
		case fieldSender:
			m.Sender = v.Str()
		case fieldSignature:
			m.sig = v.Signature()
		case fieldUnixFDs:
			numFDs = v.Uint32()
		}
	}

	if err := dec.Pad(8); err != nil {
		return nil, fmt.Errorf("decoding message header: %w", err)
	}
	body, err := dec.Read(int(hdr[3].Uint32()))
	if err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	if rest := dec.Remaining(); rest != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", rest)
	}
	if len(body) > 0 && m.sig.IsZero() {
		return nil, errors.New("message has a body but no signature")
	}
	if numFDs > 0 {
		files, err := getFiles(int(numFDs))
		if err != nil {
			return nil, err
		}
		m.files = files
	}
	m.body = bytes.Clone(body)
	if err := m.Valid(); err != nil {
		return nil, err
	}
	return m, nil
}
