package ldbus

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/danderson/ldbus/fragments"
)

type cursorMode uint8

const (
	modeWrite cursorMode = iota + 1
	modeRead
)

func (m cursorMode) String() string {
	switch m {
	case modeWrite:
		return "write"
	case modeRead:
		return "read"
	default:
		return "invalid"
	}
}

// cursorTree is the state shared by a top-level cursor and all of
// its descendants.
type cursorTree struct {
	enc *fragments.Encoder
	dec *fragments.Decoder
	// err is the first failure in the tree. Once set, every
	// operation on every cursor of the tree returns it.
	err error
	// commit is called in write trees each time a top-level value is
	// complete.
	commit func(Type) error
	// onFail is called once, when err is first set.
	onFail func(error)
	// live, if set, reports why the tree can no longer be written to.
	live func() error
}

// usable returns the error that prevents any use of the tree.
func (t *cursorTree) usable() error {
	if t.err != nil {
		return t.err
	}
	if t.live != nil {
		return t.live()
	}
	return nil
}

// A Cursor appends values to, or reads values from, a message body or
// a container within it.
//
// A top-level cursor is obtained from [Message.Writer] or
// [Message.Reader]. Containers are written by opening a child cursor
// with [Cursor.OpenContainer], filling it, then closing it with
// [Cursor.CloseContainer]. Containers are read by entering them with
// [Cursor.EnterContainer], and leaving with [Cursor.ExitContainer].
//
// A cursor has at most one open child at a time, and cannot be used
// while that child is open. Any encoding or decoding failure poisons
// the cursor, its parent and all its descendants: every subsequent
// operation returns the original failure.
type Cursor struct {
	mode   cursorMode
	tree   *cursorTree
	parent *Cursor
	child  *Cursor
	closed bool
	// typ is the type of the container the cursor is in. It is the
	// zero Type for the top-level cursor.
	typ   Type
	depth int
	// n is the number of elements written or read so far.
	n int

	// elem is the element type of an array.
	elem Type
	// types are the expected element types of structs, dict entries
	// and variants, or the body types of a top-level reader.
	types []Type
	// free is set on write cursors that accept values of any type,
	// and record them in got. The top-level writer and structs
	// opened without a known type are free.
	free bool
	got  []Type

	// mark locates the length header of an array being written.
	mark fragments.ArrayMark
	// end is the offset at which the data of an array being read
	// ends.
	end int
}

func newWriteCursor(enc *fragments.Encoder, commit func(Type) error, onFail func(error)) *Cursor {
	return &Cursor{
		mode: modeWrite,
		tree: &cursorTree{enc: enc, commit: commit, onFail: onFail},
		free: true,
	}
}

func newReadCursor(dec *fragments.Decoder, types []Type) *Cursor {
	return &Cursor{
		mode:  modeRead,
		tree:  &cursorTree{dec: dec},
		types: types,
	}
}

// Type returns the type of the container the cursor iterates
// over. For the top-level cursor of a message, it returns the zero
// Type.
func (c *Cursor) Type() Type { return c.typ }

// elemPath returns the location of element i of c, for use in
// [TypeError] paths.
func (c *Cursor) elemPath(i int) string {
	switch c.typ.code {
	case TypeArray:
		return fmt.Sprintf("array element %d", i)
	case TypeStruct:
		return fmt.Sprintf("struct field %d", i)
	case TypeDictEntry:
		if i == 0 {
			return "dict entry key"
		}
		return "dict entry value"
	case TypeVariant:
		return "variant value"
	default:
		return fmt.Sprintf("argument %d", i)
	}
}

// check returns an error if c cannot currently be used for an
// operation of the given mode.
func (c *Cursor) check(mode cursorMode, op string) error {
	if err := c.tree.usable(); err != nil {
		return err
	}
	if c.mode != mode {
		return fmt.Errorf("%w: %s on %s cursor", ErrInvalidUse, op, c.mode)
	}
	if c.closed {
		return fmt.Errorf("%w: %s on closed cursor", ErrInvalidUse, op)
	}
	if c.child != nil {
		return ErrUnclosedContainer
	}
	return nil
}

// fail poisons c's cursor tree with err, and returns err.
func (c *Cursor) fail(err error) error {
	if c.tree.err == nil {
		c.tree.err = err
		if c.tree.onFail != nil {
			c.tree.onFail(err)
		}
	}
	return err
}

// Err returns the error that poisoned the cursor, if any.
func (c *Cursor) Err() error { return c.tree.err }

// want returns the type that the next element written to c must
// have, or the zero Type if any type is acceptable.
func (c *Cursor) want() (Type, error) {
	switch {
	case c.typ.code == TypeArray:
		return c.elem, nil
	case c.free:
		return Type{}, nil
	case c.n >= len(c.types):
		return Type{}, &TypeError{
			Path:   c.elemPath(c.n),
			Reason: fmt.Errorf("too many elements for %s %s", c.typ.code, c.typ),
		}
	default:
		return c.types[c.n], nil
	}
}

// record notes that a value of type t was completely written to c.
func (c *Cursor) record(t Type) error {
	c.n++
	if c.parent == nil {
		if c.tree.commit != nil {
			if err := c.tree.commit(t); err != nil {
				return c.fail(err)
			}
		}
		return nil
	}
	if c.free {
		c.got = append(c.got, t)
	}
	return nil
}

// AppendBasic appends the basic value v to c.
//
// It is an error to append a value whose type disagrees with the
// container's type, for example a string to an array of int32.
func (c *Cursor) AppendBasic(v Value) error {
	if err := c.check(modeWrite, "AppendBasic"); err != nil {
		return err
	}
	path := c.elemPath(c.n)
	if v.IsZero() {
		return c.fail(&TypeError{Path: path, Got: "invalid Value"})
	}
	if !v.typ.code.IsBasic() {
		return fmt.Errorf("%w: AppendBasic of %s value, use OpenContainer", ErrInvalidUse, v.typ.code)
	}
	want, err := c.want()
	if err != nil {
		return c.fail(err)
	}
	if !want.IsZero() && !want.Equal(v.typ) {
		return c.fail(&TypeError{Path: path, Want: want.str, Got: v.typ.str})
	}
	if err := validateBasic(v); err != nil {
		return c.fail(&TypeError{Path: path, Want: v.typ.code.String(), Got: fmt.Sprintf("%q", v.str), Reason: err})
	}

	enc := c.tree.enc
	switch v.typ.code {
	case TypeByte:
		enc.Uint8(uint8(v.num))
	case TypeInt16, TypeUint16:
		enc.Uint16(uint16(v.num))
	case TypeBoolean, TypeInt32, TypeUint32, TypeUnixFD:
		enc.Uint32(uint32(v.num))
	case TypeInt64, TypeUint64, TypeDouble:
		enc.Uint64(v.num)
	case TypeString, TypeObjectPath:
		enc.String(v.str)
	case TypeSignature:
		enc.Signature(v.str)
	}
	return c.record(v.typ)
}

// validateBasic checks that the content of a string-like value is
// acceptable on the wire.
func validateBasic(v Value) error {
	switch v.typ.code {
	case TypeString:
		return validateString(v.str)
	case TypeObjectPath:
		return ObjectPath(v.str).Valid()
	case TypeSignature:
		_, err := ParseSignature(v.str)
		return err
	}
	return nil
}

func validateString(s string) error {
	if !utf8.ValidString(s) {
		return errors.New("string is not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return errors.New("string contains a nul byte")
	}
	return nil
}

// OpenContainer opens a child container of the given type code at
// the current position, and returns a cursor for writing the
// container's contents. The parent cursor cannot be used until the
// child is closed with [Cursor.CloseContainer].
//
// sig is the signature of the array element type for [TypeArray],
// and the signature of the contained value for [TypeVariant]. For
// [TypeStruct], sig optionally lists the field types, for example
// "bd". If omitted, the struct's type is inferred from the values
// appended to it. For [TypeDictEntry], sig may be empty. Dict entries
// can only be opened directly within an array of dict entries.
func (c *Cursor) OpenContainer(code TypeCode, sig string) (*Cursor, error) {
	if err := c.check(modeWrite, "OpenContainer"); err != nil {
		return nil, err
	}
	want, err := c.want()
	if err != nil {
		return nil, c.fail(err)
	}
	path := c.elemPath(c.n)

	child := &Cursor{
		mode:   modeWrite,
		tree:   c.tree,
		parent: c,
		depth:  c.depth + 1,
	}
	// nesting is the number of container levels that the new
	// container adds, including its own.
	nesting := 1
	switch code {
	case TypeArray:
		// Parsed as a whole array type, dict entries aren't valid
		// types on their own.
		t, err := ParseType(string(TypeArray) + sig)
		if err != nil {
			return nil, c.fail(err)
		}
		child.typ, child.elem = t, t.Elem()
		nesting = t.depth
	case TypeStruct:
		switch {
		case sig != "":
			t, err := ParseType(string(structOpen) + sig + string(structClose))
			if err != nil {
				return nil, c.fail(err)
			}
			child.typ, child.types = t, t.elems
			nesting = t.depth
		case want.code == TypeStruct:
			child.typ, child.types = want, want.elems
			nesting = want.depth
		default:
			child.typ = Type{code: TypeStruct}
			child.free = true
		}
	case TypeDictEntry:
		if c.typ.code != TypeArray || c.elem.code != TypeDictEntry {
			return nil, c.fail(&TypeError{
				Path:   path,
				Want:   want.str,
				Got:    TypeDictEntry.String(),
				Reason: errors.New("dict entries can only be written directly inside an array of dict entries"),
			})
		}
		if sig != "" && string(dictEntryOpen)+sig+string(dictEntryEnd) != c.elem.str {
			return nil, c.fail(&TypeError{Path: path, Want: c.elem.str, Got: "{" + sig + "}"})
		}
		child.typ, child.types = c.elem, c.elem.elems
		nesting = c.elem.depth
	case TypeVariant:
		inner, err := ParseType(sig)
		if err != nil {
			return nil, c.fail(err)
		}
		child.typ, child.types = VariantType, []Type{inner}
		nesting = 1 + inner.depth
	default:
		return nil, fmt.Errorf("%w: OpenContainer with non-container type %s", ErrInvalidUse, code)
	}

	if !want.IsZero() && !child.free && !want.Equal(child.typ) {
		return nil, c.fail(&TypeError{Path: path, Want: want.str, Got: child.typ.str})
	}
	if !want.IsZero() && child.free {
		return nil, c.fail(&TypeError{Path: path, Want: want.str, Got: TypeStruct.String()})
	}
	if c.depth+nesting > MaxDepth {
		return nil, c.fail(fmt.Errorf("%s: %w", path, ErrDepthExceeded))
	}

	enc := c.tree.enc
	switch code {
	case TypeArray:
		child.mark = enc.BeginArray(child.elem.alignment())
	case TypeStruct, TypeDictEntry:
		enc.Pad(8)
	case TypeVariant:
		enc.Signature(child.types[0].str)
	}
	c.child = child
	return child, nil
}

// CloseContainer completes the child container opened by
// [Cursor.OpenContainer]. The child must have no open container of
// its own, and must contain a complete value of its type.
func (c *Cursor) CloseContainer(child *Cursor) error {
	if err := c.tree.usable(); err != nil {
		return err
	}
	if c.mode != modeWrite {
		return fmt.Errorf("%w: CloseContainer on %s cursor", ErrInvalidUse, c.mode)
	}
	if child == nil || c.child != child {
		return fmt.Errorf("%w: CloseContainer of a cursor that is not the open child", ErrInvalidUse)
	}
	if child.child != nil {
		return ErrUnclosedContainer
	}
	path := c.elemPath(c.n)

	switch child.typ.code {
	case TypeArray:
		if err := c.tree.enc.EndArray(child.mark); err != nil {
			return c.fail(fmt.Errorf("%s: %w", path, err))
		}
	case TypeStruct:
		if child.free {
			if child.n == 0 {
				return c.fail(&TypeError{Path: path, Got: "empty struct", Reason: errors.New("structs must have at least one field")})
			}
			t, err := StructOf(child.got...)
			if err != nil {
				return c.fail(err)
			}
			if c.depth+t.depth > MaxDepth {
				return c.fail(fmt.Errorf("%s: %w", path, ErrDepthExceeded))
			}
			child.typ = t
		} else if child.n != len(child.types) {
			return c.fail(&TypeError{Path: path, Want: child.typ.str, Got: fmt.Sprintf("struct with %d fields", child.n)})
		}
	case TypeDictEntry:
		if child.n != 2 {
			return c.fail(&TypeError{Path: path, Want: child.typ.str, Got: fmt.Sprintf("dict entry with %d elements", child.n)})
		}
	case TypeVariant:
		if child.n != 1 {
			return c.fail(&TypeError{Path: path, Want: "variant containing " + child.types[0].str, Got: "empty variant"})
		}
	}

	child.closed = true
	c.child = nil
	return c.record(child.typ)
}

// HasNext reports whether c has more elements to read. It returns
// false for write cursors, and for cursors that cannot currently be
// read.
func (c *Cursor) HasNext() bool {
	if c.mode != modeRead || c.closed || c.child != nil || c.tree.err != nil {
		return false
	}
	if c.typ.code == TypeArray {
		return c.tree.dec.Offset() < c.end
	}
	return c.n < len(c.types)
}

// CurrentType returns the type of the next element to be read, or
// the zero Type if there are no more elements.
func (c *Cursor) CurrentType() Type {
	if !c.HasNext() {
		return Type{}
	}
	if c.typ.code == TypeArray {
		return c.elem
	}
	return c.types[c.n]
}

// CurrentCode returns the type code of the next element to be read,
// or [TypeInvalid] if there are no more elements.
func (c *Cursor) CurrentCode() TypeCode {
	return c.CurrentType().code
}

// ReadBasic reads the next element, which must be of a basic type,
// and advances the cursor. It returns [ErrExhausted] if there are no
// more elements.
func (c *Cursor) ReadBasic() (Value, error) {
	if err := c.check(modeRead, "ReadBasic"); err != nil {
		return Value{}, err
	}
	if !c.HasNext() {
		return Value{}, ErrExhausted
	}
	t := c.CurrentType()
	if !t.code.IsBasic() {
		return Value{}, fmt.Errorf("%w: ReadBasic of %s value, use EnterContainer", ErrInvalidUse, t.code)
	}
	v, err := c.readBasic(t)
	if err != nil {
		return Value{}, c.fail(fmt.Errorf("reading %s: %w", c.elemPath(c.n), err))
	}
	c.n++
	return v, nil
}

func (c *Cursor) readBasic(t Type) (Value, error) {
	dec := c.tree.dec
	switch t.code {
	case TypeByte:
		u, err := dec.Uint8()
		return ByteValue(u), err
	case TypeBoolean:
		u, err := dec.Uint32()
		if err != nil {
			return Value{}, err
		}
		if u > 1 {
			return Value{}, fmt.Errorf("invalid boolean value %d", u)
		}
		return BoolValue(u == 1), nil
	case TypeInt16:
		u, err := dec.Uint16()
		return Int16Value(int16(u)), err
	case TypeUint16:
		u, err := dec.Uint16()
		return Uint16Value(u), err
	case TypeInt32:
		u, err := dec.Uint32()
		return Int32Value(int32(u)), err
	case TypeUint32:
		u, err := dec.Uint32()
		return Uint32Value(u), err
	case TypeUnixFD:
		u, err := dec.Uint32()
		return UnixFDValue(UnixFD(u)), err
	case TypeInt64:
		u, err := dec.Uint64()
		return Int64Value(int64(u)), err
	case TypeUint64:
		u, err := dec.Uint64()
		return Uint64Value(u), err
	case TypeDouble:
		u, err := dec.Uint64()
		return scalar(TypeDouble, u), err
	case TypeString:
		s, err := dec.String()
		if err != nil {
			return Value{}, err
		}
		if err := validateString(s); err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case TypeObjectPath:
		s, err := dec.String()
		if err != nil {
			return Value{}, err
		}
		return ObjectPathValue(ObjectPath(s))
	case TypeSignature:
		s, err := dec.Signature()
		if err != nil {
			return Value{}, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return Value{}, err
		}
		return SignatureValue(sig), nil
	default:
		return Value{}, fmt.Errorf("unknown basic type %s", t)
	}
}

// EnterContainer enters the next element, which must be of a
// container type, and returns a cursor for reading its contents. The
// parent cursor cannot be used until the child is released with
// [Cursor.ExitContainer].
func (c *Cursor) EnterContainer() (*Cursor, error) {
	if err := c.check(modeRead, "EnterContainer"); err != nil {
		return nil, err
	}
	if !c.HasNext() {
		return nil, ErrExhausted
	}
	t := c.CurrentType()
	if !t.code.IsContainer() {
		return nil, fmt.Errorf("%w: EnterContainer of basic %s value, use ReadBasic", ErrInvalidUse, t.code)
	}
	path := c.elemPath(c.n)
	child := &Cursor{
		mode:   modeRead,
		tree:   c.tree,
		parent: c,
		typ:    t,
		depth:  c.depth + 1,
	}
	if child.depth > MaxDepth {
		return nil, c.fail(fmt.Errorf("%s: %w", path, ErrDepthExceeded))
	}

	dec := c.tree.dec
	switch t.code {
	case TypeArray:
		child.elem = t.elems[0]
		end, err := dec.BeginArray(child.elem.alignment())
		if err != nil {
			return nil, c.fail(fmt.Errorf("reading %s: %w", path, err))
		}
		child.end = end
	case TypeStruct, TypeDictEntry:
		if err := dec.Pad(8); err != nil {
			return nil, c.fail(fmt.Errorf("reading %s: %w", path, err))
		}
		child.types = t.elems
	case TypeVariant:
		s, err := dec.Signature()
		if err != nil {
			return nil, c.fail(fmt.Errorf("reading %s: %w", path, err))
		}
		inner, err := ParseType(s)
		if err != nil {
			return nil, c.fail(fmt.Errorf("reading %s: %w", path, err))
		}
		if c.depth+1+inner.depth > MaxDepth {
			return nil, c.fail(fmt.Errorf("%s: %w", path, ErrDepthExceeded))
		}
		child.types = []Type{inner}
	}
	c.child = child
	return child, nil
}

// ExitContainer releases the child cursor returned by
// [Cursor.EnterContainer], and advances c past the container. Any
// elements of the child that were not read are skipped.
func (c *Cursor) ExitContainer(child *Cursor) error {
	if c.tree.err != nil {
		return c.tree.err
	}
	if c.mode != modeRead {
		return fmt.Errorf("%w: ExitContainer on %s cursor", ErrInvalidUse, c.mode)
	}
	if child == nil || c.child != child {
		return fmt.Errorf("%w: ExitContainer of a cursor that is not the open child", ErrInvalidUse)
	}
	if child.child != nil {
		return ErrUnclosedContainer
	}
	path := c.elemPath(c.n)

	if child.typ.code == TypeArray {
		dec := c.tree.dec
		if off := dec.Offset(); off > child.end {
			return c.fail(fmt.Errorf("reading %s: array elements overran array end by %d bytes", path, off-child.end))
		}
		if err := dec.SkipTo(child.end); err != nil {
			return c.fail(fmt.Errorf("reading %s: %w", path, err))
		}
	} else {
		for child.HasNext() {
			if _, err := decodeValue(child); err != nil {
				return atPath(err, path)
			}
		}
		if c.tree.err != nil {
			return c.tree.err
		}
	}

	child.closed = true
	c.child = nil
	c.n++
	return nil
}
