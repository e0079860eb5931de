package ldbus

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	// MaxSignatureLength is the maximum length in bytes of a type
	// signature.
	MaxSignatureLength = 255
	// MaxDepth is the maximum number of nested container contexts
	// allowed in a type or value.
	MaxDepth = 32
)

// A Type describes one complete DBus type: a basic type, or a
// container type along with the types of its elements.
//
// The zero Type is invalid, and describes no type.
type Type struct {
	code  TypeCode
	elems []Type
	str   string
	depth int
}

// Code returns the type's TypeCode.
func (t Type) Code() TypeCode { return t.code }

// String returns the type's signature string, for example "a{sv}".
func (t Type) String() string { return t.str }

// IsZero reports whether t is the zero Type.
func (t Type) IsZero() bool { return t.code == TypeInvalid }

// Equal reports whether t and o describe the same type.
func (t Type) Equal(o Type) bool { return t.str == o.str }

// Depth returns the number of nested containers in t's signature.
func (t Type) Depth() int { return t.depth }

// Elems returns the types of t's child elements: the element type of
// an array, the field types of a struct, or the key and value types
// of a dict entry. Basic types and variants have no fixed elements.
func (t Type) Elems() []Type { return slices.Clone(t.elems) }

// Elem returns the element type of an array. It panics if t is not an
// array type.
func (t Type) Elem() Type {
	if t.code != TypeArray {
		panic(fmt.Sprintf("Elem of non-array type %s", t))
	}
	return t.elems[0]
}

// IsDict reports whether t is an array of dict entries.
func (t Type) IsDict() bool {
	return t.code == TypeArray && t.elems[0].code == TypeDictEntry
}

func (t Type) alignment() int { return t.code.alignment() }

var basicTypes = func() map[TypeCode]Type {
	ret := map[TypeCode]Type{}
	for c := range basicCodes {
		ret[c] = Type{code: c, str: string(byte(c))}
	}
	ret[TypeVariant] = Type{code: TypeVariant, str: "v"}
	return ret
}()

// BasicType returns the Type for a basic type code or
// [TypeVariant]. It panics if c is any other type code.
func BasicType(c TypeCode) Type {
	ret, ok := basicTypes[c]
	if !ok {
		panic(fmt.Sprintf("BasicType called with non-basic type code %s", c))
	}
	return ret
}

// VariantType is the Type of variants.
var VariantType = BasicType(TypeVariant)

// ArrayOf returns the type of arrays of elem.
func ArrayOf(elem Type) (Type, error) {
	if elem.IsZero() {
		return Type{}, typeErr("", "", "array of invalid type")
	}
	return mkContainer(TypeArray, []Type{elem}, "a"+elem.str)
}

// StructOf returns the type of structs with the given fields.
func StructOf(fields ...Type) (Type, error) {
	if len(fields) == 0 {
		return Type{}, &SignatureError{"()", 1, errors.New("empty struct")}
	}
	var s strings.Builder
	s.WriteByte(structOpen)
	for _, f := range fields {
		if f.IsZero() {
			return Type{}, typeErr("", "", "struct field of invalid type")
		}
		s.WriteString(f.str)
	}
	s.WriteByte(structClose)
	return mkContainer(TypeStruct, slices.Clone(fields), s.String())
}

// DictEntryOf returns the type of dict entries with the given key and
// value types. Dict entry types are only valid as the element type of
// an array, see [DictOf].
func DictEntryOf(key, val Type) (Type, error) {
	if !key.code.IsBasic() {
		return Type{}, typeErr("basic type", key.str, "invalid dict entry key")
	}
	if val.IsZero() {
		return Type{}, typeErr("", "", "dict entry value of invalid type")
	}
	return mkContainer(TypeDictEntry, []Type{key, val}, "{"+key.str+val.str+"}")
}

// DictOf returns the type of dictionaries mapping key to val,
// i.e. a{kv}.
func DictOf(key, val Type) (Type, error) {
	ent, err := DictEntryOf(key, val)
	if err != nil {
		return Type{}, err
	}
	return ArrayOf(ent)
}

func mkContainer(code TypeCode, elems []Type, str string) (Type, error) {
	depth := 0
	for _, e := range elems {
		depth = max(depth, e.depth)
	}
	depth++
	if depth > MaxDepth {
		return Type{}, &SignatureError{str, 0, ErrDepthExceeded}
	}
	if len(str) > MaxSignatureLength {
		return Type{}, &SignatureError{str, MaxSignatureLength, fmt.Errorf("signature longer than %d bytes", MaxSignatureLength)}
	}
	return Type{code, elems, str, depth}, nil
}

// A Signature is a sequence of zero or more complete types, such as
// the signature of a message body.
type Signature struct {
	types []Type
	str   string
}

// String returns the signature string.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature contains no types. A zero
// Signature describes an empty message body.
func (s Signature) IsZero() bool { return len(s.types) == 0 }

// Len returns the number of complete types in s.
func (s Signature) Len() int { return len(s.types) }

// Types returns the complete types in s, in order.
func (s Signature) Types() []Type { return slices.Clone(s.types) }

// Equal reports whether s and o are the same signature.
func (s Signature) Equal(o Signature) bool { return s.str == o.str }

// SignatureOf returns the Signature for the given sequence of types.
func SignatureOf(types ...Type) (Signature, error) {
	var b strings.Builder
	for _, t := range types {
		if t.IsZero() {
			return Signature{}, typeErr("", "", "signature element of invalid type")
		}
		b.WriteString(t.str)
	}
	str := b.String()
	if len(str) > MaxSignatureLength {
		return Signature{}, &SignatureError{str, MaxSignatureLength, fmt.Errorf("signature longer than %d bytes", MaxSignatureLength)}
	}
	return Signature{slices.Clone(types), str}, nil
}

// append returns s with t appended.
func (s Signature) append(t Type) (Signature, error) {
	str := s.str + t.str
	if len(str) > MaxSignatureLength {
		return Signature{}, &SignatureError{str, MaxSignatureLength, fmt.Errorf("signature longer than %d bytes", MaxSignatureLength)}
	}
	return Signature{append(slices.Clip(s.types), t), str}, nil
}

var (
	strToSignature cache[string, Signature]
	strToType      cache[string, Type]
)

// ParseSignature parses a DBus type signature string containing zero
// or more complete types.
func ParseSignature(sig string) (Signature, error) {
	if ret, err := strToSignature.Get(sig); !errors.Is(err, errNotFound) {
		return ret, err
	}

	ret, err := parseSignature(sig)
	if err != nil {
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}
	strToSignature.Set(sig, ret)
	return ret, nil
}

func parseSignature(sig string) (Signature, error) {
	p, err := newSigParser(sig)
	if err != nil {
		return Signature{}, err
	}
	var types []Type
	for !p.done() {
		t, err := p.parseOne(false)
		if err != nil {
			return Signature{}, err
		}
		types = append(types, t)
	}
	return Signature{types, sig}, nil
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// ParseType parses a signature string containing exactly one
// complete type.
func ParseType(sig string) (Type, error) {
	if ret, err := strToType.Get(sig); !errors.Is(err, errNotFound) {
		return ret, err
	}

	ret, err := parseType(sig)
	if err != nil {
		strToType.SetErr(sig, err)
		return Type{}, err
	}
	strToType.Set(sig, ret)
	return ret, nil
}

func parseType(sig string) (Type, error) {
	p, err := newSigParser(sig)
	if err != nil {
		return Type{}, err
	}
	if p.done() {
		return Type{}, p.errorf("empty signature, want exactly one type")
	}
	ret, err := p.parseOne(false)
	if err != nil {
		return Type{}, err
	}
	if !p.done() {
		return Type{}, p.errorf("trailing characters %q after complete type", sig[p.pos:])
	}
	return ret, nil
}

// MustParseType is like [ParseType], but panics if sig is invalid.
func MustParseType(sig string) Type {
	ret, err := ParseType(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// sigParser is a recursive descent parser for type signatures.
type sigParser struct {
	sig   string
	pos   int
	depth int
}

func newSigParser(sig string) (*sigParser, error) {
	if len(sig) > MaxSignatureLength {
		return nil, &SignatureError{sig, MaxSignatureLength, fmt.Errorf("signature longer than %d bytes", MaxSignatureLength)}
	}
	return &sigParser{sig: sig}, nil
}

func (p *sigParser) done() bool { return p.pos >= len(p.sig) }

func (p *sigParser) errorf(msg string, args ...any) error {
	return &SignatureError{p.sig, p.pos, fmt.Errorf(msg, args...)}
}

func (p *sigParser) open() error {
	p.depth++
	if p.depth > MaxDepth {
		return &SignatureError{p.sig, p.pos, ErrDepthExceeded}
	}
	return nil
}

func (p *sigParser) close() { p.depth-- }

// parseOne consumes the first complete type from the remaining input.
func (p *sigParser) parseOne(inArray bool) (Type, error) {
	if p.done() {
		return Type{}, p.errorf("unexpected end of signature, want a complete type")
	}
	c := p.sig[p.pos]
	if t, ok := basicTypes[TypeCode(c)]; ok {
		p.pos++
		return t, nil
	}

	start := p.pos
	switch c {
	case 'a':
		if err := p.open(); err != nil {
			return Type{}, err
		}
		p.pos++
		elem, err := p.parseOne(true)
		if err != nil {
			return Type{}, err
		}
		p.close()
		return p.mk(TypeArray, []Type{elem}, start)
	case structOpen:
		if err := p.open(); err != nil {
			return Type{}, err
		}
		p.pos++
		var fields []Type
		for !p.done() && p.sig[p.pos] != structClose {
			f, err := p.parseOne(false)
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
		}
		if p.done() {
			return Type{}, p.errorf("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return Type{}, p.errorf("empty struct")
		}
		p.pos++
		p.close()
		return p.mk(TypeStruct, fields, start)
	case dictEntryOpen:
		if !inArray {
			return Type{}, p.errorf("dict entry type found outside array")
		}
		if err := p.open(); err != nil {
			return Type{}, err
		}
		p.pos++
		key, err := p.parseOne(false)
		if err != nil {
			return Type{}, err
		}
		if !key.code.IsBasic() {
			return Type{}, p.errorf("invalid dict entry key type %s, must be a basic type", key)
		}
		val, err := p.parseOne(false)
		if err != nil {
			return Type{}, err
		}
		if p.done() || p.sig[p.pos] != dictEntryEnd {
			return Type{}, p.errorf("missing closing } in dict entry definition")
		}
		p.pos++
		p.close()
		return p.mk(TypeDictEntry, []Type{key, val}, start)
	case structClose:
		return Type{}, p.errorf("unbalanced )")
	case dictEntryEnd:
		return Type{}, p.errorf("unbalanced }")
	default:
		return Type{}, p.errorf("unknown type specifier %q", c)
	}
}

func (p *sigParser) mk(code TypeCode, elems []Type, start int) (Type, error) {
	depth := 0
	for _, e := range elems {
		depth = max(depth, e.depth)
	}
	return Type{code, elems, p.sig[start:p.pos], depth + 1}, nil
}
