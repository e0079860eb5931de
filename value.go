package ldbus

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// A Value is a DBus value of any type, basic or container.
//
// Values are immutable. The zero Value is invalid, and cannot be
// encoded.
type Value struct {
	typ Type
	// num holds integers, booleans, float64 bits and unix fd indices.
	num uint64
	// str holds strings, object paths and signatures.
	str string
	// elems holds array elements, struct fields, the key and value of
	// a dict entry, or the single inner value of a variant.
	elems []Value
}

func scalar(c TypeCode, num uint64) Value {
	return Value{typ: basicTypes[c], num: num}
}

// ByteValue returns a byte Value.
func ByteValue(v uint8) Value { return scalar(TypeByte, uint64(v)) }

// BoolValue returns a boolean Value.
func BoolValue(v bool) Value {
	if v {
		return scalar(TypeBoolean, 1)
	}
	return scalar(TypeBoolean, 0)
}

// Int16Value returns an int16 Value.
func Int16Value(v int16) Value { return scalar(TypeInt16, uint64(v)) }

// Uint16Value returns a uint16 Value.
func Uint16Value(v uint16) Value { return scalar(TypeUint16, uint64(v)) }

// Int32Value returns an int32 Value.
func Int32Value(v int32) Value { return scalar(TypeInt32, uint64(v)) }

// Uint32Value returns a uint32 Value.
func Uint32Value(v uint32) Value { return scalar(TypeUint32, uint64(v)) }

// Int64Value returns an int64 Value.
func Int64Value(v int64) Value { return scalar(TypeInt64, uint64(v)) }

// Uint64Value returns a uint64 Value.
func Uint64Value(v uint64) Value { return scalar(TypeUint64, v) }

// DoubleValue returns a double Value.
func DoubleValue(v float64) Value { return scalar(TypeDouble, math.Float64bits(v)) }

// UnixFDValue returns a unix file descriptor Value. The value is an
// index into the file descriptors attached to the message, see
// [Message.AttachFile].
func UnixFDValue(v UnixFD) Value { return scalar(TypeUnixFD, uint64(v)) }

// StringValue returns a string Value.
//
// DBus strings must be valid UTF-8 and must not contain nul
// bytes. Invalid strings are rejected when encoded.
func StringValue(v string) Value {
	return Value{typ: basicTypes[TypeString], str: v}
}

// ObjectPathValue returns an object path Value, or an error if p is
// not a valid object path.
func ObjectPathValue(p ObjectPath) (Value, error) {
	if err := p.Valid(); err != nil {
		return Value{}, &TypeError{Want: TypeObjectPath.String(), Got: strconv.Quote(string(p)), Reason: err}
	}
	return Value{typ: basicTypes[TypeObjectPath], str: string(p)}, nil
}

// SignatureValue returns a signature Value.
func SignatureValue(s Signature) Value {
	return Value{typ: basicTypes[TypeSignature], str: s.String()}
}

// ArrayValue returns an array of elem containing elems. Every element
// must have exactly the type elem.
func ArrayValue(elem Type, elems ...Value) (Value, error) {
	t, err := ArrayOf(elem)
	if err != nil {
		return Value{}, err
	}
	for i, e := range elems {
		if !e.typ.Equal(elem) {
			return Value{}, &TypeError{
				Path:   fmt.Sprintf("array element %d", i),
				Want:   elem.String(),
				Got:    e.typ.String(),
				Reason: errHeterogeneous,
			}
		}
	}
	return Value{typ: t, elems: slices.Clone(elems)}, nil
}

var errHeterogeneous = errors.New("array elements must all have the same type")

// DictValue returns a dictionary, an array of dict entries, mapping
// keys of type key to values of type val. kvs alternates keys and
// values.
func DictValue(key, val Type, kvs ...Value) (Value, error) {
	if len(kvs)%2 != 0 {
		return Value{}, fmt.Errorf("DictValue given odd number of keys and values")
	}
	ent, err := DictEntryOf(key, val)
	if err != nil {
		return Value{}, err
	}
	elems := make([]Value, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		e, err := DictEntryValue(kvs[i], kvs[i+1])
		if err != nil {
			return Value{}, atPath(err, "array element %d", i/2)
		}
		elems = append(elems, e)
	}
	return ArrayValue(ent, elems...)
}

// StructValue returns a struct with the given fields. Structs must
// have at least one field.
func StructValue(fields ...Value) (Value, error) {
	types := make([]Type, len(fields))
	for i, f := range fields {
		if f.typ.IsZero() {
			return Value{}, &TypeError{Path: fmt.Sprintf("struct field %d", i), Got: "invalid Value"}
		}
		types[i] = f.typ
	}
	t, err := StructOf(types...)
	if err != nil {
		return Value{}, err
	}
	return Value{typ: t, elems: slices.Clone(fields)}, nil
}

// DictEntryValue returns a dict entry. The key must be a basic
// type. Dict entries can only be used as elements of an array.
func DictEntryValue(key, val Value) (Value, error) {
	if val.typ.IsZero() {
		return Value{}, &TypeError{Path: "dict entry value", Got: "invalid Value"}
	}
	t, err := DictEntryOf(key.typ, val.typ)
	if err != nil {
		return Value{}, atPath(err, "dict entry key")
	}
	return Value{typ: t, elems: []Value{key, val}}, nil
}

// VariantValue returns a variant containing inner. The variant
// carries inner's type as its signature.
func VariantValue(inner Value) Value {
	return Value{typ: VariantType, elems: []Value{inner}}
}

// Type returns the type of v.
func (v Value) Type() Type { return v.typ }

// Code returns the type code of v.
func (v Value) Code() TypeCode { return v.typ.code }

// IsZero reports whether v is the zero Value.
func (v Value) IsZero() bool { return v.typ.IsZero() }

func (v Value) mustBe(c TypeCode) {
	if v.typ.code != c {
		panic(fmt.Sprintf("Value of type %s is not a %s", v.typ, c))
	}
}

// Byte returns the value of a byte Value. It panics if v is not a
// byte.
func (v Value) Byte() uint8 { v.mustBe(TypeByte); return uint8(v.num) }

// Bool returns the value of a boolean Value. It panics if v is not a
// boolean.
func (v Value) Bool() bool { v.mustBe(TypeBoolean); return v.num != 0 }

// Int16 returns the value of an int16 Value. It panics if v is not
// an int16.
func (v Value) Int16() int16 { v.mustBe(TypeInt16); return int16(v.num) }

// Uint16 returns the value of a uint16 Value. It panics if v is not
// a uint16.
func (v Value) Uint16() uint16 { v.mustBe(TypeUint16); return uint16(v.num) }

// Int32 returns the value of an int32 Value. It panics if v is not
// an int32.
func (v Value) Int32() int32 { v.mustBe(TypeInt32); return int32(v.num) }

// Uint32 returns the value of a uint32 Value. It panics if v is not
// a uint32.
func (v Value) Uint32() uint32 { v.mustBe(TypeUint32); return uint32(v.num) }

// Int64 returns the value of an int64 Value. It panics if v is not
// an int64.
func (v Value) Int64() int64 { v.mustBe(TypeInt64); return int64(v.num) }

// Uint64 returns the value of a uint64 Value. It panics if v is not
// a uint64.
func (v Value) Uint64() uint64 { v.mustBe(TypeUint64); return v.num }

// Double returns the value of a double Value. It panics if v is not
// a double.
func (v Value) Double() float64 { v.mustBe(TypeDouble); return math.Float64frombits(v.num) }

// UnixFD returns the file descriptor index of a unix fd Value. It
// panics if v is not a unix fd.
func (v Value) UnixFD() UnixFD { v.mustBe(TypeUnixFD); return UnixFD(v.num) }

// Str returns the content of a string, object path or signature
// Value. It panics if v is any other type.
func (v Value) Str() string {
	if !stringCodes.Has(v.typ.code) {
		panic(fmt.Sprintf("Str of non-string Value of type %s", v.typ))
	}
	return v.str
}

// ObjectPath returns the value of an object path Value. It panics if
// v is not an object path.
func (v Value) ObjectPath() ObjectPath { v.mustBe(TypeObjectPath); return ObjectPath(v.str) }

// Signature returns the value of a signature Value. It panics if v
// is not a signature.
func (v Value) Signature() Signature {
	v.mustBe(TypeSignature)
	return MustParseSignature(v.str)
}

// Len returns the number of elements in an array, or the number of
// fields in a struct. It returns 0 for other types.
func (v Value) Len() int {
	switch v.typ.code {
	case TypeArray, TypeStruct:
		return len(v.elems)
	}
	return 0
}

// Elems returns the elements of an array, or the fields of a
// struct. It panics if v is any other type.
func (v Value) Elems() []Value {
	if v.typ.code != TypeArray && v.typ.code != TypeStruct {
		panic(fmt.Sprintf("Elems of Value of type %s", v.typ))
	}
	return slices.Clone(v.elems)
}

// Index returns the i-th element of an array, or the i-th field of a
// struct.
func (v Value) Index(i int) Value {
	if v.typ.code != TypeArray && v.typ.code != TypeStruct {
		panic(fmt.Sprintf("Index of Value of type %s", v.typ))
	}
	return v.elems[i]
}

// Key returns the key of a dict entry. It panics if v is not a dict
// entry.
func (v Value) Key() Value { v.mustBe(TypeDictEntry); return v.elems[0] }

// Val returns the value of a dict entry. It panics if v is not a dict
// entry.
func (v Value) Val() Value { v.mustBe(TypeDictEntry); return v.elems[1] }

// Inner returns the value contained in a variant. It panics if v is
// not a variant.
func (v Value) Inner() Value { v.mustBe(TypeVariant); return v.elems[0] }

// Equal reports whether v and o are structurally equal: they have
// the same type, and equal contents.
func (v Value) Equal(o Value) bool {
	if !v.typ.Equal(o.typ) || v.num != o.num || v.str != o.str || len(v.elems) != len(o.elems) {
		return false
	}
	for i := range v.elems {
		if !v.elems[i].Equal(o.elems[i]) {
			return false
		}
	}
	return true
}

// String returns a human-readable rendering of v.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.typ.code {
	case TypeInvalid:
		b.WriteString("<invalid>")
	case TypeBoolean:
		b.WriteString(strconv.FormatBool(v.num != 0))
	case TypeByte, TypeUint16, TypeUint32, TypeUint64:
		b.WriteString(strconv.FormatUint(v.num, 10))
	case TypeInt16, TypeInt32, TypeInt64:
		b.WriteString(strconv.FormatInt(int64(v.num), 10))
	case TypeDouble:
		b.WriteString(strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64))
	case TypeUnixFD:
		fmt.Fprintf(b, "fd#%d", v.num)
	case TypeString:
		b.WriteString(strconv.Quote(v.str))
	case TypeObjectPath:
		b.WriteString(v.str)
	case TypeSignature:
		fmt.Fprintf(b, "sig(%s)", v.str)
	case TypeArray:
		b.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteByte(']')
	case TypeStruct:
		b.WriteByte('(')
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteByte(')')
	case TypeDictEntry:
		v.elems[0].format(b)
		b.WriteString(": ")
		v.elems[1].format(b)
	case TypeVariant:
		fmt.Fprintf(b, "<%s ", v.elems[0].typ)
		v.elems[0].format(b)
		b.WriteByte('>')
	}
}
