package ldbus

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
)

var (
	valueType      = reflect.TypeFor[Value]()
	objectPathType = reflect.TypeFor[ObjectPath]()
	signatureType  = reflect.TypeFor[Signature]()
	unixFDType     = reflect.TypeFor[UnixFD]()
	anyType        = reflect.TypeFor[any]()
)

// errNoStaticType is returned by TypeOf for Go types whose DBus type
// depends on their content.
var errNoStaticType = errors.New("DBus type depends on the content of Value")

var goToType cache[reflect.Type, Type]

// TypeFor returns the DBus type that [ValueOf] infers for values of
// type T.
func TypeFor[T any]() (Type, error) {
	return TypeOf(reflect.TypeFor[T]())
}

// TypeOf returns the DBus type that [ValueOf] infers for values of
// Go type t.
//
// TypeOf returns an error for types that have no DBus
// representation, and for types containing [Value], whose DBus type
// is only known once the Value is.
func TypeOf(t reflect.Type) (Type, error) {
	if ret, err := goToType.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}
	ret, err := typeOf(t, nil)
	if err != nil {
		goToType.SetErr(t, err)
		return Type{}, err
	}
	goToType.Set(t, ret)
	return ret, nil
}

func typeOf(t reflect.Type, stack []reflect.Type) (Type, error) {
	t = derefType(t)
	if slices.Contains(stack, t) {
		return Type{}, &TypeError{Got: t.String(), Reason: errors.New("recursive type")}
	}
	stack = append(stack, t)

	switch t {
	case valueType:
		return Type{}, &TypeError{Got: t.String(), Reason: errNoStaticType}
	case objectPathType:
		return BasicType(TypeObjectPath), nil
	case signatureType:
		return BasicType(TypeSignature), nil
	case unixFDType:
		return BasicType(TypeUnixFD), nil
	}

	switch k := t.Kind(); k {
	case reflect.Interface:
		return VariantType, nil
	case reflect.Int:
		return BasicType(TypeInt32), nil
	case reflect.Uint:
		return BasicType(TypeUint32), nil
	case reflect.Slice, reflect.Array:
		elem, err := typeOf(t.Elem(), stack)
		if err != nil {
			return Type{}, atPath(err, "array element")
		}
		return ArrayOf(elem)
	case reflect.Map:
		if !mapKeyKinds.Has(derefType(t.Key()).Kind()) {
			return Type{}, &TypeError{Got: t.String(), Reason: fmt.Errorf("map key %s is not a basic type", t.Key())}
		}
		key, err := typeOf(t.Key(), stack)
		if err != nil {
			return Type{}, atPath(err, "dict entry key")
		}
		val, err := typeOf(t.Elem(), stack)
		if err != nil {
			return Type{}, atPath(err, "dict entry value")
		}
		return DictOf(key, val)
	case reflect.Struct:
		var fields []Type
		for f := range structFields(t) {
			ft, err := typeOf(f.Type, stack)
			if err != nil {
				return Type{}, atPath(err, "struct field %d", len(fields))
			}
			fields = append(fields, ft)
		}
		if len(fields) == 0 {
			return Type{}, &TypeError{Got: t.String(), Reason: errors.New("struct has no exported fields")}
		}
		return StructOf(fields...)
	default:
		if c, ok := kindToCode[k]; ok {
			return BasicType(c), nil
		}
		return Type{}, &TypeError{Got: t.String(), Reason: errors.New("no DBus representation")}
	}
}

// ValueOf returns the DBus Value for x, inferring its DBus type from
// x's Go type:
//
//   - A [Value] is returned unchanged.
//   - [ObjectPath], [Signature] and [UnixFD] map to their DBus
//     counterparts.
//   - Fixed width integers, bool, float64 and string map to the DBus
//     type of the same width. int and uint map to int32 and uint32,
//     and values that don't fit are an error rather than silently
//     becoming a different type.
//   - int8, float32, complex numbers, channels and functions have no
//     DBus representation.
//   - Pointers are followed. Nil pointers cannot be encoded.
//   - Slices and arrays map to DBus arrays of the type inferred from
//     their Go element type. []byte maps to ay.
//   - Maps map to DBus dictionaries, with entries sorted by key.
//   - Structs map to DBus structs of their exported fields, in
//     declaration order. Fields of embedded structs are promoted.
//   - Values held in interface typed elements, fields and map values
//     are wrapped in variants.
//
// Elements of type Value have no static DBus type, so containers of
// Value take their element type from their first element, and must
// not be empty.
func ValueOf(x any) (Value, error) {
	if x == nil {
		return Value{}, &TypeError{Got: "nil", Reason: errors.New("cannot infer a DBus type for nil")}
	}
	return valueOf(reflect.ValueOf(x), 0)
}

// MustValueOf is like [ValueOf], but panics if x cannot be
// represented.
func MustValueOf(x any) Value {
	ret, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return ret
}

func valueOf(rv reflect.Value, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, ErrDepthExceeded
	}
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Value{}, &TypeError{Got: "nil " + rv.Type().String(), Reason: errors.New("cannot encode nil")}
		}
		rv = rv.Elem()
	}

	t := rv.Type()
	switch t {
	case valueType:
		v := rv.Interface().(Value)
		if v.IsZero() {
			return Value{}, &TypeError{Got: "invalid Value"}
		}
		return v, nil
	case objectPathType:
		return ObjectPathValue(ObjectPath(rv.String()))
	case signatureType:
		return SignatureValue(rv.Interface().(Signature)), nil
	case unixFDType:
		return UnixFDValue(UnixFD(rv.Uint())), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return BoolValue(rv.Bool()), nil
	case reflect.Uint8:
		return ByteValue(uint8(rv.Uint())), nil
	case reflect.Int16:
		return Int16Value(int16(rv.Int())), nil
	case reflect.Uint16:
		return Uint16Value(uint16(rv.Uint())), nil
	case reflect.Int32:
		return Int32Value(int32(rv.Int())), nil
	case reflect.Uint32:
		return Uint32Value(uint32(rv.Uint())), nil
	case reflect.Int64:
		return Int64Value(rv.Int()), nil
	case reflect.Uint64:
		return Uint64Value(rv.Uint()), nil
	case reflect.Int:
		return intValue(rv, BasicType(TypeInt32))
	case reflect.Uint:
		return intValue(rv, BasicType(TypeUint32))
	case reflect.Float64:
		return DoubleValue(rv.Float()), nil
	case reflect.String:
		return StringValue(rv.String()), nil
	case reflect.Slice, reflect.Array:
		elems := make([]Value, rv.Len())
		for i := range elems {
			e, err := elemValueOf(rv.Index(i), t.Elem(), depth+1)
			if err != nil {
				return Value{}, atPath(err, "array element %d", i)
			}
			elems[i] = e
		}
		elem, err := elemType(t.Elem(), elems)
		if err != nil {
			return Value{}, err
		}
		return ArrayValue(elem, elems...)
	case reflect.Map:
		if !mapKeyKinds.Has(derefType(t.Key()).Kind()) {
			return Value{}, &TypeError{Got: t.String(), Reason: fmt.Errorf("map key %s is not a basic type", t.Key())}
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, mapKeyCmp)
		ks, vs := make([]Value, len(keys)), make([]Value, len(keys))
		for i, k := range keys {
			kv, err := valueOf(k, depth+1)
			if err != nil {
				return Value{}, atPath(atPath(err, "dict entry key"), "array element %d", i)
			}
			vv, err := elemValueOf(rv.MapIndex(k), t.Elem(), depth+1)
			if err != nil {
				return Value{}, atPath(atPath(err, "dict entry value"), "array element %d", i)
			}
			ks[i], vs[i] = kv, vv
		}
		kt, err := elemType(t.Key(), ks)
		if err != nil {
			return Value{}, err
		}
		vt, err := elemType(t.Elem(), vs)
		if err != nil {
			return Value{}, err
		}
		kvs := make([]Value, 0, 2*len(keys))
		for i := range ks {
			kvs = append(kvs, ks[i], vs[i])
		}
		return DictValue(kt, vt, kvs...)
	case reflect.Struct:
		var fields []Value
		for f := range structFields(t) {
			fv, err := elemValueOf(fieldByIndex(rv, f), f.Type, depth+1)
			if err != nil {
				return Value{}, atPath(err, "struct field %d", len(fields))
			}
			fields = append(fields, fv)
		}
		if len(fields) == 0 {
			return Value{}, &TypeError{Got: t.String(), Reason: errors.New("struct has no exported fields")}
		}
		return StructValue(fields...)
	default:
		return Value{}, &TypeError{Got: t.String(), Reason: errors.New("no DBus representation")}
	}
}

// elemValueOf is valueOf for a container element whose Go type is
// static. Elements of interface type become variants.
func elemValueOf(rv reflect.Value, static reflect.Type, depth int) (Value, error) {
	if static.Kind() != reflect.Interface {
		return valueOf(rv, depth)
	}
	if rv.IsNil() {
		return Value{}, &TypeError{Want: "v", Got: "nil", Reason: errors.New("cannot encode nil in a variant")}
	}
	inner, err := valueOf(rv.Elem(), depth+1)
	if err != nil {
		return Value{}, atPath(err, "variant value")
	}
	return VariantValue(inner), nil
}

// elemType returns the DBus type of container elements of Go type
// static. If static contains Value, the type of the first of elems
// is used instead.
func elemType(static reflect.Type, elems []Value) (Type, error) {
	ret, err := TypeOf(static)
	if err == nil {
		return ret, nil
	}
	if !errors.Is(err, errNoStaticType) {
		return Type{}, err
	}
	if len(elems) == 0 {
		return Type{}, &TypeError{Got: "empty container of " + static.String(), Reason: errors.New("cannot infer element type, use ArrayValue or DictValue")}
	}
	return elems[0].typ, nil
}

var intRanges = map[TypeCode]struct{ neg, pos uint64 }{
	TypeByte:   {0, math.MaxUint8},
	TypeInt16:  {-math.MinInt16, math.MaxInt16},
	TypeUint16: {0, math.MaxUint16},
	TypeInt32:  {-math.MinInt32, math.MaxInt32},
	TypeUint32: {0, math.MaxUint32},
	TypeInt64:  {1 << 63, math.MaxInt64},
	TypeUint64: {0, math.MaxUint64},
	TypeUnixFD: {0, math.MaxUint32},
}

// intValue converts the Go number rv to an integer Value of type t,
// checking that it fits.
func intValue(rv reflect.Value, t Type) (Value, error) {
	var (
		neg bool
		mag uint64
		got string
	)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		neg, mag, got = i < 0, uint64(i), strconv.FormatInt(i, 10)
		if neg {
			mag = -mag
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		mag = rv.Uint()
		got = strconv.FormatUint(mag, 10)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		got = strconv.FormatFloat(f, 'g', -1, 64)
		if f != math.Trunc(f) || math.Abs(f) >= 1<<64 {
			return Value{}, &TypeError{Want: t.str, Got: got, Reason: errors.New("not an integer")}
		}
		neg, mag = f < 0, uint64(math.Abs(f))
	default:
		return Value{}, &TypeError{Want: t.str, Got: rv.Type().String()}
	}

	r := intRanges[t.code]
	if (neg && mag > r.neg) || (!neg && mag > r.pos) {
		return Value{}, &TypeError{Want: t.code.String(), Got: got, Reason: errors.New("value out of range")}
	}
	if neg {
		mag = -mag
	}
	return scalar(t.code, mag), nil
}

// ValueAs returns the Value of type t for the Go value x. Unlike
// [ValueOf], the DBus type is given rather than inferred, and x is
// converted to it if possible: any Go integer fits an integer type
// if in range, strings become object paths and signatures, and
// slices and structs of the right shape become DBus structs.
//
// Errors are [*TypeError], locating the offending part of x.
func ValueAs(x any, t Type) (Value, error) {
	if t.IsZero() {
		return Value{}, fmt.Errorf("%w: ValueAs with invalid Type", ErrInvalidUse)
	}
	return valueAs(reflect.ValueOf(x), t)
}

func valueAs(rv reflect.Value, t Type) (Value, error) {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			rv = reflect.Value{}
			break
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return Value{}, &TypeError{Want: t.str, Got: "nil"}
	}
	if rv.Type() == valueType {
		v := rv.Interface().(Value)
		switch {
		case v.typ.Equal(t):
			return v, nil
		case t.code == TypeVariant && !v.IsZero():
			return VariantValue(v), nil
		default:
			return Value{}, &TypeError{Want: t.str, Got: v.typ.str}
		}
	}
	mismatch := &TypeError{Want: t.str, Got: rv.Type().String()}

	switch k := rv.Kind(); t.code {
	case TypeBoolean:
		if k == reflect.Bool {
			return BoolValue(rv.Bool()), nil
		}
	case TypeByte, TypeInt16, TypeUint16, TypeInt32, TypeUint32, TypeInt64, TypeUint64, TypeUnixFD:
		return intValue(rv, t)
	case TypeDouble:
		switch k {
		case reflect.Float32, reflect.Float64:
			return DoubleValue(rv.Float()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return DoubleValue(float64(rv.Int())), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return DoubleValue(float64(rv.Uint())), nil
		}
	case TypeString:
		if k == reflect.String {
			return StringValue(rv.String()), nil
		}
	case TypeObjectPath:
		if k == reflect.String {
			return ObjectPathValue(ObjectPath(rv.String()))
		}
	case TypeSignature:
		if rv.Type() == signatureType {
			return SignatureValue(rv.Interface().(Signature)), nil
		}
		if k == reflect.String {
			sig, err := ParseSignature(rv.String())
			if err != nil {
				return Value{}, &TypeError{Want: t.str, Got: strconv.Quote(rv.String()), Reason: err}
			}
			return SignatureValue(sig), nil
		}
	case TypeArray:
		return arrayAs(rv, t)
	case TypeStruct, TypeDictEntry:
		fields, ok := fieldsOf(rv)
		if !ok {
			break
		}
		if len(fields) != len(t.elems) {
			return Value{}, &TypeError{Want: t.str, Got: fmt.Sprintf("%s with %d elements", rv.Type(), len(fields))}
		}
		elems := make([]Value, len(fields))
		for i, f := range fields {
			v, err := valueAs(f, t.elems[i])
			if err != nil {
				if t.code == TypeDictEntry {
					return Value{}, atPath(err, []string{"dict entry key", "dict entry value"}[i])
				}
				return Value{}, atPath(err, "struct field %d", i)
			}
			elems[i] = v
		}
		return Value{typ: t, elems: elems}, nil
	case TypeVariant:
		inner, err := valueOf(rv, 1)
		if err != nil {
			return Value{}, atPath(err, "variant value")
		}
		return VariantValue(inner), nil
	}
	return Value{}, mismatch
}

// arrayAs converts rv to an array of type t. Maps can only be
// converted to dictionaries.
func arrayAs(rv reflect.Value, t Type) (Value, error) {
	elem := t.elems[0]
	var elems []Value
	switch rv.Kind() {
	case reflect.Map:
		if elem.code != TypeDictEntry {
			return Value{}, &TypeError{Want: t.str, Got: rv.Type().String()}
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, mapKeyCmp)
		for i, k := range keys {
			kv, err := valueAs(k, elem.elems[0])
			if err != nil {
				return Value{}, atPath(atPath(err, "dict entry key"), "array element %d", i)
			}
			vv, err := valueAs(rv.MapIndex(k), elem.elems[1])
			if err != nil {
				return Value{}, atPath(atPath(err, "dict entry value"), "array element %d", i)
			}
			elems = append(elems, Value{typ: elem, elems: []Value{kv, vv}})
		}
	case reflect.Slice, reflect.Array:
		elems = make([]Value, rv.Len())
		for i := range elems {
			v, err := valueAs(rv.Index(i), elem)
			if err != nil {
				return Value{}, atPath(err, "array element %d", i)
			}
			elems[i] = v
		}
	default:
		return Value{}, &TypeError{Want: t.str, Got: rv.Type().String()}
	}
	return Value{typ: t, elems: elems}, nil
}

// fieldsOf returns the elements of a Go struct, slice or array, for
// conversion to a DBus struct or dict entry.
func fieldsOf(rv reflect.Value) ([]reflect.Value, bool) {
	switch rv.Kind() {
	case reflect.Struct:
		if rv.Type() == signatureType {
			return nil, false
		}
		var ret []reflect.Value
		for f := range structFields(rv.Type()) {
			ret = append(ret, fieldByIndex(rv, f))
		}
		return ret, true
	case reflect.Slice, reflect.Array:
		ret := make([]reflect.Value, rv.Len())
		for i := range ret {
			ret[i] = rv.Index(i)
		}
		return ret, true
	default:
		return nil, false
	}
}

// GoType returns the Go type that [Value.Interface] returns for
// values of type t:
//
//   - Basic types map to the Go type of the same width. Object paths,
//     signatures and unix fds map to [ObjectPath], [Signature] and
//     [UnixFD].
//   - Arrays map to slices, except arrays of dict entries, which map
//     to maps.
//   - Structs and dict entries map to anonymous structs with fields
//     named Field0, Field1, and so on.
//   - Variants map to any.
func (t Type) GoType() reflect.Type {
	switch t.code {
	case TypeInvalid:
		return nil
	case TypeArray:
		if t.IsDict() {
			ent := t.elems[0]
			return reflect.MapOf(goKeyType(ent.elems[0]), ent.elems[1].GoType())
		}
		return reflect.SliceOf(t.elems[0].GoType())
	case TypeStruct, TypeDictEntry:
		fields := make([]reflect.StructField, len(t.elems))
		for i, e := range t.elems {
			fields[i] = reflect.StructField{
				Name: "Field" + strconv.Itoa(i),
				Type: e.GoType(),
			}
		}
		return reflect.StructOf(fields)
	default:
		return codeToGoType[t.code]
	}
}

// goKeyType returns the Go map key type for dict keys of type t.
// Signature is not comparable, so signature keys are strings.
func goKeyType(t Type) reflect.Type {
	if t.code == TypeSignature {
		return reflect.TypeFor[string]()
	}
	return t.GoType()
}

// Interface returns v's content as a Go value of type
// v.Type().GoType(). Variants return their inner value's Interface.
func (v Value) Interface() any {
	switch v.typ.code {
	case TypeInvalid:
		return nil
	case TypeByte:
		return uint8(v.num)
	case TypeBoolean:
		return v.num != 0
	case TypeInt16:
		return int16(v.num)
	case TypeUint16:
		return uint16(v.num)
	case TypeInt32:
		return int32(v.num)
	case TypeUint32:
		return uint32(v.num)
	case TypeInt64:
		return int64(v.num)
	case TypeUint64:
		return v.num
	case TypeDouble:
		return math.Float64frombits(v.num)
	case TypeUnixFD:
		return UnixFD(v.num)
	case TypeString:
		return v.str
	case TypeObjectPath:
		return ObjectPath(v.str)
	case TypeSignature:
		return v.Signature()
	case TypeVariant:
		return v.elems[0].Interface()
	default:
		return v.reflectValue().Interface()
	}
}

func (v Value) reflectValue() reflect.Value {
	t := v.typ.GoType()
	switch v.typ.code {
	case TypeArray:
		if v.typ.IsDict() {
			ret := reflect.MakeMapWithSize(t, len(v.elems))
			for _, e := range v.elems {
				k := e.elems[0]
				var kv reflect.Value
				if k.typ.code == TypeSignature {
					kv = reflect.ValueOf(k.str)
				} else {
					kv = k.reflectValue()
				}
				ret.SetMapIndex(kv, e.elems[1].reflectValue())
			}
			return ret
		}
		ret := reflect.MakeSlice(t, len(v.elems), len(v.elems))
		for i, e := range v.elems {
			ret.Index(i).Set(e.reflectValue())
		}
		return ret
	case TypeStruct, TypeDictEntry:
		ret := reflect.New(t).Elem()
		for i, e := range v.elems {
			ret.Field(i).Set(e.reflectValue())
		}
		return ret
	case TypeVariant:
		ret := reflect.New(anyType).Elem()
		ret.Set(reflect.ValueOf(v.elems[0].Interface()))
		return ret
	default:
		return reflect.ValueOf(v.Interface())
	}
}
