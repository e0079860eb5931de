package ldbus

import (
	"reflect"

	"github.com/creachadair/mds/mapset"
)

var (
	// basicCodes is the set of DBus basic type codes. Basic types
	// are the only types allowed as dict entry keys.
	basicCodes = mapset.New(
		TypeByte,
		TypeBoolean,
		TypeInt16,
		TypeUint16,
		TypeInt32,
		TypeUint32,
		TypeInt64,
		TypeUint64,
		TypeDouble,
		TypeUnixFD,
		TypeString,
		TypeObjectPath,
		TypeSignature,
	)

	// stringCodes is the set of basic types that are encoded as
	// strings.
	stringCodes = mapset.New(
		TypeString,
		TypeObjectPath,
		TypeSignature,
	)

	// codeNames maps type codes to human readable names.
	codeNames = map[TypeCode]string{
		TypeByte:       "byte",
		TypeBoolean:    "boolean",
		TypeInt16:      "int16",
		TypeUint16:     "uint16",
		TypeInt32:      "int32",
		TypeUint32:     "uint32",
		TypeInt64:      "int64",
		TypeUint64:     "uint64",
		TypeDouble:     "double",
		TypeUnixFD:     "unix_fd",
		TypeString:     "string",
		TypeObjectPath: "object_path",
		TypeSignature:  "signature",
		TypeArray:      "array",
		TypeStruct:     "struct",
		TypeDictEntry:  "dict_entry",
		TypeVariant:    "variant",
	}

	// codeAlign maps type codes to their wire alignment.
	codeAlign = map[TypeCode]int{
		TypeByte:       1,
		TypeBoolean:    4,
		TypeInt16:      2,
		TypeUint16:     2,
		TypeInt32:      4,
		TypeUint32:     4,
		TypeInt64:      8,
		TypeUint64:     8,
		TypeDouble:     8,
		TypeUnixFD:     4,
		TypeString:     4,
		TypeObjectPath: 4,
		TypeSignature:  1,
		TypeArray:      4,
		TypeStruct:     8,
		TypeDictEntry:  8,
		TypeVariant:    1,
	}

	// codeToGoType maps basic type codes to the Go type that
	// [Value.Interface] returns for them.
	codeToGoType = map[TypeCode]reflect.Type{
		TypeByte:       reflect.TypeFor[uint8](),
		TypeBoolean:    reflect.TypeFor[bool](),
		TypeInt16:      reflect.TypeFor[int16](),
		TypeUint16:     reflect.TypeFor[uint16](),
		TypeInt32:      reflect.TypeFor[int32](),
		TypeUint32:     reflect.TypeFor[uint32](),
		TypeInt64:      reflect.TypeFor[int64](),
		TypeUint64:     reflect.TypeFor[uint64](),
		TypeDouble:     reflect.TypeFor[float64](),
		TypeUnixFD:     reflect.TypeFor[UnixFD](),
		TypeString:     reflect.TypeFor[string](),
		TypeObjectPath: reflect.TypeFor[ObjectPath](),
		TypeSignature:  reflect.TypeFor[Signature](),
		TypeVariant:    reflect.TypeFor[any](),
	}

	// kindToCode maps the reflect.Kinds of fixed width Go types to
	// the corresponding DBus basic type.
	kindToCode = map[reflect.Kind]TypeCode{
		reflect.Bool:    TypeBoolean,
		reflect.Uint8:   TypeByte,
		reflect.Int16:   TypeInt16,
		reflect.Uint16:  TypeUint16,
		reflect.Int32:   TypeInt32,
		reflect.Uint32:  TypeUint32,
		reflect.Int64:   TypeInt64,
		reflect.Uint64:  TypeUint64,
		reflect.Float64: TypeDouble,
		reflect.String:  TypeString,
	}

	// mapKeyKinds is the set of reflect.Kinds that can be in a DBus
	// map key.
	mapKeyKinds = mapset.New(
		reflect.Bool,
		reflect.Uint8,
		reflect.Int16,
		reflect.Uint16,
		reflect.Int32,
		reflect.Uint32,
		reflect.Int64,
		reflect.Uint64,
		reflect.Int,
		reflect.Uint,
		reflect.Float64,
		reflect.String,
	)
)
