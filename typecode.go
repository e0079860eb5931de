package ldbus

import "fmt"

// TypeCode is a DBus type code. Each value is the byte that the DBus
// protocol uses to identify the type.
type TypeCode byte

const (
	TypeInvalid    TypeCode = 0
	TypeByte       TypeCode = 'y'
	TypeBoolean    TypeCode = 'b'
	TypeInt16      TypeCode = 'n'
	TypeUint16     TypeCode = 'q'
	TypeInt32      TypeCode = 'i'
	TypeUint32     TypeCode = 'u'
	TypeInt64      TypeCode = 'x'
	TypeUint64     TypeCode = 't'
	TypeDouble     TypeCode = 'd'
	TypeUnixFD     TypeCode = 'h'
	TypeString     TypeCode = 's'
	TypeObjectPath TypeCode = 'o'
	TypeSignature  TypeCode = 'g'
	TypeArray      TypeCode = 'a'
	TypeStruct     TypeCode = 'r'
	TypeDictEntry  TypeCode = 'e'
	TypeVariant    TypeCode = 'v'
)

// Signature punctuation for container types that are not written
// with their type code.
const (
	structOpen    = '('
	structClose   = ')'
	dictEntryOpen = '{'
	dictEntryEnd  = '}'
)

// String returns the name of the type code, for example "int32".
func (c TypeCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("TypeCode(%q)", byte(c))
}

// IsBasic reports whether c is a basic type, one that can be used as
// a dict entry key.
func (c TypeCode) IsBasic() bool {
	return basicCodes.Has(c)
}

// IsContainer reports whether c is a container type.
func (c TypeCode) IsContainer() bool {
	switch c {
	case TypeArray, TypeStruct, TypeDictEntry, TypeVariant:
		return true
	}
	return false
}

// alignment returns the wire alignment of values of type c.
func (c TypeCode) alignment() int {
	return codeAlign[c]
}
