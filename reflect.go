package ldbus

import (
	"cmp"
	"iter"
	"reflect"
)

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// structFields returns the exported fields of struct type t that
// carry DBus struct fields, in declaration order. Fields of embedded
// structs are promoted in place of the embedded struct, following Go
// field visibility rules.
func structFields(t reflect.Type) iter.Seq[reflect.StructField] {
	return func(yield func(reflect.StructField) bool) {
		for _, f := range reflect.VisibleFields(t) {
			if f.Anonymous && derefType(f.Type).Kind() == reflect.Struct {
				continue
			}
			if !f.IsExported() {
				continue
			}
			if !yield(f) {
				return
			}
		}
	}
}

// fieldByIndex returns the field of v at idx. If idx traverses a nil
// embedded struct pointer, it returns the zero value of the field.
func fieldByIndex(v reflect.Value, f reflect.StructField) reflect.Value {
	ret, err := v.FieldByIndexErr(f.Index)
	if err != nil {
		return reflect.Zero(f.Type)
	}
	return ret
}

// mapKeyCmp compares map keys of the basic DBus kinds, for
// deterministic dictionary ordering.
func mapKeyCmp(a, b reflect.Value) int {
	switch a.Kind() {
	case reflect.Bool:
		return cmp.Compare(boolInt(a.Bool()), boolInt(b.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.String:
		return cmp.Compare(a.String(), b.String())
	default:
		return 0
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
