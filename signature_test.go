package ldbus

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in    string
		types []string
	}{
		{"", nil},
		{"y", []string{"y"}},
		{"v", []string{"v"}},
		{"isai", []string{"i", "s", "ai"}},
		{"a{sv}", []string{"a{sv}"}},
		{"a{sv}as", []string{"a{sv}", "as"}},
		{"(bd)", []string{"(bd)"}},
		{"a(yv)", []string{"a(yv)"}},
		{"yyyyuua(yv)", []string{"y", "y", "y", "y", "u", "u", "a(yv)"}},
		{"aaai", []string{"aaai"}},
		{"a{s(ii)}", []string{"a{s(ii)}"}},
		{"a{oa{sa{sv}}}", []string{"a{oa{sa{sv}}}"}},
		{"((i)(s))x", []string{"((i)(s))", "x"}},
		{"ghbnqtd", []string{"g", "h", "b", "n", "q", "t", "d"}},
		{strings.Repeat("a", MaxDepth) + "i", []string{strings.Repeat("a", MaxDepth) + "i"}},
		{strings.Repeat("(", MaxDepth) + "i" + strings.Repeat(")", MaxDepth), []string{strings.Repeat("(", MaxDepth) + "i" + strings.Repeat(")", MaxDepth)}},
	}

	for _, tc := range tests {
		sig, err := ParseSignature(tc.in)
		if err != nil {
			t.Errorf("ParseSignature(%q) failed: %v", tc.in, err)
			continue
		}
		if got := sig.String(); got != tc.in {
			t.Errorf("ParseSignature(%q).String() = %q, want round trip", tc.in, got)
		}
		var got []string
		for _, typ := range sig.Types() {
			got = append(got, typ.String())
		}
		if diff := cmp.Diff(got, tc.types); diff != "" {
			t.Errorf("ParseSignature(%q) wrong types (-got+want):\n%s", tc.in, diff)
		}
		if sig.Len() != len(tc.types) {
			t.Errorf("ParseSignature(%q).Len() = %d, want %d", tc.in, sig.Len(), len(tc.types))
		}
		if sig.IsZero() != (tc.in == "") {
			t.Errorf("ParseSignature(%q).IsZero() = %v, want %v", tc.in, sig.IsZero(), tc.in == "")
		}
	}
}

func TestParseSignatureErrors(t *testing.T) {
	tests := []struct {
		in     string
		offset int
		depth  bool
	}{
		{"z", 0, false},
		{"iz", 1, false},
		{"a", 1, false},
		{"(", 1, false},
		{"(i", 2, false},
		{")", 0, false},
		{"}", 0, false},
		{"()", 1, false},
		{"{sv}", 0, false},
		{"a{vs}", 3, false},
		{"a{(i)s}", 5, false},
		{"a{sss}", 4, false},
		{"a{s}", 3, false},
		{"(a{sv)", 5, false},
		{"ia{sv", 5, false},
		{"r", 0, false},
		{"e", 0, false},
		{strings.Repeat("a", MaxDepth+1) + "i", MaxDepth, true},
		{strings.Repeat("(", MaxDepth+1) + "i" + strings.Repeat(")", MaxDepth+1), MaxDepth, true},
		{strings.Repeat("a(", 16) + "a{sv}" + strings.Repeat(")", 16), MaxDepth, true},
		{strings.Repeat("i", MaxSignatureLength+1), MaxSignatureLength, false},
	}

	for _, tc := range tests {
		_, err := ParseSignature(tc.in)
		if err == nil {
			t.Errorf("ParseSignature(%q) succeeded, want error", tc.in)
			continue
		}
		if testing.Verbose() {
			t.Logf("ParseSignature(%q) = %v", tc.in, err)
		}
		if !errors.Is(err, ErrSignature) {
			t.Errorf("ParseSignature(%q) error %v is not ErrSignature", tc.in, err)
		}
		var se *SignatureError
		if !errors.As(err, &se) {
			t.Errorf("ParseSignature(%q) error %T is not a *SignatureError", tc.in, err)
			continue
		}
		if se.Signature != tc.in {
			t.Errorf("ParseSignature(%q) error has Signature %q", tc.in, se.Signature)
		}
		if se.Offset != tc.offset {
			t.Errorf("ParseSignature(%q) error at offset %d, want %d", tc.in, se.Offset, tc.offset)
		}
		if got := errors.Is(err, ErrDepthExceeded); got != tc.depth {
			t.Errorf("ParseSignature(%q) error is ErrDepthExceeded = %v, want %v", tc.in, got, tc.depth)
		}
	}
}

func TestParseType(t *testing.T) {
	for _, in := range []string{"i", "a{sv}", "(bd)", "v", "aay"} {
		typ, err := ParseType(in)
		if err != nil {
			t.Errorf("ParseType(%q) failed: %v", in, err)
			continue
		}
		if got := typ.String(); got != in {
			t.Errorf("ParseType(%q).String() = %q", in, got)
		}
	}
	for _, in := range []string{"", "ii", "a{sv}i", "z"} {
		if typ, err := ParseType(in); err == nil {
			t.Errorf("ParseType(%q) = %s, want error", in, typ)
		} else if !errors.Is(err, ErrSignature) {
			t.Errorf("ParseType(%q) error %v is not ErrSignature", in, err)
		}
	}
}

func TestTypeStructure(t *testing.T) {
	typ := MustParseType("a{s(iav)}")
	if got, want := typ.Code(), TypeArray; got != want {
		t.Errorf("Code() = %s, want %s", got, want)
	}
	if !typ.IsDict() {
		t.Error("IsDict() = false, want true")
	}
	if got, want := typ.Depth(), 4; got != want {
		t.Errorf("Depth() = %d, want %d", got, want)
	}
	ent := typ.Elem()
	if got, want := ent.Code(), TypeDictEntry; got != want {
		t.Errorf("Elem().Code() = %s, want %s", got, want)
	}
	kv := ent.Elems()
	if len(kv) != 2 || kv[0].String() != "s" || kv[1].String() != "(iav)" {
		t.Errorf("dict entry elements = %v, want [s (iav)]", kv)
	}
	if got, want := kv[1].Elems()[1].Elem(), VariantType; !got.Equal(want) {
		t.Errorf("innermost type = %s, want %s", got, want)
	}
	if MustParseType("ai").IsDict() {
		t.Error("ai.IsDict() = true, want false")
	}
	if !(Type{}).IsZero() {
		t.Error("zero Type is not IsZero")
	}
}

func TestTypeConstructors(t *testing.T) {
	str := BasicType(TypeString)
	i32 := BasicType(TypeInt32)

	mustOK := func(typ Type, err error) Type {
		t.Helper()
		if err != nil {
			t.Fatalf("constructing type: %v", err)
		}
		return typ
	}

	arr := mustOK(ArrayOf(i32))
	st := mustOK(StructOf(str, arr, VariantType))
	dict := mustOK(DictOf(str, st))

	tests := []struct {
		got  Type
		want string
	}{
		{arr, "ai"},
		{st, "(saiv)"},
		{dict, "a{s(saiv)}"},
	}
	for _, tc := range tests {
		if got := tc.got.String(); got != tc.want {
			t.Errorf("constructed type %q, want %q", got, tc.want)
		}
		if parsed := MustParseType(tc.want); !parsed.Equal(tc.got) || parsed.Depth() != tc.got.Depth() {
			t.Errorf("constructed %s (depth %d) differs from parsed %s (depth %d)", tc.got, tc.got.Depth(), parsed, parsed.Depth())
		}
	}

	if got, want := mustOK(DictEntryOf(i32, VariantType)).String(), "{iv}"; got != want {
		t.Errorf("DictEntryOf(i, v) = %q, want %q", got, want)
	}

	if _, err := StructOf(); err == nil {
		t.Error("StructOf() succeeded, want error")
	}
	if _, err := DictEntryOf(VariantType, str); err == nil {
		t.Error("DictEntryOf(v, s) succeeded, want error")
	}
	if _, err := DictOf(arr, str); err == nil {
		t.Error("DictOf(ai, s) succeeded, want error")
	}
	if _, err := ArrayOf(Type{}); err == nil {
		t.Error("ArrayOf(invalid) succeeded, want error")
	}

	deep := i32
	for range MaxDepth {
		deep = mustOK(ArrayOf(deep))
	}
	if _, err := ArrayOf(deep); !errors.Is(err, ErrDepthExceeded) {
		t.Errorf("ArrayOf at depth %d = %v, want ErrDepthExceeded", MaxDepth+1, err)
	}
}

func TestSignatureOf(t *testing.T) {
	sig, err := SignatureOf(BasicType(TypeInt32), BasicType(TypeString), MustParseType("ai"))
	if err != nil {
		t.Fatalf("SignatureOf failed: %v", err)
	}
	if got, want := sig.String(), "isai"; got != want {
		t.Errorf("SignatureOf = %q, want %q", got, want)
	}
	if !sig.Equal(MustParseSignature("isai")) {
		t.Error("SignatureOf result not Equal to parsed signature")
	}

	long := make([]Type, MaxSignatureLength+1)
	for i := range long {
		long[i] = BasicType(TypeByte)
	}
	if _, err := SignatureOf(long...); !errors.Is(err, ErrSignature) {
		t.Errorf("SignatureOf(%d types) = %v, want ErrSignature", len(long), err)
	}
}
