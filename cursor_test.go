package ldbus

import (
	"errors"
	"testing"

	"github.com/danderson/ldbus/fragments"
	"github.com/google/go-cmp/cmp"
)

func newTestCall() *Message {
	return NewMethodCall("org.test", "/org/test", "org.test.Iface", "Method")
}

func mustWriter(t *testing.T, m *Message) *Cursor {
	t.Helper()
	w, err := m.Writer()
	if err != nil {
		t.Fatalf("Writer() failed: %v", err)
	}
	return w
}

func mustOpen(t *testing.T, c *Cursor, code TypeCode, sig string) *Cursor {
	t.Helper()
	ret, err := c.OpenContainer(code, sig)
	if err != nil {
		t.Fatalf("OpenContainer(%s, %q) failed: %v", code, sig, err)
	}
	return ret
}

func mustClose(t *testing.T, c, child *Cursor) {
	t.Helper()
	if err := c.CloseContainer(child); err != nil {
		t.Fatalf("CloseContainer(%s) failed: %v", child.Type(), err)
	}
}

func mustAppend(t *testing.T, c *Cursor, vs ...Value) {
	t.Helper()
	for _, v := range vs {
		if err := c.AppendBasic(v); err != nil {
			t.Fatalf("AppendBasic(%v) failed: %v", v, err)
		}
	}
}

func TestCursorWriteRead(t *testing.T) {
	m := newTestCall()
	m.order = fragments.BigEndian
	w := mustWriter(t, m)
	mustAppend(t, w, Int32Value(1), StringValue("x"))
	arr := mustOpen(t, w, TypeArray, "i")
	mustAppend(t, arr, Int32Value(2), Int32Value(3))
	mustClose(t, w, arr)

	if got, want := m.Signature().String(), "isai"; got != want {
		t.Fatalf("body signature = %q, want %q", got, want)
	}
	wantBody := []byte{
		0, 0, 0, 1, // int32 1
		0, 0, 0, 1, 'x', 0, // "x"
		0, 0, // pad
		0, 0, 0, 8, // array length
		0, 0, 0, 2,
		0, 0, 0, 3,
	}
	if diff := cmp.Diff(m.body, wantBody); diff != "" {
		t.Fatalf("wrong body encoding (-got+want):\n%s", diff)
	}

	// Readers are independent, the body can be read repeatedly.
	for range 2 {
		r := m.Reader()
		if got := r.CurrentCode(); got != TypeInt32 {
			t.Fatalf("first CurrentCode() = %s, want int32", got)
		}
		var got []Value
		for r.HasNext() {
			if r.CurrentCode() == TypeArray {
				child, err := r.EnterContainer()
				if err != nil {
					t.Fatalf("EnterContainer() failed: %v", err)
				}
				if got, want := child.Type().String(), "ai"; got != want {
					t.Errorf("child.Type() = %s, want %s", got, want)
				}
				for child.HasNext() {
					v, err := child.ReadBasic()
					if err != nil {
						t.Fatalf("reading array element: %v", err)
					}
					got = append(got, v)
				}
				if err := r.ExitContainer(child); err != nil {
					t.Fatalf("ExitContainer() failed: %v", err)
				}
				continue
			}
			v, err := r.ReadBasic()
			if err != nil {
				t.Fatalf("ReadBasic() failed: %v", err)
			}
			got = append(got, v)
		}
		want := []Value{Int32Value(1), StringValue("x"), Int32Value(2), Int32Value(3)}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("read wrong values (-got+want):\n%s", diff)
		}
		if _, err := r.ReadBasic(); !errors.Is(err, ErrExhausted) {
			t.Errorf("ReadBasic() at end = %v, want ErrExhausted", err)
		}
		if _, err := r.EnterContainer(); !errors.Is(err, ErrExhausted) {
			t.Errorf("EnterContainer() at end = %v, want ErrExhausted", err)
		}
		if !r.CurrentType().IsZero() {
			t.Errorf("CurrentType() at end = %s, want zero Type", r.CurrentType())
		}
	}
}

func TestCursorModeMismatch(t *testing.T) {
	m := newTestCall()
	w := mustWriter(t, m)
	if _, err := w.ReadBasic(); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("ReadBasic on writer = %v, want ErrInvalidUse", err)
	}
	if _, err := w.EnterContainer(); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("EnterContainer on writer = %v, want ErrInvalidUse", err)
	}
	if w.HasNext() {
		t.Errorf("HasNext on writer = true, want false")
	}
	mustAppend(t, w, ByteValue(1))

	r := m.Reader()
	if err := r.AppendBasic(ByteValue(2)); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("AppendBasic on reader = %v, want ErrInvalidUse", err)
	}
	if _, err := r.OpenContainer(TypeArray, "y"); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("OpenContainer on reader = %v, want ErrInvalidUse", err)
	}

	// Misuse is reported, but doesn't poison anything.
	if err := w.Err(); err != nil {
		t.Errorf("writer poisoned by misuse: %v", err)
	}
	if err := r.Err(); err != nil {
		t.Errorf("reader poisoned by misuse: %v", err)
	}
	if err := m.Err(); err != nil {
		t.Errorf("message poisoned by misuse: %v", err)
	}
	if v, err := r.ReadBasic(); err != nil || v.Byte() != 1 {
		t.Errorf("ReadBasic() = %v, %v, want 1", v, err)
	}
}

func TestCursorContainerMisuse(t *testing.T) {
	m := newTestCall()
	w := mustWriter(t, m)

	if err := w.AppendBasic(mustValue(ArrayValue(BasicType(TypeInt32)))); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("AppendBasic(array) = %v, want ErrInvalidUse", err)
	}
	if _, err := w.OpenContainer(TypeString, ""); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("OpenContainer(string) = %v, want ErrInvalidUse", err)
	}

	arr := mustOpen(t, w, TypeArray, "ai")
	if err := w.AppendBasic(Int32Value(1)); !errors.Is(err, ErrUnclosedContainer) {
		t.Errorf("AppendBasic with open child = %v, want ErrUnclosedContainer", err)
	} else if !errors.Is(err, ErrInvalidUse) {
		t.Errorf("ErrUnclosedContainer does not match ErrInvalidUse")
	}
	inner := mustOpen(t, arr, TypeArray, "i")
	if err := w.CloseContainer(arr); !errors.Is(err, ErrUnclosedContainer) {
		t.Errorf("CloseContainer with open grandchild = %v, want ErrUnclosedContainer", err)
	}
	if err := w.CloseContainer(inner); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("CloseContainer of grandchild = %v, want ErrInvalidUse", err)
	}
	mustAppend(t, inner, Int32Value(1))
	mustClose(t, arr, inner)
	mustClose(t, w, arr)
	if err := arr.AppendBasic(Int32Value(1)); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("AppendBasic on closed cursor = %v, want ErrInvalidUse", err)
	}
	if err := w.Err(); err != nil {
		t.Errorf("writer poisoned by misuse: %v", err)
	}
	mustAppend(t, w, StringValue("done"))

	if got, want := m.Signature().String(), "aais"; got != want {
		t.Errorf("body signature = %q, want %q", got, want)
	}
}

func TestCursorPoison(t *testing.T) {
	m := newTestCall()
	w := mustWriter(t, m)
	mustAppend(t, w, Int32Value(1))
	arr := mustOpen(t, w, TypeArray, "i")
	mustAppend(t, arr, Int32Value(1))

	err := arr.AppendBasic(StringValue("nope"))
	var te *TypeError
	if !errors.As(err, &te) {
		t.Fatalf("AppendBasic(string) into ai = %v, want TypeError", err)
	}
	if got := (TypeError{Path: te.Path, Want: te.Want, Got: te.Got}); got != (TypeError{Path: "array element 1", Want: "i", Got: "s"}) {
		t.Errorf("wrong TypeError %#v", got)
	}

	// Every cursor in the tree now returns the original error.
	if got := arr.AppendBasic(Int32Value(2)); got != err {
		t.Errorf("child AppendBasic after poison = %v, want %v", got, err)
	}
	if got := w.CloseContainer(arr); got != err {
		t.Errorf("parent CloseContainer after poison = %v, want %v", got, err)
	}
	if got := w.AppendBasic(Int32Value(2)); got != err {
		t.Errorf("parent AppendBasic after poison = %v, want %v", got, err)
	}
	if got := w.Err(); got != err {
		t.Errorf("w.Err() = %v, want %v", got, err)
	}

	if !errors.Is(m.Err(), ErrTypeMismatch) {
		t.Errorf("m.Err() = %v, want wrapped TypeError", m.Err())
	}
	if got := m.Signature().String(); got != "i" {
		t.Errorf("signature after failure = %q, want values before the failure", got)
	}
	if _, err := m.Writer(); err == nil {
		t.Errorf("Writer() on unusable message succeeded")
	}
	if err := m.AppendArgs(Int32Value(3)); err == nil {
		t.Errorf("AppendArgs() on unusable message succeeded")
	}
	m.Serial = 1
	if _, err := EncodeMessage(m); err == nil {
		t.Errorf("EncodeMessage() of unusable message succeeded")
	}
}

func TestCursorInvalidStrings(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{"nul", StringValue("a\x00b")},
		{"utf8", StringValue("\xff")},
		{"path", Value{typ: BasicType(TypeObjectPath), str: "//"}},
		{"signature", Value{typ: BasicType(TypeSignature), str: "a"}},
		{"zero", Value{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestCall()
			w := mustWriter(t, m)
			err := w.AppendBasic(tc.v)
			if !errors.Is(err, ErrTypeMismatch) {
				t.Fatalf("AppendBasic(%q) = %v, want TypeError", tc.v.str, err)
			}
			if m.Err() == nil {
				t.Errorf("message still usable after failed write")
			}
		})
	}
}

func TestCursorSkip(t *testing.T) {
	m := newTestCall()
	st, err := StructValue(Int32Value(1), StringValue("skipped"), mustValue(ArrayValue(BasicType(TypeByte), ByteValue(1))))
	if err != nil {
		t.Fatal(err)
	}
	arr := mustValue(ArrayValue(BasicType(TypeUint64), Uint64Value(1), Uint64Value(2), Uint64Value(3)))
	if err := m.AppendArgs(arr, st, StringValue("end")); err != nil {
		t.Fatalf("AppendArgs failed: %v", err)
	}

	r := m.Reader()
	child, err := r.EnterContainer()
	if err != nil {
		t.Fatalf("EnterContainer(array) failed: %v", err)
	}
	if v, err := child.ReadBasic(); err != nil || v.Uint64() != 1 {
		t.Fatalf("ReadBasic() = %v, %v, want 1", v, err)
	}
	if err := r.ExitContainer(child); err != nil {
		t.Fatalf("ExitContainer(array) failed: %v", err)
	}
	if _, err := child.ReadBasic(); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("ReadBasic on exited cursor = %v, want ErrInvalidUse", err)
	}

	child, err = r.EnterContainer()
	if err != nil {
		t.Fatalf("EnterContainer(struct) failed: %v", err)
	}
	if got, want := child.CurrentType().String(), "i"; got != want {
		t.Errorf("struct CurrentType() = %s, want %s", got, want)
	}
	if v, err := child.ReadBasic(); err != nil || v.Int32() != 1 {
		t.Fatalf("ReadBasic() = %v, %v, want 1", v, err)
	}
	if err := r.ExitContainer(child); err != nil {
		t.Fatalf("ExitContainer(struct) failed: %v", err)
	}

	v, err := r.ReadBasic()
	if err != nil || v.Str() != "end" {
		t.Fatalf("ReadBasic() after skips = %v, %v, want \"end\"", v, err)
	}
	if r.HasNext() {
		t.Errorf("HasNext() at end = true")
	}
}

func TestCursorReadMisuse(t *testing.T) {
	m := newTestCall()
	if err := m.AppendArgs(mustValue(ArrayValue(BasicType(TypeInt32), Int32Value(1))), Int32Value(2)); err != nil {
		t.Fatal(err)
	}
	r := m.Reader()
	if _, err := r.ReadBasic(); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("ReadBasic of array = %v, want ErrInvalidUse", err)
	}
	child, err := r.EnterContainer()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadBasic(); !errors.Is(err, ErrUnclosedContainer) {
		t.Errorf("ReadBasic with entered child = %v, want ErrUnclosedContainer", err)
	}
	if r.HasNext() {
		t.Errorf("HasNext with entered child = true")
	}
	if err := r.ExitContainer(child); err != nil {
		t.Fatal(err)
	}
	if _, err := r.EnterContainer(); !errors.Is(err, ErrInvalidUse) {
		t.Errorf("EnterContainer of int32 = %v, want ErrInvalidUse", err)
	}
	if err := r.Err(); err != nil {
		t.Errorf("reader poisoned by misuse: %v", err)
	}
}

func TestCursorDictEntries(t *testing.T) {
	m := newTestCall()
	w := mustWriter(t, m)

	dict := mustOpen(t, w, TypeArray, "{sv}")
	ent := mustOpen(t, dict, TypeDictEntry, "")
	mustAppend(t, ent, StringValue("k"))
	v := mustOpen(t, ent, TypeVariant, "u")
	mustAppend(t, v, Uint32Value(7))
	mustClose(t, ent, v)
	mustClose(t, dict, ent)
	ent = mustOpen(t, dict, TypeDictEntry, "sv")
	mustAppend(t, ent, StringValue("j"))
	if err := dict.CloseContainer(ent); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("CloseContainer of half dict entry = %v, want TypeError", err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	if _, err := w.OpenContainer(TypeDictEntry, "sv"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("top-level dict entry = %v, want TypeError", err)
	}
	if m.Err() == nil {
		t.Errorf("message still usable after dict entry outside dict")
	}

	m = newTestCall()
	w = mustWriter(t, m)
	arr := mustOpen(t, w, TypeArray, "(sv)")
	if _, err := arr.OpenContainer(TypeDictEntry, "sv"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("dict entry in array of structs = %v, want TypeError", err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	dict = mustOpen(t, w, TypeArray, "{sv}")
	if _, err := dict.OpenContainer(TypeDictEntry, "si"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("dict entry of wrong type = %v, want TypeError", err)
	}
}

func TestCursorFreeStruct(t *testing.T) {
	m := newTestCall()
	w := mustWriter(t, m)
	st := mustOpen(t, w, TypeStruct, "")
	mustAppend(t, st, BoolValue(true), DoubleValue(3.5))
	inner := mustOpen(t, st, TypeArray, "s")
	mustClose(t, st, inner)
	mustClose(t, w, st)

	if got, want := m.Signature().String(), "(bdas)"; got != want {
		t.Errorf("free struct signature = %q, want %q", got, want)
	}
	args, err := m.Args()
	if err != nil {
		t.Fatalf("Args() failed: %v", err)
	}
	want := mustValue(StructValue(BoolValue(true), DoubleValue(3.5), mustValue(ArrayValue(BasicType(TypeString)))))
	if diff := cmp.Diff(args, []Value{want}); diff != "" {
		t.Errorf("wrong free struct (-got+want):\n%s", diff)
	}

	// Structs inside typed containers take the container's type.
	m = newTestCall()
	w = mustWriter(t, m)
	arr := mustOpen(t, w, TypeArray, "(bd)")
	st = mustOpen(t, arr, TypeStruct, "")
	if got := st.Type().String(); got != "(bd)" {
		t.Errorf("struct in a(bd) has type %s", got)
	}
	mustAppend(t, st, BoolValue(false))
	if err := st.AppendBasic(StringValue("x")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("wrong field in typed struct = %v, want TypeError", err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	st = mustOpen(t, w, TypeStruct, "")
	if err := w.CloseContainer(st); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("closing empty struct = %v, want TypeError", err)
	}
}

func TestCursorVariant(t *testing.T) {
	m := newTestCall()
	w := mustWriter(t, m)
	v := mustOpen(t, w, TypeVariant, "i")
	if err := v.AppendBasic(StringValue("x")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("wrong variant content = %v, want TypeError", err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	v = mustOpen(t, w, TypeVariant, "i")
	mustAppend(t, v, Int32Value(1))
	if err := v.AppendBasic(Int32Value(2)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("second variant value = %v, want TypeError", err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	v = mustOpen(t, w, TypeVariant, "i")
	if err := w.CloseContainer(v); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("closing empty variant = %v, want TypeError", err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	if _, err := w.OpenContainer(TypeVariant, "ii"); !errors.Is(err, ErrSignature) {
		t.Errorf("variant of two types = %v, want ErrSignature", err)
	}
}

func TestCursorDepth(t *testing.T) {
	// Variants count towards the nesting limit.
	m := newTestCall()
	w := mustWriter(t, m)
	stack := []*Cursor{w}
	for range MaxDepth {
		stack = append(stack, mustOpen(t, stack[len(stack)-1], TypeVariant, "v"))
	}
	if _, err := stack[len(stack)-1].OpenContainer(TypeVariant, "i"); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("variant at depth %d = %v, want ErrDepthExceeded", MaxDepth+1, err)
	}

	m = newTestCall()
	w = mustWriter(t, m)
	stack = []*Cursor{w}
	for i := range MaxDepth {
		sig := "v"
		if i == MaxDepth-1 {
			sig = "i"
		}
		stack = append(stack, mustOpen(t, stack[len(stack)-1], TypeVariant, sig))
	}
	mustAppend(t, stack[len(stack)-1], Int32Value(42))
	for i := len(stack) - 1; i > 0; i-- {
		mustClose(t, stack[i-1], stack[i])
	}

	want := Int32Value(42)
	for range MaxDepth {
		want = VariantValue(want)
	}
	args, err := m.Args()
	if err != nil {
		t.Fatalf("Args() of maximally nested variants failed: %v", err)
	}
	if diff := cmp.Diff(args, []Value{want}); diff != "" {
		t.Errorf("wrong nested variants (-got+want):\n%s", diff)
	}

	deep := "i"
	for range MaxDepth {
		deep = "a" + deep
	}
	m = newTestCall()
	w = mustWriter(t, m)
	if _, err := w.OpenContainer(TypeArray, deep); !errors.Is(err, ErrDepthExceeded) {
		t.Errorf("array of %s = %v, want ErrDepthExceeded", deep, err)
	}
}
