package ldbus

// encodeValue appends v to c, recursing into containers.
func encodeValue(c *Cursor, v Value) error {
	if !v.typ.code.IsContainer() {
		return c.AppendBasic(v)
	}

	var sig string
	switch v.typ.code {
	case TypeArray:
		sig = v.typ.elems[0].str
	case TypeStruct:
		sig = v.typ.str[1 : len(v.typ.str)-1]
	case TypeVariant:
		sig = v.elems[0].typ.str
	}
	path := c.elemPath(c.n)
	child, err := c.OpenContainer(v.typ.code, sig)
	if err != nil {
		return err
	}
	for _, e := range v.elems {
		if err := encodeValue(child, e); err != nil {
			return atPath(err, path)
		}
	}
	return c.CloseContainer(child)
}

// decodeValue reads the next element of c, recursing into
// containers.
func decodeValue(c *Cursor) (Value, error) {
	t := c.CurrentType()
	if !t.code.IsContainer() {
		return c.ReadBasic()
	}

	path := c.elemPath(c.n)
	child, err := c.EnterContainer()
	if err != nil {
		return Value{}, err
	}
	var elems []Value
	for child.HasNext() {
		e, err := decodeValue(child)
		if err != nil {
			return Value{}, atPath(err, path)
		}
		elems = append(elems, e)
	}
	if err := c.ExitContainer(child); err != nil {
		return Value{}, err
	}
	if t.code == TypeVariant {
		return VariantValue(elems[0]), nil
	}
	return Value{typ: t, elems: elems}, nil
}
