package ldbus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"
)

// ObjectDescription describes a DBus object's exported interfaces and
// child objects.
//
// Descriptions are provided by the DBus peer hosting the object, and
// may not accurately reflect the actual exposed API or object
// structure.
type ObjectDescription struct {
	// Interfaces maps an interface name to a description of its API.
	Interfaces map[string]*InterfaceDescription
	// Children is the relative paths to child objects under this
	// object. The relative paths may contain multiple path
	// components.
	Children []string
}

// InterfaceDescription describes a DBus interface.
type InterfaceDescription struct {
	Name       string
	Methods    []*MethodDescription
	Signals    []*SignalDescription
	Properties []*PropertyDescription
}

// MethodDescription describes a DBus method.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated, if true, indicates that the method should be
	// avoided in new code.
	Deprecated bool
	// If true, NoReply indicates that the caller is expected to use
	// Interface.OneWay to invoke this method, not Interface.Call.
	NoReply bool
}

// SignalDescription describes a DBus signal.
type SignalDescription struct {
	Name       string
	Args       []ArgumentDescription
	Deprecated bool
}

// PropertyDescription describes a DBus property.
type PropertyDescription struct {
	Name string
	Type Type

	// If true, Constant indicates that the property's value never
	// changes, and thus can safely be cached locally.
	Constant bool
	Readable bool
	Writable bool

	// EmitsSignal is whether the property emits a PropertiesChanged
	// signal when updated.
	EmitsSignal bool
	// SignalIncludesValue is whether the PropertiesChanged signal
	// includes the new value. If false, the signal merely reports
	// that the property's value has been invalidated.
	SignalIncludesValue bool

	Deprecated bool
}

// ArgumentDescription describes a DBus method's input or output, or a
// signal's argument.
type ArgumentDescription struct {
	Name string // optional
	Type Type
}

// The raw shapes of the introspection XML format.
type (
	xmlNode struct {
		Interfaces []xmlInterface `xml:"interface"`
		Children   []struct {
			Name string `xml:"name,attr"`
		} `xml:"node"`
	}
	xmlInterface struct {
		Name       string        `xml:"name,attr"`
		Methods    []xmlMember   `xml:"method"`
		Signals    []xmlMember   `xml:"signal"`
		Properties []xmlProperty `xml:"property"`
	}
	xmlMember struct {
		Name string          `xml:"name,attr"`
		Args []xmlArg        `xml:"arg"`
		Meta []xmlAnnotation `xml:"annotation"`
	}
	xmlProperty struct {
		Name   string          `xml:"name,attr"`
		Type   string          `xml:"type,attr"`
		Access string          `xml:"access,attr"`
		Meta   []xmlAnnotation `xml:"annotation"`
	}
	xmlArg struct {
		Name      string `xml:"name,attr"`
		Type      string `xml:"type,attr"`
		Direction string `xml:"direction,attr"`
	}
	xmlAnnotation struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	}
)

func annotation(meta []xmlAnnotation, name string) string {
	for _, a := range meta {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// ParseIntrospection parses the XML returned by the
// org.freedesktop.DBus.Introspectable.Introspect method.
func ParseIntrospection(bs []byte) (*ObjectDescription, error) {
	var raw xmlNode
	if err := xml.Unmarshal(bs, &raw); err != nil {
		return nil, fmt.Errorf("parsing introspection data: %w", err)
	}

	ret := &ObjectDescription{
		Interfaces: make(map[string]*InterfaceDescription, len(raw.Interfaces)),
		Children:   make([]string, 0, len(raw.Children)),
	}
	for _, c := range raw.Children {
		ret.Children = append(ret.Children, c.Name)
	}
	for _, ri := range raw.Interfaces {
		iface := &InterfaceDescription{Name: ri.Name}
		for _, rm := range ri.Methods {
			m := &MethodDescription{
				Name:       rm.Name,
				Deprecated: annotation(rm.Meta, "org.freedesktop.DBus.Deprecated") == "true",
				NoReply:    annotation(rm.Meta, "org.freedesktop.DBus.Method.NoReply") == "true",
			}
			for _, ra := range rm.Args {
				arg, err := parseArg(ra)
				if err != nil {
					return nil, fmt.Errorf("method %s.%s: %w", ri.Name, rm.Name, err)
				}
				// Method arguments are inputs unless stated otherwise.
				if ra.Direction == "out" {
					m.Out = append(m.Out, arg)
				} else {
					m.In = append(m.In, arg)
				}
			}
			iface.Methods = append(iface.Methods, m)
		}
		for _, rs := range ri.Signals {
			s := &SignalDescription{
				Name:       rs.Name,
				Deprecated: annotation(rs.Meta, "org.freedesktop.DBus.Deprecated") == "true",
			}
			for _, ra := range rs.Args {
				arg, err := parseArg(ra)
				if err != nil {
					return nil, fmt.Errorf("signal %s.%s: %w", ri.Name, rs.Name, err)
				}
				s.Args = append(s.Args, arg)
			}
			iface.Signals = append(iface.Signals, s)
		}
		for _, rp := range ri.Properties {
			p, err := parseProperty(rp)
			if err != nil {
				return nil, fmt.Errorf("property %s.%s: %w", ri.Name, rp.Name, err)
			}
			iface.Properties = append(iface.Properties, p)
		}
		ret.Interfaces[iface.Name] = iface
	}
	return ret, nil
}

func parseArg(ra xmlArg) (ArgumentDescription, error) {
	t, err := ParseType(ra.Type)
	if err != nil {
		return ArgumentDescription{}, fmt.Errorf("invalid type %q for argument %s: %w", ra.Type, ra.Name, err)
	}
	return ArgumentDescription{Name: ra.Name, Type: t}, nil
}

func parseProperty(rp xmlProperty) (*PropertyDescription, error) {
	t, err := ParseType(rp.Type)
	if err != nil {
		return nil, fmt.Errorf("invalid type %q: %w", rp.Type, err)
	}
	p := &PropertyDescription{
		Name:                rp.Name,
		Type:                t,
		EmitsSignal:         true,
		SignalIncludesValue: true,
		Deprecated:          annotation(rp.Meta, "org.freedesktop.DBus.Deprecated") == "true",
	}
	switch rp.Access {
	case "read":
		p.Readable = true
	case "write":
		p.Writable = true
	case "readwrite":
		p.Readable, p.Writable = true, true
	default:
		return nil, fmt.Errorf("unknown property access value %q", rp.Access)
	}
	switch annotation(rp.Meta, "org.freedesktop.DBus.Property.EmitsChangedSignal") {
	case "false":
		p.EmitsSignal, p.SignalIncludesValue = false, false
	case "invalidates":
		p.SignalIncludesValue = false
	case "const":
		p.Constant = true
		p.EmitsSignal, p.SignalIncludesValue = false, false
	}
	return p, nil
}

// InSignature returns the signature of the method's arguments.
func (m MethodDescription) InSignature() Signature {
	return argSignature(m.In)
}

// OutSignature returns the signature of the method's reply.
func (m MethodDescription) OutSignature() Signature {
	return argSignature(m.Out)
}

func argSignature(args []ArgumentDescription) Signature {
	types := make([]Type, len(args))
	for i, a := range args {
		types[i] = a.Type
	}
	// Arguments were parsed individually, but their concatenation
	// can still exceed the signature length limit.
	ret, err := SignatureOf(types...)
	if err != nil {
		return Signature{}
	}
	return ret
}

func (d InterfaceDescription) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "interface %s {\n", d.Name)

	byName := func(name func(int) string, n int) []int {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		slices.SortFunc(idx, func(a, b int) int { return cmp.Compare(name(a), name(b)) })
		return idx
	}
	for _, i := range byName(func(i int) string { return d.Methods[i].Name }, len(d.Methods)) {
		fmt.Fprintf(&ret, "  %s\n", d.Methods[i])
	}
	for _, i := range byName(func(i int) string { return d.Signals[i].Name }, len(d.Signals)) {
		fmt.Fprintf(&ret, "  %s\n", d.Signals[i])
	}
	for _, i := range byName(func(i int) string { return d.Properties[i].Name }, len(d.Properties)) {
		fmt.Fprintf(&ret, "  %s\n", d.Properties[i])
	}
	ret.WriteString("}")
	return ret.String()
}

func writeArgs(b *strings.Builder, args []ArgumentDescription) {
	b.WriteByte('(')
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.String())
	}
	b.WriteByte(')')
}

func (m MethodDescription) String() string {
	var ret strings.Builder
	ret.WriteString("func ")
	ret.WriteString(m.Name)
	writeArgs(&ret, m.In)
	if len(m.Out) > 0 {
		ret.WriteByte(' ')
		writeArgs(&ret, m.Out)
	}
	var tags []string
	if m.Deprecated {
		tags = append(tags, "deprecated")
	}
	if m.NoReply {
		tags = append(tags, "noreply")
	}
	if len(tags) > 0 {
		fmt.Fprintf(&ret, " [%s]", strings.Join(tags, ","))
	}
	return ret.String()
}

func (s SignalDescription) String() string {
	var ret strings.Builder
	ret.WriteString("signal ")
	ret.WriteString(s.Name)
	writeArgs(&ret, s.Args)
	if s.Deprecated {
		ret.WriteString(" [deprecated]")
	}
	return ret.String()
}

func (p PropertyDescription) String() string {
	var tags []string
	switch {
	case p.Readable && !p.Writable && p.Constant:
		tags = append(tags, "const")
	case p.Readable && p.Writable:
		tags = append(tags, "readwrite")
	case p.Readable:
		tags = append(tags, "readonly")
	case p.Writable:
		tags = append(tags, "writeonly")
	}
	if p.Deprecated {
		tags = append(tags, "deprecated")
	}
	if p.EmitsSignal && p.SignalIncludesValue {
		tags = append(tags, "signals")
	} else if p.EmitsSignal {
		tags = append(tags, "invalidates")
	}
	return fmt.Sprintf("property %s %s [%s]", p.Name, p.Type, strings.Join(tags, ","))
}

func (a ArgumentDescription) String() string {
	if a.Name != "" {
		// Older interfaces used arg-name style naming. Argument names
		// aren't load-bearing, so show them Go style.
		return fmt.Sprintf("%s %s", strings.ReplaceAll(a.Name, "-", "_"), a.Type)
	}
	return a.Type.String()
}
