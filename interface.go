package ldbus

import (
	"context"
	"fmt"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method on the interface with the given arguments, and
// returns the values of the reply.
//
// It is the caller's responsibility to match the arguments to the
// signature of the method being invoked.
func (f Interface) Call(ctx context.Context, method string, args ...Value) ([]Value, error) {
	return f.Conn().Call(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, args...)
}

// OneWay calls method on the interface with the given arguments,
// and tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
func (f Interface) OneWay(ctx context.Context, method string, args ...Value) error {
	m := NewMethodCall(f.Peer().Name(), f.Object().Path(), f.name, method)
	m.Flags |= FlagNoReplyExpected
	if err := m.AppendArgs(args...); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := f.Conn().Send(m)
	return err
}

// GetProperty returns the value of the given property.
func (f Interface) GetProperty(ctx context.Context, name string) (Value, error) {
	ret, err := f.Object().Interface(ifaceProps).Call(ctx, "Get", StringValue(f.name), StringValue(name))
	if err != nil {
		return Value{}, err
	}
	if len(ret) != 1 || ret[0].Code() != TypeVariant {
		return Value{}, &TypeError{Path: "Get reply", Want: "v", Got: sigString(ret)}
	}
	return ret[0].Inner(), nil
}

// SetProperty sets the given property to value.
//
// It is the caller's responsibility to match the value's type to the
// type offered by the interface.
func (f Interface) SetProperty(ctx context.Context, name string, value Value) error {
	_, err := f.Object().Interface(ifaceProps).Call(ctx, "Set", StringValue(f.name), StringValue(name), VariantValue(value))
	return err
}

// GetAllProperties returns all the properties exported by the
// interface.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]Value, error) {
	ret, err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", StringValue(f.name))
	if err != nil {
		return nil, err
	}
	if len(ret) != 1 || ret[0].Type().String() != "a{sv}" {
		return nil, &TypeError{Path: "GetAll reply", Want: "a{sv}", Got: sigString(ret)}
	}
	props := make(map[string]Value, ret[0].Len())
	for _, ent := range ret[0].elems {
		props[ent.Key().Str()] = ent.Val().Inner()
	}
	return props, nil
}
