package ldbus

import (
	"context"
	"fmt"
)

const (
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// Object is an object offered by a bus [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Child returns the child object name of o.
func (o Object) Child(name string) Object {
	return o.p.Object(o.path.Child(name))
}

// Interface returns the interface name of the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect returns the object's description of itself.
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	ret, err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect")
	if err != nil {
		return nil, err
	}
	if len(ret) != 1 || ret[0].Code() != TypeString {
		return nil, &TypeError{Path: "Introspect reply", Want: "s", Got: sigString(ret)}
	}
	return ParseIntrospection([]byte(ret[0].Str()))
}

// ManagedObjects returns the children of an object that implements
// org.freedesktop.DBus.ObjectManager, and the interfaces that each
// child offers.
func (o Object) ManagedObjects(ctx context.Context) (map[Object][]Interface, error) {
	// object path -> interface name -> property name -> value
	ret, err := o.Interface(ifaceObjectManager).Call(ctx, "GetManagedObjects")
	if err != nil {
		return nil, err
	}
	if len(ret) != 1 || ret[0].Type().String() != "a{oa{sa{sv}}}" {
		return nil, &TypeError{Path: "GetManagedObjects reply", Want: "a{oa{sa{sv}}}", Got: sigString(ret)}
	}
	objs := make(map[Object][]Interface, ret[0].Len())
	for _, ent := range ret[0].elems {
		child := o.p.Object(ent.Key().ObjectPath())
		ifs := ent.Val()
		ifaces := make([]Interface, 0, ifs.Len())
		for _, iface := range ifs.elems {
			ifaces = append(ifaces, child.Interface(iface.Key().Str()))
		}
		objs[child] = ifaces
	}
	return objs, nil
}
