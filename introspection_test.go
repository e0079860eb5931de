package ldbus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const introspectXML = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node>
  <interface name="org.test.Frobber">
    <method name="Frob">
      <arg name="target" type="o"/>
      <arg name="options" type="a{sv}" direction="in"/>
      <arg name="ok" type="b" direction="out"/>
      <arg type="s" direction="out"/>
    </method>
    <method name="Poke">
      <annotation name="org.freedesktop.DBus.Method.NoReply" value="true"/>
      <annotation name="org.freedesktop.DBus.Deprecated" value="true"/>
    </method>
    <signal name="Frobbed">
      <arg name="target-path" type="o"/>
    </signal>
    <property name="Version" type="u" access="read">
      <annotation name="org.freedesktop.DBus.Property.EmitsChangedSignal" value="const"/>
    </property>
    <property name="Level" type="i" access="readwrite"/>
    <property name="Secret" type="ay" access="write">
      <annotation name="org.freedesktop.DBus.Property.EmitsChangedSignal" value="invalidates"/>
    </property>
  </interface>
  <node name="child"/>
  <node name="other/grandchild"/>
</node>`

func TestParseIntrospection(t *testing.T) {
	got, err := ParseIntrospection([]byte(introspectXML))
	if err != nil {
		t.Fatalf("ParseIntrospection failed: %v", err)
	}

	arg := func(name, sig string) ArgumentDescription {
		return ArgumentDescription{Name: name, Type: MustParseType(sig)}
	}
	want := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{
			"org.test.Frobber": {
				Name: "org.test.Frobber",
				Methods: []*MethodDescription{
					{
						Name: "Frob",
						In:   []ArgumentDescription{arg("target", "o"), arg("options", "a{sv}")},
						Out:  []ArgumentDescription{arg("ok", "b"), arg("", "s")},
					},
					{Name: "Poke", Deprecated: true, NoReply: true},
				},
				Signals: []*SignalDescription{
					{Name: "Frobbed", Args: []ArgumentDescription{arg("target-path", "o")}},
				},
				Properties: []*PropertyDescription{
					{Name: "Version", Type: MustParseType("u"), Constant: true, Readable: true},
					{Name: "Level", Type: MustParseType("i"), Readable: true, Writable: true, EmitsSignal: true, SignalIncludesValue: true},
					{Name: "Secret", Type: MustParseType("ay"), Writable: true, EmitsSignal: true},
				},
			},
		},
		Children: []string{"child", "other/grandchild"},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Fatalf("ParseIntrospection wrong result (-got+want):\n%s", diff)
	}

	frob := got.Interfaces["org.test.Frobber"].Methods[0]
	if got, want := frob.InSignature().String(), "oa{sv}"; got != want {
		t.Errorf("InSignature() = %q, want %q", got, want)
	}
	if got, want := frob.OutSignature().String(), "bs"; got != want {
		t.Errorf("OutSignature() = %q, want %q", got, want)
	}

	wantStr := `interface org.test.Frobber {
  func Frob(target o, options a{sv}) (ok b, s)
  func Poke() [deprecated,noreply]
  signal Frobbed(target_path o)
  property Level i [readwrite,signals]
  property Secret ay [writeonly,invalidates]
  property Version u [const]
}`
	if diff := cmp.Diff(got.Interfaces["org.test.Frobber"].String(), wantStr); diff != "" {
		t.Errorf("InterfaceDescription.String() wrong (-got+want):\n%s", diff)
	}
}

func TestParseIntrospectionErrors(t *testing.T) {
	tests := []struct {
		name string
		xml  string
	}{
		{"not xml", "{}"},
		{"bad arg type", `<node><interface name="a.b"><method name="M"><arg type="a"/></method></interface></node>`},
		{"bad signal type", `<node><interface name="a.b"><signal name="S"><arg type="(i"/></signal></interface></node>`},
		{"bad property type", `<node><interface name="a.b"><property name="P" type="ii" access="read"/></interface></node>`},
		{"bad access", `<node><interface name="a.b"><property name="P" type="i" access="sometimes"/></interface></node>`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseIntrospection([]byte(tc.xml))
			if err == nil {
				t.Fatalf("ParseIntrospection succeeded, got %+v", got)
			}
			if testing.Verbose() {
				t.Logf("ParseIntrospection: %v", err)
			}
		})
	}
}
