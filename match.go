package ldbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that matches DBus messages, in the form accepted
// by the bus's AddMatch method.
type Match struct {
	msgType       value.Maybe[MessageType]
	sender        value.Maybe[string]
	object        value.Maybe[ObjectPath]
	objectPrefix  value.Maybe[ObjectPath]
	iface         value.Maybe[string]
	member        value.Maybe[string]
	destination   value.Maybe[string]
	argStr        map[int]string
	argPath       map[int]ObjectPath
	arg0Namespace value.Maybe[string]
}

// MatchSignal returns a Match for the signal iface.member. An empty
// member matches all signals of iface, and an empty iface matches
// all signals.
func MatchSignal(iface, member string) *Match {
	ret := &Match{msgType: value.Just(MessageSignal)}
	if iface != "" {
		ret.iface = value.Just(iface)
	}
	if member != "" {
		ret.member = value.Just(member)
	}
	return ret
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return MatchSignal("", "")
}

// MatchType returns a Match for all messages of type t.
func MatchType(t MessageType) *Match {
	return &Match{msgType: value.Just(t)}
}

// String returns the match in the string format that DBus wants for
// the AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.msgType.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if n, ok := m.member.GetOK(); ok {
		kv("member", n)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if d, ok := m.destination.GetOK(); ok {
		kv("destination", d)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), m.argPath[i].String())
	}
	if n, ok := m.arg0Namespace.GetOK(); ok {
		kv("arg0namespace", n)
	}

	return strings.Join(ms, ",")
}

// Matches reports whether msg matches the filter, using the same
// match logic that the bus uses on the match's String().
//
// This is necessary because a DBus connection receives a single
// stream of messages. When several matches are active, the received
// messages are the union of all the matches, and so each consumer
// needs to do additional filtering.
func (m *Match) Matches(msg *Message) bool {
	if t, ok := m.msgType.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if n, ok := m.member.GetOK(); ok && msg.Member != n {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && !pathHasPrefix(msg.Path, p) {
		return false
	}
	if d, ok := m.destination.GetOK(); ok && msg.Destination != d {
		return false
	}

	if len(m.argStr) == 0 && len(m.argPath) == 0 && !m.arg0Namespace.Present() {
		return true
	}
	args, err := msg.Args()
	if err != nil {
		return false
	}
	argString := func(i int, codes ...TypeCode) (string, bool) {
		if i >= len(args) || !slices.Contains(codes, args[i].Code()) {
			return "", false
		}
		return args[i].Str(), true
	}
	for i, want := range m.argStr {
		if got, ok := argString(i, TypeString); !ok || got != want {
			return false
		}
	}
	for i, want := range m.argPath {
		got, ok := argString(i, TypeString, TypeObjectPath)
		if !ok || !argPathMatches(got, string(want)) {
			return false
		}
	}
	if n, ok := m.arg0Namespace.GetOK(); ok {
		got, ok := argString(0, TypeString)
		if !ok || (got != n && !strings.HasPrefix(got, n+".")) {
			return false
		}
	}
	return true
}

func pathHasPrefix(p, prefix ObjectPath) bool {
	if prefix == "/" || p == prefix {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}

// argPathMatches implements the argNpath rule: the two paths are
// equal, or one is a prefix of the other that ends in a slash.
func argPathMatches(got, want string) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(got, want) {
		return true
	}
	return strings.HasSuffix(got, "/") && strings.HasPrefix(want, got)
}

// Sender restricts the match to messages from a single bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Destination restricts the match to messages sent to a single bus
// name.
func (m *Match) Destination(name string) *Match {
	m.destination = value.Just(name)
	return m
}

// Object restricts the match to a single source path.
func (m *Match) Object(o ObjectPath) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o)
	return m
}

// ObjectPrefix restricts the match to objects rooted at the given
// path prefix.
//
// For example, ObjectPrefix("/mascots/gopher") matches messages
// from /mascots/gopher and /mascots/gopher/plushie, but not
// /mascots/glenda.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// workaround for dbus-broker bug: / means the same as not
		// specifying a path match anyway, so don't include it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o)
	}
	return m
}

// ArgStr restricts the match to messages whose i-th argument is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the match to messages whose i-th argument
// is a string or object path matching val under the argNpath rule.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the match to messages whose first argument
// is a bus or interface name with the given dot-separated prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0Namespace = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
