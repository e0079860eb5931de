package ldbus

import (
	"testing"
)

func TestMatch(t *testing.T) {
	type msgMatch struct {
		msg  *Message
		want bool
	}
	type testCase struct {
		name    string
		m       *Match
		filter  string
		matches []msgMatch
	}

	msg := func(sender, path, iface, member string, args ...Value) *Message {
		ret := NewSignal(ObjectPath(path), iface, member)
		ret.Sender = sender
		if err := ret.AppendArgs(args...); err != nil {
			t.Fatalf("building test message: %v", err)
		}
		return ret
	}
	match := func(want bool, sender, path, iface, member string, args ...Value) msgMatch {
		return msgMatch{msg(sender, path, iface, member, args...), want}
	}
	str := StringValue
	path := func(p string) Value {
		ret, err := ObjectPathValue(ObjectPath(p))
		if err != nil {
			t.Fatalf("building test path: %v", err)
		}
		return ret
	}
	call := func(want bool) msgMatch {
		return msgMatch{NewMethodCall("test", "/test", "org.test", "Signal"), want}
	}

	tests := []testCase{
		{
			name:   "all signals",
			m:      MatchAllSignals(),
			filter: `type='signal'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(true, "test2", "/test2", "org.test2", "Signal2", Int16Value(4)),
				call(false),
			},
		},

		{
			name:   "all calls",
			m:      MatchType(MessageMethodCall),
			filter: `type='method_call'`,
			matches: []msgMatch{
				match(false, "test", "/test", "org.test", "Signal"),
				call(true),
			},
		},

		{
			name:   "signal",
			m:      MatchSignal("org.test", "Signal"),
			filter: `type='signal',interface='org.test',member='Signal'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(false, "test", "/test", "org.test", "Signal2"),
				match(false, "test2", "/test2", "org.test2", "Signal"),
				call(false),
			},
		},

		{
			name:   "interface",
			m:      MatchSignal("org.test", ""),
			filter: `type='signal',interface='org.test'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(true, "test", "/test", "org.test", "Signal2"),
				match(false, "test2", "/test2", "org.test2", "Signal"),
			},
		},

		{
			name:   "signal sender",
			m:      MatchSignal("org.test", "Signal").Sender("test"),
			filter: `type='signal',sender='test',interface='org.test',member='Signal'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(true, "test", "/test2", "org.test", "Signal"),
				match(false, "test2", "/test", "org.test", "Signal"),
				match(false, "test2", "/test2", "org.test2", "Signal2"),
			},
		},

		{
			name:   "signal object",
			m:      MatchSignal("org.test", "Signal").Object("/test"),
			filter: `type='signal',interface='org.test',member='Signal',path='/test'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(false, "test", "/test2", "org.test", "Signal"),
				match(true, "test2", "/test", "org.test", "Signal"),
				match(false, "test2", "/test2", "org.test2", "Signal"),
			},
		},

		{
			name:   "signal object prefix",
			m:      MatchSignal("org.test", "Signal").ObjectPrefix("/test"),
			filter: `type='signal',interface='org.test',member='Signal',path_namespace='/test'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(true, "test", "/test/foo", "org.test", "Signal"),
				match(true, "test", "/test/bar", "org.test", "Signal"),
				match(false, "test", "/testf", "org.test", "Signal"),
				match(false, "test", "/qux", "org.test", "Signal"),
				match(true, "test2", "/test/foo", "org.test", "Signal"),
			},
		},

		{
			name:   "root object prefix",
			m:      MatchSignal("org.test", "Signal").ObjectPrefix("/"),
			filter: `type='signal',interface='org.test',member='Signal'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal"),
				match(true, "test", "/qux/foo", "org.test", "Signal"),
			},
		},

		{
			name:   "signal arg",
			m:      MatchSignal("org.test", "Signal").ArgStr(0, "foo").ArgStr(2, "bar"),
			filter: `type='signal',interface='org.test',member='Signal',arg0='foo',arg2='bar'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal", str("foo"), path("/unused"), str("bar"), Int16Value(42)),
				match(true, "test", "/test", "org.test", "Signal", str("foo"), str(""), str("bar")),
				match(false, "test", "/test", "org.test", "Signal", str("foo"), str(""), str("zot")),
				match(false, "test", "/test", "org.test", "Signal", str("no"), str(""), str("bar")),
				match(false, "test", "/test", "org.test", "Signal", str("foo"), str(""), path("/bar")),
				match(false, "test", "/test", "org.test", "Signal", str("foo")),
				match(false, "test", "/test", "org.test", "Signal"),
			},
		},

		{
			name:   "signal arg path",
			m:      MatchSignal("org.test", "Signal").ArgPathPrefix(0, "/foo/").ArgPathPrefix(1, "/bar"),
			filter: `type='signal',interface='org.test',member='Signal',arg0path='/foo/',arg1path='/bar'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal", str("/foo/"), path("/bar"), str("unused")),
				match(true, "test", "/test", "org.test", "Signal", str("/foo/bar"), path("/bar")),
				match(true, "test", "/test", "org.test", "Signal", str("/"), str("/bar")),
				match(false, "test", "/test", "org.test", "Signal", str("/foo"), path("/bar")),
				match(false, "test", "/test", "org.test", "Signal", str("/foo/"), path("/bar/qux")),
				match(false, "test", "/test", "org.test", "Signal", str("/foo/"), path("/zot")),
				match(false, "test", "/test", "org.test", "Signal", str("/foo/"), Int32Value(1)),
				match(false, "test", "/test", "org.test", "Signal"),
			},
		},

		{
			name:   "signal arg0 namespace",
			m:      MatchSignal("org.test", "Signal").Arg0Namespace("foo.bar"),
			filter: `type='signal',interface='org.test',member='Signal',arg0namespace='foo.bar'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal", str("foo.bar"), path("/bar"), str("unused"), Int16Value(42)),
				match(true, "test", "/test", "org.test", "Signal", str("foo.bar")),
				match(true, "test", "/test", "org.test", "Signal", str("foo.bar.baz")),
				match(true, "test", "/test", "org.test", "Signal", str("foo.bar.qux")),
				match(false, "test", "/test", "org.test", "Signal", str("foo")),
				match(false, "test", "/test", "org.test", "Signal", str("foo.qux")),
				match(false, "test", "/test", "org.test", "Signal", str("zot.qux")),
				match(false, "test", "/test", "org.test", "Signal", str("foo.barbaz")),
				match(false, "test", "/test", "org.test", "Signal"),
			},
		},

		{
			name:   "escaping",
			m:      MatchSignal("org.test", "Signal").ArgStr(0, "it's"),
			filter: `type='signal',interface='org.test',member='Signal',arg0='it'\''s'`,
			matches: []msgMatch{
				match(true, "test", "/test", "org.test", "Signal", str("it's")),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got, want := tc.m.String(), tc.filter; got != want {
				t.Errorf("wrong filter string\n  got: %s\n want: %s", got, want)
			}
			for _, tm := range tc.matches {
				if got := tc.m.Matches(tm.msg); got != tm.want {
					t.Errorf("wrong match on %v: got %v, want %v", tm.msg, got, tm.want)
				}
			}
		})
	}
}
