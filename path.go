package ldbus

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ObjectPath is a DBus object path, such as
// "/org/freedesktop/DBus".
//
// Valid object paths begin with a slash, and consist of zero or more
// non-empty elements separated by slashes. Elements contain only the
// ASCII characters [A-Za-z0-9_]. The root path "/" is the only path
// that may end in a slash.
type ObjectPath string

// Valid returns an error describing why p is not a valid object path,
// or nil if p is valid.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not begin with /", s)
	}
	if s == "/" {
		return nil
	}
	if s[len(s)-1] == '/' {
		return fmt.Errorf("object path %q ends with /", s)
	}
	for i, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has empty element %d", s, i)
		}
		for _, r := range elem {
			if !isPathChar(r) {
				return fmt.Errorf("object path %q contains invalid character %q", s, r)
			}
		}
	}
	return nil
}

// IsValid reports whether p is a valid object path.
func (p ObjectPath) IsValid() bool { return p.Valid() == nil }

func isPathChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

// Child returns the path of the child element name under p.
func (p ObjectPath) Child(name string) ObjectPath {
	return ObjectPath(path.Join(string(p), name))
}

// Parent returns the parent of p. The parent of the root path is the
// root path.
func (p ObjectPath) Parent() ObjectPath {
	return ObjectPath(path.Dir(string(p)))
}

func (p ObjectPath) String() string { return string(p) }
