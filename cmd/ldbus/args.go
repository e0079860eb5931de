package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danderson/ldbus"
	"github.com/goccy/go-json"
)

// parseArg parses a command line method argument of the form
// "signature:value".
//
// String-like basic types take the rest of the argument verbatim,
// numbers and booleans are parsed as Go literals, and everything
// else is decoded as JSON and converted to the requested type. For
// example:
//
//	s:hello
//	u:42
//	o:/org/freedesktop/DBus
//	as:["a","b"]
//	a{sv}:{"Enabled":true}
//	(ib):[1,false]
func parseArg(arg string) (ldbus.Value, error) {
	sig, val, ok := strings.Cut(arg, ":")
	if !ok {
		return ldbus.Value{}, fmt.Errorf("argument %q is not of the form type:value", arg)
	}
	t, err := ldbus.ParseType(sig)
	if err != nil {
		return ldbus.Value{}, fmt.Errorf("argument %q: %w", arg, err)
	}

	var x any
	switch t.Code() {
	case ldbus.TypeString, ldbus.TypeObjectPath, ldbus.TypeSignature:
		x = val
	case ldbus.TypeBoolean:
		x, err = strconv.ParseBool(val)
	case ldbus.TypeByte, ldbus.TypeUint16, ldbus.TypeUint32, ldbus.TypeUint64, ldbus.TypeUnixFD:
		x, err = strconv.ParseUint(val, 0, 64)
	case ldbus.TypeInt16, ldbus.TypeInt32, ldbus.TypeInt64:
		x, err = strconv.ParseInt(val, 0, 64)
	case ldbus.TypeDouble:
		x, err = strconv.ParseFloat(val, 64)
	default:
		err = json.Unmarshal([]byte(val), &x)
	}
	if err != nil {
		return ldbus.Value{}, fmt.Errorf("argument %q: parsing value: %w", arg, err)
	}

	ret, err := ldbus.ValueAs(x, t)
	if err != nil {
		return ldbus.Value{}, fmt.Errorf("argument %q: %w", arg, err)
	}
	return ret, nil
}

func parseArgs(args []string) ([]ldbus.Value, error) {
	ret := make([]ldbus.Value, 0, len(args))
	for _, arg := range args {
		v, err := parseArg(arg)
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	return ret, nil
}
