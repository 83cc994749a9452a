package fact

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Arg is a sealed interface over the types a mutator argument may take:
// string, int, bool, or a full value envelope (for mutators that write
// caller-supplied payloads, like assertFact). Floats and null are rejected
// so that argument encodings are canonical.
type Arg interface {
	arg() // sealed
}

// ArgString is a string argument.
type ArgString string

func (ArgString) arg() {}

// ArgInt is an integer argument. Always int64.
type ArgInt int64

func (ArgInt) arg() {}

// ArgBool is a boolean argument.
type ArgBool bool

func (ArgBool) arg() {}

// ArgValue wraps a fact value envelope passed as an argument.
type ArgValue struct {
	Value Value
}

func (ArgValue) arg() {}

// Object is a mutator argument map. It serializes to canonical JSON so the
// same arguments hash and replay identically on client and server.
type Object map[string]Arg

// GetString returns the named string argument, or an error naming the key.
func (o Object) GetString(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(ArgString)
	if !ok {
		return "", fmt.Errorf("argument %q: expected string, got %T", key, v)
	}
	return string(s), nil
}

// GetValue returns the named value-envelope argument.
func (o Object) GetValue(key string) (Value, error) {
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", key)
	}
	av, ok := v.(ArgValue)
	if !ok {
		return nil, fmt.Errorf("argument %q: expected value envelope, got %T", key, v)
	}
	return av.Value, nil
}

// OptionalString returns the named string argument or "" when absent.
func (o Object) OptionalString(key string) (string, error) {
	if _, ok := o[key]; !ok {
		return "", nil
	}
	return o.GetString(key)
}

// MarshalCanonical encodes the argument map as RFC 8785 canonical JSON.
func (o Object) MarshalCanonical() ([]byte, error) {
	dst := []byte{'{'}
	for i, k := range sortedKeysUTF16(o) {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendCanonicalString(dst, k)
		dst = append(dst, ':')
		var err error
		dst, err = appendCanonicalArg(dst, o[k])
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
	}
	return append(dst, '}'), nil
}

// MarshalJSON delegates to the canonical encoding.
func (o Object) MarshalJSON() ([]byte, error) {
	return o.MarshalCanonical()
}

// UnmarshalJSON decodes an argument map, mapping JSON objects to value
// envelopes and rejecting floats, null, and arrays.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Object, len(raw))
	for k, v := range raw {
		a, err := unmarshalArg(v)
		if err != nil {
			return fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = a
	}
	*o = out
	return nil
}

func appendCanonicalArg(dst []byte, a Arg) ([]byte, error) {
	switch v := a.(type) {
	case ArgString:
		return appendCanonicalString(dst, string(v)), nil
	case ArgInt:
		return strconv.AppendInt(dst, int64(v), 10), nil
	case ArgBool:
		return strconv.AppendBool(dst, bool(v)), nil
	case ArgValue:
		return appendCanonicalValue(dst, v.Value)
	default:
		return nil, fmt.Errorf("unsupported argument type %T", a)
	}
}

func unmarshalArg(data []byte) (Arg, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("empty argument")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return ArgString(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return ArgBool(b), nil
	case '{':
		v, err := UnmarshalValue(data)
		if err != nil {
			return nil, err
		}
		return ArgValue{Value: v}, nil
	case 'n':
		return nil, fmt.Errorf("null arguments are forbidden")
	case '[':
		return nil, fmt.Errorf("array arguments are unsupported")
	default:
		n, err := decodeInt(data)
		if err != nil {
			return nil, err
		}
		return ArgInt(n), nil
	}
}
