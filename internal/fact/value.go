package fact

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the payload shape of a fact value.
type Kind string

const (
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindBool    Kind = "boolean"
	KindRef     Kind = "ordered-reference"
	KindUnion   Kind = "union"
	KindBlob    Kind = "blob"
	KindImage   Kind = "image"
)

// Value is a sealed interface over the closed set of fact payload types.
// Only String, Int, Bool, Ref, Union, Blob, and Image implement it.
// No floats - they break cross-runtime determinism.
type Value interface {
	Kind() Kind
	value() // sealed
}

// String is a plain text payload.
type String string

func (String) Kind() Kind { return KindString }
func (String) value()     {}

// Int is an integer payload. Always int64, never float64.
type Int int64

func (Int) Kind() Kind { return KindInt }
func (Int) value()     {}

// Bool is a boolean payload.
type Bool bool

func (Bool) Kind() Kind { return KindBool }
func (Bool) value()     {}

// Ref is an ordered reference to another entity. The order key itself
// lives on the enclosing Fact's Position field.
type Ref struct {
	Entity string
}

func (Ref) Kind() Kind { return KindRef }
func (Ref) value()     {}

// Union is a tagged enum case. The set of legal cases is declared per
// attribute in the schema registry, not here.
type Union struct {
	Case string
}

func (Union) Kind() Kind { return KindUnion }
func (Union) value()     {}

// Blob is an opaque payload the engine never interprets, such as an
// embedded rich-text document. Data is base64; Format names the payload
// encoding (e.g. "text-doc") for consumers that do interpret it.
type Blob struct {
	Format string
	Data   string
}

func (Blob) Kind() Kind { return KindBlob }
func (Blob) value()     {}

// Image is an uploaded image reference with its display dimensions.
type Image struct {
	Src    string
	Width  int64
	Height int64
}

func (Image) Kind() Kind { return KindImage }
func (Image) value()     {}

// envelope is the wire shape of a value: a "type" tag plus kind-specific
// fields. Matches the {type, value} unions the document format uses.
type envelope struct {
	Type   string          `json:"type"`
	Value  json.RawMessage `json:"value,omitempty"`
	Format string          `json:"format,omitempty"`
	Src    string          `json:"src,omitempty"`
	Width  int64           `json:"width,omitempty"`
	Height int64           `json:"height,omitempty"`
}

// MarshalValue serializes a Value to its canonical envelope JSON.
func MarshalValue(v Value) ([]byte, error) {
	return appendCanonicalValue(nil, v)
}

// UnmarshalValue parses an envelope JSON payload into a Value.
// Rejects unknown type tags and malformed payloads.
func UnmarshalValue(data []byte) (Value, error) {
	var env envelope
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode value envelope: %w", err)
	}

	switch Kind(env.Type) {
	case KindString:
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, fmt.Errorf("string value: %w", err)
		}
		return String(s), nil

	case KindInt:
		n, err := decodeInt(env.Value)
		if err != nil {
			return nil, fmt.Errorf("int value: %w", err)
		}
		return Int(n), nil

	case KindBool:
		var b bool
		if err := json.Unmarshal(env.Value, &b); err != nil {
			return nil, fmt.Errorf("boolean value: %w", err)
		}
		return Bool(b), nil

	case KindRef:
		var e string
		if err := json.Unmarshal(env.Value, &e); err != nil {
			return nil, fmt.Errorf("ordered-reference value: %w", err)
		}
		if e == "" {
			return nil, fmt.Errorf("ordered-reference value: empty entity")
		}
		return Ref{Entity: e}, nil

	case KindUnion:
		var c string
		if err := json.Unmarshal(env.Value, &c); err != nil {
			return nil, fmt.Errorf("union value: %w", err)
		}
		return Union{Case: c}, nil

	case KindBlob:
		var d string
		if err := json.Unmarshal(env.Value, &d); err != nil {
			return nil, fmt.Errorf("blob value: %w", err)
		}
		if env.Format == "" {
			return nil, fmt.Errorf("blob value: missing format")
		}
		return Blob{Format: env.Format, Data: d}, nil

	case KindImage:
		if env.Src == "" {
			return nil, fmt.Errorf("image value: missing src")
		}
		return Image{Src: env.Src, Width: env.Width, Height: env.Height}, nil

	default:
		return nil, fmt.Errorf("unknown value type %q", env.Type)
	}
}

// decodeInt parses a JSON number as int64, rejecting floats.
func decodeInt(data []byte) (int64, error) {
	var n json.Number
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, err
	}
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return 0, fmt.Errorf("floats are forbidden: %s", s)
	}
	return n.Int64()
}

// ValueEqual reports whether two values have identical canonical encodings.
func ValueEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ab, err := MarshalValue(a)
	if err != nil {
		return false
	}
	bb, err := MarshalValue(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
