package fact

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Fact is one immutable entity-attribute-value assertion.
//
// A retraction is itself a fact: same entity and attribute (and, for
// ordered references, the same target entity), Retracted set. Position is
// meaningful only for ordered-reference values and is empty otherwise.
type Fact struct {
	ID        string
	Entity    string
	Attribute string
	Value     Value
	Position  string
	Retracted bool
}

// Target returns the referenced entity for ordered-reference facts,
// or "" for every other kind.
func (f Fact) Target() string {
	if ref, ok := f.Value.(Ref); ok {
		return ref.Entity
	}
	return ""
}

// MarshalCanonical encodes the fact as RFC 8785 canonical JSON.
// This encoding is the storage and wire format; two facts with equal
// canonical bytes are the same fact.
func (f Fact) MarshalCanonical() ([]byte, error) {
	if f.Value == nil {
		return nil, fmt.Errorf("fact %s: nil value", f.ID)
	}
	// Keys in UTF-16 order: attribute, entity, id, position, retracted, value.
	dst := append([]byte(nil), `{"attribute":`...)
	dst = appendCanonicalString(dst, f.Attribute)
	dst = append(dst, `,"entity":`...)
	dst = appendCanonicalString(dst, f.Entity)
	dst = append(dst, `,"id":`...)
	dst = appendCanonicalString(dst, f.ID)
	if f.Position != "" {
		dst = append(dst, `,"position":`...)
		dst = appendCanonicalString(dst, f.Position)
	}
	dst = append(dst, `,"retracted":`...)
	dst = strconv.AppendBool(dst, f.Retracted)
	dst = append(dst, `,"value":`...)
	dst, err := appendCanonicalValue(dst, f.Value)
	if err != nil {
		return nil, fmt.Errorf("fact %s: %w", f.ID, err)
	}
	return append(dst, '}'), nil
}

// factWire mirrors the canonical field set for decoding.
type factWire struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"`
	Attribute string          `json:"attribute"`
	Value     json.RawMessage `json:"value"`
	Position  string          `json:"position,omitempty"`
	Retracted bool            `json:"retracted"`
}

// MarshalJSON encodes canonically so that json.Marshal of wire structs
// embedding facts stays deterministic.
func (f Fact) MarshalJSON() ([]byte, error) {
	return f.MarshalCanonical()
}

// UnmarshalJSON decodes the canonical fact encoding.
func (f *Fact) UnmarshalJSON(data []byte) error {
	var w factWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode fact: %w", err)
	}
	if w.ID == "" {
		return fmt.Errorf("decode fact: missing id")
	}
	v, err := UnmarshalValue(w.Value)
	if err != nil {
		return fmt.Errorf("decode fact %s: %w", w.ID, err)
	}
	*f = Fact{
		ID:        w.ID,
		Entity:    w.Entity,
		Attribute: w.Attribute,
		Value:     v,
		Position:  w.Position,
		Retracted: w.Retracted,
	}
	return nil
}
