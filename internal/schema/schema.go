package schema

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/leafsync/internal/fact"
)

// Cardinality declares how many live facts may coexist per
// (entity, attribute) key.
type Cardinality string

const (
	// One: at most a single non-retracted fact per key. Asserting a new
	// value retracts the prior one in the same transaction.
	One Cardinality = "one"
	// Many: multiple non-retracted facts per key, each with a distinct
	// order position. Only ordered-reference attributes are Many.
	Many Cardinality = "many"
)

// Attribute declares the shape of facts written under one attribute name.
type Attribute struct {
	Name        string
	Kind        fact.Kind
	Cardinality Cardinality
	// UnionCases is the closed set of legal cases for union attributes.
	UnionCases []string
}

// ViolationError reports a fact that does not conform to the registry.
type ViolationError struct {
	Attribute string
	Reason    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation on %q: %s", e.Attribute, e.Reason)
}

// IsViolation reports whether err is (or wraps) a schema violation.
func IsViolation(err error) bool {
	var ve *ViolationError
	return errors.As(err, &ve)
}

// AttrEntitySet records which entity set an entity belongs to. Membership
// is an ordinary fact so it replicates and replays with the document.
// Every registry declares it implicitly.
const AttrEntitySet = "entity/set"

// Registry is an immutable attribute declaration set.
type Registry struct {
	attrs map[string]Attribute
}

// NewRegistry builds a registry, rejecting inconsistent declarations:
// duplicate names, Many cardinality on non-reference kinds, ordered
// references that are not Many, and unions without cases.
func NewRegistry(attrs []Attribute) (*Registry, error) {
	m := make(map[string]Attribute, len(attrs)+1)
	m[AttrEntitySet] = Attribute{Name: AttrEntitySet, Kind: fact.KindString, Cardinality: One}
	for _, a := range attrs {
		if a.Name == "" {
			return nil, fmt.Errorf("attribute with empty name")
		}
		if _, dup := m[a.Name]; dup {
			return nil, fmt.Errorf("duplicate attribute %q", a.Name)
		}
		switch a.Cardinality {
		case One, Many:
		default:
			return nil, fmt.Errorf("attribute %q: invalid cardinality %q", a.Name, a.Cardinality)
		}
		if a.Kind == fact.KindRef && a.Cardinality != Many {
			return nil, fmt.Errorf("attribute %q: ordered references must be cardinality many", a.Name)
		}
		if a.Kind != fact.KindRef && a.Cardinality == Many {
			return nil, fmt.Errorf("attribute %q: cardinality many requires an ordered-reference kind", a.Name)
		}
		if a.Kind == fact.KindUnion && len(a.UnionCases) == 0 {
			return nil, fmt.Errorf("attribute %q: union without cases", a.Name)
		}
		m[a.Name] = a
	}
	return &Registry{attrs: m}, nil
}

// Lookup returns the declaration for an attribute name.
func (r *Registry) Lookup(name string) (Attribute, bool) {
	a, ok := r.attrs[name]
	return a, ok
}

// Names returns all declared attribute names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.attrs))
	for n := range r.attrs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Validate checks one fact against the registry. Retractions are held to
// the same shape rules as assertions: a tombstone still names a valid
// attribute and carries a payload of the declared kind.
func (r *Registry) Validate(f fact.Fact) error {
	attr, ok := r.attrs[f.Attribute]
	if !ok {
		return &ViolationError{Attribute: f.Attribute, Reason: "unknown attribute"}
	}
	if f.Value == nil {
		return &ViolationError{Attribute: f.Attribute, Reason: "nil value"}
	}
	if got := f.Value.Kind(); got != attr.Kind {
		return &ViolationError{
			Attribute: f.Attribute,
			Reason:    fmt.Sprintf("kind %s does not match declared %s", got, attr.Kind),
		}
	}
	if attr.Kind == fact.KindRef {
		if f.Position == "" && !f.Retracted {
			return &ViolationError{Attribute: f.Attribute, Reason: "ordered reference without position"}
		}
	} else if f.Position != "" {
		return &ViolationError{Attribute: f.Attribute, Reason: "position on non-reference attribute"}
	}
	if attr.Kind == fact.KindUnion {
		u := f.Value.(fact.Union)
		if !slices.Contains(attr.UnionCases, u.Case) {
			return &ViolationError{
				Attribute: f.Attribute,
				Reason:    fmt.Sprintf("union case %q not in declared set", u.Case),
			}
		}
	}
	return nil
}
