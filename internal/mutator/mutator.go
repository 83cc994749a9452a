// Package mutator dispatches named mutations against a fact store
// transaction. A mutator is a deterministic function of (store snapshot,
// args): it may read the transaction view, but every identifier it writes
// arrives in the arguments, so the speculative run on the client and the
// authoritative run on the server emit identical facts whenever their
// snapshots agree.
package mutator

import (
	"errors"
	"fmt"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
)

// Mutator is a named transformation from arguments to fact writes.
type Mutator struct {
	Name  string
	Apply func(tx *factstore.Tx, args fact.Object) error
}

// UnknownMutatorError reports a dispatch for an unregistered name.
type UnknownMutatorError struct {
	Name string
}

func (e *UnknownMutatorError) Error() string {
	return fmt.Sprintf("unknown mutator %q", e.Name)
}

// InvalidArgsError reports arguments that do not match a mutator's
// parameter shape.
type InvalidArgsError struct {
	Mutator string
	Reason  string
}

func (e *InvalidArgsError) Error() string {
	return fmt.Sprintf("invalid args for mutator %q: %s", e.Mutator, e.Reason)
}

// IsUnknownMutator reports whether err is (or wraps) an unknown-mutator error.
func IsUnknownMutator(err error) bool {
	var ue *UnknownMutatorError
	return errors.As(err, &ue)
}

// IsInvalidArgs reports whether err is (or wraps) an argument shape error.
func IsInvalidArgs(err error) bool {
	var ie *InvalidArgsError
	return errors.As(err, &ie)
}

func invalidArgs(name string, err error) error {
	return &InvalidArgsError{Mutator: name, Reason: err.Error()}
}

// Registry holds the mutators a document scope accepts.
type Registry struct {
	m map[string]Mutator
}

// NewRegistry builds a registry from the given mutators.
func NewRegistry(ms ...Mutator) (*Registry, error) {
	r := &Registry{m: make(map[string]Mutator, len(ms))}
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a mutator. Names are unique.
func (r *Registry) Register(m Mutator) error {
	if m.Name == "" || m.Apply == nil {
		return fmt.Errorf("register mutator: name and apply are required")
	}
	if _, dup := r.m[m.Name]; dup {
		return fmt.Errorf("register mutator: duplicate name %q", m.Name)
	}
	r.m[m.Name] = m
	return nil
}

// Names returns the registered mutator names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	return out
}

// Dispatch runs the named mutator against the transaction. The caller
// commits or abandons the transaction; Dispatch stages writes only.
func (r *Registry) Dispatch(name string, tx *factstore.Tx, args fact.Object) error {
	m, ok := r.m[name]
	if !ok {
		return &UnknownMutatorError{Name: name}
	}
	return m.Apply(tx, args)
}
