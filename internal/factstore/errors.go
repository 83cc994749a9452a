package factstore

import (
	"errors"
	"fmt"
)

// CardinalityError reports a transaction that would leave two live facts
// on a single-valued (entity, attribute) key.
type CardinalityError struct {
	Entity    string
	Attribute string
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("cardinality violation: two live values for (%s, %s)", e.Entity, e.Attribute)
}

// PermissionError reports a write outside the caller's writable sets.
type PermissionError struct {
	Identity string
	Entity   string
	Set      string
}

func (e *PermissionError) Error() string {
	if e.Set == "" {
		return fmt.Sprintf("permission denied: %s may not write entity %s (unknown set)", e.Identity, e.Entity)
	}
	return fmt.Sprintf("permission denied: %s may not write entity %s in set %s", e.Identity, e.Entity, e.Set)
}

// IsCardinality reports whether err is (or wraps) a cardinality violation.
func IsCardinality(err error) bool {
	var ce *CardinalityError
	return errors.As(err, &ce)
}

// IsPermission reports whether err is (or wraps) a permission rejection.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
