// Package fracindex generates order keys for ordered references: strings
// whose lexicographic order is their list order, with room between any two
// neighbors so inserts and moves never renumber siblings.
//
// A key is a variable-length integer part followed by an optional
// fractional part, both in base 62. The integer part's leading character
// encodes its sign and digit count ('a'..'z' positive, 'A'..'Z' negative),
// so longer positive integers still sort after shorter ones. When two
// inputs are adjacent at the current precision, the fractional part grows
// by one mid-range digit.
//
// Allocation is deterministic and uncoordinated: two clients asked for a
// key between the same neighbors may produce the same string. That is an
// accepted conflict, resolved downstream by the fact ID tie-break.
package fracindex

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// smallestInteger is the minimum representable integer part. No key may
// sort at or below it, so there is always room before the first sibling.
const smallestInteger = "A00000000000000000000000000"

// ErrInvalidRange reports bounds where before >= after.
var ErrInvalidRange = errors.New("invalid range")

// KeyBetween returns a key strictly between before and after. A nil bound
// is open: KeyBetween(nil, nil) yields the first key "a0", a nil before
// means "ahead of after", a nil after means "past before".
func KeyBetween(before, after *string) (string, error) {
	if before != nil {
		if err := validateKey(*before); err != nil {
			return "", err
		}
	}
	if after != nil {
		if err := validateKey(*after); err != nil {
			return "", err
		}
	}
	if before != nil && after != nil && *before >= *after {
		return "", fmt.Errorf("%w: %q >= %q", ErrInvalidRange, *before, *after)
	}

	if before == nil {
		if after == nil {
			return "a0", nil
		}
		ib, err := integerPart(*after)
		if err != nil {
			return "", err
		}
		fb := (*after)[len(ib):]
		if ib == smallestInteger {
			return ib + midpoint("", fb), nil
		}
		if ib < *after {
			return ib, nil
		}
		dec, ok := decrementInteger(ib)
		if !ok {
			return "", fmt.Errorf("key space exhausted below %q", *after)
		}
		return dec, nil
	}

	ia, err := integerPart(*before)
	if err != nil {
		return "", err
	}
	fa := (*before)[len(ia):]

	if after == nil {
		inc, ok := incrementInteger(ia)
		if !ok {
			return ia + midpoint(fa, ""), nil
		}
		return inc, nil
	}

	ib, err := integerPart(*after)
	if err != nil {
		return "", err
	}
	fb := (*after)[len(ib):]

	if ia == ib {
		return ia + midpoint(fa, fb), nil
	}
	inc, ok := incrementInteger(ia)
	if !ok {
		return ia + midpoint(fa, ""), nil
	}
	if inc < *after {
		return inc, nil
	}
	return ia + midpoint(fa, ""), nil
}

// midpoint returns a fractional-digit string strictly between a and b,
// where "" is zero for a and the open upper bound for b.
// Precondition: a < b when b is non-empty.
func midpoint(a, b string) string {
	if b != "" {
		// Strip the shared prefix; the answer keeps it verbatim.
		n := 0
		for n < len(a) && n < len(b) && a[n] == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(a[n:], b[n:])
		}
	}

	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if b != "" {
		digitB = strings.IndexByte(digits, b[0])
	}

	if digitB-digitA > 1 {
		return string(digits[(digitA+digitB)/2])
	}

	// Adjacent leading digits: keep b's digit and recurse, or extend a.
	if len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(digits[digitA]) + midpoint(rest, "")
}

// integerLength decodes the digit count encoded in an integer head char.
func integerLength(head byte) (int, error) {
	switch {
	case head >= 'a' && head <= 'z':
		return int(head-'a') + 2, nil
	case head >= 'A' && head <= 'Z':
		return int('Z'-head) + 2, nil
	default:
		return 0, fmt.Errorf("invalid order key head %q", string(head))
	}
}

// integerPart splits off the integer part of a key.
func integerPart(key string) (string, error) {
	n, err := integerLength(key[0])
	if err != nil {
		return "", err
	}
	if n > len(key) {
		return "", fmt.Errorf("invalid order key %q: truncated integer part", key)
	}
	return key[:n], nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty order key")
	}
	if key == smallestInteger {
		return fmt.Errorf("invalid order key %q: below all keys", key)
	}
	i, err := integerPart(key)
	if err != nil {
		return err
	}
	frac := key[len(i):]
	if strings.HasSuffix(frac, "0") {
		return fmt.Errorf("invalid order key %q: fractional part ends in 0", key)
	}
	for j := 1; j < len(key); j++ {
		if strings.IndexByte(digits, key[j]) < 0 {
			return fmt.Errorf("invalid order key %q: bad digit %q", key, string(key[j]))
		}
	}
	return nil
}

// incrementInteger returns the next integer part, or ok=false when the
// maximum ("z" with all-max digits) is reached.
func incrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	carry := true
	for i := len(digs) - 1; carry && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) + 1
		if d == len(digits) {
			digs[i] = '0'
		} else {
			digs[i] = digits[d]
			carry = false
		}
	}
	if !carry {
		return string(head) + string(digs), true
	}
	switch {
	case head == 'Z':
		return "a0", true
	case head == 'z':
		return "", false
	}
	h := head + 1
	if h > 'a' {
		digs = append(digs, '0') // positive grows a digit
	} else {
		digs = digs[:len(digs)-1] // negative shrinks a digit
	}
	return string(h) + string(digs), true
}

// decrementInteger returns the previous integer part, or ok=false when
// the minimum is reached.
func decrementInteger(x string) (string, bool) {
	head := x[0]
	digs := []byte(x[1:])
	carry := true
	for i := len(digs) - 1; carry && i >= 0; i-- {
		d := strings.IndexByte(digits, digs[i]) - 1
		if d < 0 {
			digs[i] = digits[len(digits)-1]
		} else {
			digs[i] = digits[d]
			carry = false
		}
	}
	if !carry {
		return string(head) + string(digs), true
	}
	switch {
	case head == 'a':
		return "Z" + string(digits[len(digits)-1]), true
	case head == 'A':
		return "", false
	}
	h := head - 1
	if h < 'Z' {
		digs = append(digs, digits[len(digits)-1]) // negative grows a digit
	} else {
		digs = digs[:len(digs)-1] // positive shrinks a digit
	}
	return string(h) + string(digs), true
}
