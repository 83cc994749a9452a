package fact

import (
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// appendCanonicalValue appends the RFC 8785 canonical envelope encoding of v.
// Field order within each envelope follows UTF-16 key ordering, which for the
// keys used here happens to equal ASCII order.
func appendCanonicalValue(dst []byte, v Value) ([]byte, error) {
	switch val := v.(type) {
	case String:
		dst = append(dst, `{"type":"string","value":`...)
		dst = appendCanonicalString(dst, string(val))
		return append(dst, '}'), nil
	case Int:
		dst = append(dst, `{"type":"int","value":`...)
		dst = strconv.AppendInt(dst, int64(val), 10)
		return append(dst, '}'), nil
	case Bool:
		dst = append(dst, `{"type":"boolean","value":`...)
		dst = strconv.AppendBool(dst, bool(val))
		return append(dst, '}'), nil
	case Ref:
		dst = append(dst, `{"type":"ordered-reference","value":`...)
		dst = appendCanonicalString(dst, val.Entity)
		return append(dst, '}'), nil
	case Union:
		dst = append(dst, `{"type":"union","value":`...)
		dst = appendCanonicalString(dst, val.Case)
		return append(dst, '}'), nil
	case Blob:
		dst = append(dst, `{"format":`...)
		dst = appendCanonicalString(dst, val.Format)
		dst = append(dst, `,"type":"blob","value":`...)
		dst = appendCanonicalString(dst, val.Data)
		return append(dst, '}'), nil
	case Image:
		dst = append(dst, `{"height":`...)
		dst = strconv.AppendInt(dst, val.Height, 10)
		dst = append(dst, `,"src":`...)
		dst = appendCanonicalString(dst, val.Src)
		dst = append(dst, `,"type":"image","width":`...)
		dst = strconv.AppendInt(dst, val.Width, 10)
		return append(dst, '}'), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

const hexDigits = "0123456789abcdef"

// appendCanonicalString appends a canonical JSON string literal.
// RFC 8785: NFC normalized, no HTML escaping, only quote, backslash and
// control characters below U+0020 are escaped.
func appendCanonicalString(dst []byte, s string) []byte {
	s = norm.NFC.String(s)
	dst = append(dst, '"')
	for _, b := range []byte(s) {
		switch {
		case b == '"':
			dst = append(dst, '\\', '"')
		case b == '\\':
			dst = append(dst, '\\', '\\')
		case b == '\b':
			dst = append(dst, '\\', 'b')
		case b == '\t':
			dst = append(dst, '\\', 't')
		case b == '\n':
			dst = append(dst, '\\', 'n')
		case b == '\f':
			dst = append(dst, '\\', 'f')
		case b == '\r':
			dst = append(dst, '\\', 'r')
		case b < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[b>>4], hexDigits[b&0xf])
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, '"')
}

// sortedKeysUTF16 returns keys in RFC 8785 canonical order (UTF-16 code
// units). Go's native string ordering compares UTF-8 bytes, which diverges
// for characters outside the BMP - so the comparison goes through utf16.
func sortedKeysUTF16[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// compareUTF16 compares strings by UTF-16 code units per RFC 8785.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
