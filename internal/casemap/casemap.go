// Package casemap implements the nickname and channel name casemappings
// advertised by servers through the CASEMAPPING ISUPPORT token.
package casemap

import (
	"strings"

	"golang.org/x/text/secure/precis"
)

// Mapping folds a name to the form used for comparisons and map keys.
type Mapping func(string) string

// ASCII folds A-Z only.
func ASCII(name string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, name)
}

// RFC1459 folds A-Z plus []\~ to {}|^.
func RFC1459(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'A' <= r && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, name)
}

// StrictRFC1459 is RFC1459 without the ~ to ^ mapping.
func StrictRFC1459(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'A' <= r && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		}
		return r
	}, name)
}

// RFC7613 applies the PRECIS UsernameCaseMapped profile. Names the profile
// rejects fall back to ASCII folding so they still get a stable key.
func RFC7613(name string) string {
	folded, err := precis.UsernameCaseMapped.String(name)
	if err != nil {
		return ASCII(name)
	}
	return folded
}

// ByName returns the mapping for a CASEMAPPING token. Unknown or empty
// tokens get rfc1459, the protocol default.
func ByName(name string) Mapping {
	switch strings.ToLower(name) {
	case "ascii":
		return ASCII
	case "strict-rfc1459", "rfc1459-strict":
		return StrictRFC1459
	case "rfc7613", "precis":
		return RFC7613
	default:
		return RFC1459
	}
}

// Equal reports whether a and b fold to the same key under m.
func (m Mapping) Equal(a, b string) bool {
	return m(a) == m(b)
}
