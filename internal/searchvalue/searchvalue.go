// Package searchvalue parses raw search parameter values into typed
// structures. All functions are pure; parse failures are reported through the
// returned value, never as panics, so callers can stay fail-open.
package searchvalue

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Prefix is a two-letter comparison prefix on a date, number, or quantity
// value.
type Prefix string

const (
	PrefixEqual          Prefix = "eq"
	PrefixNotEqual       Prefix = "ne"
	PrefixLessThan       Prefix = "lt"
	PrefixGreaterThan    Prefix = "gt"
	PrefixLessOrEqual    Prefix = "le"
	PrefixGreaterOrEqual Prefix = "ge"
	PrefixStartsAfter    Prefix = "sa"
	PrefixEndsBefore     Prefix = "eb"
	PrefixApproximately  Prefix = "ap"
)

var prefixPattern = regexp.MustCompile(`^(eq|ne|lt|gt|le|ge|sa|eb|ap)`)

// SplitPrefix extracts the comparison prefix from a raw value. Values
// without a prefix default to eq.
func SplitPrefix(raw string) (Prefix, string) {
	if m := prefixPattern.FindString(raw); m != "" {
		return Prefix(m), raw[len(m):]
	}
	return PrefixEqual, raw
}

// Token is a coded value optionally paired with a coding system URI.
// Exactly one of {System and Code both set, CodeOnly, SystemOnly, empty
// input} holds.
type Token struct {
	System *string
	Code   *string

	// CodeOnly is set when no system was supplied, or when the query used
	// the explicit system-empty "|code" form.
	CodeOnly bool
	// SystemOnly is set for the trailing-pipe "system|" form.
	SystemOnly bool
}

// HasSystem reports whether a non-empty system was supplied.
func (t Token) HasSystem() bool {
	return t.System != nil && *t.System != ""
}

// CodeValue returns the code, or "" when absent.
func (t Token) CodeValue() string {
	if t.Code == nil {
		return ""
	}
	return *t.Code
}

// pipeSentinel temporarily replaces escaped pipes so the split below cannot
// recurse into them.
const pipeSentinel = "\x00"

// ParseToken splits a raw token value on the first unescaped "|". A "\|"
// sequence is a literal pipe inside a component.
func ParseToken(raw string) Token {
	escaped := strings.ReplaceAll(raw, `\|`, pipeSentinel)

	unescape := func(s string) *string {
		v := strings.ReplaceAll(s, pipeSentinel, "|")
		return &v
	}

	system, code, found := strings.Cut(escaped, "|")
	if !found {
		if escaped == "" {
			return Token{}
		}
		return Token{Code: unescape(escaped), CodeOnly: true}
	}
	switch {
	case code == "" && system != "":
		return Token{System: unescape(system), SystemOnly: true}
	case system == "" && code != "":
		// Explicit empty system: the value must be a bare code with no
		// system in the stored payload.
		empty := ""
		return Token{System: &empty, Code: unescape(code), CodeOnly: true}
	case system == "" && code == "":
		return Token{}
	default:
		return Token{System: unescape(system), Code: unescape(code)}
	}
}

// Quantity is a numeric value with optional unit system and code and a
// comparison prefix.
type Quantity struct {
	Prefix Prefix
	Value  *float64
	System string
	Code   string
}

// ParseQuantity parses values like "le5.4|http://unitsofmeasure.org|mg".
// A non-numeric value part is logged and left nil rather than rejected.
func ParseQuantity(raw string) Quantity {
	prefix, rest := SplitPrefix(raw)
	q := Quantity{Prefix: prefix}

	parts := strings.SplitN(rest, "|", 3)
	if v := strings.TrimSpace(parts[0]); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Debug().
				Str("value", v).
				Msg("Quantity value is not numeric, ignoring")
		} else {
			q.Value = &f
		}
	}
	if len(parts) > 1 {
		q.System = parts[1]
	}
	if len(parts) > 2 {
		q.Code = parts[2]
	}
	return q
}

// Reference identifies a target record by type and id, or as an opaque
// absolute URL when the type/id shape cannot be recovered.
type Reference struct {
	Type        string
	ID          string
	AbsoluteURL string
}

// ParseReference parses "Type/id", bare-id, and absolute-URL reference
// values. typeHint carries a type supplied as a parameter modifier (for
// example "subject:Patient") and applies to the bare-id form only.
func ParseReference(raw, typeHint string) Reference {
	if isAbsoluteURL(raw) {
		segments := strings.Split(strings.TrimRight(raw, "/"), "/")
		if len(segments) >= 2 {
			typeSeg := segments[len(segments)-2]
			id := segments[len(segments)-1]
			// An uppercase-initial second-to-last segment looks like a
			// type name. The heuristic misfires on lowercase-initial
			// custom type names.
			if typeSeg != "" && id != "" && isUpperInitial(typeSeg) {
				return Reference{Type: typeSeg, ID: id}
			}
		}
		return Reference{AbsoluteURL: raw}
	}

	if typ, id, found := strings.Cut(raw, "/"); found && typ != "" && id != "" {
		return Reference{Type: typ, ID: id}
	}
	return Reference{Type: typeHint, ID: raw}
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "urn:")
}

func isUpperInitial(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}
