package fhirpath

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// The resolver normalizes a declarative path expression into a concrete
// document path through an ordered pipeline of rewrite steps. Each step is a
// named function so its behavior can be unit-tested on its own.
//
// Known limitations, kept deliberately:
//   - only the first branch of a union expression is used; the shapes are
//     assumed structurally similar enough across record types for search
//   - a leading segment starting with an uppercase letter is treated as a
//     resource type name, which misfires on lowercase-initial custom types

type rewriteStep struct {
	name  string
	apply func(string) string
}

var rewriteSteps = []rewriteStep{
	{"trim", strings.TrimSpace},
	{"strip-outer-parens", stripOuterParens},
	{"first-union-branch", firstUnionBranch},
	{"rewrite-type-casts", rewriteTypeCasts},
	{"remove-where-clauses", removeWhereClauses},
	{"remove-noop-calls", removeNoOpCalls},
	{"strip-resource-prefix", stripResourcePrefix},
	{"trim-dots", trimDots},
}

// Normalize runs the rewrite pipeline over a declarative expression and
// returns the remaining dotted path, which may be empty.
func Normalize(expr string) string {
	for _, s := range rewriteSteps {
		expr = s.apply(expr)
	}
	return expr
}

// Resolve turns a declarative path expression into a document path. When the
// expression is empty the hardcoded fallback table is consulted, and as a
// last resort the raw parameter name itself is used as the path. Returns nil
// when the expression normalizes to nothing.
func Resolve(expression, fallbackName string) Path {
	if strings.TrimSpace(expression) != "" {
		normalized := Normalize(expression)
		if normalized == "" {
			log.Debug().
				Str("expression", expression).
				Msg("Path expression normalized to nothing")
			return nil
		}
		p := Parse(normalized)
		p = expandArrayFields(p)
		p = appendReferenceSegment(p)
		return p
	}

	if mapped, ok := fallbackPaths[fallbackName]; ok {
		return Parse(mapped)
	}
	if fallbackName == "" {
		return nil
	}
	// Best effort: use the parameter name itself as a field name.
	return Path{Field(fallbackName)}
}

// stripOuterParens removes one layer of parentheses enclosing the whole
// expression. Inner groups are left alone.
func stripOuterParens(expr string) string {
	if len(expr) < 2 || expr[0] != '(' || expr[len(expr)-1] != ')' {
		return expr
	}
	depth := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				// The opening paren closes before the end, so the
				// parentheses do not enclose the whole expression.
				return expr
			}
		}
	}
	return strings.TrimSpace(expr[1 : len(expr)-1])
}

// firstUnionBranch keeps only the first alternative of a union expression.
// The split happens at the first '|' outside any parentheses.
func firstUnionBranch(expr string) string {
	depth := 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '|':
			if depth == 0 {
				return strings.TrimSpace(expr[:i])
			}
		}
	}
	return expr
}

var (
	asCastPattern   = regexp.MustCompile(`(\w+)\s+as\s+(\w+)`)
	ofTypePattern   = regexp.MustCompile(`(\w+)\.ofType\((\w+)\)`)
	isGuardPattern  = regexp.MustCompile(`\s+is\s+[A-Za-z]\w*`)
	noOpCallPattern = regexp.MustCompile(`\.(resolve|exists|first|last|tail|skip|take|single|empty|count|distinct|allTrue|anyTrue|allFalse|anyFalse)\([^()]*\)`)
)

// rewriteTypeCasts folds polymorphic element casts into the conventional
// concrete field names: "value as Quantity" and "value.ofType(Quantity)"
// both become "valueQuantity".
func rewriteTypeCasts(expr string) string {
	expr = asCastPattern.ReplaceAllStringFunc(expr, func(m string) string {
		sub := asCastPattern.FindStringSubmatch(m)
		return sub[1] + capitalize(sub[2])
	})
	expr = ofTypePattern.ReplaceAllStringFunc(expr, func(m string) string {
		sub := ofTypePattern.FindStringSubmatch(m)
		return sub[1] + capitalize(sub[2])
	})
	return expr
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// removeWhereClauses strips ".where(...)" filter clauses, using a balanced
// parenthesis scan so clauses containing nested parentheses (for example
// ".where(resolve() is Patient)") are removed whole instead of being
// truncated at the first closing parenthesis.
func removeWhereClauses(expr string) string {
	for {
		start := strings.Index(expr, ".where(")
		if start < 0 {
			return expr
		}
		open := start + len(".where(") - 1
		depth := 0
		end := -1
		for i := open; i < len(expr); i++ {
			switch expr[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			// Unbalanced clause: drop everything from the where onwards.
			return expr[:start]
		}
		expr = expr[:start] + expr[end+1:]
	}
}

// removeNoOpCalls strips ".resolve()" calls, "is <Type>" type guards, and
// function calls that do not change where the indexed value lives.
func removeNoOpCalls(expr string) string {
	expr = noOpCallPattern.ReplaceAllString(expr, "")
	expr = isGuardPattern.ReplaceAllString(expr, "")
	return expr
}

// stripResourcePrefix drops a leading resource type segment. A segment is
// taken to be a type name, not a field name, when it starts with an
// uppercase letter.
func stripResourcePrefix(expr string) string {
	head, rest, found := strings.Cut(expr, ".")
	if !found || head == "" {
		return expr
	}
	if unicode.IsUpper([]rune(head)[0]) {
		return rest
	}
	return expr
}

func trimDots(expr string) string {
	return strings.Trim(strings.TrimSpace(expr), ".")
}

// arrayFieldPaths expands fields that are arrays in the stored payload to a
// concrete first-element sub-path. Positions past index 0 are not searched.
var arrayFieldPaths = map[string]string{
	"name":       "name[0].text",
	"identifier": "identifier[0].value",
	"address":    "address[0]",
	"telecom":    "telecom[0].value",
}

func expandArrayFields(p Path) Path {
	if len(p) == 0 {
		return p
	}
	// Whole-path expansion: the expression pointed at the bare array field.
	if len(p) == 1 && p[0].Index < 0 {
		if mapped, ok := arrayFieldPaths[p[0].Name]; ok {
			return Parse(mapped)
		}
	}
	// A known array field with trailing segments gets its first element,
	// e.g. "name.family" becomes "name[0].family".
	if len(p) > 1 && p[0].Index < 0 {
		if _, ok := arrayFieldPaths[p[0].Name]; ok {
			out := make(Path, len(p))
			copy(out, p)
			out[0].Index = 0
			return out
		}
	}
	return p
}

// referenceFields are element names that hold resource references; the
// searchable value lives in their "reference" sub-field.
var referenceFields = map[string]struct{}{
	"patient":              {},
	"subject":              {},
	"encounter":            {},
	"performer":            {},
	"requester":            {},
	"participant":          {},
	"actor":                {},
	"beneficiary":          {},
	"candidate":            {},
	"link":                 {},
	"target":               {},
	"location":             {},
	"organization":         {},
	"practitioner":         {},
	"recorder":             {},
	"asserter":             {},
	"managingOrganization": {},
}

func appendReferenceSegment(p Path) Path {
	if len(p) == 0 {
		return p
	}
	if _, ok := referenceFields[p.Last()]; ok {
		return p.Child("reference")
	}
	return p
}

// HasFallback reports whether a parameter name has a hardcoded path mapping.
func HasFallback(name string) bool {
	_, ok := fallbackPaths[name]
	return ok
}

// fallbackPaths maps common parameter names to document paths for resource
// types that ship no declarative expression.
var fallbackPaths = map[string]string{
	"identifier":          "identifier[0].value",
	"name":                "name[0].text",
	"family":              "name[0].family",
	"given":               "name[0].given[0]",
	"gender":              "gender",
	"birthdate":           "birthDate",
	"address":             "address[0]",
	"address-city":        "address[0].city",
	"address-state":       "address[0].state",
	"address-postalcode":  "address[0].postalCode",
	"address-country":     "address[0].country",
	"telecom":             "telecom[0].value",
	"active":              "active",
	"status":              "status",
	"code":                "code",
	"subject":             "subject.reference",
	"patient":             "subject.reference",
	"encounter":           "encounter.reference",
	"date":                "effectiveDateTime",
	"category":            "category",
	"type":                "type",
	"performer":           "performer[0].reference",
	"organization":        "organization.reference",
	"location":            "location.reference",
	"practitioner":        "practitioner.reference",
	"value-quantity":      "valueQuantity",
	"value-concept":       "valueCodeableConcept",
	"clinical-status":     "clinicalStatus",
	"verification-status": "verificationStatus",
	"severity":            "severity",
	"onset-date":          "onsetDateTime",
	"abatement-date":      "abatementDateTime",
}
