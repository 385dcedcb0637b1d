package predicate

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/healthgrid-eu/healthgrid/internal/catalog"
	"github.com/healthgrid-eu/healthgrid/internal/fhirpath"
	"github.com/healthgrid-eu/healthgrid/internal/observability"
	"github.com/healthgrid-eu/healthgrid/internal/searchvalue"
)

// resolvePath resolves the parameter's document path and logs the drop when
// nothing can be resolved.
func resolvePath(resourceType, name, expression string) fhirpath.Path {
	path := fhirpath.Resolve(expression, name)
	if path == nil {
		observability.SearchParameterDropped(observability.DropReasonUnresolvedPath)
		log.Debug().
			Str("resource_type", resourceType).
			Str("parameter", name).
			Str("expression", expression).
			Msg("No document path for parameter, dropping")
	}
	return path
}

// missingCondition handles the ":missing" modifier shared by all types:
// "true" selects records where the element is absent, anything else selects
// records where it is present.
func missingCondition(path fhirpath.Path, value string) Expression {
	if strings.EqualFold(strings.TrimSpace(value), "true") {
		return Condition{Path: path, Operator: OpIsNull}
	}
	return Condition{Path: path, Operator: OpNotNull}
}

// buildToken builds the predicate for a token parameter.
//
// The same logical field may be stored as a bare primitive code in one
// record type and as a structured codeable concept in another, and the
// stored shape is unknown at compile time. The builder therefore always
// tries every shape hypothesis and ORs their conditions; adding a new shape
// later is a local, additive change.
func buildToken(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	if modifier == "missing" {
		return missingCondition(path, value)
	}

	tok := searchvalue.ParseToken(value)
	if tok.Code == nil && tok.System == nil {
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		log.Debug().
			Str("parameter", name).
			Str("value", value).
			Msg("Empty token value, dropping parameter")
		return nil
	}

	if modifier == "text" {
		return tokenTextMatch(path, tok)
	}

	// ":of-type" is not fully implemented and falls through to an ordinary
	// token match, as does any unrecognized modifier.
	expr := NewOr(
		tokenPrimitiveShape(path, tok),
		tokenConceptShape(path, tok),
	)
	if expr == nil {
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		return nil
	}
	if modifier == "not" {
		return Not{Child: expr}
	}
	return expr
}

// tokenPrimitiveShape matches the stored value as a bare code: direct scalar
// equality, first-array-element equality, and array-contains-scalar, OR'd.
// Primitives carry no system, so this shape only applies when the query
// supplied none, or supplied the explicit system-empty "|code" form.
func tokenPrimitiveShape(path fhirpath.Path, tok searchvalue.Token) Expression {
	if !tok.CodeOnly || tok.Code == nil {
		return nil
	}
	code := *tok.Code
	conds := []Expression{
		Condition{Path: path, Operator: OpEqual, Value: code},
	}
	if !path.LastIndexed() {
		conds = append(conds,
			Condition{Path: path.WithLastIndexed(0), Operator: OpEqual, Value: code})
	}
	conds = append(conds,
		Condition{Path: path, Operator: OpArrayContains, Value: code})
	return NewOr(conds...)
}

// tokenConceptShape matches the stored value as a codeable concept through
// its first coding: system and code equality on "coding[0]" sub-paths, tried
// at the direct path and, when the path is not already array-indexed, at an
// array-expanded variant.
func tokenConceptShape(path fhirpath.Path, tok searchvalue.Token) Expression {
	bases := []fhirpath.Path{path}
	if !path.LastIndexed() {
		bases = append(bases, path.WithLastIndexed(0))
	}

	var hypotheses []Expression
	for _, base := range bases {
		coding := base.ChildIndexed("coding", 0)
		var conds []Expression
		if tok.HasSystem() {
			conds = append(conds,
				Condition{Path: coding.Child("system"), Operator: OpEqual, Value: *tok.System})
		}
		if tok.CodeValue() != "" {
			conds = append(conds,
				Condition{Path: coding.Child("code"), Operator: OpEqual, Value: *tok.Code})
		}
		hypotheses = append(hypotheses, NewAnd(conds...))
	}
	return NewOr(hypotheses...)
}

// tokenTextMatch restricts the ":text" modifier to the human-readable
// sub-paths, matching the code portion case-insensitively as a substring.
func tokenTextMatch(path fhirpath.Path, tok searchvalue.Token) Expression {
	text := tok.CodeValue()
	if text == "" {
		return nil
	}
	return NewOr(
		Condition{Path: path.Child("text"), Operator: OpContains, Value: text},
		Condition{Path: path.ChildIndexed("coding", 0).Child("display"), Operator: OpContains, Value: text},
	)
}

// buildQuantity builds the predicate for a quantity parameter: a numeric
// comparison on the value sub-path, AND'd with system and unit constraints
// when supplied. Stored quantities name their unit either "code" or "unit",
// so the unit constraint accepts both.
func buildQuantity(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	if modifier == "missing" {
		return missingCondition(path, value)
	}

	q := searchvalue.ParseQuantity(value)
	var conds []Expression

	if q.Value != nil {
		conds = append(conds, numericComparison(path.Child("value"), q.Prefix, *q.Value))
	}
	if q.System != "" {
		conds = append(conds,
			Condition{Path: path.Child("system"), Operator: OpEqual, Value: q.System})
	}
	if q.Code != "" {
		conds = append(conds, NewOr(
			Condition{Path: path.Child("code"), Operator: OpEqual, Value: q.Code},
			Condition{Path: path.Child("unit"), Operator: OpEqual, Value: q.Code},
		))
	}

	expr := NewAnd(conds...)
	if expr == nil {
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		log.Debug().
			Str("parameter", name).
			Str("value", value).
			Msg("Quantity value yields no constraint, dropping parameter")
	}
	return expr
}

// numericComparison maps a comparison prefix onto a numeric condition.
// "ap" means within an inclusive ±10% band around the value.
func numericComparison(path fhirpath.Path, prefix searchvalue.Prefix, v float64) Expression {
	num := func(op Operator, val float64) Expression {
		return Condition{Path: path, Operator: op, Value: val, Numeric: true}
	}
	switch prefix {
	case searchvalue.PrefixNotEqual:
		return num(OpNotEqual, v)
	case searchvalue.PrefixLessThan, searchvalue.PrefixEndsBefore:
		return num(OpLessThan, v)
	case searchvalue.PrefixGreaterThan, searchvalue.PrefixStartsAfter:
		return num(OpGreaterThan, v)
	case searchvalue.PrefixLessOrEqual:
		return num(OpLessOrEqual, v)
	case searchvalue.PrefixGreaterOrEqual:
		return num(OpGreaterOrEqual, v)
	case searchvalue.PrefixApproximately:
		lo, hi := v*0.9, v*1.1
		if lo > hi {
			lo, hi = hi, lo
		}
		return NewAnd(num(OpGreaterOrEqual, lo), num(OpLessOrEqual, hi))
	default:
		return num(OpEqual, v)
	}
}

// buildReference builds the predicate for a reference parameter. What was
// parsed decides the OR set: a full type/id matches the relative form
// exactly or any absolute URL ending in it; a bare id matches by suffix or
// exact bare value; an opaque URL matches exactly.
func buildReference(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	switch modifier {
	case "missing":
		return missingCondition(path, value)
	case "identifier":
		return referenceIdentifierMatch(path, value)
	}

	// Any other modifier is a target type hint, e.g. "subject:Patient".
	ref := searchvalue.ParseReference(value, modifier)
	switch {
	case ref.Type != "" && ref.ID != "":
		rel := ref.Type + "/" + ref.ID
		return NewOr(
			Condition{Path: path, Operator: OpEqual, Value: rel},
			Condition{Path: path, Operator: OpEndsWith, Value: "/" + rel},
		)
	case ref.ID != "":
		return NewOr(
			Condition{Path: path, Operator: OpEndsWith, Value: "/" + ref.ID},
			Condition{Path: path, Operator: OpEqual, Value: ref.ID},
		)
	case ref.AbsoluteURL != "":
		return Condition{Path: path, Operator: OpEqual, Value: ref.AbsoluteURL}
	default:
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		return nil
	}
}

// referenceIdentifierMatch handles ":identifier" by delegating to the token
// shapes against the reference element's identifier sub-path.
func referenceIdentifierMatch(path fhirpath.Path, value string) Expression {
	base := path
	if base.Last() == "reference" {
		base = base[:len(base)-1]
	}
	idPath := base.Child("identifier")
	tok := searchvalue.ParseToken(value)

	var conds []Expression
	if tok.HasSystem() {
		conds = append(conds,
			Condition{Path: idPath.Child("system"), Operator: OpEqual, Value: *tok.System})
	}
	if tok.CodeValue() != "" {
		conds = append(conds,
			Condition{Path: idPath.Child("value"), Operator: OpEqual, Value: *tok.Code})
	}
	return NewAnd(conds...)
}

// compositeDelimiter separates the component values of a composite
// parameter value.
const compositeDelimiter = "$"

// buildComposite splits the raw value into component values and ANDs the
// predicate of each component parameter. A component count that does not
// match the definition drops the whole parameter.
func (c *Compiler) buildComposite(resourceType string, def catalog.Definition, value string, depth int) Expression {
	parts := strings.Split(value, compositeDelimiter)
	if len(parts) != len(def.Components) {
		observability.SearchParameterDropped(observability.DropReasonCompositeArity)
		log.Debug().
			Str("parameter", def.Name).
			Int("components", len(def.Components)).
			Int("values", len(parts)).
			Msg("Composite value count does not match component count, dropping parameter")
		return nil
	}

	var exprs []Expression
	for i, component := range def.Components {
		expr := c.buildParameter(resourceType, component, "", parts[i], depth+1)
		if expr != nil {
			exprs = append(exprs, expr)
		}
	}
	return NewAnd(exprs...)
}

// buildDate compares the stored value lexicographically rather than with
// date math; stored payload dates are normalized strings, which makes the
// string order the chronological order.
func buildDate(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	if modifier == "missing" {
		return missingCondition(path, value)
	}

	prefix, raw := searchvalue.SplitPrefix(value)
	if raw == "" {
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		return nil
	}

	var op Operator
	switch prefix {
	case searchvalue.PrefixNotEqual:
		op = OpNotEqual
	case searchvalue.PrefixLessThan, searchvalue.PrefixEndsBefore:
		op = OpLessThan
	case searchvalue.PrefixGreaterThan, searchvalue.PrefixStartsAfter:
		op = OpGreaterThan
	case searchvalue.PrefixLessOrEqual:
		op = OpLessOrEqual
	case searchvalue.PrefixGreaterOrEqual:
		op = OpGreaterOrEqual
	case searchvalue.PrefixApproximately:
		// ap degenerates to a prefix match on the stored value.
		op = OpStartsWith
	default:
		op = OpEqual
	}
	return Condition{Path: path, Operator: op, Value: raw}
}

// buildNumber is the date mapping with the stored value coerced to numeric.
// A query value that does not parse as a number drops the parameter.
func buildNumber(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	if modifier == "missing" {
		return missingCondition(path, value)
	}

	prefix, raw := searchvalue.SplitPrefix(value)
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		log.Debug().
			Str("parameter", name).
			Str("value", raw).
			Msg("Number value is not numeric, dropping parameter")
		return nil
	}
	return numericComparison(path, prefix, f)
}

// nameParameters search a person's name, which is spread across several
// sub-fields and array positions.
var nameParameters = map[string]struct{}{
	"name":   {},
	"family": {},
	"given":  {},
}

// namePartPaths are the sub-paths a name search fans out over. Only the
// first two positions of the given/prefix/suffix sub-arrays are checked;
// later positions are deliberately not searched.
var namePartPaths = []string{
	"name[0].text",
	"name[0].family",
	"name[0].given[0]",
	"name[0].given[1]",
	"name[0].prefix[0]",
	"name[0].prefix[1]",
	"name[0].suffix[0]",
	"name[0].suffix[1]",
}

// buildString builds the predicate for a string parameter: equality for
// ":exact", case-insensitive substring for ":contains", case-insensitive
// prefix match otherwise.
func buildString(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	if modifier == "missing" {
		return missingCondition(path, value)
	}

	var op Operator
	switch modifier {
	case "exact":
		op = OpEqual
	case "contains":
		op = OpContains
	default:
		op = OpStartsWith
	}

	if _, ok := nameParameters[name]; ok {
		conds := make([]Expression, 0, len(namePartPaths))
		for _, part := range namePartPaths {
			conds = append(conds,
				Condition{Path: fhirpath.Parse(part), Operator: op, Value: value})
		}
		return NewOr(conds...)
	}
	return Condition{Path: path, Operator: op, Value: value}
}

// buildURI builds the predicate for a uri parameter. ":below" selects
// stored values the query is an ancestor of; ":above" selects stored values
// that are ancestors of the query.
func buildURI(resourceType, name, expression, modifier, value string) Expression {
	path := resolvePath(resourceType, name, expression)
	if path == nil {
		return nil
	}
	switch modifier {
	case "missing":
		return missingCondition(path, value)
	case "below":
		return Condition{Path: path, Operator: OpStartsWith, Value: value}
	case "above":
		return Condition{Path: path, Operator: OpPrefixOf, Value: value}
	default:
		return Condition{Path: path, Operator: OpEqual, Value: value}
	}
}
