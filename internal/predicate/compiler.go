package predicate

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/healthgrid-eu/healthgrid/internal/catalog"
	"github.com/healthgrid-eu/healthgrid/internal/fhirpath"
	"github.com/healthgrid-eu/healthgrid/internal/observability"
	"github.com/healthgrid-eu/healthgrid/internal/searchvalue"
)

// Parameter is one raw query parameter. Name may carry a modifier suffix
// such as "name:contains" or a reference type hint such as "subject:Patient".
type Parameter struct {
	Name  string
	Value string
}

// Compiler translates search parameters into a filter expression. It is
// stateless apart from the injected read-only catalog and safe for
// concurrent use.
type Compiler struct {
	catalog *catalog.Catalog
}

// NewCompiler returns a compiler backed by the given parameter catalog.
func NewCompiler(cat *catalog.Catalog) *Compiler {
	return &Compiler{catalog: cat}
}

// controlParameters shape the result set instead of filtering it; the
// assembler skips them silently.
var controlParameters = map[string]struct{}{
	"_count":         {},
	"_offset":        {},
	"_sort":          {},
	"_include":       {},
	"_revinclude":    {},
	"_summary":       {},
	"_elements":      {},
	"_contained":     {},
	"_containedType": {},
	"_total":         {},
	"_format":        {},
}

// IsControlParameter reports whether a parameter shapes results rather than
// filtering them.
func IsControlParameter(name string) bool {
	base, _ := SplitModifier(name)
	_, ok := controlParameters[base]
	return ok
}

// SplitModifier separates a parameter name from its modifier suffix, e.g.
// "name:contains" yields ("name", "contains").
func SplitModifier(name string) (string, string) {
	base, modifier, _ := strings.Cut(name, ":")
	return base, modifier
}

// Compile folds the mandatory system predicates with one predicate per
// usable query parameter into a single AND expression.
//
// Compilation is fail-open at single-parameter granularity: a parameter that
// cannot be resolved or parsed is logged and skipped, never an error. Each
// occurrence of a repeated parameter contributes its own AND'd predicate.
func (c *Compiler) Compile(resourceType, tenantID string, params []Parameter) Expression {
	exprs := []Expression{
		ColumnCondition{Column: ColumnTenantID, Operator: OpEqual, Value: tenantID},
		ColumnCondition{Column: ColumnResourceType, Operator: OpEqual, Value: resourceType},
		ColumnCondition{Column: ColumnIsCurrent, Operator: OpEqual, Value: true},
		ColumnCondition{Column: ColumnIsDeleted, Operator: OpEqual, Value: false},
	}

	for _, p := range params {
		name, modifier := SplitModifier(p.Name)
		if _, ok := controlParameters[name]; ok {
			continue
		}
		if strings.TrimSpace(p.Value) == "" {
			continue
		}
		expr := c.buildParameter(resourceType, name, modifier, p.Value, 0)
		if expr == nil {
			continue
		}
		observability.SearchParameterCompiled()
		exprs = append(exprs, expr)
	}

	return And{Children: exprs}
}

// maxCompositeDepth bounds composite recursion so a miswired catalog cannot
// loop the dispatcher.
const maxCompositeDepth = 2

// buildParameter dispatches one parameter to the builder for its logical
// type. Returns nil when the parameter contributes no predicate.
func (c *Compiler) buildParameter(resourceType, name, modifier, value string, depth int) Expression {
	switch name {
	case "_id":
		return buildID(value)
	case "_lastUpdated":
		return buildLastUpdated(value)
	}

	var (
		ptype      catalog.Type
		expression string
	)
	def, ok := c.catalog.Lookup(resourceType, name)
	if ok {
		ptype = def.Type
		expression = def.Expression
	} else {
		// A parameter the catalog does not know is only usable when the
		// fallback path table covers it; anything else contributes no
		// predicate rather than guessing at a payload location.
		if !fhirpath.HasFallback(name) {
			observability.SearchParameterDropped(observability.DropReasonUnresolvedPath)
			log.Debug().
				Str("resource_type", resourceType).
				Str("parameter", name).
				Msg("Unknown parameter with no fallback path, dropping")
			return nil
		}
		ptype = heuristicType(name)
		log.Debug().
			Str("resource_type", resourceType).
			Str("parameter", name).
			Str("assumed_type", string(ptype)).
			Msg("Parameter not in catalog, using name heuristics")
	}

	switch ptype {
	case catalog.TypeToken:
		return buildToken(resourceType, name, expression, modifier, value)
	case catalog.TypeQuantity:
		return buildQuantity(resourceType, name, expression, modifier, value)
	case catalog.TypeReference:
		return buildReference(resourceType, name, expression, modifier, value)
	case catalog.TypeComposite:
		if depth >= maxCompositeDepth {
			log.Debug().
				Str("parameter", name).
				Msg("Composite nesting too deep, dropping parameter")
			return nil
		}
		return c.buildComposite(resourceType, def, value, depth)
	case catalog.TypeDate:
		return buildDate(resourceType, name, expression, modifier, value)
	case catalog.TypeNumber:
		return buildNumber(resourceType, name, expression, modifier, value)
	case catalog.TypeURI:
		return buildURI(resourceType, name, expression, modifier, value)
	default:
		return buildString(resourceType, name, expression, modifier, value)
	}
}

// heuristicType guesses the logical type of a parameter the catalog does not
// know. Ends up at string when nothing matches.
func heuristicType(name string) catalog.Type {
	switch name {
	case "date", "birthdate", "death-date", "onset-date", "abatement-date",
		"recorded-date", "issued", "authored", "created", "period":
		return catalog.TypeDate
	case "probability", "factor", "sequence", "priority":
		return catalog.TypeNumber
	}
	return catalog.TypeString
}

// buildID matches the record id metadata column, accepting a comma-separated
// id list.
func buildID(value string) Expression {
	var ids []string
	for _, id := range strings.Split(value, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	switch len(ids) {
	case 0:
		return nil
	case 1:
		return ColumnCondition{Column: ColumnResourceID, Operator: OpEqual, Value: ids[0]}
	default:
		return ColumnCondition{Column: ColumnResourceID, Operator: OpIn, Value: ids}
	}
}

// lastUpdatedFormats is the fallback chain for _lastUpdated values, from
// full instant down to bare year. Layouts without a zone are read as UTC.
var lastUpdatedFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseInstant(raw string) (time.Time, bool) {
	for _, layout := range lastUpdatedFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// buildLastUpdated compares against the record's metadata timestamp column
// with genuine temporal parsing, unlike payload dates which compare as text.
func buildLastUpdated(value string) Expression {
	prefix, raw := searchvalue.SplitPrefix(value)
	t, ok := parseInstant(raw)
	if !ok {
		observability.SearchParameterDropped(observability.DropReasonValueParse)
		log.Debug().
			Str("parameter", "_lastUpdated").
			Str("value", raw).
			Msg("Unparseable timestamp, dropping parameter")
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
	default:
		// eq; ap has no meaningful band for instants and collapses to eq.
		op = OpEqual
	}
	return ColumnCondition{Column: ColumnLastUpdated, Operator: op, Value: t}
}
