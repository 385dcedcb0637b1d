// Package predicate compiles flat search parameters into a composable filter
// expression tree. The tree is storage-agnostic; internal/store lowers it to
// parameterized SQL.
package predicate

import (
	"github.com/healthgrid-eu/healthgrid/internal/fhirpath"
)

// Operator is a comparison applied by a single atomic condition.
type Operator string

const (
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "neq"
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"

	// OpStartsWith and OpContains match case-insensitively.
	OpStartsWith Operator = "startswith"
	OpContains   Operator = "contains"
	// OpEndsWith is a case-sensitive suffix match, used for reference URLs.
	OpEndsWith Operator = "endswith"
	// OpPrefixOf holds when the stored value is a prefix of the query value.
	OpPrefixOf Operator = "prefixof"

	OpIsNull  Operator = "isnull"
	OpNotNull Operator = "notnull"
	OpIn      Operator = "in"

	// OpArrayContains holds when the stored value is an array containing
	// the query value as an element.
	OpArrayContains Operator = "arraycontains"
)

// Metadata columns of a stored record, shared with internal/store.
const (
	ColumnTenantID     = "tenant_id"
	ColumnResourceType = "resource_type"
	ColumnResourceID   = "resource_id"
	ColumnVersionID    = "version_id"
	ColumnIsCurrent    = "is_current"
	ColumnIsDeleted    = "is_deleted"
	ColumnLastUpdated  = "last_updated"
)

// Expression is a node of the filter tree: either an atomic condition or an
// AND/OR/NOT combination of sub-expressions.
type Expression interface {
	isExpression()
}

// Condition is an atomic comparison against a value inside the JSON payload.
type Condition struct {
	Path     fhirpath.Path
	Operator Operator
	Value    any
	// Numeric requests numeric instead of lexicographic comparison of the
	// stored text value.
	Numeric bool
}

// ColumnCondition is an atomic comparison against a relational metadata
// column rather than the payload.
type ColumnCondition struct {
	Column   string
	Operator Operator
	Value    any
}

// And holds when all children hold. An empty And is vacuously true.
type And struct {
	Children []Expression
}

// Or holds when at least one child holds.
type Or struct {
	Children []Expression
}

// Not inverts its child.
type Not struct {
	Child Expression
}

func (Condition) isExpression()       {}
func (ColumnCondition) isExpression() {}
func (And) isExpression()             {}
func (Or) isExpression()              {}
func (Not) isExpression()             {}

// NewAnd combines the non-nil expressions with AND, collapsing the trivial
// cases: zero children yields nil, one child yields the child itself.
func NewAnd(children ...Expression) Expression {
	return combine(children, func(kept []Expression) Expression { return And{Children: kept} })
}

// NewOr combines the non-nil expressions with OR, with the same collapsing
// rules as NewAnd.
func NewOr(children ...Expression) Expression {
	return combine(children, func(kept []Expression) Expression { return Or{Children: kept} })
}

func combine(children []Expression, wrap func([]Expression) Expression) Expression {
	kept := make([]Expression, 0, len(children))
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return wrap(kept)
	}
}
