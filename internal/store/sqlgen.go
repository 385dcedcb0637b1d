package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/healthgrid-eu/healthgrid/internal/fhirpath"
	"github.com/healthgrid-eu/healthgrid/internal/predicate"
)

// SQL generation for filter expressions. All values are parameterized with
// $n placeholders, never interpolated; the only strings spliced into the SQL
// are quoted column names and JSON path literals built from resolved paths.

const table = `"fhir"."resources"`

var recordColumns = []string{
	"tenant_id", "resource_type", "resource_id", "version_id",
	"is_current", "is_deleted", "last_updated", "content",
}

func quotedColumns() string {
	quoted := make([]string, len(recordColumns))
	for i, c := range recordColumns {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

// jsonPathLiteral renders a document path as a Postgres text-array literal,
// e.g. name[0].family -> '{name,0,family}'.
func jsonPathLiteral(p fhirpath.Path) string {
	var parts []string
	for _, seg := range p {
		parts = append(parts, escapeLiteral(seg.Name))
		if seg.Index >= 0 {
			parts = append(parts, fmt.Sprintf("%d", seg.Index))
		}
	}
	return "'{" + strings.Join(parts, ",") + "}'"
}

// jsonTextRef extracts the value at a path as text.
func jsonTextRef(p fhirpath.Path) string {
	return "content#>>" + jsonPathLiteral(p)
}

// jsonRef extracts the value at a path as jsonb, for containment checks.
func jsonRef(p fhirpath.Path) string {
	return "content#>" + jsonPathLiteral(p)
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// escapeLike escapes LIKE/ILIKE wildcards in a user-supplied value before it
// is embedded in a pattern argument.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// buildExpressionSQL lowers a filter expression to a WHERE fragment plus
// parameter values. argIndex numbers the $n placeholders across the whole
// statement.
func buildExpressionSQL(e predicate.Expression, argIndex *int) (string, []interface{}, error) {
	switch expr := e.(type) {
	case predicate.Condition:
		return buildConditionSQL(expr, argIndex)
	case predicate.ColumnCondition:
		return buildColumnConditionSQL(expr, argIndex)
	case predicate.And:
		return buildGroupSQL(expr.Children, "AND", argIndex)
	case predicate.Or:
		return buildGroupSQL(expr.Children, "OR", argIndex)
	case predicate.Not:
		inner, args, err := buildExpressionSQL(expr.Child, argIndex)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s)", inner), args, nil
	case nil:
		return "TRUE", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported expression type: %T", e)
	}
}

func buildGroupSQL(children []predicate.Expression, op string, argIndex *int) (string, []interface{}, error) {
	if len(children) == 0 {
		return "TRUE", nil, nil
	}
	var parts []string
	var args []interface{}
	for _, child := range children {
		sql, childArgs, err := buildExpressionSQL(child, argIndex)
		if err != nil {
			return "", nil, err
		}
		switch child.(type) {
		case predicate.And, predicate.Or:
			sql = "(" + sql + ")"
		}
		parts = append(parts, sql)
		args = append(args, childArgs...)
	}
	return strings.Join(parts, " "+op+" "), args, nil
}

// buildConditionSQL lowers one atomic payload condition.
func buildConditionSQL(cond predicate.Condition, argIndex *int) (string, []interface{}, error) {
	ref := jsonTextRef(cond.Path)
	if cond.Numeric {
		ref = "(" + ref + ")::numeric"
	}

	next := func() string {
		p := fmt.Sprintf("$%d", *argIndex)
		*argIndex++
		return p
	}

	switch cond.Operator {
	case predicate.OpEqual:
		return fmt.Sprintf("%s = %s", ref, next()), []interface{}{cond.Value}, nil
	case predicate.OpNotEqual:
		return fmt.Sprintf("%s != %s", ref, next()), []interface{}{cond.Value}, nil
	case predicate.OpGreaterThan:
		return fmt.Sprintf("%s > %s", ref, next()), []interface{}{cond.Value}, nil
	case predicate.OpGreaterOrEqual:
		return fmt.Sprintf("%s >= %s", ref, next()), []interface{}{cond.Value}, nil
	case predicate.OpLessThan:
		return fmt.Sprintf("%s < %s", ref, next()), []interface{}{cond.Value}, nil
	case predicate.OpLessOrEqual:
		return fmt.Sprintf("%s <= %s", ref, next()), []interface{}{cond.Value}, nil
	case predicate.OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", ref, next()),
			[]interface{}{escapeLike(stringValue(cond.Value)) + "%"}, nil
	case predicate.OpContains:
		return fmt.Sprintf("%s ILIKE %s", ref, next()),
			[]interface{}{"%" + escapeLike(stringValue(cond.Value)) + "%"}, nil
	case predicate.OpEndsWith:
		return fmt.Sprintf("%s LIKE %s", ref, next()),
			[]interface{}{"%" + escapeLike(stringValue(cond.Value))}, nil
	case predicate.OpPrefixOf:
		// The stored value is a prefix of the query value.
		return fmt.Sprintf("%s LIKE %s || '%%'", next(), ref),
			[]interface{}{stringValue(cond.Value)}, nil
	case predicate.OpIsNull:
		return fmt.Sprintf("%s IS NULL", ref), nil, nil
	case predicate.OpNotNull:
		return fmt.Sprintf("%s IS NOT NULL", ref), nil, nil
	case predicate.OpArrayContains:
		element, err := json.Marshal([]interface{}{cond.Value})
		if err != nil {
			return "", nil, fmt.Errorf("marshal containment element: %w", err)
		}
		return fmt.Sprintf("%s @> %s::jsonb", jsonRef(cond.Path), next()),
			[]interface{}{string(element)}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator for payload condition: %s", cond.Operator)
	}
}

// buildColumnConditionSQL lowers one condition on a metadata column.
func buildColumnConditionSQL(cond predicate.ColumnCondition, argIndex *int) (string, []interface{}, error) {
	col := `"` + cond.Column + `"`

	next := func() string {
		p := fmt.Sprintf("$%d", *argIndex)
		*argIndex++
		return p
	}

	switch cond.Operator {
	case predicate.OpEqual:
		return fmt.Sprintf("%s = %s", col, next()), []interface{}{cond.Value}, nil
	case predicate.OpNotEqual:
		return fmt.Sprintf("%s != %s", col, next()), []interface{}{cond.Value}, nil
	case predicate.OpGreaterThan:
		return fmt.Sprintf("%s > %s", col, next()), []interface{}{cond.Value}, nil
	case predicate.OpGreaterOrEqual:
		return fmt.Sprintf("%s >= %s", col, next()), []interface{}{cond.Value}, nil
	case predicate.OpLessThan:
		return fmt.Sprintf("%s < %s", col, next()), []interface{}{cond.Value}, nil
	case predicate.OpLessOrEqual:
		return fmt.Sprintf("%s <= %s", col, next()), []interface{}{cond.Value}, nil
	case predicate.OpIn:
		values, ok := cond.Value.([]string)
		if !ok || len(values) == 0 {
			return "", nil, fmt.Errorf("IN on column %s needs a non-empty string slice", cond.Column)
		}
		placeholders := make([]string, len(values))
		args := make([]interface{}, len(values))
		for i, v := range values {
			placeholders[i] = next()
			args[i] = v
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), args, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator for column condition: %s", cond.Operator)
	}
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// sortableColumns are the metadata columns a caller may order by.
var sortableColumns = map[string]struct{}{
	predicate.ColumnLastUpdated: {},
	predicate.ColumnResourceID:  {},
}

// buildOrderBy renders the ORDER BY clause. The resource id tiebreaker keeps
// paging deterministic when timestamps collide.
func buildOrderBy(sort []SortField) string {
	var parts []string
	for _, s := range sort {
		if _, ok := sortableColumns[s.Column]; !ok {
			continue
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf(`"%s" %s`, s.Column, dir))
	}
	if len(parts) == 0 {
		parts = append(parts, `"last_updated" DESC`)
	}
	parts = append(parts, `"resource_id" ASC`)
	return " ORDER BY " + strings.Join(parts, ", ")
}

// buildSelect assembles the page query for a filter expression.
func buildSelect(filter predicate.Expression, opts SearchOptions) (string, []interface{}, error) {
	argIndex := 1
	where, args, err := buildExpressionSQL(filter, &argIndex)
	if err != nil {
		return "", nil, fmt.Errorf("build filter: %w", err)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s",
		quotedColumns(), table, where, buildOrderBy(opts.Sort))
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	return sql, args, nil
}

// buildCount assembles the total-count query for the same filter.
func buildCount(filter predicate.Expression) (string, []interface{}, error) {
	argIndex := 1
	where, args, err := buildExpressionSQL(filter, &argIndex)
	if err != nil {
		return "", nil, fmt.Errorf("build filter: %w", err)
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where), args, nil
}
