package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthgrid-eu/healthgrid/internal/fhirpath"
	"github.com/healthgrid-eu/healthgrid/internal/predicate"
)

func lower(t *testing.T, e predicate.Expression) (string, []interface{}) {
	t.Helper()
	argIndex := 1
	sql, args, err := buildExpressionSQL(e, &argIndex)
	require.NoError(t, err)
	return sql, args
}

func TestJSONPathLiteral(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"gender", "'{gender}'"},
		{"name[0].family", "'{name,0,family}'"},
		{"code.coding[0].system", "'{code,coding,0,system}'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, jsonPathLiteral(fhirpath.Parse(tt.path)))
	}
}

func TestBuildConditionSQL(t *testing.T) {
	path := fhirpath.Parse("name[0].family")

	tests := []struct {
		name         string
		cond         predicate.Condition
		expectedSQL  string
		expectedArgs []interface{}
	}{
		{
			"equality",
			predicate.Condition{Path: path, Operator: predicate.OpEqual, Value: "Smith"},
			"content#>>'{name,0,family}' = $1",
			[]interface{}{"Smith"},
		},
		{
			"numeric comparison casts the extracted text",
			predicate.Condition{Path: fhirpath.Parse("valueQuantity.value"), Operator: predicate.OpGreaterThan, Value: 5.4, Numeric: true},
			"(content#>>'{valueQuantity,value}')::numeric > $1",
			[]interface{}{5.4},
		},
		{
			"starts-with is a case-insensitive pattern",
			predicate.Condition{Path: path, Operator: predicate.OpStartsWith, Value: "Smi"},
			"content#>>'{name,0,family}' ILIKE $1",
			[]interface{}{"Smi%"},
		},
		{
			"contains wraps the pattern",
			predicate.Condition{Path: path, Operator: predicate.OpContains, Value: "mit"},
			"content#>>'{name,0,family}' ILIKE $1",
			[]interface{}{"%mit%"},
		},
		{
			"like wildcards in the value are escaped",
			predicate.Condition{Path: path, Operator: predicate.OpContains, Value: "100%_a"},
			"content#>>'{name,0,family}' ILIKE $1",
			[]interface{}{`%100\%\_a%`},
		},
		{
			"ends-with anchors the suffix",
			predicate.Condition{Path: fhirpath.Parse("subject.reference"), Operator: predicate.OpEndsWith, Value: "/Patient/123"},
			"content#>>'{subject,reference}' LIKE $1",
			[]interface{}{"%/Patient/123"},
		},
		{
			"prefix-of flips the pattern sides",
			predicate.Condition{Path: fhirpath.Parse("url"), Operator: predicate.OpPrefixOf, Value: "http://example.com/vs/x"},
			"$1 LIKE content#>>'{url}' || '%'",
			[]interface{}{"http://example.com/vs/x"},
		},
		{
			"is-null takes no argument",
			predicate.Condition{Path: path, Operator: predicate.OpIsNull},
			"content#>>'{name,0,family}' IS NULL",
			nil,
		},
		{
			"array containment compares jsonb",
			predicate.Condition{Path: fhirpath.Parse("status"), Operator: predicate.OpArrayContains, Value: "final"},
			"content#>'{status}' @> $1::jsonb",
			[]interface{}{`["final"]`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := lower(t, tt.cond)
			assert.Equal(t, tt.expectedSQL, sql)
			assert.Equal(t, tt.expectedArgs, args)
		})
	}
}

func TestBuildColumnConditionSQL(t *testing.T) {
	t.Run("equality", func(t *testing.T) {
		sql, args := lower(t, predicate.ColumnCondition{
			Column: predicate.ColumnTenantID, Operator: predicate.OpEqual, Value: "tenant-a",
		})
		assert.Equal(t, `"tenant_id" = $1`, sql)
		assert.Equal(t, []interface{}{"tenant-a"}, args)
	})

	t.Run("in expands one placeholder per value", func(t *testing.T) {
		sql, args := lower(t, predicate.ColumnCondition{
			Column: predicate.ColumnResourceID, Operator: predicate.OpIn, Value: []string{"a", "b", "c"},
		})
		assert.Equal(t, `"resource_id" IN ($1, $2, $3)`, sql)
		assert.Equal(t, []interface{}{"a", "b", "c"}, args)
	})

	t.Run("in rejects an empty list", func(t *testing.T) {
		argIndex := 1
		_, _, err := buildExpressionSQL(predicate.ColumnCondition{
			Column: predicate.ColumnResourceID, Operator: predicate.OpIn, Value: []string{},
		}, &argIndex)
		assert.Error(t, err)
	})
}

func TestBuildExpressionSQL_Groups(t *testing.T) {
	gender := predicate.Condition{
		Path: fhirpath.Parse("gender"), Operator: predicate.OpEqual, Value: "female",
	}
	active := predicate.ColumnCondition{
		Column: predicate.ColumnIsCurrent, Operator: predicate.OpEqual, Value: true,
	}

	t.Run("and joins without parens at the top level", func(t *testing.T) {
		sql, args := lower(t, predicate.And{Children: []predicate.Expression{active, gender}})
		assert.Equal(t, `"is_current" = $1 AND content#>>'{gender}' = $2`, sql)
		assert.Equal(t, []interface{}{true, "female"}, args)
	})

	t.Run("nested groups are parenthesized", func(t *testing.T) {
		inner := predicate.Or{Children: []predicate.Expression{gender, gender}}
		sql, args := lower(t, predicate.And{Children: []predicate.Expression{active, inner}})
		assert.Equal(t,
			`"is_current" = $1 AND (content#>>'{gender}' = $2 OR content#>>'{gender}' = $3)`,
			sql)
		assert.Len(t, args, 3)
	})

	t.Run("not wraps its child", func(t *testing.T) {
		sql, args := lower(t, predicate.Not{Child: gender})
		assert.Equal(t, `NOT (content#>>'{gender}' = $1)`, sql)
		assert.Equal(t, []interface{}{"female"}, args)
	})

	t.Run("nil filter is true", func(t *testing.T) {
		sql, args := lower(t, nil)
		assert.Equal(t, "TRUE", sql)
		assert.Empty(t, args)
	})

	t.Run("argument numbering is continuous across branches", func(t *testing.T) {
		sql, _ := lower(t, predicate.And{Children: []predicate.Expression{gender, gender, gender}})
		assert.Contains(t, sql, "$3")
		assert.NotContains(t, sql, "$4")
	})
}

func TestBuildOrderBy(t *testing.T) {
	t.Run("default sorts newest first with id tiebreaker", func(t *testing.T) {
		assert.Equal(t, ` ORDER BY "last_updated" DESC, "resource_id" ASC`, buildOrderBy(nil))
	})

	t.Run("explicit sort keeps the tiebreaker", func(t *testing.T) {
		order := buildOrderBy([]SortField{{Column: predicate.ColumnLastUpdated, Desc: false}})
		assert.Equal(t, ` ORDER BY "last_updated" ASC, "resource_id" ASC`, order)
	})

	t.Run("unknown column is ignored", func(t *testing.T) {
		order := buildOrderBy([]SortField{{Column: "content"}})
		assert.Equal(t, ` ORDER BY "last_updated" DESC, "resource_id" ASC`, order)
	})
}

func TestBuildSelect(t *testing.T) {
	filter := predicate.And{Children: []predicate.Expression{
		predicate.ColumnCondition{Column: predicate.ColumnTenantID, Operator: predicate.OpEqual, Value: "t"},
	}}

	sql, args, err := buildSelect(filter, SearchOptions{Limit: 20, Offset: 40})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "tenant_id", "resource_type", "resource_id", "version_id", `+
			`"is_current", "is_deleted", "last_updated", "content" `+
			`FROM "fhir"."resources" WHERE "tenant_id" = $1`+
			` ORDER BY "last_updated" DESC, "resource_id" ASC LIMIT 20 OFFSET 40`,
		sql)
	assert.Equal(t, []interface{}{"t"}, args)
}

func TestBuildCount(t *testing.T) {
	filter := predicate.ColumnCondition{
		Column: predicate.ColumnTenantID, Operator: predicate.OpEqual, Value: "t",
	}

	sql, args, err := buildCount(filter)
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "fhir"."resources" WHERE "tenant_id" = $1`, sql)
	assert.Equal(t, []interface{}{"t"}, args)
}
