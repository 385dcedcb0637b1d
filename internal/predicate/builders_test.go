package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthgrid-eu/healthgrid/internal/fhirpath"
)

// collectConditions flattens an expression tree into its atomic payload
// conditions, in traversal order.
func collectConditions(e Expression) []Condition {
	var out []Condition
	var walk func(Expression)
	walk = func(e Expression) {
		switch expr := e.(type) {
		case Condition:
			out = append(out, expr)
		case And:
			for _, c := range expr.Children {
				walk(c)
			}
		case Or:
			for _, c := range expr.Children {
				walk(c)
			}
		case Not:
			walk(expr.Child)
		}
	}
	walk(e)
	return out
}

func conditionPaths(e Expression) []string {
	var paths []string
	for _, c := range collectConditions(e) {
		paths = append(paths, c.Path.String())
	}
	return paths
}

func TestBuildToken_SystemAndCode(t *testing.T) {
	expr := buildToken("Observation", "code", "Observation.code", "", "http://loinc.org|1234-5")
	require.NotNil(t, expr)

	or, ok := expr.(Or)
	require.True(t, ok, "shape hypotheses must be OR'd")

	// With an explicit non-empty system the primitive shape does not apply;
	// both branches are concept-shape hypotheses.
	require.Len(t, or.Children, 2)

	direct, ok := or.Children[0].(And)
	require.True(t, ok)
	require.Len(t, direct.Children, 2)
	sys := direct.Children[0].(Condition)
	code := direct.Children[1].(Condition)
	assert.Equal(t, "code.coding[0].system", sys.Path.String())
	assert.Equal(t, OpEqual, sys.Operator)
	assert.Equal(t, "http://loinc.org", sys.Value)
	assert.Equal(t, "code.coding[0].code", code.Path.String())
	assert.Equal(t, "1234-5", code.Value)

	expanded, ok := or.Children[1].(And)
	require.True(t, ok)
	assert.Equal(t, "code[0].coding[0].system", expanded.Children[0].(Condition).Path.String())
	assert.Equal(t, "code[0].coding[0].code", expanded.Children[1].(Condition).Path.String())
}

func TestBuildToken_CodeOnlyTriesBothShapes(t *testing.T) {
	expr := buildToken("Observation", "status", "Observation.status", "", "final")
	require.NotNil(t, expr)

	paths := conditionPaths(expr)
	// Primitive shape: direct, first element, containment.
	assert.Contains(t, paths, "status")
	assert.Contains(t, paths, "status[0]")
	// Concept shape at both the direct and array-expanded base.
	assert.Contains(t, paths, "status.coding[0].code")
	assert.Contains(t, paths, "status[0].coding[0].code")
	// No system constraint was supplied.
	assert.NotContains(t, paths, "status.coding[0].system")
}

func TestBuildToken_ExplicitEmptySystemKeepsPrimitiveShape(t *testing.T) {
	withEmpty := buildToken("Observation", "status", "Observation.status", "", "|final")
	withSystem := buildToken("Observation", "status", "Observation.status", "", "sys|final")

	assert.Contains(t, conditionPaths(withEmpty), "status",
		"|code form matches bare primitives")
	assert.NotContains(t, conditionPaths(withSystem), "status",
		"a real system rules the primitive shape out")
}

func TestBuildToken_Missing(t *testing.T) {
	missing := buildToken("Observation", "code", "Observation.code", "missing", "true")
	present := buildToken("Observation", "code", "Observation.code", "missing", "false")

	m, ok := missing.(Condition)
	require.True(t, ok)
	p, ok := present.(Condition)
	require.True(t, ok)

	assert.Equal(t, OpIsNull, m.Operator)
	assert.Equal(t, OpNotNull, p.Operator)
	assert.Equal(t, m.Path, p.Path, "both conditions cover the same resolved path")
}

func TestBuildToken_NotNegates(t *testing.T) {
	expr := buildToken("Observation", "status", "Observation.status", "not", "final")
	require.NotNil(t, expr)
	_, ok := expr.(Not)
	assert.True(t, ok)
}

func TestBuildToken_TextMatchesDisplayPaths(t *testing.T) {
	expr := buildToken("Observation", "code", "Observation.code", "text", "glucose")
	require.NotNil(t, expr)

	conds := collectConditions(expr)
	require.Len(t, conds, 2)
	assert.Equal(t, "code.text", conds[0].Path.String())
	assert.Equal(t, OpContains, conds[0].Operator)
	assert.Equal(t, "code.coding[0].display", conds[1].Path.String())
}

func TestBuildToken_EmptyValueDrops(t *testing.T) {
	assert.Nil(t, buildToken("Observation", "code", "Observation.code", "", ""))
}

func TestBuildQuantity(t *testing.T) {
	t.Run("value system and unit", func(t *testing.T) {
		expr := buildQuantity("Observation", "value-quantity",
			"Observation.value.ofType(Quantity)", "", "le5.4|http://unitsofmeasure.org|mg")
		require.NotNil(t, expr)

		and, ok := expr.(And)
		require.True(t, ok)
		require.Len(t, and.Children, 3)

		val := and.Children[0].(Condition)
		assert.Equal(t, "valueQuantity.value", val.Path.String())
		assert.Equal(t, OpLessOrEqual, val.Operator)
		assert.True(t, val.Numeric)
		assert.Equal(t, 5.4, val.Value)

		sys := and.Children[1].(Condition)
		assert.Equal(t, "valueQuantity.system", sys.Path.String())

		unit, ok := and.Children[2].(Or)
		require.True(t, ok, "unit matches either the code or unit field")
		assert.Equal(t, "valueQuantity.code", unit.Children[0].(Condition).Path.String())
		assert.Equal(t, "valueQuantity.unit", unit.Children[1].(Condition).Path.String())
	})

	t.Run("ap is an inclusive ten percent band", func(t *testing.T) {
		expr := buildQuantity("Observation", "value-quantity",
			"Observation.value.ofType(Quantity)", "", "ap100")
		require.NotNil(t, expr)

		conds := collectConditions(expr)
		require.Len(t, conds, 2)
		assert.Equal(t, OpGreaterOrEqual, conds[0].Operator)
		assert.InDelta(t, 90.0, conds[0].Value, 1e-9)
		assert.Equal(t, OpLessOrEqual, conds[1].Operator)
		assert.InDelta(t, 110.0, conds[1].Value, 1e-9)
	})

	t.Run("unconstrained value drops", func(t *testing.T) {
		assert.Nil(t, buildQuantity("Observation", "value-quantity",
			"Observation.value.ofType(Quantity)", "", "abc"))
	})
}

func TestBuildReference(t *testing.T) {
	t.Run("type and id", func(t *testing.T) {
		expr := buildReference("Observation", "subject", "Observation.subject", "", "Patient/123")
		require.NotNil(t, expr)

		or, ok := expr.(Or)
		require.True(t, ok)
		require.Len(t, or.Children, 2)

		exact := or.Children[0].(Condition)
		assert.Equal(t, "subject.reference", exact.Path.String())
		assert.Equal(t, OpEqual, exact.Operator)
		assert.Equal(t, "Patient/123", exact.Value)

		suffix := or.Children[1].(Condition)
		assert.Equal(t, OpEndsWith, suffix.Operator)
		assert.Equal(t, "/Patient/123", suffix.Value)
	})

	t.Run("bare id", func(t *testing.T) {
		expr := buildReference("Observation", "subject", "Observation.subject", "", "123")
		or, ok := expr.(Or)
		require.True(t, ok)
		assert.Equal(t, OpEndsWith, or.Children[0].(Condition).Operator)
		assert.Equal(t, "/123", or.Children[0].(Condition).Value)
		assert.Equal(t, OpEqual, or.Children[1].(Condition).Operator)
		assert.Equal(t, "123", or.Children[1].(Condition).Value)
	})

	t.Run("type hint modifier builds the relative form", func(t *testing.T) {
		expr := buildReference("Observation", "subject", "Observation.subject", "Patient", "123")
		or, ok := expr.(Or)
		require.True(t, ok)
		assert.Equal(t, "Patient/123", or.Children[0].(Condition).Value)
	})

	t.Run("opaque url matches exactly", func(t *testing.T) {
		expr := buildReference("Observation", "subject", "Observation.subject", "",
			"urn:uuid:0c3151bd-1cbf-4d64-b04d-cd9187a4c6e0")
		c, ok := expr.(Condition)
		require.True(t, ok)
		assert.Equal(t, OpEqual, c.Operator)
	})

	t.Run("identifier modifier targets the identifier sub-path", func(t *testing.T) {
		expr := buildReference("Observation", "subject", "Observation.subject",
			"identifier", "http://hospital.org/mrn|12345")
		require.NotNil(t, expr)

		conds := collectConditions(expr)
		require.Len(t, conds, 2)
		assert.Equal(t, "subject.identifier.system", conds[0].Path.String())
		assert.Equal(t, "subject.identifier.value", conds[1].Path.String())
	})
}

func TestBuildDate(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		expectedOp Operator
		expected   string
	}{
		{"plain value is equality", "2024-03-01", OpEqual, "2024-03-01"},
		{"gt", "gt2024-03-01", OpGreaterThan, "2024-03-01"},
		{"sa aliases gt", "sa2024-03-01", OpGreaterThan, "2024-03-01"},
		{"eb aliases lt", "eb2024-03-01", OpLessThan, "2024-03-01"},
		{"le", "le2024", OpLessOrEqual, "2024"},
		{"ap degenerates to prefix match", "ap2024-03", OpStartsWith, "2024-03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr := buildDate("Patient", "birthdate", "Patient.birthDate", "", tt.value)
			c, ok := expr.(Condition)
			require.True(t, ok)
			assert.Equal(t, "birthDate", c.Path.String())
			assert.Equal(t, tt.expectedOp, c.Operator)
			assert.Equal(t, tt.expected, c.Value)
			assert.False(t, c.Numeric, "payload dates compare as text")
		})
	}
}

func TestBuildNumber(t *testing.T) {
	t.Run("numeric comparison", func(t *testing.T) {
		expr := buildNumber("RiskAssessment", "probability", "", "", "ge0.8")
		c, ok := expr.(Condition)
		require.True(t, ok)
		assert.True(t, c.Numeric)
		assert.Equal(t, OpGreaterOrEqual, c.Operator)
		assert.Equal(t, 0.8, c.Value)
	})

	t.Run("non-numeric value drops", func(t *testing.T) {
		assert.Nil(t, buildNumber("RiskAssessment", "probability", "", "", "high"))
	})
}

func TestBuildString(t *testing.T) {
	t.Run("default is case-insensitive prefix match", func(t *testing.T) {
		expr := buildString("Patient", "address-city", "Patient.address.city", "", "Ber")
		c, ok := expr.(Condition)
		require.True(t, ok)
		assert.Equal(t, "address[0].city", c.Path.String())
		assert.Equal(t, OpStartsWith, c.Operator)
	})

	t.Run("exact is equality", func(t *testing.T) {
		expr := buildString("Patient", "address-city", "Patient.address.city", "exact", "Berlin")
		assert.Equal(t, OpEqual, expr.(Condition).Operator)
	})

	t.Run("contains is substring", func(t *testing.T) {
		expr := buildString("Patient", "address-city", "Patient.address.city", "contains", "erli")
		assert.Equal(t, OpContains, expr.(Condition).Operator)
	})
}

// A person's name is spread across several sub-fields and array positions;
// the name parameters fan out over them, but only the first two positions of
// the given/prefix/suffix sub-arrays are checked.
func TestBuildString_NameFanOut(t *testing.T) {
	expr := buildString("Patient", "name", "Patient.name", "contains", "smith")
	require.NotNil(t, expr)

	or, ok := expr.(Or)
	require.True(t, ok)
	require.Len(t, or.Children, 8)

	paths := conditionPaths(expr)
	assert.Contains(t, paths, "name[0].text")
	assert.Contains(t, paths, "name[0].family")
	assert.Contains(t, paths, "name[0].given[0]")
	assert.Contains(t, paths, "name[0].given[1]")
	assert.Contains(t, paths, "name[0].prefix[1]")
	assert.Contains(t, paths, "name[0].suffix[1]")
	assert.NotContains(t, paths, "name[0].given[2]",
		"third and later given positions are deliberately not searched")

	for _, c := range collectConditions(expr) {
		assert.Equal(t, OpContains, c.Operator)
		assert.Equal(t, "smith", c.Value)
	}
}

func TestBuildURI(t *testing.T) {
	t.Run("default is exact", func(t *testing.T) {
		expr := buildURI("ValueSet", "url", "ValueSet.url", "", "http://example.com/vs")
		assert.Equal(t, OpEqual, expr.(Condition).Operator)
	})

	t.Run("below matches descendants", func(t *testing.T) {
		expr := buildURI("ValueSet", "url", "ValueSet.url", "below", "http://example.com/vs")
		assert.Equal(t, OpStartsWith, expr.(Condition).Operator)
	})

	t.Run("above matches ancestors", func(t *testing.T) {
		expr := buildURI("ValueSet", "url", "ValueSet.url", "above", "http://example.com/vs/x")
		assert.Equal(t, OpPrefixOf, expr.(Condition).Operator)
	})
}

func TestMissingCondition_MutuallyExclusive(t *testing.T) {
	path := fhirpath.Parse("code")
	absent := missingCondition(path, "true").(Condition)
	present := missingCondition(path, "false").(Condition)

	assert.Equal(t, OpIsNull, absent.Operator)
	assert.Equal(t, OpNotNull, present.Operator)
	assert.Equal(t, absent.Path, present.Path)
}
