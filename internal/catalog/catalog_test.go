package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	cat := New(
		Definition{ResourceType: "Patient", Name: "gender", Type: TypeToken, Expression: "Patient.gender"},
		Definition{ResourceType: "Observation", Name: "code", Type: TypeToken, Expression: "Observation.code"},
	)

	def, ok := cat.Lookup("Patient", "gender")
	require.True(t, ok)
	assert.Equal(t, TypeToken, def.Type)
	assert.Equal(t, "Patient.gender", def.Expression)

	_, ok = cat.Lookup("Patient", "code")
	assert.False(t, ok, "definitions are scoped per resource type")

	_, ok = cat.Lookup("Patient", "unknown")
	assert.False(t, ok)
}

func TestNew_LaterDefinitionWins(t *testing.T) {
	cat := New(
		Definition{ResourceType: "Patient", Name: "gender", Type: TypeToken},
		Definition{ResourceType: "Patient", Name: "gender", Type: TypeString},
	)

	def, ok := cat.Lookup("Patient", "gender")
	require.True(t, ok)
	assert.Equal(t, TypeString, def.Type)
	assert.Equal(t, 1, cat.Len())
}

func TestMerge(t *testing.T) {
	base := New(
		Definition{ResourceType: "Patient", Name: "gender", Type: TypeToken},
		Definition{ResourceType: "Patient", Name: "name", Type: TypeString},
	)
	overlay := New(
		Definition{ResourceType: "Patient", Name: "gender", Type: TypeString},
		Definition{ResourceType: "Patient", Name: "species", Type: TypeToken},
	)

	merged := base.Merge(overlay)
	assert.Equal(t, 3, merged.Len())

	def, _ := merged.Lookup("Patient", "gender")
	assert.Equal(t, TypeString, def.Type, "overlay definitions replace base ones")

	def, _ = base.Lookup("Patient", "gender")
	assert.Equal(t, TypeToken, def.Type, "merge does not modify the base")
}

func TestLoad(t *testing.T) {
	t.Run("valid bundle", func(t *testing.T) {
		cat, err := Load(strings.NewReader(`[
			{"resourceType": "Patient", "name": "gender", "type": "token", "expression": "Patient.gender"},
			{"resourceType": "Observation", "name": "combo", "type": "composite", "components": ["code", "value-quantity"]}
		]`))
		require.NoError(t, err)
		assert.Equal(t, 2, cat.Len())

		def, ok := cat.Lookup("Observation", "combo")
		require.True(t, ok)
		assert.Equal(t, []string{"code", "value-quantity"}, def.Components)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := Load(strings.NewReader(`[{"resourceType": "Patient", "type": "token"}]`))
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Load(strings.NewReader(`[{"resourceType": "Patient", "name": "x", "type": "blob"}]`))
		assert.Error(t, err)
	})

	t.Run("composite without components", func(t *testing.T) {
		_, err := Load(strings.NewReader(`[{"resourceType": "Observation", "name": "combo", "type": "composite"}]`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Load(strings.NewReader(`{"not": "an array"`))
		assert.Error(t, err)
	})
}

func TestDefault(t *testing.T) {
	cat := Default()
	require.NotZero(t, cat.Len())

	tests := []struct {
		resourceType string
		name         string
		expected     Type
	}{
		{"Patient", "gender", TypeToken},
		{"Patient", "birthdate", TypeDate},
		{"Patient", "organization", TypeReference},
		{"Observation", "value-quantity", TypeQuantity},
		{"Observation", "code-value-quantity", TypeComposite},
		{"Condition", "clinical-status", TypeToken},
		{"Encounter", "status", TypeToken},
	}
	for _, tt := range tests {
		def, ok := cat.Lookup(tt.resourceType, tt.name)
		require.True(t, ok, "%s/%s should be a built-in", tt.resourceType, tt.name)
		assert.Equal(t, tt.expected, def.Type)
	}

	t.Run("composites reference existing components", func(t *testing.T) {
		for _, def := range []string{"code-value-quantity", "code-value-concept"} {
			d, ok := cat.Lookup("Observation", def)
			require.True(t, ok)
			for _, component := range d.Components {
				_, ok := cat.Lookup("Observation", component)
				assert.True(t, ok, "component %s of %s must be defined", component, def)
			}
		}
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("empty path returns the defaults", func(t *testing.T) {
		cat, err := LoadFile("")
		require.NoError(t, err)
		assert.Equal(t, Default().Len(), cat.Len())
	})

	t.Run("bundle merges over the defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "params.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
			{"resourceType": "Patient", "name": "gender", "type": "string"},
			{"resourceType": "Device", "name": "serial", "type": "token"}
		]`), 0o644))

		cat, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, Default().Len()+1, cat.Len())

		def, _ := cat.Lookup("Patient", "gender")
		assert.Equal(t, TypeString, def.Type)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}
