// Package catalog holds the search parameter definitions the predicate
// compiler consults to find out what logical type a parameter has and where
// its value lives inside a resource payload.
//
// The catalog is populated once at startup and read-only afterwards, so
// concurrent lookups need no synchronization.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Type is the logical type of a search parameter. It decides which value
// parser and predicate builder handle the parameter.
type Type string

const (
	TypeToken     Type = "token"
	TypeQuantity  Type = "quantity"
	TypeReference Type = "reference"
	TypeComposite Type = "composite"
	TypeDate      Type = "date"
	TypeNumber    Type = "number"
	TypeString    Type = "string"
	TypeURI       Type = "uri"
)

// Valid reports whether t is one of the known logical types.
func (t Type) Valid() bool {
	switch t {
	case TypeToken, TypeQuantity, TypeReference, TypeComposite,
		TypeDate, TypeNumber, TypeString, TypeURI:
		return true
	}
	return false
}

// Definition describes a single search parameter for one resource type.
// Definitions are immutable once loaded.
type Definition struct {
	ResourceType string `json:"resourceType"`
	Name         string `json:"name"`
	Type         Type   `json:"type"`

	// Expression is an optional declarative path expression locating the
	// indexed element inside the resource payload. When empty the resolver
	// falls back to its hardcoded name-to-path table.
	Expression string `json:"expression,omitempty"`

	// Components lists the component parameter names of a composite
	// parameter, in order. Empty for every other type.
	Components []string `json:"components,omitempty"`
}

// Catalog is an immutable set of search parameter definitions keyed by
// (resource type, parameter name).
type Catalog struct {
	defs map[string]Definition
}

func key(resourceType, name string) string {
	return resourceType + "/" + name
}

// New builds a catalog from the given definitions. Later definitions with
// the same (resource type, name) replace earlier ones.
func New(defs ...Definition) *Catalog {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		c.defs[key(d.ResourceType, d.Name)] = d
	}
	return c
}

// Lookup returns the definition for a parameter on a resource type. The
// second return value reports whether the parameter is known.
func (c *Catalog) Lookup(resourceType, name string) (Definition, bool) {
	d, ok := c.defs[key(resourceType, name)]
	return d, ok
}

// Len returns the number of definitions in the catalog.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// Merge returns a new catalog containing the receiver's definitions with
// other's definitions layered on top. Neither input is modified.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	merged := &Catalog{defs: make(map[string]Definition, len(c.defs)+len(other.defs))}
	for k, d := range c.defs {
		merged.defs[k] = d
	}
	for k, d := range other.defs {
		merged.defs[k] = d
	}
	return merged
}

// Load reads a JSON array of definitions.
func Load(r io.Reader) (*Catalog, error) {
	var defs []Definition
	if err := json.NewDecoder(r).Decode(&defs); err != nil {
		return nil, fmt.Errorf("decode search parameter bundle: %w", err)
	}
	for i, d := range defs {
		if d.ResourceType == "" || d.Name == "" {
			return nil, fmt.Errorf("definition %d: resourceType and name are required", i)
		}
		if !d.Type.Valid() {
			return nil, fmt.Errorf("definition %s/%s: unknown type %q", d.ResourceType, d.Name, d.Type)
		}
		if d.Type == TypeComposite && len(d.Components) == 0 {
			return nil, fmt.Errorf("definition %s/%s: composite parameter needs components", d.ResourceType, d.Name)
		}
	}
	return New(defs...), nil
}

// LoadFile reads a JSON bundle from disk and merges it over the embedded
// defaults. An empty path returns the defaults unchanged.
func LoadFile(path string) (*Catalog, error) {
	base := Default()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open search parameter bundle: %w", err)
	}
	defer f.Close()

	user, err := Load(f)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("path", path).
		Int("definitions", user.Len()).
		Msg("Loaded user search parameter bundle")
	return base.Merge(user), nil
}
