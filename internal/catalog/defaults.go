package catalog

import (
	"bytes"
	_ "embed"
)

//go:embed defaults.json
var defaultBundle []byte

// Default returns a catalog of the built-in search parameter definitions for
// the common resource types. The embedded bundle is validated at build time
// by the package tests, so a decode failure here is a programming error.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultBundle))
	if err != nil {
		panic("catalog: invalid embedded bundle: " + err.Error())
	}
	return c
}
