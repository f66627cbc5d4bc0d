package errcat

import _ "embed"

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultCatalog returns the embedded catalog document.
func DefaultCatalog() []byte {
	return defaultCatalog
}
