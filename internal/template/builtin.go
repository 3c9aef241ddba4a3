package template

import _ "embed"

//go:embed templates/default.yaml
var defaultYAML []byte

// loadBuiltin parses the embedded default template set.
func loadBuiltin() (*Registry, error) {
	return parse(defaultYAML)
}
