package template

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes a template document and validates it. Documents without
// an explicit version parse at version 1.
func Parse(data []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if tpl.Version == 0 {
		tpl.Version = 1
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}
