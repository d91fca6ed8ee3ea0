package params

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML mapping of parameter names (or aliases) to scalar
// values, for use as the input to Build:
//
//	NEW_BUILD_PATH: /home/labadmin/6.3.1/GA
//	tier: Low
//	timeout: 30
//
// Scalars are kept exactly as written, so a version of 6.3 stays "6.3".
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading params file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing params file %s: %w", path, err)
	}

	inputs := make(map[string]string)

	// An empty file decodes to a zero node.
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return inputs, nil
	}

	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("params file %s: line %d: expected a mapping of names to values", path, m.Line)
	}

	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("params file %s: line %d: value for %q must be a scalar", path, v.Line, k.Value)
		}
		if v.Tag == "!!null" {
			continue
		}
		inputs[k.Value] = v.Value
	}

	return inputs, nil
}
