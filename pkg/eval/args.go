package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadArgsFile reads auto-call arguments from a YAML file mapping argument
// names to values. An empty path yields no arguments.
func LoadArgsFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read args file: %v", err)
	}
	var args map[string]any
	if err := yaml.Unmarshal(src, &args); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return args, nil
}
