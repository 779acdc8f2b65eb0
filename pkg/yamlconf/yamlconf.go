package yamlconf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML loads a YAML file into the provided struct
func LoadYAML(path string, target interface{}) error {
	if path == "" {
		return fmt.Errorf("yaml path cannot be empty")
	}

	if target == nil {
		return fmt.Errorf("target cannot be nil")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("yaml file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read yaml file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal yaml file %s: %w", path, err)
	}

	return nil
}

// LoadAndValidate loads a YAML file and runs tag-based validation on the
// result.
func LoadAndValidate(path string, target interface{}) error {
	if err := LoadYAML(path, target); err != nil {
		return err
	}
	if err := NewValidator().ValidateConfig(target); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	return nil
}
