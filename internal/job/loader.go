package job

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses a job descriptor YAML file.
func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	return Load(data)
}

// Load parses job descriptor YAML bytes.
func Load(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("job has no command")
	}
	if d.Name == "" {
		return nil, fmt.Errorf("job has no name")
	}
	return &d, nil
}
