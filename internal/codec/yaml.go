package codec

import (
	"fmt"
	"io"

	"pluginlookup/internal/domain"

	"gopkg.in/yaml.v3"
)

// YAMLCodec handles YAML import/export
type YAMLCodec struct{}

// NewYAMLCodec creates a new YAML codec
func NewYAMLCodec() *YAMLCodec {
	return &YAMLCodec{}
}

// Format returns the codec format identifier
func (c *YAMLCodec) Format() string {
	return "yaml"
}

// yamlDescriptor mirrors domain.Descriptor with YAML field names
type yamlDescriptor struct {
	Module      string `yaml:"module"`
	EntryPoint  string `yaml:"entry"`
	Name        string `yaml:"name"`
	ConfigClass string `yaml:"config_class,omitempty"`
	Source      string `yaml:"source,omitempty"`
}

// Parse reads a manifest from YAML
func (c *YAMLCodec) Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &m, nil
}

// Export writes descriptors as a YAML sequence
func (c *YAMLCodec) Export(descriptors []domain.Descriptor, w io.Writer) error {
	out := make([]yamlDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, yamlDescriptor{
			Module:      d.Module,
			EntryPoint:  d.EntryPoint,
			Name:        d.Name,
			ConfigClass: d.ConfigClass,
			Source:      d.Source,
		})
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()

	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	return nil
}
