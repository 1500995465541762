package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"pluginlookup/internal/domain"
)

// JSONCodec handles JSON import/export
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Format returns the codec format identifier
func (c *JSONCodec) Format() string {
	return "json"
}

// Parse reads a manifest from JSON
func (c *JSONCodec) Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &m, nil
}

// Export writes descriptors as an indented JSON array
func (c *JSONCodec) Export(descriptors []domain.Descriptor, w io.Writer) error {
	if descriptors == nil {
		descriptors = []domain.Descriptor{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(descriptors); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}
