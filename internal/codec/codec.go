// Package codec reads provider manifests and writes descriptor listings in
// JSON and YAML.
package codec

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"pluginlookup/internal/domain"
)

// Importer interface for reading provider manifests from various formats
type Importer interface {
	Parse(r io.Reader) (*Manifest, error)
	Format() string
}

// Exporter interface for writing descriptor listings to various formats
type Exporter interface {
	Export(descriptors []domain.Descriptor, w io.Writer) error
	Format() string
}

// Manifest describes the entry points one module registers
type Manifest struct {
	Module   string            `json:"module" yaml:"module"`
	Services []ManifestService `json:"services" yaml:"services"`
}

// ManifestService is a single entry point within a manifest
type ManifestService struct {
	Entry    string            `json:"entry" yaml:"entry"`
	Actions  []string          `json:"actions,omitempty" yaml:"actions,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Registrations flattens the manifest into registry records labelled source
func (m *Manifest) Registrations(source string) []domain.Registration {
	regs := make([]domain.Registration, 0, len(m.Services))
	for _, svc := range m.Services {
		regs = append(regs, domain.Registration{
			Module:     m.Module,
			EntryPoint: svc.Entry,
			Actions:    svc.Actions,
			Metadata:   svc.Metadata,
			Source:     source,
		})
	}
	return regs
}

// ImporterFor picks an importer from a file extension
func ImporterFor(path string) (Importer, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYAMLCodec(), true
	case ".json":
		return NewJSONCodec(), true
	default:
		return nil, false
	}
}

// ExporterFor returns the exporter for a format name
func ExporterFor(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "json":
		return NewJSONCodec(), nil
	case "yaml", "yml":
		return NewYAMLCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
