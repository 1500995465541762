package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"pluginlookup/internal/codec"
	"pluginlookup/internal/domain"
)

// ManifestFileNames are the file names recognized as provider manifests
var ManifestFileNames = []string{"provider.yaml", "provider.yml", "provider.json"}

// ManifestSource discovers registrations from provider manifests on disk.
// Each search path is walked up to maxDepth directories deep.
type ManifestSource struct {
	paths    []string
	maxDepth int
	logger   zerolog.Logger
}

// NewManifestSource creates a manifest source over the given search paths
func NewManifestSource(paths []string, maxDepth int, logger zerolog.Logger) *ManifestSource {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &ManifestSource{paths: paths, maxDepth: maxDepth, logger: logger}
}

// Paths returns the search paths
func (m *ManifestSource) Paths() []string {
	return m.paths
}

// Query implements Source. An unreadable search path fails that path only;
// a manifest that cannot be parsed is skipped.
func (m *ManifestSource) Query(ctx context.Context, action string) ([]domain.Registration, error) {
	var (
		out    []domain.Registration
		errs   []error
		loaded int
	)

	for _, root := range m.paths {
		regs, err := m.scanPath(ctx, root)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("scan %s: %w", root, err))
			continue
		}
		loaded++

		for _, reg := range regs {
			if reg.Advertises(action) {
				out = append(out, reg)
			}
		}
	}

	switch {
	case len(errs) == 0:
		return out, nil
	case loaded == 0:
		return nil, errors.Join(errs...)
	default:
		return out, &PartialError{Errs: errs}
	}
}

func (m *ManifestSource) scanPath(ctx context.Context, root string) ([]domain.Registration, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory")
	}

	var regs []domain.Registration
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			m.logger.Warn().Err(walkErr).Str("path", path).Msg("skipping unreadable path")
			return nil
		}

		if d.IsDir() {
			if depth(root, path) > m.maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if !IsManifestFile(d.Name()) {
			return nil
		}

		manifest, err := readManifest(path)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("skipping malformed manifest")
			return nil
		}

		regs = append(regs, manifest.Registrations("manifests")...)
		return nil
	})
	return regs, err
}

func readManifest(path string) (*codec.Manifest, error) {
	importer, ok := codec.ImporterFor(path)
	if !ok {
		return nil, fmt.Errorf("no importer for %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return importer.Parse(f)
}

// IsManifestFile reports whether name is one of ManifestFileNames
func IsManifestFile(name string) bool {
	for _, candidate := range ManifestFileNames {
		if strings.EqualFold(name, candidate) {
			return true
		}
	}
	return false
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
