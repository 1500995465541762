// Package registry enumerates provider registrations and normalizes them into
// descriptors.
//
// A Source answers registry queries. The Scanner wraps a Source, applies the
// action filter, and drops registrations that cannot describe a usable
// provider. Duplicates are kept; deduplication belongs to the supervisor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pluginlookup/internal/domain"
	"pluginlookup/internal/telemetry"
)

// ErrUnavailable is returned when the registry could not be queried at all.
var ErrUnavailable = errors.New("registry unavailable")

// Drop reasons reported to telemetry
const (
	DropMissingName     = "missing_name"
	DropMissingIdentity = "missing_identity"
)

var tracer = otel.Tracer("pluginlookup/internal/registry")

// Source answers a registry query for providers advertising action.
// Implementations may pre-filter by action; the scanner filters again.
type Source interface {
	Query(ctx context.Context, action string) ([]domain.Registration, error)
}

// PartialError reports that some registry sources failed while others
// answered. Results returned alongside it are usable but incomplete.
type PartialError struct {
	Errs []error
}

func (e *PartialError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("partial registry results: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes the individual source failures
func (e *PartialError) Unwrap() []error {
	return e.Errs
}

// IsPartial reports whether err signals an incomplete but usable result
func IsPartial(err error) bool {
	var partial *PartialError
	return errors.As(err, &partial)
}

// Scanner turns registry query results into provider descriptors
type Scanner struct {
	source    Source
	logger    zerolog.Logger
	collector telemetry.Collector
}

// ScannerOption configures a Scanner
type ScannerOption func(*Scanner)

// WithLogger sets the scanner logger
func WithLogger(logger zerolog.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithCollector sets the telemetry collector
func WithCollector(c telemetry.Collector) ScannerOption {
	return func(s *Scanner) {
		if c != nil {
			s.collector = c
		}
	}
}

// NewScanner creates a scanner over source
func NewScanner(source Source, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		source:    source,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan queries the registry for providers advertising action.
//
// Registrations without a display name, module or entry point are skipped.
// A registry that cannot be queried yields a nil slice and an error wrapping
// ErrUnavailable. When only some sources failed the descriptors found are
// returned together with a *PartialError.
func (s *Scanner) Scan(ctx context.Context, action string) ([]domain.Descriptor, error) {
	ctx, span := tracer.Start(ctx, "registry.Scan",
		trace.WithAttributes(attribute.String("action", action)))
	defer span.End()

	regs, err := s.source.Query(ctx, action)
	var partial *PartialError
	if err != nil && !errors.As(err, &partial) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry unavailable")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	descriptors := make([]domain.Descriptor, 0, len(regs))
	for _, reg := range regs {
		if !reg.Advertises(action) {
			continue
		}

		desc, reason, ok := Normalize(reg)
		if !ok {
			s.logger.Debug().
				Str("module", reg.Module).
				Str("entry", reg.EntryPoint).
				Str("source", reg.Source).
				Str("reason", reason).
				Msg("skipping registration")
			s.collector.IncDropped(reg.Source, reason)
			continue
		}

		s.logger.Debug().
			Str("module", desc.Module).
			Str("entry", desc.EntryPoint).
			Str("name", desc.Name).
			Str("source", desc.Source).
			Msg("found provider")
		descriptors = append(descriptors, desc)
	}

	span.SetAttributes(
		attribute.Int("registrations", len(regs)),
		attribute.Int("descriptors", len(descriptors)),
	)

	if partial != nil {
		span.RecordError(partial)
		return descriptors, partial
	}
	return descriptors, nil
}

// Normalize extracts a descriptor from a raw registration. It reports the
// drop reason when the registration is unusable.
func Normalize(reg domain.Registration) (domain.Descriptor, string, bool) {
	module := strings.TrimSpace(reg.Module)
	entry := strings.TrimSpace(reg.EntryPoint)
	if module == "" || entry == "" {
		return domain.Descriptor{}, DropMissingIdentity, false
	}

	name := reg.Meta(domain.MetaName)
	if name == "" {
		return domain.Descriptor{}, DropMissingName, false
	}

	return domain.Descriptor{
		Module:      module,
		EntryPoint:  entry,
		Name:        name,
		ConfigClass: reg.Meta(domain.MetaConfigClass),
		Source:      reg.Source,
	}, "", true
}
