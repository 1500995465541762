package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pluginlookup/internal/domain"
)

// NamedSource pairs a source with the label used in logs and errors
type NamedSource struct {
	Name   string
	Source Source
}

// MultiSource queries several sources concurrently and concatenates their
// answers in declaration order.
//
// When every source fails the joined errors are returned. When only some
// fail the results of the others are returned with a *PartialError.
type MultiSource struct {
	sources []NamedSource
}

// NewMultiSource creates a composite source
func NewMultiSource(sources ...NamedSource) *MultiSource {
	return &MultiSource{sources: sources}
}

// Len returns the number of composed sources
func (m *MultiSource) Len() int {
	return len(m.sources)
}

// Query implements Source
func (m *MultiSource) Query(ctx context.Context, action string) ([]domain.Registration, error) {
	if len(m.sources) == 0 {
		return nil, errors.New("no registry sources configured")
	}

	type answer struct {
		regs []domain.Registration
		err  error
	}
	answers := make([]answer, len(m.sources))

	var wg sync.WaitGroup
	for i, src := range m.sources {
		wg.Add(1)
		go func(i int, src NamedSource) {
			defer wg.Done()
			regs, err := src.Source.Query(ctx, action)
			if err != nil {
				err = fmt.Errorf("%s: %w", src.Name, err)
			}
			answers[i] = answer{regs: regs, err: err}
		}(i, src)
	}
	wg.Wait()

	var (
		out       []domain.Registration
		errs      []error
		succeeded int
	)
	for i, a := range answers {
		for _, reg := range a.regs {
			if reg.Source == "" {
				reg.Source = m.sources[i].Name
			}
			out = append(out, reg)
		}

		if a.err == nil {
			succeeded++
			continue
		}
		errs = append(errs, a.err)
		if IsPartial(a.err) {
			succeeded++
		}
	}

	switch {
	case len(errs) == 0:
		return out, nil
	case succeeded == 0:
		return nil, errors.Join(errs...)
	default:
		return out, &PartialError{Errs: errs}
	}
}
