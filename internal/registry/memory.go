package registry

import (
	"context"
	"sync"

	"pluginlookup/internal/domain"
)

// MemorySource serves registrations held in memory. It backs tests and
// statically configured providers.
type MemorySource struct {
	mu    sync.RWMutex
	name  string
	regs  []domain.Registration
	err   error
	calls int
}

// NewMemorySource creates a source labelled name with the given registrations
func NewMemorySource(name string, regs ...domain.Registration) *MemorySource {
	m := &MemorySource{name: name}
	m.Set(regs...)
	return m
}

// Set replaces the registrations
func (m *MemorySource) Set(regs ...domain.Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = append([]domain.Registration(nil), regs...)
}

// Add appends registrations, duplicates included
func (m *MemorySource) Add(regs ...domain.Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = append(m.regs, regs...)
}

// Fail makes subsequent queries return err. A nil err restores the source.
func (m *MemorySource) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many queries have been served
func (m *MemorySource) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Query implements Source
func (m *MemorySource) Query(ctx context.Context, action string) ([]domain.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.err != nil {
		return nil, m.err
	}

	out := make([]domain.Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		if !reg.Advertises(action) {
			continue
		}
		if reg.Source == "" {
			reg.Source = m.name
		}
		out = append(out, reg)
	}
	return out, nil
}
