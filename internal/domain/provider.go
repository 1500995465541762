package domain

import (
	"fmt"
	"strings"
)

// ActionPickProvider is the action providers advertise to be picked up by the lookup.
const ActionPickProvider = "org.omnirom.music.action.PICK_PROVIDER"

// Recognized registration metadata keys
const (
	MetaName        = "name"
	MetaConfigClass = "configclass"
)

// ProviderID identifies a provider by its module and entry point.
// Two registrations with the same pair refer to the same provider.
type ProviderID struct {
	Module     string `json:"module"`
	EntryPoint string `json:"entry"`
}

// NewProviderID builds the identifier for a (module, entry point) pair
func NewProviderID(module, entryPoint string) ProviderID {
	return ProviderID{Module: module, EntryPoint: entryPoint}
}

// ParseProviderID parses the "module/entry" form produced by String.
// The entry point is everything after the last slash so module names may
// contain slashes.
func ParseProviderID(s string) (ProviderID, error) {
	idx := strings.LastIndex(s, "/")
	if idx <= 0 || idx == len(s)-1 {
		return ProviderID{}, fmt.Errorf("invalid provider id %q: want module/entry", s)
	}
	return NewProviderID(s[:idx], s[idx+1:]), nil
}

// String renders the identifier as module/entry
func (id ProviderID) String() string {
	return id.Module + "/" + id.EntryPoint
}

// Key returns a map key that cannot collide between distinct pairs
func (id ProviderID) Key() string {
	return id.Module + "\x00" + id.EntryPoint
}

// IsZero reports whether either half of the pair is missing
func (id ProviderID) IsZero() bool {
	return strings.TrimSpace(id.Module) == "" || strings.TrimSpace(id.EntryPoint) == ""
}

// Registration is a raw record returned by a registry source
type Registration struct {
	Module     string            `json:"module" yaml:"module"`
	EntryPoint string            `json:"entry" yaml:"entry"`
	Actions    []string          `json:"actions,omitempty" yaml:"actions,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Source     string            `json:"source,omitempty" yaml:"-"`
}

// ID returns the registration's provider identifier
func (r Registration) ID() ProviderID {
	return NewProviderID(r.Module, r.EntryPoint)
}

// Advertises reports whether the registration lists the given action.
// An empty action matches everything.
func (r Registration) Advertises(action string) bool {
	if action == "" {
		return true
	}
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Meta returns a trimmed metadata value, or "" when absent
func (r Registration) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(r.Metadata[key])
}

// Descriptor is the normalized description of a usable provider
type Descriptor struct {
	Module      string `json:"module"`
	EntryPoint  string `json:"entry"`
	Name        string `json:"name"`
	ConfigClass string `json:"config_class,omitempty"`
	Source      string `json:"source,omitempty"`
}

// ID returns the descriptor's provider identifier
func (d Descriptor) ID() ProviderID {
	return NewProviderID(d.Module, d.EntryPoint)
}
