// Package domain defines the core types shared by the provider lookup components.
//
// This package holds the value objects that describe externally registered
// providers as they move from the registry to a supervised connection.
//
// # Core Types
//
// ProviderID identifies a provider by its (module, entry point) pair. It is the
// only key used for deduplication and lookup.
//
// Registration is the raw record a registry source returns, including its
// advertised actions and free-form metadata.
//
// Descriptor is the normalized form produced by a scan. Registrations without a
// display name never become descriptors.
//
// State is the lifecycle state of a connection handle.
//
// Event is the envelope pushed to streaming clients when connection state
// changes.
//
// # Design Principles
//
// - Immutable value objects
// - No database or external dependencies
package domain
