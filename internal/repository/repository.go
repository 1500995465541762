package repository

import (
	"context"

	"pluginlookup/internal/domain"
)

// Repository defines the interface for registration data access
type Repository interface {
	// Read operations
	ListRegistrations(ctx context.Context, action string) ([]domain.Registration, error)
	GetRegistration(ctx context.Context, id domain.ProviderID) (*domain.Registration, error)

	// Write operations
	Register(ctx context.Context, reg domain.Registration) error
	Unregister(ctx context.Context, id domain.ProviderID) (bool, error)

	// Close releases resources
	Close() error
}
