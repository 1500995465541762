// Package repository defines the data access interfaces for provider
// registrations.
//
// The actual implementation is in the sqlite subpackage. A repository is a
// writable registry: operators register and unregister providers through the
// CLI, and the scanner reads them back as one of its sources.
//
// # SQLite Implementation
//
// The sqlite implementation stores registrations and their advertised actions
// in two tables, with WAL mode for concurrent readers. The schema is migrated
// automatically on open.
//
// # Testing
//
// The sqlite repository is tested against in-memory databases.
package repository
