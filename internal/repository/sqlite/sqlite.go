package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pluginlookup/internal/domain"
	"pluginlookup/internal/repository"

	_ "modernc.org/sqlite"
)

var _ repository.Repository = (*Repository)(nil)

const actionSeparator = "\x1f"

// Repository implements repository.Repository using SQLite
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository
func New(dbPath string) (*Repository, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory databases are per connection
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		module TEXT NOT NULL,
		entry TEXT NOT NULL,
		metadata JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (module, entry)
	);

	CREATE TABLE IF NOT EXISTS registration_actions (
		module TEXT NOT NULL,
		entry TEXT NOT NULL,
		action TEXT NOT NULL,
		PRIMARY KEY (module, entry, action)
	);

	CREATE INDEX IF NOT EXISTS idx_registration_actions_action ON registration_actions(action);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close releases the database handle
func (r *Repository) Close() error {
	return r.db.Close()
}

// Register inserts or replaces a registration and its advertised actions
func (r *Repository) Register(ctx context.Context, reg domain.Registration) error {
	if reg.ID().IsZero() {
		return fmt.Errorf("registration requires module and entry")
	}

	metadata, err := marshalMetadata(reg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registrations (module, entry, metadata)
		VALUES (?, ?, ?)
		ON CONFLICT(module, entry) DO UPDATE SET
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, reg.Module, reg.EntryPoint, metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM registration_actions WHERE module = ? AND entry = ?`,
		reg.Module, reg.EntryPoint); err != nil {
		return fmt.Errorf("failed to clear actions: %w", err)
	}

	for _, action := range reg.Actions {
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO registration_actions (module, entry, action)
			VALUES (?, ?, ?)
		`, reg.Module, reg.EntryPoint, action); err != nil {
			return fmt.Errorf("failed to insert action: %w", err)
		}
	}

	return tx.Commit()
}

// Unregister removes a registration. It reports whether one existed.
func (r *Repository) Unregister(ctx context.Context, id domain.ProviderID) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM registrations WHERE module = ? AND entry = ?`, id.Module, id.EntryPoint)
	if err != nil {
		return false, fmt.Errorf("failed to delete registration: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM registration_actions WHERE module = ? AND entry = ?`, id.Module, id.EntryPoint); err != nil {
		return false, fmt.Errorf("failed to delete actions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRegistration loads a single registration
func (r *Repository) GetRegistration(ctx context.Context, id domain.ProviderID) (*domain.Registration, error) {
	row := r.db.QueryRowContext(ctx, registrationSelect+`
		WHERE r.module = ? AND r.entry = ?
		GROUP BY r.module, r.entry
	`, id.Module, id.EntryPoint)

	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("registration %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// ListRegistrations returns registrations advertising action, in registration
// order. An empty action lists everything.
func (r *Repository) ListRegistrations(ctx context.Context, action string) ([]domain.Registration, error) {
	rows, err := r.db.QueryContext(ctx, registrationSelect+`
		WHERE ? = '' OR EXISTS (
			SELECT 1 FROM registration_actions x
			WHERE x.module = r.module AND x.entry = r.entry AND x.action = ?
		)
		GROUP BY r.module, r.entry
		ORDER BY r.rowid
	`, action, action)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registrations: %w", err)
	}

	return regs, nil
}

// Query implements registry.Source
func (r *Repository) Query(ctx context.Context, action string) ([]domain.Registration, error) {
	return r.ListRegistrations(ctx, action)
}

const registrationSelect = `
	SELECT r.module, r.entry, r.metadata, GROUP_CONCAT(a.action, char(31))
	FROM registrations r
	LEFT JOIN registration_actions a ON a.module = r.module AND a.entry = r.entry
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*domain.Registration, error) {
	var (
		module, entry     string
		metadata, actions sql.NullString
	)
	if err := row.Scan(&module, &entry, &metadata, &actions); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan registration: %w", err)
	}

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &domain.Registration{
		Module:     module,
		EntryPoint: entry,
		Actions:    splitActions(actions),
		Metadata:   meta,
		Source:     "database",
	}, nil
}
