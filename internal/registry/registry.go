// Package registry is the durable state registry of VM records: a sqlite
// table keyed by id, with a unique index on name, migrated through
// golang-migrate instead of the single embedded schema.sql the rest of this
// codebase's sibling stores use.
package registry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Status is a VM's lifecycle state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
)

// Record is one persisted VM state row.
type Record struct {
	ID         string
	Name       string // empty if unnamed
	PID        int
	ImageRef   string // empty if not derived from an image
	SocketPath string
	Status     Status
	AutoRemove bool
	ConfigJSON string
	CreatedAt  time.Time
}

var (
	ErrNotFound  = errors.New("registry: not found")
	ErrAmbiguous = errors.New("registry: ambiguous")
	ErrNameInUse = errors.New("registry: name in use")
)

// Registry wraps the sqlite-backed VM state table.
type Registry struct {
	db *sql.DB
}

// Open opens (creating and migrating if needed) the registry database at
// path, in WAL mode exactly as the image store does.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Registry{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("registry: migration driver: %w", err)
	}
	sourceFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("registry: migration source fs: %w", err)
	}
	source, err := iofs.New(sourceFS, ".")
	if err != nil {
		return fmt.Errorf("registry: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("registry: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("registry: run migrations: %w", err)
	}
	return nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Insert adds a new VM record. Fails with ErrNameInUse if name is non-empty
// and already taken.
func (r *Registry) Insert(rec Record) error {
	var name any
	if rec.Name != "" {
		name = rec.Name
	}
	var imageRef any
	if rec.ImageRef != "" {
		imageRef = rec.ImageRef
	}
	_, err := r.db.Exec(`
		INSERT INTO vm_states (id, name, pid, image_ref, socket_path, status, auto_remove, config_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		rec.ID, name, rec.PID, imageRef, rec.SocketPath, string(rec.Status), boolToInt(rec.AutoRemove), rec.ConfigJSON)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("registry: insert %s: %w", rec.ID, ErrNameInUse)
		}
		return fmt.Errorf("registry: insert %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Registry) UpdateStatus(id string, status Status) error {
	res, err := r.db.Exec(`UPDATE vm_states SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("registry: update status %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// UpdateName atomically renames a record; fails with ErrNameInUse if newName
// is already held by a different id.
func (r *Registry) UpdateName(id, newName string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("registry: begin rename: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRow(`SELECT id FROM vm_states WHERE name = ?`, newName).Scan(&existingID)
	if err == nil && existingID != id {
		return fmt.Errorf("registry: rename %s to %q: %w", id, newName, ErrNameInUse)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("registry: check name conflict: %w", err)
	}

	res, err := tx.Exec(`UPDATE vm_states SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("registry: rename %s: %w", id, err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Registry) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM vm_states WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	return requireAffected(res, id)
}

func (r *Registry) GetByName(name string) (Record, error) {
	row := r.db.QueryRow(`SELECT id, name, pid, image_ref, socket_path, status, auto_remove, config_json, created_at FROM vm_states WHERE name = ?`, name)
	return scanRecord(row)
}

func (r *Registry) GetByID(id string) (Record, error) {
	row := r.db.QueryRow(`SELECT id, name, pid, image_ref, socket_path, status, auto_remove, config_json, created_at FROM vm_states WHERE id = ?`, id)
	return scanRecord(row)
}

// GetByIDPrefix resolves prefix against stored ids: an exact match wins
// outright; otherwise a unique `LIKE 'prefix%'` match is returned; zero
// matches is ErrNotFound, more than one is ErrAmbiguous.
func (r *Registry) GetByIDPrefix(prefix string) (Record, error) {
	if rec, err := r.GetByID(prefix); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	rows, err := r.db.Query(`SELECT id, name, pid, image_ref, socket_path, status, auto_remove, config_json, created_at FROM vm_states WHERE id LIKE ? ORDER BY created_at DESC`, prefix+"%")
	if err != nil {
		return Record{}, fmt.Errorf("registry: prefix query %s: %w", prefix, err)
	}
	defer rows.Close()

	var matches []Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return Record{}, err
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("registry: prefix query %s: %w", prefix, err)
	}

	switch len(matches) {
	case 0:
		return Record{}, fmt.Errorf("registry: prefix %q: %w", prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return Record{}, fmt.Errorf("registry: prefix %q matches %d records: %w", prefix, len(matches), ErrAmbiguous)
	}
}

// List returns all records, newest first.
func (r *Registry) List() ([]Record, error) {
	rows, err := r.db.Query(`SELECT id, name, pid, image_ref, socket_path, status, auto_remove, config_json, created_at FROM vm_states ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (Record, error) {
	rec, err := scanRecordGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("registry: %w", ErrNotFound)
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (Record, error) {
	return scanRecordGeneric(rows)
}

func scanRecordGeneric(s rowScanner) (Record, error) {
	var rec Record
	var name, imageRef sql.NullString
	var status string
	var autoRemove int
	err := s.Scan(&rec.ID, &name, &rec.PID, &imageRef, &rec.SocketPath, &status, &autoRemove, &rec.ConfigJSON, &rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Name = name.String
	rec.ImageRef = imageRef.String
	rec.Status = Status(status)
	rec.AutoRemove = autoRemove != 0
	return rec, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("registry: %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
