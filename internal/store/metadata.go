// Package store is the MetadataStore: the durable record of every
// sandbox, indexed by id, state and expiry. It follows the schema-on-open,
// WAL-mode sqlite idiom the rest of the codebase uses for its per-sandbox
// audit logs, generalized to the single, server-wide metadata database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandboxes (
    id             TEXT PRIMARY KEY,
    name           TEXT,
    state          TEXT NOT NULL,
    template       TEXT NOT NULL,
    container_ref  TEXT,
    workspace_path TEXT,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL,
    expiring_sent  INTEGER NOT NULL DEFAULT 0,
    config_json    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state);
CREATE INDEX IF NOT EXISTS idx_sandboxes_expires_at ON sandboxes(expires_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sandboxes_name_live
    ON sandboxes(name) WHERE name IS NOT NULL AND name != '' AND state != 'stopped';
`

// ErrNotFound is returned by Get/Update when no record matches the id.
var ErrNotFound = fmt.Errorf("sandbox record not found")

// ErrNameConflict is returned by Insert/Update when name uniqueness would
// be violated among live (non-stopped) records.
var ErrNameConflict = fmt.Errorf("sandbox name already in use")

// Store is the MetadataStore. All exported methods are safe for
// concurrent use; sqlite's own locking plus WAL mode serializes writers
// while letting readers proceed against the last committed snapshot.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the metadata database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("metadata store: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("metadata store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers across conns
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowFromSandbox(sb *types.Sandbox) ([]interface{}, error) {
	cfg, err := json.Marshal(sb.Config)
	if err != nil {
		return nil, err
	}
	expiringSent := 0
	if sb.ExpiringNotified {
		expiringSent = 1
	}
	var name interface{}
	if sb.Name != "" {
		name = sb.Name
	}
	return []interface{}{
		sb.ID, name, string(sb.State), sb.Template, sb.ContainerRef, sb.WorkspacePath,
		sb.CreatedAt, sb.UpdatedAt, sb.ExpiresAt, expiringSent, string(cfg),
	}, nil
}

// Insert durably records a newly created sandbox. Callers must insert
// before doing any container work, per the controller's create sequencing.
func (s *Store) Insert(sb *types.Sandbox) error {
	vals, err := rowFromSandbox(sb)
	if err != nil {
		return fmt.Errorf("metadata store: marshal config: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO sandboxes
		(id, name, state, template, container_ref, workspace_path, created_at, updated_at, expires_at, expiring_sent, config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, vals...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameConflict
		}
		return fmt.Errorf("metadata store: insert: %w", err)
	}
	return nil
}

// Mutator transforms an in-memory copy of the record; Update persists the
// result atomically. Returning an error aborts the update with no write.
type Mutator func(sb *types.Sandbox) error

// Update loads the record, applies mutate, and writes the result back in
// one transaction — the store's only atomic read-modify-write primitive.
func (s *Store) Update(id string, mutate Mutator) (*types.Sandbox, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("metadata store: begin: %w", err)
	}
	defer tx.Rollback()

	sb, err := scanOne(tx.QueryRow(selectCols+` FROM sandboxes WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := mutate(sb); err != nil {
		return nil, err
	}
	sb.UpdatedAt = nowMillis()

	vals, err := rowFromSandbox(sb)
	if err != nil {
		return nil, err
	}
	// reorder: name, state, template, container_ref, workspace_path, created_at,
	// updated_at, expires_at, expiring_sent, config_json, id
	_, err = tx.Exec(`UPDATE sandboxes SET
		name=?, state=?, template=?, container_ref=?, workspace_path=?,
		created_at=?, updated_at=?, expires_at=?, expiring_sent=?, config_json=?
		WHERE id=?`,
		vals[1], vals[2], vals[3], vals[4], vals[5], vals[6], vals[7], vals[8], vals[9], vals[10], id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameConflict
		}
		return nil, fmt.Errorf("metadata store: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metadata store: commit: %w", err)
	}
	return sb, nil
}

const selectCols = `SELECT id, name, state, template, container_ref, workspace_path, created_at, updated_at, expires_at, expiring_sent, config_json`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row rowScanner) (*types.Sandbox, error) {
	var sb types.Sandbox
	var name, containerRef, workspacePath sql.NullString
	var state, cfgJSON string
	var expiringSent int
	if err := row.Scan(&sb.ID, &name, &state, &sb.Template, &containerRef, &workspacePath,
		&sb.CreatedAt, &sb.UpdatedAt, &sb.ExpiresAt, &expiringSent, &cfgJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadata store: scan: %w", err)
	}
	sb.Name = name.String
	sb.State = types.SandboxState(state)
	sb.ContainerRef = containerRef.String
	sb.WorkspacePath = workspacePath.String
	sb.ExpiringNotified = expiringSent != 0
	if cfgJSON != "" {
		_ = json.Unmarshal([]byte(cfgJSON), &sb.Config)
	}
	return &sb, nil
}

// Get returns the current record for id.
func (s *Store) Get(id string) (*types.Sandbox, error) {
	return scanOne(s.db.QueryRow(selectCols+` FROM sandboxes WHERE id = ?`, id))
}

// Delete removes the record for id. Not an error if it doesn't exist.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sandboxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("metadata store: delete: %w", err)
	}
	return nil
}

// List returns records matching filter, newest first.
func (s *Store) List(filter types.ListFilter) ([]*types.Sandbox, error) {
	query := selectCols + ` FROM sandboxes WHERE 1=1`
	var args []interface{}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.NamePrefix != "" {
		query += ` AND name LIKE ?`
		args = append(args, filter.NamePrefix+"%")
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	page := filter.Page
	if page < 0 {
		page = 0
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, page*limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata store: list: %w", err)
	}
	defer rows.Close()

	var out []*types.Sandbox
	for rows.Next() {
		sb, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// ScanExpired returns the ids of all records whose expires_at has passed
// and whose state is not already stopped/error/stopping.
func (s *Store) ScanExpired(now int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sandboxes WHERE expires_at <= ? AND state IN ('starting', 'running')`, now)
	if err != nil {
		return nil, fmt.Errorf("metadata store: scan_expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScanAll returns every record, used for restart recovery.
func (s *Store) ScanAll() ([]*types.Sandbox, error) {
	rows, err := s.db.Query(selectCols + ` FROM sandboxes`)
	if err != nil {
		return nil, fmt.Errorf("metadata store: scan_all: %w", err)
	}
	defer rows.Close()

	var out []*types.Sandbox
	for rows.Next() {
		sb, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed"))
}

func containsAny(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
