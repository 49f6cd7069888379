package sandbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS command_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command_id TEXT NOT NULL,
    command TEXT NOT NULL,
    args TEXT,
    cwd TEXT,
    exit_code INTEGER,
    duration_ms INTEGER,
    stdout_len INTEGER,
    stderr_len INTEGER,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pty_sessions (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    ended_at TEXT,
    bytes_in INTEGER DEFAULT 0,
    bytes_out INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// AuditDB is the per-sandbox audit log of commands, PTY sessions and
// events. Nothing in the spec's non-goals excludes it; it's the teacher's
// per-sandbox SQLite database, trimmed of the NATS sync bookkeeping
// (single host, no multi-node fan-in to sync toward). The Log* methods
// are its only writers, and no server code path calls them; the server
// only removes the database, through AuditManager.Remove in
// Controller.Delete.
type AuditDB struct {
	db *sql.DB
}

// OpenAuditDB opens or creates cmd_audit.db inside the sandbox's
// workspace-adjacent data directory.
func OpenAuditDB(dataDir, sandboxID string) (*AuditDB, error) {
	dir := filepath.Join(dataDir, sandboxID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("audit db: mkdir: %w", err)
	}
	dbPath := filepath.Join(dir, "cmd_audit.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit db: open: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit db: schema: %w", err)
	}
	return &AuditDB{db: db}, nil
}

// Close closes the underlying handle.
func (a *AuditDB) Close() error { return a.db.Close() }

// LogCommand records one completed command execution.
func (a *AuditDB) LogCommand(commandID, command string, args []string, cwd string, exitCode, durationMs, stdoutLen, stderrLen int) error {
	argsJSON, _ := json.Marshal(args)
	_, err := a.db.Exec(
		`INSERT INTO command_log (command_id, command, args, cwd, exit_code, duration_ms, stdout_len, stderr_len) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		commandID, command, string(argsJSON), cwd, exitCode, durationMs, stdoutLen, stderrLen)
	return err
}

// LogPTYStart records a PTY session start.
func (a *AuditDB) LogPTYStart(ptyID string) error {
	_, err := a.db.Exec(`INSERT INTO pty_sessions (id) VALUES (?)`, ptyID)
	return err
}

// LogPTYEnd records a PTY session end with byte counters.
func (a *AuditDB) LogPTYEnd(ptyID string, bytesIn, bytesOut int64) error {
	_, err := a.db.Exec(
		`UPDATE pty_sessions SET ended_at = datetime('now'), bytes_in = ?, bytes_out = ? WHERE id = ?`,
		bytesIn, bytesOut, ptyID)
	return err
}

// LogEvent records a generic lifecycle event against this sandbox.
func (a *AuditDB) LogEvent(eventType string, payload interface{}) error {
	data, _ := json.Marshal(payload)
	_, err := a.db.Exec(`INSERT INTO events (type, payload) VALUES (?, ?)`, eventType, string(data))
	return err
}

// AuditManager owns one AuditDB per live sandbox, opened lazily.
type AuditManager struct {
	dataDir string
	mu      sync.Mutex
	dbs     map[string]*AuditDB
}

// NewAuditManager creates an AuditManager rooted at dataDir.
func NewAuditManager(dataDir string) *AuditManager {
	return &AuditManager{dataDir: dataDir, dbs: make(map[string]*AuditDB)}
}

// Get returns (opening if necessary) the AuditDB for sandboxID.
func (m *AuditManager) Get(sandboxID string) (*AuditDB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[sandboxID]; ok {
		return db, nil
	}
	db, err := OpenAuditDB(m.dataDir, sandboxID)
	if err != nil {
		return nil, err
	}
	m.dbs[sandboxID] = db
	return db, nil
}

// Remove closes and deletes the audit database for sandboxID.
func (m *AuditManager) Remove(sandboxID string) error {
	m.mu.Lock()
	db, ok := m.dbs[sandboxID]
	delete(m.dbs, sandboxID)
	m.mu.Unlock()
	if ok {
		db.Close()
	}
	return os.RemoveAll(filepath.Join(m.dataDir, sandboxID))
}

// CloseAll closes every open audit database.
func (m *AuditManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, db := range m.dbs {
		db.Close()
	}
	m.dbs = make(map[string]*AuditDB)
}
