package sandbox

import (
	"os"
	"testing"
)

func TestAuditDB_LogCommandAndEvent(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenAuditDB(dir, "sbx_1")
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	defer db.Close()

	if err := db.LogCommand("cmd_1", "ls", []string{"-la"}, "/home", 0, 42, 100, 0); err != nil {
		t.Fatalf("log command: %v", err)
	}
	if err := db.LogPTYStart("pty_1"); err != nil {
		t.Fatalf("log pty start: %v", err)
	}
	if err := db.LogPTYEnd("pty_1", 10, 20); err != nil {
		t.Fatalf("log pty end: %v", err)
	}
	if err := db.LogEvent("sandbox.created", map[string]string{"id": "sbx_1"}); err != nil {
		t.Fatalf("log event: %v", err)
	}

	if _, err := os.Stat(dir + "/sbx_1/cmd_audit.db"); err != nil {
		t.Errorf("expected audit db file on disk: %v", err)
	}
}

func TestAuditManager_GetIsCachedPerSandbox(t *testing.T) {
	m := NewAuditManager(t.TempDir())
	defer m.CloseAll()

	a, err := m.Get("sbx_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := m.Get("sbx_1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if a != b {
		t.Error("expected same *AuditDB instance for repeated Get on same sandbox")
	}
}

func TestAuditManager_Remove(t *testing.T) {
	dataDir := t.TempDir()
	m := NewAuditManager(dataDir)
	defer m.CloseAll()

	if _, err := m.Get("sbx_1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := m.Remove("sbx_1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dataDir + "/sbx_1"); !os.IsNotExist(err) {
		t.Errorf("expected sandbox data dir removed, stat err = %v", err)
	}

	// Get after Remove must reopen cleanly.
	if _, err := m.Get("sbx_1"); err != nil {
		t.Fatalf("get after remove: %v", err)
	}
}
