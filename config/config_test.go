package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMergesEnvironmentFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: "8080"
storage:
  driver: postgres
db:
  host: db.internal
  name: progress
  password: ${DB_PASSWORD_TEST}
engine:
  refresh_interval: 30s
  refresh_concurrency: 4
`)
	writeFile(t, dir, "staging.yaml", `
engine:
  refresh_interval: 5s
`)
	writeFile(t, dir, "secrets.env", "DB_PASSWORD_TEST=from-secrets\n")

	cfg, err := Load("staging", dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DB.Password != "from-secrets" {
		t.Errorf("password = %q, want placeholder replaced from secrets.env", cfg.DB.Password)
	}
	if cfg.Engine.RefreshInterval != 5*time.Second {
		t.Errorf("refresh interval = %v, want env file override", cfg.Engine.RefreshInterval)
	}
	if cfg.Engine.RefreshConcurrency != 4 {
		t.Errorf("concurrency = %d, want base value kept", cfg.Engine.RefreshConcurrency)
	}
	if cfg.Engine.RecomputeBatchSize <= 0 || cfg.Engine.LockTimeout <= 0 {
		t.Errorf("engine defaults not applied: %+v", cfg.Engine)
	}
	if cfg.Addr() != ":8080" || !cfg.UsesPostgres() {
		t.Errorf("addr = %q, postgres = %v", cfg.Addr(), cfg.UsesPostgres())
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
storage:
  driver: postgres
db:
  host: db.internal
  name: progress
`)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("ENGINE_REFRESH_INTERVAL", "250ms")

	cfg, err := Load("local", dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UsesPostgres() {
		t.Error("STORAGE_DRIVER override ignored")
	}
	if cfg.Engine.RefreshInterval != 250*time.Millisecond {
		t.Errorf("refresh interval = %v", cfg.Engine.RefreshInterval)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "storage:\n  driver: sqlite\n")
	if _, err := Load("local", dir); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
}
