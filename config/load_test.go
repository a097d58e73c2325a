package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "db_driver: sqlite\ndb_path: " + filepath.Join(dir, "cases.db") + "\nautosave:\n  interval_ms: 1500\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsSQLite() {
		t.Fatalf("expected sqlite config")
	}
	if cfg.Cases.RegNoFormat != "CASE-{year}-{seq:05}" {
		t.Fatalf("unexpected reg format %q", cfg.Cases.RegNoFormat)
	}
	if !cfg.Autosave.Enabled || cfg.Autosave.Interval() != 1500*time.Millisecond {
		t.Fatalf("unexpected autosave %+v", cfg.Autosave)
	}
}

func TestAutosaveIntervalDisabled(t *testing.T) {
	if got := (AutosaveConfig{Enabled: false, IntervalMs: 1000}).Interval(); got != 0 {
		t.Fatalf("disabled autosave must not arm a timer, got %v", got)
	}
	if got := (AutosaveConfig{Enabled: true, IntervalMs: 0}).Interval(); got != 0 {
		t.Fatalf("zero interval must not arm a timer, got %v", got)
	}
}
