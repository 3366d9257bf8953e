package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRepoConfig(t *testing.T) {
	cfg, err := Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning.yaml: %v", err)
	}
	if cfg.Sim.FlushInterval != 5*time.Second {
		t.Fatalf("flush_interval: got=%v want=5s", cfg.Sim.FlushInterval)
	}
	if cfg.Sim.NotifyWait != time.Millisecond {
		t.Fatalf("notify_wait: got=%v want=1ms", cfg.Sim.NotifyWait)
	}
	if cfg.Snapshot.IntervalMinutes != 10 {
		t.Fatalf("interval_minutes: got=%d", cfg.Snapshot.IntervalMinutes)
	}
	if cfg.Snapshot.Timezone != "Asia/Seoul" {
		t.Fatalf("timezone: got=%q", cfg.Snapshot.Timezone)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("sim:\n  seed_max_age: 90\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sim.SeedMaxAge != 90 {
		t.Fatalf("seed_max_age: got=%v want=90", cfg.Sim.SeedMaxAge)
	}
	if cfg.Sim.FlushInterval != 5*time.Second || cfg.Grid.CellSize != 50 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sim.SeedMaxAge != 250 || cfg.Store.Backend != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Tuning){
		"backend":      func(c *Tuning) { c.Store.Backend = "mysql" },
		"seed age":     func(c *Tuning) { c.Sim.SeedMaxAge = 0 },
		"flush":        func(c *Tuning) { c.Sim.FlushInterval = 0 },
		"cell":         func(c *Tuning) { c.Grid.CellSize = -1 },
		"snapshot":     func(c *Tuning) { c.Snapshot.IntervalMinutes = 0 },
		"snapshot 61":  func(c *Tuning) { c.Snapshot.IntervalMinutes = 61 },
		"snapshot 90":  func(c *Tuning) { c.Snapshot.IntervalMinutes = 90 },
		"snapshot 24h": func(c *Tuning) { c.Snapshot.IntervalMinutes = 24 * 60 },
		"mirror":       func(c *Tuning) { c.Mirror.Enabled = true },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate(): %v", err)
	}
}

func TestValidateSnapshotInterval(t *testing.T) {
	for _, n := range []int{1, 10, 59, 60, 120, 23 * 60} {
		cfg := Defaults()
		cfg.Snapshot.IntervalMinutes = n
		if err := cfg.Validate(); err != nil {
			t.Fatalf("interval %d: %v", n, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SOUNDLINES_DB_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/soundlines")
	t.Setenv("SOUNDLINES_SEED_MAX_AGE", "120")
	t.Setenv("SOUNDLINES_MIRROR_WORKERS", "nope")
	cfg := Defaults()
	cfg.ApplyEnv()
	if cfg.Store.Backend != "postgres" || cfg.Store.DSN != "postgres://localhost/soundlines" {
		t.Fatalf("store: %+v", cfg.Store)
	}
	if cfg.Sim.SeedMaxAge != 120 {
		t.Fatalf("seed max age: got=%v", cfg.Sim.SeedMaxAge)
	}
	if cfg.Mirror.Workers != 2 {
		t.Fatalf("invalid worker count should keep default, got %d", cfg.Mirror.Workers)
	}
}
