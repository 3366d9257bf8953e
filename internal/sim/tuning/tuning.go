package tuning

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Store    Store    `yaml:"store"`
	Sim      Sim      `yaml:"sim"`
	Grid     Grid     `yaml:"grid"`
	Snapshot Snapshot `yaml:"snapshot"`
	Observer Observer `yaml:"observer"`
	Journal  Journal  `yaml:"journal"`
	Mirror   Mirror   `yaml:"mirror"`
}

type Store struct {
	Backend string `yaml:"backend"` // sqlite | postgres
	DSN     string `yaml:"dsn"`
}

type Sim struct {
	SeedMaxAge    float64       `yaml:"seed_max_age"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	NotifyWait    time.Duration `yaml:"notify_wait"`
	// TickInterval of zero runs ticks back to back.
	TickInterval time.Duration `yaml:"tick_interval"`
	WindSpeed    float64       `yaml:"wind_speed"`
	// NeighborRebuildInterval of zero rebuilds only after bulk changes.
	NeighborRebuildInterval time.Duration `yaml:"neighbor_rebuild_interval"`
	RandSeed                uint64        `yaml:"rand_seed"`
}

type Grid struct {
	CellSize float64 `yaml:"cell_size"`
}

type Snapshot struct {
	IntervalMinutes int    `yaml:"interval_minutes"`
	Dir             string `yaml:"dir"`
	Timezone        string `yaml:"timezone"`
	Compress        bool   `yaml:"compress"`
	KeepPlain       int    `yaml:"keep_plain"`
}

type Observer struct {
	Addr string `yaml:"addr"`
}

type Journal struct {
	Dir string `yaml:"dir"`
}

type Mirror struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	Workers         int    `yaml:"workers"`
}

func Defaults() Tuning {
	return Tuning{
		Store: Store{Backend: "sqlite", DSN: "./data/soundlines.sqlite"},
		Sim: Sim{
			SeedMaxAge:    250,
			FlushInterval: 5 * time.Second,
			NotifyWait:    time.Millisecond,
			WindSpeed:     30,
		},
		Grid: Grid{CellSize: 50},
		Snapshot: Snapshot{
			IntervalMinutes: 60,
			Dir:             "./snapshots",
			Timezone:        "Local",
			KeepPlain:       24,
		},
		Mirror: Mirror{Workers: 2},
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// ApplyEnv overrides values from SOUNDLINES_* variables and DATABASE_URL.
func (t *Tuning) ApplyEnv() {
	if v := envString("SOUNDLINES_DB_BACKEND"); v != "" {
		t.Store.Backend = v
	}
	if v := envString("DATABASE_URL"); v != "" {
		t.Store.DSN = v
	}
	if v := envString("SOUNDLINES_SEED_MAX_AGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			t.Sim.SeedMaxAge = f
		}
	}
	if v := envString("SOUNDLINES_OBSERVER_ADDR"); v != "" {
		t.Observer.Addr = v
	}
	t.Mirror.Enabled = envBool("SOUNDLINES_MIRROR", t.Mirror.Enabled)
	if v := envString("SOUNDLINES_MIRROR_ENDPOINT"); v != "" {
		t.Mirror.Endpoint = v
	}
	if v := envString("SOUNDLINES_MIRROR_BUCKET"); v != "" {
		t.Mirror.Bucket = v
	}
	if v := envString("SOUNDLINES_MIRROR_ACCESS_KEY_ID"); v != "" {
		t.Mirror.AccessKeyID = v
	}
	if v := envString("SOUNDLINES_MIRROR_SECRET_ACCESS_KEY"); v != "" {
		t.Mirror.SecretAccessKey = v
	}
	if v := envString("SOUNDLINES_MIRROR_PREFIX"); v != "" {
		t.Mirror.Prefix = v
	}
	t.Mirror.Workers = envInt("SOUNDLINES_MIRROR_WORKERS", t.Mirror.Workers)
}

func (t Tuning) Validate() error {
	switch t.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.backend must be sqlite or postgres, got %q", t.Store.Backend)
	}
	if t.Sim.SeedMaxAge <= 0 {
		return fmt.Errorf("sim.seed_max_age must be > 0")
	}
	if t.Sim.FlushInterval <= 0 {
		return fmt.Errorf("sim.flush_interval must be > 0")
	}
	if t.Sim.NotifyWait < 0 || t.Sim.TickInterval < 0 || t.Sim.NeighborRebuildInterval < 0 {
		return fmt.Errorf("sim intervals must not be negative")
	}
	if t.Grid.CellSize <= 0 {
		return fmt.Errorf("grid.cell_size must be > 0")
	}
	if n := t.Snapshot.IntervalMinutes; n <= 0 || (n > 59 && (n%60 != 0 || n > 23*60)) {
		return fmt.Errorf("snapshot.interval_minutes must be in [1,59] or a whole number of hours up to 23, got %d", n)
	}
	if t.Mirror.Enabled && (t.Mirror.Endpoint == "" || t.Mirror.Bucket == "" || t.Mirror.AccessKeyID == "" || t.Mirror.SecretAccessKey == "") {
		return fmt.Errorf("mirror enabled but endpoint/bucket/keys are not fully set")
	}
	return nil
}

// Location resolves Snapshot.Timezone; empty and "Local" mean time.Local.
func (s Snapshot) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string, def bool) bool {
	v := envString(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := envString(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
