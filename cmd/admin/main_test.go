package main

import (
	"strings"
	"testing"
	"time"

	"soundlines.art/internal/persistence/journal"
	"soundlines.art/internal/persistence/snapshot"
	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/world"
)

func TestParseIDs(t *testing.T) {
	got, err := parseIDs(" 3, 14 ,15")
	if err != nil {
		t.Fatalf("parseIDs: %v", err)
	}
	if len(got) != 3 || got[0] != 3 || got[1] != 14 || got[2] != 15 {
		t.Fatalf("got=%v want=[3 14 15]", got)
	}
	if got, _ := parseIDs(""); got != nil {
		t.Fatalf("empty: got=%v want=nil", got)
	}
	if _, err := parseIDs("1,x"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestSnapshotSummary(t *testing.T) {
	doc := snapshot.Document{
		Entities: []ecology.Entity{{ID: 1, Prefab: "fern"}, {ID: 2, Prefab: "fern"}, {ID: 3, Prefab: "moss"}},
		Seeds:    []ecology.Seed{{ID: 4}},
	}
	m := snapshotSummary(doc)
	if m["entities"] != 3 || m["seeds"] != 1 {
		t.Fatalf("summary=%v", m)
	}
	per := m["per_species"].(map[string]int)
	if per["fern"] != 2 || per["moss"] != 1 {
		t.Fatalf("per_species=%v", per)
	}
	if _, ok := m["temperature"]; ok {
		t.Fatalf("temperature present without weather")
	}
}

func TestJournalSummary(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []journal.Entry{
		{Tick: 100, At: at, StepsPerSec: 10, Entities: 5, Stats: world.FlushStats{Bloomed: 1, Died: 2}},
		{Tick: 150, At: at.Add(5 * time.Second), StepsPerSec: 20, Entities: 4, Seeds: 2, Stats: world.FlushStats{Bloomed: 3, SeedsDied: 1}},
	}
	m := journalSummary(entries)
	if m["flushes"] != 2 || m["ticks"] != uint64(50) {
		t.Fatalf("summary=%v", m)
	}
	if m["bloomed"] != 4 || m["died"] != 2 || m["seeds_died"] != 1 {
		t.Fatalf("totals=%v", m)
	}
	if m["entities"] != 4 || m["seeds"] != 2 {
		t.Fatalf("last counts=%v", m)
	}
	if m["mean_steps_per_sec"] != 15.0 {
		t.Fatalf("mean=%v want=15", m["mean_steps_per_sec"])
	}
	if got := journalSummary(nil); got["flushes"] != 0 || len(got) != 1 {
		t.Fatalf("empty=%v", got)
	}
}

func TestReadSpecies(t *testing.T) {
	doc := `
species:
  - prefab: fern
    growth_limit: 10
    life_expectancy: 100
    neighbor_tolerance: 3
    birth_proba: 0.5
    bloom_proba: 0.2
    mating_freq: 10
    mating_duration: 3
    fruit_duration: 5
    mating_distance: 20
    crowd_distance: 10
  - prefab: moss
    life_expectancy: 40
    mating_freq: 4
`
	got, err := readSpecies(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("readSpecies: %v", err)
	}
	if len(got) != 2 || got[0].Prefab != "fern" || got[0].CrowdDistance != 10 || got[1].MatingFreq != 4 {
		t.Fatalf("got=%+v", got)
	}

	bad := map[string]string{
		"empty":         ``,
		"no species":    "species: []\n",
		"unknown field": "species:\n  - prefab: fern\n    mating_freq: 1\n    life_expectancy: 1\n    colour: red\n",
		"no prefab":     "species:\n  - mating_freq: 1\n    life_expectancy: 1\n",
		"zero freq":     "species:\n  - prefab: fern\n    life_expectancy: 1\n",
		"negative dist": "species:\n  - prefab: fern\n    mating_freq: 1\n    life_expectancy: 1\n    crowd_distance: -1\n",
	}
	for name, doc := range bad {
		if _, err := readSpecies(strings.NewReader(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDiffNeighbors(t *testing.T) {
	before := map[int64]ecology.NeighborEntry{
		1: {Mating: []int64{2, 3}, Crowd: []int64{2}},
		2: {Mating: []int64{1}},
		4: {Crowd: []int64{5}},
	}
	after := map[int64]ecology.NeighborEntry{
		1: {Mating: []int64{3, 2}, Crowd: []int64{2}},
		2: {Mating: []int64{1, 3}},
		3: {Mating: []int64{1, 2}},
	}
	got := diffNeighbors(before, after)
	if want := (neighborDrift{added: 1, removed: 1, changed: 1}); got != want {
		t.Fatalf("got=%+v want=%+v", got, want)
	}
	if got := diffNeighbors(after, after); got != (neighborDrift{}) {
		t.Fatalf("identical tables drifted: %+v", got)
	}
}
