package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"soundlines.art/internal/persistence/journal"
	"soundlines.art/internal/persistence/snapshot"
)

// infoCmd summarises a snapshot (.json, .json.zst) or flush journal
// (.jsonl.zst) file.
func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin info <file>")
		os.Exit(2)
	}
	path := fs.Arg(0)
	fi, err := os.Stat(path)
	if err != nil {
		fatal("stat:", err)
	}

	var out any
	if strings.HasSuffix(path, ".jsonl.zst") {
		entries, err := journal.ReadFile(path)
		if err != nil {
			fatal("read journal:", err)
		}
		out = journalSummary(entries)
	} else {
		doc, err := snapshot.Read(path)
		if err != nil {
			fatal("read snapshot:", err)
		}
		out = snapshotSummary(doc)
	}

	fmt.Printf("%s (%s)\n", filepath.Base(path), humanize.Bytes(uint64(fi.Size())))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func snapshotSummary(doc snapshot.Document) map[string]any {
	perSpecies := map[string]int{}
	for _, e := range doc.Entities {
		perSpecies[e.Prefab]++
	}
	m := map[string]any{
		"taken_at":    doc.TakenAt,
		"entities":    len(doc.Entities),
		"seeds":       len(doc.Seeds),
		"cells":       len(doc.Cells),
		"users":       len(doc.Users),
		"species":     len(doc.Settings),
		"per_species": perSpecies,
	}
	if doc.Weather != nil {
		m["temperature"] = doc.Weather.Temperature
	}
	return m
}

func journalSummary(entries []journal.Entry) map[string]any {
	m := map[string]any{"flushes": len(entries)}
	if len(entries) == 0 {
		return m
	}
	first, last := entries[0], entries[len(entries)-1]
	var bloomed, died, seedsDied int
	var sps float64
	for _, e := range entries {
		bloomed += e.Stats.Bloomed
		died += e.Stats.Died
		seedsDied += e.Stats.SeedsDied
		sps += e.StepsPerSec
	}
	m["from"] = first.At
	m["to"] = last.At
	m["ticks"] = last.Tick - first.Tick
	m["entities"] = last.Entities
	m["seeds"] = last.Seeds
	m["bloomed"] = bloomed
	m["died"] = died
	m["seeds_died"] = seedsDied
	m["mean_steps_per_sec"] = sps / float64(len(entries))
	return m
}
