// Command replay advances a snapshot offline for a number of ticks and prints
// what each flush would have written. Nothing touches the store.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"soundlines.art/internal/persistence/journal"
	"soundlines.art/internal/persistence/snapshot"
	"soundlines.art/internal/sim/world"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to a snapshot .json or .json.zst")
		ticks      = flag.Int("ticks", 1000, "ticks to advance")
		flushEvery = flag.Int("flush_every", 100, "ticks per flush")
		seed       = flag.Uint64("seed", 1, "random seed (0 seeds from the clock)")
		seedMaxAge = flag.Float64("seed_max_age", 0, "seed max age (default 250)")
		wind       = flag.Float64("wind", 0, "wind speed in metres (default 30)")
		journalDir = flag.String("journal", "", "also write flush entries to this journal dir")
		outPath    = flag.String("out", "", "write the final state as a snapshot to this path")
		quiet      = flag.Bool("q", false, "do not log per flush")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	if *ticks <= 0 || *flushEvery <= 0 {
		fmt.Fprintln(os.Stderr, "-ticks and -flush_every must be positive")
		os.Exit(2)
	}

	doc, err := snapshot.Read(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot taken_at=%s entities=%d seeds=%d cells=%d species=%d\n",
		doc.TakenAt.Format(time.RFC3339), len(doc.Entities), len(doc.Seeds), len(doc.Cells), len(doc.Settings))

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "[replay] ", log.LstdFlags|log.Lmicroseconds)
	}
	w := world.New(world.WorldConfig{
		SeedMaxAge: *seedMaxAge,
		WindSpeed:  *wind,
		RandSeed:   *seed,
	}, logger)
	w.ImportSnapshot(doc)

	if *journalDir != "" {
		j := journal.NewFlushJournal(*journalDir)
		defer j.Close()
		w.OnFlush(func(f world.Frame) {
			if err := j.Record(f); err != nil {
				fmt.Fprintln(os.Stderr, "journal:", err)
			}
		})
	}

	var total world.FlushStats
	var seedDrafts, entityDrafts int
	start := time.Now()
	window := start
	for i := 1; i <= *ticks; i++ {
		w.Step()
		if i%*flushEvery != 0 && i != *ticks {
			continue
		}
		now := time.Now()
		b, f := w.Flush(now, now.Sub(window))
		window = now
		seedDrafts += len(b.SeedDrafts)
		entityDrafts += len(b.EntityDrafts)
		total.Ticks += f.Stats.Ticks
		total.Bloomed += f.Stats.Bloomed
		total.Died += f.Stats.Died
		total.SeedsDied += f.Stats.SeedsDied
	}
	total.SeedDrafts = seedDrafts
	total.EntityDrafts = entityDrafts

	entities, seeds, _ := w.Counts()
	res := struct {
		Stats    world.FlushStats `json:"stats"`
		Tick     uint64           `json:"tick"`
		Elapsed  string           `json:"elapsed"`
		Entities int              `json:"entities"`
		Seeds    int              `json:"seeds"`
	}{
		Stats:    total,
		Tick:     w.Tick(),
		Elapsed:  time.Since(start).Truncate(time.Millisecond).String(),
		Entities: entities,
		Seeds:    seeds,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)

	if *outPath != "" {
		if err := snapshot.Write(*outPath, w.ExportSnapshot(time.Now())); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
	}
}
