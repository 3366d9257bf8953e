package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"soundlines.art/internal/ingest"
	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/grid"
	"soundlines.art/internal/sim/world"
)

func deployCmd(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	sf := addStoreFlags(fs)
	count := fs.Int("count", 100, "number of seeds to deploy")
	prefab := fs.String("prefab", "", "restrict to one species prefab (default: random per seed)")
	cells := fs.String("cells", "", "comma-separated cell ids (default: whole grid)")
	_ = fs.Parse(args)

	cellIDs, err := parseIDs(*cells)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -cells:", err)
		os.Exit(2)
	}

	ctx := context.Background()
	st, _ := sf.open(ctx)
	defer st.Close()

	svc := ingest.New(st, newLogger())
	ids, err := svc.DeploySeeds(ctx, ingest.DeployRequest{Count: *count, Prefab: *prefab, CellIDs: cellIDs})
	if err != nil {
		fatal("deploy:", err)
	}
	fmt.Printf("deployed %d seeds\n", len(ids))
}

func randomizeCmd(args []string) {
	fs := flag.NewFlagSet("randomize", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)

	ctx := context.Background()
	st, _ := sf.open(ctx)
	defer st.Close()

	n, err := ingest.New(st, newLogger()).RandomizeSpecies(ctx)
	if err != nil {
		fatal("randomize:", err)
	}
	fmt.Printf("reassigned %d entities\n", n)
}

// rebuildNeighborsCmd loads the world the way the simulation does and writes
// its freshly built index back to the neighbour table, reporting how far the
// stored table had drifted.
func rebuildNeighborsCmd(args []string) {
	fs := flag.NewFlagSet("rebuild-neighbors", flag.ExitOnError)
	sf := addStoreFlags(fs)
	dryRun := fs.Bool("dry-run", false, "report the drift without rewriting the table")
	_ = fs.Parse(args)

	ctx := context.Background()
	st, tune := sf.open(ctx)
	defer st.Close()

	logger := newLogger()
	w := world.New(world.WorldConfig{SeedMaxAge: tune.Sim.SeedMaxAge}, logger)
	if err := w.Load(ctx, st); err != nil {
		fatal("load world:", err)
	}
	stored, err := st.NeighborEntries(ctx)
	if err != nil {
		fatal("stored neighbours:", err)
	}
	entries := w.NeighborEntries()
	d := diffNeighbors(stored, entries)
	fmt.Printf("stored=%d rebuilt=%d added=%d removed=%d changed=%d\n",
		len(stored), len(entries), d.added, d.removed, d.changed)
	if *dryRun {
		return
	}
	start := time.Now()
	if err := st.ReplaceNeighborEntries(ctx, entries); err != nil {
		fatal("replace neighbours:", err)
	}
	fmt.Printf("wrote %d neighbour entries in %s\n", len(entries), time.Since(start).Truncate(time.Millisecond))
}

type neighborDrift struct {
	added, removed, changed int
}

// diffNeighbors compares entries as sets; list order does not count.
func diffNeighbors(before, after map[int64]ecology.NeighborEntry) neighborDrift {
	var d neighborDrift
	for id, b := range before {
		a, ok := after[id]
		if !ok {
			d.removed++
			continue
		}
		if !sameIDs(a.Mating, b.Mating) || !sameIDs(a.Crowd, b.Crowd) {
			d.changed++
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			d.added++
		}
	}
	return d
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func genCellsCmd(args []string) {
	fs := flag.NewFlagSet("gencells", flag.ExitOnError)
	sf := addStoreFlags(fs)
	size := fs.Float64("size", 0, "cell size in metres (default: tuning grid.cell_size)")
	force := fs.Bool("force", false, "insert even when the store already has cells")
	_ = fs.Parse(args)

	ctx := context.Background()
	st, tune := sf.open(ctx)
	defer st.Close()

	cellSize := tune.Grid.CellSize
	if *size > 0 {
		cellSize = *size
	}
	existing, err := st.Cells(ctx)
	if err != nil {
		fatal("cells:", err)
	}
	if len(existing) > 0 && !*force {
		fmt.Fprintf(os.Stderr, "store already has %d cells; use -force to add more\n", len(existing))
		os.Exit(2)
	}
	polys, err := grid.Generate(grid.SoundlinesRegion(), cellSize)
	if err != nil {
		fatal("generate:", err)
	}
	ids, err := st.InsertCells(ctx, ecology.CellsFromPolygons(polys))
	if err != nil {
		fatal("insert cells:", err)
	}
	fmt.Printf("inserted %d cells of %.0fm\n", len(ids), cellSize)
}

func parseIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
