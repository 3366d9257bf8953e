package world

import (
	"context"
	"fmt"
	"time"

	"soundlines.art/internal/sim/ecology"
)

// Loader reads world state from the store.
type Loader interface {
	Species(ctx context.Context) ([]ecology.Species, error)
	SpeciesByID(ctx context.Context, id int64) (ecology.Species, error)
	Cells(ctx context.Context) ([]ecology.Cell, error)
	Cell(ctx context.Context, id int64) (ecology.Cell, error)
	Entities(ctx context.Context) ([]ecology.Entity, error)
	Entity(ctx context.Context, id int64) (ecology.Entity, error)
	EntitiesBySpecies(ctx context.Context, speciesID int64) ([]ecology.Entity, error)
	Seeds(ctx context.Context) ([]ecology.Seed, error)
	Seed(ctx context.Context, id int64) (ecology.Seed, error)
	SeedsBySpecies(ctx context.Context, speciesID int64) ([]ecology.Seed, error)
	NeighborEntry(ctx context.Context, entityID int64) (ecology.NeighborEntry, error)
}

// Load replaces the in-memory state with the store's and rebuilds the
// neighbour index.
func (w *World) Load(ctx context.Context, l Loader) error {
	start := time.Now()

	species, err := l.Species(ctx)
	if err != nil {
		return fmt.Errorf("load species: %w", err)
	}
	cells, err := l.Cells(ctx)
	if err != nil {
		return fmt.Errorf("load cells: %w", err)
	}
	entities, err := l.Entities(ctx)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	seeds, err := l.Seeds(ctx)
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}

	w.replace(species, cells, entities, seeds)
	w.logf("loaded species=%d cells=%d entities=%d seeds=%d in %s",
		len(species), len(cells), len(entities), len(seeds), time.Since(start).Truncate(time.Millisecond))
	return nil
}

func (w *World) replace(species []ecology.Species, cells []ecology.Cell, entities []ecology.Entity, seeds []ecology.Seed) {
	w.species = make(map[int64]ecology.Species, len(species))
	for _, sp := range species {
		w.species[sp.ID] = sp
	}
	w.cells = make(map[int64]ecology.Cell, len(cells))
	for _, c := range cells {
		w.cells[c.ID] = c
	}
	w.entities = make(map[int64]*ecology.Entity, len(entities))
	for i := range entities {
		e := entities[i]
		w.entities[e.ID] = &e
	}
	w.seeds = make(map[int64]*ecology.Seed, len(seeds))
	for i := range seeds {
		s := seeds[i]
		w.seeds[s.ID] = &s
	}
	w.warnedCells = map[int64]bool{}
	w.warnedSpecies = map[int64]bool{}
	w.RebuildNeighbors()
}
