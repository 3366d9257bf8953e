package world

import (
	"log"
	"sort"

	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/mathx"
	"soundlines.art/internal/sim/neighbors"
)

// World is the in-memory ecology. All state is owned by the goroutine that
// calls Step, ApplyNotification and Run; within a tick the entity and seed
// phases touch disjoint maps.
type World struct {
	cfg    WorldConfig
	logger *log.Logger

	species  map[int64]ecology.Species
	cells    map[int64]ecology.Cell
	entities map[int64]*ecology.Entity
	seeds    map[int64]*ecology.Seed
	index    *neighbors.Index

	// One source per phase so the phases can run concurrently.
	entityRng mathx.Rand
	seedRng   mathx.Rand

	tick    uint64
	pending pending
	stats   FlushStats

	warnedCells   map[int64]bool
	warnedSpecies map[int64]bool

	flushHooks []func(Frame)
}

// pending accumulates between flushes.
type pending struct {
	deadEntities []int64
	bloomedSeeds []int64
	deadSeeds    []int64
	seedDrafts   []ecology.SeedDraft
	entityDrafts []ecology.EntityDraft
}

type Option func(*World)

// WithRand replaces the entity-phase and seed-phase random sources.
func WithRand(entities, seeds mathx.Rand) Option {
	return func(w *World) {
		w.entityRng = entities
		w.seedRng = seeds
	}
}

func New(cfg WorldConfig, logger *log.Logger, opts ...Option) *World {
	cfg.applyDefaults()
	w := &World{
		cfg:           cfg,
		logger:        logger,
		species:       map[int64]ecology.Species{},
		cells:         map[int64]ecology.Cell{},
		entities:      map[int64]*ecology.Entity{},
		seeds:         map[int64]*ecology.Seed{},
		index:         neighbors.New(),
		warnedCells:   map[int64]bool{},
		warnedSpecies: map[int64]bool{},
	}
	w.entityRng = mathx.NewRand(cfg.RandSeed)
	if cfg.RandSeed != 0 {
		w.seedRng = mathx.NewRand(cfg.RandSeed + 1)
	} else {
		w.seedRng = mathx.NewRand(0)
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *World) Config() WorldConfig { return w.cfg }

func (w *World) Tick() uint64 { return w.tick }

func (w *World) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// OnFlush registers fn to receive every flushed frame, on the world goroutine.
func (w *World) OnFlush(fn func(Frame)) {
	w.flushHooks = append(w.flushHooks, fn)
}

func (w *World) Entity(id int64) (ecology.Entity, bool) {
	e, ok := w.entities[id]
	if !ok {
		return ecology.Entity{}, false
	}
	return *e, true
}

func (w *World) Seed(id int64) (ecology.Seed, bool) {
	s, ok := w.seeds[id]
	if !ok {
		return ecology.Seed{}, false
	}
	return *s, true
}

func (w *World) Cell(id int64) (ecology.Cell, bool) {
	c, ok := w.cells[id]
	return c, ok
}

func (w *World) Species(id int64) (ecology.Species, bool) {
	sp, ok := w.species[id]
	return sp, ok
}

func (w *World) Neighbors(id int64) ecology.NeighborEntry { return w.index.Entry(id) }

// Counts returns the sizes of the entity, seed and cell maps.
func (w *World) Counts() (entities, seeds, cells int) {
	return len(w.entities), len(w.seeds), len(w.cells)
}

// NeighborEntries copies the whole neighbour index.
func (w *World) NeighborEntries() map[int64]ecology.NeighborEntry { return w.index.Entries() }

// RebuildNeighbors recomputes the whole neighbour index.
func (w *World) RebuildNeighbors() {
	w.index.RebuildAll(w.entities, w.species)
}

func (w *World) putEntity(e ecology.Entity) {
	old, existed := w.entities[e.ID]
	w.entities[e.ID] = &e
	if existed && old.Point == e.Point && old.SpeciesID == e.SpeciesID {
		return
	}
	if existed {
		w.index.Remove(e.ID)
	}
	w.index.Insert(e.ID, w.entities, w.species)
}

func (w *World) removeEntity(id int64) {
	delete(w.entities, id)
	w.index.Remove(id)
}

func (w *World) putSeed(s ecology.Seed) {
	w.seeds[s.ID] = &s
}

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
