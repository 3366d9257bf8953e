package world

import (
	"time"

	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/syncer"
)

// FlushStats counts what happened since the previous flush.
type FlushStats struct {
	Ticks        uint64 `json:"ticks"`
	Bloomed      int    `json:"seeds_bloomed"`
	Died         int    `json:"entities_died"`
	SeedsDied    int    `json:"seeds_died"`
	SeedDrafts   int    `json:"new_seeds"`
	EntityDrafts int    `json:"new_entities"`
}

// Frame is the world as of one flush, handed to flush hooks.
type Frame struct {
	Tick     uint64           `json:"tick"`
	At       time.Time        `json:"at"`
	Window   time.Duration    `json:"window_ns"`
	Stats    FlushStats       `json:"stats"`
	Entities []ecology.Entity `json:"entities"`
	Seeds    []ecology.Seed   `json:"seeds"`
}

// StepsPerSecond is the tick rate over the frame's window.
func (f Frame) StepsPerSecond() float64 {
	if f.Window <= 0 {
		return 0
	}
	return float64(f.Stats.Ticks) / f.Window.Seconds()
}

// TakeBatch copies every live entity and seed together with the pending
// drafts and removals, then clears the pending buffers.
func (w *World) TakeBatch() syncer.WriteBatch {
	b := syncer.WriteBatch{
		Tick:         w.tick,
		Entities:     make([]ecology.Entity, 0, len(w.entities)),
		Seeds:        make([]ecology.Seed, 0, len(w.seeds)),
		DeadEntities: w.pending.deadEntities,
		BloomedSeeds: w.pending.bloomedSeeds,
		DeadSeeds:    w.pending.deadSeeds,
		SeedDrafts:   w.pending.seedDrafts,
		EntityDrafts: w.pending.entityDrafts,
	}
	for _, id := range sortedIDs(w.entities) {
		b.Entities = append(b.Entities, *w.entities[id])
	}
	for _, id := range sortedIDs(w.seeds) {
		b.Seeds = append(b.Seeds, *w.seeds[id])
	}
	w.pending = pending{}
	return b
}

// Flush takes the batch, reports the frame to the log and the hooks, and
// resets the stats window.
func (w *World) Flush(now time.Time, window time.Duration) (syncer.WriteBatch, Frame) {
	b := w.TakeBatch()
	f := Frame{
		Tick:     b.Tick,
		At:       now,
		Window:   window,
		Stats:    w.stats,
		Entities: b.Entities,
		Seeds:    b.Seeds,
	}
	w.stats = FlushStats{}

	w.logf("tick=%d steps/s=%.1f entities=%d seeds=%d bloomed=%d died=%d seeds_died=%d new_seeds=%d new_entities=%d",
		f.Tick, f.StepsPerSecond(), len(f.Entities), len(f.Seeds),
		f.Stats.Bloomed, f.Stats.Died, f.Stats.SeedsDied, f.Stats.SeedDrafts, f.Stats.EntityDrafts)
	for _, fn := range w.flushHooks {
		fn(f)
	}
	return b, f
}
