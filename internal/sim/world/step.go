package world

import (
	"fmt"
	"sync"

	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/mathx"
)

type candidacy struct {
	id     int64
	mating []int64
}

type entityPhase struct {
	dead   []int64
	drafts []ecology.SeedDraft
	warn   []string
}

type seedPhase struct {
	bloomed []int64
	dead    []int64
	drafts  []ecology.EntityDraft
}

// Step advances the world by one tick. Entities and seeds run concurrently;
// removals are applied once both phases are done.
func (w *World) Step() {
	var (
		wg sync.WaitGroup
		ep entityPhase
		sp seedPhase
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ep = w.stepEntities()
	}()
	go func() {
		defer wg.Done()
		sp = w.stepSeeds()
	}()
	wg.Wait()

	for _, msg := range ep.warn {
		w.logf("WARN: %s", msg)
	}
	for _, id := range ep.dead {
		w.removeEntity(id)
	}
	for _, id := range sp.bloomed {
		delete(w.seeds, id)
	}
	for _, id := range sp.dead {
		delete(w.seeds, id)
	}

	w.tick++
	w.stats.Ticks++
	w.stats.Died += len(ep.dead)
	w.stats.Bloomed += len(sp.bloomed)
	w.stats.SeedsDied += len(sp.dead)
	w.stats.SeedDrafts += len(ep.drafts)
	w.stats.EntityDrafts += len(sp.drafts)

	w.pending.deadEntities = append(w.pending.deadEntities, ep.dead...)
	w.pending.seedDrafts = append(w.pending.seedDrafts, ep.drafts...)
	w.pending.bloomedSeeds = append(w.pending.bloomedSeeds, sp.bloomed...)
	w.pending.deadSeeds = append(w.pending.deadSeeds, sp.dead...)
	w.pending.entityDrafts = append(w.pending.entityDrafts, sp.drafts...)
}

// stepEntities only mutates the entities behind w.entities' pointers.
func (w *World) stepEntities() entityPhase {
	var out entityPhase
	r := w.entityRng
	ids := sortedIDs(w.entities)

	var candidates []candidacy
	for _, id := range ids {
		e := w.entities[id]
		sp, ok := w.species[e.SpeciesID]
		if !ok {
			if !w.warnedSpecies[e.SpeciesID] {
				w.warnedSpecies[e.SpeciesID] = true
				out.warn = append(out.warn, fmt.Sprintf("species %d of entity %d is not loaded; entity skipped", e.SpeciesID, id))
			}
			continue
		}
		cell, ok := w.cells[e.CellID]
		if !ok {
			if !w.warnedCells[e.CellID] {
				w.warnedCells[e.CellID] = true
				out.warn = append(out.warn, fmt.Sprintf("cell %d of entity %d is not loaded; using cell %d", e.CellID, id, w.fallbackCell().ID))
			}
			cell = w.fallbackCell()
		}
		entry := w.index.Entry(id)

		was := e.IsMating(sp)
		e.UpdateByNeighbors(sp, cell, len(entry.Crowd), r)
		if !was && e.IsMating(sp) {
			candidates = append(candidates, candidacy{id: id, mating: entry.Mating})
		}
	}

	for _, c := range candidates {
		e := w.entities[c.id]
		sp := w.species[e.SpeciesID]
		if e.IsDead() || !e.IsMating(sp) {
			continue
		}
		pick := mathx.ChooseWith(r, len(c.mating), func(i int) bool {
			mid := c.mating[i]
			if mid == c.id {
				return false
			}
			m, ok := w.entities[mid]
			if !ok || m.IsDead() {
				return false
			}
			msp, ok := w.species[m.SpeciesID]
			return ok && m.IsMating(msp)
		})
		if pick < 0 {
			continue
		}
		if mathx.Uniform(r, 0, ecology.ChanceCeiling) >= sp.BirthProba {
			continue
		}
		m := w.entities[c.mating[pick]]
		e.Mate()
		m.Mate()
		out.drafts = append(out.drafts, ecology.SeedDraft{
			Point:     SeedLocation(e.Point, m.Point, RandomWind(r, w.cfg.WindSpeed)),
			SpeciesID: e.SpeciesID,
			Prefab:    sp.Prefab,
			DNA:       e.DNA.Reproduce(m.DNA, r),
		})
	}

	for _, id := range ids {
		if w.entities[id].IsDead() {
			out.dead = append(out.dead, id)
		}
	}
	return out
}

// stepSeeds only mutates the seeds behind w.seeds' pointers.
func (w *World) stepSeeds() seedPhase {
	var out seedPhase
	for _, id := range sortedIDs(w.seeds) {
		s := w.seeds[id]
		s.Tick()
		if s.IsDead(w.cfg.SeedMaxAge) {
			out.dead = append(out.dead, id)
			continue
		}
		sp, ok := w.species[s.SpeciesID]
		if !ok {
			continue
		}
		if s.ShouldBloom(sp, w.seedRng) {
			out.bloomed = append(out.bloomed, id)
			out.drafts = append(out.drafts, s.Bloom())
		}
	}
	return out
}

// fallbackCell stands in for a cell the cache has not caught up with yet:
// the lowest-id cell, or a neutral one on an empty grid.
func (w *World) fallbackCell() ecology.Cell {
	var (
		best  ecology.Cell
		found bool
	)
	for id, c := range w.cells {
		if !found || id < best.ID {
			best, found = c, true
		}
	}
	return best
}
