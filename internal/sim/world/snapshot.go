package world

import (
	"sort"
	"time"

	"soundlines.art/internal/persistence/snapshot"
	"soundlines.art/internal/sim/ecology"
)

// ExportSnapshot copies the in-memory collections into a snapshot document.
// Users and weather live only in the store and are left empty.
func (w *World) ExportSnapshot(now time.Time) snapshot.Document {
	doc := snapshot.Document{
		TakenAt:  now,
		Entities: make([]ecology.Entity, 0, len(w.entities)),
		Seeds:    make([]ecology.Seed, 0, len(w.seeds)),
		Cells:    make([]ecology.Cell, 0, len(w.cells)),
		Settings: make([]ecology.Species, 0, len(w.species)),
	}
	for _, id := range sortedIDs(w.entities) {
		doc.Entities = append(doc.Entities, *w.entities[id])
	}
	for _, id := range sortedIDs(w.seeds) {
		doc.Seeds = append(doc.Seeds, *w.seeds[id])
	}
	for _, id := range sortedIDs(w.cells) {
		doc.Cells = append(doc.Cells, w.cells[id])
	}
	for _, id := range sortedIDs(w.species) {
		doc.Settings = append(doc.Settings, w.species[id])
	}
	return doc
}

// ImportSnapshot replaces the world with doc's collections. Pending drafts
// and stats are discarded.
func (w *World) ImportSnapshot(doc snapshot.Document) {
	species := doc.Settings
	if len(species) == 0 {
		species = speciesFromEntities(doc.Entities, doc.Seeds)
	}
	w.replace(species, doc.Cells, doc.Entities, doc.Seeds)
	w.pending = pending{}
	w.stats = FlushStats{}
}

// speciesFromEntities recovers bare species records for older documents
// without settings; only the ids and prefabs are known.
func speciesFromEntities(es []ecology.Entity, ss []ecology.Seed) []ecology.Species {
	seen := map[int64]ecology.Species{}
	for _, e := range es {
		if _, ok := seen[e.SpeciesID]; !ok {
			seen[e.SpeciesID] = ecology.Species{ID: e.SpeciesID, Prefab: e.Prefab}
		}
	}
	for _, s := range ss {
		if _, ok := seen[s.SpeciesID]; !ok {
			seen[s.SpeciesID] = ecology.Species{ID: s.SpeciesID, Prefab: s.Prefab}
		}
	}
	out := make([]ecology.Species, 0, len(seen))
	for _, sp := range seen {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
