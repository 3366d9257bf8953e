// Package neighbors maintains, for every live entity, the ids of the entities
// within its species' mating and crowd distances.
package neighbors

import (
	"math"
	"slices"
	"sort"

	"github.com/paulmach/orb"

	"soundlines.art/internal/geo"
	"soundlines.art/internal/sim/ecology"
)

// Index is not safe for concurrent use; the simulation loop owns it.
type Index struct {
	entries map[int64]ecology.NeighborEntry
}

func New() *Index {
	return &Index{entries: map[int64]ecology.NeighborEntry{}}
}

func (ix *Index) Len() int { return len(ix.entries) }

// Entry returns the neighbour lists of id. A missing entry reads as empty:
// the entity was added after the last refresh.
func (ix *Index) Entry(id int64) ecology.NeighborEntry {
	return ix.entries[id]
}

// Set replaces id's entry, e.g. from a store notification.
func (ix *Index) Set(id int64, e ecology.NeighborEntry) {
	e.Mating = sortedCopy(e.Mating)
	e.Crowd = sortedCopy(e.Crowd)
	ix.entries[id] = e
}

// Delete drops id's own entry without touching the others.
func (ix *Index) Delete(id int64) {
	delete(ix.entries, id)
}

// Entries copies every entry, keyed by entity id.
func (ix *Index) Entries() map[int64]ecology.NeighborEntry {
	out := make(map[int64]ecology.NeighborEntry, len(ix.entries))
	for id, e := range ix.entries {
		out[id] = ecology.NeighborEntry{Mating: slices.Clone(e.Mating), Crowd: slices.Clone(e.Crowd)}
	}
	return out
}

type located struct {
	id int64
	p  orb.Point
	sp ecology.Species
}

// RebuildAll recomputes every entry from current positions. Entities whose
// species is unknown get empty entries and are never anyone's neighbour.
func (ix *Index) RebuildAll(entities map[int64]*ecology.Entity, species map[int64]ecology.Species) {
	all := make([]located, 0, len(entities))
	for id, e := range entities {
		sp, ok := species[e.SpeciesID]
		if !ok {
			continue
		}
		all = append(all, located{id: id, p: e.Point, sp: sp})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].p.Lat() != all[j].p.Lat() {
			return all[i].p.Lat() < all[j].p.Lat()
		}
		return all[i].id < all[j].id
	})

	next := make(map[int64]ecology.NeighborEntry, len(entities))
	for id := range entities {
		next[id] = ecology.NeighborEntry{}
	}
	for i, e := range all {
		reach := latSpan(math.Max(e.sp.MatingDistance, e.sp.CrowdDistance)) * 1.0001
		lo := sort.Search(len(all), func(k int) bool { return all[k].p.Lat() >= e.p.Lat()-reach })
		var entry ecology.NeighborEntry
		for k := lo; k < len(all) && all[k].p.Lat() <= e.p.Lat()+reach; k++ {
			if k == i {
				continue
			}
			m := all[k]
			d := geo.Distance(e.p, m.p)
			if d <= e.sp.MatingDistance {
				entry.Mating = append(entry.Mating, m.id)
			}
			if d <= e.sp.CrowdDistance {
				entry.Crowd = append(entry.Crowd, m.id)
			}
		}
		slices.Sort(entry.Mating)
		slices.Sort(entry.Crowd)
		next[e.id] = entry
	}
	ix.entries = next
}

// Insert builds id's entry and adds id to the entries of every entity whose
// own distances reach it.
func (ix *Index) Insert(id int64, entities map[int64]*ecology.Entity, species map[int64]ecology.Species) {
	e, ok := entities[id]
	if !ok {
		return
	}
	sp := species[e.SpeciesID]
	var entry ecology.NeighborEntry
	for mid, m := range entities {
		if mid == id {
			continue
		}
		d := geo.Distance(e.Point, m.Point)
		if d <= sp.MatingDistance {
			entry.Mating = append(entry.Mating, mid)
		}
		if d <= sp.CrowdDistance {
			entry.Crowd = append(entry.Crowd, mid)
		}
		msp, ok := species[m.SpeciesID]
		if !ok {
			continue
		}
		if d <= msp.MatingDistance || d <= msp.CrowdDistance {
			me := ix.entries[mid]
			if d <= msp.MatingDistance {
				me.Mating = insertSorted(me.Mating, id)
			}
			if d <= msp.CrowdDistance {
				me.Crowd = insertSorted(me.Crowd, id)
			}
			ix.entries[mid] = me
		}
	}
	slices.Sort(entry.Mating)
	slices.Sort(entry.Crowd)
	ix.entries[id] = entry
}

// Remove drops id from every entry and then drops id's own entry.
func (ix *Index) Remove(id int64) {
	for mid, me := range ix.entries {
		if mid == id {
			continue
		}
		m, okm := removeSorted(me.Mating, id)
		c, okc := removeSorted(me.Crowd, id)
		if okm || okc {
			ix.entries[mid] = ecology.NeighborEntry{Mating: m, Crowd: c}
		}
	}
	delete(ix.entries, id)
}

// latSpan converts metres to degrees of latitude.
func latSpan(metres float64) float64 {
	return metres / orb.EarthRadius * 180 / math.Pi
}

func insertSorted(s []int64, id int64) []int64 {
	i, found := slices.BinarySearch(s, id)
	if found {
		return s
	}
	return slices.Insert(s, i, id)
}

func removeSorted(s []int64, id int64) ([]int64, bool) {
	i, found := slices.BinarySearch(s, id)
	if !found {
		return s, false
	}
	return slices.Delete(s, i, i+1), true
}

func sortedCopy(s []int64) []int64 {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
