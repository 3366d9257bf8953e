package ecology

import (
	"time"

	"github.com/paulmach/orb"
)

// SeedDraft is a seed produced mid-tick that has no row yet.
type SeedDraft struct {
	Point     orb.Point `json:"point"`
	SpeciesID int64     `json:"setting_id"`
	Prefab    string    `json:"prefab"`
	DNA       DNA       `json:"dna"`
}

// EntityDraft is an entity produced by a bloom that has no row yet. A
// non-zero DNA.ID means the genome row already exists.
type EntityDraft struct {
	Point     orb.Point `json:"point"`
	SpeciesID int64     `json:"setting_id"`
	Prefab    string    `json:"prefab"`
	DNA       DNA       `json:"dna"`
}

// NeighborEntry lists the ids within mating and crowd distance of one entity.
// Both lists are sorted.
type NeighborEntry struct {
	Mating []int64 `json:"mating_neighbors"`
	Crowd  []int64 `json:"crowd_neighbors"`
}

func EntityFromDraft(d EntityDraft, cellID int64, nickname string) Entity {
	return Entity{
		Point:          d.Point,
		Prefab:         d.Prefab,
		CellID:         cellID,
		SpeciesID:      d.SpeciesID,
		DNA:            d.DNA,
		Fitness:        d.DNA.Fitness,
		Size:           d.DNA.Size,
		LifeExpectancy: d.DNA.LifeExpectancy,
		Nickname:       nickname,
	}
}

func SeedFromDraft(d SeedDraft, cellID int64, now time.Time) Seed {
	return Seed{
		CellID:    cellID,
		SpeciesID: d.SpeciesID,
		DNA:       d.DNA,
		Point:     d.Point,
		CreatedAt: now,
		Prefab:    d.Prefab,
	}
}
