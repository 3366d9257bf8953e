package ecology

import (
	"math"
	"time"

	"github.com/paulmach/orb"

	"soundlines.art/internal/sim/mathx"
)

const DefaultSeedMaxAge = 250.0

// Seed is a pre-germination entity. It owns its DNA until it blooms, at which
// point the DNA passes to the new entity.
type Seed struct {
	ID        int64     `json:"id"`
	CellID    int64     `json:"cell_id"`
	SpeciesID int64     `json:"setting_id"`
	DNA       DNA       `json:"dna"`
	Point     orb.Point `json:"point"`
	CreatedAt time.Time `json:"created_at"`
	Age       float64   `json:"age"`
	Prefab    string    `json:"prefab"`
}

func (s *Seed) Tick() {
	s.Age += s.DNA.GrowthRate * 4
}

func (s *Seed) IsDead(maxAge float64) bool {
	return s.Age >= maxAge
}

// ShouldBloom fires at each half mating period with probability about BloomProba.
func (s *Seed) ShouldBloom(sp Species, r mathx.Rand) bool {
	half := sp.MatingFreq / 2
	if math.Floor(math.Mod(s.Age, half)) != 0 {
		return false
	}
	return mathx.Uniform(r, 0, ChanceCeiling) < sp.BloomProba
}

// Bloom turns the seed into an entity draft at the same point.
func (s *Seed) Bloom() EntityDraft {
	return EntityDraft{Point: s.Point, SpeciesID: s.SpeciesID, Prefab: s.Prefab, DNA: s.DNA}
}
