package ecology

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"soundlines.art/internal/sim/mathx"
)

const (
	WifiLow  = -50.0
	WifiHigh = 50.0

	// ChanceCeiling bounds the uniform draw compared against birth and bloom
	// probabilities, so a probability of 1 still fails about one draw in 21.
	ChanceCeiling = 1.05

	// growthFitnessFloor is the fitness below which an entity stops growing.
	growthFitnessFloor = 30.0
)

// Entity is a living plant. It owns its DNA; cell and species are referenced
// by id. StartMatingAt and LastSeedAt are in the entity's own age base.
type Entity struct {
	ID        int64     `json:"id"`
	Point     orb.Point `json:"point"`
	Prefab    string    `json:"prefab"`
	CellID    int64     `json:"cell_id"`
	SpeciesID int64     `json:"setting_id"`
	DNA       DNA       `json:"dna"`

	Fitness        float64 `json:"fitness"`
	Age            float64 `json:"age"`
	Size           float64 `json:"size"`
	LifeExpectancy float64 `json:"life_expectancy"`
	Nickname       string  `json:"nickname"`
	StartMatingAt  float64 `json:"start_mating_at"`
	LastSeedAt     float64 `json:"last_seed_at"`
}

// Sensitivity derives the per-tick multiplier for an entity of sp living in c.
// Noisy cells (normalised wifi above 0.5) amplify sensitive species; quiet
// cells invert the sensitivity band. The result is always positive.
func Sensitivity(sp Species, c Cell) float64 {
	w := mathx.ClampMap(c.Wifi, WifiLow, WifiHigh, 0, 1)
	light := mathx.Clamp(c.Light, 0, 1)
	sound := mathx.Clamp(c.Sound, 0, 1)

	lo, hi, div := 0.2, 5.0, 2.6
	if w <= 0.5 {
		lo, hi, div = 5.0, 0.2, 1.3
	}
	factor := func(sens, v float64) float64 {
		return mathx.Map(mathx.Clamp(sens, -1, 1), -1, 1, lo, hi) * mathx.Map(v, 0, 1, 0.5, 1) / div
	}
	return math.Abs(factor(sp.WifiSensitivity, w) * factor(sp.LightSensitivity, light) * factor(sp.SoundSensitivity, sound))
}

// UpdateByNeighbors advances e by one tick given its cell and the number of
// crowd neighbours around it.
func (e *Entity) UpdateByNeighbors(sp Species, c Cell, neighborCount int, r mathx.Rand) {
	e.Advance(sp, Sensitivity(sp, c), neighborCount, r)
}

// Advance is UpdateByNeighbors with a precomputed sensitivity.
func (e *Entity) Advance(sp Species, sensitivity float64, neighborCount int, r mathx.Rand) {
	e.Age += e.DNA.AgingRate / sensitivity

	if e.Fitness > growthFitnessFloor && e.Size < sp.GrowthLimit {
		e.Size += e.DNA.GrowthRate * sensitivity
	}

	if e.IsOvercrowded(sp, neighborCount) {
		e.Fitness -= (e.DNA.StressRate / sensitivity) * float64(neighborCount) * 4
	}

	if !e.IsMating(sp) && e.ShouldStartMating(sp, r) {
		e.StartMating()
	}
}

func (e *Entity) IsDead() bool {
	return e.Fitness <= 0 || e.Age > e.DNA.LifeExpectancy
}

func (e *Entity) IsOvercrowded(sp Species, neighborCount int) bool {
	return float64(neighborCount) >= sp.NeighborTolerance
}

func (e *Entity) IsWaitingFruit(sp Species) bool {
	return e.Age-e.LastSeedAt < sp.FruitDuration
}

func (e *Entity) IsMating(sp Species) bool {
	return e.Age-e.StartMatingAt < sp.MatingDuration && !e.IsWaitingFruit(sp)
}

// ShouldStartMating fires at the start of each mating period with
// probability about BirthProba. It never draws while the entity waits for
// fruit.
func (e *Entity) ShouldStartMating(sp Species, r mathx.Rand) bool {
	if math.Floor(math.Mod(e.Age, sp.MatingFreq)) != 0 {
		return false
	}
	if e.IsWaitingFruit(sp) {
		return false
	}
	return mathx.Uniform(r, 0, ChanceCeiling) < sp.BirthProba
}

func (e *Entity) StartMating() {
	e.StartMatingAt = e.Age
}

// Mate records a seed throw; the entity then waits FruitDuration before it
// can mate again.
func (e *Entity) Mate() {
	e.LastSeedAt = e.Age
}

// Nickname draws the default display name of a fresh entity.
func Nickname(r mathx.Rand) string {
	return fmt.Sprintf("entity-%d", r.IntN(math.MaxInt32))
}
