package ecology

import (
	"encoding/json"
	"fmt"

	"soundlines.art/internal/sim/mathx"
)

const (
	// GeneticBias is the weight given to the better parent's gene.
	GeneticBias = 0.65

	ChildFitness = 100.0
)

// DNA carries the heritable traits of one entity or seed.
type DNA struct {
	ID        int64 `json:"id"`
	SpeciesID int64 `json:"setting_id"`

	Size           float64 `json:"size"`
	Fitness        float64 `json:"fitness"`
	LifeExpectancy float64 `json:"life_expectancy"`
	GrowthRate     float64 `json:"growth_rate"`
	AgingRate      float64 `json:"aging_rate"`
	MutationRate   float64 `json:"mutation_rate"`
	StressRate     float64 `json:"stress_rate"`
	HealthyRate    float64 `json:"healthy_rate"`
}

func HealthyRate(stressRate float64) float64 {
	return (1 - stressRate) / 50
}

// Reproduce crosses d with partner. Growth traits favour the higher parent,
// rate traits (aging, stress, mutation) favour the lower one. Ties go to the
// partner. The child is mutated before it is returned and has no ID.
func (d DNA) Reproduce(partner DNA, r mathx.Rand) DNA {
	child := DNA{
		SpeciesID:      d.SpeciesID,
		Size:           favourHigh(d.Size, partner.Size),
		Fitness:        ChildFitness,
		LifeExpectancy: favourHigh(d.LifeExpectancy, partner.LifeExpectancy),
		GrowthRate:     favourHigh(d.GrowthRate, partner.GrowthRate),
		AgingRate:      favourLow(d.AgingRate, partner.AgingRate),
		MutationRate:   favourLow(d.MutationRate, partner.MutationRate),
		StressRate:     favourLow(d.StressRate, partner.StressRate),
	}
	child.HealthyRate = HealthyRate(child.StressRate)
	child.Mutate(r)
	return child
}

// Mutate scales size, fitness, growth, aging and stress each by U(0.9, 1.1)
// with probability MutationRate.
func (d *DNA) Mutate(r mathx.Rand) {
	for _, trait := range []*float64{&d.Size, &d.Fitness, &d.GrowthRate, &d.AgingRate, &d.StressRate} {
		if r.Float64() < d.MutationRate {
			*trait *= mathx.Uniform(r, 0.9, 1.1)
		}
	}
	d.HealthyRate = HealthyRate(d.StressRate)
}

func favourHigh(self, partner float64) float64 {
	if self > partner {
		return self*GeneticBias + partner*(1-GeneticBias)
	}
	return partner*GeneticBias + self*(1-GeneticBias)
}

func favourLow(self, partner float64) float64 {
	if self < partner {
		return self*GeneticBias + partner*(1-GeneticBias)
	}
	return partner*GeneticBias + self*(1-GeneticBias)
}

// RandomDNA draws a fresh genome for sp, used when seeds are deployed by hand.
func RandomDNA(sp Species, r mathx.Rand) DNA {
	d := DNA{
		SpeciesID:      sp.ID,
		Size:           mathx.Uniform(r, 0.08*sp.GrowthLimit, 0.25*sp.GrowthLimit),
		Fitness:        mathx.Uniform(r, 100, 115),
		LifeExpectancy: mathx.Uniform(r, 0.8*sp.LifeExpectancy, 1.1*sp.LifeExpectancy),
		GrowthRate:     mathx.Uniform(r, 0.0007, 0.004),
		AgingRate:      mathx.Uniform(r, 0.005, 0.01),
		MutationRate:   mathx.Uniform(r, 0.01, 0.1),
		StressRate:     mathx.Uniform(r, 0.0003, 0.001),
	}
	d.HealthyRate = HealthyRate(d.StressRate)
	return d
}

func EncodeDNA(d DNA) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dna %d: %w", d.ID, err)
	}
	return b, nil
}

func DecodeDNA(b []byte) (DNA, error) {
	var d DNA
	if err := json.Unmarshal(b, &d); err != nil {
		return DNA{}, fmt.Errorf("decode dna: %w", err)
	}
	return d, nil
}
