package world

import (
	"time"

	"soundlines.art/internal/sim/ecology"
)

type WorldConfig struct {
	SeedMaxAge float64
	WindSpeed  float64

	FlushInterval time.Duration
	NotifyWait    time.Duration
	// TickInterval paces Step; zero runs ticks back to back.
	TickInterval time.Duration
	// NeighborRebuildInterval forces a full index rebuild; zero disables it.
	NeighborRebuildInterval time.Duration

	// RandSeed fixes the simulation's random sources; zero seeds from the clock.
	RandSeed uint64
}

func (c *WorldConfig) applyDefaults() {
	if c.SeedMaxAge <= 0 {
		c.SeedMaxAge = ecology.DefaultSeedMaxAge
	}
	if c.WindSpeed <= 0 {
		c.WindSpeed = DefaultWindSpeed
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.NotifyWait <= 0 {
		c.NotifyWait = time.Millisecond
	}
}
