package syncer

import "soundlines.art/internal/sim/ecology"

// WriteBatch is everything one flush hands to the writer. Entities and
// Seeds are copies; the writer never shares memory with the world.
type WriteBatch struct {
	Tick uint64

	Entities []ecology.Entity
	Seeds    []ecology.Seed

	DeadEntities []int64
	BloomedSeeds []int64
	DeadSeeds    []int64

	SeedDrafts   []ecology.SeedDraft
	EntityDrafts []ecology.EntityDraft
}

func (b *WriteBatch) Empty() bool {
	return len(b.Entities) == 0 && len(b.Seeds) == 0 &&
		len(b.DeadEntities) == 0 && len(b.BloomedSeeds) == 0 && len(b.DeadSeeds) == 0 &&
		len(b.SeedDrafts) == 0 && len(b.EntityDrafts) == 0
}
