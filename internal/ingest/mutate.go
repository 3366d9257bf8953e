package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/mathx"
)

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// PickupSeed removes a seed from the ground and returns it. Its DNA row is
// kept so the seed can be spread again.
func (s *Service) PickupSeed(ctx context.Context, id int64) (ecology.Seed, error) {
	seed, err := s.st.Seed(ctx, id)
	if isNotFound(err) {
		return seed, fmt.Errorf("%w: seed %d", ErrNotFound, id)
	}
	if err != nil {
		return seed, fmt.Errorf("seed %d: %w", id, err)
	}
	if err := s.st.DeleteSeeds(ctx, []int64{id}, true); err != nil {
		return seed, fmt.Errorf("pick up seed %d: %w", id, err)
	}
	return seed, nil
}

type SpreadRequest struct {
	Point     orb.Point
	SpeciesID int64
	// DNA with a non-zero ID reuses an existing genome row, e.g. one from a
	// picked-up seed. A zero DNA draws a fresh genome for the species.
	DNA      ecology.DNA
	Nickname string
}

// SpreadSeed plants a new entity at the requested point.
func (s *Service) SpreadSeed(ctx context.Context, req SpreadRequest) (ecology.Entity, error) {
	if err := validPoint(req.Point); err != nil {
		return ecology.Entity{}, err
	}
	sp, err := s.st.SpeciesByID(ctx, req.SpeciesID)
	if isNotFound(err) {
		return ecology.Entity{}, badInput("unknown species %d", req.SpeciesID)
	}
	if err != nil {
		return ecology.Entity{}, fmt.Errorf("species %d: %w", req.SpeciesID, err)
	}
	cellID, err := s.st.CellAt(ctx, req.Point)
	if err != nil {
		return ecology.Entity{}, fmt.Errorf("containing cell: %w", err)
	}
	if cellID == 0 {
		return ecology.Entity{}, badInput("point %v is outside the grid", req.Point)
	}

	dna := req.DNA
	nickname := req.Nickname
	s.withRand(func(r mathx.Rand) {
		if dna == (ecology.DNA{}) {
			dna = ecology.RandomDNA(sp, r)
		}
		if nickname == "" {
			nickname = ecology.Nickname(r)
		}
	})
	dna.SpeciesID = sp.ID

	e := ecology.EntityFromDraft(ecology.EntityDraft{Point: req.Point, SpeciesID: sp.ID, Prefab: sp.Prefab, DNA: dna}, cellID, nickname)
	ids, err := s.st.InsertEntities(ctx, []ecology.Entity{e})
	if err != nil {
		return ecology.Entity{}, fmt.Errorf("spread: %w", err)
	}
	stored, err := s.st.Entity(ctx, ids[0])
	if err != nil {
		return ecology.Entity{}, fmt.Errorf("spread entity %d: %w", ids[0], err)
	}
	s.logf("spread entity %d (%s) in cell %d", stored.ID, sp.Prefab, cellID)
	return stored, nil
}

type DeployRequest struct {
	Count int
	// Prefab restricts the species; empty picks one at random per seed.
	Prefab string
	// CellIDs restricts the cells; empty means the whole grid.
	CellIDs []int64
}

// DeploySeeds scatters Count fresh seeds over randomly chosen cells.
func (s *Service) DeploySeeds(ctx context.Context, req DeployRequest) ([]int64, error) {
	if req.Count <= 0 {
		return nil, badInput("count must be positive, got %d", req.Count)
	}
	all, err := s.st.Species(ctx)
	if err != nil {
		return nil, fmt.Errorf("species: %w", err)
	}
	var species []ecology.Species
	for _, sp := range all {
		if req.Prefab == "" || sp.Prefab == req.Prefab {
			species = append(species, sp)
		}
	}
	if len(species) == 0 {
		return nil, badInput("no species matches prefab %q", req.Prefab)
	}

	var cells []ecology.Cell
	if len(req.CellIDs) == 0 {
		if cells, err = s.st.Cells(ctx); err != nil {
			return nil, fmt.Errorf("cells: %w", err)
		}
	} else {
		for _, id := range req.CellIDs {
			c, err := s.st.Cell(ctx, id)
			if isNotFound(err) {
				return nil, badInput("unknown cell %d", id)
			}
			if err != nil {
				return nil, fmt.Errorf("cell %d: %w", id, err)
			}
			cells = append(cells, c)
		}
	}
	if len(cells) == 0 {
		return nil, badInput("no cells to deploy into")
	}

	now := s.now()
	seeds := make([]ecology.Seed, 0, req.Count)
	s.withRand(func(r mathx.Rand) {
		for i := 0; i < req.Count; i++ {
			c := cells[r.IntN(len(cells))]
			sp := species[r.IntN(len(species))]
			seeds = append(seeds, ecology.SeedFromDraft(ecology.SeedDraft{
				Point:     ecology.RandomInnerPoint(c, r),
				SpeciesID: sp.ID,
				Prefab:    sp.Prefab,
				DNA:       ecology.RandomDNA(sp, r),
			}, c.ID, now))
		}
	})
	ids, err := s.st.InsertSeeds(ctx, seeds)
	if err != nil {
		return nil, fmt.Errorf("deploy: %w", err)
	}
	s.logf("deployed %d seeds over %d cells", len(ids), len(cells))
	return ids, nil
}

// RandomizeSpecies reassigns every entity to a uniformly chosen species.
// It returns how many entities were updated.
func (s *Service) RandomizeSpecies(ctx context.Context) (int, error) {
	species, err := s.st.Species(ctx)
	if err != nil {
		return 0, fmt.Errorf("species: %w", err)
	}
	if len(species) == 0 {
		return 0, badInput("no species defined")
	}
	entities, err := s.st.Entities(ctx)
	if err != nil {
		return 0, fmt.Errorf("entities: %w", err)
	}
	picks := make([]ecology.Species, len(entities))
	s.withRand(func(r mathx.Rand) {
		for i := range picks {
			picks[i] = species[r.IntN(len(species))]
		}
	})
	for i, e := range entities {
		if err := s.st.AssignSpecies(ctx, e.ID, picks[i].ID, picks[i].Prefab); err != nil {
			return i, fmt.Errorf("entity %d: %w", e.ID, err)
		}
	}
	s.logf("randomized species of %d entities", len(entities))
	return len(entities), nil
}
