package world

import (
	"math"
	"testing"

	"github.com/paulmach/orb"

	"soundlines.art/internal/geo"
	"soundlines.art/internal/persistence/snapshot"
	"soundlines.art/internal/sim/ecology"
)

// fixedRand always yields the first candidate and the lowest draw.
type fixedRand struct{}

func (fixedRand) Float64() float64 { return 0 }
func (fixedRand) IntN(int) int     { return 0 }

var origin = orb.Point{127.0, 37.5}

func testSpecies() ecology.Species {
	return ecology.Species{
		ID:                1,
		Prefab:            "fern",
		GrowthLimit:       10,
		LifeExpectancy:    100,
		NeighborTolerance: 3,
		BirthProba:        1,
		BloomProba:        1,
		MatingFreq:        10,
		MatingDuration:    3,
		FruitDuration:     5,
		MatingDistance:    50,
		CrowdDistance:     10,
	}
}

func testDNA() ecology.DNA {
	return ecology.DNA{
		SpeciesID:      1,
		Size:           1,
		Fitness:        100,
		LifeExpectancy: 100,
		GrowthRate:     0.001,
		AgingRate:      0.001,
		MutationRate:   0.01,
		StressRate:     0.001,
	}
}

func testCell(id int64) ecology.Cell {
	c := ecology.NewCell(orb.Polygon{orb.Ring{
		{126.99, 37.51}, {126.99, 37.49}, {127.01, 37.49}, {127.01, 37.51}, {126.99, 37.51},
	}})
	c.ID = id
	return c
}

func testEntity(id int64, p orb.Point) ecology.Entity {
	dna := testDNA()
	dna.ID = id
	return ecology.Entity{
		ID:             id,
		Point:          p,
		Prefab:         "fern",
		CellID:         1,
		SpeciesID:      1,
		DNA:            dna,
		Fitness:        100,
		Age:            10,
		Size:           1,
		LifeExpectancy: 100,
	}
}

// newTestWorld builds a world from literal collections with scripted randomness.
func newTestWorld(t *testing.T, species []ecology.Species, cells []ecology.Cell, es []ecology.Entity, ss []ecology.Seed) *World {
	t.Helper()
	w := New(WorldConfig{}, nil, WithRand(fixedRand{}, fixedRand{}))
	w.ImportSnapshot(snapshot.Document{Settings: species, Cells: cells, Entities: es, Seeds: ss})
	return w
}

func TestStep_MatingAtSpeciesBoundary(t *testing.T) {
	a := origin
	b := geo.Destination(a, geo.BearingEast, 49)
	w := newTestWorld(t, []ecology.Species{testSpecies()}, []ecology.Cell{testCell(1)},
		[]ecology.Entity{testEntity(1, a), testEntity(2, b)}, nil)

	if got := w.Neighbors(1).Mating; len(got) != 1 || got[0] != 2 {
		t.Fatalf("mating neighbours of 1: got=%v want=[2]", got)
	}
	w.Step()

	batch := w.TakeBatch()
	if len(batch.SeedDrafts) != 1 {
		t.Fatalf("seed drafts: got=%d want=1", len(batch.SeedDrafts))
	}
	want := geo.Destination(geo.Midpoint(a, b), 90, DefaultWindSpeed)
	if d := geo.Distance(batch.SeedDrafts[0].Point, want); d > 1e-6 {
		t.Fatalf("seed point off by %.9fm: got=%v want=%v", d, batch.SeedDrafts[0].Point, want)
	}
	if batch.SeedDrafts[0].SpeciesID != 1 || batch.SeedDrafts[0].Prefab != "fern" {
		t.Fatalf("draft species: got=%d/%q", batch.SeedDrafts[0].SpeciesID, batch.SeedDrafts[0].Prefab)
	}
	if batch.SeedDrafts[0].DNA.ID != 0 {
		t.Fatalf("draft DNA must be new, got id=%d", batch.SeedDrafts[0].DNA.ID)
	}
	sp := testSpecies()
	for _, id := range []int64{1, 2} {
		e, ok := w.Entity(id)
		if !ok {
			t.Fatalf("entity %d died", id)
		}
		if !e.IsWaitingFruit(sp) {
			t.Fatalf("entity %d should wait for fruit: age=%v last_seed_at=%v", id, e.Age, e.LastSeedAt)
		}
	}
	if len(batch.DeadEntities) != 0 {
		t.Fatalf("dead: got=%v want none", batch.DeadEntities)
	}
}

func TestStep_LonelyMating(t *testing.T) {
	w := newTestWorld(t, []ecology.Species{testSpecies()}, []ecology.Cell{testCell(1)},
		[]ecology.Entity{testEntity(1, origin)}, nil)
	w.Step()

	batch := w.TakeBatch()
	if len(batch.SeedDrafts) != 0 {
		t.Fatalf("seed drafts: got=%d want=0", len(batch.SeedDrafts))
	}
	e, ok := w.Entity(1)
	if !ok {
		t.Fatalf("entity 1 died")
	}
	if !e.IsMating(testSpecies()) {
		t.Fatalf("entity should be mating: age=%v start=%v", e.Age, e.StartMatingAt)
	}
}

func TestStep_OvercrowdingDeath(t *testing.T) {
	sp := testSpecies()
	sp.NeighborTolerance = 2
	sp.BirthProba = 0

	// wifi, light and sound at their maxima give a sensitivity of exactly 1.
	cell := testCell(1)
	cell.Wifi, cell.Light, cell.Sound = 50, 1, 1
	if s := ecology.Sensitivity(sp, cell); math.Abs(s-1) > 1e-12 {
		t.Fatalf("sensitivity: got=%v want=1", s)
	}

	victim := testEntity(1, origin)
	victim.Age = 0
	victim.Fitness = 5
	victim.DNA.AgingRate = 0
	victim.DNA.StressRate = 0.01
	es := []ecology.Entity{victim}
	for i := int64(2); i <= 9; i++ {
		e := testEntity(i, geo.Destination(origin, float64(i)*40, 2))
		e.Age = 0
		e.DNA.AgingRate = 0
		e.DNA.StressRate = 0
		es = append(es, e)
	}
	w := newTestWorld(t, []ecology.Species{sp}, []ecology.Cell{cell}, es, nil)
	if n := len(w.Neighbors(1).Crowd); n != 8 {
		t.Fatalf("crowd neighbours: got=%d want=8", n)
	}

	w.Step()
	e, _ := w.Entity(1)
	if math.Abs(e.Fitness-4.68) > 1e-9 {
		t.Fatalf("fitness after one tick: got=%v want=4.68", e.Fitness)
	}

	dead := 0
	for i := 0; i < 30; i++ {
		w.Step()
	}
	batch := w.TakeBatch()
	for _, id := range batch.DeadEntities {
		if id == 1 {
			dead++
		}
	}
	if dead != 1 {
		t.Fatalf("entity 1 in dead list: got=%d times want=1 (%v)", dead, batch.DeadEntities)
	}
	if _, ok := w.Entity(1); ok {
		t.Fatalf("dead entity still in world")
	}
	if n := len(w.Neighbors(2).Crowd); n != 7 {
		t.Fatalf("dead entity still a neighbour: crowd of 2 has %d entries", n)
	}
}

func TestStep_SeedBloomsAtHalfPeriod(t *testing.T) {
	sp := testSpecies()
	dna := testDNA()
	dna.ID = 77
	dna.GrowthRate = 0.01
	p := geo.Destination(origin, 10, 5)
	seed := ecology.Seed{ID: 5, CellID: 1, SpeciesID: 1, DNA: dna, Point: p, Age: sp.MatingFreq/2 - 0.01, Prefab: "fern"}

	w := newTestWorld(t, []ecology.Species{sp}, []ecology.Cell{testCell(1)}, nil, []ecology.Seed{seed})
	w.Step()

	batch := w.TakeBatch()
	if len(batch.EntityDrafts) != 1 {
		t.Fatalf("entity drafts: got=%d want=1", len(batch.EntityDrafts))
	}
	d := batch.EntityDrafts[0]
	if d.Point != p || d.SpeciesID != 1 || d.Prefab != "fern" {
		t.Fatalf("draft: got=%+v", d)
	}
	if d.DNA.ID != 77 || d.DNA.GrowthRate != 0.01 {
		t.Fatalf("draft DNA not preserved: got=%+v", d.DNA)
	}
	if len(batch.BloomedSeeds) != 1 || batch.BloomedSeeds[0] != 5 {
		t.Fatalf("bloomed: got=%v want=[5]", batch.BloomedSeeds)
	}
	if _, ok := w.Seed(5); ok {
		t.Fatalf("bloomed seed still in world")
	}
}

func TestStep_SeedAgesOut(t *testing.T) {
	sp := testSpecies()
	sp.BloomProba = 0
	dna := testDNA()
	dna.GrowthRate = 0.01
	seed := ecology.Seed{ID: 9, CellID: 1, SpeciesID: 1, DNA: dna, Point: origin, Age: ecology.DefaultSeedMaxAge - 0.01}

	w := newTestWorld(t, []ecology.Species{sp}, []ecology.Cell{testCell(1)}, nil, []ecology.Seed{seed})
	w.Step()

	batch := w.TakeBatch()
	if len(batch.DeadSeeds) != 1 || batch.DeadSeeds[0] != 9 {
		t.Fatalf("dead seeds: got=%v want=[9]", batch.DeadSeeds)
	}
	if len(batch.EntityDrafts) != 0 || len(batch.BloomedSeeds) != 0 {
		t.Fatalf("aged-out seed bloomed: %+v", batch)
	}
}

func TestStep_MissingCellFallsBack(t *testing.T) {
	e := testEntity(1, origin)
	e.CellID = 404
	w := newTestWorld(t, []ecology.Species{testSpecies()}, []ecology.Cell{testCell(3), testCell(2)},
		[]ecology.Entity{e}, nil)

	if got := w.fallbackCell().ID; got != 2 {
		t.Fatalf("fallback cell: got=%d want=2", got)
	}
	w.Step()
	got, ok := w.Entity(1)
	if !ok || got.Age <= 10 {
		t.Fatalf("entity with missing cell was not advanced: %+v", got)
	}
}

func TestStep_InvariantsHold(t *testing.T) {
	sp := testSpecies()
	sp.BirthProba = 0.5
	sp.BloomProba = 0.5
	w := New(WorldConfig{RandSeed: 11}, nil)

	var es []ecology.Entity
	for i := int64(1); i <= 40; i++ {
		e := testEntity(i, geo.Destination(origin, float64(i*37%360), float64(i*3)))
		e.Age = float64(i)
		e.DNA.AgingRate = 0.05
		e.DNA.StressRate = 0.05
		es = append(es, e)
	}
	w.ImportSnapshot(snapshot.Document{Settings: []ecology.Species{sp}, Cells: []ecology.Cell{testCell(1)}, Entities: es})

	for i := 0; i < 200; i++ {
		w.Step()
		for id, e := range w.entities {
			if e.Fitness <= 0 || e.Age > e.DNA.LifeExpectancy {
				t.Fatalf("tick %d: dead entity %d still live: fitness=%v age=%v", i, id, e.Fitness, e.Age)
			}
		}
		for id, s := range w.seeds {
			if s.Age < 0 || s.Age >= w.cfg.SeedMaxAge {
				t.Fatalf("tick %d: seed %d age out of range: %v", i, id, s.Age)
			}
		}
	}
}

func TestStep_DeterministicForSeed(t *testing.T) {
	build := func() *World {
		w := New(WorldConfig{RandSeed: 42}, nil)
		var es []ecology.Entity
		for i := int64(1); i <= 20; i++ {
			e := testEntity(i, geo.Destination(origin, float64(i*53%360), float64(i*2)))
			e.Age = float64(i) * 0.5
			es = append(es, e)
		}
		sp := testSpecies()
		sp.BirthProba = 0.7
		w.ImportSnapshot(snapshot.Document{Settings: []ecology.Species{sp}, Cells: []ecology.Cell{testCell(1)}, Entities: es})
		return w
	}
	a, b := build(), build()
	for i := 0; i < 500; i++ {
		a.Step()
		b.Step()
	}
	ba, bb := a.TakeBatch(), b.TakeBatch()
	if len(ba.SeedDrafts) != len(bb.SeedDrafts) || len(ba.Entities) != len(bb.Entities) {
		t.Fatalf("worlds diverged: drafts %d vs %d, entities %d vs %d",
			len(ba.SeedDrafts), len(bb.SeedDrafts), len(ba.Entities), len(bb.Entities))
	}
	for i := range ba.Entities {
		if ba.Entities[i] != bb.Entities[i] {
			t.Fatalf("entity %d diverged:\n a=%+v\n b=%+v", ba.Entities[i].ID, ba.Entities[i], bb.Entities[i])
		}
	}
}

func TestSeedLocation_FollowsWind(t *testing.T) {
	a := origin
	b := geo.Destination(a, geo.BearingNorth, 100)
	mid := geo.Midpoint(a, b)

	cases := []struct {
		wind    Wind
		bearing float64
	}{
		{Wind{X: 30}, 90},
		{Wind{Y: 30}, 0},
		{Wind{X: -30}, 270},
		{Wind{Y: -30}, 180},
	}
	for _, tc := range cases {
		got := SeedLocation(a, b, tc.wind)
		want := geo.Destination(mid, tc.bearing, 30)
		if d := geo.Distance(got, want); d > 1e-6 {
			t.Fatalf("wind %+v: off by %vm", tc.wind, d)
		}
		if d := geo.Distance(got, mid); math.Abs(d-30) > 0.01 {
			t.Fatalf("wind %+v: distance from midpoint got=%v want=30", tc.wind, d)
		}
	}
}

func TestRandomWind_Magnitude(t *testing.T) {
	r := fixedRand{}
	w := RandomWind(r, 30)
	if math.Abs(w.Magnitude()-30) > 1e-9 {
		t.Fatalf("magnitude: got=%v want=30", w.Magnitude())
	}
}
