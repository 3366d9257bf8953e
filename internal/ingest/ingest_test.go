package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/mathx"
)

var clock = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// lastRand always picks the last option.
type lastRand struct{}

func (lastRand) Float64() float64 { return 0.5 }
func (lastRand) IntN(n int) int   { return n - 1 }

func square(minLon, minLat, d float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{minLon, minLat + d}, {minLon, minLat}, {minLon + d, minLat}, {minLon + d, minLat + d}, {minLon, minLat + d},
	}}
}

type fixture struct {
	st      *store.SQLite
	svc     *Service
	species []int64
	cells   []int64
	inC1    orb.Point
	inC2    orb.Point
	offGrid orb.Point
}

func newFixture(t *testing.T, r mathx.Rand) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ingest.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		st:      st,
		inC1:    orb.Point{127.0005, 37.5005},
		inC2:    orb.Point{127.0015, 37.5005},
		offGrid: orb.Point{128, 38},
	}
	for _, prefab := range []string{"fern", "moss"} {
		id, err := st.InsertSpecies(ctx, ecology.Species{Prefab: prefab, GrowthLimit: 10, LifeExpectancy: 100, MatingFreq: 10})
		if err != nil {
			t.Fatalf("InsertSpecies: %v", err)
		}
		f.species = append(f.species, id)
	}
	f.cells, err = st.InsertCells(ctx, []ecology.Cell{
		ecology.NewCell(square(127.0, 37.5, 0.001)),
		ecology.NewCell(square(127.001, 37.5, 0.001)),
	})
	if err != nil {
		t.Fatalf("InsertCells: %v", err)
	}
	f.svc = New(st, nil, WithRand(r), WithClock(func() time.Time { return clock }))
	return f
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{badInput("x"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", ErrNotFound), http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusCode(tc.err); got != tc.want {
			t.Fatalf("StatusCode(%v): got=%d want=%d", tc.err, got, tc.want)
		}
	}
}

func TestNeighboursAround(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})
	if _, err := f.st.InsertEntities(ctx, []ecology.Entity{{
		Point: f.inC1, Prefab: "fern", CellID: f.cells[0], SpeciesID: f.species[0],
		DNA: ecology.DNA{Fitness: 100, LifeExpectancy: 100}, Fitness: 100,
	}}); err != nil {
		t.Fatalf("InsertEntities: %v", err)
	}

	n, err := f.svc.NeighboursAround(ctx, f.inC1, 10)
	if err != nil {
		t.Fatalf("NeighboursAround: %v", err)
	}
	if n.CurrentCellID != f.cells[0] || len(n.Cells) != 1 || len(n.Entities) != 1 || len(n.Seeds) != 0 {
		t.Fatalf("neighbourhood: cell=%d cells=%d entities=%d seeds=%d", n.CurrentCellID, len(n.Cells), len(n.Entities), len(n.Seeds))
	}

	for _, tc := range []struct {
		p orb.Point
		r float64
	}{
		{orb.Point{127, 91}, 10},
		{orb.Point{181, 0}, 10},
		{f.inC1, 0},
		{f.inC1, math.NaN()},
	} {
		if _, err := f.svc.NeighboursAround(ctx, tc.p, tc.r); StatusCode(err) != http.StatusBadRequest {
			t.Fatalf("NeighboursAround(%v, %v): got=%v want bad input", tc.p, tc.r, err)
		}
	}
}

func TestRecordReading_RollingMean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})

	for _, level := range []float64{0.2, 0.4, 0.9} {
		id, err := f.svc.RecordReading(ctx, Reading{UserID: 1, Kind: ecology.ReadingSound, Point: f.inC1, Level: level})
		if err != nil {
			t.Fatalf("RecordReading: %v", err)
		}
		if id != f.cells[0] {
			t.Fatalf("cell: got=%d want=%d", id, f.cells[0])
		}
	}
	c, err := f.st.Cell(ctx, f.cells[0])
	if err != nil {
		t.Fatalf("Cell: %v", err)
	}
	if math.Abs(c.Sound-0.5) > 1e-9 || c.SoundCount != 3 {
		t.Fatalf("sound: got mean=%v count=%v want 0.5/3", c.Sound, c.SoundCount)
	}

	id, err := f.svc.RecordReading(ctx, Reading{UserID: 1, Kind: ecology.ReadingLight, Point: f.offGrid, Level: 1})
	if err != nil || id != 0 {
		t.Fatalf("off-grid reading: id=%d err=%v", id, err)
	}
	if _, err := f.svc.RecordReading(ctx, Reading{Kind: "heat", Point: f.inC1}); !errors.Is(err, ErrBadInput) {
		t.Fatalf("unknown kind: got=%v want ErrBadInput", err)
	}
}

func TestRecordWifi_SeveralAccessPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})

	if _, err := f.svc.RecordWifi(ctx, 1, f.inC2, []float64{-40, -60, -50}); err != nil {
		t.Fatalf("RecordWifi: %v", err)
	}
	c, _ := f.st.Cell(ctx, f.cells[1])
	if math.Abs(c.Wifi+50) > 1e-9 || c.WifiCount != 3 {
		t.Fatalf("wifi: got mean=%v count=%v want -50/3", c.Wifi, c.WifiCount)
	}
	if _, err := f.svc.RecordWifi(ctx, 1, f.inC2, nil); !errors.Is(err, ErrBadInput) {
		t.Fatalf("empty wifi: got=%v want ErrBadInput", err)
	}
}

func TestRecordGPS_CountsVisitsOnCellChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})

	steps := []struct {
		p       orb.Point
		visited bool
	}{
		{f.inC1, true},
		{orb.Point{f.inC1.Lon() + 0.0001, f.inC1.Lat()}, false},
		{f.inC2, true},
		{f.inC1, true},
	}
	for i, s := range steps {
		res, err := f.svc.RecordGPS(ctx, 7, s.p)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Visited != s.visited {
			t.Fatalf("step %d: visited got=%v want=%v", i, res.Visited, s.visited)
		}
		if len(res.Cells) != 2 {
			t.Fatalf("step %d: neighbour cells got=%d want=2", i, len(res.Cells))
		}
	}
	c1, _ := f.st.Cell(ctx, f.cells[0])
	c2, _ := f.st.Cell(ctx, f.cells[1])
	if c1.Visit != 2 || c2.Visit != 1 {
		t.Fatalf("visits: c1=%d c2=%d want 2/1", c1.Visit, c2.Visit)
	}

	res, err := f.svc.RecordGPS(ctx, 7, f.offGrid)
	if err != nil {
		t.Fatalf("off-grid ping: %v", err)
	}
	if res.CurrentCellID != 0 || res.Visited {
		t.Fatalf("off-grid ping: %+v", res)
	}
	last, err := f.st.LastGPS(ctx, 7)
	if err != nil {
		t.Fatalf("LastGPS: %v", err)
	}
	if last.Point != f.inC1 {
		t.Fatalf("off-grid ping was stored: last=%v", last.Point)
	}
}

func TestOtherUsers_ExcludesCallerAndStaleReadings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})

	if err := f.st.InsertGPS(ctx, store.GPSReading{UserID: 2, Point: f.inC2, CreatedAt: clock.Add(-10 * time.Second)}); err != nil {
		t.Fatalf("InsertGPS: %v", err)
	}
	if err := f.st.InsertGPS(ctx, store.GPSReading{UserID: 3, Point: f.inC2, CreatedAt: clock.Add(-time.Minute)}); err != nil {
		t.Fatalf("InsertGPS: %v", err)
	}
	if _, err := f.svc.RecordGPS(ctx, 1, f.inC1); err != nil {
		t.Fatalf("RecordGPS: %v", err)
	}

	others, err := f.svc.OtherUsers(ctx, 1)
	if err != nil {
		t.Fatalf("OtherUsers: %v", err)
	}
	if len(others) != 1 || others[0].UserID != 2 || others[0].CellID != f.cells[1] {
		t.Fatalf("others: got=%+v want user 2 in cell %d", others, f.cells[1])
	}

	views, err := f.svc.UserLocations(ctx)
	if err != nil {
		t.Fatalf("UserLocations: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("user locations: got=%d want=3", len(views))
	}
	for _, v := range views {
		if v.Neighbourhood.CurrentCellID != v.CellID {
			t.Fatalf("user %d: neighbourhood cell %d != %d", v.UserID, v.Neighbourhood.CurrentCellID, v.CellID)
		}
	}
}

func TestPickupThenSpread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})

	ids, err := f.svc.DeploySeeds(ctx, DeployRequest{Count: 1, Prefab: "fern", CellIDs: []int64{f.cells[0]}})
	if err != nil {
		t.Fatalf("DeploySeeds: %v", err)
	}
	seed, err := f.svc.PickupSeed(ctx, ids[0])
	if err != nil {
		t.Fatalf("PickupSeed: %v", err)
	}
	if _, err := f.st.Seed(ctx, ids[0]); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("seed still stored after pickup: %v", err)
	}
	if _, err := f.svc.PickupSeed(ctx, ids[0]); StatusCode(err) != http.StatusNotFound {
		t.Fatalf("second pickup: got=%v want 404", err)
	}

	e, err := f.svc.SpreadSeed(ctx, SpreadRequest{Point: f.inC2, SpeciesID: seed.SpeciesID, DNA: seed.DNA, Nickname: "gift"})
	if err != nil {
		t.Fatalf("SpreadSeed: %v", err)
	}
	got, err := f.st.Entity(ctx, e.ID)
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if got.DNA.ID != seed.DNA.ID || got.CellID != f.cells[1] || got.Nickname != "gift" || got.Prefab != "fern" {
		t.Fatalf("spread entity: got=%+v", got)
	}
	if got.Fitness != seed.DNA.Fitness {
		t.Fatalf("fitness: got=%v want=%v", got.Fitness, seed.DNA.Fitness)
	}

	fresh, err := f.svc.SpreadSeed(ctx, SpreadRequest{Point: f.inC1, SpeciesID: f.species[1]})
	if err != nil {
		t.Fatalf("SpreadSeed fresh: %v", err)
	}
	if fresh.Nickname == "" || fresh.DNA.ID == 0 || fresh.Prefab != "moss" {
		t.Fatalf("fresh spread: got=%+v", fresh)
	}

	if _, err := f.svc.SpreadSeed(ctx, SpreadRequest{Point: f.offGrid, SpeciesID: f.species[0]}); !errors.Is(err, ErrBadInput) {
		t.Fatalf("off-grid spread: got=%v want ErrBadInput", err)
	}
	if _, err := f.svc.SpreadSeed(ctx, SpreadRequest{Point: f.inC1, SpeciesID: 999}); !errors.Is(err, ErrBadInput) {
		t.Fatalf("unknown species: got=%v want ErrBadInput", err)
	}
}

func TestDeploySeeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mathx.NewRand(3))

	ids, err := f.svc.DeploySeeds(ctx, DeployRequest{Count: 5, CellIDs: []int64{f.cells[1]}})
	if err != nil {
		t.Fatalf("DeploySeeds: %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("ids: got=%d want=5", len(ids))
	}
	c2, _ := f.st.Cell(ctx, f.cells[1])
	for _, id := range ids {
		s, err := f.st.Seed(ctx, id)
		if err != nil {
			t.Fatalf("Seed %d: %v", id, err)
		}
		if s.CellID != f.cells[1] || !c2.Contains(s.Point) {
			t.Fatalf("seed %d outside its cell: %+v", id, s)
		}
		if s.DNA.Fitness < 100 || s.DNA.Fitness > 115 {
			t.Fatalf("seed %d DNA not drawn for its species: %+v", id, s.DNA)
		}
	}

	for _, req := range []DeployRequest{
		{Count: 0},
		{Count: 1, Prefab: "cactus"},
		{Count: 1, CellIDs: []int64{999}},
	} {
		if _, err := f.svc.DeploySeeds(ctx, req); !errors.Is(err, ErrBadInput) {
			t.Fatalf("DeploySeeds(%+v): got=%v want ErrBadInput", req, err)
		}
	}
}

func TestRandomizeSpecies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, lastRand{})
	var es []ecology.Entity
	for i := 0; i < 3; i++ {
		es = append(es, ecology.Entity{
			Point: f.inC1, Prefab: "fern", CellID: f.cells[0], SpeciesID: f.species[0],
			DNA: ecology.DNA{Fitness: 100, LifeExpectancy: 100}, Fitness: 100,
		})
	}
	if _, err := f.st.InsertEntities(ctx, es); err != nil {
		t.Fatalf("InsertEntities: %v", err)
	}

	n, err := f.svc.RandomizeSpecies(ctx)
	if err != nil {
		t.Fatalf("RandomizeSpecies: %v", err)
	}
	if n != 3 {
		t.Fatalf("updated: got=%d want=3", n)
	}
	got, _ := f.st.Entities(ctx)
	for _, e := range got {
		if e.SpeciesID != f.species[1] || e.Prefab != "moss" {
			t.Fatalf("entity %d: species=%d prefab=%q want %d/moss", e.ID, e.SpeciesID, e.Prefab, f.species[1])
		}
	}
}
