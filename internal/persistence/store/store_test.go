package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"soundlines.art/internal/sim/ecology"
)

func square(minLon, minLat, d float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{minLon, minLat + d}, {minLon, minLat}, {minLon + d, minLat}, {minLon + d, minLat + d}, {minLon, minLat + d},
	}}
}

func testSpecies() ecology.Species {
	return ecology.Species{
		Prefab: "fern", GrowthLimit: 10, LifeExpectancy: 100,
		WifiSensitivity: 0.2, LightSensitivity: -0.3, SoundSensitivity: 0.5,
		NeighborTolerance: 3, BirthProba: 0.5, BloomProba: 0.2,
		MatingFreq: 10, MatingDuration: 3, FruitDuration: 5,
		MatingDistance: 20, CrowdDistance: 10,
	}
}

func testEntity(speciesID, cellID int64, p orb.Point) ecology.Entity {
	return ecology.Entity{
		Point: p, Prefab: "fern", CellID: cellID, SpeciesID: speciesID,
		DNA: ecology.DNA{
			Size: 1, Fitness: 100, LifeExpectancy: 100, GrowthRate: 0.1,
			AgingRate: 1, MutationRate: 0.1, StressRate: 0.5, HealthyRate: ecology.HealthyRate(0.5),
		},
		Fitness: 100, Size: 1, LifeExpectancy: 100, Nickname: "entity-1",
	}
}

type notifyPayload struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	ID        int64  `json:"id"`
}

// collect reads notifications until want have arrived, then checks nothing else follows.
func collect(t *testing.T, s Store, want int) []notifyPayload {
	t.Helper()
	ctx := context.Background()
	var out []notifyPayload
	deadline := time.Now().Add(3 * time.Second)
	for len(out) < want && time.Now().Before(deadline) {
		ns, err := s.Notifications(ctx, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("Notifications: %v", err)
		}
		for _, n := range ns {
			if n.Channel != Channel {
				t.Fatalf("channel=%q want %q", n.Channel, Channel)
			}
			var p notifyPayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
				t.Fatalf("payload %q: %v", n.Payload, err)
			}
			out = append(out, p)
		}
	}
	extra, err := s.Notifications(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Notifications: %v", err)
	}
	if len(out) != want || len(extra) != 0 {
		t.Fatalf("notifications=%v extra=%v want %d", out, extra, want)
	}
	return out
}

// runStoreSuite exercises the behaviour every backend shares. s must be empty.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	spID, err := s.InsertSpecies(ctx, testSpecies())
	if err != nil {
		t.Fatalf("InsertSpecies: %v", err)
	}
	if got := collect(t, s, 1); got[0] != (notifyPayload{"settings", "insert", spID}) {
		t.Fatalf("species insert notification=%v", got)
	}
	sp, err := s.SpeciesByID(ctx, spID)
	if err != nil || sp.Prefab != "fern" || sp.CrowdDistance != 10 {
		t.Fatalf("SpeciesByID got=%+v err=%v", sp, err)
	}
	if _, err := s.SpeciesByID(ctx, spID+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing species err=%v want ErrNotFound", err)
	}

	const d = 0.001
	cellIDs, err := s.InsertCells(ctx, []ecology.Cell{
		ecology.NewCell(square(127.0, 37.5, d)),
		ecology.NewCell(square(127.0+d, 37.5, d)),
	})
	if err != nil || len(cellIDs) != 2 {
		t.Fatalf("InsertCells ids=%v err=%v", cellIDs, err)
	}
	a, b := cellIDs[0], cellIDs[1]
	collect(t, s, 2)

	centerA := orb.Point{127.0 + d/2, 37.5 + d/2}
	centerB := orb.Point{127.0 + 1.5*d, 37.5 + d/2}
	edge := orb.Point{127.0 + d, 37.5 + d/2}
	outside := orb.Point{127.01, 37.5}

	ids, err := s.CellIDsAt(ctx, []orb.Point{centerA, centerB, edge, outside})
	if err != nil {
		t.Fatalf("CellIDsAt: %v", err)
	}
	if want := []int64{a, b, a, 0}; len(ids) != 4 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] || ids[3] != want[3] {
		t.Fatalf("CellIDsAt got=%v want=%v", ids, want)
	}

	near, err := s.CellsWithin(ctx, centerA, 10)
	if err != nil || len(near) != 1 || near[0].ID != a {
		t.Fatalf("CellsWithin(10) got=%v err=%v", near, err)
	}
	near, err = s.CellsWithin(ctx, centerA, 200)
	if err != nil || len(near) != 2 {
		t.Fatalf("CellsWithin(200) got %d cells err=%v", len(near), err)
	}

	if err := s.AddCellReading(ctx, a, ecology.ReadingWifi, 10); err != nil {
		t.Fatalf("AddCellReading: %v", err)
	}
	if err := s.AddCellReading(ctx, a, ecology.ReadingWifi, 20); err != nil {
		t.Fatalf("AddCellReading: %v", err)
	}
	if err := s.IncrementCellVisit(ctx, a); err != nil {
		t.Fatalf("IncrementCellVisit: %v", err)
	}
	ca, err := s.Cell(ctx, a)
	if err != nil {
		t.Fatalf("Cell: %v", err)
	}
	if ca.Wifi != 15 || ca.WifiCount != 2 || ca.WifiTotal != 30 || ca.Visit != 1 {
		t.Fatalf("cell after readings=%+v", ca)
	}
	if err := s.AddCellReading(ctx, a, "heat", 1); err == nil {
		t.Fatalf("expected error for unknown reading kind")
	}
	if err := s.IncrementCellVisit(ctx, b+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing cell err=%v want ErrNotFound", err)
	}
	for _, n := range collect(t, s, 3) {
		if n.Table != "cells" || n.Operation != "update" || n.ID != a {
			t.Fatalf("cell update notification=%+v", n)
		}
	}

	entIDs, err := s.InsertEntities(ctx, []ecology.Entity{
		testEntity(spID, a, centerA),
		testEntity(spID, b, centerB),
	})
	if err != nil || len(entIDs) != 2 {
		t.Fatalf("InsertEntities ids=%v err=%v", entIDs, err)
	}
	got := collect(t, s, 2)
	if got[0] != (notifyPayload{"entities", "insert", entIDs[0]}) || got[1] != (notifyPayload{"entities", "insert", entIDs[1]}) {
		t.Fatalf("insert notifications=%v", got)
	}

	e, err := s.Entity(ctx, entIDs[0])
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if e.DNA.ID == 0 || e.DNA.StressRate != 0.5 || e.DNA.SpeciesID != spID || e.CellID != a {
		t.Fatalf("entity=%+v", e)
	}

	e.Fitness, e.Age, e.Size, e.StartMatingAt, e.LastSeedAt = 42, 7, 2, 5, 6
	if err := s.UpdateEntities(ctx, []ecology.Entity{e}); err != nil {
		t.Fatalf("UpdateEntities: %v", err)
	}
	collect(t, s, 0)
	e2, _ := s.Entity(ctx, e.ID)
	if e2.Fitness != 42 || e2.Age != 7 || e2.Size != 2 || e2.StartMatingAt != 5 || e2.LastSeedAt != 6 {
		t.Fatalf("updated entity=%+v", e2)
	}

	within, err := s.EntitiesWithin(ctx, centerA, 5)
	if err != nil || len(within) != 1 || within[0].ID != entIDs[0] {
		t.Fatalf("EntitiesWithin got=%v err=%v", within, err)
	}

	sp2, err := s.InsertSpecies(ctx, testSpecies())
	if err != nil {
		t.Fatalf("InsertSpecies: %v", err)
	}
	if got := collect(t, s, 1); got[0] != (notifyPayload{"settings", "insert", sp2}) {
		t.Fatalf("species insert notification=%v", got)
	}
	if err := s.AssignSpecies(ctx, entIDs[1], sp2, "moss"); err != nil {
		t.Fatalf("AssignSpecies: %v", err)
	}
	if got := collect(t, s, 1); got[0] != (notifyPayload{"entities", "update", entIDs[1]}) {
		t.Fatalf("assign notification=%v", got)
	}
	bySp, err := s.EntitiesBySpecies(ctx, sp2)
	if err != nil || len(bySp) != 1 || bySp[0].Prefab != "moss" || bySp[0].DNA.SpeciesID != sp2 {
		t.Fatalf("EntitiesBySpecies got=%v err=%v", bySp, err)
	}

	seedIDs, err := s.InsertSeeds(ctx, []ecology.Seed{
		{CellID: a, SpeciesID: spID, DNA: e.DNA, Point: centerA, Prefab: "fern"},
		{CellID: b, SpeciesID: spID, DNA: ecology.DNA{Size: 1, LifeExpectancy: 50}, Point: centerB, Prefab: "fern"},
	})
	if err != nil || len(seedIDs) != 2 {
		t.Fatalf("InsertSeeds ids=%v err=%v", seedIDs, err)
	}
	collect(t, s, 2)
	sd, err := s.Seed(ctx, seedIDs[0])
	if err != nil || sd.DNA.ID != e.DNA.ID || sd.CreatedAt.IsZero() {
		t.Fatalf("Seed got=%+v err=%v", sd, err)
	}
	sd.Age = 3
	if err := s.UpdateSeeds(ctx, []ecology.Seed{sd}); err != nil {
		t.Fatalf("UpdateSeeds: %v", err)
	}
	collect(t, s, 0)
	if sd, _ = s.Seed(ctx, seedIDs[0]); sd.Age != 3 {
		t.Fatalf("seed age=%v want 3", sd.Age)
	}
	if err := s.DeleteSeeds(ctx, seedIDs[:1], true); err != nil {
		t.Fatalf("DeleteSeeds: %v", err)
	}
	if got := collect(t, s, 1); got[0] != (notifyPayload{"seeds", "delete", seedIDs[0]}) {
		t.Fatalf("seed delete notification=%v", got)
	}
	if _, err := s.Entity(ctx, entIDs[0]); err != nil {
		t.Fatalf("entity lost its DNA with keepDNA: %v", err)
	}

	entries := map[int64]ecology.NeighborEntry{
		entIDs[0]: {Mating: []int64{entIDs[1]}, Crowd: []int64{}},
	}
	if err := s.ReplaceNeighborEntries(ctx, entries); err != nil {
		t.Fatalf("ReplaceNeighborEntries: %v", err)
	}
	collect(t, s, 1)
	ne, err := s.NeighborEntry(ctx, entIDs[0])
	if err != nil || len(ne.Mating) != 1 || ne.Mating[0] != entIDs[1] || len(ne.Crowd) != 0 {
		t.Fatalf("NeighborEntry got=%+v err=%v", ne, err)
	}

	if err := s.DeleteEntities(ctx, entIDs[:1]); err != nil {
		t.Fatalf("DeleteEntities: %v", err)
	}
	collect(t, s, 2) // entity and its neighbour row
	if _, err := s.Entity(ctx, entIDs[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted entity err=%v want ErrNotFound", err)
	}
	if all, _ := s.NeighborEntries(ctx); len(all) != 0 {
		t.Fatalf("neighbour rows left=%v", all)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	for _, g := range []GPSReading{
		{UserID: 1, Point: centerA, CreatedAt: now.Add(-time.Hour)},
		{UserID: 1, Point: centerB, CreatedAt: now.Add(-time.Minute)},
		{UserID: 2, Point: outside, CreatedAt: now.Add(-10 * time.Second)},
		{UserID: 3, Point: centerA, CreatedAt: now.Add(-5 * time.Second)},
	} {
		if err := s.InsertGPS(ctx, g); err != nil {
			t.Fatalf("InsertGPS: %v", err)
		}
	}
	last, err := s.LastGPS(ctx, 1)
	if err != nil || last.Point != centerB || !last.CreatedAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("LastGPS got=%+v err=%v", last, err)
	}
	if _, err := s.LastGPS(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LastGPS missing err=%v", err)
	}
	byUser, err := s.LastGPSByUser(ctx)
	if err != nil || len(byUser) != 3 {
		t.Fatalf("LastGPSByUser got=%v err=%v", byUser, err)
	}
	if byUser[0].UserID != 3 || byUser[0].CellID != a || byUser[1].UserID != 2 || byUser[1].CellID != 0 || byUser[2].CellID != b {
		t.Fatalf("LastGPSByUser order/cells=%+v", byUser)
	}
	recent, err := s.UserLocations(ctx, now.Add(-30*time.Second), 3)
	if err != nil || len(recent) != 1 || recent[0].UserID != 2 {
		t.Fatalf("UserLocations got=%v err=%v", recent, err)
	}

	if err := s.InsertReading(ctx, Reading{Kind: ecology.ReadingSound, UserID: 1, Point: centerA, Level: 0.4, CreatedAt: now}); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	if err := s.InsertReading(ctx, Reading{Kind: "heat", UserID: 1, Point: centerA}); err == nil {
		t.Fatalf("expected error for unknown reading table")
	}

	if w, err := s.Weather(ctx); !errors.Is(err, ErrNotFound) || w != nil {
		t.Fatalf("empty Weather got=%v err=%v want ErrNotFound", w, err)
	}
	rain := "rain"
	if err := s.SetWeather(ctx, Weather{Temperature: 12.5, Precip: &rain}); err != nil {
		t.Fatalf("SetWeather: %v", err)
	}
	w, err := s.Weather(ctx)
	if err != nil || w == nil || w.Temperature != 12.5 || w.Precip == nil || *w.Precip != "rain" {
		t.Fatalf("Weather got=%+v err=%v", w, err)
	}
}

// runNotificationMatrix checks which writes reach the simulation, one change
// at a time. exec runs raw SQL for changes no Store method makes. s must be empty.
func runNotificationMatrix(t *testing.T, s Store, exec func(ctx context.Context, q string) error) {
	ctx := context.Background()
	if err := s.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%v", err)
		}
	}
	sql := func(format string, args ...any) {
		t.Helper()
		must(exec(ctx, fmt.Sprintf(format, args...)))
	}

	p := orb.Point{127.0005, 37.5005}
	var spID, cellID, entID, seedID int64
	cases := []struct {
		table, op string
		// silent changes must not notify at all.
		silent bool
		run    func() int64
	}{
		{table: "settings", op: "insert", run: func() int64 {
			id, err := s.InsertSpecies(ctx, testSpecies())
			must(err)
			spID = id
			return id
		}},
		{table: "settings", op: "update", run: func() int64 {
			sql(`UPDATE settings SET bloom_proba = 0.9 WHERE id = %d`, spID)
			return spID
		}},
		{table: "settings", op: "delete", silent: true, run: func() int64 {
			id, err := s.InsertSpecies(ctx, testSpecies())
			must(err)
			collect(t, s, 1)
			sql(`DELETE FROM settings WHERE id = %d`, id)
			return id
		}},
		{table: "cells", op: "insert", run: func() int64 {
			ids, err := s.InsertCells(ctx, []ecology.Cell{ecology.NewCell(square(127.0, 37.5, 0.001))})
			must(err)
			cellID = ids[0]
			return cellID
		}},
		{table: "cells", op: "update", run: func() int64 {
			must(s.AddCellReading(ctx, cellID, ecology.ReadingLight, 3))
			return cellID
		}},
		{table: "entities", op: "insert", run: func() int64 {
			ids, err := s.InsertEntities(ctx, []ecology.Entity{testEntity(spID, cellID, p)})
			must(err)
			entID = ids[0]
			return entID
		}},
		{table: "entities", op: "update", run: func() int64 {
			must(s.AssignSpecies(ctx, entID, spID, "moss"))
			return entID
		}},
		{table: "entities", op: "update", silent: true, run: func() int64 {
			e, err := s.Entity(ctx, entID)
			must(err)
			e.Fitness, e.Age = 50, 12
			must(s.UpdateEntities(ctx, []ecology.Entity{e}))
			return entID
		}},
		{table: "seeds", op: "insert", run: func() int64 {
			ids, err := s.InsertSeeds(ctx, []ecology.Seed{{CellID: cellID, SpeciesID: spID, DNA: ecology.DNA{Size: 1}, Point: p, Prefab: "fern"}})
			must(err)
			seedID = ids[0]
			return seedID
		}},
		{table: "seeds", op: "update", run: func() int64 {
			sql(`UPDATE seeds SET prefab = 'moss' WHERE id = %d`, seedID)
			return seedID
		}},
		{table: "seeds", op: "update", silent: true, run: func() int64 {
			sd, err := s.Seed(ctx, seedID)
			must(err)
			sd.Age = 4
			must(s.UpdateSeeds(ctx, []ecology.Seed{sd}))
			return seedID
		}},
		{table: "seeds", op: "delete", run: func() int64 {
			must(s.DeleteSeeds(ctx, []int64{seedID}, false))
			return seedID
		}},
		{table: "entity_neighbors", op: "insert", run: func() int64 {
			must(s.ReplaceNeighborEntries(ctx, map[int64]ecology.NeighborEntry{entID: {}}))
			return entID
		}},
		{table: "entity_neighbors", op: "update", run: func() int64 {
			sql(`UPDATE entity_neighbors SET entity_id = entity_id WHERE entity_id = %d`, entID)
			return entID
		}},
		{table: "entity_neighbors", op: "delete", run: func() int64 {
			sql(`DELETE FROM entity_neighbors WHERE entity_id = %d`, entID)
			return entID
		}},
		{table: "entities", op: "delete", run: func() int64 {
			must(s.DeleteEntities(ctx, []int64{entID}))
			return entID
		}},
		{table: "cells", op: "delete", run: func() int64 {
			sql(`DELETE FROM cells WHERE id = %d`, cellID)
			return cellID
		}},
	}
	for _, tc := range cases {
		id := tc.run()
		if tc.silent {
			collect(t, s, 0)
			continue
		}
		want := notifyPayload{Table: tc.table, Operation: tc.op, ID: id}
		if got := collect(t, s, 1); got[0] != want {
			t.Fatalf("%s %s: got=%+v want=%+v", tc.table, tc.op, got[0], want)
		}
	}
}
