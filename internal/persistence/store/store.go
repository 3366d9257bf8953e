// Package store persists the world to a relational backend and streams
// change notifications on the "simulation" channel.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"soundlines.art/internal/sim/ecology"
)

// Channel is the notification channel the simulation listens on.
const Channel = "simulation"

var ErrNotFound = errors.New("store: not found")

// Notification is one raw change event.
type Notification struct {
	Channel string
	Payload string
}

type Weather struct {
	ID          int64   `json:"-"`
	Temperature float64 `json:"temperature"`
	Precip      *string `json:"precip"`
}

// UserLocation is the latest known position of a user.
type UserLocation struct {
	UserID    int64     `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CellID    int64     `json:"cell_id"`
	At        time.Time `json:"created_at"`
}

func (u UserLocation) Point() orb.Point { return orb.Point{u.Longitude, u.Latitude} }

type GPSReading struct {
	ID        int64
	UserID    int64
	Point     orb.Point
	CreatedAt time.Time
}

type Reading struct {
	Kind      ecology.ReadingKind
	UserID    int64
	Point     orb.Point
	Level     float64
	CreatedAt time.Time
}

// Store is the full persistence surface. Components depend on narrower
// interfaces; backends implement all of it.
type Store interface {
	Species(ctx context.Context) ([]ecology.Species, error)
	SpeciesByID(ctx context.Context, id int64) (ecology.Species, error)
	InsertSpecies(ctx context.Context, sp ecology.Species) (int64, error)

	Cells(ctx context.Context) ([]ecology.Cell, error)
	Cell(ctx context.Context, id int64) (ecology.Cell, error)
	InsertCells(ctx context.Context, cells []ecology.Cell) ([]int64, error)
	// CellAt returns the id of the cell containing p, or 0 when p is off-grid.
	CellAt(ctx context.Context, p orb.Point) (int64, error)
	CellIDsAt(ctx context.Context, pts []orb.Point) ([]int64, error)
	CellsWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Cell, error)
	AddCellReading(ctx context.Context, cellID int64, kind ecology.ReadingKind, level float64) error
	IncrementCellVisit(ctx context.Context, cellID int64) error

	Entities(ctx context.Context) ([]ecology.Entity, error)
	Entity(ctx context.Context, id int64) (ecology.Entity, error)
	EntitiesBySpecies(ctx context.Context, speciesID int64) ([]ecology.Entity, error)
	EntitiesWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Entity, error)
	// InsertEntities stores each entity, first inserting its DNA when DNA.ID is 0.
	InsertEntities(ctx context.Context, es []ecology.Entity) ([]int64, error)
	// UpdateEntities writes the simulation-owned columns only.
	UpdateEntities(ctx context.Context, es []ecology.Entity) error
	// DeleteEntities removes entities with their DNA and neighbour rows.
	DeleteEntities(ctx context.Context, ids []int64) error
	AssignSpecies(ctx context.Context, entityID, speciesID int64, prefab string) error

	Seeds(ctx context.Context) ([]ecology.Seed, error)
	Seed(ctx context.Context, id int64) (ecology.Seed, error)
	SeedsBySpecies(ctx context.Context, speciesID int64) ([]ecology.Seed, error)
	SeedsWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Seed, error)
	InsertSeeds(ctx context.Context, ss []ecology.Seed) ([]int64, error)
	UpdateSeeds(ctx context.Context, ss []ecology.Seed) error
	// DeleteSeeds removes seeds; keepDNA leaves their genomes for bloomed entities.
	DeleteSeeds(ctx context.Context, ids []int64, keepDNA bool) error

	NeighborEntries(ctx context.Context) (map[int64]ecology.NeighborEntry, error)
	NeighborEntry(ctx context.Context, entityID int64) (ecology.NeighborEntry, error)
	ReplaceNeighborEntries(ctx context.Context, entries map[int64]ecology.NeighborEntry) error

	InsertReading(ctx context.Context, r Reading) error
	InsertGPS(ctx context.Context, g GPSReading) error
	LastGPS(ctx context.Context, userID int64) (GPSReading, error)
	LastGPSByUser(ctx context.Context) ([]UserLocation, error)
	UserLocations(ctx context.Context, since time.Time, except int64) ([]UserLocation, error)

	// Weather returns ErrNotFound until SetWeather has run.
	Weather(ctx context.Context) (*Weather, error)
	SetWeather(ctx context.Context, w Weather) error

	// Listen subscribes to Channel. Notifications blocks at most wait for
	// the first event and returns everything pending.
	Listen(ctx context.Context) error
	Notifications(ctx context.Context, wait time.Duration) ([]Notification, error)

	EnsureSchema(ctx context.Context) error
	Close() error
}

// Open picks a backend by name.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "sqlite":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (expected sqlite|postgres)", backend)
	}
}

func readingTable(kind ecology.ReadingKind) (string, error) {
	switch kind {
	case ecology.ReadingWifi, ecology.ReadingSound, ecology.ReadingLight:
		return string(kind) + "_readings", nil
	default:
		return "", fmt.Errorf("unknown reading kind %q", kind)
	}
}

// chunk splits ids for IN clauses.
func chunk(ids []int64, n int) [][]int64 {
	var out [][]int64
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
