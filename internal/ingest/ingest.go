// Package ingest is the surface HTTP ingesters and query endpoints call
// into. It never touches the running simulation: every mutation goes to the
// store, and the simulation picks it up from the change stream.
package ingest

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"soundlines.art/internal/persistence/store"
	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/mathx"
)

const (
	// GPSRadius is the neighbourhood returned with a GPS ping.
	GPSRadius = 120.0
	// LocationRadius is the neighbourhood returned per user by UserLocations.
	LocationRadius = 55.0
	// OthersWindow bounds how old another user's reading may be.
	OthersWindow = 30 * time.Second
)

// Store is the part of the durable store the façade uses.
type Store interface {
	Species(ctx context.Context) ([]ecology.Species, error)
	SpeciesByID(ctx context.Context, id int64) (ecology.Species, error)

	Cells(ctx context.Context) ([]ecology.Cell, error)
	Cell(ctx context.Context, id int64) (ecology.Cell, error)
	CellAt(ctx context.Context, p orb.Point) (int64, error)
	CellsWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Cell, error)
	AddCellReading(ctx context.Context, cellID int64, kind ecology.ReadingKind, level float64) error
	IncrementCellVisit(ctx context.Context, cellID int64) error

	Entities(ctx context.Context) ([]ecology.Entity, error)
	Entity(ctx context.Context, id int64) (ecology.Entity, error)
	EntitiesWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Entity, error)
	InsertEntities(ctx context.Context, es []ecology.Entity) ([]int64, error)
	AssignSpecies(ctx context.Context, entityID, speciesID int64, prefab string) error

	Seed(ctx context.Context, id int64) (ecology.Seed, error)
	SeedsWithin(ctx context.Context, p orb.Point, radius float64) ([]ecology.Seed, error)
	InsertSeeds(ctx context.Context, ss []ecology.Seed) ([]int64, error)
	DeleteSeeds(ctx context.Context, ids []int64, keepDNA bool) error

	InsertReading(ctx context.Context, r store.Reading) error
	InsertGPS(ctx context.Context, g store.GPSReading) error
	LastGPS(ctx context.Context, userID int64) (store.GPSReading, error)
	LastGPSByUser(ctx context.Context) ([]store.UserLocation, error)
	UserLocations(ctx context.Context, since time.Time, except int64) ([]store.UserLocation, error)
}

type Service struct {
	st     Store
	logger *log.Logger
	now    func() time.Time

	mu  sync.Mutex
	rng mathx.Rand
}

type Option func(*Service)

func WithRand(r mathx.Rand) Option          { return func(s *Service) { s.rng = r } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(st Store, logger *log.Logger, opts ...Option) *Service {
	s := &Service{st: st, logger: logger, now: time.Now, rng: mathx.NewRand(0)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// withRand serialises use of the shared random source.
func (s *Service) withRand(fn func(r mathx.Rand)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rng)
}

func validPoint(p orb.Point) error {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return badInput("coordinates are not numbers")
	}
	if lat < -90 || lat > 90 {
		return badInput("latitude %v out of [-90, 90]", lat)
	}
	if lon < -180 || lon > 180 {
		return badInput("longitude %v out of [-180, 180]", lon)
	}
	return nil
}

// Neighbourhood is what surrounds a point.
type Neighbourhood struct {
	CurrentCellID int64            `json:"cell_id"`
	Cells         []ecology.Cell   `json:"neighbor_cells"`
	Entities      []ecology.Entity `json:"entities"`
	Seeds         []ecology.Seed   `json:"seeds"`
}

// NeighboursAround lists the cells, entities and seeds within radius metres
// of p, plus the id of the cell containing p (0 when off-grid).
func (s *Service) NeighboursAround(ctx context.Context, p orb.Point, radius float64) (Neighbourhood, error) {
	var n Neighbourhood
	if err := validPoint(p); err != nil {
		return n, err
	}
	if !(radius > 0) {
		return n, badInput("radius must be positive, got %v", radius)
	}
	var err error
	if n.CurrentCellID, err = s.st.CellAt(ctx, p); err != nil {
		return n, fmt.Errorf("containing cell: %w", err)
	}
	if n.Cells, err = s.st.CellsWithin(ctx, p, radius); err != nil {
		return n, fmt.Errorf("cells within: %w", err)
	}
	if n.Entities, err = s.st.EntitiesWithin(ctx, p, radius); err != nil {
		return n, fmt.Errorf("entities within: %w", err)
	}
	if n.Seeds, err = s.st.SeedsWithin(ctx, p, radius); err != nil {
		return n, fmt.Errorf("seeds within: %w", err)
	}
	return n, nil
}

type Reading struct {
	UserID int64
	Kind   ecology.ReadingKind
	Point  orb.Point
	Level  float64
}

// RecordReading folds one sample into the containing cell's rolling mean
// and keeps the raw row. Off-grid readings are dropped; the returned cell id
// is then 0.
func (s *Service) RecordReading(ctx context.Context, r Reading) (int64, error) {
	if _, err := ecology.ParseReadingKind(string(r.Kind)); err != nil {
		return 0, badInput("%v", err)
	}
	return s.record(ctx, r.UserID, r.Kind, r.Point, []float64{r.Level})
}

// RecordWifi records several access points seen from one position.
func (s *Service) RecordWifi(ctx context.Context, userID int64, p orb.Point, levels []float64) (int64, error) {
	if len(levels) == 0 {
		return 0, badInput("no wifi levels")
	}
	return s.record(ctx, userID, ecology.ReadingWifi, p, levels)
}

func (s *Service) record(ctx context.Context, userID int64, kind ecology.ReadingKind, p orb.Point, levels []float64) (int64, error) {
	if err := validPoint(p); err != nil {
		return 0, err
	}
	for _, l := range levels {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return 0, badInput("%s level is not finite", kind)
		}
	}
	cellID, err := s.st.CellAt(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("containing cell: %w", err)
	}
	if cellID == 0 {
		return 0, nil
	}
	now := s.now()
	for _, l := range levels {
		if err := s.st.AddCellReading(ctx, cellID, kind, l); err != nil {
			return 0, fmt.Errorf("cell %d %s: %w", cellID, kind, err)
		}
		if err := s.st.InsertReading(ctx, store.Reading{Kind: kind, UserID: userID, Point: p, Level: l, CreatedAt: now}); err != nil {
			return 0, fmt.Errorf("%s reading: %w", kind, err)
		}
	}
	return cellID, nil
}

// GPSResult answers a GPS ping.
type GPSResult struct {
	UserID   int64                `json:"user_id"`
	Location orb.Point            `json:"location"`
	Others   []store.UserLocation `json:"others"`
	// Visited is true when this ping moved the user into a new cell.
	Visited bool `json:"-"`
	Neighbourhood
}

// RecordGPS stores the ping and, when the user moved to another cell,
// counts a visit there. Pings with no cell within GPSRadius are answered
// but not stored.
func (s *Service) RecordGPS(ctx context.Context, userID int64, p orb.Point) (GPSResult, error) {
	res := GPSResult{UserID: userID, Location: p}
	n, err := s.NeighboursAround(ctx, p, GPSRadius)
	if err != nil {
		return res, err
	}
	if res.Others, err = s.OtherUsers(ctx, userID); err != nil {
		return res, err
	}
	if len(n.Cells) == 0 {
		res.CurrentCellID = n.CurrentCellID
		return res, nil
	}
	res.Neighbourhood = n

	prevCell := int64(0)
	prev, err := s.st.LastGPS(ctx, userID)
	switch {
	case err == nil:
		if prevCell, err = s.st.CellAt(ctx, prev.Point); err != nil {
			return res, fmt.Errorf("previous cell: %w", err)
		}
	case !isNotFound(err):
		return res, fmt.Errorf("last gps: %w", err)
	}

	if err := s.st.InsertGPS(ctx, store.GPSReading{UserID: userID, Point: p, CreatedAt: s.now()}); err != nil {
		return res, fmt.Errorf("gps reading: %w", err)
	}
	if n.CurrentCellID != 0 && n.CurrentCellID != prevCell {
		if err := s.st.IncrementCellVisit(ctx, n.CurrentCellID); err != nil {
			return res, fmt.Errorf("visit cell %d: %w", n.CurrentCellID, err)
		}
		res.Visited = true
	}
	return res, nil
}

// OtherUsers lists where everyone but userID was within the last OthersWindow.
func (s *Service) OtherUsers(ctx context.Context, userID int64) ([]store.UserLocation, error) {
	out, err := s.st.UserLocations(ctx, s.now().Add(-OthersWindow), userID)
	if err != nil {
		return nil, fmt.Errorf("user locations: %w", err)
	}
	return out, nil
}

type UserView struct {
	store.UserLocation
	Neighbourhood Neighbourhood `json:"neighbourhood"`
}

// UserLocations returns every user's latest position with what surrounds it.
func (s *Service) UserLocations(ctx context.Context) ([]UserView, error) {
	locs, err := s.st.LastGPSByUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("last gps by user: %w", err)
	}
	out := make([]UserView, 0, len(locs))
	for _, l := range locs {
		n, err := s.NeighboursAround(ctx, l.Point(), LocationRadius)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", l.UserID, err)
		}
		out = append(out, UserView{UserLocation: l, Neighbourhood: n})
	}
	return out, nil
}
