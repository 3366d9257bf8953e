// Package observerproto defines the messages exchanged with visualisers that
// watch the simulation over the observer websocket.
package observerproto

import (
	"time"

	"github.com/paulmach/orb/geojson"

	"soundlines.art/internal/sim/ecology"
)

const Version = "1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeFrame     = "FRAME"
)

// SubscribeMsg is the first client message and may be re-sent to change the view.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Bound restricts frames to [minLon, minLat, maxLon, maxLat]; nil means everything.
	Bound        *[4]float64 `json:"bound,omitempty"`
	IncludeSeeds bool        `json:"include_seeds"`
}

// BootstrapResponse answers GET /observer/bootstrap. Cells are a GeoJSON
// FeatureCollection of polygons with the cell aggregates as properties.
type BootstrapResponse struct {
	ProtocolVersion string                     `json:"protocol_version"`
	Tick            uint64                     `json:"tick"`
	Cells           *geojson.FeatureCollection `json:"cells"`
	Species         []ecology.Species          `json:"species"`
}

// FrameMsg is pushed after every simulation flush.
type FrameMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	At              time.Time `json:"at"`

	StepsPerSec float64 `json:"steps_per_sec"`
	Bloomed     int     `json:"bloomed"`
	Died        int     `json:"died"`

	Entities []EntityState `json:"entities"`
	Seeds    []SeedState   `json:"seeds,omitempty"`
}

type EntityState struct {
	ID        int64   `json:"id"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Prefab    string  `json:"prefab"`
	SpeciesID int64   `json:"setting_id"`
	CellID    int64   `json:"cell_id"`
	Size      float64 `json:"size"`
	Fitness   float64 `json:"fitness"`
	Age       float64 `json:"age"`
	Nickname  string  `json:"nickname"`
}

type SeedState struct {
	ID        int64   `json:"id"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Prefab    string  `json:"prefab"`
	Age       float64 `json:"age"`
}

func EntityStateOf(e ecology.Entity) EntityState {
	return EntityState{
		ID: e.ID, Longitude: e.Point.Lon(), Latitude: e.Point.Lat(),
		Prefab: e.Prefab, SpeciesID: e.SpeciesID, CellID: e.CellID,
		Size: e.Size, Fitness: e.Fitness, Age: e.Age, Nickname: e.Nickname,
	}
}

func SeedStateOf(s ecology.Seed) SeedState {
	return SeedState{ID: s.ID, Longitude: s.Point.Lon(), Latitude: s.Point.Lat(), Prefab: s.Prefab, Age: s.Age}
}

// CellFeatures renders cells as GeoJSON polygons.
func CellFeatures(cells []ecology.Cell) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range cells {
		f := geojson.NewFeature(c.Geom)
		f.ID = c.ID
		f.Properties["wifi"] = c.Wifi
		f.Properties["light"] = c.Light
		f.Properties["sound"] = c.Sound
		f.Properties["visit"] = c.Visit
		f.Properties["sns"] = c.SNS
		fc.Append(f)
	}
	return fc
}
