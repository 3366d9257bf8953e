package ecology

import (
	"fmt"

	"github.com/paulmach/orb"

	"soundlines.art/internal/geo"
	"soundlines.art/internal/sim/mathx"
)

type ReadingKind string

const (
	ReadingWifi  ReadingKind = "wifi"
	ReadingSound ReadingKind = "sound"
	ReadingLight ReadingKind = "light"
)

func ParseReadingKind(s string) (ReadingKind, error) {
	switch k := ReadingKind(s); k {
	case ReadingWifi, ReadingSound, ReadingLight:
		return k, nil
	default:
		return "", fmt.Errorf("unknown reading kind %q", s)
	}
}

// Cell is one tile of the grid. Geometry is fixed once inserted; the
// aggregates are rolling means over every reading recorded inside it.
type Cell struct {
	ID   int64       `json:"id"`
	Geom orb.Polygon `json:"geom"`

	Wifi      float64 `json:"wifi"`
	WifiTotal float64 `json:"wifi_total"`
	WifiCount float64 `json:"wifi_count"`

	Light      float64 `json:"light"`
	LightTotal float64 `json:"light_total"`
	LightCount float64 `json:"light_count"`

	Sound      float64 `json:"sound"`
	SoundTotal float64 `json:"sound_total"`
	SoundCount float64 `json:"sound_count"`

	SNS   int64 `json:"sns"`
	Visit int64 `json:"visit"`
}

// NewCell returns an empty cell for geom.
func NewCell(geom orb.Polygon) Cell {
	return Cell{Geom: geom}
}

func CellsFromPolygons(polys []orb.Polygon) []Cell {
	out := make([]Cell, 0, len(polys))
	for _, p := range polys {
		out = append(out, NewCell(p))
	}
	return out
}

func (c *Cell) Contains(p orb.Point) bool {
	return geo.Contains(c.Geom, p)
}

// AddReading folds one sample into the channel's total, count and mean.
func (c *Cell) AddReading(kind ReadingKind, level float64) {
	var mean, total, count *float64
	switch kind {
	case ReadingWifi:
		mean, total, count = &c.Wifi, &c.WifiTotal, &c.WifiCount
	case ReadingLight:
		mean, total, count = &c.Light, &c.LightTotal, &c.LightCount
	case ReadingSound:
		mean, total, count = &c.Sound, &c.SoundTotal, &c.SoundCount
	default:
		return
	}
	*total += level
	*count++
	*mean = *total / *count
}

// RandomInnerPoint draws a point uniformly from the cell's bounding box.
func RandomInnerPoint(c Cell, r mathx.Rand) orb.Point {
	b := c.Geom.Bound()
	return orb.Point{
		mathx.Uniform(r, b.Left(), b.Right()),
		mathx.Uniform(r, b.Bottom(), b.Top()),
	}
}
