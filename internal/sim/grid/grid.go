// Package grid tiles a region with square cells of a fixed edge length
// measured on the Earth's surface.
package grid

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"soundlines.art/internal/geo"
)

const DefaultCellSize = 50.0

var ErrEmptyRegion = errors.New("grid: empty region")

// Layout describes the anchored template grid before the region filter.
// Cells are lon/lat aligned: DLon and DLat are the degree offsets of a move
// of Size metres east and south from the anchor.
type Layout struct {
	Anchor orb.Point
	DLon   float64
	DLat   float64
	Cols   int
	Rows   int
	Size   float64
}

// Plan computes the anchor (the bound's north-west corner) and the number of
// columns and rows needed to cover the region's bound. Counts round up so the
// grid overhangs the region.
func Plan(region orb.Polygon, cellSize float64) (Layout, error) {
	if len(region) == 0 || len(region[0]) < 3 {
		return Layout{}, ErrEmptyRegion
	}
	if !(cellSize > 0) {
		return Layout{}, fmt.Errorf("grid: cell size must be positive, got %v", cellSize)
	}
	b := region.Bound()
	tl := orb.Point{b.Left(), b.Top()}

	l := Layout{
		Anchor: tl,
		DLon:   geo.Destination(tl, geo.BearingEast, cellSize).Lon() - tl.Lon(),
		DLat:   tl.Lat() - geo.Destination(tl, geo.BearingSouth, cellSize).Lat(),
		Size:   cellSize,
	}
	l.Cols = int(math.Ceil((b.Right() - b.Left()) / l.DLon))
	l.Rows = int(math.Ceil((b.Top() - b.Bottom()) / l.DLat))
	if l.Cols < 1 {
		l.Cols = 1
	}
	if l.Rows < 1 {
		l.Rows = 1
	}
	return l, nil
}

// Template is the anchor cell, ring ordered TL, BL, BR, TR, TL.
func (l Layout) Template() orb.Polygon {
	return l.Cell(0, 0)
}

// Cell returns the template translated to (row, col).
func (l Layout) Cell(row, col int) orb.Polygon {
	left := l.Anchor.Lon() + float64(col)*l.DLon
	top := l.Anchor.Lat() - float64(row)*l.DLat
	right := left + l.DLon
	bottom := top - l.DLat
	tl := orb.Point{left, top}
	return orb.Polygon{orb.Ring{tl, {left, bottom}, {right, bottom}, {right, top}, tl}}
}

// Generate returns every grid cell that intersects region, row by row.
func Generate(region orb.Polygon, cellSize float64) ([]orb.Polygon, error) {
	l, err := Plan(region, cellSize)
	if err != nil {
		return nil, err
	}
	var out []orb.Polygon
	for row := 0; row < l.Rows; row++ {
		for col := 0; col < l.Cols; col++ {
			c := l.Cell(row, col)
			if geo.Intersects(region, c) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}
