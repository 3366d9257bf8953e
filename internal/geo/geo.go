// Package geo wraps the great-circle and containment primitives used by the
// grid, the neighbour index and the store backends. Points are orb.Point
// values in WGS84 longitude/latitude order.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

const (
	BearingNorth = 0.0
	BearingEast  = 90.0
	BearingSouth = 180.0
	BearingWest  = 270.0
)

// Distance is the haversine distance in metres.
func Distance(a, b orb.Point) float64 {
	return orbgeo.DistanceHaversine(a, b)
}

// Within reports whether b lies at most r metres from a.
func Within(a, b orb.Point, r float64) bool {
	if r < 0 {
		return false
	}
	return Distance(a, b) <= r
}

// Destination moves from p along a great circle with the given bearing in degrees.
func Destination(p orb.Point, bearingDeg, metres float64) orb.Point {
	return orbgeo.PointAtBearingAndDistance(p, bearingDeg, metres)
}

func Midpoint(a, b orb.Point) orb.Point {
	return orbgeo.Midpoint(a, b)
}

// BoundAround returns a bound padded r metres around p.
func BoundAround(p orb.Point, r float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(p, r)
}

// Contains reports whether p is inside poly. Points on the boundary count as inside.
func Contains(poly orb.Polygon, p orb.Point) bool {
	if len(poly) == 0 {
		return false
	}
	if !poly.Bound().Contains(p) {
		return false
	}
	return planar.PolygonContains(poly, p)
}

// Intersects reports whether two polygons share any point. Touching edges and
// corners count.
func Intersects(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, p := range a[0] {
		if Contains(b, p) {
			return true
		}
	}
	for _, p := range b[0] {
		if Contains(a, p) {
			return true
		}
	}
	ra, rb := a[0], b[0]
	for i := 0; i+1 < len(ra); i++ {
		for j := 0; j+1 < len(rb); j++ {
			if segmentsCross(ra[i], ra[i+1], rb[j], rb[j+1]) {
				return true
			}
		}
	}
	return false
}

// DistanceToPolygon is zero for points inside poly, otherwise the distance in
// metres to the closest edge of the outer ring.
func DistanceToPolygon(poly orb.Polygon, p orb.Point) float64 {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return math.Inf(1)
	}
	if Contains(poly, p) {
		return 0
	}
	ring := poly[0]
	best := math.Inf(1)
	for i := 0; i+1 < len(ring); i++ {
		d := planar.DistanceFromSegment(local(p, ring[i]), local(p, ring[i+1]), orb.Point{})
		if d < best {
			best = d
		}
	}
	if len(ring) == 1 {
		best = Distance(p, ring[0])
	}
	return best
}

// local projects q into an equirectangular plane in metres centred on origin.
func local(origin, q orb.Point) orb.Point {
	lat0 := deg2rad(origin.Lat())
	x := deg2rad(q.Lon()-origin.Lon()) * math.Cos(lat0) * orb.EarthRadius
	y := deg2rad(q.Lat()-origin.Lat()) * orb.EarthRadius
	return orb.Point{x, y}
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

func segmentsCross(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}
