package world

import (
	"math"

	"github.com/paulmach/orb"

	"soundlines.art/internal/geo"
	"soundlines.art/internal/sim/mathx"
)

// DefaultWindSpeed is the wind magnitude in metres.
const DefaultWindSpeed = 30.0

// Wind is a planar displacement in metres; X points east, Y north.
type Wind struct {
	X, Y float64
}

func (w Wind) Magnitude() float64 { return math.Hypot(w.X, w.Y) }

// RandomWind draws a uniformly oriented wind of the given magnitude.
func RandomWind(r mathx.Rand, magnitude float64) Wind {
	a := mathx.Uniform(r, 0, 2*math.Pi)
	return Wind{X: math.Cos(a) * magnitude, Y: math.Sin(a) * magnitude}
}

// SeedLocation drops a seed downwind of the parents' midpoint.
func SeedLocation(a, b orb.Point, wind Wind) orb.Point {
	bearing := 90 - math.Atan2(wind.Y, wind.X)*180/math.Pi
	return geo.Destination(geo.Midpoint(a, b), bearing, wind.Magnitude())
}
