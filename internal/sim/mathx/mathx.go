// Package mathx holds the small numeric helpers shared by the ecology model:
// linear range maps, clamps and draws from an injectable random source.
package mathx

import (
	"math/rand/v2"
	"time"
)

// Rand is the random source threaded through the simulation.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// NewRand returns a PCG-backed source. A zero seed draws one from the clock.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Map linearly maps v from [inLo, inHi] to [outLo, outHi]. The output band
// may be inverted (outLo > outHi).
func Map(v, inLo, inHi, outLo, outHi float64) float64 {
	return (v-inLo)/(inHi-inLo)*(outHi-outLo) + outLo
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampMap clamps v to [inLo, inHi] before mapping it.
func ClampMap(v, inLo, inHi, outLo, outHi float64) float64 {
	return Map(Clamp(v, inLo, inHi), inLo, inHi, outLo, outHi)
}

// Uniform draws from [lo, hi). Equal bounds return lo without consuming randomness.
func Uniform(r Rand, lo, hi float64) float64 {
	if lo == hi {
		return lo
	}
	return lo + r.Float64()*(hi-lo)
}

// ChooseWith draws indices in [0, n) uniformly without repetition until accept
// returns true. It returns -1 when every index was rejected.
func ChooseWith(r Rand, n int, accept func(i int) bool) int {
	if n <= 0 {
		return -1
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for k := 0; k < n; k++ {
		j := k + r.IntN(n-k)
		idx[k], idx[j] = idx[j], idx[k]
		if accept(idx[k]) {
			return idx[k]
		}
	}
	return -1
}
