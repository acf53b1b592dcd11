// Package location implements LocationPrecomputeStage: from antenna
// ENU positions and per-channel frequencies, produce the integer grid
// coordinates and UV sampling length the Imager grids against.
package location

import (
	"math"

	"github.com/epic-array/epic-imager/internal/antenna"
)

// SpeedOfLight is c in meters/second.
const SpeedOfLight = 299792458.0

// Axis indexes the three spatial dimensions produced by Compute.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// Result is everything ImagerStage needs per sequence: the UV sampling
// length and the three integer grid-coordinate cubes, each shaped
// (ntime, npol, nchan, nstand) and flattened in that row-major order.
type Result struct {
	SamplingLength float64 // delta, meters/pixel at the reference channel
	SLL            float64 // reference UV-cell size (sample_grid[0]/lambda[0])
	LX, LY, LZ     []int32

	NTime, NPol, NChan, NStand int
}

// Index returns the flat offset into LX/LY/LZ for (t, p, c, s).
func (r Result) Index(t, p, c, s int) int {
	return ((t*r.NPol+p)*r.NChan+c)*r.NStand + s
}

// Params bundles the Compute inputs that determine whether a recompute
// is needed: the geometry is recomputed only when (chan0, nchan,
// nstand) change.
type Params struct {
	GridSize       int
	GridResolution float64 // degrees/pixel
	NTime          int
	NPol           int
	FreqHz         []float64 // per-channel center frequency, len == nchan
	Positions      []antenna.ENU
}

// CacheKey identifies when two Params would produce an identical
// geometry, so callers (ImagerStage) can memoize Compute instead of
// re-deriving state every gulp.
type CacheKey struct {
	Chan0   int
	NChan   int
	NStand  int
	GridSize int
}

// Compute implements the six-step location precompute algorithm.
func Compute(p Params) Result {
	nchan := len(p.FreqHz)
	nstand := len(p.Positions)

	delta := 1.0 / (2.0 * float64(p.GridSize) * math.Sin(math.Pi*p.GridResolution/360.0))

	lambda := make([]float64, nchan)
	sampleGrid := make([]float64, nchan)
	for c := 0; c < nchan; c++ {
		lambda[c] = SpeedOfLight / p.FreqHz[c]
		sampleGrid[c] = lambda[c] * delta
	}
	sll := sampleGrid[0] / lambda[0]

	perAxis := [3][]float64{
		make([]float64, p.NPol*nchan*nstand),
		make([]float64, p.NPol*nchan*nstand),
		make([]float64, p.NPol*nchan*nstand),
	}

	idx := func(pPol, c, s int) int { return (pPol*nchan+c)*nstand + s }

	for d := Axis(0); d < 3; d++ {
		for pol := 0; pol < p.NPol; pol++ {
			for c := 0; c < nchan; c++ {
				minV := math.Inf(1)
				for s := 0; s < nstand; s++ {
					v := componentOf(p.Positions[s], d) / sampleGrid[c]
					perAxis[d][idx(pol, c, s)] = v
					if v < minV {
						minV = v
					}
				}
				maxV := math.Inf(-1)
				for s := 0; s < nstand; s++ {
					i := idx(pol, c, s)
					perAxis[d][i] -= minV
					if perAxis[d][i] > maxV {
						maxV = perAxis[d][i]
					}
				}
				center := (float64(p.GridSize) - maxV) / 2.0
				for s := 0; s < nstand; s++ {
					i := idx(pol, c, s)
					perAxis[d][i] += center
				}
			}
		}
	}

	res := Result{
		SamplingLength: delta,
		SLL:            sll,
		NTime:          p.NTime,
		NPol:           p.NPol,
		NChan:          nchan,
		NStand:         nstand,
		LX:             make([]int32, p.NTime*p.NPol*nchan*nstand),
		LY:             make([]int32, p.NTime*p.NPol*nchan*nstand),
		LZ:             make([]int32, p.NTime*p.NPol*nchan*nstand),
	}
	for t := 0; t < p.NTime; t++ {
		for pol := 0; pol < p.NPol; pol++ {
			for c := 0; c < nchan; c++ {
				for s := 0; s < nstand; s++ {
					flat := res.Index(t, pol, c, s)
					src := idx(pol, c, s)
					res.LX[flat] = int32(perAxis[AxisX][src])
					res.LY[flat] = int32(perAxis[AxisY][src])
					res.LZ[flat] = int32(perAxis[AxisZ][src])
				}
			}
		}
	}
	return res
}

func componentOf(p antenna.ENU, d Axis) float64 {
	switch d {
	case AxisX:
		return p.East
	case AxisY:
		return p.North
	default:
		return p.Up
	}
}

// MaxExtentPixels returns the largest absolute grid coordinate produced
// by Compute, used by config.Config.Validate to check the precondition
// that grid_size is large enough for the antenna layout. No clamp is
// applied here: callers must ensure grid_size >= max extent.
func (r Result) MaxExtentPixels() float64 {
	max := 0.0
	check := func(vals []int32) {
		for _, v := range vals {
			if f := math.Abs(float64(v)); f > max {
				max = f
			}
		}
	}
	check(r.LX)
	check(r.LY)
	return max
}
