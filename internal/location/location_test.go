package location

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic-array/epic-imager/internal/antenna"
)

func TestComputeKeepsCoordinatesInBounds(t *testing.T) {
	positions := []antenna.ENU{
		{East: 0, North: 0, Up: 0},
		{East: 50, North: -30, Up: 2},
		{East: -45, North: 60, Up: -1},
		{East: 12, North: 12, Up: 0.5},
	}
	res := Compute(Params{
		GridSize:       64,
		GridResolution: 20.0 / 60.0,
		NTime:          2,
		NPol:           2,
		FreqHz:         []float64{60e6, 61e6},
		Positions:      positions,
	})

	require.Len(t, res.LX, 2*2*2*4)
	for _, v := range res.LX {
		assert.GreaterOrEqual(t, v, int32(0))
		assert.Less(t, v, int32(64))
	}
	for _, v := range res.LY {
		assert.GreaterOrEqual(t, v, int32(0))
		assert.Less(t, v, int32(64))
	}
	assert.LessOrEqual(t, res.MaxExtentPixels(), float64(64))
}

func TestComputeSLLMatchesReferenceChannel(t *testing.T) {
	positions := []antenna.ENU{{East: 0, North: 0, Up: 0}, {East: 1, North: 1, Up: 0}}
	res := Compute(Params{
		GridSize:       32,
		GridResolution: 1.0,
		NTime:          1,
		NPol:           1,
		FreqHz:         []float64{50e6},
		Positions:      positions,
	})
	// sll = sample_grid[0]/lambda[0] = (lambda[0]*delta)/lambda[0] = delta,
	// always, by construction.
	assert.InDelta(t, res.SamplingLength, res.SLL, 1e-9)
}

func TestIndexOrdering(t *testing.T) {
	res := Result{NTime: 2, NPol: 2, NChan: 3, NStand: 4}
	assert.Equal(t, 0, res.Index(0, 0, 0, 0))
	assert.Equal(t, 1, res.Index(0, 0, 0, 1))
	assert.Equal(t, res.NStand, res.Index(0, 0, 1, 0))
	assert.Equal(t, res.NStand*res.NChan, res.Index(0, 1, 0, 0))
	assert.Equal(t, res.NStand*res.NChan*res.NPol, res.Index(1, 0, 0, 0))
}
