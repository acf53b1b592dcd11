package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFTIFFTRoundTrip(t *testing.T) {
	for _, n := range []int{4, 8, 16, 3, 5, 6} {
		x := make([]complex128, n)
		for i := range x {
			x[i] = complex(float64(i+1), float64(-i))
		}
		orig := append([]complex128(nil), x...)

		FFT(x)
		IFFT(x)

		for i := range x {
			assert.InDeltaf(t, real(orig[i]), real(x[i]), 1e-9, "n=%d i=%d", n, i)
			assert.InDeltaf(t, imag(orig[i]), imag(x[i]), 1e-9, "n=%d i=%d", n, i)
		}
	}
}

func TestFFTSingleToneHasPeakAtBin(t *testing.T) {
	const n = 16
	const k = 3
	x := make([]complex128, n)
	for t := 0; t < n; t++ {
		ang := 2 * math.Pi * float64(k) * float64(t) / float64(n)
		x[t] = complex(math.Cos(ang), math.Sin(ang))
	}
	FFT(x)

	peak := 0
	for i := 1; i < n; i++ {
		if cmplxAbs(x[i]) > cmplxAbs(x[peak]) {
			peak = i
		}
	}
	require.Equal(t, k, peak)
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func TestFFTShift1DEvenOdd(t *testing.T) {
	even := []complex128{0, 1, 2, 3}
	FFTShift1D(even)
	assert.Equal(t, []complex128{2, 3, 0, 1}, even)

	odd := []complex128{0, 1, 2, 3, 4}
	FFTShift1D(odd)
	assert.Equal(t, []complex128{3, 4, 0, 1, 2}, odd)
}

func TestFFTShift2D(t *testing.T) {
	grid := make([]complex128, 4*4)
	for i := range grid {
		grid[i] = complex(float64(i), 0)
	}
	FFTShift2D(grid, 4, 4)
	// Center-of-mass of quadrant contents should have swapped diagonally;
	// spot check one corner moved to the center block.
	assert.Equal(t, complex128(0), grid[2*4+2])
}
