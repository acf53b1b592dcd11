// Package dsp implements the channelization, quantization, and gridding
// math shared by ChannelizeStage and ImagerStage.
//
// No third-party FFT/DSP library was found anywhere in the retrieved
// corpus (checked every go.mod and every other_examples file); gonum's
// fourier package and similar are absent. FFT is therefore a hand-rolled
// iterative radix-2 Cooley-Tukey transform with a direct-DFT fallback
// for lengths that aren't a power of two — a deliberate, justified
// standard-library implementation (see DESIGN.md).
package dsp

import "math"

// FFT computes the forward discrete Fourier transform of x in place and
// also returns x for chaining. len(x) need not be a power of two.
func FFT(x []complex128) []complex128 {
	transform(x, false)
	return x
}

// IFFT computes the inverse discrete Fourier transform of x in place,
// normalizing by 1/len(x), and returns x for chaining.
func IFFT(x []complex128) []complex128 {
	transform(x, true)
	return x
}

func transform(x []complex128, inverse bool) {
	n := len(x)
	if n <= 1 {
		return
	}
	if isPowerOfTwo(n) {
		fftRadix2(x, inverse)
		return
	}
	dftDirect(x, inverse)
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// fftRadix2 performs an in-place iterative Cooley-Tukey FFT (or its
// inverse) for n a power of two.
func fftRadix2(x []complex128, inverse bool) {
	n := len(x)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j &^= bit
		}
		j |= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	sign := -1.0
	if inverse {
		sign = 1.0
	}

	for length := 2; length <= n; length <<= 1 {
		ang := sign * 2 * math.Pi / float64(length)
		wlen := complex(math.Cos(ang), math.Sin(ang))
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			half := length / 2
			for k := 0; k < half; k++ {
				u := x[i+k]
				v := x[i+k+half] * w
				x[i+k] = u + v
				x[i+k+half] = u - v
				w *= wlen
			}
		}
	}

	if inverse {
		invN := complex(1/float64(n), 0)
		for i := range x {
			x[i] *= invN
		}
	}
}

// dftDirect is an O(n^2) fallback for lengths that are not a power of
// two (e.g. nchan_out values like 3 or 5). Imaging channel counts are
// small (single to low hundreds), so this is never the hot path.
func dftDirect(x []complex128, inverse bool) {
	n := len(x)
	out := make([]complex128, n)
	sign := -1.0
	if inverse {
		sign = 1.0
	}
	for k := 0; k < n; k++ {
		var sum complex128
		for t := 0; t < n; t++ {
			ang := sign * 2 * math.Pi * float64(k) * float64(t) / float64(n)
			sum += x[t] * complex(math.Cos(ang), math.Sin(ang))
		}
		out[k] = sum
	}
	if inverse {
		invN := complex(1/float64(n), 0)
		for i := range out {
			out[i] *= invN
		}
	}
	copy(x, out)
}

// FFTShift1D swaps the left and right halves of x, matching
// numpy.fft.fftshift for a 1-D array.
func FFTShift1D(x []complex128) {
	n := len(x)
	mid := (n + 1) / 2
	shifted := make([]complex128, n)
	copy(shifted, x[mid:])
	copy(shifted[n-mid:], x[:mid])
	copy(x, shifted)
}

// FFT2D performs an in-place 2-D forward FFT over a row-major grid of
// size (ny, nx): an FFT along each row, then along each column.
func FFT2D(grid []complex128, ny, nx int) {
	transform2D(grid, ny, nx, false)
}

// IFFT2D performs an in-place 2-D inverse FFT over a row-major grid of
// size (ny, nx).
func IFFT2D(grid []complex128, ny, nx int) {
	transform2D(grid, ny, nx, true)
}

func transform2D(grid []complex128, ny, nx int, inverse bool) {
	row := make([]complex128, nx)
	for y := 0; y < ny; y++ {
		copy(row, grid[y*nx:(y+1)*nx])
		transform(row, inverse)
		copy(grid[y*nx:(y+1)*nx], row)
	}
	col := make([]complex128, ny)
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			col[y] = grid[y*nx+x]
		}
		transform(col, inverse)
		for y := 0; y < ny; y++ {
			grid[y*nx+x] = col[y]
		}
	}
}

// FFTShift2D applies a 2-D fftshift (each axis independently) to a
// row-major (ny, nx) grid, matching numpy.fft.fftshift over axes (0,1).
func FFTShift2D(grid []complex128, ny, nx int) {
	shiftRows(grid, ny, nx)
	shiftCols(grid, ny, nx)
}

func shiftRows(grid []complex128, ny, nx int) {
	mid := (ny + 1) / 2
	out := make([]complex128, len(grid))
	copy(out, grid[mid*nx:])
	copy(out[(ny-mid)*nx:], grid[:mid*nx])
	copy(grid, out)
}

func shiftCols(grid []complex128, ny, nx int) {
	row := make([]complex128, nx)
	for y := 0; y < ny; y++ {
		copy(row, grid[y*nx:(y+1)*nx])
		FFTShift1D(row)
		copy(grid[y*nx:(y+1)*nx], row)
	}
}
