package imager

import "github.com/epic-array/epic-imager/internal/config"

// kernelCoeffs returns the antgridmap coefficients for cfg's selected
// illumination kernel: a flat top-hat of cfg.AntExtent² ones, or a
// fixed 2x2 bilinear-style spread, each paired with its footprint's
// half-extent offsets.
func kernelCoeffs(cfg config.GridKernel, antExtent int) (coeffs []float64, offsets []int) {
	switch cfg {
	case config.KernelBilinear:
		return []float64{0.25, 0.25, 0.25, 0.25}, []int{0, 1}
	default: // KernelTopHat
		n := antExtent * antExtent
		c := make([]float64, n)
		for i := range c {
			c[i] = 1
		}
		offs := make([]int, antExtent)
		for i := range offs {
			offs[i] = i - antExtent/2
		}
		return c, offs
	}
}

// depositGrid deposits u[t,c,p,s] into g[row, ly, lx] across the
// configured kernel footprint, summing on collision. g is row-major
// (row, grid_size, grid_size) complex128.
func depositGrid(g []complex128, gridSize int, row int, lx, ly int32, u complex128, coeffs []float64, offsets []int) {
	base := row * gridSize * gridSize
	n := len(offsets)
	for i, dy := range offsets {
		y := int(ly) + dy
		if y < 0 || y >= gridSize {
			continue
		}
		for j, dx := range offsets {
			x := int(lx) + dx
			if x < 0 || x >= gridSize {
				continue
			}
			w := coeffs[i*n+j]
			if w == 0 {
				continue
			}
			g[base+y*gridSize+x] += complex(w, 0) * u
		}
	}
}
