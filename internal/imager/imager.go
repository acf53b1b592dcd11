// Package imager implements ImagerStage, the pipeline's computational
// core: unpack → phase → grid → inverse 2-D FFT → cross-pol outer
// product → (optional) autocorrelation subtraction → accumulate.
//
// The per-sequence/per-gulp processing loop is grounded on a
// matching-engine style core: a single goroutine mutating private
// state deterministically, with no locks, fed one unit of work (a gulp)
// at a time. The explicit {Accumulating, Emitting, Resetting} state
// below replaces the source implementation's reset-by-flag idiom
// (Design Note "Shared accumulators keyed by integration boundary").
package imager

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/antenna"
	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/device"
	"github.com/epic-array/epic-imager/internal/dsp"
	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/location"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// IntegrationState is the imager's explicit per-sequence state
// machine (Design Note "Shared accumulators keyed by integration
// boundary").
type IntegrationState int

const (
	Accumulating IntegrationState = iota
	Emitting
	Resetting
)

func (s IntegrationState) String() string {
	switch s {
	case Emitting:
		return "emitting"
	case Resetting:
		return "resetting"
	default:
		return "accumulating"
	}
}

// Stage runs ImagerStage.
type Stage struct {
	Cfg      config.Config
	Antennas antenna.Array

	In         *ringbuf.Reader
	Out        *ringbuf.Ring
	Accel      device.Accelerator
	Log        *zap.SugaredLogger
	Status     *status.Publisher
	ShutdownFn func() bool

	state   IntegrationState
	accumMs float64

	loc       location.Result
	locKey    location.CacheKey
	phases    phaseTable
	npol      int
	npol2     int
	kernelW   []float64
	kernelOff []int

	grid        *device.Buffer
	crosspol    *device.Buffer
	accumImage  *device.Buffer
	autocorrs   *device.Buffer
	autocorrsAv *device.Buffer
	autocorrG   *device.Buffer
}

// Run drives ImagerStage until its input Ring ends or shutdown is
// requested.
func (s *Stage) Run() error {
	s.grid = device.NewBuffer(ringbuf.ResidencyDevice)
	s.crosspol = device.NewBuffer(ringbuf.ResidencyDevice)
	s.accumImage = device.NewBuffer(ringbuf.ResidencyDevice)
	s.autocorrs = device.NewBuffer(ringbuf.ResidencyDevice)
	s.autocorrsAv = device.NewBuffer(ringbuf.ResidencyDevice)
	s.autocorrG = device.NewBuffer(ringbuf.ResidencyDevice)
	defer func() {
		s.grid.Release()
		s.crosspol.Release()
		s.accumImage.Release()
		s.autocorrs.Release()
		s.autocorrsAv.Release()
		s.autocorrG.Release()
	}()

	s.kernelW, s.kernelOff = kernelCoeffs(s.Cfg.Kernel, s.Cfg.AntExtent)

	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return nil
		}
		seq, ok := s.In.Next()
		if !ok {
			return nil
		}
		if err := s.runSequence(seq); err != nil {
			s.Log.Errorw("imager sequence failed", "error", err)
			var logic *config.LogicError
			var dev *config.DeviceError
			if errors.As(err, &logic) || errors.As(err, &dev) {
				return err // process-fatal (§7)
			}
		}
	}
}

func (s *Stage) runSequence(seq *ringbuf.Sequence) error {
	in := seq.Header
	s.npol = in.NPol
	s.npol2 = s.Cfg.NumPol(in.NPol * in.NPol)
	s.state = Accumulating
	s.accumMs = 0

	freqHz := make([]float64, in.NChan)
	for c := 0; c < in.NChan; c++ {
		freqHz[c] = in.CFreq - in.BW/2 + (float64(c)+0.5)*(in.BW/float64(in.NChan))
	}

	key := location.CacheKey{Chan0: in.Chan0, NChan: in.NChan, NStand: in.NStand, GridSize: s.Cfg.GridSize}
	if key != s.locKey {
		s.loc = location.Compute(location.Params{
			GridSize: s.Cfg.GridSize, GridResolution: s.Cfg.GridResolution,
			NTime: 1, NPol: in.NPol, FreqHz: freqHz, Positions: s.Antennas.Positions(),
		})
		if s.loc.MaxExtentPixels() > float64(s.Cfg.GridSize) {
			return &config.ConfigError{Msg: "grid_size smaller than antenna layout extent"}
		}
		s.locKey = key
		phases, err := buildPhaseTable(s.Cfg, s.Antennas, freqHz, in.NPol)
		if err != nil {
			return err
		}
		s.phases = phases
	}

	out := in.Clone()
	out.NPol = s.npol2
	out.Axes = "time,chan,pol,gridy,gridx"
	out.GridSizeX = s.Cfg.GridSize
	out.GridSizeY = s.Cfg.GridSize
	out.SamplingLengthX = s.loc.SamplingLength
	out.SamplingLengthY = s.loc.SamplingLength
	out.AccumulationTimeMS = s.Cfg.AccumulationTimeMS
	out.FS = config.FS
	out.TelescopeLatitude = s.Cfg.TelescopeLatitude
	out.TelescopeLongitude = s.Cfg.TelescopeLongitude
	out.TelescopeName = s.Cfg.TelescopeName
	out.DataUnits = "UNCALIB"
	out.Pols = polLabels(s.npol2)

	var writer *ringbuf.Writer
	var sw *ringbuf.SequenceWriter
	defer func() {
		if sw != nil {
			sw.Close()
		}
		if writer != nil {
			writer.Close()
		}
	}()

	elemSize := in.ElementSize()
	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return nil
		}
		span, ok := <-seq.Spans()
		if !ok {
			return nil
		}
		start := time.Now()
		nTime := len(span.Data) / elemSize / (in.NChan * in.NPol * in.NStand)
		if nTime == 0 {
			continue
		}

		outSpan, emitted, err := s.processGulp(span.Data, in, nTime)
		if err != nil {
			return err
		}
		if emitted {
			if writer == nil {
				w, err := s.Out.BeginWriting()
				if err != nil {
					return err
				}
				writer = w
				nsw, err := writer.BeginSequence(in.TimeTag, out)
				if err != nil {
					return err
				}
				sw = nsw
			}
			ws, err := sw.Reserve(len(outSpan))
			if err != nil {
				return err
			}
			copy(ws.Data, outSpan)
			ws.Commit()
		}
		s.Status.Update("ImagerStage", "perf", status.Record{"process_time": time.Since(start).Seconds(), "state": s.state.String()})
	}
}

// processGulp runs the unpack-through-accumulate pipeline for one gulp
// of shape (ntime, nchan, npol, nstand), returning the serialized
// output span bytes (valid only when emitted is true).
func (s *Stage) processGulp(data []byte, hdr header.Header, nTime int) (outBytes []byte, emitted bool, err error) {
	nchan, npol, nstand := hdr.NChan, hdr.NPol, hdr.NStand
	gridSize := s.Cfg.GridSize

	if err := s.grid.Resize(nTime * nchan * npol * gridSize * gridSize); err != nil {
		return nil, false, &config.DeviceError{Op: "resize grid", Cause: err}
	}
	if err := s.crosspol.Resize(nTime * nchan * s.npol2 * gridSize * gridSize); err != nil {
		return nil, false, &config.DeviceError{Op: "resize crosspol", Cause: err}
	}
	if err := s.accumImage.Resize(1 * nchan * s.npol2 * gridSize * gridSize); err != nil {
		return nil, false, &config.DeviceError{Op: "resize accumulated_image", Cause: err}
	}
	if s.Cfg.RemoveAutocorrs {
		if err := s.autocorrs.Resize(nTime * nchan * s.npol2 * nstand); err != nil {
			return nil, false, &config.DeviceError{Op: "resize autocorrs", Cause: err}
		}
		if err := s.autocorrsAv.Resize(nchan * s.npol2 * nstand); err != nil {
			return nil, false, &config.DeviceError{Op: "resize autocorrs_av", Cause: err}
		}
		if err := s.autocorrG.Resize(nchan * s.npol2 * gridSize * gridSize); err != nil {
			return nil, false, &config.DeviceError{Op: "resize autocorr_g", Cause: err}
		}
	}

	grid := s.grid.Data()
	for i := range grid {
		grid[i] = 0
	}
	crosspol := s.crosspol.Data()
	var autocorrs []complex128
	if s.Cfg.RemoveAutocorrs {
		autocorrs = s.autocorrs.Data()
	}

	u := make([]complex128, nTime*nchan*npol*nstand)
	for t := 0; t < nTime; t++ {
		for c := 0; c < nchan; c++ {
			for p := 0; p < npol; p++ {
				for st := 0; st < nstand; st++ {
					idx := ((t*nchan+c)*npol+p)*nstand + st
					off := idx
					re4, im4 := dsp.UnpackCI4(data[off])
					val := complex(float64(re4), float64(im4))
					val *= s.phases.at(c, p, st)
					u[idx] = val

					li := s.loc.Index(0, p, c, st)
					lx, ly := s.loc.LX[li], s.loc.LY[li]
					row := (t*nchan+c)*npol + p
					depositGrid(grid, gridSize, row, lx, ly, val, s.kernelW, s.kernelOff)
				}
			}
		}
	}

	for t := 0; t < nTime; t++ {
		for c := 0; c < nchan; c++ {
			for p := 0; p < npol; p++ {
				row := (t*nchan+c)*npol + p
				dsp.IFFT2D(grid[row*gridSize*gridSize:(row+1)*gridSize*gridSize], gridSize, gridSize)
			}
		}
	}
	if err := s.Accel.Synchronize(s.grid); err != nil {
		return nil, false, &config.DeviceError{Op: "synchronize after IFFT", Cause: err}
	}

	for t := 0; t < nTime; t++ {
		for c := 0; c < nchan; c++ {
			for pp := 0; pp < s.npol2; pp++ {
				p0, p1 := pp/npol, pp%npol
				row0 := (t*nchan+c)*npol + p0
				row1 := (t*nchan+c)*npol + p1
				cpRow := (t*nchan+c)*s.npol2 + pp
				base0 := row0 * gridSize * gridSize
				base1 := row1 * gridSize * gridSize
				cpBase := cpRow * gridSize * gridSize
				for i := 0; i < gridSize*gridSize; i++ {
					crosspol[cpBase+i] += grid[base0+i] * cmplxConj(grid[base1+i])
				}
				if s.Cfg.RemoveAutocorrs {
					for st := 0; st < nstand; st++ {
						idx0 := ((t*nchan+c)*npol+p0)*nstand + st
						idx1 := ((t*nchan+c)*npol+p1)*nstand + st
						acIdx := ((t*nchan+c)*s.npol2+pp)*nstand + st
						autocorrs[acIdx] += u[idx0] * cmplxConj(u[idx1])
					}
				}
			}
		}
	}

	s.accumMs += 1000 * float64(nTime) / config.ChanBW
	if s.accumMs+1e-9 < float64(s.Cfg.AccumulationTimeMS) {
		return nil, false, nil
	}

	s.state = Emitting
	accum := s.accumImage.Data()
	for i := range accum {
		accum[i] = 0
	}
	for t := 0; t < nTime; t++ {
		for c := 0; c < nchan; c++ {
			for pp := 0; pp < s.npol2; pp++ {
				cpBase := ((t*nchan+c)*s.npol2 + pp) * gridSize * gridSize
				accBase := (c*s.npol2 + pp) * gridSize * gridSize
				for i := 0; i < gridSize*gridSize; i++ {
					accum[accBase+i] += crosspol[cpBase+i]
				}
			}
		}
	}

	if s.Cfg.RemoveAutocorrs {
		if err := s.subtractAutocorr(nTime, nchan, nstand, gridSize, autocorrs, accum); err != nil {
			return nil, false, err
		}
	}

	out := make([]byte, 1*nchan*s.npol2*gridSize*gridSize*8)
	writeComplex64Cube(out, accum, nchan, s.npol2, gridSize)

	s.state = Resetting
	for i := range grid {
		grid[i] = 0
	}
	for i := range crosspol {
		crosspol[i] = 0
	}
	if s.Cfg.RemoveAutocorrs {
		for i := range autocorrs {
			autocorrs[i] = 0
		}
	}
	s.accumMs = 0
	s.state = Accumulating

	return out, true, nil
}

func (s *Stage) subtractAutocorr(nTime, nchan, nstand, gridSize int, autocorrs, accum []complex128) error {
	av := s.autocorrsAv.Data()
	for i := range av {
		av[i] = 0
	}
	for t := 0; t < nTime; t++ {
		for c := 0; c < nchan; c++ {
			for pp := 0; pp < s.npol2; pp++ {
				for st := 0; st < nstand; st++ {
					srcIdx := ((t*nchan+c)*s.npol2+pp)*nstand + st
					dstIdx := (c*s.npol2+pp)*nstand + st
					av[dstIdx] += autocorrs[srcIdx]
				}
			}
		}
	}

	g := s.autocorrG.Data()
	for i := range g {
		g[i] = 0
	}
	center := int32(gridSize / 2)
	for c := 0; c < nchan; c++ {
		for pp := 0; pp < s.npol2; pp++ {
			row := c*s.npol2 + pp
			for st := 0; st < nstand; st++ {
				depositGrid(g, gridSize, row, center, center, av[(c*s.npol2+pp)*nstand+st], s.kernelW, s.kernelOff)
			}
			cell := g[row*gridSize*gridSize : (row+1)*gridSize*gridSize]
			dsp.FFTShift2D(cell, gridSize, gridSize)
			dsp.IFFT2D(cell, gridSize, gridSize)
		}
	}
	if err := s.Accel.Synchronize(s.autocorrG); err != nil {
		return &config.DeviceError{Op: "synchronize after autocorr IFFT", Cause: err}
	}

	for c := 0; c < nchan; c++ {
		for pp := 0; pp < s.npol2; pp++ {
			base := (c*s.npol2 + pp) * gridSize * gridSize
			for i := 0; i < gridSize*gridSize; i++ {
				accum[base+i] -= g[base+i]
			}
		}
	}
	return nil
}

func writeComplex64Cube(out []byte, data []complex128, nchan, npol2, gridSize int) {
	i := 0
	for c := 0; c < nchan; c++ {
		for p := 0; p < npol2; p++ {
			for y := 0; y < gridSize; y++ {
				for x := 0; x < gridSize; x++ {
					v := data[((c*npol2+p)*gridSize+y)*gridSize+x]
					binary.LittleEndian.PutUint32(out[i:i+4], math.Float32bits(float32(real(v))))
					binary.LittleEndian.PutUint32(out[i+4:i+8], math.Float32bits(float32(imag(v))))
					i += 8
				}
			}
		}
	}
}

func cmplxConj(c complex128) complex128 { return complex(real(c), -imag(c)) }

func polLabels(npol int) []string {
	switch npol {
	case 1:
		return []string{"xx"}
	case 2:
		return []string{"xx", "yy"}
	default:
		return []string{"xx", "xy", "yx", "yy"}
	}
}
