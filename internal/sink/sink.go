// Package sink implements SinkStage: batches ImagerStage's
// integrations, applies the final fftshift/y-flip, and writes one
// archive file per ints_per_file batch.
//
// Batching is grounded on a disruptor-style EventBatcher (batch until a
// size threshold, flush as a unit); the on-disk container format is
// grounded on an event-log's use of encoding/gob, the only
// serialization library present anywhere in the retrieved corpus.
package sink

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/dsp"
	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// Archive is the on-disk container for one ints_per_file batch (spec
// §6 "Output file format"): the image cube, the sequence header
// verbatim, and the batch's global integration indices.
type Archive struct {
	Header     []byte // JSON sequence header, byte-identical to the one carried on the ring
	ImageNums  []int64
	Image      []byte // complex64 cube, (ints_per_file, nchan, npol^2, grid_size, grid_size), post fftshift+y-flip
	NChan      int
	NPol2      int
	GridSize   int
	IntsPerArc int
}

// Stage runs SinkStage.
type Stage struct {
	Cfg        config.Config
	In         *ringbuf.Reader
	Log        *zap.SugaredLogger
	Status     *status.Publisher
	ShutdownFn func() bool

	fileID       int64
	globalInt    int64
	batch        [][]byte
	batchNums    []int64
	batchHeaders []header.Header
}

// Run drives SinkStage until its input Ring ends or shutdown is
// requested. Per spec §7, a write failure logs and drops the batch
// but never stops the pipeline, and a batch is either fully written or
// discarded (no partial output).
func (s *Stage) Run() error {
	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return nil
		}
		seq, ok := s.In.Next()
		if !ok {
			return nil
		}
		s.runSequence(seq)
	}
}

func (s *Stage) runSequence(seq *ringbuf.Sequence) {
	hdr := seq.Header
	s.batch = s.batch[:0]
	s.batchNums = s.batchNums[:0]
	s.batchHeaders = s.batchHeaders[:0]

	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return
		}
		span, ok := <-seq.Spans()
		if !ok {
			return
		}
		start := time.Now()

		s.batch = append(s.batch, span.Data)
		s.batchHeaders = append(s.batchHeaders, hdr)
		s.batchNums = append(s.batchNums, s.globalInt)
		s.globalInt++

		if len(s.batch) == s.Cfg.IntsPerFile {
			if err := s.flush(hdr); err != nil {
				s.Log.Errorw("sink batch dropped", "error", err)
			}
			s.fileID++
			s.batch = s.batch[:0]
			s.batchNums = s.batchNums[:0]
			s.batchHeaders = s.batchHeaders[:0]
		}
		s.Status.Update("SinkStage", "perf", status.Record{"process_time": time.Since(start).Seconds()})
	}
}

// flush implements spec §4.8 steps 1-4 for one completed batch.
func (s *Stage) flush(hdr header.Header) error {
	n := hdr.GridSizeX
	nchan, npol2 := hdr.NChan, hdr.NPol

	cube := make([]byte, len(s.batch)*nchan*npol2*n*n*8)
	for i, spanData := range s.batch {
		shifted := shiftAndFlipCube(spanData, nchan, npol2, n)
		copy(cube[i*len(shifted):], shifted)
	}

	hdrBytes, err := hdr.Marshal()
	if err != nil {
		return &config.IOFatalError{Op: "marshal sink header", Cause: err}
	}

	arc := Archive{
		Header: hdrBytes, ImageNums: append([]int64(nil), s.batchNums...), Image: cube,
		NChan: nchan, NPol2: npol2, GridSize: n, IntsPerArc: len(s.batch),
	}

	unixTime := float64(hdr.TimeTag)/config.FS + float64(s.Cfg.AccumulationTimeMS)*1e-3*float64(s.fileID)*float64(len(s.batch))
	name := fmt.Sprintf("EPIC_%.3f_%.3fMHz.img", unixTime, hdr.CFreq/1e6)
	path := filepath.Join(s.Cfg.OutDir, name)

	if err := writeAtomic(path, arc); err != nil {
		return err
	}
	s.Status.Update("SinkStage", "out", status.Record{"path": path, "ints": len(s.batch)})
	return nil
}

// writeAtomic gob-encodes arc to a temp file in the destination
// directory, then renames it into place — a write is either fully
// durable under its final name or not observed at all (spec §4.8
// "Files are written atomically").
func writeAtomic(path string, arc Archive) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".epic-*.tmp")
	if err != nil {
		return &config.IOFatalError{Op: "create temp archive", Cause: err}
	}
	tmpPath := tmp.Name()
	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(arc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &config.IOFatalError{Op: "encode archive", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &config.IOFatalError{Op: "sync archive", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &config.IOFatalError{Op: "close archive", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &config.IOFatalError{Op: "rename archive into place", Cause: err}
	}
	return nil
}

// shiftAndFlipCube applies spec §4.8 steps 1-2 to one integration's
// complex64 cube: fftshift along the last two axes (via dsp.FFTShift2D,
// so the rounding convention matches the one already applied earlier
// in the pipeline by internal/imager's autocorrelation subtraction),
// then reverse the y-axis to convert UV orientation to image
// orientation.
func shiftAndFlipCube(data []byte, nchan, npol2, n int) []byte {
	out := make([]byte, len(data))
	plane := make([]complex128, n*n)
	for c := 0; c < nchan; c++ {
		for p := 0; p < npol2; p++ {
			base := (c*npol2 + p) * n * n * 8
			for i := 0; i < n*n; i++ {
				off := base + i*8
				re := math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
				im := math.Float32frombits(binary.LittleEndian.Uint32(data[off+4 : off+8]))
				plane[i] = complex(float64(re), float64(im))
			}
			dsp.FFTShift2D(plane, n, n)
			for y := 0; y < n; y++ {
				flipY := n - 1 - y
				for x := 0; x < n; x++ {
					v := plane[flipY*n+x]
					off := base + (y*n+x)*8
					binary.LittleEndian.PutUint32(out[off:off+4], math.Float32bits(float32(real(v))))
					binary.LittleEndian.PutUint32(out[off+4:off+8], math.Float32bits(float32(imag(v))))
				}
			}
		}
	}
	return out
}
