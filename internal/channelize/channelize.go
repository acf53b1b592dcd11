// Package channelize implements ChannelizeStage: the file path's
// time-domain-to-frequency-domain converter. Bypassed on the live
// path, where CaptureStage already delivers channelized ci4 samples.
package channelize

import (
	"encoding/binary"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/dsp"
	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// Stage runs ChannelizeStage: a single goroutine that reads complex64
// (time, stand, pol) gulps from In, channelizes, and writes ci4
// (time, chan, stand, pol) gulps to Out.
type Stage struct {
	NChanOut int

	In         *ringbuf.Reader
	Out        *ringbuf.Ring
	Log        *zap.SugaredLogger
	Status     *status.Publisher
	ShutdownFn func() bool
}

// Run drives the stage until its input Ring ends or shutdown is
// requested. A new sequence is opened downstream only after the
// previous one is closed.
func (s *Stage) Run() error {
	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return nil
		}
		seq, ok := s.In.Next()
		if !ok {
			return nil
		}
		if err := s.runSequence(seq); err != nil {
			s.Log.Errorw("channelize sequence failed", "error", err)
		}
	}
}

func (s *Stage) runSequence(seq *ringbuf.Sequence) error {
	in := seq.Header
	if in.NStand == 0 || in.NPol == 0 {
		return &config.ShapeMismatchError{Declared: 0, Got: 0}
	}
	nchan := s.NChanOut
	scale := 1.0 / math.Sqrt(float64(nchan))

	out := in.Clone()
	out.NChan = nchan
	out.NBit = 4
	out.Axes = "time,chan,stand,pol"

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

	inElemBytes := in.ElementSize() // complex64 == 8
	perTimeStride := in.NStand * in.NPol

	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return nil
		}
		span, ok := <-seq.Spans()
		if !ok {
			return nil
		}
		start := time.Now()

		nTime := len(span.Data) / inElemBytes / perTimeStride
		if nTime == 0 || nTime%nchan != 0 {
			continue // empty, or not a whole number of nchan-sample blocks: drop it whole (span length is not compared with the configured gulp size)
		}
		nBlocks := nTime / nchan
		usedTime := nBlocks * nchan

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
			s.Status.Update("ChannelizeStage", "sequence0", status.Record{"nchan": nchan})
		}

		outBytes := make([]byte, usedTime*perTimeStride)
		block := make([]complex128, nchan)
		for b := 0; b < nBlocks; b++ {
			for sp := 0; sp < perTimeStride; sp++ {
				for c := 0; c < nchan; c++ {
					t := b*nchan + c
					off := (t*perTimeStride + sp) * inElemBytes
					re := math.Float32frombits(binary.LittleEndian.Uint32(span.Data[off : off+4]))
					im := math.Float32frombits(binary.LittleEndian.Uint32(span.Data[off+4 : off+8]))
					block[c] = complex(float64(re), float64(im))
				}
				spec := dsp.FFT(block)
				dsp.FFTShift1D(spec)
				for c := 0; c < nchan; c++ {
					re, im := real(spec[c]), imag(spec[c])
					dstOff := (b*nchan+c)*perTimeStride + sp
					outBytes[dstOff] = dsp.QuantizeCI4(re, im, scale)
				}
			}
		}

		outSpan, err := sw.Reserve(len(outBytes))
		if err != nil {
			return err
		}
		copy(outSpan.Data, outBytes)
		outSpan.Commit()
		s.Status.Update("ChannelizeStage", "perf", status.Record{"process_time": time.Since(start).Seconds()})
	}
}
