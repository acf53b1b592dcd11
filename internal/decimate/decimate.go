// Package decimate implements DecimateStage: the live path's
// channel/polarization selector, a contiguous-prefix slice of the ci4
// (time, chan, stand, pol) gulps CaptureStage's live variant already
// delivers.
package decimate

import (
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// Stage runs DecimateStage.
type Stage struct {
	NChanOut int
	NPolOut  int

	In         *ringbuf.Reader
	Out        *ringbuf.Ring
	Log        *zap.SugaredLogger
	Status     *status.Publisher
	ShutdownFn func() bool
}

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
			s.Log.Errorw("decimate sequence failed", "error", err)
		}
	}
}

func (s *Stage) runSequence(seq *ringbuf.Sequence) error {
	in := seq.Header
	if s.NChanOut > in.NChan || s.NPolOut > in.NPol {
		return &config.ShapeMismatchError{Declared: in.NChan * in.NPol, Got: s.NChanOut * s.NPolOut}
	}

	out := in.Clone()
	out.NChan = s.NChanOut
	out.NPol = s.NPolOut
	out.CFreq = (float64(in.Chan0) + 0.5*float64(s.NChanOut-1)) * config.ChanBW
	out.BW = float64(s.NChanOut) * config.ChanBW

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

	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return nil
		}
		span, ok := <-seq.Spans()
		if !ok {
			return nil
		}
		start := time.Now()

		elemSize := in.ElementSize()
		nTime := len(span.Data) / elemSize / (in.NChan * in.NStand * in.NPol)
		outBytes := make([]byte, nTime*s.NChanOut*in.NStand*s.NPolOut*elemSize)

		for t := 0; t < nTime; t++ {
			for c := 0; c < s.NChanOut; c++ {
				for st := 0; st < in.NStand; st++ {
					srcOff := (((t*in.NChan+c)*in.NStand+st)*in.NPol) * elemSize
					dstOff := (((t*s.NChanOut+c)*in.NStand+st)*s.NPolOut) * elemSize
					copy(outBytes[dstOff:dstOff+s.NPolOut*elemSize], span.Data[srcOff:srcOff+s.NPolOut*elemSize])
				}
			}
		}

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

		outSpan, err := sw.Reserve(len(outBytes))
		if err != nil {
			return err
		}
		copy(outSpan.Data, outBytes)
		outSpan.Commit()
		s.Status.Update("DecimateStage", "perf", status.Record{"process_time": time.Since(start).Seconds()})
	}
}
