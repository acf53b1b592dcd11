// Package transpose implements TransposeStage: a pure axis reorder from
// (time, chan, stand, pol) to (time, chan, pol, stand) for coalesced
// GPU access by ImagerStage. No arithmetic.
package transpose

import (
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// Stage runs TransposeStage.
type Stage struct {
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
			s.Log.Errorw("transpose sequence failed", "error", err)
		}
	}
}

func (s *Stage) runSequence(seq *ringbuf.Sequence) error {
	in := seq.Header
	out := in.Clone()
	out.Axes = "time,chan,pol,stand"

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

		nTime := len(span.Data) / elemSize / (in.NChan * in.NStand * in.NPol)
		outBytes := make([]byte, len(span.Data))
		for t := 0; t < nTime; t++ {
			for c := 0; c < in.NChan; c++ {
				for st := 0; st < in.NStand; st++ {
					for p := 0; p < in.NPol; p++ {
						srcOff := (((t*in.NChan+c)*in.NStand+st)*in.NPol + p) * elemSize
						dstOff := (((t*in.NChan+c)*in.NPol+p)*in.NStand + st) * elemSize
						copy(outBytes[dstOff:dstOff+elemSize], span.Data[srcOff:srcOff+elemSize])
					}
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
		s.Status.Update("TransposeStage", "perf", status.Record{"process_time": time.Since(start).Seconds()})
	}
}
