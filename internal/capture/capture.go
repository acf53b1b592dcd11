// Package capture implements CaptureStage: the producer that fills
// ring₀ with raw antenna samples, in two variants — a file-replay
// source for offline testing and a live UDP source for the online
// path. Both variants are grounded on a disruptor-style EventProcessor
// shape: a single goroutine that owns a Ring Writer and polls a
// shutdown flag between units of work.
package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// FileHeader is the offline input file's metadata block: freq1,
// sampleRate, and the interleaved (antenna_pol, time) complex64 body
// that follows it. No reference TBN reader exists anywhere in the
// retrieved corpus, so this is a minimal from-scratch binary framing: a
// magic, the antenna polarization count, then the two float64 metadata
// fields, all little-endian, followed immediately by the sample body.
type FileHeader struct {
	NAntPol    int
	Freq1      float64
	SampleRate float64
}

const fileMagic = uint32(0x45504943) // "EPIC"

// ReadFileHeader parses the framing described by FileHeader from r.
func ReadFileHeader(r io.Reader) (FileHeader, error) {
	var magic uint32
	var nAntPol uint32
	var freq1, sampleRate float64
	for _, v := range []any{&magic, &nAntPol, &freq1, &sampleRate} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return FileHeader{}, &config.IOFatalError{Op: "read file header", Cause: err}
		}
	}
	if magic != fileMagic {
		return FileHeader{}, &config.IOFatalError{Op: "read file header", Cause: fmt.Errorf("bad magic %#x", magic)}
	}
	return FileHeader{NAntPol: int(nAntPol), Freq1: freq1, SampleRate: sampleRate}, nil
}

// WriteFileHeader is the inverse of ReadFileHeader, used by tests and
// offline-data preparation tools to produce a file FileReplayStage can
// open.
func WriteFileHeader(w io.Writer, fh FileHeader) error {
	for _, v := range []any{fileMagic, uint32(fh.NAntPol), fh.Freq1, fh.SampleRate} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write file header: %w", err)
		}
	}
	return nil
}

// FileReplayStage is the offline CaptureStage variant.
type FileReplayStage struct {
	Path       string
	Ring       *ringbuf.Ring
	Log        *zap.SugaredLogger
	Status     *status.Publisher
	ShutdownFn func() bool
}

// Run opens the file, derives the sequence header from its metadata,
// and emits gulps of shape (ntime, stand, pol) indefinitely until
// shutdown or a read failure.
//
// The input file's samples are complex64 and are copied unconverted,
// so the header declares nbit=32 (8 bytes per complex sample), which
// keeps span_size equal to declared_element_size * shape for the
// payload actually produced.
func (s *FileReplayStage) Run() error {
	f, err := os.Open(s.Path)
	if err != nil {
		return &config.IOFatalError{Op: "open " + s.Path, Cause: err}
	}
	defer f.Close()

	fh, err := ReadFileHeader(f)
	if err != nil {
		return err
	}
	nStand := fh.NAntPol / 2
	if nStand <= 0 {
		return &config.ConfigError{Msg: "file metadata declares zero antennas"}
	}

	const gulpSeconds = 0.1
	nTimeGulp := int(math.Round(gulpSeconds * fh.SampleRate))
	if nTimeGulp <= 0 {
		return &config.ConfigError{Msg: "sample rate too low for a 0.1s gulp"}
	}

	body, err := io.ReadAll(f)
	if err != nil {
		return &config.IOFatalError{Op: "read " + s.Path, Cause: err}
	}
	const elemBytes = 8 // complex64: two float32
	totalSamples := len(body) / elemBytes / fh.NAntPol
	if totalSamples < nTimeGulp {
		return &config.IOFatalError{Op: "read " + s.Path, Cause: fmt.Errorf("file shorter than one gulp")}
	}

	// First gulp's worth of samples, transposed from the file's
	// (antenna_pol, time) layout into (time, stand, pol) — this fixed
	// payload gets repeated indefinitely.
	gulp := make([]byte, nTimeGulp*fh.NAntPol*elemBytes)
	for t := 0; t < nTimeGulp; t++ {
		for ap := 0; ap < fh.NAntPol; ap++ {
			srcOff := (ap*totalSamples + t) * elemBytes
			dstOff := (t*fh.NAntPol + ap) * elemBytes
			copy(gulp[dstOff:dstOff+elemBytes], body[srcOff:srcOff+elemBytes])
		}
	}

	bw := fh.SampleRate
	chan0 := int(math.Floor((fh.Freq1 - bw/2) / config.ChanBW))
	hdr := header.Header{
		Seq0: 0, Chan0: chan0, NChan: 1, CFreq: fh.Freq1, BW: bw,
		NStand: nStand, NPol: 2, NBit: 32, Complex: true,
		Axes: "time,stand,pol",
		FS:   config.FS,
	}
	if got, want := len(gulp), hdr.SpanSize(nTimeGulp, nStand, 2); got != want {
		return &config.ShapeMismatchError{Declared: want, Got: got}
	}

	writer, err := s.Ring.BeginWriting()
	if err != nil {
		return err
	}
	defer writer.Close()

	sw, err := writer.BeginSequence(0, hdr)
	if err != nil {
		return err
	}
	s.Status.Update("CaptureStage", "bind", status.Record{"path": s.Path})
	s.Status.Update("CaptureStage", "sequence0", status.Record{"seq0": hdr.Seq0, "chan0": chan0})

	readAhead := 0

	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			return sw.Close()
		}
		start := time.Now()
		span, err := sw.Reserve(len(gulp))
		if err != nil {
			s.Log.Errorw("reserve failed", "error", err)
			return sw.Close()
		}
		copy(span.Data, gulp)
		span.Commit()
		s.Status.Update("CaptureStage", "perf", status.Record{"process_time": time.Since(start).Seconds()})

		// Only the read-ahead cursor advances; the committed payload
		// stays the first gulp, repeating it indefinitely while
		// advancing read-ahead by one gulp for latency hiding.
		readAhead = (readAhead + nTimeGulp) % totalSamples
		_ = readAhead
	}
}
