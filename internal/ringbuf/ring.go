// Package ringbuf implements the bounded, single-producer, multi-reader
// byte-span queue described in spec §4.1 ("Ring"). A Ring carries a
// sequence of Sequences, each a run of fixed-size Spans ("gulps", spec
// §3) sharing one immutable Header.
//
// The design is adapted from the teacher's LMAX-disruptor-style ring
// buffer (internal/disruptor in the retrieved order-matching-engine):
// a single writer claims and publishes slots while readers consume them
// in strict order, using a mutex-guarded writer flag for the
// writer-side state and channel backpressure in place of the teacher's spin-wait
// sequencer, since Ring readers here are consumer goroutines pinned to
// distinct OS threads rather than a single in-process hot loop.
package ringbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/header"
)

// Residency declares whether a Ring's spans live in host memory or in
// device (GPU) memory (Design Note "Ring residency (host vs device)").
type Residency int

const (
	ResidencyHost Residency = iota
	ResidencyDevice
)

func (r Residency) String() string {
	if r == ResidencyDevice {
		return "device"
	}
	return "host"
}

// Span is one committed gulp: a byte region tagged with the sequence
// header it belongs to.
type Span struct {
	Data   []byte
	Header header.Header
}

// Sequence is a run of Spans sharing one Header, as observed by a reader.
type Sequence struct {
	Header header.Header
	spans  chan Span
}

// Spans returns the channel of Spans for this Sequence. It closes when
// the writer closes the sequence or the Ring ends.
func (s *Sequence) Spans() <-chan Span { return s.spans }

// Ring is a bounded, single-producer, multi-reader span queue.
type Ring struct {
	name      string
	residency Residency

	mu           sync.Mutex
	spanBytes    int
	bufferFactor int
	writing      bool
	ended        bool
	readers      []*Reader

	seq0     int64
	nSpans   atomic.Int64 // lifetime spans committed, for status/perf records
}

// New creates an empty, unsized Ring. Call Resize before writing.
func New(name string, residency Residency) *Ring {
	return &Ring{name: name, residency: residency}
}

func (r *Ring) Name() string         { return r.name }
func (r *Ring) Residency() Residency { return r.residency }

// Resize sets the span size and reserves bufferFactor spans of reader
// capacity (spec §4.1 `resize(span_bytes, buffer_factor=k)`). Must be
// called before BeginWriting and before any reader is created with a
// guaranteed-mode backlog depending on it.
func (r *Ring) Resize(spanBytes, bufferFactor int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writing {
		return &config.LogicError{Msg: "ring resized while a writer is active"}
	}
	if spanBytes <= 0 || bufferFactor <= 0 {
		return &config.ConfigError{Msg: fmt.Sprintf("invalid ring size span=%d factor=%d", spanBytes, bufferFactor)}
	}
	r.spanBytes = spanBytes
	r.bufferFactor = bufferFactor
	return nil
}

// SpanBytes returns the configured span size.
func (r *Ring) SpanBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spanBytes
}

// NewReader registers a reader on this Ring. Readers must be created
// before BeginWriting is called for the first sequence they should
// observe. guarantee selects blocking (lossless) vs. non-blocking
// (lossy, may skip spans) backpressure behavior for this reader alone.
func (r *Ring) NewReader(guarantee bool) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	rd := &Reader{ring: r, guarantee: guarantee, seqCh: make(chan *Sequence, 4)}
	r.readers = append(r.readers, rd)
	return rd
}

// Writer is the handle returned by BeginWriting; it must be released
// (Close) when the producer is done, mirroring the teacher's scope-exit
// release semantics for `begin_writing()`.
type Writer struct {
	ring *Ring
	open *SequenceWriter
}

// BeginWriting acquires exclusive write access to the Ring.
func (r *Ring) BeginWriting() (*Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writing {
		return nil, &config.LogicError{Msg: fmt.Sprintf("ring %q already has an active writer", r.name)}
	}
	if r.spanBytes == 0 {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("ring %q written before Resize", r.name)}
	}
	r.writing = true
	return &Writer{ring: r}, nil
}

// Close releases write access. Any open sequence is closed first.
func (w *Writer) Close() error {
	if w.open != nil {
		if err := w.open.Close(); err != nil {
			return err
		}
	}
	w.ring.mu.Lock()
	w.ring.writing = false
	w.ring.mu.Unlock()
	return nil
}

// End marks the Ring as permanently finished: no further sequences will
// be opened. Observable by readers as Reader.Next returning false
// (`writing_ended()`).
func (w *Writer) End() {
	w.ring.mu.Lock()
	w.ring.ended = true
	readers := append([]*Reader(nil), w.ring.readers...)
	w.ring.mu.Unlock()
	for _, rd := range readers {
		close(rd.seqCh)
	}
}

// SequenceWriter is the handle for writing spans into one open sequence.
type SequenceWriter struct {
	ring   *Ring
	owner  *Writer
	hdr    header.Header
	closed bool
	subs   []*Reader
}

// BeginSequence opens a new Sequence with the given header. All
// subsequent Reserve calls on the returned SequenceWriter inherit hdr
// until Close is called (spec §4.1).
func (w *Writer) BeginSequence(timeTag int64, hdr header.Header) (*SequenceWriter, error) {
	if w.open != nil {
		return nil, &config.LogicError{Msg: "previous sequence not closed before BeginSequence"}
	}
	hdr = hdr.Clone()
	hdr.TimeTag = timeTag

	w.ring.mu.Lock()
	readers := append([]*Reader(nil), w.ring.readers...)
	bufferFactor := w.ring.bufferFactor
	w.ring.seq0++
	w.ring.mu.Unlock()

	sw := &SequenceWriter{ring: w.ring, owner: w, hdr: hdr}
	for _, rd := range readers {
		seq := &Sequence{Header: hdr, spans: make(chan Span, bufferFactor)}
		rd.mu.Lock()
		rd.current = seq
		rd.mu.Unlock()
		select {
		case rd.seqCh <- seq:
		default:
			// A reader that hasn't drained its previous sequence yet
			// is a Pipeline-ordering bug (spec §5: a new sequence is
			// opened downstream only after the previous one closes).
		}
		sw.subs = append(sw.subs, rd)
	}
	w.open = sw
	return sw, nil
}

// Reserve returns a span of nBytes for the currently open sequence. The
// caller must call Commit to publish it to readers; an uncommitted span
// is simply dropped (never observed downstream).
func (sw *SequenceWriter) Reserve(nBytes int) (*WriteSpan, error) {
	if sw.closed {
		return nil, &config.LogicError{Msg: "Reserve called on a closed sequence"}
	}
	return &WriteSpan{sw: sw, Data: make([]byte, nBytes)}, nil
}

// WriteSpan is a span reserved for writing but not yet committed.
type WriteSpan struct {
	sw   *SequenceWriter
	Data []byte
}

// Commit publishes the span to every reader of the enclosing sequence,
// honoring each reader's guaranteed/lossy backpressure mode.
func (ws *WriteSpan) Commit() {
	span := Span{Data: ws.Data, Header: ws.sw.hdr}
	for _, rd := range ws.sw.subs {
		rd.mu.Lock()
		seq := rd.current
		rd.mu.Unlock()
		if seq == nil {
			continue
		}
		if rd.guarantee {
			seq.spans <- span
		} else {
			select {
			case seq.spans <- span:
			default:
				rd.dropped.Add(1)
			}
		}
	}
	ws.sw.ring.nSpans.Add(1)
}

// Close ends the currently open sequence, closing every reader's span
// channel for it so iteration terminates.
func (sw *SequenceWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	for _, rd := range sw.subs {
		rd.mu.Lock()
		if rd.current != nil {
			close(rd.current.spans)
			rd.current = nil
		}
		rd.mu.Unlock()
	}
	if sw.owner != nil && sw.owner.open == sw {
		sw.owner.open = nil
	}
	return nil
}

// Reader is one registered consumer of a Ring.
type Reader struct {
	ring      *Ring
	guarantee bool
	seqCh     chan *Sequence

	mu      sync.Mutex
	current *Sequence
	dropped atomic.Int64
}

// Dropped returns the number of spans this reader has skipped because
// it was running in lossy mode and fell behind the writer.
func (rd *Reader) Dropped() int64 { return rd.dropped.Load() }

// Next blocks until the next Sequence is available or the Ring ends.
// The second return value is false once the Ring has permanently ended
// and no further sequences will arrive (`writing_ended()`).
func (rd *Reader) Next() (*Sequence, bool) {
	seq, ok := <-rd.seqCh
	return seq, ok
}

