// Package header implements the Sequence Header: a JSON-serialized
// mapping, immutable for the life of a sequence, carried alongside
// every Ring sequence.
//
// JSON is kept for interoperability (Design Note "Header transport"); the
// typed Header below sits next to the raw bytes so stages never re-parse
// the same JSON object once per gulp.
package header

import (
	"encoding/json"
	"fmt"
)

// Header is the typed view of a Sequence Header.
type Header struct {
	TimeTag int64 `json:"time_tag"`
	Seq0    int64 `json:"seq0"`

	Chan0 int `json:"chan0"`
	NChan int `json:"nchan"`

	CFreq float64 `json:"cfreq"`
	BW    float64 `json:"bw"`

	NStand int `json:"nstand"`
	NPol   int `json:"npol"`

	NBit    int  `json:"nbit"`
	Complex bool `json:"complex"`

	Axes string `json:"axes"`

	// Imager output only.
	GridSizeX          int       `json:"grid_size_x,omitempty"`
	GridSizeY          int       `json:"grid_size_y,omitempty"`
	SamplingLengthX    float64   `json:"sampling_length_x,omitempty"`
	SamplingLengthY    float64   `json:"sampling_length_y,omitempty"`
	AccumulationTimeMS int       `json:"accumulation_time,omitempty"`
	Pols               []string  `json:"pols,omitempty"`
	FS                 float64   `json:"FS,omitempty"`
	TelescopeLatitude  float64   `json:"telescope_latitude,omitempty"`
	TelescopeLongitude float64   `json:"telescope_longitude,omitempty"`
	TelescopeName      string    `json:"telescope_name,omitempty"`
	DataUnits          string    `json:"data_units,omitempty"`
}

// Clone returns a deep-enough copy of h (the only reference field,
// Pols, is copied).
func (h Header) Clone() Header {
	if h.Pols != nil {
		cp := make([]string, len(h.Pols))
		copy(cp, h.Pols)
		h.Pols = cp
	}
	return h
}

// Marshal serializes h to the wire-format JSON bytes stored alongside a
// Ring sequence.
func (h Header) Marshal() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal sequence header: %w", err)
	}
	return b, nil
}

// Unmarshal parses the wire-format JSON bytes of a Sequence Header.
func Unmarshal(b []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, fmt.Errorf("unmarshal sequence header: %w", err)
	}
	return h, nil
}

// ElementSize returns the number of bytes a single (stand,pol) complex
// component occupies, honoring nbit and the complex flag. ci4 packs two
// 4-bit components into one byte (so ElementSize reports 1 for nbit==4
// complex samples); every other combination is naturally byte-aligned.
func (h Header) ElementSize() int {
	if h.NBit == 4 && h.Complex {
		return 1
	}
	components := 1
	if h.Complex {
		components = 2
	}
	return (h.NBit / 8) * components
}

// SpanSize returns the byte size of one gulp for the given per-dimension
// shape, honoring nbit/complex (spec invariant 1: span_size ==
// declared_element_size * product(shape)).
func (h Header) SpanSize(shape ...int) int {
	n := h.ElementSize()
	for _, s := range shape {
		n *= s
	}
	return n
}
