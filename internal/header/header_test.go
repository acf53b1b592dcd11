package header

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanSizeHonorsNBitAndComplex(t *testing.T) {
	cases := []struct {
		name string
		h    Header
		want int
	}{
		{"complex64", Header{NBit: 32, Complex: true}, 8 * 10},
		{"int8 real", Header{NBit: 8, Complex: false}, 1 * 10},
		{"ci8", Header{NBit: 8, Complex: true}, 2 * 10},
		{"ci4 packs to one byte", Header{NBit: 4, Complex: true}, 1 * 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.h.SpanSize(10))
		})
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	h := Header{
		TimeTag: 12345, Seq0: 1, Chan0: 10, NChan: 4, CFreq: 60e6, BW: 1e5,
		NStand: 8, NPol: 2, NBit: 4, Complex: true, Axes: "time,chan,pol,stand",
		Pols: []string{"xx", "yy"},
	}
	b, err := h.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(h, got))
}

func TestCloneIsIndependent(t *testing.T) {
	h := Header{Pols: []string{"xx", "yy"}}
	clone := h.Clone()
	clone.Pols[0] = "mutated"
	assert.Equal(t, "xx", h.Pols[0])
}
