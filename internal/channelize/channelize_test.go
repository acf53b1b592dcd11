package channelize

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

func writeComplex64(dst []byte, re, im float32) {
	binary.LittleEndian.PutUint32(dst[0:4], math.Float32bits(re))
	binary.LittleEndian.PutUint32(dst[4:8], math.Float32bits(im))
}

func makeTimeGulp(nTime, perTime int) []byte {
	buf := make([]byte, nTime*perTime*8)
	for tt := 0; tt < nTime; tt++ {
		for sp := 0; sp < perTime; sp++ {
			off := (tt*perTime + sp) * 8
			writeComplex64(buf[off:off+8], float32(tt+1), 0)
		}
	}
	return buf
}

// TestChannelizeDropsUnalignedGulpWhole asserts the original source's
// whole-gulp-drop semantics (_examples/original_source/LWA/LWA_bifrost.py
// FDomainOp.main(): "if ispan.size < igulp_size: continue"): a span whose
// time extent isn't an exact multiple of nchan is dropped in full, not
// truncated to its aligned prefix.
func TestChannelizeDropsUnalignedGulpWhole(t *testing.T) {
	in := ringbuf.New("in", ringbuf.ResidencyHost)
	require.NoError(t, in.Resize(1024, 2))
	out := ringbuf.New("out", ringbuf.ResidencyHost)
	require.NoError(t, out.Resize(1024, 2))

	rd := in.NewReader(true)
	outRd := out.NewReader(true)

	const nchan = 4
	st := &Stage{
		NChanOut: nchan, In: rd, Out: out,
		Log: zap.NewNop().Sugar(), Status: status.NewPublisher(),
	}

	done := make(chan error, 1)
	go func() { done <- st.Run() }()

	writer, err := in.BeginWriting()
	require.NoError(t, err)
	hdr := header.Header{NStand: 2, NPol: 2, NBit: 32, Complex: true, Axes: "time,stand,pol"}
	sw, err := writer.BeginSequence(0, hdr)
	require.NoError(t, err)
	perTime := hdr.NStand * hdr.NPol

	// 9 is not a multiple of nchan=4: the whole span is dropped, no
	// output span is ever produced for it.
	unaligned, err := sw.Reserve(len(makeTimeGulp(9, perTime)))
	require.NoError(t, err)
	copy(unaligned.Data, makeTimeGulp(9, perTime))
	unaligned.Commit()

	// 8 is a multiple of nchan=4: the whole span is used, all 8 samples
	// worth of bytes come through (2 full FFT blocks, nothing discarded).
	const nTimeAligned = 8
	aligned, err := sw.Reserve(len(makeTimeGulp(nTimeAligned, perTime)))
	require.NoError(t, err)
	copy(aligned.Data, makeTimeGulp(nTimeAligned, perTime))
	aligned.Commit()

	require.NoError(t, sw.Close())
	require.NoError(t, writer.Close())

	seq, ok := outRd.Next()
	require.True(t, ok)
	outSpan, ok := <-seq.Spans()
	require.True(t, ok)

	require.Equal(t, nchan, seq.Header.NChan)
	require.Equal(t, 4, seq.Header.NBit)
	require.Equal(t, "time,chan,stand,pol", seq.Header.Axes)

	// Only the aligned 8-sample span produced output; its full time
	// extent survives (nothing truncated).
	wantBytes := nTimeAligned * perTime
	require.Equal(t, wantBytes, len(outSpan.Data))

	_, ok = <-seq.Spans()
	require.False(t, ok)

	w2, err := in.BeginWriting()
	require.NoError(t, err, "writer released after Close; a second writer may begin")
	w2.End()
	require.NoError(t, w2.Close())
	require.NoError(t, <-done)
}
