package decimate

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

func TestDecimateTakesContiguousPrefix(t *testing.T) {
	in := ringbuf.New("in", ringbuf.ResidencyHost)
	require.NoError(t, in.Resize(1024, 2))
	out := ringbuf.New("out", ringbuf.ResidencyHost)
	require.NoError(t, out.Resize(1024, 2))

	rd := in.NewReader(true)
	outRd := out.NewReader(true)

	st := &Stage{
		NChanOut: 2, NPolOut: 1, In: rd, Out: out,
		Log: zap.NewNop().Sugar(), Status: status.NewPublisher(),
	}
	go st.Run()

	writer, err := in.BeginWriting()
	require.NoError(t, err)
	hdr := header.Header{Chan0: 100, NChan: 4, NStand: 3, NPol: 2, NBit: 4, Complex: true, Axes: "time,chan,stand,pol"}
	sw, err := writer.BeginSequence(0, hdr)
	require.NoError(t, err)

	const nTime = 2
	buf := make([]byte, nTime*hdr.NChan*hdr.NStand*hdr.NPol)
	for i := range buf {
		buf[i] = byte(i)
	}
	span, err := sw.Reserve(len(buf))
	require.NoError(t, err)
	copy(span.Data, buf)
	span.Commit()
	require.NoError(t, sw.Close())
	require.NoError(t, writer.Close())

	seq, ok := outRd.Next()
	require.True(t, ok)
	require.Equal(t, 2, seq.Header.NChan)
	require.Equal(t, 1, seq.Header.NPol)
	require.Equal(t, float64(2*config.ChanBW), seq.Header.BW)

	outSpan, ok := <-seq.Spans()
	require.True(t, ok)
	require.Equal(t, nTime*2*hdr.NStand*1, len(outSpan.Data))

	// First output element of each (t,c,stand) is the first polarization
	// of the corresponding input element: a straight prefix slice, not
	// a reshuffle.
	for tt := 0; tt < nTime; tt++ {
		for c := 0; c < 2; c++ {
			for s := 0; s < hdr.NStand; s++ {
				srcOff := ((tt*hdr.NChan+c)*hdr.NStand + s) * hdr.NPol
				dstOff := ((tt*2+c)*hdr.NStand + s) * 1
				require.Equal(t, buf[srcOff], outSpan.Data[dstOff])
			}
		}
	}
}
