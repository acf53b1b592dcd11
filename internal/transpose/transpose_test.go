package transpose

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

func TestTransposeReordersStandAndPolAxes(t *testing.T) {
	in := ringbuf.New("in", ringbuf.ResidencyHost)
	require.NoError(t, in.Resize(1024, 2))
	out := ringbuf.New("out", ringbuf.ResidencyHost)
	require.NoError(t, out.Resize(1024, 2))

	rd := in.NewReader(true)
	outRd := out.NewReader(true)

	st := &Stage{In: rd, Out: out, Log: zap.NewNop().Sugar(), Status: status.NewPublisher()}
	go st.Run()

	writer, err := in.BeginWriting()
	require.NoError(t, err)
	hdr := header.Header{NChan: 2, NStand: 3, NPol: 2, NBit: 4, Complex: true, Axes: "time,chan,stand,pol"}
	sw, err := writer.BeginSequence(0, hdr)
	require.NoError(t, err)

	const nTime = 1
	buf := make([]byte, nTime*hdr.NChan*hdr.NStand*hdr.NPol)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	span, err := sw.Reserve(len(buf))
	require.NoError(t, err)
	copy(span.Data, buf)
	span.Commit()
	require.NoError(t, sw.Close())
	require.NoError(t, writer.Close())

	seq, ok := outRd.Next()
	require.True(t, ok)
	require.Equal(t, "time,chan,pol,stand", seq.Header.Axes)

	outSpan, ok := <-seq.Spans()
	require.True(t, ok)
	require.Equal(t, len(buf), len(outSpan.Data))

	for c := 0; c < hdr.NChan; c++ {
		for s := 0; s < hdr.NStand; s++ {
			for p := 0; p < hdr.NPol; p++ {
				srcOff := (c*hdr.NStand+s)*hdr.NPol + p
				dstOff := (c*hdr.NPol+p)*hdr.NStand + s
				require.Equal(t, buf[srcOff], outSpan.Data[dstOff])
			}
		}
	}
}
