package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epic-array/epic-imager/internal/header"
)

func TestDeliversSpansInOrder(t *testing.T) {
	r := New("test", ResidencyHost)
	require.NoError(t, r.Resize(8, 4))

	rd := r.NewReader(true)

	writer, err := r.BeginWriting()
	require.NoError(t, err)

	hdr := header.Header{Axes: "time,chan,pol,stand"}
	sw, err := writer.BeginSequence(42, hdr)
	require.NoError(t, err)

	for i := byte(0); i < 3; i++ {
		span, err := sw.Reserve(1)
		require.NoError(t, err)
		span.Data[0] = i
		span.Commit()
	}
	require.NoError(t, sw.Close())
	require.NoError(t, writer.Close())

	seq, ok := rd.Next()
	require.True(t, ok)
	require.Equal(t, int64(42), seq.Header.TimeTag)

	var got []byte
	for span := range seq.Spans() {
		got = append(got, span.Data[0])
	}
	require.Equal(t, []byte{0, 1, 2}, got)
}

func TestWritingEndedTerminatesReaderIteration(t *testing.T) {
	r := New("test", ResidencyHost)
	require.NoError(t, r.Resize(8, 4))
	rd := r.NewReader(true)

	writer, err := r.BeginWriting()
	require.NoError(t, err)
	sw, err := writer.BeginSequence(0, header.Header{})
	require.NoError(t, err)
	require.NoError(t, sw.Close())
	writer.End()
	require.NoError(t, writer.Close())

	seq, ok := rd.Next()
	require.True(t, ok, "the already-opened sequence is still delivered")
	for range seq.Spans() {
	}

	_, ok = rd.Next()
	require.False(t, ok, "writing_ended: no further sequences arrive")
}

func TestLossyReaderDropsUnderBackpressureInsteadOfBlocking(t *testing.T) {
	r := New("test", ResidencyHost)
	require.NoError(t, r.Resize(8, 1)) // buffer factor 1: second span has nowhere to land
	rd := r.NewReader(false)

	writer, err := r.BeginWriting()
	require.NoError(t, err)
	sw, err := writer.BeginSequence(0, header.Header{})
	require.NoError(t, err)

	// Opening the sequence hands the reader a span channel of capacity 1
	// (bufferFactor). Commit more spans than that without the reader
	// draining: the writer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			span, err := sw.Reserve(1)
			require.NoError(t, err)
			span.Commit()
		}
		close(done)
	}()
	<-done
	require.NoError(t, sw.Close())
	require.NoError(t, writer.Close())
}

func TestBeginWritingBeforeResizeFails(t *testing.T) {
	r := New("test", ResidencyHost)
	_, err := r.BeginWriting()
	require.Error(t, err)
}

func TestSecondWriterRejectedWhileFirstActive(t *testing.T) {
	r := New("test", ResidencyHost)
	require.NoError(t, r.Resize(8, 1))
	_, err := r.BeginWriting()
	require.NoError(t, err)

	_, err = r.BeginWriting()
	require.Error(t, err)
}
