package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsLatestValuePerTopic(t *testing.T) {
	p := NewPublisher()
	p.Update("ImagerStage", "perf", Record{"process_time": 1.0})
	p.Update("ImagerStage", "perf", Record{"process_time": 2.0})

	rec, ok := p.Get("ImagerStage", "perf")
	require.True(t, ok)
	assert.Equal(t, 2.0, rec["process_time"])
}

func TestSnapshotCoversEveryPublishedTopic(t *testing.T) {
	p := NewPublisher()
	p.Update("CaptureStage", "bind", Record{"path": "x"})
	p.Update("SinkStage", "out", Record{"path": "y"})

	snap := p.Snapshot()
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "CaptureStage/bind")
	assert.Contains(t, snap, "SinkStage/out")
}

func TestSubscribeReceivesFutureUpdates(t *testing.T) {
	p := NewPublisher()
	ch := p.Subscribe(4)

	p.Update("TransposeStage", "perf", Record{"process_time": 0.1})

	select {
	case upd := <-ch:
		assert.Equal(t, "TransposeStage/perf", upd.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	p := NewPublisher()
	p.Subscribe(0) // unbuffered, never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.Update("ImagerStage", "perf", Record{"n": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
