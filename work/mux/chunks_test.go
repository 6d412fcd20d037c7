package mux

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkReaderFixture(t *testing.T) (*Registry, *SharedStream, *Subscriber, *ChunkReader, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	r := newTestRegistry(t, nil, mock, nil)

	s := newSharedStream(StreamKey(1, "100", "ts"), 1, "100", "ts", "http://up/100.ts", 5, "tok", "", mock.Now())
	r.streams.Store(s.Key, s)
	sub := newSubscriber("10.0.0.1", 10, mock.Now())
	require.True(t, s.addSubscriber(sub))

	return r, s, sub, NewChunkReader(r, s, sub), mock
}

func TestChunkReaderDeliversInOrder(t *testing.T) {
	_, s, _, cr, _ := chunkReaderFixture(t)

	s.fanOut([]byte("one"))
	s.fanOut([]byte("two"))

	chunk, ok := cr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("one"), chunk)

	chunk, ok = cr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("two"), chunk)
}

func TestChunkReaderEndSentinel(t *testing.T) {
	_, s, _, cr, _ := chunkReaderFixture(t)

	s.fanOut([]byte("last"))
	s.terminate()

	chunk, ok := cr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("last"), chunk)

	_, ok = cr.Next()
	assert.False(t, ok)

	// closed readers keep reporting end
	_, ok = cr.Next()
	assert.False(t, ok)
}

func TestChunkReaderWaitExpiryOnLiveStream(t *testing.T) {
	_, s, _, cr, mock := chunkReaderFixture(t)

	type result struct {
		chunk []byte
		ok    bool
	}
	got := make(chan result, 1)
	go func() {
		chunk, ok := cr.Next()
		got <- result{chunk, ok}
	}()

	// expire the wait twice on a healthy stream; the reader must keep waiting
	time.Sleep(20 * time.Millisecond)
	mock.Add(6 * time.Second)
	time.Sleep(20 * time.Millisecond)
	mock.Add(6 * time.Second)

	select {
	case <-got:
		t.Fatal("Next returned while the stream was live with no data")
	default:
	}

	s.fanOut([]byte("late"))
	res := <-got
	assert.True(t, res.ok)
	assert.Equal(t, []byte("late"), res.chunk)
}

func TestChunkReaderDrainsQueueAfterTermination(t *testing.T) {
	_, s, _, cr, _ := chunkReaderFixture(t)

	s.fanOut([]byte("one"))
	s.fanOut([]byte("two"))
	s.terminate()

	chunk, ok := cr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("one"), chunk)
	chunk, ok = cr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("two"), chunk)

	_, ok = cr.Next()
	assert.False(t, ok)
}

func TestChunkReaderDroppedSubscriber(t *testing.T) {
	_, _, sub, cr, _ := chunkReaderFixture(t)

	// a fan-out drop deactivates the subscriber without a sentinel
	sub.deactivate()

	_, ok := cr.Next()
	assert.False(t, ok)
}

func TestChunkReaderClose(t *testing.T) {
	_, s, sub, cr, _ := chunkReaderFixture(t)

	cr.Close()
	cr.Close() // idempotent

	assert.False(t, sub.Active())
	assert.Equal(t, 0, s.SubscriberCount())

	_, ok := cr.Next()
	assert.False(t, ok)
}

func TestChunkReaderTracksBytesSent(t *testing.T) {
	_, s, sub, cr, _ := chunkReaderFixture(t)

	s.fanOut([]byte("12345"))
	_, ok := cr.Next()
	require.True(t, ok)

	assert.Equal(t, int64(5), sub.BytesSent())
}
