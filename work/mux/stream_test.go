package mux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStream(t *testing.T) *SharedStream {
	t.Helper()
	now := time.Now()
	return newSharedStream(StreamKey(1, "100", "ts"), 1, "100", "ts",
		"http://provider.example/live/user/pass/100.ts", 5, "tok", "ua", now)
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "7:abc:ts", StreamKey(7, "abc", "ts"))
	assert.NotEqual(t, StreamKey(1, "100", "ts"), StreamKey(1, "100", "m3u8"))
}

func TestDefaultContentType(t *testing.T) {
	assert.Equal(t, "video/mp2t", DefaultContentType("ts"))
	assert.Equal(t, "application/x-mpegURL", DefaultContentType("m3u8"))
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	s := testStream(t)
	now := time.Now()

	a := newSubscriber("10.0.0.1", 10, now)
	b := newSubscriber("10.0.0.2", 10, now)
	require.True(t, s.addSubscriber(a))
	require.True(t, s.addSubscriber(b))

	chunk := []byte("payload")
	assert.Equal(t, 2, s.fanOut(chunk))

	assert.Equal(t, chunk, <-a.queue)
	assert.Equal(t, chunk, <-b.queue)
}

func TestFanOutDropsSlowConsumer(t *testing.T) {
	s := testStream(t)
	now := time.Now()

	slow := newSubscriber("10.0.0.1", 1, now)
	fast := newSubscriber("10.0.0.2", 10, now)
	require.True(t, s.addSubscriber(slow))
	require.True(t, s.addSubscriber(fast))

	// first chunk fills the slow queue, second overflows it
	assert.Equal(t, 2, s.fanOut([]byte("one")))
	assert.Equal(t, 1, s.fanOut([]byte("two")))

	assert.False(t, slow.Active(), "slow consumer should be dropped")
	assert.True(t, fast.Active())
	assert.Equal(t, 1, s.SubscriberCount())

	// the fast subscriber saw every chunk in order
	assert.Equal(t, []byte("one"), <-fast.queue)
	assert.Equal(t, []byte("two"), <-fast.queue)
}

func TestAddSubscriberAfterTerminate(t *testing.T) {
	s := testStream(t)
	s.terminate()

	sub := newSubscriber("10.0.0.1", 10, time.Now())
	assert.False(t, s.addSubscriber(sub))
	assert.False(t, s.IsActive())
}

func TestTerminateDeliversEndSentinel(t *testing.T) {
	s := testStream(t)
	sub := newSubscriber("10.0.0.1", 10, time.Now())
	require.True(t, s.addSubscriber(sub))

	s.fanOut([]byte("data"))
	s.terminate()
	s.terminate() // idempotent

	assert.Equal(t, []byte("data"), <-sub.queue)
	assert.Nil(t, <-sub.queue, "end sentinel should follow the last chunk")
	assert.False(t, sub.Active())
	assert.Equal(t, 0, s.SubscriberCount())
	assert.Error(t, context.Cause(s.ctx))
}

func TestFailKeepsFirstError(t *testing.T) {
	s := testStream(t)
	s.fail(newHTTPError(404))
	s.fail(&StreamError{Class: ErrClassConnection, cause: errors.New("later")})

	err := s.Err()
	require.NotNil(t, err)
	assert.Equal(t, ErrClassHTTP, err.Class)
	assert.Equal(t, 404, err.Status)
}

func TestSubscriberPushNonBlocking(t *testing.T) {
	sub := newSubscriber("10.0.0.1", 2, time.Now())
	assert.True(t, sub.push([]byte("a")))
	assert.True(t, sub.push([]byte("b")))
	assert.False(t, sub.push([]byte("c")), "full queue must not block")
}

func TestSubscriberDeactivateOnce(t *testing.T) {
	sub := newSubscriber("10.0.0.1", 2, time.Now())
	assert.True(t, sub.deactivate())
	assert.False(t, sub.deactivate())
	assert.False(t, sub.Active())
}
