package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }
func (e statusErr) Temporary() bool { return e >= 500 }

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(Options{})
	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 10 {
		require.NoError(t, d.Enqueue(context.Background(), "reply", "/pushes", func() error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}))
	}
	d.Close()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.EqualValues(t, 10, d.DoneCount())
	assert.Zero(t, d.ErrorCount())
}

func TestDispatcherRetriesTransient(t *testing.T) {
	d := NewDispatcher(Options{MaxRetries: 2, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, d.Enqueue(context.Background(), "reply", "/pushes", func() error {
		if calls.Add(1) < 3 {
			return statusErr(502)
		}
		return nil
	}))
	d.Close()

	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, d.ErrorCount())
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	d := NewDispatcher(Options{MaxRetries: 3, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	require.NoError(t, d.Enqueue(context.Background(), "delete", "/pushes/x", func() error {
		calls.Add(1)
		return statusErr(400)
	}))
	d.Close()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, d.ErrorCount())
}

func TestDispatcherRunsAfterCallerCancel(t *testing.T) {
	d := NewDispatcher(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	require.NoError(t, d.Enqueue(ctx, "delete", "/pushes/x", func() error {
		ran.Store(true)
		return nil
	}))
	d.Close()
	assert.True(t, ran.Load())
}

func TestDispatcherClosedAndFull(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(Options{QueueSize: 1})

	started := make(chan struct{})
	require.NoError(t, d.Enqueue(context.Background(), "a", "", func() error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, d.Enqueue(context.Background(), "b", "", func() error { return nil }))
	assert.ErrorIs(t, d.Enqueue(context.Background(), "c", "", func() error { return nil }), ErrQueueFull)

	close(block)
	d.Close()
	assert.ErrorIs(t, d.Enqueue(context.Background(), "d", "", func() error { return nil }), ErrQueueClosed)
	assert.Error(t, d.Enqueue(context.Background(), "e", "", nil))
}

func TestDispatcherPacing(t *testing.T) {
	d := NewDispatcher(Options{RatePerSecond: 20, Burst: 1})
	start := time.Now()
	for range 3 {
		require.NoError(t, d.Enqueue(context.Background(), "reply", "", func() error { return nil }))
	}
	d.Close()
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestClassifyError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"deadline": {context.DeadlineExceeded, "timeout"},
		"breaker":  {fmt.Errorf("call: %w", gobreaker.ErrOpenState), "circuit_open"},
		"dial":     {&net.OpError{Op: "dial", Err: errors.New("refused")}, "dial"},
		"dns":      {&net.DNSError{Err: "no such host"}, "dns"},
		"4xx":      {statusErr(404), "http_4xx"},
		"5xx":      {statusErr(503), "http_5xx"},
		"429":      {statusErr(429), "rate_limited"},
		"other":    {errors.New("boom"), "unknown"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyError(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(statusErr(500)))
	assert.False(t, retryable(statusErr(401)))
	assert.False(t, retryable(gobreaker.ErrOpenState))
	assert.True(t, retryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
}
