package mqlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestClient_Log(t *testing.T) {
	tt := newTestTransport()
	c := newTestClient(t, tt, &ClientOptions{SourceHost: "web-1"})

	c.Log(LevelInfo, "checkout", "order 42 completed", "")

	require.Eventually(t, func() bool { return c.Stats().Published == 1 }, waitFor, tick)
	require.Len(t, tt.sent(), 1)
	m := tt.sent()[0]

	assert.Equal(t, "ELK-LOGS", m.Queue)
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, testAppName, m.AppID)
	assert.Empty(t, m.CorrelationID)
	assert.Equal(t, time.UTC, m.Timestamp.Location())
	_, err := uuid.Parse(m.MessageID)
	assert.NoError(t, err, "MessageID should be a uuid")

	v := parseJSON(t, m.Body)
	assert.Equal(t, testAppName, string(v.GetStringBytes("app_name")))
	assert.Equal(t, "web-1", string(v.GetStringBytes("source_host")))
	assert.Equal(t, "info", string(v.GetStringBytes("log_level")))
	assert.Equal(t, "checkout", string(v.GetStringBytes("log_title")))
	assert.Equal(t, "order 42 completed", string(v.GetStringBytes("log_message")))
	assert.False(t, v.Exists("trace_id"))

	ts, err := time.Parse(TimeLayout, string(v.GetStringBytes("log_time")))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	assert.Equal(t, Stats{Submitted: 1, Published: 1}, c.Stats())
}

func TestClient_Log_TruncatesMessage(t *testing.T) {
	tt := newTestTransport()
	c := newTestClient(t, tt, nil)

	c.Log(LevelError, "", strings.Repeat("x", 10_050), "")

	require.Eventually(t, func() bool { return len(tt.sent()) == 1 }, waitFor, tick)
	msg := string(parseJSON(t, tt.sent()[0].Body).GetStringBytes("log_message"))
	assert.Len(t, msg, 10_003)
	assert.True(t, strings.HasSuffix(msg, "..."))
	assert.False(t, parseJSON(t, tt.sent()[0].Body).Exists("log_title"))
}

func TestClient_Log_Msgpack(t *testing.T) {
	tt := newTestTransport()
	c := newTestClient(t, tt, &ClientOptions{Format: FormatMsgpack})

	c.Log(LevelWarn, "payment", "card declined", "req-7f3a")

	require.Eventually(t, func() bool { return len(tt.sent()) == 1 }, waitFor, tick)
	m := tt.sent()[0]
	assert.Equal(t, "application/msgpack", m.ContentType)
	assert.Equal(t, "req-7f3a", m.CorrelationID)

	var rec map[string]any
	require.NoError(t, msgpack.Unmarshal(m.Body, &rec))
	assert.Equal(t, "warn", rec["log_level"])
	assert.Equal(t, "payment", rec["log_title"])
	assert.Equal(t, "card declined", rec["log_message"])
	assert.Equal(t, "req-7f3a", rec["trace_id"])
}

func TestClient_Log_UniqueMessageIDs(t *testing.T) {
	tt := newTestTransport()
	c := newTestClient(t, tt, nil)

	for i := 0; i < 10; i++ {
		c.Log(LevelDebug, "", "tick", "")
	}

	require.Eventually(t, func() bool { return len(tt.sent()) == 10 }, waitFor, tick)
	ids := make(map[string]struct{})
	for _, m := range tt.sent() {
		ids[m.MessageID] = struct{}{}
	}
	assert.Len(t, ids, 10)
}

func TestClient_Log_BrokerUnreachable(t *testing.T) {
	logs := captureInternalLog(t)
	tt := newTestTransport()
	c := newTestClient(t, tt, nil)

	tt.setAcquireErr(errors.New("dial tcp: connection refused"))

	start := time.Now()
	c.Log(LevelError, "db", "connection pool exhausted", "")
	assert.Less(t, time.Since(start), time.Second, "Log should not wait on the broker")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "failed to acquire handle for queue ELK-LOGS")
	}, waitFor, tick)
	assert.Equal(t, uint64(1), c.Stats().Failed)

	// the Client keeps serving once the broker is back
	tt.setAcquireErr(nil)
	c.Log(LevelInfo, "db", "connection pool recovered", "")

	require.Eventually(t, func() bool { return c.Stats().Published == 1 }, waitFor, tick)
	assert.Equal(t, Stats{Submitted: 2, Published: 1, Failed: 1}, c.Stats())
}

func TestClient_Log_PublishFailureReleasesHandle(t *testing.T) {
	logs := captureInternalLog(t)
	tt := newTestTransport()
	tt.publishErr = errors.New("channel closed")
	c := newTestClient(t, tt, nil)

	c.Log(LevelInfo, "", "lost", "")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "failed to publish record: channel closed")
	}, waitFor, tick)
	require.Eventually(t, func() bool { return tt.released.Load() == tt.acquired.Load() }, waitFor, tick)
	assert.Equal(t, uint64(1), c.Stats().Failed)
	assert.Zero(t, c.Stats().Published)
}

func TestClient_Log_ReleaseErrorReportedSeparately(t *testing.T) {
	logs := captureInternalLog(t)
	tt := newTestTransport()
	tt.releaseErr = errors.New("connection reset")
	c := newTestClient(t, tt, &ClientOptions{SkipEagerDial: true})

	c.Log(LevelInfo, "", "delivered anyway", "")

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "failed to release handle for queue ELK-LOGS: connection reset")
	}, waitFor, tick)
	assert.Equal(t, Stats{Submitted: 1, Published: 1}, c.Stats())
	assert.NotContains(t, logs.String(), "failed to publish")
}

type panicTransport struct{}

func (panicTransport) Acquire(context.Context) (Handle, error) { panic("broker exploded") }
func (panicTransport) Close() error                            { return nil }

func TestClient_Log_RecoversTransportPanic(t *testing.T) {
	logs := captureInternalLog(t)
	c, err := NewClientCustom(testAppName, panicTransport{}, &ClientOptions{SkipEagerDial: true})
	require.NoError(t, err)

	c.Log(LevelInfo, "", "first", "")
	c.Log(LevelInfo, "", "second", "")

	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "recovered from panic while publishing: broker exploded") == 2
	}, waitFor, tick)
	assert.Equal(t, uint64(2), c.Stats().Failed)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestClient_Log_NilClient(t *testing.T) {
	var c *Client
	assert.NotPanics(t, func() { c.Log(LevelInfo, "", "nowhere", "") })
}

func TestClient_WorkerBound(t *testing.T) {
	logs := captureInternalLog(t)
	tt := newTestTransport()
	gate := make(chan struct{})
	tt.gate = gate
	c := newTestClient(t, tt, &ClientOptions{MinWorkers: 2, MaxWorkers: 4, QueueDepth: 8})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Log(LevelInfo, "", "burst", "")
		}()
	}
	wg.Wait()

	// at most 4 records held by workers plus 8 in the backlog
	s := c.Stats()
	assert.Equal(t, uint64(n), s.Submitted)
	assert.GreaterOrEqual(t, s.Dropped, uint64(n-12))
	assert.LessOrEqual(t, tt.peak.Load(), int64(4))

	close(gate)

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Published+s.Dropped == n
	}, waitFor, tick)
	assert.LessOrEqual(t, tt.peak.Load(), int64(4))
	assert.Zero(t, c.Stats().Failed)

	// overflow reports are sampled
	assert.Equal(t, 1, strings.Count(logs.String(), "full backlog: dropping record"))
}

func TestClient_OverflowCallerRuns(t *testing.T) {
	tt := newTestTransport()
	gate := make(chan struct{})
	tt.gate = gate
	c := newTestClient(t, tt, &ClientOptions{
		MinWorkers: 1,
		MaxWorkers: 1,
		QueueDepth: 1,
		Overflow:   OverflowCallerRuns,
	})

	// the only worker takes the first record and blocks
	c.Log(LevelInfo, "", "one", "")
	require.Eventually(t, func() bool { return tt.active.Load() == 1 }, waitFor, tick)

	// the second waits in the backlog
	c.Log(LevelInfo, "", "two", "")

	// the third runs on the calling goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Log(LevelInfo, "", "three", "")
	}()
	require.Eventually(t, func() bool { return tt.active.Load() == 2 }, waitFor, tick)

	select {
	case <-done:
		t.Fatal("Log returned before the caller-run publish completed")
	default:
	}

	close(gate)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("caller-run publish did not complete")
	}
	require.Eventually(t, func() bool { return c.Stats().Published == 3 }, waitFor, tick)
	assert.Zero(t, c.Stats().Dropped)
}

func TestClient_ExtraWorkerExitsWhenIdle(t *testing.T) {
	tt := newTestTransport()
	gate := make(chan struct{})
	tt.gate = gate
	c := newTestClient(t, tt, &ClientOptions{
		MinWorkers:  1,
		MaxWorkers:  2,
		QueueDepth:  1,
		IdleTimeout: 50 * time.Millisecond,
	})

	workers := func() int {
		c.poolMu.Lock()
		defer c.poolMu.Unlock()
		return c.nWorkers
	}
	assert.Equal(t, 1, workers())

	c.Log(LevelInfo, "", "one", "")
	require.Eventually(t, func() bool { return tt.active.Load() == 1 }, waitFor, tick)
	c.Log(LevelInfo, "", "two", "")   // backlog
	c.Log(LevelInfo, "", "three", "") // extra worker

	require.Eventually(t, func() bool { return tt.active.Load() == 2 }, waitFor, tick)
	assert.Equal(t, 2, workers())

	close(gate)

	require.Eventually(t, func() bool { return c.Stats().Published == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return workers() == 1 }, waitFor, tick)
	assert.Zero(t, c.Stats().Dropped)
}

func TestClient_Shutdown(t *testing.T) {
	tt := newTestTransport()
	c, err := NewClientCustom(testAppName, tt, &ClientOptions{MinWorkers: 1, MaxWorkers: 1})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Log(LevelInfo, "", "pending", "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	// enqueued records are drained first
	assert.Equal(t, uint64(5), c.Stats().Published)
	assert.True(t, tt.closed.Load())

	c.Log(LevelInfo, "", "too late", "")
	assert.Equal(t, Stats{Submitted: 6, Published: 5, Dropped: 1}, c.Stats())

	// idempotent
	assert.NoError(t, c.Shutdown(ctx))
}

func TestClient_Shutdown_ContextExpires(t *testing.T) {
	tt := newTestTransport()
	gate := make(chan struct{})
	tt.gate = gate
	c := newTestClient(t, tt, nil)

	c.Log(LevelInfo, "", "stuck", "")
	require.Eventually(t, func() bool { return tt.active.Load() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)
	assert.False(t, tt.closed.Load())

	close(gate)
	require.Eventually(t, func() bool { return c.Stats().Published == 1 }, waitFor, tick)
}

func TestNewClientCustom_EagerDial(t *testing.T) {
	tt := newTestTransport()
	newTestClient(t, tt, nil)

	assert.Equal(t, int64(1), tt.acquired.Load())
	assert.Equal(t, int64(1), tt.released.Load())
}

func TestNewClientCustom_EagerDialFailure(t *testing.T) {
	tt := newTestTransport()
	tt.setAcquireErr(errors.New("connection refused"))

	c, err := NewClientCustom(testAppName, tt, &ClientOptions{MaxEagerDialTries: 1})
	assert.Nil(t, c)
	assert.ErrorContains(t, err, "maxAttempts reached: 1")
	assert.ErrorContains(t, err, "connection refused")
	assert.True(t, tt.closed.Load(), "transport should be closed when the Client is not returned")
}

func TestNewClientCustom_SkipEagerDial(t *testing.T) {
	tt := newTestTransport()
	tt.setAcquireErr(errors.New("connection refused"))

	c, err := NewClientCustom(testAppName, tt, &ClientOptions{SkipEagerDial: true})
	require.NoError(t, err)
	assert.Zero(t, tt.acquired.Load())
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestNewClientCustom_InvalidArgs(t *testing.T) {
	_, err := NewClientCustom(testAppName, nil, nil)
	assert.ErrorContains(t, err, "valid Transport required")

	_, err = NewClientCustom("", newTestTransport(), nil)
	assert.ErrorContains(t, err, "valid app name required")
}

func TestNewClient_InvalidOptions(t *testing.T) {
	c, err := NewClient(testAppName, &ClientOptions{})
	assert.Nil(t, c)
	assert.ErrorContains(t, err, "invalid ClientOptions")
	assert.ErrorContains(t, err, "valid host required")
}

func TestNewClient_DoesNotShareOptions(t *testing.T) {
	opts := &ClientOptions{MaxMessageLength: -1}
	c := newTestClient(t, newTestTransport(), opts)

	assert.Equal(t, -1, opts.MaxMessageLength)
	assert.Equal(t, defaultMaxMessageLength, c.MaxMessageLength())
	assert.Equal(t, testAppName, c.AppName())
}

func TestClient_redacted(t *testing.T) {
	c := newTestClient(t, newTestTransport(), &ClientOptions{Password: "hunter2"})
	assert.Equal(t, "<redacted>", c.redacted().Password)
	assert.Equal(t, "hunter2", c.opts.Password)
}
