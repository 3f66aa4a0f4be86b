package mqlog

import (
	"bytes"
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
)

const (
	testHost    = "127.0.0.1"
	testAppName = "orders-svc"
	waitFor     = 3 * time.Second
	tick        = 5 * time.Millisecond
)

// testTransport is a Transport that records messages rather than send them to
// a broker. Failures can be injected per step, and a non-nil gate makes every
// Publish wait until the gate is closed.
type testTransport struct {
	mu         sync.Mutex
	messages   []*Message
	acquireErr error
	publishErr error
	releaseErr error
	gate       chan struct{}

	active   atomic.Int64 // publishes in progress
	peak     atomic.Int64 // highest value active has reached
	acquired atomic.Int64
	released atomic.Int64
	closed   atomic.Bool
}

func newTestTransport() *testTransport {
	return &testTransport{}
}

func (t *testTransport) setAcquireErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquireErr = err
}

func (t *testTransport) Acquire(ctx context.Context) (Handle, error) {
	t.mu.Lock()
	err := t.acquireErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t.acquired.Add(1)
	return &testHandle{t: t}, nil
}

func (t *testTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *testTransport) sent() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Message(nil), t.messages...)
}

type testHandle struct {
	t *testTransport
}

func (h *testHandle) Publish(ctx context.Context, m *Message) error {
	t := h.t
	n := t.active.Add(1)
	defer t.active.Add(-1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if t.gate != nil {
		<-t.gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}

	// the body belongs to a pooled Encoder; keep a copy
	cp := *m
	cp.Body = append([]byte(nil), m.Body...)
	t.messages = append(t.messages, &cp)
	return nil
}

func (h *testHandle) Release() error {
	h.t.released.Add(1)
	return h.t.releaseErr
}

// newTestClient returns a Client publishing through tt, shut down when the
// test ends.
func newTestClient(t *testing.T, tt *testTransport, opts *ClientOptions) *Client {
	t.Helper()
	if opts == nil {
		opts = &ClientOptions{}
	}
	c, err := NewClientCustom(testAppName, tt, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

// syncBuffer is a bytes.Buffer safe to share between the internal logger and
// a test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureInternalLog redirects the internal logger for the rest of the test.
func captureInternalLog(t *testing.T) *syncBuffer {
	t.Helper()
	prev := InternalLogger()
	buf := &syncBuffer{}
	SetInternalLogger(log.New(buf, "", 0))
	t.Cleanup(func() { SetInternalLogger(prev) })
	return buf
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", testHost+":0")
	require.NoError(t, err)
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

// parseJSON parses a JSON payload, failing the test if it is malformed.
func parseJSON(t *testing.T, b []byte) *fastjson.Value {
	t.Helper()
	v, err := fastjson.ParseBytes(b)
	require.NoError(t, err, "payload: %s", b)
	return v
}
