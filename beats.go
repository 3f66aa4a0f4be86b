package mqlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	lumberjack "github.com/elastic/go-lumber/client/v2"
)

// beatsTransport publishes records straight to a Logstash beats input, using
// the Lumberjack v2 protocol. Every publish attempt gets its own connection.
type beatsTransport struct {
	addr    string
	timeout time.Duration
}

func newBeatsTransport(opts *ClientOptions) *beatsTransport {
	return &beatsTransport{
		addr:    net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		timeout: opts.DialTimeout,
	}
}

// Acquire dials a new connection. A deadline on ctx shortens the timeout,
// which go-lumber applies to the dial and to every later read and write.
func (t *beatsTransport) Acquire(ctx context.Context) (Handle, error) {
	timeout, err := dialTimeout(ctx, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial beats server at %s: %w", t.addr, err)
	}
	c, err := lumberjack.SyncDial(t.addr,
		lumberjack.CompressionLevel(0),
		lumberjack.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial beats server at %s: %w", t.addr, err)
	}
	return &beatsHandle{client: c}, nil
}

// Close is a no-op; connections live only as long as their Handle.
func (t *beatsTransport) Close() error { return nil }

type beatsHandle struct {
	client *lumberjack.SyncClient
}

// Publish sends the JSON body as a single event. Beats has no queue concept;
// the queue name only shows up in errors.
func (h *beatsHandle) Publish(_ context.Context, m *Message) error {
	n, err := h.client.Send([]interface{}{json.RawMessage(m.Body)})
	if err != nil {
		return fmt.Errorf("failed to send event for %s: %w", m.Queue, err)
	}
	if n != 1 {
		return fmt.Errorf("failed to send event for %s: server acknowledged %d events", m.Queue, n)
	}
	return nil
}

func (h *beatsHandle) Release() error {
	if err := h.client.Close(); err != nil {
		return fmt.Errorf("failed to close beats connection: %w", err)
	}
	return nil
}
