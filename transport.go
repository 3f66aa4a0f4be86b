package mqlog

import (
	"context"
	"time"
)

// dialTimeout returns the smaller of limit and the time left before the ctx
// deadline, or an error if ctx is already done.
func dialTimeout(ctx context.Context, limit time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit, nil
	}
	left := time.Until(deadline)
	if left <= 0 {
		return 0, context.DeadlineExceeded
	}
	return min(limit, left), nil
}

// Message is one encoded record, addressed to a destination queue.
type Message struct {
	Queue         string
	Body          []byte
	ContentType   string
	MessageID     string
	CorrelationID string
	AppID         string
	Timestamp     time.Time
}

// Transport hands out Handles to the broker. The Client calls Acquire once per
// publish attempt, from any number of worker goroutines concurrently, so
// implementations must be safe for concurrent use.
type Transport interface {
	// Acquire returns a Handle ready to publish to the configured queue,
	// declaring the queue first if the broker requires it.
	Acquire(ctx context.Context) (Handle, error)

	// Close releases anything the Transport holds between publish attempts.
	Close() error
}

// Handle is a leased, single-use channel to the broker. Release must be called
// exactly once, whether or not Publish succeeded.
type Handle interface {
	Publish(ctx context.Context, m *Message) error
	Release() error
}

// newTransport builds the Transport selected by opts.Network.
func newTransport(appName string, opts *ClientOptions) (Transport, error) {
	switch opts.Network {
	case NetworkBeats:
		return newBeatsTransport(opts), nil
	default:
		return newAMQPTransport(appName, opts), nil
	}
}
