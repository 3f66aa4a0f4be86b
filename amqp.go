package mqlog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionMode selects how the AMQP transport manages broker connections.
type ConnectionMode int

const (
	// PerPublish opens a new connection and channel for every publish attempt
	// and closes both afterwards. Nothing is shared between workers.
	PerPublish ConnectionMode = iota

	// SharedConnection dials one connection lazily and reuses it across all
	// publish attempts, opening a fresh channel per attempt. A connection found
	// closed is dialed again on the next attempt.
	SharedConnection
)

func (m ConnectionMode) String() string {
	if m == SharedConnection {
		return "shared"
	}
	return "per-publish"
}

// the subset of *amqp.Connection and *amqp.Channel the transport depends on
type amqpConn interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// connAdapter narrows *amqp.Connection to amqpConn.
type connAdapter struct {
	*amqp.Connection
}

func (c connAdapter) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type amqpTransport struct {
	queue string
	mode  ConnectionMode
	dial  func(ctx context.Context) (amqpConn, error)

	mu   sync.Mutex // guards conn; held across the dial in SharedConnection mode
	conn amqpConn
}

func newAMQPTransport(appName string, opts *ClientOptions) *amqpTransport {
	uri := amqp.URI{
		Scheme:   opts.Network,
		Host:     opts.Host,
		Port:     opts.Port,
		Username: opts.Username,
		Password: opts.Password,
		Vhost:    opts.VirtualHost,
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(appName)

	cfg := amqp.Config{
		Vhost:      opts.VirtualHost,
		Properties: props,
	}
	if opts.Network == NetworkAMQPS {
		cfg.TLSClientConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	url := uri.String()
	return &amqpTransport{
		queue: opts.Queue,
		mode:  opts.ConnectionMode,
		dial: func(ctx context.Context) (amqpConn, error) {
			timeout, err := dialTimeout(ctx, opts.DialTimeout)
			if err != nil {
				return nil, fmt.Errorf("failed to dial broker at %s:%d over %s: %w", opts.Host, opts.Port, opts.Network, err)
			}
			c := cfg
			c.Dial = amqp.DefaultDial(timeout)
			conn, err := amqp.DialConfig(url, c)
			if err != nil {
				return nil, fmt.Errorf("failed to dial broker at %s:%d over %s: %w", opts.Host, opts.Port, opts.Network, err)
			}
			return connAdapter{conn}, nil
		},
	}
}

// Acquire opens a channel, on a new connection or the shared one depending on
// the mode, and declares the destination queue on it. A deadline on ctx
// shortens the dial timeout; the queue declare is bounded by the broker only.
func (t *amqpTransport) Acquire(ctx context.Context) (Handle, error) {
	if t.mode == SharedConnection {
		conn, err := t.sharedConn(ctx)
		if err != nil {
			return nil, err
		}
		h, err := t.open(conn)
		if err != nil {
			if errors.Is(err, amqp.ErrClosed) {
				t.discard(conn)
			}
			return nil, err
		}
		return h, nil
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	h, err := t.open(conn)
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close connection: %w", cerr))
		}
		return nil, err
	}
	h.conn = conn
	return h, nil
}

// sharedConn returns the live shared connection, dialing a new one if none
// exists yet or the previous one was closed.
func (t *amqpTransport) sharedConn(ctx context.Context) (amqpConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}

	conn, err := t.dial(ctx)
	if err != nil {
		t.conn = nil
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// discard forgets conn if it is still the shared connection, so the next
// Acquire dials again.
func (t *amqpTransport) discard(conn amqpConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
		if err := conn.Close(); err != nil {
			InternalLogger().Printf("failed to close stale shared connection: %v", err)
		}
	}
}

func (t *amqpTransport) open(conn amqpConn) (*amqpHandle, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// non-durable, non-auto-delete, non-exclusive; a no-op if already declared
	_, err = ch.QueueDeclare(t.queue, false, false, false, false, nil)
	if err != nil {
		// a failed declare closes the channel broker-side; Close only reports that
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", t.queue, err)
	}

	return &amqpHandle{ch: ch}, nil
}

// Close closes the shared connection, if any.
func (t *amqpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	if conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close shared connection: %w", err)
	}
	return nil
}

type amqpHandle struct {
	ch   amqpChannel
	conn amqpConn // set only when the handle owns its connection
}

func (h *amqpHandle) Publish(ctx context.Context, m *Message) error {
	err := h.ch.PublishWithContext(ctx, "", m.Queue, false, false, amqp.Publishing{
		ContentType:   m.ContentType,
		DeliveryMode:  amqp.Transient,
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		AppId:         m.AppID,
		Timestamp:     m.Timestamp,
		Body:          m.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", m.Queue, err)
	}
	return nil
}

// Release closes the channel, and the connection if the handle owns it. Both
// are attempted even if the first close fails.
func (h *amqpHandle) Release() error {
	var err error
	if cerr := h.ch.Close(); cerr != nil {
		err = fmt.Errorf("failed to close channel: %w", cerr)
	}
	if h.conn != nil {
		if cerr := h.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close connection: %w", cerr))
		}
	}
	return err
}
