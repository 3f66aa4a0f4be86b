package mqlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitdabbler/backoff"
	"github.com/google/uuid"
)

// task is one record waiting to be published. It is consumed exactly once and
// never retried.
type task struct {
	rec *Record
}

type worker struct {
	*Client
	id   int
	core bool
}

// Stats are local counters describing what the Client did with the records it
// was given. They are the only trace of records lost to failures or overflow.
type Stats struct {
	// Submitted counts every record passed to Log.
	Submitted uint64

	// Published counts records the broker accepted.
	Published uint64

	// Failed counts records lost to encoding, connection, or publish errors.
	Failed uint64

	// Dropped counts records discarded because the backlog was full, or
	// because the Client was already shut down.
	Dropped uint64
}

// Client ships log records to a broker queue in the background. It owns a
// bounded backlog and an elastic pool of MinWorkers to MaxWorkers worker
// goroutines; each worker publishes one record at a time over a Handle leased
// from the Transport.
//
// A Client is safe for concurrent use. Its configuration is fixed at
// construction.
type Client struct {
	opts      *ClientOptions
	appName   string
	transport Transport
	encoders  *EncoderPool
	tasks     chan *task

	mu     sync.RWMutex // guards closed, and the tasks channel against close
	closed bool

	poolMu   sync.Mutex // guards nWorkers and nextID
	nWorkers int
	nextID   int
	wg       sync.WaitGroup

	overflowLog *sampledLogger

	submitted atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewClient creates a new Client for the application appName and, unless
// SkipEagerDial is set, checks that the broker is reachable, returning an
// error if it is not.
func NewClient(appName string, opts *ClientOptions) (*Client, error) {
	return NewClientContext(context.Background(), appName, opts)
}

// NewClientContext creates a new Client. The Context bounds the eager
// reachability check only; it has no effect on the Client once returned.
func NewClientContext(ctx context.Context, appName string, opts *ClientOptions) (*Client, error) {
	opts = resolveClientOptions(opts)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid ClientOptions: %w", err)
	}

	t, err := newTransport(appName, opts)
	if err != nil {
		return nil, err
	}

	return newClient(ctx, appName, t, opts)
}

// NewClientCustom creates a Client that publishes through a caller-supplied
// Transport. The connection-related ClientOptions (Network, Host, Port,
// credentials, ConnectionMode) are ignored.
func NewClientCustom(appName string, t Transport, opts *ClientOptions) (*Client, error) {
	if t == nil {
		return nil, errors.New("valid Transport required")
	}
	return newClient(context.Background(), appName, t, resolveClientOptions(opts))
}

// resolveClientOptions returns a resolved copy, so the Client never shares
// its configuration with the caller.
func resolveClientOptions(opts *ClientOptions) *ClientOptions {
	if opts == nil {
		return DefaultClientOptions()
	}
	o := *opts
	o.resolve()
	return &o
}

func newClient(ctx context.Context, appName string, t Transport, opts *ClientOptions) (*Client, error) {

	if len(appName) == 0 {
		return nil, errors.New("valid app name required")
	}

	c := &Client{
		opts:      opts,
		appName:   appName,
		transport: t,
		encoders: NewEncoderPool(&EncoderOptions{
			Format:       opts.Format,
			MaxBufferCap: maxPayloadBytes(opts.MaxMessageLength),
		}),
		tasks:       make(chan *task, opts.QueueDepth),
		overflowLog: newSampledLogger(time.Second*10, 1),
	}

	c.debug("starting Client with the resolved ClientOptions: %+v", c.redacted())

	if !opts.SkipEagerDial {
		if err := c.tryConnect(ctx, opts.MaxEagerDialTries); err != nil {
			if cerr := t.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return nil, err
		}
	}

	// core workers
	for i := 0; i < opts.MinWorkers; i++ {
		c.startWorker(nil, true)
	}

	return c, nil
}

// maxPayloadBytes bounds the encoded size of a record whose fields are at their
// limits, assuming up to 4 bytes per character plus room for the other fields.
func maxPayloadBytes(maxMessageLength int) int {
	return max(defaultMaxBufferCap, 4*(maxMessageLength+MaxTitleLength)+1024)
}

// tryConnect probes the broker until a Handle can be acquired and released,
// or maxAttempts probes have failed.
func (c *Client) tryConnect(ctx context.Context, maxAttempts int) error {
	c.debug("attempting to reach broker\n")

	b, err := backoff.New(
		backoff.WithInitialDelay(0),
		backoff.WithExponentialLimit(time.Second*5),
	)
	if err != nil {
		return err
	}

	for i := 1; ; i++ {
		err = c.probe(ctx)
		if err == nil {
			c.debug("successfully reached broker\n")
			return nil
		}

		c.debug("failed to reach broker on attempt %d: %v\n", i, err)

		if i >= maxAttempts || ctx.Err() != nil {
			break
		}

		b.Sleep()
	}

	return fmt.Errorf("failed to reach broker; maxAttempts reached: %d: %w", maxAttempts, err)
}

func (c *Client) probe(ctx context.Context) error {
	h, err := c.transport.Acquire(ctx)
	if err != nil {
		return err
	}
	return h.Release()
}

// startWorker adds a worker to the pool unless MaxWorkers are already running.
// A non-nil first task is published before the worker reads from the backlog.
func (c *Client) startWorker(first *task, core bool) bool {
	c.poolMu.Lock()
	if c.nWorkers >= c.opts.MaxWorkers {
		c.poolMu.Unlock()
		return false
	}
	c.nWorkers++
	c.nextID++
	w := &worker{Client: c, id: c.nextID, core: core}
	c.wg.Add(1)
	c.poolMu.Unlock()

	go w.run(first)
	return true
}

func (w *worker) run(first *task) {
	defer w.exit()

	if first != nil {
		w.publish(w.id, first)
	}

	// core workers loop until the backlog channel closes
	if w.core {
		for t := range w.tasks {
			w.publish(w.id, t)
		}
		w.debug("backlog closed; returning from worker goroutine\n")
		return
	}

	idle := time.NewTimer(w.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				w.debug("backlog closed; returning from worker goroutine\n")
				return
			}
			w.publish(w.id, t)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.opts.IdleTimeout)

		case <-idle.C:
			w.debug("idle for %s; returning from worker goroutine\n", w.opts.IdleTimeout)
			return
		}
	}
}

func (w *worker) exit() {
	w.poolMu.Lock()
	w.nWorkers--
	w.poolMu.Unlock()
	w.wg.Done()
}

// publish runs one publish attempt: encode, acquire, publish, release. Every
// failure is logged and counted here; nothing is returned or retried. The id
// is the worker id, or 0 when the caller runs the task itself.
func (c *Client) publish(id int, t *task) {
	defer func() {
		if r := recover(); r != nil {
			c.failed.Add(1)
			c.reportError(id, "recovered from panic while publishing: %v\n", r)
		}
	}()

	enc := c.encoders.Get()
	defer enc.Free()

	if err := enc.EncodeRecord(t.rec); err != nil {
		c.failed.Add(1)
		c.reportError(id, "failed to encode record: %v\n", err)
		return
	}

	ctx := context.Background()
	if c.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.PublishTimeout)
		defer cancel()
	}

	h, err := c.transport.Acquire(ctx)
	if err != nil {
		c.failed.Add(1)
		c.reportError(id, "failed to acquire handle for queue %s: %v\n", c.opts.Queue, err)
		return
	}

	// released on every path, and reported apart from any publish error
	defer func() {
		if err := h.Release(); err != nil {
			c.reportError(id, "failed to release handle for queue %s: %v\n", c.opts.Queue, err)
		}
	}()

	err = h.Publish(ctx, &Message{
		Queue:         c.opts.Queue,
		Body:          enc.Bytes(),
		ContentType:   enc.Format().ContentType(),
		MessageID:     uuid.NewString(),
		CorrelationID: t.rec.CorrelationID,
		AppID:         c.appName,
		Timestamp:     t.rec.Time,
	})
	if err != nil {
		c.failed.Add(1)
		c.reportError(id, "failed to publish record: %v\n", err)
		return
	}

	c.published.Add(1)
}

// Log builds a record and hands it to the worker pool. It never returns an
// error, never panics, and never waits on the network, except under
// OverflowCallerRuns when the pool is saturated. Records may be lost; see
// Stats and the internal logger for why.
//
// Log on a nil *Client is a no-op.
func (c *Client) Log(level Level, title, message, correlationID string) {
	if c == nil {
		return
	}
	c.submit(&task{rec: c.Build(level, title, message, correlationID)})
}

// submit places the task into the backlog. When the backlog is full it starts
// an extra worker for the task if the pool is below MaxWorkers, and otherwise
// applies the Overflow policy.
func (c *Client) submit(t *task) {
	c.submitted.Add(1)

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.dropped.Add(1)
		c.debug("Client is shut down: dropping record")
		return
	}

	select {
	case c.tasks <- t:
		c.mu.RUnlock()
		return
	default:
	}

	started := c.startWorker(t, false)
	c.mu.RUnlock()
	if started {
		return
	}

	switch c.opts.Overflow {
	case OverflowCallerRuns:
		c.debug("full backlog: publishing on the calling goroutine: queue depth: %d", c.opts.QueueDepth)
		c.publish(0, t)
	default:
		c.dropped.Add(1)
		c.overflowLog.Printf("full backlog: dropping record: queue depth: %d, workers: %d", c.opts.QueueDepth, c.opts.MaxWorkers)
	}
}

// Stats returns a snapshot of the Client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Published: c.published.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// AppName returns the application name stamped on every record.
func (c *Client) AppName() string { return c.appName }

// MaxMessageLength returns the resolved message truncation limit.
func (c *Client) MaxMessageLength() int { return c.opts.MaxMessageLength }

// Shutdown is used to support graceful shutdown. It closes the backlog, so
// records logged afterwards are dropped, then blocks until the backlog is
// fully drained and all worker goroutines have stopped, or the context
// expires, whichever occurs first. The Transport is closed once the workers
// are done.
//
// Calling Shutdown is optional; records still queued when the process exits
// are lost.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.tasks)
	c.mu.Unlock()

	c.debug("backlog closed; publishing previously enqueued records")

	doneCh := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
		c.debug("backlog successfully drained")
		return c.transport.Close()
	}
}

// redacted returns a copy of the options that is safe to log.
func (c *Client) redacted() ClientOptions {
	o := *c.opts
	if len(o.Password) > 0 {
		o.Password = "<redacted>"
	}
	return o
}

// internal logging helpers:
func (c *Client) debug(format string, args ...any) {
	if !c.opts.Verbose {
		return
	}
	InternalLogger().Printf(format, args...)
}

func (w *worker) debug(format string, args ...any) {
	if !w.opts.Verbose {
		return
	}
	args = append([]any{w.id}, args...)
	InternalLogger().Printf("worker %d: "+format, args...)
}

func (c *Client) reportError(id int, format string, args ...any) {
	if id == 0 {
		InternalLogger().Printf("caller: "+format, args...)
		return
	}
	args = append([]any{id}, args...)
	InternalLogger().Printf("worker %d: "+format, args...)
}
