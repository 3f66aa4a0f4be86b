package mqlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// The package-level functions below manage one process-wide Client, for
// applications that prefer a global logger over passing a *Client around.
// None of them return errors or panic: configuration failures are written to
// the internal logger, and logging before a successful Init does nothing.

var (
	defaultClient atomic.Pointer[Client]
	initMu        sync.Mutex // serializes Init so only one Client is ever installed
)

// Init is InitWith with no source host and the default message length.
func Init(appName string, opts *ClientOptions) {
	InitWith(appName, "", opts, 0)
}

// InitWith configures the process-wide Client. Only the first successful call
// has any effect; later calls return silently without changing anything.
//
// sourceHost, when not empty, overrides opts.SourceHost, and a positive
// maxMessageLength overrides opts.MaxMessageLength. The broker is never
// contacted from InitWith: SkipEagerDial is always set, so an unreachable
// broker shows up as failed publishes rather than a missing Client. If the
// options are invalid, the error is written to the internal logger and the
// package stays uninitialized, so a later call with a valid configuration can
// still succeed.
func InitWith(appName, sourceHost string, opts *ClientOptions, maxMessageLength int) {
	initMu.Lock()
	defer initMu.Unlock()

	if defaultClient.Load() != nil {
		return
	}

	var o ClientOptions
	if opts == nil {
		o = *DefaultClientOptions()
	} else {
		o = *opts
	}
	if len(sourceHost) > 0 {
		o.SourceHost = sourceHost
	}
	if maxMessageLength > 0 {
		o.MaxMessageLength = maxMessageLength
	}
	o.SkipEagerDial = true

	c, err := NewClient(appName, &o)
	if err != nil {
		InternalLogger().Printf("failed to initialize the process-wide Client: %v", err)
		return
	}
	defaultClient.Store(c)

	announce := fmt.Sprintf("mqlog has been initialized and the message max length has been set to %d", c.MaxMessageLength())
	c.debug("%s", announce)
	c.Log(LevelInfo, "", announce, "")
}

// Default returns the process-wide Client, or nil before a successful Init.
func Default() *Client {
	return defaultClient.Load()
}

// Log publishes a record through the process-wide Client. It is a no-op
// before a successful Init.
func Log(level Level, title, message, correlationID string) {
	defaultClient.Load().Log(level, title, message, correlationID)
}

// LogTitled is Log without a correlation id.
func LogTitled(level Level, title, message string) {
	Log(level, title, message, "")
}

// LogMessage is Log with only a message.
func LogMessage(level Level, message string) {
	Log(level, "", message, "")
}

// Shutdown drains and stops the process-wide Client. The package stays
// initialized; later Log calls are counted as dropped. Calling it is optional.
func Shutdown(ctx context.Context) error {
	c := defaultClient.Load()
	if c == nil {
		return nil
	}
	return c.Shutdown(ctx)
}
