package mqlog

import (
	"errors"
	"time"
)

// Network names accepted by ClientOptions.Network.
const (
	NetworkAMQP  = "amqp"
	NetworkAMQPS = "amqps"
	NetworkBeats = "beats"
)

// OverflowPolicy decides what happens to a record when the backlog is full and
// every worker is busy.
type OverflowPolicy int

const (
	// OverflowDrop discards the record, counting it in Stats.Dropped. Log never
	// waits.
	OverflowDrop OverflowPolicy = iota

	// OverflowCallerRuns publishes the record on the calling goroutine. Log
	// waits for that publish, and these publishes are not counted against
	// MaxWorkers.
	OverflowCallerRuns
)

// ClientOptions are used to customize the Client.
//
// # Invalid options are coerced
//
// Zero values and out-of-range values are replaced with the defaults below.
// Only a missing Host, or the beats network combined with FormatMsgpack, is
// rejected by NewClient.
type ClientOptions struct {

	// Network selects the transport: "amqp", "amqps" (AMQP over TLS), or
	// "beats" (Lumberjack v2, directly to a Logstash beats input). The default
	// is "amqp".
	Network string

	// Host of the broker. Required.
	Host string

	// Port of the broker. When unset, the default follows the Network: 5672
	// for amqp, 5671 for amqps, and 5044 for beats.
	Port int

	// Username and Password are used for AMQP PLAIN authentication. The
	// defaults are "guest" and "guest".
	Username string
	Password string

	// VirtualHost is the AMQP virtual host. The default is "/".
	VirtualHost string

	// Queue is the name of the destination queue. The default is "ELK-LOGS".
	Queue string

	// SourceHost is added to every record as `source_host` when not empty.
	SourceHost string

	// MaxMessageLength is the number of characters kept from a record message
	// before it is truncated. The default is 10000.
	MaxMessageLength int

	// Format is the payload serialization. The beats network requires
	// FormatJSON. The default is FormatJSON.
	Format Format

	// ConnectionMode selects between a new AMQP connection per publish and one
	// shared connection. The default is PerPublish.
	ConnectionMode ConnectionMode

	// MinWorkers is the number of core workers, which live until Shutdown. The
	// default is 2.
	MinWorkers int

	// MaxWorkers bounds the number of workers. Workers above MinWorkers are
	// only started when the backlog is full, and exit after IdleTimeout
	// without work. The default is 4.
	MaxWorkers int

	// IdleTimeout is how long an extra worker waits for work before exiting.
	// The default is 300 seconds.
	IdleTimeout time.Duration

	// QueueDepth sets the capacity of the backlog of records waiting for a
	// worker. This must be > 0. The default is 1000.
	QueueDepth int

	// Overflow decides what to do when the backlog is full and MaxWorkers are
	// busy. The default is OverflowDrop.
	Overflow OverflowPolicy

	// DialTimeout sets the timeout for dialing the broker. The default is 30s.
	DialTimeout time.Duration

	// PublishTimeout bounds each publish attempt: the dial, when it is
	// shorter than DialTimeout, and the publish itself. The AMQP queue declare
	// is not bounded by it. If PublishTimeout < 0, then no timeout will be set.
	// The default is 10 seconds.
	PublishTimeout time.Duration

	// SkipEagerDial disables probing the broker from NewClient.
	SkipEagerDial bool

	// MaxEagerDialTries limits the number of times NewClient will try to reach
	// the broker before giving up and returning an error. The default is 3.
	MaxEagerDialTries int

	// InsecureSkipVerify controls whether a client verifies the server's
	// certificate chain and host name when using amqps.
	InsecureSkipVerify bool

	// Verbose controls whether debug logs are written to the internal logger.
	Verbose bool
}

const (
	defaultNetwork          = NetworkAMQP
	defaultAMQPPort         = 5672
	defaultAMQPSPort        = 5671
	defaultBeatsPort        = 5044
	defaultUsername         = "guest"
	defaultPassword         = "guest"
	defaultVirtualHost      = "/"
	defaultQueue            = "ELK-LOGS"
	defaultMaxMessageLength = 10000
	defaultMinWorkers       = 2
	defaultMaxWorkers       = 4
	defaultIdleTimeout      = time.Second * 300
	defaultQueueDepth       = 1000
	defaultDialTimeout      = time.Second * 30
	defaultPublishTimeout   = time.Second * 10
	defaultEagerDialTries   = 3
)

// DefaultClientOptions returns *ClientOptions with all default values. Host
// is left empty and must be set. Port is left unset, so that it follows the
// Network when resolved.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Network:           defaultNetwork,
		Username:          defaultUsername,
		Password:          defaultPassword,
		VirtualHost:       defaultVirtualHost,
		Queue:             defaultQueue,
		MaxMessageLength:  defaultMaxMessageLength,
		MinWorkers:        defaultMinWorkers,
		MaxWorkers:        defaultMaxWorkers,
		IdleTimeout:       defaultIdleTimeout,
		QueueDepth:        defaultQueueDepth,
		DialTimeout:       defaultDialTimeout,
		PublishTimeout:    defaultPublishTimeout,
		MaxEagerDialTries: defaultEagerDialTries,
	}
}

// resolve ensures that all options have valid values.
func (o *ClientOptions) resolve() {

	// only [amqp|amqps|beats]
	if o.Network != NetworkAMQP && o.Network != NetworkAMQPS && o.Network != NetworkBeats {
		o.Network = defaultNetwork
	}

	// constrain to valid range, defaulting per network
	if o.Port < 1 || o.Port > 65535 {
		switch o.Network {
		case NetworkAMQPS:
			o.Port = defaultAMQPSPort
		case NetworkBeats:
			o.Port = defaultBeatsPort
		default:
			o.Port = defaultAMQPPort
		}
	}

	// credentials are either both given or both defaulted
	if len(o.Username) == 0 && len(o.Password) == 0 {
		o.Username = defaultUsername
		o.Password = defaultPassword
	}

	if len(o.VirtualHost) == 0 {
		o.VirtualHost = defaultVirtualHost
	}

	if len(o.Queue) == 0 {
		o.Queue = defaultQueue
	}

	// must be positive
	if o.MaxMessageLength < 1 {
		o.MaxMessageLength = defaultMaxMessageLength
	}

	if o.Format != FormatJSON && o.Format != FormatMsgpack {
		o.Format = FormatJSON
	}

	if o.ConnectionMode != PerPublish && o.ConnectionMode != SharedConnection {
		o.ConnectionMode = PerPublish
	}

	// at least one core worker, and never fewer max than core workers
	if o.MinWorkers < 1 {
		o.MinWorkers = defaultMinWorkers
	}
	if o.MaxWorkers < 1 {
		o.MaxWorkers = defaultMaxWorkers
	}
	o.MaxWorkers = max(o.MaxWorkers, o.MinWorkers)

	// must be positive
	if o.IdleTimeout < 1 {
		o.IdleTimeout = defaultIdleTimeout
	}

	// must be positive
	if o.QueueDepth < 1 {
		o.QueueDepth = defaultQueueDepth
	}

	if o.Overflow != OverflowDrop && o.Overflow != OverflowCallerRuns {
		o.Overflow = OverflowDrop
	}

	// must be positive
	if o.DialTimeout < 1 {
		o.DialTimeout = defaultDialTimeout
	}

	// can be negative (no deadline) or positive, but not 0
	if o.PublishTimeout == 0 {
		o.PublishTimeout = defaultPublishTimeout
	}

	// must be positive
	if o.MaxEagerDialTries < 1 {
		o.MaxEagerDialTries = defaultEagerDialTries
	}
}

// validate reports the options that cannot be coerced to a sensible default.
// It must run after resolve.
func (o *ClientOptions) validate() error {
	var err error
	if len(o.Host) == 0 {
		err = errors.Join(err, errors.New("valid host required"))
	}
	if o.Network == NetworkBeats && o.Format != FormatJSON {
		err = errors.Join(err, errors.New("beats network requires FormatJSON"))
	}
	return err
}
