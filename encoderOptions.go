package mqlog

// Format is the serialization used for record payloads.
type Format int

const (
	// FormatJSON encodes records as UTF-8 JSON objects. This is the format
	// Logstash's rabbitmq input expects by default.
	FormatJSON Format = iota

	// FormatMsgpack encodes records as msgpack maps with string values.
	FormatMsgpack
)

// ContentType returns the MIME type advertised with payloads of this format.
func (f Format) ContentType() string {
	if f == FormatMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// EncoderOptions are used to customize the Encoders and the Encoder pool.
//
// NB: The struct pointer options approach is used to be consistent with
// ClientOptions.
type EncoderOptions struct {
	// Format is the payload serialization applied to every Encoder from one
	// shared EncoderPool. The default is FormatJSON.
	Format Format

	// NewBufferCap sets the capacity, in bytes, for newly created Encoder
	// buffers. The minimum value is 64 bytes. The default is 1KiB (1<<10).
	NewBufferCap int

	// MaxBufferCap sets the maximum buffer capacity, in bytes, beyond which an
	// Encoder will not be returned to the shared Encoder pool, to prevent rare,
	// unusually large buffers from staying resident in memory. The minimum
	// value is the `NewBufferCap`. The default is 64KiB (1<<16), large enough
	// for a record carrying a full default-length message.
	MaxBufferCap int
}

const (
	minBufferCap        = 64
	defaultNewBufferCap = 1 << 10
	defaultMaxBufferCap = 1 << 16
)

// DefaultEncoderOptions returns *EncoderOptions with all default values.
func DefaultEncoderOptions() *EncoderOptions {
	return &EncoderOptions{
		Format:       FormatJSON,
		NewBufferCap: defaultNewBufferCap,
		MaxBufferCap: defaultMaxBufferCap,
	}
}

// resolve ensures that all options have valid values.
func (o *EncoderOptions) resolve() {
	if o.Format != FormatJSON && o.Format != FormatMsgpack {
		o.Format = FormatJSON
	}
	if o.NewBufferCap == 0 {
		o.NewBufferCap = defaultNewBufferCap
	}
	if o.MaxBufferCap == 0 {
		o.MaxBufferCap = defaultMaxBufferCap
	}
	o.NewBufferCap = max(o.NewBufferCap, minBufferCap)
	o.MaxBufferCap = max(o.NewBufferCap, o.MaxBufferCap)
}
