package mqlog

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/valyala/fastjson"
	"github.com/vmihailenco/msgpack/v5"
)

// EncoderPool defines a shared *Encoder pool, used to minimize heap
// allocations on the publish path.
type EncoderPool struct {
	p sync.Pool
	*EncoderOptions
}

// NewEncoderPool creates a shared *Encoder pool. A nil opts uses the defaults.
func NewEncoderPool(opts *EncoderOptions) *EncoderPool {
	if opts == nil {
		opts = DefaultEncoderOptions()
	} else {
		opts.resolve()
	}

	ep := &EncoderPool{EncoderOptions: opts}
	ep.p = sync.Pool{
		New: func() any {
			enc := NewEncoder(opts.NewBufferCap)
			enc.p = ep
			return enc
		},
	}
	return ep
}

// Get returns an empty Encoder.
func (p *EncoderPool) Get() *Encoder {
	return p.p.Get().(*Encoder)
}

// Put resets an Encoder and returns it to the shared pool.
func (p *EncoderPool) Put(e *Encoder) {

	// drop if the buffer got too large
	if e.Buffer.Cap() > p.MaxBufferCap {
		return
	}

	// reset for the next usage
	e.Buffer.Reset()
	e.Encoder.Reset(e.Buffer)
	e.arena.Reset()
	e.scratch = e.scratch[:0]

	p.p.Put(e)
}

// Encoder bundles a msgpack encoder and a fastjson arena with the bytes.Buffer
// they both write into.
type Encoder struct {
	*bytes.Buffer
	*msgpack.Encoder
	arena   fastjson.Arena
	scratch []byte
	p       *EncoderPool
}

// NewEncoder returns a newly allocated Encoder.
func NewEncoder(bufferCap int) *Encoder {
	buf := bytes.NewBuffer(make([]byte, 0, bufferCap))
	return &Encoder{
		Buffer:  buf,
		Encoder: msgpack.NewEncoder(buf),
	}
}

// Free returns the encoder to the shared pool after eagerly resetting it.
// Encoders not obtained from a pool are left to the garbage collector.
func (e *Encoder) Free() {
	if e.p != nil {
		e.p.Put(e)
	}
}

// Format returns the payload format of the Encoder's pool, or FormatJSON for
// a raw Encoder.
func (e *Encoder) Format() Format {
	if e.p == nil {
		return FormatJSON
	}
	return e.p.EncoderOptions.Format
}

// EncodeRecord appends the serialized record to the Encoder's buffer, using
// the pool's Format. Keys are written in a stable order and empty optional
// fields are omitted.
func (e *Encoder) EncodeRecord(r *Record) error {
	if e.Format() == FormatMsgpack {
		return e.encodeMsgpack(r)
	}
	return e.encodeJSON(r)
}

func (e *Encoder) encodeJSON(r *Record) error {
	a := &e.arena
	o := a.NewObject()

	o.Set(keyAppName, a.NewString(r.AppName))
	if len(r.SourceHost) > 0 {
		o.Set(keySourceHost, a.NewString(r.SourceHost))
	}
	o.Set(keyTime, a.NewString(Timestamp(r.Time).String()))
	o.Set(keyLevel, a.NewString(r.Level.String()))
	if len(r.Title) > 0 {
		o.Set(keyTitle, a.NewString(r.Title))
	}
	o.Set(keyMessage, a.NewString(r.Message))
	if len(r.CorrelationID) > 0 {
		o.Set(keyCorrelationID, a.NewString(r.CorrelationID))
	}

	e.scratch = o.MarshalTo(e.scratch[:0])
	if _, err := e.Buffer.Write(e.scratch); err != nil {
		return fmt.Errorf("failed to buffer JSON record: %w", err)
	}
	return nil
}

func (e *Encoder) encodeMsgpack(r *Record) error {
	errs := new(encErrs)

	errs.join("record length", e.EncodeMapLen(r.fieldCount()))

	errs.join("app name", e.encodeKV(keyAppName, r.AppName))
	if len(r.SourceHost) > 0 {
		errs.join("source host", e.encodeKV(keySourceHost, r.SourceHost))
	}

	ts := Timestamp(r.Time)
	errs.join("log time key", e.EncodeString(keyTime))
	errs.join("log time", e.Encode(&ts))

	errs.join("log level", e.encodeKV(keyLevel, r.Level.String()))
	if len(r.Title) > 0 {
		errs.join("log title", e.encodeKV(keyTitle, r.Title))
	}
	errs.join("log message", e.encodeKV(keyMessage, r.Message))
	if len(r.CorrelationID) > 0 {
		errs.join("trace id", e.encodeKV(keyCorrelationID, r.CorrelationID))
	}

	return errs.err
}

func (e *Encoder) encodeKV(k, v string) error {
	return errors.Join(e.EncodeString(k), e.EncodeString(v))
}

// encErrs collects serialization errors
type encErrs struct {
	err error
}

func (e *encErrs) join(target string, err error) (wasErr bool) {
	if err == nil {
		return false
	}
	e.err = errors.Join(e.err, fmt.Errorf("failed to encode %s: %w", target, err))
	return true
}
