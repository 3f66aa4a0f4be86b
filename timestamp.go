package mqlog

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TimeLayout is the layout used for the `log_time` field. It is fixed-width
// and always UTC, so rendered timestamps sort lexicographically.
//
//	2024-03-09T07:04:05.000123Z
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp is the log time of a Record. It renders as a TimeLayout string in
// every payload format, including msgpack, where it would otherwise become the
// msgpack time extension type that most ingestion pipelines do not understand.
type Timestamp time.Time

// compile-time check for msgpack Custom[En|De]coder conformance
var _ msgpack.CustomEncoder = (*Timestamp)(nil)
var _ msgpack.CustomDecoder = (*Timestamp)(nil)

// String renders the timestamp in UTC using TimeLayout.
func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(TimeLayout)
}

// EncodeMsgpack serializes *Timestamp values as TimeLayout strings.
func (t *Timestamp) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(t.String()); err != nil {
		return fmt.Errorf("failed to encode Timestamp: %w", err)
	}
	return nil
}

// DecodeMsgpack deserializes *Timestamp values from TimeLayout strings.
func (t *Timestamp) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("failed to decode Timestamp: %w", err)
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return fmt.Errorf("failed to parse Timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed.UTC())
	return nil
}
