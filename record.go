package mqlog

import "time"

const (
	// MaxTitleLength is the number of characters kept from a record title.
	MaxTitleLength = 1000

	// ellipsis is appended to any field cut down to its limit.
	ellipsis = "..."
)

// wire keys of the record payload
const (
	keyAppName       = "app_name"
	keySourceHost    = "source_host"
	keyTime          = "log_time"
	keyLevel         = "log_level"
	keyTitle         = "log_title"
	keyMessage       = "log_message"
	keyCorrelationID = "trace_id"
)

// Record is one log event, ready to encode. Records are immutable once built;
// empty SourceHost, Title and CorrelationID are left out of the payload.
type Record struct {
	AppName       string
	SourceHost    string
	Time          time.Time
	Level         Level
	Title         string
	Message       string
	CorrelationID string
}

// Build assembles a Record from the inputs and the Client configuration,
// truncating the title and message to their limits. It does no I/O. Unknown
// levels are coerced to LevelInfo.
func (c *Client) Build(level Level, title, message, correlationID string) *Record {
	return buildRecord(c.appName, c.opts.SourceHost, c.opts.MaxMessageLength, time.Now(),
		level, title, message, correlationID)
}

func buildRecord(appName, sourceHost string, maxMessageLength int, now time.Time,
	level Level, title, message, correlationID string) *Record {

	if !level.valid() {
		level = LevelInfo
	}

	return &Record{
		AppName:       appName,
		SourceHost:    sourceHost,
		Time:          now.UTC(),
		Level:         level,
		Title:         truncate(title, MaxTitleLength),
		Message:       truncate(message, maxMessageLength),
		CorrelationID: correlationID,
	}
}

// truncate cuts s to its first limit characters (runes, not bytes) and appends
// the ellipsis, so a truncated result is limit+3 characters long.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		// byte length bounds the rune count
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}

// fieldCount is the number of keys the record contributes to the payload.
func (r *Record) fieldCount() int {
	n := 4 // app_name, log_time, log_level, log_message
	if len(r.SourceHost) > 0 {
		n++
	}
	if len(r.Title) > 0 {
		n++
	}
	if len(r.CorrelationID) > 0 {
		n++
	}
	return n
}
