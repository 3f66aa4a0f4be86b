package mqlog

import "fmt"

// Level is the severity attached to a log record. The wire value is the
// lowercase name returned by String.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelTrace
	LevelWarn
	LevelError
)

var levelNames = [...]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelTrace: "trace",
	LevelWarn:  "warn",
	LevelError: "error",
}

// String returns the wire name of the level.
func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// valid reports whether l is one of the defined levels.
func (l Level) valid() bool {
	return l >= LevelDebug && l <= LevelError
}
