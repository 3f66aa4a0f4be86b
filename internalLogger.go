package mqlog

import (
	"log"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var internalLogger atomic.Value

func init() {
	internalLogger.Store(log.New(os.Stderr, "[mqlog] ", log.LstdFlags))
}

// InternalLogger returns the Logger used to write out internal logs, where logs
// get written when something goes wrong in the logging stack itself. Nothing
// the Client does is reported to its callers; this is the only place publish,
// release, overflow, and configuration failures become visible.
func InternalLogger() *log.Logger { return internalLogger.Load().(*log.Logger) }

// SetInternalLogger makes l the internal logger.
func SetInternalLogger(l *log.Logger) {
	internalLogger.Store(l)
}

// sampledLogger writes to the internal logger at most once per interval, plus
// a small burst, and reports how many lines it suppressed in between. It keeps
// a saturated Client from flooding stderr with one line per dropped record.
type sampledLogger struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func newSampledLogger(every time.Duration, burst int) *sampledLogger {
	return &sampledLogger{limiter: rate.NewLimiter(rate.Every(every), burst)}
}

func (s *sampledLogger) Printf(format string, args ...any) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	if n := s.suppressed.Swap(0); n > 0 {
		InternalLogger().Printf("(%d similar lines suppressed)", n)
	}
	InternalLogger().Printf(format, args...)
}
