package monitoring

import (
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle emits at most one log line per interval. The first call always
// logs. Safe for concurrent use.
type Throttle struct {
	s rate.Sometimes
}

// NewThrottle returns a Throttle allowing one line every interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{s: rate.Sometimes{Interval: interval}}
}

// Logf logs through the package logger unless a line was already emitted
// within the current interval.
func (t *Throttle) Logf(format string, v ...interface{}) {
	t.s.Do(func() { Logf(format, v...) })
}
