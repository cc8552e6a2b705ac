// Package monitoring holds the process-wide diagnostic hooks: the package
// logger used by every library package and the Prometheus metrics registry.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var verbose atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetVerbose toggles Debugf output.
func SetVerbose(on bool) { verbose.Store(on) }

// Debugf logs through Logf only when verbose logging is enabled. Per-tick and
// per-iteration messages go here so the capture path stays quiet by default.
func Debugf(format string, v ...interface{}) {
	if verbose.Load() {
		Logf(format, v...)
	}
}
