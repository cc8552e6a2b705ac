package sqlite

import (
	"strings"
	"time"
)

const (
	busyRetries   = 5
	busyBaseDelay = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a lock contention error worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn, retrying with exponential backoff while it fails
// with SQLITE_BUSY. Other errors are returned immediately.
func retryOnBusy(fn func() error) error {
	var err error
	delay := busyBaseDelay
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		if attempt < busyRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
