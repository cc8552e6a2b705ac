package pipeline

import (
	"errors"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/clocksync"
	"github.com/banshee-data/depthfuse/internal/registration"
)

// Error taxonomy. Only ErrResourceExhausted is returned from Session.Run;
// the others are non-fatal and surface through Diagnostics.
var (
	ErrDeviceUnavailable    = capture.ErrDeviceUnavailable
	ErrTickIncomplete       = clocksync.ErrTickIncomplete
	ErrRegistrationFailed   = registration.ErrRegistrationFailed
	ErrRegistrationRejected = registration.ErrRegistrationRejected
	ErrComputeTimeout       = registration.ErrComputeTimeout

	// ErrResourceExhausted reports that the session could not acquire what
	// it needs to run at all: no devices, or the reference device failed.
	ErrResourceExhausted = errors.New("resource exhausted")
)
