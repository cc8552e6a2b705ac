// Package registration estimates the rigid transform of each secondary
// device relative to the reference device and keeps it refreshed.
package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationFailed reports that alignment did not converge within
	// bounds. The device stays unregistered until a later cycle succeeds.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrRegistrationRejected reports a computed transform that failed the
	// acceptance criteria. The previous transform is kept.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrComputeTimeout reports a cycle aborted at its deadline. It matches
	// ErrRegistrationFailed under errors.Is.
	ErrComputeTimeout = fmt.Errorf("compute timeout: %w", ErrRegistrationFailed)
)
