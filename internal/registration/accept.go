package registration

import (
	"fmt"

	"github.com/banshee-data/depthfuse/internal/pose"
)

// Accept decides whether candidate may replace previous. The residual must
// be below maxResidual, and when a previous transform exists it must not be
// worse than the previous residual by more than hysteresis. Both residuals
// must be measured on the same batch. A rejection wraps
// ErrRegistrationRejected.
func Accept(candidate Result, previous *pose.Transform, maxResidual, hysteresis float64) error {
	if candidate.Residual >= maxResidual {
		return fmt.Errorf("residual %.4fm not below %.4fm: %w", candidate.Residual, maxResidual, ErrRegistrationRejected)
	}
	if previous != nil && candidate.Residual > previous.Residual+hysteresis {
		return fmt.Errorf("residual %.4fm worse than current %.4fm by more than %.4fm: %w",
			candidate.Residual, previous.Residual, hysteresis, ErrRegistrationRejected)
	}
	return nil
}
