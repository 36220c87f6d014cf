package pool

import (
	"context"
	"errors"

	"github.com/xypriss/xypriss/xyerrors"
)

// shouldRetry decides whether a failed task execution is retried. Errors
// classified via xyerrors follow their Kind's retry policy; a bare
// context.DeadlineExceeded (a task that didn't wrap its own timeout) is
// treated the same as xyerrors' KindTimeout, since both tiers default
// timeouts to retryable.
func shouldRetry(err error) bool {
	if xyerrors.Retryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
