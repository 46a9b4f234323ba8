package scan

import (
	"errors"
	"fmt"

	"github.com/reconpoint/engine/pkg/domain/shared"
)

// Job failure classes. Timeouts and crashes are transient from the
// orchestrator's point of view and qualify for retry; a tool that
// rejected its invocation will reject it again, so it never retries.
var (
	ErrJobTimeout   = errors.New("job timed out")
	ErrJobCrash     = errors.New("job crashed")
	ErrToolRejected = errors.New("tool rejected invocation")
)

// ErrCyclicDependency is returned by BuildPlan when the enabled stages
// cannot be layered because their dependencies form a cycle.
var ErrCyclicDependency = fmt.Errorf("cyclic stage dependency: %w", shared.ErrValidation)

// ErrRunNotActive is returned when aborting a run that already reached a
// terminal status or was never started by this process.
var ErrRunNotActive = fmt.Errorf("scan run not active: %w", shared.ErrConflict)

// IsRetryable reports whether a job failure qualifies for another
// attempt under the stage retry policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrJobTimeout) || errors.Is(err, ErrJobCrash)
}

// TimeoutError wraps cause as a retryable timeout failure.
func TimeoutError(cause error) error {
	if cause == nil {
		return ErrJobTimeout
	}
	return fmt.Errorf("%w: %v", ErrJobTimeout, cause)
}

// CrashError wraps cause as a retryable crash failure. Used for tool
// launch failures and panics recovered at the pool boundary.
func CrashError(cause error) error {
	if cause == nil {
		return ErrJobCrash
	}
	return fmt.Errorf("%w: %v", ErrJobCrash, cause)
}

// RejectedError wraps cause as a permanent failure, typically a
// non-zero exit that indicates bad arguments rather than bad luck.
func RejectedError(cause error) error {
	if cause == nil {
		return ErrToolRejected
	}
	return fmt.Errorf("%w: %v", ErrToolRejected, cause)
}
