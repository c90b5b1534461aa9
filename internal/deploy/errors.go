package deploy

import (
	"fmt"

	"github.com/edvin/bluegreen/internal/model"
)

// AmbiguousStateError means zero or both environments look active. The
// orchestrator never guesses; this requires manual intervention.
type AmbiguousStateError struct {
	Running []string
}

func (e *AmbiguousStateError) Error() string {
	if len(e.Running) == 0 {
		return "ambiguous state: no environment is running"
	}
	return fmt.Sprintf("ambiguous state: multiple environments running: %v", e.Running)
}

// AuthenticationError means registry authentication failed. Nothing has
// been mutated yet.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("registry authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ArtifactNotFoundError means the requested artifact reference does not
// exist in the registry. Nothing has been mutated yet.
type ArtifactNotFoundError struct {
	Ref string
	Err error
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact %s not found: %v", e.Ref, e.Err)
}

func (e *ArtifactNotFoundError) Unwrap() error { return e.Err }

// LaunchError means the target environment's container failed to start.
type LaunchError struct {
	Container string
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Container, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HealthCheckTimeoutError means the target never reported healthy within
// the attempt budget. The target is torn down; no traffic switch happens.
type HealthCheckTimeoutError struct {
	Container string
	Last      model.HealthState
	Err       error
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("health gate on %s exhausted: last observation %s", e.Container, e.Last)
}

func (e *HealthCheckTimeoutError) Unwrap() error { return e.Err }

// RoutingValidationError means the staged routing config failed its
// dry-run check. The live configuration is untouched.
type RoutingValidationError struct {
	Err error
}

func (e *RoutingValidationError) Error() string {
	return fmt.Sprintf("routing validation failed: %v", e.Err)
}

func (e *RoutingValidationError) Unwrap() error { return e.Err }

// PostSwitchHealthError means the service stopped answering through the
// live routing path after the switch. Routing is restored and the target
// torn down.
type PostSwitchHealthError struct {
	Last model.HealthState
	Err  error
}

func (e *PostSwitchHealthError) Error() string {
	return fmt.Sprintf("post-switch health failed: last observation %s", e.Last)
}

func (e *PostSwitchHealthError) Unwrap() error { return e.Err }

// FinalVerificationError means the confirmation after the soak period
// failed. Same rollback path as PostSwitchHealthError.
type FinalVerificationError struct {
	Last model.HealthState
	Err  error
}

func (e *FinalVerificationError) Error() string {
	return fmt.Sprintf("final verification failed: last observation %s", e.Last)
}

func (e *FinalVerificationError) Unwrap() error { return e.Err }

// RollbackFailedError means a compensating action itself failed while
// recovering from Cause. The system may be in an inconsistent state and
// needs an operator.
type RollbackFailedError struct {
	Cause       error
	RollbackErr error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback failed: %v (while recovering from: %v)", e.RollbackErr, e.Cause)
}

func (e *RollbackFailedError) Unwrap() error { return e.Cause }
