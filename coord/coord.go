// Package coord defines the control-plane boundary for result retrieval.
//
// The fetch loop talks to two collaborators: a JobClient for job lifecycle
// (status, final result, cancel) and a Gateway for coordination requests to
// the in-job coordinator. Implementations live in subpackages; scripted
// stubs for tests live here.
package coord

import (
	"context"
	"errors"

	"github.com/pithecene-io/sluice/types"
)

// Sentinel errors for transient control-plane unavailability.
// Gateways must wrap one of these when the condition applies so callers
// can use errors.Is. All three are retried identically; the distinction
// exists for diagnostics only.
var (
	// ErrExecutionNotStarted indicates the job execution has not started
	// yet, so the coordinator cannot be reached.
	ErrExecutionNotStarted = errors.New("job execution has not started")

	// ErrJobNotFound indicates the control plane cannot locate the job.
	// Very likely the job is not in a running state.
	ErrJobNotFound = errors.New("job not found")

	// ErrCoordinatorNotFound indicates the named coordinator is not
	// registered with the job.
	ErrCoordinatorNotFound = errors.New("coordinator not registered")
)

// IsTransient returns true if err is one of the known transient
// control-plane conditions. Unknown errors are retried too; this check
// only selects the log severity.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExecutionNotStarted) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrCoordinatorNotFound)
}

// Gateway sends coordination requests to a named coordinator inside a
// running job.
//
// Send must respect context cancellation: an in-flight request is
// abandoned when the context is done, never silently leaked.
type Gateway interface {
	// Send delivers a coordination request to the coordinator identified
	// by operatorID and returns its response.
	Send(ctx context.Context, operatorID string, req *types.CoordinationRequest) (*types.CoordinationResponse, error)
}

// JobClient is the handle to one dataflow job's lifecycle.
//
// The handle is shared read-only across status, final-result, and cancel
// paths; the fetch loop accesses it sequentially.
type JobClient interface {
	// Status queries the job's current lifecycle state.
	Status(ctx context.Context) (types.JobStatus, error)

	// FinalResult awaits the job's final execution result with its
	// accumulators. Only meaningful once the job is terminal. Callers
	// bound the wait with a context deadline.
	FinalResult(ctx context.Context) (*types.FinalResult, error)

	// Cancel requests cancellation of the job.
	Cancel(ctx context.Context) error
}
