// Package bulk drives the remote platform's asynchronous export jobs. The
// platform speaks two incompatible bulk protocols: V1 jobs fan out into
// enumerable sub-batches whose results are fetched page-id by page-id, while
// V2 jobs expose a single result stream advanced by an opaque locator token.
// Both are hidden behind the Driver interface and one shared job state
// machine; the protocol variant is chosen at job-creation time from the
// object's descriptor, never by runtime type inspection.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sfsync/sfsync/model"
	"github.com/sfsync/sfsync/utils/misc"
)

// JobState is the remote job lifecycle state. Transitions only move forward:
// Open -> {UploadComplete|InProgress} -> {JobComplete|Failed|Aborted}.
type JobState string

const (
	JobStateOpen           JobState = "Open"
	JobStateUploadComplete JobState = "UploadComplete"
	JobStateInProgress     JobState = "InProgress"
	JobStateComplete       JobState = "JobComplete"
	JobStateFailed         JobState = "Failed"
	JobStateAborted        JobState = "Aborted"
)

// rank orders states so that regressions are detectable. Terminal states
// share the highest rank but are mutually exclusive.
func (s JobState) rank() int {
	switch s {
	case JobStateOpen:
		return 0
	case JobStateUploadComplete, JobStateInProgress:
		return 1
	case JobStateComplete, JobStateFailed, JobStateAborted:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateComplete || s == JobStateFailed || s == JobStateAborted
}

// ErrJobTimeout is raised when AwaitCompletion exhausts the caller's timeout
// before the job reaches a terminal state. It is distinct from a remote
// Failed state: the job may still complete after the caller gave up.
var ErrJobTimeout = errors.New("bulk: timed out awaiting job completion")

// ErrStateRegression is raised when a status poll reports a state earlier
// than one already observed.
var ErrStateRegression = errors.New("bulk: job state regression")

// JobError is the terminal failure of a remote job, carrying the
// remote-supplied state and reason.
type JobError struct {
	JobID   string
	State   JobState
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("bulk: job %s ended in state %s: %s", e.JobID, e.State, e.Message)
}

// JobSpec describes the job to create.
type JobSpec struct {
	Object    string
	Operation string
}

// Job is the transient remote unit of work for one batch execution. It lives
// only for the duration of the execution and is never persisted beyond logs.
type Job struct {
	ID        string
	Object    string
	Operation string
	Protocol  model.ProtocolVersion
	State     JobState

	// batchIDs enumerates the V1 sub-batches created by Submit.
	batchIDs []string
	// locator is the V2 result cursor; LocatorEnd marks exhaustion.
	locator string
}

// advance moves the job to next, rejecting regressions and transitions out
// of a terminal state. Re-observing the current state is a no-op.
func (j *Job) advance(next JobState) error {
	if next == j.State {
		return nil
	}
	if j.State.Terminal() || next.rank() < j.State.rank() {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrStateRegression, j.State, next, j.ID)
	}
	j.State = next
	return nil
}

// PageFunc consumes one page of decoded rows. Returning an error stops the
// result stream.
type PageFunc func(rows []model.Row) error

// Driver is the protocol-uniform async job lifecycle.
type Driver interface {
	CreateJob(ctx context.Context, spec JobSpec) (*Job, error)
	Submit(ctx context.Context, job *Job, payload string) error
	AwaitCompletion(ctx context.Context, job *Job, pollInterval, timeout time.Duration) error
	FetchResults(ctx context.Context, job *Job, fn PageFunc) error
}

// maxPollInterval caps the exponential poll backoff.
const maxPollInterval = 100 * time.Second

// statusFunc polls the remote job state, returning the state and the
// remote-supplied error message, if any.
type statusFunc func(ctx context.Context) (JobState, string, error)

// awaitCompletion polls status on an exponential backoff starting at
// pollInterval and doubling up to maxPollInterval, until a terminal state or
// until timeout elapses. Both adapters share it.
func awaitCompletion(ctx context.Context, job *Job, poll statusFunc, pollInterval, timeout time.Duration) error {
	if job.State.Terminal() {
		return terminalError(job, "")
	}
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(pollInterval),
		backoff.WithMaxInterval(maxPollInterval),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	)
	for {
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return fmt.Errorf("%w: job %s after %s", ErrJobTimeout, job.ID, timeout)
		}
		if err := misc.SleepCtx(ctx, next); err != nil {
			return err
		}
		state, message, err := poll(ctx)
		if err != nil {
			return err
		}
		if err := job.advance(state); err != nil {
			return err
		}
		if job.State.Terminal() {
			return terminalError(job, message)
		}
	}
}

// terminalError maps a terminal job state to its caller-visible result.
func terminalError(job *Job, message string) error {
	if job.State == JobStateComplete {
		return nil
	}
	return &JobError{JobID: job.ID, State: job.State, Message: message}
}
