package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"vidpipe/internal/model"
)

var (
	// ErrNotFound is returned when no job exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a mutation targets a job that has
	// already reached DONE or FAILED.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrExists is returned when a submission reuses an existing id.
	ErrExists = errors.New("job already exists")
	// ErrLeaseLost is returned when a worker write presents a claim token
	// that no longer owns the job: its lease expired and the job was
	// requeued, possibly to another worker.
	ErrLeaseLost = errors.New("job claim is no longer held")
)

// ListFilter narrows List results. Zero values mean no filtering.
type ListFilter struct {
	State  model.State
	Limit  int
	Offset int
}

// JobStore is the durable record of transcode jobs. Implementations
// must make ClaimNext atomic: exactly one caller receives any given
// pending job. Every claim carries a fresh token and a lease; worker
// writes are accepted only with the current token, which is what
// guarantees a job has at most one owner across processes.
//
// Moving a job to PENDING, DONE or FAILED releases its claim.
type JobStore interface {
	// Submit validates and persists a new PENDING job.
	Submit(ctx context.Context, job model.Job) (uuid.UUID, error)
	// ClaimNext moves the oldest PENDING job to STAGING_IN under a new
	// claim token leased for lease, or returns nil when nothing is pending.
	ClaimNext(ctx context.Context, lease time.Duration) (*model.Job, error)
	// Transition is the worker write: it sets the state of a job the
	// caller still owns. A nil errMsg leaves lastError untouched except
	// on DONE, which clears it. ErrLeaseLost reports a stale token.
	Transition(ctx context.Context, id, token uuid.UUID, state model.State, errMsg *string) error
	// RenewLease pushes the lease of an owned job lease into the future.
	RenewLease(ctx context.Context, id, token uuid.UUID, lease time.Duration) error
	// RecordAttempt counts a failed pipeline run of an owned job: attempts
	// is incremented and the job moves to next (PENDING or FAILED).
	RecordAttempt(ctx context.Context, id, token uuid.UUID, next model.State, errMsg string) (model.Job, error)
	// Update sets the state of a non-terminal job regardless of owner.
	// It serves operator actions such as cancellation.
	Update(ctx context.Context, id uuid.UUID, state model.State, errMsg *string) error
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
	List(ctx context.Context, filter ListFilter) ([]model.Job, error)
	// RecoverInFlight requeues in-flight jobs whose lease has expired,
	// which covers workers that crashed or stalled, and returns how many
	// were requeued. Jobs under a live lease are left to their owner.
	RecoverInFlight(ctx context.Context) (int64, error)
	// DeleteTerminalBefore removes DONE/FAILED jobs completed before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// prepareSubmission validates a submitted job and normalizes the fields
// the store owns (id, state, counters, timestamps).
func prepareSubmission(job model.Job) (model.Job, error) {
	if err := job.Validate(); err != nil {
		return model.Job{}, err
	}
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = model.NewJobID()
	}
	job.Profile = job.Profile.WithDefaults()
	job.State = model.StatePending
	job.Attempts = 0
	job.LastError = ""
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CompletedAt = nil
	job.ClaimToken = uuid.Nil
	job.LeaseExpiresAt = nil
	return job, nil
}

func checkAttemptState(next model.State) error {
	if next != model.StatePending && next != model.StateFailed {
		return errors.New("attempt outcome must be PENDING or FAILED, got " + string(next))
	}
	return nil
}

// releasesClaim reports whether moving to state ends the current claim.
func releasesClaim(state model.State) bool {
	return state == model.StatePending || state.Terminal()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

var (
	_ JobStore = (*Memory)(nil)
	_ JobStore = (*Postgres)(nil)
	_ JobStore = (*Mongo)(nil)
)
