package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vidpipe/internal/model"
)

// Memory is an in-process JobStore. It satisfies every JobStore
// contract except durability: its contents are lost on restart.
type Memory struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*model.Job
	order []uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[uuid.UUID]*model.Job)}
}

func (m *Memory) Submit(_ context.Context, job model.Job) (uuid.UUID, error) {
	job, err := prepareSubmission(job)
	if err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return uuid.Nil, ErrExists
	}
	m.jobs[job.ID] = &job
	m.order = append(m.order, job.ID)
	return job.ID, nil
}

func (m *Memory) ClaimNext(_ context.Context, lease time.Duration) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		job := m.jobs[id]
		if job == nil || job.State != model.StatePending {
			continue
		}
		now := time.Now().UTC()
		expires := now.Add(lease)
		job.State = model.StateStagingIn
		job.UpdatedAt = now
		job.ClaimToken = uuid.New()
		job.LeaseExpiresAt = &expires
		out := *job
		return &out, nil
	}
	return nil, nil
}

// owned returns the job if token still holds its claim.
func (m *Memory) owned(id, token uuid.UUID) (*model.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.State.Terminal() {
		return job, ErrTerminal
	}
	if token == uuid.Nil || job.ClaimToken != token {
		return job, ErrLeaseLost
	}
	return job, nil
}

func (m *Memory) Transition(_ context.Context, id, token uuid.UUID, state model.State, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.owned(id, token)
	if err != nil {
		return err
	}
	setState(job, state, errMsg)
	return nil
}

func (m *Memory) RenewLease(_ context.Context, id, token uuid.UUID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.owned(id, token)
	if err != nil {
		return err
	}
	expires := time.Now().UTC().Add(lease)
	job.LeaseExpiresAt = &expires
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, id, token uuid.UUID, next model.State, errMsg string) (model.Job, error) {
	if err := checkAttemptState(next); err != nil {
		return model.Job{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.owned(id, token)
	if err != nil {
		if job != nil {
			return *job, err
		}
		return model.Job{}, err
	}

	job.Attempts++
	setState(job, next, &errMsg)
	return *job, nil
}

func (m *Memory) Update(_ context.Context, id uuid.UUID, state model.State, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State.Terminal() {
		return ErrTerminal
	}
	setState(job, state, errMsg)
	return nil
}

func setState(job *model.Job, state model.State, errMsg *string) {
	now := time.Now().UTC()
	job.State = state
	job.UpdatedAt = now
	switch {
	case errMsg != nil:
		job.LastError = *errMsg
	case state == model.StateDone:
		job.LastError = ""
	}
	if state.Terminal() {
		job.CompletedAt = &now
	}
	if releasesClaim(state) {
		job.ClaimToken = uuid.Nil
		job.LeaseExpiresAt = nil
	}
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) List(_ context.Context, filter ListFilter) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return []model.Job{}, nil
	}
	out = out[filter.Offset:]
	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecoverInFlight(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, job := range m.jobs {
		if !job.State.InFlight() {
			continue
		}
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
			continue
		}
		setState(job, model.StatePending, nil)
		n++
	}
	return n, nil
}

func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	kept := m.order[:0]
	for _, id := range m.order {
		job := m.jobs[id]
		if job.State.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return n, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
