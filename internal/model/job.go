package model

import (
	"time"

	"github.com/google/uuid"
)

// Job is one request to transcode a source video into a target profile.
// InputRef, OutputRef and Profile are immutable once the job exists.
//
// ClaimToken and LeaseExpiresAt are set while a worker owns the job.
// Worker writes must present the token; the lease bounds how long a
// silent owner keeps the job before recovery hands it to someone else.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	InputRef    string     `json:"inputRef"`
	OutputRef   string     `json:"outputRef"`
	Profile     Profile    `json:"profile"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ClaimToken     uuid.UUID  `json:"-"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

// NewJobID returns a time-ordered job id, falling back to a random v4
// id if the v7 generator fails.
func NewJobID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

// NewJob builds a PENDING job from a submission. It does not validate;
// callers run Validate first.
func NewJob(inputRef, outputRef string, profile Profile) Job {
	now := time.Now().UTC()
	return Job{
		ID:        NewJobID(),
		InputRef:  inputRef,
		OutputRef: outputRef,
		Profile:   profile.WithDefaults(),
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the fields every job must carry.
func (j Job) Validate() error {
	if j.InputRef == "" {
		return &ValidationError{Field: "inputRef", Message: "inputRef is required"}
	}
	if j.OutputRef == "" {
		return &ValidationError{Field: "outputRef", Message: "outputRef is required"}
	}
	if j.InputRef == j.OutputRef {
		return &ValidationError{Field: "outputRef", Message: "outputRef must differ from inputRef"}
	}
	return j.Profile.Validate()
}
