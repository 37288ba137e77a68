package http

import (
	"time"

	"vidpipe/internal/model"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	InputRef  string        `json:"inputRef"`
	OutputRef string        `json:"outputRef"`
	Profile   model.Profile `json:"profile"`
}

type CreateJobResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

// JobItem is the public view of a job.
type JobItem struct {
	ID          string        `json:"id"`
	State       model.State   `json:"state"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError,omitempty"`
	InputRef    string        `json:"inputRef"`
	OutputRef   string        `json:"outputRef"`
	Profile     model.Profile `json:"profile"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// JobResponse flattens the job fields next to the success flag so that
// state, attempts and lastError sit at the top level.
type JobResponse struct {
	Success bool `json:"success"`
	JobItem
}

type ListJobsResponse struct {
	Success bool      `json:"success"`
	Jobs    []JobItem `json:"jobs"`
}

// ValidationDetails names the submission field that failed validation.
type ValidationDetails struct {
	Field string `json:"field"`
}

func toJobItem(job model.Job) JobItem {
	return JobItem{
		ID:          job.ID.String(),
		State:       job.State,
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		InputRef:    job.InputRef,
		OutputRef:   job.OutputRef,
		Profile:     job.Profile,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
}
