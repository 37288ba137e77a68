package jobs

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"vidpipe/internal/model"
	"vidpipe/internal/objectstore"
	"vidpipe/internal/staging"
)

// Kind classifies pipeline failures and decides the retry policy.
type Kind string

const (
	// KindTransient covers download, transcode and upload failures;
	// the whole pipeline is retried up to maxAttempts.
	KindTransient Kind = "transient"
	// KindResource covers local disk problems such as a full disk or
	// an uncreatable staging directory. The job fails immediately.
	KindResource Kind = "resource"
	// KindPermanent covers failures a retry cannot fix: missing source
	// object, denied access, malformed references.
	KindPermanent Kind = "permanent"
	// KindExhausted marks a transient failure on the final attempt.
	KindExhausted Kind = "exhausted"
)

// ErrCanceled reports that the job was finalized by someone other than
// its worker (for example an API cancel) between two states.
var ErrCanceled = errors.New("job was finalized externally")

// PipelineError is a stage-aware failure of one coordinator run.
type PipelineError struct {
	Stage model.State
	Kind  Kind
	Err   error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == KindExhausted {
		return fmt.Sprintf("%s: retries exhausted: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the job should go back to PENDING.
func (e *PipelineError) Retryable() bool {
	return e != nil && e.Kind == KindTransient
}

// classify wraps err from stage with the Kind that governs its retry.
func classify(stage model.State, err error) *PipelineError {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindTransient
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		kind = KindResource
	case errors.Is(err, objectstore.ErrNotFound),
		errors.Is(err, objectstore.ErrPermission),
		errors.Is(err, objectstore.ErrInvalidRef):
		kind = KindPermanent
	case errors.Is(err, staging.ErrSlotInUse), errors.Is(err, context.DeadlineExceeded):
		kind = KindTransient
	}
	return &PipelineError{Stage: stage, Kind: kind, Err: err}
}

// exhausted converts a transient failure into the terminal kind used
// once attempts reach the configured maximum.
func exhausted(perr *PipelineError) *PipelineError {
	return &PipelineError{Stage: perr.Stage, Kind: KindExhausted, Err: perr.Err}
}
