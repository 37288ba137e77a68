package model

import "errors"

// ErrInvalidJob is matched by every ValidationError.
var ErrInvalidJob = errors.New("invalid job")

// ValidationError describes a rejected submission. It is never retried
// and never enters the job store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrInvalidJob) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidJob
}
