// Package events publishes job lifecycle transitions for downstream
// consumers such as progress trackers or playlist generators.
package events

import (
	"context"
	"time"

	"vidpipe/internal/model"
)

// JobEvent is emitted on every state transition.
type JobEvent struct {
	JobID     string      `json:"job_id"`
	State     model.State `json:"state"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	OutputRef string      `json:"output_ref,omitempty"`
	At        time.Time   `json:"at"`
}

// Publisher delivers job events. Implementations must be safe for
// concurrent use by every worker.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close() error
}

// Noop discards events. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, JobEvent) error { return nil }

func (Noop) Close() error { return nil }
