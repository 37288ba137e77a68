// Package transcode wraps the external transcoding engine.
package transcode

import (
	"context"
	"fmt"
	"time"

	"vidpipe/internal/model"
)

// Reason tags why a transcode failed.
type Reason string

const (
	ReasonStart         Reason = "start"
	ReasonExit          Reason = "exit"
	ReasonTimeout       Reason = "timeout"
	ReasonCanceled      Reason = "canceled"
	ReasonMissingOutput Reason = "missing_output"
)

// Transcoder is the transcode capability. Transcode blocks until the
// engine finishes, the context is done, or the engine fails to start.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string, profile model.Profile) (Result, error)
}

// Result describes a finished transcode.
type Result struct {
	OutputPath string
	Duration   time.Duration
	Log        CommandLog
}

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Error is a tagged transcode failure with optional command context.
type Error struct {
	Reason     Reason
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("transcode %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("transcode %s: %s (cmd=%s exit=%d)", e.Reason, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
