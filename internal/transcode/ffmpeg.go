package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"vidpipe/internal/model"
)

// stderrTail bounds how much ffmpeg stderr is carried into error messages.
const stderrTail = 512

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// FFmpeg transcodes by invoking the ffmpeg binary.
type FFmpeg struct {
	path   string
	runner commandRunner
	stat   func(name string) (os.FileInfo, error)
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, runner: &execRunner{}, stat: os.Stat}
}

func (f *FFmpeg) Transcode(ctx context.Context, inputPath, outputPath string, profile model.Profile) (Result, error) {
	args := BuildArgs(inputPath, outputPath, profile)
	start := time.Now()

	res, runErr := f.runner.Run(ctx, f.path, args...)
	log := CommandLog{
		Command:  f.path,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}

	if runErr != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return Result{}, &Error{Reason: ReasonTimeout, Message: "ffmpeg did not finish before the deadline", CommandLog: log, Err: ctx.Err()}
		case errors.Is(ctx.Err(), context.Canceled):
			return Result{}, &Error{Reason: ReasonCanceled, Message: "ffmpeg was canceled", CommandLog: log, Err: ctx.Err()}
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, &Error{Reason: ReasonStart, Message: "failed to start ffmpeg", CommandLog: log, Err: runErr}
		}
		return Result{}, &Error{
			Reason:     ReasonExit,
			Message:    "ffmpeg exited with an error: " + tail(res.Stderr),
			CommandLog: log,
			Err:        runErr,
		}
	}

	info, err := f.stat(outputPath)
	if err != nil || info.Size() == 0 {
		if err == nil {
			err = fmt.Errorf("output %s is empty", outputPath)
		}
		return Result{}, &Error{Reason: ReasonMissingOutput, Message: "ffmpeg completed but output file is missing", CommandLog: log, Err: err}
	}

	return Result{OutputPath: outputPath, Duration: time.Since(start), Log: log}, nil
}

// BuildArgs renders a profile into ffmpeg CLI args. A zero width keeps
// the aspect ratio with an even width (-2).
func BuildArgs(inputPath, outputPath string, profile model.Profile) []string {
	p := profile.WithDefaults()

	width := "-2"
	if p.Width > 0 {
		width = strconv.Itoa(p.Width)
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=%s:%d", width, p.Height),
		"-c:v", p.VideoCodec,
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if p.Preset != "" && p.VideoCodec != "libvpx-vp9" {
		args = append(args, "-preset", p.Preset)
	}
	args = append(args, "-c:a", p.AudioCodec)
	if p.AudioBitrate != "" && p.AudioCodec != "copy" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	args = append(args, "-movflags", "+faststart", outputPath)
	return args
}

// tail keeps roughly the last stderrTail bytes of s, starting on a rune
// boundary so multibyte output is never split.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	cut := len(s) - stderrTail
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
