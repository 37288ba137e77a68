package transcode

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"vidpipe/internal/model"
)

// fakeRunner simulates command execution outcomes.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildArgsDefaultsTo360pStyleScale(t *testing.T) {
	args := BuildArgs("in.mp4", "out.mp4", model.Profile{Height: 360})

	if got := argValue(args, "-vf"); got != "scale=-2:360" {
		t.Fatalf("-vf = %q, want scale=-2:360", got)
	}
	if got := argValue(args, "-c:v"); got != "libx264" {
		t.Fatalf("-c:v = %q", got)
	}
	if got := argValue(args, "-c:a"); got != "aac" {
		t.Fatalf("-c:a = %q", got)
	}
	if argValue(args, "-b:v") != "" || argValue(args, "-preset") != "" {
		t.Fatalf("unexpected optional args: %v", args)
	}
	if args[len(args)-1] != "out.mp4" {
		t.Fatalf("output must be last arg: %v", args)
	}
}

func TestBuildArgsFullProfile(t *testing.T) {
	args := BuildArgs("in.mp4", "out.mp4", model.Profile{
		Height:       720,
		Width:        1280,
		VideoCodec:   "libx265",
		VideoBitrate: "2500k",
		AudioCodec:   "aac",
		AudioBitrate: "128k",
		Preset:       "fast",
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{"scale=1280:720", "-c:v libx265", "-b:v 2500k", "-preset fast", "-b:a 128k"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in args: %s", want, joined)
		}
	}
}

func TestTranscodeSuccess(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")

	var gotName string
	ff := &FFmpeg{
		path: "ffmpeg-custom",
		runner: &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			gotName = name
			mustWriteFile(t, args[len(args)-1], "encoded")
			return commandResult{Stderr: "frame=100"}, nil
		}},
		stat: os.Stat,
	}

	res, err := ff.Transcode(context.Background(), filepath.Join(dir, "in.mp4"), out, model.Profile{Height: 360})
	if err != nil {
		t.Fatalf("Transcode error: %v", err)
	}
	if gotName != "ffmpeg-custom" {
		t.Fatalf("command = %q", gotName)
	}
	if res.OutputPath != out || res.Log.Stderr != "frame=100" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTranscodeNonZeroExit(t *testing.T) {
	ff := &FFmpeg{
		path: "ffmpeg",
		runner: &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			return commandResult{ExitCode: 1, Stderr: "Invalid data found when processing input"}, &exec.ExitError{}
		}},
		stat: os.Stat,
	}

	_, err := ff.Transcode(context.Background(), "in.mp4", "out.mp4", model.Profile{Height: 360})
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if terr.Reason != ReasonExit {
		t.Fatalf("reason = %s, want exit", terr.Reason)
	}
	if !strings.Contains(terr.Error(), "Invalid data found") {
		t.Fatalf("stderr tail missing from error: %v", terr)
	}
}

func TestTranscodeStartFailure(t *testing.T) {
	ff := &FFmpeg{
		path: "missing-ffmpeg",
		runner: &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			return commandResult{ExitCode: -1}, exec.ErrNotFound
		}},
		stat: os.Stat,
	}

	_, err := ff.Transcode(context.Background(), "in.mp4", "out.mp4", model.Profile{Height: 360})
	var terr *Error
	if !errors.As(err, &terr) || terr.Reason != ReasonStart {
		t.Fatalf("expected start failure, got %v", err)
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected wrapped exec.ErrNotFound, got %v", err)
	}
}

func TestTranscodeTimeout(t *testing.T) {
	ff := &FFmpeg{
		path: "ffmpeg",
		runner: &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			<-ctx.Done()
			return commandResult{ExitCode: -1}, ctx.Err()
		}},
		stat: os.Stat,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ff.Transcode(ctx, "in.mp4", "out.mp4", model.Profile{Height: 360})
	var terr *Error
	if !errors.As(err, &terr) || terr.Reason != ReasonTimeout {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestTranscodeMissingOutput(t *testing.T) {
	ff := &FFmpeg{
		path:   "ffmpeg",
		runner: &fakeRunner{},
		stat:   os.Stat,
	}

	_, err := ff.Transcode(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "never.mp4"), model.Profile{Height: 360})
	var terr *Error
	if !errors.As(err, &terr) || terr.Reason != ReasonMissingOutput {
		t.Fatalf("expected missing_output failure, got %v", err)
	}
}

func TestTailKeepsMultibyteStderrValid(t *testing.T) {
	cases := map[string]string{
		"two-byte":   strings.Repeat("é", 300) + "x",
		"three-byte": strings.Repeat("€", 200),
		"four-byte":  strings.Repeat("🎬", 150) + "xy",
	}
	for name, stderr := range cases {
		t.Run(name, func(t *testing.T) {
			if utf8.RuneStart(stderr[len(stderr)-stderrTail]) {
				t.Fatalf("fixture should place the byte cut inside a rune")
			}
			got := tail(stderr)
			if !utf8.ValidString(got) {
				t.Fatalf("tail produced invalid UTF-8: %q", got)
			}
			body := strings.TrimPrefix(got, "...")
			if len(body) > stderrTail || !strings.HasSuffix(stderr, body) {
				t.Fatalf("unexpected tail of %d bytes", len(body))
			}
		})
	}
}
