package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"vidpipe/internal/config"
	"vidpipe/internal/events"
	"vidpipe/internal/model"
	"vidpipe/internal/objectstore"
	"vidpipe/internal/staging"
	"vidpipe/internal/store"
	"vidpipe/internal/transcode"
)

type fakeTranscoder struct {
	mu      sync.Mutex
	calls   int
	profile model.Profile
	fn      func(ctx context.Context, in, out string) error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, in, out string, p model.Profile) (transcode.Result, error) {
	f.mu.Lock()
	f.calls++
	f.profile = p
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, in, out); err != nil {
			return transcode.Result{}, err
		}
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return transcode.Result{}, err
	}
	if err := os.WriteFile(out, []byte(fmt.Sprintf("%s@%dp", data, p.Height)), 0o644); err != nil {
		return transcode.Result{}, err
	}
	return transcode.Result{OutputPath: out}, nil
}

func (f *fakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []model.State
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, ev.State)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// stalledPublisher never gets an acknowledgement, like a producer
// talking to an unreachable broker.
type stalledPublisher struct {
	calls atomic.Int32
}

func (p *stalledPublisher) Publish(ctx context.Context, _ events.JobEvent) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (p *stalledPublisher) Close() error { return nil }

type fixture struct {
	st         *store.Memory
	stg        *staging.Manager
	objects    *objectstore.Local
	tc         *fakeTranscoder
	events     *recordingPublisher
	coord      *Coordinator
	stagingDir string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg config.WorkerConfig) *fixture {
	t.Helper()
	root := t.TempDir()

	raw := filepath.Join(root, "buckets", "raw", "a.mp4")
	if err := os.MkdirAll(filepath.Dir(raw), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(raw, []byte("source"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if cfg.DownloadTimeoutMs == 0 {
		cfg.DownloadTimeoutMs = 5000
	}
	if cfg.TranscodeTimeoutMs == 0 {
		cfg.TranscodeTimeoutMs = 5000
	}
	if cfg.UploadTimeoutMs == 0 {
		cfg.UploadTimeoutMs = 5000
	}

	f := &fixture{
		st:         store.NewMemory(),
		objects:    objectstore.NewLocal(filepath.Join(root, "buckets"), "", ""),
		tc:         &fakeTranscoder{},
		events:     &recordingPublisher{},
		stagingDir: filepath.Join(root, "staging"),
	}
	f.stg = staging.NewManager(f.stagingDir, discardLogger())
	f.coord = NewCoordinator(cfg, f.st, f.stg, f.objects, f.tc, f.events, discardLogger())
	return f
}

func (f *fixture) submit(t *testing.T, in, out string) uuid.UUID {
	t.Helper()
	id, err := f.st.Submit(context.Background(), model.Job{
		InputRef:  in,
		OutputRef: out,
		Profile:   model.Profile{Height: 360},
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	return id
}

func (f *fixture) claim(t *testing.T) model.Job {
	t.Helper()
	job, err := f.st.ClaimNext(context.Background(), f.coord.lease)
	if err != nil {
		t.Fatalf("ClaimNext error: %v", err)
	}
	if job == nil {
		t.Fatal("expected a pending job")
	}
	return *job
}

// takeOver simulates the job being recovered and claimed by another
// worker while the current run still holds a stale token.
func (f *fixture) takeOver(id uuid.UUID) (model.Job, error) {
	ctx := context.Background()
	if err := f.st.Update(ctx, id, model.StatePending, nil); err != nil {
		return model.Job{}, err
	}
	job, err := f.st.ClaimNext(ctx, time.Hour)
	if err != nil {
		return model.Job{}, err
	}
	if job == nil {
		return model.Job{}, fmt.Errorf("job %s was not claimable", id)
	}
	return *job, nil
}

func (f *fixture) get(t *testing.T, id uuid.UUID) model.Job {
	t.Helper()
	job, err := f.st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return job
}

func (f *fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()
	if n := f.stg.Active(); n != 0 {
		t.Fatalf("expected no held staging slots, got %d", n)
	}
	for _, dir := range []string{"raw", "processed"} {
		entries, err := os.ReadDir(filepath.Join(f.stagingDir, dir))
		if err != nil && !os.IsNotExist(err) {
			t.Fatalf("read staging dir: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected staging %s to be empty, found %d entries", dir, len(entries))
		}
	}
}

func TestCoordinatorEndToEndSuccess(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeDone {
		t.Fatalf("expected outcome done, got %s", got)
	}

	job := f.get(t, id)
	if job.State != model.StateDone {
		t.Fatalf("expected DONE, got %s", job.State)
	}
	if job.Attempts != 0 || job.LastError != "" || job.CompletedAt == nil {
		t.Fatalf("unexpected bookkeeping: attempts=%d lastError=%q completedAt=%v", job.Attempts, job.LastError, job.CompletedAt)
	}
	if !f.objects.Exists("out/a.mp4") {
		t.Fatal("expected out/a.mp4 to exist")
	}
	if !f.objects.IsPublic("out/a.mp4") {
		t.Fatal("expected out/a.mp4 to be public")
	}
	if f.tc.profile.Height != 360 {
		t.Fatalf("expected transcode at height 360, got %d", f.tc.profile.Height)
	}

	data, err := os.ReadFile(filepath.Join(f.objects.Root, "out", "a.mp4"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "source@360p" {
		t.Fatalf("unexpected output content %q", data)
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorWalksStatesInOrder(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 1})
	f.submit(t, "raw/a.mp4", "out/a.mp4")
	f.coord.Run(context.Background(), f.claim(t))

	want := []model.State{
		model.StateStagingIn,
		model.StateTranscoding,
		model.StateStagingOut,
		model.StatePublishing,
		model.StateCleaningUp,
		model.StateDone,
	}
	got := f.events.states
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
}

func TestCoordinatorTranscodeFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	f.tc.fn = func(context.Context, string, string) error {
		return &transcode.Error{Reason: transcode.ReasonExit, Message: "exit status 1: invalid data"}
	}
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	want := []Outcome{OutcomeRequeued, OutcomeRequeued, OutcomeFailed}
	for i, w := range want {
		if got := f.coord.Run(context.Background(), f.claim(t)); got != w {
			t.Fatalf("run %d: expected %s, got %s", i+1, w, got)
		}
		f.assertStagingEmpty(t)
	}

	job := f.get(t, id)
	if job.State != model.StateFailed {
		t.Fatalf("expected FAILED, got %s", job.State)
	}
	if job.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.Attempts)
	}
	if !strings.Contains(job.LastError, "retries exhausted") || !strings.Contains(job.LastError, "invalid data") {
		t.Fatalf("unexpected lastError %q", job.LastError)
	}
	if f.tc.Calls() != 3 {
		t.Fatalf("expected 3 transcode calls, got %d", f.tc.Calls())
	}
	if f.objects.Exists("out/a.mp4") {
		t.Fatal("expected no output object")
	}

	next, err := f.st.ClaimNext(context.Background(), time.Minute)
	if err != nil || next != nil {
		t.Fatalf("expected nothing left to claim, got %v, %v", next, err)
	}
}

func TestCoordinatorMissingInputFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	id := f.submit(t, "raw/missing.mp4", "out/missing.mp4")

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StateFailed || job.Attempts != 1 {
		t.Fatalf("expected FAILED after one attempt, got %s attempts=%d", job.State, job.Attempts)
	}
	if !strings.Contains(job.LastError, string(model.StateStagingIn)) {
		t.Fatalf("expected lastError to name the stage, got %q", job.LastError)
	}
	if f.tc.Calls() != 0 {
		t.Fatalf("transcoder should not run, got %d calls", f.tc.Calls())
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorTranscodeTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3, TranscodeTimeoutMs: 20})
	f.tc.fn = func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeRequeued {
		t.Fatalf("expected requeued, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StatePending || job.Attempts != 1 {
		t.Fatalf("expected PENDING with 1 attempt, got %s attempts=%d", job.State, job.Attempts)
	}
	if !strings.Contains(job.LastError, "deadline exceeded") {
		t.Fatalf("expected deadline error, got %q", job.LastError)
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorStagingFailureIsResourceError(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	if err := os.WriteFile(f.stagingDir, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StateFailed || job.Attempts != 1 {
		t.Fatalf("expected FAILED after one attempt, got %s attempts=%d", job.State, job.Attempts)
	}
}

func TestCoordinatorStopsWhenJobFinalizedExternally(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	f.tc.fn = func(ctx context.Context, _, _ string) error {
		msg := "cancelled"
		return f.st.Update(context.Background(), id, model.StateFailed, &msg)
	}

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeCanceled {
		t.Fatalf("expected canceled, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StateFailed || job.LastError != "cancelled" || job.Attempts != 0 {
		t.Fatalf("unexpected job after cancel: %+v", job)
	}
	if f.objects.Exists("out/a.mp4") {
		t.Fatal("expected no upload after cancel")
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorShutdownRequeuesWithoutCountingAttempt(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.tc.fn = func(stepCtx context.Context, _, _ string) error {
		cancel()
		<-stepCtx.Done()
		return stepCtx.Err()
	}

	if got := f.coord.Run(ctx, f.claim(t)); got != OutcomeInterrupted {
		t.Fatalf("expected interrupted, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StatePending || job.Attempts != 0 {
		t.Fatalf("expected PENDING with no attempts, got %s attempts=%d", job.State, job.Attempts)
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorFailsJobAlreadyAtAttemptLimit(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 1})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	first := f.claim(t)
	if _, err := f.st.RecordAttempt(context.Background(), id, first.ClaimToken, model.StatePending, "earlier failure"); err != nil {
		t.Fatalf("RecordAttempt error: %v", err)
	}

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StateFailed || job.Attempts != 1 {
		t.Fatalf("expected FAILED with attempts unchanged, got %s attempts=%d", job.State, job.Attempts)
	}
	if f.tc.Calls() != 0 {
		t.Fatalf("transcoder should not run, got %d calls", f.tc.Calls())
	}
}

func TestCoordinatorStopsWhenClaimTakenOver(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	var other model.Job
	f.tc.fn = func(context.Context, string, string) error {
		var err error
		other, err = f.takeOver(id)
		return err
	}

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeCanceled {
		t.Fatalf("expected canceled, got %s", got)
	}
	job := f.get(t, id)
	if job.State != model.StateStagingIn || job.ClaimToken != other.ClaimToken || job.Attempts != 0 {
		t.Fatalf("stale run must not write to the new claim: %+v", job)
	}
	if f.objects.Exists("out/a.mp4") {
		t.Fatal("expected no upload from the stale run")
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorHeartbeatAbortsRunAfterTakeover(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3, LeaseMs: 150})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	var other model.Job
	f.tc.fn = func(ctx context.Context, _, _ string) error {
		var err error
		if other, err = f.takeOver(id); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeCanceled {
		t.Fatalf("expected canceled, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run kept going for %s after losing its claim", elapsed)
	}
	job := f.get(t, id)
	if job.State != model.StateStagingIn || job.ClaimToken != other.ClaimToken || job.Attempts != 0 {
		t.Fatalf("stale run must not write to the new claim: %+v", job)
	}
	f.assertStagingEmpty(t)
}

func TestCoordinatorHeartbeatKeepsLeaseDuringLongStep(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3, LeaseMs: 150})
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	var recovered int64 = -1
	f.tc.fn = func(context.Context, string, string) error {
		time.Sleep(400 * time.Millisecond)
		n, err := f.st.RecoverInFlight(context.Background())
		recovered = n
		return err
	}

	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeDone {
		t.Fatalf("expected done, got %s", got)
	}
	if recovered != 0 {
		t.Fatalf("recovery took %d jobs from a live worker", recovered)
	}
	if job := f.get(t, id); job.State != model.StateDone || job.ClaimToken != uuid.Nil {
		t.Fatalf("unexpected job after run: %+v", job)
	}
}

func TestCoordinatorSlowEventsDoNotStallPipeline(t *testing.T) {
	f := newFixture(t, config.WorkerConfig{MaxAttempts: 3})
	if f.coord.eventTimeout >= bookkeepingTimeout {
		t.Fatalf("event timeout %s should be well below the store timeout %s", f.coord.eventTimeout, bookkeepingTimeout)
	}

	pub := &stalledPublisher{}
	f.coord.events = pub
	f.coord.eventTimeout = 20 * time.Millisecond
	id := f.submit(t, "raw/a.mp4", "out/a.mp4")

	start := time.Now()
	if got := f.coord.Run(context.Background(), f.claim(t)); got != OutcomeDone {
		t.Fatalf("expected done, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stalled publisher held the run for %s", elapsed)
	}
	if n := pub.calls.Load(); n != 6 {
		t.Fatalf("expected 6 publish attempts, got %d", n)
	}
	if job := f.get(t, id); job.State != model.StateDone {
		t.Fatalf("expected DONE, got %s", job.State)
	}
}
