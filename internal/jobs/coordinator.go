package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vidpipe/internal/config"
	"vidpipe/internal/events"
	"vidpipe/internal/metrics"
	"vidpipe/internal/model"
	"vidpipe/internal/objectstore"
	"vidpipe/internal/staging"
	"vidpipe/internal/store"
	"vidpipe/internal/transcode"
)

// Outcome is how a single coordinator run ended.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeRequeued Outcome = "requeued"
	OutcomeFailed   Outcome = "failed"
	// OutcomeCanceled means the run lost the job while it was in
	// progress: someone finalized it, or its claim expired and the job
	// was recovered for another worker.
	OutcomeCanceled Outcome = "canceled"
	// OutcomeInterrupted means the run stopped without counting an
	// attempt, either on shutdown or because its state could not be
	// written. Recovery requeues such jobs once their lease expires.
	OutcomeInterrupted Outcome = "interrupted"
)

// bookkeepingTimeout bounds store writes, which run detached from the
// worker context so they survive shutdown.
const bookkeepingTimeout = 10 * time.Second

// defaultEventTimeout bounds a single status publish. Events are best
// effort, so an unreachable broker must not hold up the pipeline.
const defaultEventTimeout = 2 * time.Second

// Coordinator drives one claimed job through
// STAGING_IN -> TRANSCODING -> STAGING_OUT -> PUBLISHING -> CLEANING_UP
// and records the result.
type Coordinator struct {
	store      store.JobStore
	staging    *staging.Manager
	objects    objectstore.Store
	transcoder transcode.Transcoder
	events     events.Publisher
	logger     *slog.Logger

	maxAttempts      int
	downloadTimeout  time.Duration
	transcodeTimeout time.Duration
	uploadTimeout    time.Duration
	lease            time.Duration
	heartbeat        time.Duration
	eventTimeout     time.Duration
}

func NewCoordinator(
	cfg config.WorkerConfig,
	st store.JobStore,
	stg *staging.Manager,
	objects objectstore.Store,
	tc transcode.Transcoder,
	pub events.Publisher,
	logger *slog.Logger,
) *Coordinator {
	if pub == nil {
		pub = events.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	lease := cfg.Lease()
	return &Coordinator{
		store:            st,
		staging:          stg,
		objects:          objects,
		transcoder:       tc,
		events:           pub,
		logger:           logger,
		maxAttempts:      maxAttempts,
		downloadTimeout:  cfg.DownloadTimeout(),
		transcodeTimeout: cfg.TranscodeTimeout(),
		uploadTimeout:    cfg.UploadTimeout(),
		lease:            lease,
		heartbeat:        lease / 3,
		eventTimeout:     defaultEventTimeout,
	}
}

// Run processes a job that ClaimNext has already moved to STAGING_IN.
// Every store write presents the job's claim token, and the claim's
// lease is renewed in the background for as long as the run lasts.
// The staging slot is released on every path once it was acquired.
func (c *Coordinator) Run(ctx context.Context, job model.Job) Outcome {
	logger := c.logger.With("job_id", job.ID.String(), "attempt", job.Attempts+1)

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	stopLease := c.keepLease(runCtx, abort, logger, job)
	defer stopLease()

	if job.Attempts >= c.maxAttempts {
		perr := &PipelineError{
			Stage: model.StateStagingIn,
			Kind:  KindExhausted,
			Err:   fmt.Errorf("%d attempts already recorded (limit %d)", job.Attempts, c.maxAttempts),
		}
		return c.finalizeFailed(ctx, logger, job, perr)
	}

	metrics.RecordTransition(string(model.StateStagingIn))
	c.emit(ctx, job, "")

	slot, err := c.staging.Acquire(job.ID, job.InputRef)
	if err != nil {
		kind := KindResource
		if errors.Is(err, staging.ErrSlotInUse) {
			kind = KindTransient
		}
		return c.fail(ctx, logger, job, &PipelineError{Stage: model.StateStagingIn, Kind: kind, Err: err})
	}

	runErr := c.pipeline(runCtx, logger, &job, slot)
	canceled := errors.Is(runErr, ErrCanceled)

	if !canceled {
		if err := c.transition(ctx, &job, model.StateCleaningUp); err != nil {
			if errors.Is(err, ErrCanceled) {
				canceled = true
			} else if runErr == nil {
				runErr = err
			}
		}
	}
	if err := c.staging.Release(slot); err != nil {
		logger.Warn("staging release failed", "error", err)
	}

	switch {
	case canceled:
		return c.abandoned(logger, job)
	case runErr != nil && ctx.Err() != nil:
		return c.interrupt(ctx, logger, job)
	case runErr != nil:
		return c.fail(ctx, logger, job, classify(job.State, runErr))
	}

	sctx, cancel := c.bookkeeping(ctx)
	defer cancel()
	if err := c.store.Transition(sctx, job.ID, job.ClaimToken, model.StateDone, nil); err != nil {
		if ownershipLost(err) {
			return c.abandoned(logger, job)
		}
		logger.Error("record job done failed", "error", err)
		metrics.RecordOutcome(string(OutcomeInterrupted))
		return OutcomeInterrupted
	}
	job.State = model.StateDone
	job.LastError = ""
	metrics.RecordTransition(string(model.StateDone))
	metrics.RecordOutcome(string(OutcomeDone))
	c.emit(ctx, job, "")
	logger.Info("job done", "output_ref", job.OutputRef)
	return OutcomeDone
}

// keepLease renews the job's lease every heartbeat until the returned
// stop function is called. When the store reports the claim is gone,
// abort cancels the run so it stops work another worker may now own.
func (c *Coordinator) keepLease(ctx context.Context, abort context.CancelFunc, logger *slog.Logger, job model.Job) func() {
	if c.heartbeat <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			sctx, cancel := c.bookkeeping(ctx)
			err := c.store.RenewLease(sctx, job.ID, job.ClaimToken, c.lease)
			cancel()
			switch {
			case err == nil:
			case ownershipLost(err):
				logger.Warn("job claim lost, stopping run", "error", err)
				abort()
				return
			default:
				logger.Warn("lease renewal failed", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// ownershipLost reports store errors after which this run can no
// longer write to the job.
func ownershipLost(err error) bool {
	return errors.Is(err, store.ErrTerminal) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrLeaseLost)
}

func (c *Coordinator) abandoned(logger *slog.Logger, job model.Job) Outcome {
	logger.Info("job no longer owned by this run, abandoned", "state", job.State)
	metrics.RecordOutcome(string(OutcomeCanceled))
	return OutcomeCanceled
}

func (c *Coordinator) pipeline(ctx context.Context, logger *slog.Logger, job *model.Job, slot *staging.Slot) error {
	err := c.step(ctx, model.StateStagingIn, c.downloadTimeout, func(ctx context.Context) error {
		return c.objects.Download(ctx, job.InputRef, slot.RawPath)
	})
	if err != nil {
		return err
	}

	if err := c.transition(ctx, job, model.StateTranscoding); err != nil {
		return err
	}
	err = c.step(ctx, model.StateTranscoding, c.transcodeTimeout, func(ctx context.Context) error {
		res, err := c.transcoder.Transcode(ctx, slot.RawPath, slot.ProcessedPath, job.Profile)
		if err != nil {
			return err
		}
		logger.Debug("transcode finished", "duration_ms", res.Duration.Milliseconds(), "output", res.OutputPath)
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.transition(ctx, job, model.StateStagingOut); err != nil {
		return err
	}
	err = c.step(ctx, model.StateStagingOut, c.uploadTimeout, func(ctx context.Context) error {
		return c.objects.Upload(ctx, slot.ProcessedPath, job.OutputRef)
	})
	if err != nil {
		return err
	}

	if err := c.transition(ctx, job, model.StatePublishing); err != nil {
		return err
	}
	return c.step(ctx, model.StatePublishing, c.uploadTimeout, func(ctx context.Context) error {
		return c.objects.MakePublic(ctx, job.OutputRef)
	})
}

// step runs fn under its own deadline and tags any failure with stage.
func (c *Coordinator) step(ctx context.Context, stage model.State, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStep(string(stage), time.Since(start).Milliseconds())
	if err != nil {
		return classify(stage, err)
	}
	return nil
}

// transition persists a state change. A job that became terminal,
// disappeared or passed to another claim yields ErrCanceled.
func (c *Coordinator) transition(ctx context.Context, job *model.Job, state model.State) error {
	sctx, cancel := c.bookkeeping(ctx)
	defer cancel()

	if err := c.store.Transition(sctx, job.ID, job.ClaimToken, state, nil); err != nil {
		if ownershipLost(err) {
			return ErrCanceled
		}
		return &PipelineError{Stage: state, Kind: KindTransient, Err: fmt.Errorf("record state: %w", err)}
	}
	job.State = state
	metrics.RecordTransition(string(state))
	c.emit(ctx, *job, "")
	return nil
}

// fail counts a failed run and either requeues the job or fails it.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, job model.Job, perr *PipelineError) Outcome {
	next := model.StatePending
	switch {
	case !perr.Retryable():
		next = model.StateFailed
	case job.Attempts+1 >= c.maxAttempts:
		perr = exhausted(perr)
		next = model.StateFailed
	}

	sctx, cancel := c.bookkeeping(ctx)
	defer cancel()

	updated, err := c.store.RecordAttempt(sctx, job.ID, job.ClaimToken, next, perr.Error())
	if err != nil {
		if ownershipLost(err) {
			return c.abandoned(logger, job)
		}
		logger.Error("record failed attempt", "error", err, "cause", perr.Error())
		metrics.RecordOutcome(string(OutcomeInterrupted))
		return OutcomeInterrupted
	}

	metrics.RecordTransition(string(next))
	c.emit(ctx, updated, perr.Error())

	if next == model.StateFailed {
		logger.Error("job failed",
			"stage", perr.Stage,
			"kind", perr.Kind,
			"attempts", updated.Attempts,
			"error", perr.Err,
		)
		metrics.RecordOutcome(string(OutcomeFailed))
		return OutcomeFailed
	}

	logger.Warn("job requeued",
		"stage", perr.Stage,
		"attempts", updated.Attempts,
		"max_attempts", c.maxAttempts,
		"error", perr.Err,
	)
	metrics.RecordOutcome(string(OutcomeRequeued))
	return OutcomeRequeued
}

// finalizeFailed fails a job without counting another attempt.
func (c *Coordinator) finalizeFailed(ctx context.Context, logger *slog.Logger, job model.Job, perr *PipelineError) Outcome {
	sctx, cancel := c.bookkeeping(ctx)
	defer cancel()

	msg := perr.Error()
	if err := c.store.Transition(sctx, job.ID, job.ClaimToken, model.StateFailed, &msg); err != nil {
		if ownershipLost(err) {
			return c.abandoned(logger, job)
		}
		logger.Error("record job failed", "error", err)
		metrics.RecordOutcome(string(OutcomeInterrupted))
		return OutcomeInterrupted
	}
	job.State = model.StateFailed
	job.LastError = msg
	metrics.RecordTransition(string(model.StateFailed))
	metrics.RecordOutcome(string(OutcomeFailed))
	c.emit(ctx, job, msg)
	logger.Error("job failed", "kind", perr.Kind, "error", perr.Err)
	return OutcomeFailed
}

// interrupt hands a job back to the queue after shutdown cut a run
// short. The attempt is not counted.
func (c *Coordinator) interrupt(ctx context.Context, logger *slog.Logger, job model.Job) Outcome {
	sctx, cancel := c.bookkeeping(ctx)
	defer cancel()

	if err := c.store.Transition(sctx, job.ID, job.ClaimToken, model.StatePending, nil); err != nil {
		if ownershipLost(err) {
			return c.abandoned(logger, job)
		}
		logger.Warn("requeue after shutdown failed; recovery will pick it up once the lease expires", "error", err)
	} else {
		metrics.RecordTransition(string(model.StatePending))
		logger.Info("job requeued after shutdown", "state", job.State)
	}
	metrics.RecordOutcome(string(OutcomeInterrupted))
	return OutcomeInterrupted
}

func (c *Coordinator) emit(ctx context.Context, job model.Job, errMsg string) {
	ev := events.JobEvent{
		JobID:    job.ID.String(),
		State:    job.State,
		Attempts: job.Attempts,
		Error:    errMsg,
		At:       time.Now().UTC(),
	}
	if job.State == model.StateDone {
		ev.OutputRef = job.OutputRef
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.eventTimeout)
	defer cancel()
	if err := c.events.Publish(pctx, ev); err != nil {
		c.logger.Debug("publish job event failed", "job_id", ev.JobID, "state", ev.State, "error", err)
	}
}

func (c *Coordinator) bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
