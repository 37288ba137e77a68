package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vidpipe/internal/config"
	"vidpipe/internal/metrics"
	"vidpipe/internal/model"
	"vidpipe/internal/notify"
	"vidpipe/internal/staging"
	"vidpipe/internal/store"
)

// Executor runs one claimed job to completion.
type Executor interface {
	Run(ctx context.Context, job model.Job) Outcome
}

// Runner claims pending jobs and dispatches them to the executor. It
// encapsulates the concurrency limit, the wake-up sources (poll ticker
// and submission notifications), recovery of expired claims, and
// periodic retention cleanup.
type Runner struct {
	cfg      *config.Config
	store    store.JobStore
	staging  *staging.Manager
	exec     Executor
	notifier notify.Notifier
	logger   *slog.Logger

	active atomic.Int64
	peak   atomic.Int64
	freed  chan struct{}
}

// NewRunner constructs a Runner. notifier may be nil, in which case the
// runner relies on polling alone.
func NewRunner(cfg *config.Config, st store.JobStore, stg *staging.Manager, exec Executor, n notify.Notifier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		staging:  stg,
		exec:     exec,
		notifier: n,
		logger:   logger,
		freed:    make(chan struct{}, 1),
	}
}

// Active returns the number of jobs currently being executed.
func (r *Runner) Active() int64 { return r.active.Load() }

// Peak returns the highest number of simultaneously executing jobs
// since the runner was created.
func (r *Runner) Peak() int64 { return r.peak.Load() }

// Recover requeues in-flight jobs whose claim lease has expired and
// removes staging files that no in-flight job accounts for. Jobs under a
// live lease belong to a running worker, possibly in another process,
// and are left alone. It runs before this process claims anything.
func (r *Runner) Recover(ctx context.Context) error {
	if err := r.requeueExpired(ctx); err != nil {
		return err
	}

	if r.staging != nil {
		purged, err := r.staging.PurgeOrphans(func(id uuid.UUID) bool {
			return r.stillClaimed(ctx, id)
		})
		if err != nil {
			r.logger.Warn("purge orphaned staging files", "error", err)
		} else if purged > 0 {
			r.logger.Info("purged orphaned staging files", "count", purged)
		}
	}
	return nil
}

func (r *Runner) requeueExpired(ctx context.Context) error {
	n, err := r.store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	metrics.RecordRecovered(n)
	if n > 0 {
		r.logger.Info("requeued in-flight jobs with expired leases", "count", n)
	}
	return nil
}

// stillClaimed reports whether a staged file's job is still being worked
// on. Lookup failures other than a missing job keep the file.
func (r *Runner) stillClaimed(ctx context.Context, id uuid.UUID) bool {
	job, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return job.State.InFlight()
}

// Start recovers, then dispatches jobs until ctx is done. It returns
// after every in-flight job has handed its state back to the store.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Recover(ctx); err != nil {
		return err
	}

	pollInterval := r.cfg.Worker.PollInterval()
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	maxJobs := r.cfg.Worker.MaxConcurrency
	if maxJobs <= 0 {
		maxJobs = 4
	}

	sem := make(chan struct{}, maxJobs)
	var g errgroup.Group
	defer func() { _ = g.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if r.notifier != nil {
		wake = r.notifier.C()
	}

	// Claims abandoned by crashed workers, here or elsewhere, are swept
	// once per lease.
	lease := r.cfg.Worker.Lease()
	lastSweep := time.Now()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	r.logger.Info("job runner started", "max_concurrency", maxJobs, "poll_interval", pollInterval.String())

	for {
		r.fill(ctx, &g, sem)

		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping", "active", r.Active())
			return nil
		case <-ticker.C:
		case <-wake:
		case <-r.freed:
		}

		if time.Since(lastSweep) >= lease {
			if err := r.requeueExpired(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("recover expired claims", "error", err)
			}
			lastSweep = time.Now()
		}

		// Periodically run TTL cleanup for terminal jobs.
		if r.cfg.Retention.Enabled {
			now := time.Now().UTC()
			if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
				stats := CleanupExpiredData(ctx, r.cfg, r.store)
				if stats.JobsDeleted > 0 {
					r.logger.Info("retention cleanup", "jobs_deleted", stats.JobsDeleted)
				}
				lastCleanup = now
			}
		}
	}
}

// fill claims jobs until either the concurrency limit is reached or no
// job is pending.
func (r *Runner) fill(ctx context.Context, g *errgroup.Group, sem chan struct{}) {
	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		default:
			return
		}

		job, err := r.store.ClaimNext(ctx, r.cfg.Worker.Lease())
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("claim next job", "error", err)
			}
			return
		}

		claimed := *job
		g.Go(func() error {
			defer func() {
				<-sem
				select {
				case r.freed <- struct{}{}:
				default:
				}
			}()
			r.execute(ctx, claimed)
			return nil
		})
	}
}

func (r *Runner) execute(ctx context.Context, job model.Job) {
	n := r.active.Add(1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	metrics.SetWorkersActive(n)
	defer func() {
		metrics.SetWorkersActive(r.active.Add(-1))
	}()

	start := time.Now()
	outcome := r.exec.Run(ctx, job)
	r.logger.Debug("job run finished",
		"job_id", job.ID.String(),
		"outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
