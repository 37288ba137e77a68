package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vidpipe/internal/model"
)

const jobColumns = `id, input_ref, output_ref, profile, state, attempts, last_error, created_at, updated_at, completed_at, claim_token, lease_expires_at`

// Postgres is the durable JobStore backed by a shared *sql.DB with pooling.
type Postgres struct {
	DB *sql.DB
}

// OpenPostgres opens a pooled pgx-backed *sql.DB for the jobs table.
// Migrations are applied separately by the migrate package.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{DB: db}, nil
}

// NewPostgres wraps an existing *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job         model.Job
		profile     []byte
		state       string
		lastError   sql.NullString
		completedAt sql.NullTime
		claimToken  uuid.NullUUID
		leaseExpiry sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.InputRef, &job.OutputRef, &profile, &state, &job.Attempts,
		&lastError, &job.CreatedAt, &job.UpdatedAt, &completedAt, &claimToken, &leaseExpiry); err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal(profile, &job.Profile); err != nil {
		return model.Job{}, fmt.Errorf("decode profile for job %s: %w", job.ID, err)
	}
	job.State = model.State(state)
	job.LastError = lastError.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	if claimToken.Valid {
		job.ClaimToken = claimToken.UUID
	}
	if leaseExpiry.Valid {
		t := leaseExpiry.Time.UTC()
		job.LeaseExpiresAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (p *Postgres) Submit(ctx context.Context, job model.Job) (uuid.UUID, error) {
	job, err := prepareSubmission(job)
	if err != nil {
		return uuid.Nil, err
	}
	profile, err := json.Marshal(job.Profile)
	if err != nil {
		return uuid.Nil, err
	}

	res, err := p.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, input_ref, output_ref, profile, state, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.InputRef, job.OutputRef, profile, string(job.State), job.CreatedAt)
	if err != nil {
		return uuid.Nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return uuid.Nil, ErrExists
	}
	return job.ID, nil
}

// ClaimNext relies on FOR UPDATE SKIP LOCKED so concurrent workers, in
// this process or others, never receive the same row. The lease is
// computed from the database clock, as is every expiry check.
func (p *Postgres) ClaimNext(ctx context.Context, lease time.Duration) (*model.Job, error) {
	row := p.DB.QueryRowContext(ctx, `
		UPDATE jobs SET
			state = $1,
			claim_token = $3,
			lease_expires_at = now() + make_interval(secs => $4),
			updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(model.StateStagingIn), string(model.StatePending), uuid.New(), lease.Seconds())

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// setStateSQL is the SET list shared by owner and operator writes.
// $2 is the new state, $3 says whether $4 carries a new last_error.
const setStateSQL = `
			state = $2::text,
			last_error = CASE
				WHEN $3::boolean THEN $4
				WHEN $2::text = 'DONE' THEN NULL
				ELSE last_error
			END,
			claim_token = CASE WHEN $2::text IN ('PENDING', 'DONE', 'FAILED') THEN NULL ELSE claim_token END,
			lease_expires_at = CASE WHEN $2::text IN ('PENDING', 'DONE', 'FAILED') THEN NULL ELSE lease_expires_at END,
			updated_at = now(),
			completed_at = CASE WHEN $2::text IN ('DONE', 'FAILED') THEN now() ELSE completed_at END`

func nullableMessage(errMsg *string) sql.NullString {
	if errMsg == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *errMsg, Valid: true}
}

func (p *Postgres) Transition(ctx context.Context, id, token uuid.UUID, state model.State, errMsg *string) error {
	res, err := p.DB.ExecContext(ctx, `
		UPDATE jobs SET`+setStateSQL+`
		WHERE id = $1 AND claim_token = $5 AND state NOT IN ('DONE', 'FAILED')`,
		id, string(state), errMsg != nil, nullableMessage(errMsg), token)
	if err != nil {
		return err
	}
	return p.checkOwned(ctx, res, id)
}

func (p *Postgres) RenewLease(ctx context.Context, id, token uuid.UUID, lease time.Duration) error {
	res, err := p.DB.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND claim_token = $2 AND state NOT IN ('DONE', 'FAILED')`,
		id, token, lease.Seconds())
	if err != nil {
		return err
	}
	return p.checkOwned(ctx, res, id)
}

func (p *Postgres) RecordAttempt(ctx context.Context, id, token uuid.UUID, next model.State, errMsg string) (model.Job, error) {
	if err := checkAttemptState(next); err != nil {
		return model.Job{}, err
	}

	row := p.DB.QueryRowContext(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			state = $2::text,
			last_error = $3,
			claim_token = NULL,
			lease_expires_at = NULL,
			updated_at = now(),
			completed_at = CASE WHEN $2::text = 'FAILED' THEN now() ELSE NULL END
		WHERE id = $1 AND claim_token = $4 AND state NOT IN ('DONE', 'FAILED')
		RETURNING `+jobColumns,
		id, string(next), errMsg, token)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, p.whyUnowned(ctx, id)
	}
	return job, err
}

func (p *Postgres) Update(ctx context.Context, id uuid.UUID, state model.State, errMsg *string) error {
	res, err := p.DB.ExecContext(ctx, `
		UPDATE jobs SET`+setStateSQL+`
		WHERE id = $1 AND state NOT IN ('DONE', 'FAILED')`,
		id, string(state), errMsg != nil, nullableMessage(errMsg))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return p.whyUnowned(ctx, id)
	}
	return nil
}

func (p *Postgres) checkOwned(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return p.whyUnowned(ctx, id)
	}
	return nil
}

// whyUnowned explains why a guarded UPDATE matched no rows: the job is
// gone, already terminal, or (for owner writes) held under another claim.
func (p *Postgres) whyUnowned(ctx context.Context, id uuid.UUID) error {
	var state string
	err := p.DB.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.State(state).Terminal() {
		return ErrTerminal
	}
	return ErrLeaseLost
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return job, err
}

func (p *Postgres) List(ctx context.Context, filter ListFilter) ([]model.Job, error) {
	rows, err := p.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		string(filter.State), clampLimit(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (p *Postgres) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := p.DB.ExecContext(ctx, `
		UPDATE jobs SET
			state = 'PENDING',
			claim_token = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE state IN ('STAGING_IN', 'TRANSCODING', 'STAGING_OUT', 'PUBLISHING', 'CLEANING_UP')
			AND (lease_expires_at IS NULL OR lease_expires_at <= now())`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('DONE', 'FAILED') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.DB.Close()
}
