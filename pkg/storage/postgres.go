package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/imagegate/imagegate/pkg/models"
)

const pgUniqueViolation = "23505"

// Open connects to Postgres through the pgx stdlib driver.
func Open(connStr string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// PostgresJobs implements JobRepository over sqlx.
type PostgresJobs struct {
	db *sqlx.DB
}

// NewPostgresJobs wires the repository.
func NewPostgresJobs(db *sqlx.DB) *PostgresJobs { return &PostgresJobs{db: db} }

const jobColumns = `id, tenant_id, idempotency_key, status, mode, prompt, input_image,
	resolution, aspect_ratio, sample_count, model, attempts, max_attempts,
	last_error_code, last_error_msg, credential_id, result_urls, created_at, updated_at`

func (r *PostgresJobs) Create(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (:id, :tenant_id, :idempotency_key, :status, :mode, :prompt, :input_image,
			:resolution, :aspect_ratio, :sample_count, :model, :attempts, :max_attempts,
			:last_error_code, :last_error_msg, :credential_id, :result_urls, :created_at, :updated_at)`,
		job)
	if err == nil {
		return job, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && job.IdempotencyKey != nil {
		// Repeated submission with the same idempotency token: hand back the
		// job the first submission created.
		var existing models.Job
		getErr := r.db.GetContext(ctx, &existing, `
			SELECT `+jobColumns+` FROM jobs
			WHERE tenant_id = $1 AND idempotency_key = $2`,
			job.TenantID, *job.IdempotencyKey)
		if getErr != nil {
			return nil, false, fmt.Errorf("fetch idempotent job: %w", getErr)
		}
		return &existing, false, nil
	}
	return nil, false, fmt.Errorf("insert job: %w", err)
}

func (r *PostgresJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (r *PostgresJobs) GetForTenant(ctx context.Context, tenantID, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (r *PostgresJobs) List(ctx context.Context, tenantID string, status models.JobStatus, limit int, cursor string) ([]models.Job, string, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if cursor != "" {
		createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor: %w", err)
		}
		args = append(args, createdAt, id)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var jobs []models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}

	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

func (r *PostgresJobs) MarkRunning(ctx context.Context, id, credentialID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, credential_id = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)`,
		models.JobRunning, credentialID, id, models.JobQueued, models.JobRetrying)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresJobs) MarkWaiting(ctx context.Context, id, code, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, last_error_code = $2, last_error_msg = $3,
			updated_at = now()
		WHERE id = $4 AND status IN ($5, $6)`,
		models.JobRetrying, code, message, id, models.JobQueued, models.JobRetrying)
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	return nil
}

func (r *PostgresJobs) AppendResultURL(ctx context.Context, id, url string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET result_urls = result_urls || to_jsonb($1::text), updated_at = now()
		WHERE id = $2`,
		url, id)
	if err != nil {
		return fmt.Errorf("append result url: %w", err)
	}
	return nil
}

func (r *PostgresJobs) RecordRetry(ctx context.Context, id string, attempts int, code, message string) error {
	// Partial uploads from the failed attempt are discarded so the next
	// attempt starts with an empty result list.
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, attempts = $2, last_error_code = $3,
			last_error_msg = $4, result_urls = '[]'::jsonb, updated_at = now()
		WHERE id = $5 AND status = $6`,
		models.JobRetrying, attempts, code, message, id, models.JobRunning)
	if err != nil {
		return fmt.Errorf("record retry: %w", err)
	}
	return nil
}

func (r *PostgresJobs) Finalize(ctx context.Context, id string, status models.JobStatus, attempts int, code, message string) error {
	// A failed job must not expose URLs from a partial upload; result_urls
	// stays non-empty only for SUCCEEDED.
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, attempts = $2, last_error_code = $3,
			last_error_msg = $4,
			result_urls = CASE WHEN $1 = 'FAILED' THEN '[]'::jsonb ELSE result_urls END,
			updated_at = now()
		WHERE id = $5 AND status = $6`,
		status, attempts, code, message, id, models.JobRunning)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

func (r *PostgresJobs) Cancel(ctx context.Context, tenantID, id string) (*models.Job, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status IN ($4, $5)`,
		models.JobCanceled, id, tenantID, models.JobQueued, models.JobRetrying)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if n == 0 {
		// Distinguish missing from uncancelable.
		if _, getErr := r.GetForTenant(ctx, tenantID, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidState
	}
	return r.GetForTenant(ctx, tenantID, id)
}

func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos), parts[1], nil
}

// PostgresTenants implements TenantRepository.
type PostgresTenants struct {
	db *sqlx.DB
}

// NewPostgresTenants wires the repository.
func NewPostgresTenants(db *sqlx.DB) *PostgresTenants { return &PostgresTenants{db: db} }

const tenantColumns = `id, name, api_key_hash, plan_rpm, plan_concurrency,
	webhook_url, webhook_secret, webhook_enabled, created_at, updated_at`

func (r *PostgresTenants) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.GetContext(ctx, &t, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (r *PostgresTenants) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.GetContext(ctx, &t, `SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant by key: %w", err)
	}
	return &t, nil
}

func (r *PostgresTenants) Upsert(ctx context.Context, t *models.Tenant) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (:id, :name, :api_key_hash, :plan_rpm, :plan_concurrency,
			:webhook_url, :webhook_secret, :webhook_enabled, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, api_key_hash = EXCLUDED.api_key_hash,
			plan_rpm = EXCLUDED.plan_rpm, plan_concurrency = EXCLUDED.plan_concurrency,
			webhook_url = EXCLUDED.webhook_url, webhook_secret = EXCLUDED.webhook_secret,
			webhook_enabled = EXCLUDED.webhook_enabled, updated_at = now()`,
		t)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// PostgresCredentials implements CredentialRepository.
type PostgresCredentials struct {
	db *sqlx.DB
}

// NewPostgresCredentials wires the repository.
func NewPostgresCredentials(db *sqlx.DB) *PostgresCredentials { return &PostgresCredentials{db: db} }

const credentialColumns = `id, provider, endpoint, secret, rpm_limit,
	concurrency_limit, priority, enabled, created_at`

func (r *PostgresCredentials) ListEnabled(ctx context.Context, provider string) ([]models.Credential, error) {
	var creds []models.Credential
	err := r.db.SelectContext(ctx, &creds, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE provider = $1 AND enabled
		ORDER BY created_at ASC, id ASC`, provider)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

func (r *PostgresCredentials) Upsert(ctx context.Context, c *models.Credential) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (:id, :provider, :endpoint, :secret, :rpm_limit,
			:concurrency_limit, :priority, :enabled, :created_at)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider, endpoint = EXCLUDED.endpoint,
			secret = EXCLUDED.secret, rpm_limit = EXCLUDED.rpm_limit,
			concurrency_limit = EXCLUDED.concurrency_limit,
			priority = EXCLUDED.priority, enabled = EXCLUDED.enabled`,
		c)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}
