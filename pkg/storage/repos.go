package storage

import (
	"context"
	"errors"

	"github.com/imagegate/imagegate/pkg/models"
)

// ErrNotFound is returned when a row does not exist or is not visible to the
// caller.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned when a status transition is not allowed from
// the row's current state.
var ErrInvalidState = errors.New("invalid state")

// JobRepository owns job rows and their status transitions. Transitions are
// compare-and-swap on the previous status so that two workers racing on one
// job cannot both win.
type JobRepository interface {
	// Create inserts the job. When the job carries an idempotency key that
	// already exists for the tenant, the existing job is returned and
	// created is false.
	Create(ctx context.Context, job *models.Job) (out *models.Job, created bool, err error)

	Get(ctx context.Context, id string) (*models.Job, error)
	GetForTenant(ctx context.Context, tenantID, id string) (*models.Job, error)

	// List pages jobs for a tenant in reverse creation order using a keyset
	// cursor. status narrows the result when non-empty.
	List(ctx context.Context, tenantID string, status models.JobStatus, limit int, cursor string) (jobs []models.Job, nextCursor string, err error)

	// MarkRunning CAS-transitions QUEUED|RETRYING → RUNNING and records the
	// picked credential. Returns false when the row was canceled or already
	// claimed.
	MarkRunning(ctx context.Context, id, credentialID string) (bool, error)

	// MarkWaiting CAS-transitions QUEUED|RETRYING → RETRYING, recording the
	// denial that sent the job back to the queue. Attempts are untouched:
	// waiting for capacity does not count against max_attempts.
	MarkWaiting(ctx context.Context, id, code, message string) error

	// AppendResultURL appends one URL to the job's result list.
	AppendResultURL(ctx context.Context, id, url string) error

	// RecordRetry moves the job to RETRYING with the new attempt count and
	// last error.
	RecordRetry(ctx context.Context, id string, attempts int, code, message string) error

	// Finalize moves the job to a terminal status with the last error (empty
	// for success).
	Finalize(ctx context.Context, id string, status models.JobStatus, attempts int, code, message string) error

	// Cancel CAS-transitions QUEUED|RETRYING → CANCELED on behalf of the
	// tenant. ErrInvalidState when the job already runs or is terminal.
	Cancel(ctx context.Context, tenantID, id string) (*models.Job, error)
}

// TenantRepository resolves tenants, primarily by API-key fingerprint.
type TenantRepository interface {
	GetByID(ctx context.Context, id string) (*models.Tenant, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.Tenant, error)
	Upsert(ctx context.Context, t *models.Tenant) error
}

// CredentialRepository lists and seeds provider credentials. ListEnabled
// must return rows in creation order; the scheduler's final tie-break
// depends on it.
type CredentialRepository interface {
	ListEnabled(ctx context.Context, provider string) ([]models.Credential, error)
	Upsert(ctx context.Context, c *models.Credential) error
}
