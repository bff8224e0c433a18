package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/imagegate/imagegate/pkg/models"
)

// MemoryJobs is the in-memory JobRepository fake. Semantics mirror the
// Postgres implementation, including CAS transitions and idempotent create.
type MemoryJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewMemoryJobs creates an empty fake.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{jobs: make(map[string]*models.Job)}
}

func (r *MemoryJobs) Create(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.IdempotencyKey != nil {
		for _, existing := range r.jobs {
			if existing.TenantID == job.TenantID &&
				existing.IdempotencyKey != nil &&
				*existing.IdempotencyKey == *job.IdempotencyKey {
				out := *existing
				return &out, false, nil
			}
		}
	}
	cp := *job
	r.jobs[job.ID] = &cp
	out := cp
	return &out, true, nil
}

func (r *MemoryJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

func (r *MemoryJobs) GetForTenant(ctx context.Context, tenantID, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

func (r *MemoryJobs) List(ctx context.Context, tenantID string, status models.JobStatus, limit int, cursor string) ([]models.Job, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []models.Job
	for _, job := range r.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		all = append(all, *job)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	start := 0
	if cursor != "" {
		createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		for i, job := range all {
			if job.CreatedAt.Before(createdAt) ||
				(job.CreatedAt.Equal(createdAt) && job.ID < id) {
				start = i
				break
			}
			start = i + 1
		}
	}

	page := all[start:]
	next := ""
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, next, nil
}

func (r *MemoryJobs) MarkRunning(ctx context.Context, id, credentialID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != models.JobQueued && job.Status != models.JobRetrying {
		return false, nil
	}
	job.Status = models.JobRunning
	job.CredentialID = credentialID
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *MemoryJobs) MarkWaiting(ctx context.Context, id, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobQueued && job.Status != models.JobRetrying {
		return nil
	}
	job.Status = models.JobRetrying
	job.LastErrorCode = code
	job.LastErrorMsg = message
	job.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobs) AppendResultURL(ctx context.Context, id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.ResultURLs = append(job.ResultURLs, url)
	job.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobs) RecordRetry(ctx context.Context, id string, attempts int, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobRunning {
		return nil
	}
	job.Status = models.JobRetrying
	job.Attempts = attempts
	job.LastErrorCode = code
	job.LastErrorMsg = message
	job.ResultURLs = models.StringList{}
	job.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobs) Finalize(ctx context.Context, id string, status models.JobStatus, attempts int, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobRunning {
		return nil
	}
	job.Status = status
	job.Attempts = attempts
	job.LastErrorCode = code
	job.LastErrorMsg = message
	if status == models.JobFailed {
		job.ResultURLs = models.StringList{}
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobs) Cancel(ctx context.Context, tenantID, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if job.Status != models.JobQueued && job.Status != models.JobRetrying {
		return nil, ErrInvalidState
	}
	job.Status = models.JobCanceled
	job.UpdatedAt = time.Now()
	out := *job
	return &out, nil
}

// MemoryTenants is the in-memory TenantRepository fake.
type MemoryTenants struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
}

// NewMemoryTenants creates an empty fake.
func NewMemoryTenants() *MemoryTenants {
	return &MemoryTenants{tenants: make(map[string]*models.Tenant)}
}

func (r *MemoryTenants) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (r *MemoryTenants) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tenants {
		if t.APIKeyHash == hash {
			out := *t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryTenants) Upsert(ctx context.Context, t *models.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

// MemoryCredentials is the in-memory CredentialRepository fake.
type MemoryCredentials struct {
	mu    sync.Mutex
	creds []models.Credential
}

// NewMemoryCredentials creates an empty fake.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{}
}

func (r *MemoryCredentials) ListEnabled(ctx context.Context, provider string) ([]models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Credential
	for _, c := range r.creds {
		if c.Provider == provider && c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryCredentials) Upsert(ctx context.Context, c *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.creds {
		if r.creds[i].ID == c.ID {
			r.creds[i] = *c
			return nil
		}
	}
	r.creds = append(r.creds, *c)
	return nil
}
