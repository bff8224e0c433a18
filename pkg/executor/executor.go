// Package executor runs queued generation jobs. Each job passes a
// three-level admission pipeline (global, then credential, then tenant),
// then the result cache, then the provider. Concurrency tokens are released
// in reverse acquisition order on every exit path.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imagegate/imagegate/pkg/cache"
	"github.com/imagegate/imagegate/pkg/errcode"
	"github.com/imagegate/imagegate/pkg/keypool"
	"github.com/imagegate/imagegate/pkg/limiter"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/models"
	"github.com/imagegate/imagegate/pkg/provider"
	"github.com/imagegate/imagegate/pkg/queue"
	"github.com/imagegate/imagegate/pkg/storage"
	"github.com/imagegate/imagegate/pkg/webhook"
)

// Config tunes the executor's global limits and budgets.
type Config struct {
	Provider          string
	GlobalRPM         int
	GlobalConcurrency int
	RPMWindow         time.Duration
	// JobBudget bounds one job's wall clock including uploads.
	JobBudget time.Duration
	// PoolSize is the number of concurrent job tasks per process.
	PoolSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Provider:          "gemini",
		GlobalRPM:         600,
		GlobalConcurrency: 200,
		RPMWindow:         time.Minute,
		JobBudget:         5 * time.Minute,
		PoolSize:          50,
	}
}

// errNotClaimable marks a job that lost the claim race (usually canceled
// between pickup and claim). Not a failure.
var errNotClaimable = errors.New("job not claimable")

// Executor consumes jobs from the queue and drives them to a terminal
// state.
type Executor struct {
	cfg       Config
	queue     *queue.Queue
	jobs      storage.JobRepository
	tenants   storage.TenantRepository
	scheduler *keypool.Scheduler
	health    *keypool.HealthTracker
	limiter   *limiter.Limiter
	cache     *cache.ResultCache
	provider  provider.Provider
	blobs     storage.BlobStore
	webhooks  *webhook.Deliverer
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New wires an executor.
func New(
	cfg Config,
	q *queue.Queue,
	jobs storage.JobRepository,
	tenants storage.TenantRepository,
	scheduler *keypool.Scheduler,
	health *keypool.HealthTracker,
	lim *limiter.Limiter,
	resultCache *cache.ResultCache,
	prov provider.Provider,
	blobs storage.BlobStore,
	webhooks *webhook.Deliverer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		cfg: cfg, queue: q, jobs: jobs, tenants: tenants,
		scheduler: scheduler, health: health, limiter: lim,
		cache: resultCache, provider: prov, blobs: blobs,
		webhooks: webhooks, metrics: m, logger: logger,
	}
}

// Run consumes jobs with a bounded pool until the context is canceled.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.runLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (e *Executor) runLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := e.queue.Dequeue(ctx, 2*time.Second)
		if err == queue.ErrEmpty {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobBudget)
		if err := e.Execute(jobCtx, jobID); err != nil {
			e.logger.Error("job execution error",
				zap.String("job_id", jobID), zap.Error(err))
		}
		cancel()
	}
}

// Execute runs one job through the full pipeline. The returned error covers
// infrastructure faults only; job-level failures are persisted on the row.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	start := time.Now()

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() || job.Status == models.JobRunning {
		// Canceled before pickup, or another worker already claimed it.
		return nil
	}

	tenant, err := e.tenants.GetByID(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", job.TenantID, err)
	}

	// Concurrency tokens release in reverse acquisition order on every
	// exit path.
	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	release := func(key string) {
		releases = append(releases, func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.limiter.ReleaseConcurrency(cleanupCtx, key); err != nil {
				e.logger.Warn("token release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}

	cred, runErr := e.admitAndRun(ctx, job, tenant, release)
	if runErr == errNotClaimable {
		return nil
	}
	if runErr == nil {
		e.metrics.JobsCompleted.WithLabelValues(string(models.JobSucceeded), "").Inc()
		e.metrics.JobDuration.WithLabelValues(string(models.JobSucceeded)).Observe(time.Since(start).Seconds())
		return nil
	}

	return e.handleFailure(ctx, job, tenant, cred, errcode.AsError(runErr), start)
}

// admitAndRun performs admission, claims the row, and runs cache/provider.
// It returns the picked credential (if any) so failures can be attributed.
func (e *Executor) admitAndRun(ctx context.Context, job *models.Job, tenant *models.Tenant, release func(string)) (*models.Credential, error) {
	// Global scope.
	if err := e.admitRPM(ctx, limiter.GlobalRPMKey(), e.cfg.GlobalRPM, errcode.GlobalRateLimit, "global_rpm"); err != nil {
		return nil, err
	}
	if err := e.admitConcurrency(ctx, limiter.GlobalConcKey(), e.cfg.GlobalConcurrency, errcode.GlobalConcLimit, "global_conc", release); err != nil {
		return nil, err
	}

	// Credential scope.
	cred, err := e.scheduler.Pick(ctx, keypool.PickRequest{
		Provider:      e.cfg.Provider,
		Model:         job.Model,
		AllowFallback: true,
	})
	if err != nil {
		return nil, err
	}
	if err := e.admitRPM(ctx, limiter.CredentialRPMKey(cred.ID), cred.RPMLimit, errcode.KeyRateLimit, "key_rpm"); err != nil {
		return cred, err
	}
	if err := e.admitConcurrency(ctx, limiter.CredentialConcKey(cred.ID), cred.ConcurrencyLimit, errcode.KeyConcLimit, "key_conc", release); err != nil {
		return cred, err
	}

	// Tenant scope.
	if err := e.admitRPM(ctx, limiter.TenantRPMKey(tenant.ID), tenant.PlanRPM, errcode.TenantRateLimit, "tenant_rpm"); err != nil {
		return cred, err
	}
	if err := e.admitConcurrency(ctx, limiter.TenantConcKey(tenant.ID), tenant.PlanConcurrency, errcode.TenantConcLimit, "tenant_conc", release); err != nil {
		return cred, err
	}

	claimed, err := e.jobs.MarkRunning(ctx, job.ID, cred.ID)
	if err != nil {
		return cred, err
	}
	if !claimed {
		// Canceled between pickup and claim; nothing to do.
		e.logger.Info("job not claimable, skipping", zap.String("job_id", job.ID))
		return cred, errNotClaimable
	}
	job.Status = models.JobRunning
	job.CredentialID = cred.ID

	return cred, e.runClaimed(ctx, job, tenant, cred)
}

func (e *Executor) runClaimed(ctx context.Context, job *models.Job, tenant *models.Tenant, cred *models.Credential) error {
	params := cache.Params{
		Prompt:      job.Prompt,
		Model:       job.Model,
		Resolution:  job.Resolution,
		AspectRatio: job.AspectRatio,
		SampleCount: job.SampleCount,
	}

	if cache.Cacheable(job.Mode, job.Prompt) {
		if entry, err := e.cache.Get(ctx, params); err == nil && entry != nil {
			e.metrics.CacheHits.Inc()
			for _, url := range entry.URLs {
				if err := e.jobs.AppendResultURL(ctx, job.ID, url); err != nil {
					return err
				}
			}
			if err := e.jobs.Finalize(ctx, job.ID, models.JobSucceeded, job.Attempts, "", ""); err != nil {
				return err
			}
			if err := e.health.MarkSuccess(ctx, cred.ID, cred.Provider, cred.Endpoint); err != nil {
				e.logger.Warn("health update failed", zap.Error(err))
			}
			e.emitWebhook(tenant, job, models.JobSucceeded, entry.URLs, nil)
			return nil
		}
		e.metrics.CacheMisses.Inc()
	}

	callStart := time.Now()
	result, err := e.provider.Generate(ctx, provider.Request{
		Credential:  *cred,
		Prompt:      job.Prompt,
		InputImage:  job.InputImage,
		Mode:        job.Mode,
		Resolution:  job.Resolution,
		AspectRatio: job.AspectRatio,
		SampleCount: job.SampleCount,
		Model:       job.Model,
	})
	if err != nil {
		e.metrics.ProviderCalls.WithLabelValues(cred.Endpoint, "error").Inc()
		return err
	}
	e.metrics.ProviderCalls.WithLabelValues(result.EndpointUsed, "ok").Inc()
	e.metrics.ProviderLatency.WithLabelValues(result.EndpointUsed).Observe(time.Since(callStart).Seconds())

	urls, err := e.uploadImages(ctx, job, result.Images)
	if err != nil {
		return err
	}

	if err := e.jobs.Finalize(ctx, job.ID, models.JobSucceeded, job.Attempts, "", ""); err != nil {
		return err
	}
	if cache.Cacheable(job.Mode, job.Prompt) && len(urls) > 0 {
		if err := e.cache.Put(ctx, params, urls, result.ModelUsed); err != nil {
			e.logger.Warn("result cache write failed", zap.Error(err))
		}
	}
	if err := e.health.MarkSuccess(ctx, cred.ID, cred.Provider, result.EndpointUsed); err != nil {
		e.logger.Warn("health update failed", zap.Error(err))
	}
	e.emitWebhook(tenant, job, models.JobSucceeded, urls, nil)
	return nil
}

// uploadImages persists each inline image in parallel, appending its URL to
// the job row as soon as the upload completes so pollers see partial
// results. Append order therefore mirrors upload completion, not generation
// order.
func (e *Executor) uploadImages(ctx context.Context, job *models.Job, images []provider.Image) ([]string, error) {
	var (
		mu   sync.Mutex
		urls []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			mime, data, err := provider.ParseImageDataURL(img.URL)
			if err != nil {
				return errcode.Newf(errcode.StorageError, "bad inline image: %v", err)
			}
			raw, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return errcode.Newf(errcode.StorageError, "bad image payload: %v", err)
			}
			key := fmt.Sprintf("jobs/%s/%d.%s", job.ID, i, extensionFor(mime))
			url, err := e.blobs.Put(gctx, key, raw, mime)
			if err != nil {
				return errcode.Newf(errcode.StorageError, "blob upload: %v", err)
			}
			if err := e.jobs.AppendResultURL(gctx, job.ID, url); err != nil {
				return err
			}
			mu.Lock()
			urls = append(urls, url)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (e *Executor) handleFailure(ctx context.Context, job *models.Job, tenant *models.Tenant, cred *models.Credential, ce *errcode.Error, start time.Time) error {
	overload := ce.Code == errcode.ServiceOverload

	if cred != nil && errcode.CredentialFault(ce) {
		if _, err := e.health.MarkFailure(ctx, cred.ID, cred.Provider, cred.Endpoint, overload); err != nil {
			e.logger.Warn("health update failed", zap.Error(err))
		}
	}

	if job.Status != models.JobRunning {
		// Admission denial before the row was claimed. Pollers see the job
		// as RETRYING with the denial code, but the attempt does not count
		// against max_attempts; the job simply waits for capacity.
		if err := e.jobs.MarkWaiting(ctx, job.ID, ce.Code, ce.Message); err != nil {
			e.logger.Warn("mark waiting failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		e.metrics.AdmissionRequeued.WithLabelValues(ce.Code).Inc()
		e.logger.Debug("job requeued after admission denial",
			zap.String("job_id", job.ID),
			zap.String("code", ce.Code))
		return e.queue.EnqueueAfter(ctx, job.ID, queue.Backoff(job.Attempts+1, overload))
	}

	attempts := job.Attempts + 1
	if ce.Retryable && attempts < job.MaxAttempts {
		if err := e.jobs.RecordRetry(ctx, job.ID, attempts, ce.Code, ce.Message); err != nil {
			return err
		}
		delay := queue.Backoff(attempts, overload)
		e.logger.Info("job scheduled for retry",
			zap.String("job_id", job.ID),
			zap.String("code", ce.Code),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))
		return e.queue.EnqueueAfter(ctx, job.ID, delay)
	}

	if err := e.jobs.Finalize(ctx, job.ID, models.JobFailed, attempts, ce.Code, ce.Message); err != nil {
		return err
	}
	e.metrics.JobsCompleted.WithLabelValues(string(models.JobFailed), ce.Code).Inc()
	e.metrics.JobDuration.WithLabelValues(string(models.JobFailed)).Observe(time.Since(start).Seconds())
	e.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("code", ce.Code),
		zap.Int("attempts", attempts))

	e.emitWebhook(tenant, job, models.JobFailed, nil, &models.WebhookError{Code: ce.Code, Message: ce.Message})
	return nil
}

func (e *Executor) admitRPM(ctx context.Context, key string, limit int, denyCode, scope string) error {
	decision, err := e.limiter.AllowRPM(ctx, key, limit, e.cfg.RPMWindow)
	if err != nil {
		return err
	}
	if !decision.Admitted {
		e.metrics.AdmissionDenied.WithLabelValues(scope).Inc()
		return errcode.Newf(denyCode, "rate limit reached (%d in window)", decision.Count)
	}
	return nil
}

func (e *Executor) admitConcurrency(ctx context.Context, key string, limit int, denyCode, scope string, release func(string)) error {
	decision, err := e.limiter.AcquireConcurrency(ctx, key, limit)
	if err != nil {
		return err
	}
	if !decision.Admitted {
		e.metrics.AdmissionDenied.WithLabelValues(scope).Inc()
		return errcode.Newf(denyCode, "concurrency limit reached (%d in flight)", decision.Count)
	}
	release(key)
	return nil
}

func (e *Executor) emitWebhook(tenant *models.Tenant, job *models.Job, status models.JobStatus, urls []string, werr *models.WebhookError) {
	if !tenant.WebhookConfigured() {
		return
	}
	e.webhooks.Enqueue(webhook.Delivery{
		Event: models.WebhookEvent{
			EventID:    uuid.NewString(),
			JobID:      job.ID,
			TenantID:   tenant.ID,
			Status:     status,
			ResultURLs: urls,
			Error:      werr,
			Timestamp:  time.Now().UnixMilli(),
		},
		URL:    tenant.WebhookURL,
		Secret: tenant.WebhookSecret,
	})
}

func extensionFor(mime string) string {
	switch {
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return "jpg"
	case strings.Contains(mime, "webp"):
		return "webp"
	case strings.Contains(mime, "gif"):
		return "gif"
	default:
		return "png"
	}
}
