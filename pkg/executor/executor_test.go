package executor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/cache"
	"github.com/imagegate/imagegate/pkg/errcode"
	"github.com/imagegate/imagegate/pkg/executor"
	"github.com/imagegate/imagegate/pkg/keypool"
	"github.com/imagegate/imagegate/pkg/limiter"
	"github.com/imagegate/imagegate/pkg/metrics"
	"github.com/imagegate/imagegate/pkg/models"
	"github.com/imagegate/imagegate/pkg/provider"
	"github.com/imagegate/imagegate/pkg/queue"
	"github.com/imagegate/imagegate/pkg/storage"
	"github.com/imagegate/imagegate/pkg/webhook"
)

type catalog struct{}

func (catalog) ModelPreferred(endpoint, model string) bool { return false }

var _ = Describe("Executor", func() {
	var (
		ctx       context.Context
		mr        *miniredis.Miniredis
		rdb       *redis.Client
		jobs      *storage.MemoryJobs
		tenants   *storage.MemoryTenants
		creds     *storage.MemoryCredentials
		blobs     *storage.MemoryBlobStore
		fake      *provider.Fake
		jobQueue  *queue.Queue
		lim       *limiter.Limiter
		health    *keypool.HealthTracker
		deliverer *webhook.Deliverer
		exec      *executor.Executor
		tenant    *models.Tenant
	)

	newJob := func(mode models.GenerationMode, prompt string) *models.Job {
		job := &models.Job{
			ID:          uuid.NewString(),
			TenantID:    tenant.ID,
			Status:      models.JobQueued,
			Mode:        mode,
			Prompt:      prompt,
			SampleCount: 1,
			MaxAttempts: 4,
		}
		_, created, err := jobs.Create(ctx, job)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		return job
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		jobs = storage.NewMemoryJobs()
		tenants = storage.NewMemoryTenants()
		creds = storage.NewMemoryCredentials()
		blobs = storage.NewMemoryBlobStore()
		fake = provider.NewFake()

		logger := zap.NewNop()
		m := metrics.New("test")
		jobQueue = queue.New(rdb, logger)
		lim = limiter.New(rdb)
		health = keypool.NewHealthTracker(rdb, logger)
		scheduler := keypool.NewScheduler(creds, health, lim, catalog{}, logger)
		resultCache := cache.New(rdb, logger)
		deliverer = webhook.NewDeliverer(nil, m, logger)

		tenant = &models.Tenant{
			ID:              "t1",
			Name:            "acme",
			APIKeyHash:      "hash",
			PlanRPM:         100,
			PlanConcurrency: 10,
		}
		Expect(tenants.Upsert(ctx, tenant)).To(Succeed())
		Expect(creds.Upsert(ctx, &models.Credential{
			ID:               "k1",
			Provider:         "gemini",
			Endpoint:         "primary",
			Secret:           "s1",
			RPMLimit:         60,
			ConcurrencyLimit: 5,
			Priority:         1,
			Enabled:          true,
		})).To(Succeed())

		cfg := executor.DefaultConfig()
		cfg.GlobalRPM = 100
		cfg.GlobalConcurrency = 10
		exec = executor.New(cfg, jobQueue, jobs, tenants, scheduler, health,
			lim, resultCache, fake, blobs, deliverer, m, logger)
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	It("runs a job to SUCCEEDED and uploads the images", func() {
		job := newJob(models.ModeFinal, "A red apple on a wooden table")

		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobSucceeded))
		Expect(got.ResultURLs).To(HaveLen(1))
		Expect(got.ResultURLs[0]).To(HavePrefix("mem://jobs/" + job.ID))
		Expect(blobs.Len()).To(Equal(1))
		Expect(fake.Calls()).To(Equal(1))
	})

	It("releases every concurrency token after the job", func() {
		job := newJob(models.ModeFinal, "A red apple on a wooden table")
		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		for _, key := range []string{
			limiter.GlobalConcKey(),
			limiter.CredentialConcKey("k1"),
			limiter.TenantConcKey(tenant.ID),
		} {
			n, err := lim.InFlight(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero(), "token leaked on %s", key)
		}
	})

	It("serves an identical final request from the cache", func() {
		prompt := "A red apple on a wooden table"
		first := newJob(models.ModeFinal, prompt)
		Expect(exec.Execute(ctx, first.ID)).To(Succeed())

		second := newJob(models.ModeFinal, prompt)
		Expect(exec.Execute(ctx, second.ID)).To(Succeed())

		got, err := jobs.Get(ctx, second.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobSucceeded))

		firstGot, err := jobs.Get(ctx, first.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ResultURLs).To(Equal(firstGot.ResultURLs))
		// The provider was only consulted for the first job.
		Expect(fake.Calls()).To(Equal(1))
	})

	It("never caches draft mode", func() {
		prompt := "A red apple on a wooden table"
		first := newJob(models.ModeDraft, prompt)
		Expect(exec.Execute(ctx, first.ID)).To(Succeed())

		second := newJob(models.ModeDraft, prompt)
		Expect(exec.Execute(ctx, second.ID)).To(Succeed())

		Expect(fake.Calls()).To(Equal(2))
	})

	It("moves the job to RETRYING on a retryable provider failure", func() {
		fake.EnqueueError(errcode.New(errcode.ServerError, "upstream exploded"))
		job := newJob(models.ModeFinal, "A red apple on a wooden table")

		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobRetrying))
		Expect(got.Attempts).To(Equal(1))
		Expect(got.LastErrorCode).To(Equal(errcode.ServerError))

		// The retry waits in the delayed set, not the ready list.
		depth, err := jobQueue.Depth(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(BeZero())
	})

	It("fails immediately on a non-retryable error", func() {
		fake.EnqueueError(errcode.New(errcode.NoImages, "provider returned no images"))
		job := newJob(models.ModeFinal, "A red apple on a wooden table")

		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobFailed))
		Expect(got.LastErrorCode).To(Equal(errcode.NoImages))
	})

	It("fails when the attempt budget is exhausted", func() {
		job := newJob(models.ModeFinal, "A red apple on a wooden table")
		for i := 0; i < 3; i++ {
			fake.EnqueueError(errcode.New(errcode.ServerError, "upstream exploded"))
			Expect(exec.Execute(ctx, job.ID)).To(Succeed())
		}
		fake.EnqueueError(errcode.New(errcode.ServerError, "upstream exploded"))
		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobFailed))
		Expect(got.Attempts).To(Equal(4))
	})

	It("puts the credential in cooldown after consecutive provider failures", func() {
		for i := 0; i < keypool.FailureThreshold; i++ {
			fake.EnqueueError(errcode.New(errcode.ServerError, "upstream exploded"))
			job := newJob(models.ModeFinal, "A red apple on a wooden table")
			Expect(exec.Execute(ctx, job.ID)).To(Succeed())
		}

		avail, err := health.Check(ctx, "k1")
		Expect(err).NotTo(HaveOccurred())
		Expect(avail.Available).To(BeFalse())

		// With the only credential cooling down, the next job is requeued
		// without reaching the provider.
		calls := fake.Calls()
		job := newJob(models.ModeFinal, "A blue pear on a metal table")
		Expect(exec.Execute(ctx, job.ID)).To(Succeed())
		Expect(fake.Calls()).To(Equal(calls))

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobRetrying))
		Expect(got.Attempts).To(BeZero())
		Expect(got.LastErrorCode).To(Equal(errcode.NoProviderKeyAvailable))
	})

	It("requeues without consuming an attempt when admission is denied", func() {
		// Saturate the tenant concurrency scope.
		for i := 0; i < tenant.PlanConcurrency; i++ {
			d, err := lim.AcquireConcurrency(ctx, limiter.TenantConcKey(tenant.ID), tenant.PlanConcurrency)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Admitted).To(BeTrue())
		}

		job := newJob(models.ModeFinal, "A red apple on a wooden table")
		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobRetrying))
		Expect(got.Attempts).To(BeZero())
		Expect(got.LastErrorCode).To(Equal(errcode.TenantConcLimit))
		Expect(fake.Calls()).To(BeZero())
	})

	It("marks a tenant-rate-limited job RETRYING without consuming an attempt", func() {
		tenant.PlanRPM = 2
		Expect(tenants.Upsert(ctx, tenant)).To(Succeed())

		for i := 0; i < 2; i++ {
			job := newJob(models.ModeDraft, fmt.Sprintf("A painting of city number %d", i))
			Expect(exec.Execute(ctx, job.ID)).To(Succeed())
		}

		third := newJob(models.ModeDraft, "A painting of one city too many")
		Expect(exec.Execute(ctx, third.ID)).To(Succeed())

		got, err := jobs.Get(ctx, third.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobRetrying))
		Expect(got.Attempts).To(BeZero())
		Expect(got.LastErrorCode).To(Equal(errcode.TenantRateLimit))
		Expect(fake.Calls()).To(Equal(2))
	})

	It("skips jobs canceled before pickup", func() {
		job := newJob(models.ModeFinal, "A red apple on a wooden table")
		_, err := jobs.Cancel(ctx, tenant.ID, job.ID)
		Expect(err).NotTo(HaveOccurred())

		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobCanceled))
		Expect(fake.Calls()).To(BeZero())
	})

	It("retries on blob storage failure", func() {
		blobs.FailWith = errcode.New(errcode.StorageError, "bucket unavailable")
		job := newJob(models.ModeFinal, "A red apple on a wooden table")

		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobRetrying))
		Expect(got.LastErrorCode).To(Equal(errcode.StorageError))
	})

	It("discards partial uploads when the job finally fails", func() {
		fake.EnqueueResult(&provider.Result{
			Images: []provider.Image{
				{URL: "data:image/png;base64,aW1n", Mime: "image/png"},
				{URL: "data:image/png;base64,aW1n", Mime: "image/png"},
			},
			ModelUsed:    provider.DefaultModel,
			EndpointUsed: "primary",
		})
		blobs.FailWith = errcode.New(errcode.StorageError, "bucket unavailable")
		blobs.FailAfter = 1

		job := newJob(models.ModeFinal, "A red apple on a wooden table")
		stored, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Attempts).To(BeZero())

		// Exhaust the attempt budget; each run uploads one image before the
		// store fails.
		for i := 0; i < job.MaxAttempts; i++ {
			fake.EnqueueResult(fake.Default)
			Expect(exec.Execute(ctx, job.ID)).To(Succeed())
		}

		got, err := jobs.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.JobFailed))
		Expect(got.ResultURLs).To(BeEmpty())
	})

	It("delivers a signed webhook on completion", func() {
		type received struct {
			body []byte
			sig  string
		}
		var (
			mu     sync.Mutex
			events []received
		)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			events = append(events, received{body: body, sig: r.Header.Get("X-Signature")})
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		tenant.WebhookURL = server.URL
		tenant.WebhookSecret = "whsec"
		tenant.WebhookEnabled = true
		Expect(tenants.Upsert(ctx, tenant)).To(Succeed())

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go deliverer.Run(runCtx)

		job := newJob(models.ModeFinal, "A red apple on a wooden table")
		Expect(exec.Execute(ctx, job.ID)).To(Succeed())

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(events)
		}, 5*time.Second).Should(Equal(1))

		mu.Lock()
		got := events[0]
		mu.Unlock()

		var event models.WebhookEvent
		Expect(json.Unmarshal(got.body, &event)).To(Succeed())
		Expect(event.JobID).To(Equal(job.ID))
		Expect(event.Status).To(Equal(models.JobSucceeded))
		Expect(event.ResultURLs).To(HaveLen(1))
		Expect(webhook.Verify(got.body, "whsec", got.sig, event.Timestamp, time.Now())).To(Succeed())
	})
})
