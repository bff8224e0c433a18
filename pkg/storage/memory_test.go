package storage_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/imagegate/imagegate/pkg/models"
	"github.com/imagegate/imagegate/pkg/storage"
)

var _ = Describe("MemoryJobs", func() {
	var (
		ctx  context.Context
		repo *storage.MemoryJobs
	)

	newJob := func(status models.JobStatus) *models.Job {
		job := &models.Job{
			ID:        uuid.NewString(),
			TenantID:  "t1",
			Status:    status,
			Prompt:    "p",
			CreatedAt: time.Now(),
		}
		_, created, err := repo.Create(ctx, job)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeTrue())
		return job
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = storage.NewMemoryJobs()
	})

	Describe("idempotent create", func() {
		It("returns the original job for a duplicate token", func() {
			token := "order-1"
			first := &models.Job{ID: "j1", TenantID: "t1", IdempotencyKey: &token, Status: models.JobQueued}
			_, created, err := repo.Create(ctx, first)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			dup := &models.Job{ID: "j2", TenantID: "t1", IdempotencyKey: &token, Status: models.JobQueued}
			out, created, err := repo.Create(ctx, dup)
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(out.ID).To(Equal("j1"))
		})

		It("scopes tokens per tenant", func() {
			token := "order-1"
			_, created, err := repo.Create(ctx, &models.Job{ID: "j1", TenantID: "t1", IdempotencyKey: &token})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			_, created, err = repo.Create(ctx, &models.Job{ID: "j2", TenantID: "t2", IdempotencyKey: &token})
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
		})
	})

	Describe("status transitions", func() {
		It("claims QUEUED and RETRYING jobs only once", func() {
			job := newJob(models.JobQueued)

			claimed, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())

			claimed, err = repo.MarkRunning(ctx, job.ID, "k2")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeFalse())
		})

		It("does not claim canceled jobs", func() {
			job := newJob(models.JobQueued)
			_, err := repo.Cancel(ctx, "t1", job.ID)
			Expect(err).NotTo(HaveOccurred())

			claimed, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeFalse())
		})

		It("finalizes only from RUNNING", func() {
			job := newJob(models.JobQueued)
			Expect(repo.Finalize(ctx, job.ID, models.JobSucceeded, 1, "", "")).To(Succeed())

			got, err := repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.JobQueued))
		})

		It("cancels QUEUED and RETRYING jobs only", func() {
			job := newJob(models.JobQueued)
			claimed, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())

			_, err = repo.Cancel(ctx, "t1", job.ID)
			Expect(err).To(Equal(storage.ErrInvalidState))
		})

		It("moves RUNNING jobs back to RETRYING with the error", func() {
			job := newJob(models.JobQueued)
			_, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())

			Expect(repo.RecordRetry(ctx, job.ID, 1, "SERVER_ERROR", "boom")).To(Succeed())

			got, err := repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.JobRetrying))
			Expect(got.Attempts).To(Equal(1))
			Expect(got.LastErrorCode).To(Equal("SERVER_ERROR"))
		})

		It("marks QUEUED jobs waiting without touching attempts", func() {
			job := newJob(models.JobQueued)

			Expect(repo.MarkWaiting(ctx, job.ID, "TENANT_RATE_LIMIT", "window full")).To(Succeed())

			got, err := repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.JobRetrying))
			Expect(got.Attempts).To(BeZero())
			Expect(got.LastErrorCode).To(Equal("TENANT_RATE_LIMIT"))
		})

		It("does not mark RUNNING jobs waiting", func() {
			job := newJob(models.JobQueued)
			_, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())

			Expect(repo.MarkWaiting(ctx, job.ID, "TENANT_RATE_LIMIT", "window full")).To(Succeed())

			got, err := repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.JobRunning))
		})

		It("discards result URLs on retry and on failure", func() {
			job := newJob(models.JobQueued)
			_, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.AppendResultURL(ctx, job.ID, "u1")).To(Succeed())

			Expect(repo.RecordRetry(ctx, job.ID, 1, "STORAGE_ERROR", "bucket down")).To(Succeed())
			got, err := repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ResultURLs).To(BeEmpty())

			_, err = repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.AppendResultURL(ctx, job.ID, "u2")).To(Succeed())

			Expect(repo.Finalize(ctx, job.ID, models.JobFailed, 2, "STORAGE_ERROR", "bucket down")).To(Succeed())
			got, err = repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.JobFailed))
			Expect(got.ResultURLs).To(BeEmpty())
		})

		It("keeps result URLs on success", func() {
			job := newJob(models.JobQueued)
			_, err := repo.MarkRunning(ctx, job.ID, "k1")
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.AppendResultURL(ctx, job.ID, "u1")).To(Succeed())

			Expect(repo.Finalize(ctx, job.ID, models.JobSucceeded, 1, "", "")).To(Succeed())

			got, err := repo.Get(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect([]string(got.ResultURLs)).To(Equal([]string{"u1"}))
		})
	})

	It("appends result URLs in order", func() {
		job := newJob(models.JobQueued)
		Expect(repo.AppendResultURL(ctx, job.ID, "u1")).To(Succeed())
		Expect(repo.AppendResultURL(ctx, job.ID, "u2")).To(Succeed())

		got, err := repo.Get(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect([]string(got.ResultURLs)).To(Equal([]string{"u1", "u2"}))
	})

	It("scopes reads by tenant", func() {
		job := newJob(models.JobQueued)

		_, err := repo.GetForTenant(ctx, "t1", job.ID)
		Expect(err).NotTo(HaveOccurred())

		_, err = repo.GetForTenant(ctx, "t2", job.ID)
		Expect(err).To(Equal(storage.ErrNotFound))
	})
})
