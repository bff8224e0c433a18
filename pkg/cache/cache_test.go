package cache_test

import (
	"context"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/cache"
	"github.com/imagegate/imagegate/pkg/models"
)

var _ = Describe("ResultCache", func() {
	var (
		ctx context.Context
		mr  *miniredis.Miniredis
		rdb *redis.Client
		rc  *cache.ResultCache
	)

	params := cache.Params{
		Prompt:      "A red apple on a wooden table",
		Model:       "gemini-2.5-flash-image",
		Resolution:  "1K",
		AspectRatio: "1:1",
		SampleCount: 1,
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		rc = cache.New(rdb, zap.NewNop())
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	Describe("Cacheable", func() {
		It("admits final-mode jobs with a long enough prompt", func() {
			Expect(cache.Cacheable(models.ModeFinal, "A red apple on a table")).To(BeTrue())
		})

		It("rejects draft mode regardless of prompt", func() {
			Expect(cache.Cacheable(models.ModeDraft, "A red apple on a table")).To(BeFalse())
		})

		It("rejects short prompts", func() {
			Expect(cache.Cacheable(models.ModeFinal, "apple")).To(BeFalse())
		})
	})

	It("round-trips an entry", func() {
		urls := []string{"https://blobs/jobs/j1/0.png"}
		Expect(rc.Put(ctx, params, urls, "gemini-2.5-flash-image")).To(Succeed())

		entry, err := rc.Get(ctx, params)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).NotTo(BeNil())
		Expect(entry.URLs).To(Equal(urls))
		Expect(entry.Model).To(Equal("gemini-2.5-flash-image"))
	})

	It("misses when any parameter differs", func() {
		Expect(rc.Put(ctx, params, []string{"u"}, "m")).To(Succeed())

		other := params
		other.AspectRatio = "16:9"
		entry, err := rc.Get(ctx, other)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())
	})

	It("expires entries after the TTL", func() {
		Expect(rc.Put(ctx, params, []string{"u"}, "m")).To(Succeed())
		mr.FastForward(cache.TTL + 1)

		entry, err := rc.Get(ctx, params)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())
	})

	It("degrades a corrupt entry to a miss", func() {
		mr.Set("rc:gemini:"+cache.Fingerprint(params), "not-json")

		entry, err := rc.Get(ctx, params)
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).To(BeNil())
	})
})
