package config_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/config"
	"github.com/imagegate/imagegate/pkg/storage"
)

const seedYAML = `
tenants:
  - id: t1
    name: acme
    apiKey: ig_live_abc
    planRpm: 60
    planConcurrency: 5
    webhookUrl: https://acme.example/hooks
    webhookSecret: whsec_1
    webhookEnabled: true
credentials:
  - id: k1
    provider: gemini
    endpoint: primary
    secret: s1
    rpmLimit: 60
    concurrencyLimit: 5
    priority: 1
  - id: k2
    provider: gemini
    endpoint: proxy-a
    secret: s2
    rpmLimit: 30
    concurrencyLimit: 2
    priority: 2
    enabled: false
`

var _ = Describe("Seeder", func() {
	var (
		ctx     context.Context
		tenants *storage.MemoryTenants
		creds   *storage.MemoryCredentials
		seeder  *config.Seeder
		path    string
	)

	BeforeEach(func() {
		ctx = context.Background()
		tenants = storage.NewMemoryTenants()
		creds = storage.NewMemoryCredentials()
		seeder = config.NewSeeder(tenants, creds, "salt", zap.NewNop())

		path = filepath.Join(GinkgoT().TempDir(), "seed.yaml")
		Expect(os.WriteFile(path, []byte(seedYAML), 0o600)).To(Succeed())
	})

	It("provisions tenants with hashed keys", func() {
		Expect(seeder.Apply(ctx, path)).To(Succeed())

		t, err := tenants.GetByAPIKeyHash(ctx, config.HashAPIKey("ig_live_abc", "salt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(t.ID).To(Equal("t1"))
		Expect(t.PlanRPM).To(Equal(60))
		Expect(t.WebhookConfigured()).To(BeTrue())
		// The raw key must not be stored anywhere.
		Expect(t.APIKeyHash).NotTo(ContainSubstring("ig_live_abc"))
	})

	It("provisions credentials, honoring the enabled flag", func() {
		Expect(seeder.Apply(ctx, path)).To(Succeed())

		enabled, err := creds.ListEnabled(ctx, "gemini")
		Expect(err).NotTo(HaveOccurred())
		Expect(enabled).To(HaveLen(1))
		Expect(enabled[0].ID).To(Equal("k1"))
		Expect(enabled[0].Endpoint).To(Equal("primary"))
	})

	It("re-applies idempotently", func() {
		Expect(seeder.Apply(ctx, path)).To(Succeed())
		Expect(seeder.Apply(ctx, path)).To(Succeed())

		enabled, err := creds.ListEnabled(ctx, "gemini")
		Expect(err).NotTo(HaveOccurred())
		Expect(enabled).To(HaveLen(1))
	})

	It("picks up edits on re-apply", func() {
		Expect(seeder.Apply(ctx, path)).To(Succeed())

		updated := seedYAML + `
  - id: k3
    provider: gemini
    endpoint: primary
    secret: s3
    rpmLimit: 10
    concurrencyLimit: 1
    priority: 3
`
		Expect(os.WriteFile(path, []byte(updated), 0o600)).To(Succeed())
		Expect(seeder.Apply(ctx, path)).To(Succeed())

		enabled, err := creds.ListEnabled(ctx, "gemini")
		Expect(err).NotTo(HaveOccurred())
		Expect(enabled).To(HaveLen(2))
	})

	It("fails on an unreadable file", func() {
		Expect(seeder.Apply(ctx, filepath.Join(GinkgoT().TempDir(), "missing.yaml"))).NotTo(Succeed())
	})
})

var _ = Describe("HashAPIKey", func() {
	It("is deterministic and salt-sensitive", func() {
		Expect(config.HashAPIKey("k", "s1")).To(Equal(config.HashAPIKey("k", "s1")))
		Expect(config.HashAPIKey("k", "s1")).NotTo(Equal(config.HashAPIKey("k", "s2")))
		Expect(config.HashAPIKey("k", "s1")).To(HaveLen(64))
	})
})
