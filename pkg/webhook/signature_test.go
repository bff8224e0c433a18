package webhook_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/imagegate/imagegate/pkg/webhook"
)

var _ = Describe("Signature", func() {
	body := []byte(`{"eventId":"e1","jobId":"j1","status":"SUCCEEDED"}`)
	secret := "whsec_test"

	It("signs with the sha256= prefix", func() {
		sig := webhook.Sign(body, secret)
		Expect(sig).To(HavePrefix(webhook.SignaturePrefix))
		Expect(sig).To(HaveLen(len(webhook.SignaturePrefix) + 64))
	})

	It("verifies a fresh signed payload", func() {
		now := time.Now()
		sig := webhook.Sign(body, secret)
		Expect(webhook.Verify(body, secret, sig, now.UnixMilli(), now)).To(Succeed())
	})

	It("rejects a tampered body", func() {
		now := time.Now()
		sig := webhook.Sign(body, secret)
		tampered := append([]byte(nil), body...)
		tampered[0] = '['
		Expect(webhook.Verify(tampered, secret, sig, now.UnixMilli(), now)).NotTo(Succeed())
	})

	It("rejects the wrong secret", func() {
		now := time.Now()
		sig := webhook.Sign(body, "other")
		Expect(webhook.Verify(body, secret, sig, now.UnixMilli(), now)).NotTo(Succeed())
	})

	It("rejects a missing prefix", func() {
		now := time.Now()
		Expect(webhook.Verify(body, secret, "deadbeef", now.UnixMilli(), now)).NotTo(Succeed())
	})

	It("rejects events older than the replay window", func() {
		now := time.Now()
		stale := now.Add(-webhook.MaxEventAge - time.Second)
		sig := webhook.Sign(body, secret)
		Expect(webhook.Verify(body, secret, sig, stale.UnixMilli(), now)).NotTo(Succeed())
	})

	It("accepts events just inside the replay window", func() {
		now := time.Now()
		recent := now.Add(-webhook.MaxEventAge + time.Second)
		sig := webhook.Sign(body, secret)
		Expect(webhook.Verify(body, secret, sig, recent.UnixMilli(), now)).To(Succeed())
	})
})
