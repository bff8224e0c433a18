// Package webhook delivers signed job-completion events to tenant callbacks
// and provides the matching verification helper for receivers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignaturePrefix precedes the hex digest in the X-Signature header.
const SignaturePrefix = "sha256="

// MaxEventAge is the replay guard: receivers should reject events whose
// timestamp is older than this.
const MaxEventAge = 5 * time.Minute

// Sign computes the X-Signature header value for a serialized payload. The
// HMAC covers the body verbatim; any re-serialization on the receiving side
// invalidates it.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature over the raw body with a constant-time
// comparison and applies the replay guard against the event timestamp
// (milliseconds).
func Verify(body []byte, secret, signature string, timestampMillis int64, now time.Time) error {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return fmt.Errorf("malformed signature header")
	}
	want, err := hex.DecodeString(strings.TrimPrefix(signature, SignaturePrefix))
	if err != nil {
		return fmt.Errorf("malformed signature hex: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("signature mismatch")
	}
	eventTime := time.UnixMilli(timestampMillis)
	if now.Sub(eventTime) > MaxEventAge {
		return fmt.Errorf("event too old: %s", eventTime)
	}
	return nil
}
