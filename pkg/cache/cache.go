// Package cache stores previously produced image URL lists keyed by a
// fingerprint of the generation parameters. The cache is advisory: entries
// may outlive the blobs they point at within the 24h window.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/imagegate/imagegate/pkg/models"
)

const (
	// TTL bounds cache entry lifetime.
	TTL = 24 * time.Hour
	// minPromptLen gates caching: very short prompts are too ambiguous to
	// deduplicate safely.
	minPromptLen = 10
)

// Params are the fields that uniquely determine a generation result.
type Params struct {
	Prompt      string
	Model       string
	Resolution  string
	AspectRatio string
	SampleCount int
}

// Entry is the cached result.
type Entry struct {
	URLs      []string  `json:"urls"`
	Model     string    `json:"model"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Fingerprint hashes the parameters into the cache key suffix.
func Fingerprint(p Params) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", p.Prompt, p.Model, p.Resolution, p.AspectRatio, p.SampleCount)
	return hex.EncodeToString(h.Sum(nil))
}

func key(fingerprint string) string { return "rc:gemini:" + fingerprint }

// ResultCache reads and writes cached results in the coordination store.
// Concurrent lookups of the same fingerprint within one process are
// collapsed into a single store read.
type ResultCache struct {
	rdb    redis.UniversalClient
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a ResultCache.
func New(rdb redis.UniversalClient, logger *zap.Logger) *ResultCache {
	return &ResultCache{rdb: rdb, logger: logger}
}

// Cacheable reports whether a job participates in the cache at all.
// Draft-mode jobs never read or write it.
func Cacheable(mode models.GenerationMode, prompt string) bool {
	return mode == models.ModeFinal && len(prompt) >= minPromptLen
}

// Get returns the cached entry for the parameters, or nil on miss. Cache
// errors degrade to a miss: a flaky store must not fail jobs.
func (c *ResultCache) Get(ctx context.Context, p Params) (*Entry, error) {
	fp := Fingerprint(p)
	v, err, _ := c.group.Do(fp, func() (any, error) {
		data, err := c.rdb.Get(ctx, key(fp)).Bytes()
		if err == redis.Nil {
			return (*Entry)(nil), nil
		}
		if err != nil {
			c.logger.Warn("result cache read failed", zap.Error(err))
			return (*Entry)(nil), nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Warn("result cache entry corrupt, ignoring", zap.Error(err))
			return (*Entry)(nil), nil
		}
		return &entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Put stores a result. Only called when the provider returned at least one
// image; callers enforce that.
func (c *ResultCache) Put(ctx context.Context, p Params, urls []string, model string) error {
	entry := Entry{URLs: urls, Model: model, ExpiresAt: time.Now().Add(TTL)}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.rdb.Set(ctx, key(Fingerprint(p)), data, TTL).Err(); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
