package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/imagegate/imagegate/pkg/models"
	"github.com/imagegate/imagegate/pkg/storage"
)

// SeedFile declares tenants and provider credentials to provision. API keys
// and webhook secrets appear in the clear here; the file is expected to be
// mounted from a secret store.
type SeedFile struct {
	Tenants     []SeedTenant     `yaml:"tenants"`
	Credentials []SeedCredential `yaml:"credentials"`
}

// SeedTenant provisions one API consumer.
type SeedTenant struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	APIKey          string `yaml:"apiKey"`
	PlanRPM         int    `yaml:"planRpm"`
	PlanConcurrency int    `yaml:"planConcurrency"`
	WebhookURL      string `yaml:"webhookUrl"`
	WebhookSecret   string `yaml:"webhookSecret"`
	WebhookEnabled  bool   `yaml:"webhookEnabled"`
}

// SeedCredential provisions one upstream provider credential.
type SeedCredential struct {
	ID               string `yaml:"id"`
	Provider         string `yaml:"provider"`
	Endpoint         string `yaml:"endpoint"`
	Secret           string `yaml:"secret"`
	RPMLimit         int    `yaml:"rpmLimit"`
	ConcurrencyLimit int    `yaml:"concurrencyLimit"`
	Priority         int    `yaml:"priority"`
	Enabled          *bool  `yaml:"enabled"`
}

// HashAPIKey computes the stored fingerprint of a tenant API key.
func HashAPIKey(key, salt string) string {
	sum := sha256.Sum256([]byte(salt + key))
	return hex.EncodeToString(sum[:])
}

// Seeder applies a seed file to the repositories.
type Seeder struct {
	tenants     storage.TenantRepository
	credentials storage.CredentialRepository
	salt        string
	logger      *zap.Logger
}

// NewSeeder creates a Seeder.
func NewSeeder(tenants storage.TenantRepository, credentials storage.CredentialRepository, salt string, logger *zap.Logger) *Seeder {
	return &Seeder{tenants: tenants, credentials: credentials, salt: salt, logger: logger}
}

// Apply loads the seed file and upserts every declared tenant and
// credential. Rows absent from the file are left untouched; disabling a
// credential is done with enabled: false, not by removing it.
func (s *Seeder) Apply(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	now := time.Now().UTC()
	for _, st := range seed.Tenants {
		t := &models.Tenant{
			ID:              st.ID,
			Name:            st.Name,
			APIKeyHash:      HashAPIKey(st.APIKey, s.salt),
			PlanRPM:         st.PlanRPM,
			PlanConcurrency: st.PlanConcurrency,
			WebhookURL:      st.WebhookURL,
			WebhookSecret:   st.WebhookSecret,
			WebhookEnabled:  st.WebhookEnabled,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.tenants.Upsert(ctx, t); err != nil {
			return fmt.Errorf("seed tenant %s: %w", st.ID, err)
		}
	}

	for _, sc := range seed.Credentials {
		enabled := true
		if sc.Enabled != nil {
			enabled = *sc.Enabled
		}
		c := &models.Credential{
			ID:               sc.ID,
			Provider:         sc.Provider,
			Endpoint:         sc.Endpoint,
			Secret:           sc.Secret,
			RPMLimit:         sc.RPMLimit,
			ConcurrencyLimit: sc.ConcurrencyLimit,
			Priority:         sc.Priority,
			Enabled:          enabled,
			CreatedAt:        now,
		}
		if err := s.credentials.Upsert(ctx, c); err != nil {
			return fmt.Errorf("seed credential %s: %w", sc.ID, err)
		}
	}

	s.logger.Info("seed file applied",
		zap.String("path", path),
		zap.Int("tenants", len(seed.Tenants)),
		zap.Int("credentials", len(seed.Credentials)))
	return nil
}

// Watch re-applies the seed file whenever it changes, until the context is
// canceled. The parent directory is watched because editors and secret
// mounts replace the file rather than writing in place.
func (s *Seeder) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create seed watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Apply(ctx, path); err != nil {
				s.logger.Error("seed reload failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("seed watcher error", zap.Error(err))
		}
	}
}
