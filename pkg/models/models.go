// Package models holds the persistent entities shared across the gateway:
// tenants, provider credentials, and generation jobs.
package models

import (
	"time"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobRetrying  JobStatus = "RETRYING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. The state
// machine is monotonic: QUEUED/RETRYING feed RUNNING (or CANCELED on tenant
// request), RUNNING finalizes to SUCCEEDED, FAILED, or back to RETRYING.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobQueued, JobRetrying:
		return next == JobRunning || next == JobCanceled
	case JobRunning:
		return next == JobSucceeded || next == JobFailed || next == JobRetrying
	}
	return false
}

// GenerationMode selects provider behavior: draft trades quality for speed
// and never touches the result cache.
type GenerationMode string

const (
	ModeDraft GenerationMode = "draft"
	ModeFinal GenerationMode = "final"
)

// Resolution values accepted by the API. The upstream provider understands
// size classes, not pixel dimensions.
var Resolutions = []string{"1K", "2K", "4K"}

// AspectRatios accepted by the API.
var AspectRatios = []string{"1:1", "4:3", "3:4", "16:9", "9:16"}

// Tenant is an authenticated API consumer. API keys are never stored in the
// clear: only a salted SHA-256 fingerprint is persisted.
type Tenant struct {
	ID              string     `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	APIKeyHash      string     `db:"api_key_hash" json:"-"`
	PlanRPM         int        `db:"plan_rpm" json:"planRpm"`
	PlanConcurrency int        `db:"plan_concurrency" json:"planConcurrency"`
	WebhookURL      string     `db:"webhook_url" json:"webhookUrl,omitempty"`
	WebhookSecret   string     `db:"webhook_secret" json:"-"`
	WebhookEnabled  bool       `db:"webhook_enabled" json:"webhookEnabled"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// WebhookConfigured reports whether finished jobs should emit webhook events.
func (t *Tenant) WebhookConfigured() bool {
	return t.WebhookEnabled && t.WebhookURL != "" && t.WebhookSecret != ""
}

// Credential authorizes one caller identity at the upstream provider.
// Secret material stays inside this struct and must never be logged or
// serialized into responses.
type Credential struct {
	ID               string    `db:"id" json:"id"`
	Provider         string    `db:"provider" json:"provider"`
	Endpoint         string    `db:"endpoint" json:"endpoint"`
	Secret           string    `db:"secret" json:"-"`
	RPMLimit         int       `db:"rpm_limit" json:"rpmLimit"`
	ConcurrencyLimit int       `db:"concurrency_limit" json:"concurrencyLimit"`
	Priority         int       `db:"priority" json:"priority"`
	Enabled          bool      `db:"enabled" json:"enabled"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// Job is the persistent record of one image-generation request.
type Job struct {
	ID              string         `db:"id" json:"jobId"`
	TenantID        string         `db:"tenant_id" json:"tenantId"`
	IdempotencyKey  *string        `db:"idempotency_key" json:"-"`
	Status          JobStatus      `db:"status" json:"status"`
	Mode            GenerationMode `db:"mode" json:"mode"`
	Prompt          string         `db:"prompt" json:"prompt"`
	InputImage      string         `db:"input_image" json:"-"`
	Resolution      string         `db:"resolution" json:"resolution,omitempty"`
	AspectRatio     string         `db:"aspect_ratio" json:"aspectRatio,omitempty"`
	SampleCount     int            `db:"sample_count" json:"sampleCount,omitempty"`
	Model           string         `db:"model" json:"model,omitempty"`
	Attempts        int            `db:"attempts" json:"attempts"`
	MaxAttempts     int            `db:"max_attempts" json:"maxAttempts"`
	LastErrorCode   string         `db:"last_error_code" json:"-"`
	LastErrorMsg    string         `db:"last_error_msg" json:"-"`
	CredentialID    string         `db:"credential_id" json:"-"`
	ResultURLs      StringList     `db:"result_urls" json:"resultUrls"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// StringList is a []string persisted as a JSON column.
type StringList []string

// WebhookEvent is the payload delivered to tenant callbacks. ResultURLs and
// Error are mutually exclusive depending on Status.
type WebhookEvent struct {
	EventID    string        `json:"eventId"`
	JobID      string        `json:"jobId"`
	TenantID   string        `json:"tenantId"`
	Status     JobStatus     `json:"status"`
	ResultURLs []string      `json:"resultUrls,omitempty"`
	Error      *WebhookError `json:"error,omitempty"`
	Timestamp  int64         `json:"timestamp"`
}

// WebhookError is the user-visible failure detail inside a webhook event.
type WebhookError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
