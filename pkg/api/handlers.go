package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/errcode"
	"github.com/imagegate/imagegate/pkg/models"
	"github.com/imagegate/imagegate/pkg/storage"
)

const (
	defaultMaxAttempts = 4
	maxInputImageBytes = 4 << 20
	maxListLimit       = 100
)

var dataURLPattern = regexp.MustCompile(`^data:image/(png|jpeg|jpg|gif|webp);base64,([A-Za-z0-9+/]+=*)$`)

// generateRequest is the intake body. Enum fields are validated against the
// shared model tables so the API and the executor cannot drift.
type generateRequest struct {
	Prompt      string `json:"prompt" validate:"required,max=8192"`
	InputImage  string `json:"inputImage,omitempty" validate:"omitempty,dataurl_image"`
	Mode        string `json:"mode,omitempty" validate:"omitempty,oneof=draft final"`
	Resolution  string `json:"resolution,omitempty" validate:"omitempty,image_resolution"`
	AspectRatio string `json:"aspectRatio,omitempty" validate:"omitempty,aspect_ratio"`
	SampleCount int    `json:"sampleCount,omitempty" validate:"omitempty,min=1,max=10"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("dataurl_image", func(fl validator.FieldLevel) bool {
		m := dataURLPattern.FindStringSubmatch(fl.Field().String())
		if m == nil {
			return false
		}
		// Bound the decoded payload without decoding: 4 base64 chars carry
		// 3 bytes.
		return len(m[2])/4*3 <= maxInputImageBytes
	})
	v.RegisterValidation("image_resolution", oneOfList(models.Resolutions))
	v.RegisterValidation("aspect_ratio", oneOfList(models.AspectRatios))
	return v
}

func oneOfList(allowed []string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		for _, a := range allowed {
			if s == a {
				return true
			}
		}
		return false
	}
}

type generateResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, errcode.New(errcode.InvalidRequest, err.Error()))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errcode.Newf(errcode.InvalidRequest, "validation failed: %v", err))
		return
	}
	if req.InputImage != "" {
		// The length heuristic above is approximate; verify the payload
		// actually decodes and honors the size cap.
		raw, err := base64.StdEncoding.DecodeString(dataURLPattern.FindStringSubmatch(req.InputImage)[2])
		if err != nil || len(raw) > maxInputImageBytes {
			s.respondError(w, http.StatusBadRequest, errcode.New(errcode.InvalidRequest, "inputImage must be a base64 image no larger than 4 MiB"))
			return
		}
	}

	mode := models.GenerationMode(req.Mode)
	if mode == "" {
		mode = models.ModeDraft
	}
	sampleCount := req.SampleCount
	if sampleCount == 0 {
		sampleCount = 1
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		Status:      models.JobQueued,
		Mode:        mode,
		Prompt:      req.Prompt,
		InputImage:  req.InputImage,
		Resolution:  req.Resolution,
		AspectRatio: req.AspectRatio,
		SampleCount: sampleCount,
		MaxAttempts: defaultMaxAttempts,
		ResultURLs:  models.StringList{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		job.IdempotencyKey = &key
	}

	stored, created, err := s.jobs.Create(r.Context(), job)
	if err != nil {
		s.logger.Error("job create failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errcode.New(errcode.ServerError, "internal error"))
		return
	}
	if created {
		if err := s.queue.Enqueue(r.Context(), stored.ID); err != nil {
			s.logger.Error("job enqueue failed", zap.String("job_id", stored.ID), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, errcode.New(errcode.ServerError, "internal error"))
			return
		}
		s.metrics.JobsSubmitted.WithLabelValues(string(mode)).Inc()
	}

	s.respondJSON(w, http.StatusAccepted, generateResponse{JobID: stored.ID, Status: stored.Status})
}

// jobView is the tenant-visible job projection.
type jobView struct {
	JobID       string                `json:"jobId"`
	Status      models.JobStatus      `json:"status"`
	Mode        models.GenerationMode `json:"mode"`
	Prompt      string                `json:"prompt"`
	Resolution  string                `json:"resolution,omitempty"`
	AspectRatio string                `json:"aspectRatio,omitempty"`
	SampleCount int                   `json:"sampleCount,omitempty"`
	Attempts    int                   `json:"attempts"`
	ResultURLs  []string              `json:"resultUrls"`
	Error       *errorBody            `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

func viewOf(j *models.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		Status:      j.Status,
		Mode:        j.Mode,
		Prompt:      j.Prompt,
		Resolution:  j.Resolution,
		AspectRatio: j.AspectRatio,
		SampleCount: j.SampleCount,
		Attempts:    j.Attempts,
		ResultURLs:  j.ResultURLs,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if v.ResultURLs == nil {
		v.ResultURLs = []string{}
	}
	if j.Status == models.JobFailed && j.LastErrorCode != "" {
		e := errcode.New(j.LastErrorCode, j.LastErrorMsg)
		v.Error = &errorBody{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
	}
	return v
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	job, err := s.jobs.GetForTenant(r.Context(), tenant.ID, chi.URLParam(r, "jobID"))
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, errcode.New(errcode.NotFound, "job not found"))
		return
	}
	if err != nil {
		s.logger.Error("job lookup failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errcode.New(errcode.ServerError, "internal error"))
		return
	}
	s.respondJSON(w, http.StatusOK, viewOf(job))
}

type listResponse struct {
	Items      []jobView `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())

	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = models.JobStatus(raw)
		switch status {
		case models.JobQueued, models.JobRunning, models.JobRetrying,
			models.JobSucceeded, models.JobFailed, models.JobCanceled:
		default:
			s.respondError(w, http.StatusBadRequest, errcode.Newf(errcode.InvalidRequest, "unknown status %q", raw))
			return
		}
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.respondError(w, http.StatusBadRequest, errcode.Newf(errcode.InvalidRequest, "limit must be 1..%d", maxListLimit))
			return
		}
		limit = n
	}

	jobs, next, err := s.jobs.List(r.Context(), tenant.ID, status, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.logger.Error("job list failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errcode.New(errcode.ServerError, "internal error"))
		return
	}

	resp := listResponse{Items: make([]jobView, 0, len(jobs)), NextCursor: next, HasMore: next != ""}
	for i := range jobs {
		resp.Items = append(resp.Items, viewOf(&jobs[i]))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	job, err := s.jobs.Cancel(r.Context(), tenant.ID, chi.URLParam(r, "jobID"))
	if err == storage.ErrNotFound {
		s.respondError(w, http.StatusNotFound, errcode.New(errcode.NotFound, "job not found"))
		return
	}
	if errors.Is(err, storage.ErrInvalidState) {
		s.respondError(w, http.StatusBadRequest, errcode.New(errcode.InvalidState, "job is not cancelable in its current state"))
		return
	}
	if err != nil {
		s.logger.Error("job cancel failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, errcode.New(errcode.ServerError, "internal error"))
		return
	}
	s.respondJSON(w, http.StatusOK, viewOf(job))
}
