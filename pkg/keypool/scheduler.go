package keypool

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/errcode"
	"github.com/imagegate/imagegate/pkg/limiter"
	"github.com/imagegate/imagegate/pkg/models"
)

// CredentialSource lists the enabled credentials for a provider, in row
// creation order. Creation order is the final tie-break, so the source must
// return a stable ordering.
type CredentialSource interface {
	ListEnabled(ctx context.Context, provider string) ([]models.Credential, error)
}

// EndpointCatalog answers whether an endpoint declares a model as preferred.
type EndpointCatalog interface {
	ModelPreferred(endpoint, model string) bool
}

// PickRequest narrows the credential search for one job attempt.
type PickRequest struct {
	Provider          string
	Model             string
	PreferredEndpoint string
	AllowFallback     bool
	ExcludeEndpoints  map[string]bool
}

// Scheduler picks the credential a job attempt should run on. The ordering
// is fully deterministic so that two workers observing equal Redis state
// choose the same winner.
type Scheduler struct {
	source  CredentialSource
	health  *HealthTracker
	limiter *limiter.Limiter
	catalog EndpointCatalog
	logger  *zap.Logger
}

// NewScheduler wires a scheduler. catalog may be nil when no endpoint
// declares preferred models.
func NewScheduler(source CredentialSource, health *HealthTracker, lim *limiter.Limiter, catalog EndpointCatalog, logger *zap.Logger) *Scheduler {
	return &Scheduler{source: source, health: health, limiter: lim, catalog: catalog, logger: logger}
}

type candidate struct {
	cred              models.Credential
	modelPreferred    bool
	endpointPreferred bool
	healthScore       float64
	inFlight          int64
	failureRate       float64
}

// Pick returns the best available credential, or NO_PROVIDER_KEY_AVAILABLE
// when every candidate is cooling down, saturated, or excluded.
func (s *Scheduler) Pick(ctx context.Context, req PickRequest) (*models.Credential, error) {
	creds, err := s.source.ListEnabled(ctx, req.Provider)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, cred := range creds {
		if req.ExcludeEndpoints[cred.Endpoint] {
			continue
		}
		if !req.AllowFallback && req.PreferredEndpoint != "" && cred.Endpoint != req.PreferredEndpoint {
			continue
		}

		avail, err := s.health.Check(ctx, cred.ID)
		if err != nil {
			return nil, err
		}
		if !avail.Available {
			continue
		}

		inFlight, err := s.limiter.InFlight(ctx, limiter.CredentialConcKey(cred.ID))
		if err != nil {
			return nil, err
		}
		if inFlight >= int64(cred.ConcurrencyLimit) {
			continue
		}

		score, err := s.health.HealthScore(ctx, cred.ID)
		if err != nil {
			return nil, err
		}
		rate, err := s.health.EndpointFailureRate(ctx, req.Provider, cred.Endpoint)
		if err != nil {
			return nil, err
		}

		candidates = append(candidates, candidate{
			cred:              cred,
			modelPreferred:    s.catalog != nil && req.Model != "" && s.catalog.ModelPreferred(cred.Endpoint, req.Model),
			endpointPreferred: req.PreferredEndpoint != "" && cred.Endpoint == req.PreferredEndpoint,
			healthScore:       score,
			inFlight:          inFlight,
			failureRate:       rate,
		})
	}

	if len(candidates) == 0 {
		return nil, errcode.New(errcode.NoProviderKeyAvailable, "no enabled credential is available for "+req.Provider)
	}

	// SliceStable preserves creation order between candidates equal on
	// every sort key.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.modelPreferred != b.modelPreferred {
			return a.modelPreferred
		}
		if a.endpointPreferred != b.endpointPreferred {
			return a.endpointPreferred
		}
		if a.cred.Priority != b.cred.Priority {
			return a.cred.Priority < b.cred.Priority
		}
		if gap := a.healthScore - b.healthScore; gap > 10 || gap < -10 {
			return gap > 0
		}
		if a.inFlight != b.inFlight {
			return a.inFlight < b.inFlight
		}
		if a.failureRate != b.failureRate {
			return a.failureRate < b.failureRate
		}
		return false
	})

	winner := candidates[0].cred
	s.logger.Debug("credential picked",
		zap.String("credential_id", winner.ID),
		zap.String("endpoint", winner.Endpoint),
		zap.Int("candidates", len(candidates)))
	return &winner, nil
}
