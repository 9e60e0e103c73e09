package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/cache"
	"github.com/dbsmedya/nrdiscovery/internal/capability"
	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/cost"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/nrql"
	"github.com/dbsmedya/nrdiscovery/internal/query"
	"github.com/dbsmedya/nrdiscovery/internal/ratelimit"
	"github.com/dbsmedya/nrdiscovery/internal/router"
	"github.com/dbsmedya/nrdiscovery/internal/types"
)

// Engine holds the per-session query machinery. Each session builds its own
// so sessions share no limiter, cache or budget state.
type Engine struct {
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Estimator *cost.Estimator
	Detector  *capability.Detector
	Router    *router.Router
}

// NewEngine wires the limiter, cache, estimator, detector and router for one
// session over svc. The estimator probes unknown event type volumes through
// the router.
func NewEngine(cfg *config.Config, svc query.Service, log *logger.Logger, m *metrics.Metrics) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("query service is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	e := &Engine{
		Limiter:   ratelimit.New(cfg.RateLimit, ratelimit.WithMetrics(m)),
		Cache:     cache.New(cfg.Cache.Capacity, cfg.Cache.TTL, cache.WithMetrics(m)),
		Estimator: cost.NewEstimator(cfg.Cost, log, cost.WithMetrics(m)),
		Detector:  capability.NewDetector(svc, cfg.Account.ID, log, m),
	}

	r, err := router.New(svc, e.Limiter, e.Cache, e.Estimator, e.Detector, cfg.Router,
		router.WithLogger(log), router.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create query router: %w", err)
	}
	e.Router = r
	e.Estimator.SetProber(volumeProber(r, cfg.Account.ID, cfg.Discovery))
	return e, nil
}

// volumeProber counts an event type's rows through the router. The request
// carries no EventType, so estimating it never probes again.
func volumeProber(r *router.Router, accountID int, cfg config.DiscoveryConfig) cost.VolumeProber {
	return cost.VolumeProberFunc(func(ctx context.Context, eventType string) (float64, error) {
		res, err := r.Execute(ctx, volumeRequest(accountID, eventType, cfg.Since))
		if err != nil {
			return 0, err
		}
		return cost.VolumePerMinute(float64(countOf(res)), cfg.Since), nil
	})
}

func volumeRequest(accountID int, eventType string, since time.Duration) query.Request {
	return query.Request{
		NRQL:       nrql.Volume(eventType),
		AccountID:  accountID,
		Since:      since,
		Category:   query.CategoryFor(eventType),
		Aggregates: []query.Aggregate{{Column: nrql.AliasCount, Fold: query.FoldSum}},
	}
}

func countOf(res *query.Result) int64 {
	return types.ToInt64(res.First()[nrql.AliasCount])
}
