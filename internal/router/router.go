// Package router executes queries through the cache, the cost budget, the
// rate limiter and a ladder of execution strategies.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/cache"
	"github.com/dbsmedya/nrdiscovery/internal/capability"
	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/cost"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/query"
	"github.com/dbsmedya/nrdiscovery/internal/ratelimit"
)

// ladder is the order execution paths are tried in.
var ladder = []query.Path{
	query.PathStandard,
	query.PathSplitWindow,
	query.PathLongRunning,
	query.PathAsync,
}

// Router routes query requests. It is safe for concurrent use.
type Router struct {
	svc       query.Service
	async     query.AsyncService
	limiter   *ratelimit.Limiter
	cache     *cache.Cache
	estimator *cost.Estimator
	detector  *capability.Detector
	cfg       config.RouterConfig
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics records per-path query outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides the time source used to place split windows.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router. The async path is available only when svc also
// implements query.AsyncService.
func New(
	svc query.Service,
	limiter *ratelimit.Limiter,
	resultCache *cache.Cache,
	estimator *cost.Estimator,
	detector *capability.Detector,
	cfg config.RouterConfig,
	opts ...Option,
) (*Router, error) {
	if svc == nil {
		return nil, fmt.Errorf("query service is nil")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is nil")
	}
	if resultCache == nil {
		return nil, fmt.Errorf("result cache is nil")
	}
	if estimator == nil {
		return nil, fmt.Errorf("cost estimator is nil")
	}
	if detector == nil {
		return nil, fmt.Errorf("capability detector is nil")
	}

	r := &Router{
		svc:       svc,
		limiter:   limiter,
		cache:     resultCache,
		estimator: estimator,
		detector:  detector,
		cfg:       cfg,
		log:       logger.NewDefault(),
		now:       time.Now,
	}
	if a, ok := svc.(query.AsyncService); ok {
		r.async = a
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Decide chooses the initial execution plan for a request.
func (r *Router) Decide(req query.Request, est cost.Estimate, caps capability.Capabilities) query.Plan {
	path := query.PathStandard
	switch {
	case req.ForcePath != query.PathAuto && req.ForcePath != query.PathFailed:
		path = req.ForcePath
	case r.cfg.AsyncResultThreshold > 0 && req.ExpectedRows > r.cfg.AsyncResultThreshold && r.supported(query.PathAsync, req, caps):
		path = query.PathAsync
	case est.Duration < r.cfg.ShortThreshold:
		path = query.PathStandard
	case caps.DataPlusEnabled:
		path = query.PathLongRunning
	case r.supported(query.PathSplitWindow, req, caps):
		path = query.PathSplitWindow
	}

	plan := query.Plan{
		Path:        path,
		Timeout:     r.timeoutFor(path, caps),
		RetryBudget: r.cfg.MaxLadderTraversals,
	}
	if path == query.PathSplitWindow {
		plan.Windows = r.windows()
	}
	return plan
}

// Execute runs a request. A cached result returns without touching the
// network or the limiter. A request whose estimate exceeds the remaining
// budget fails with *query.BudgetExceededError before any token is taken.
func (r *Router) Execute(ctx context.Context, req query.Request) (*query.Result, error) {
	text := req.Text()
	if res, ok := r.cache.Get(text); ok {
		r.metrics.ObserveQuery(res.Path.String(), "cached", 0)
		return res, nil
	}

	est := r.estimator.Estimate(ctx, req)
	if err := r.estimator.Check(est); err != nil {
		r.metrics.ObserveQuery(query.PathAuto.String(), "budget_exceeded", 0)
		return nil, err
	}

	caps := r.detector.Detect(ctx)
	plan := r.Decide(req, est, caps)
	log := r.log.WithFields(map[string]interface{}{"event_type": req.EventType, "path": plan.Path.String()})
	log.Debugf("Routing query: %s", text)

	start := r.now()
	res, err := r.climb(ctx, req, est, caps, plan, log)
	elapsed := r.now().Sub(start)
	if err != nil {
		outcome := "failed"
		switch {
		case query.IsPermanent(err):
			outcome = "permanent"
		case query.IsSessionAbort(err):
			outcome = "aborted"
		case query.IsBudgetExceeded(err):
			outcome = "budget_exceeded"
		case ctx.Err() != nil:
			outcome = "cancelled"
		}
		r.metrics.ObserveQuery(plan.Path.String(), outcome, elapsed)
		return nil, err
	}

	res.Duration = elapsed
	r.estimator.Record(res)
	r.cache.Put(text, res)
	r.metrics.ObserveQuery(res.Path.String(), "success", elapsed)
	return res, nil
}

// climb walks the ladder from the plan's path. Every rung runs once; a
// transient failure moves to the next supported rung. Passing the last rung
// counts one traversal and restarts at the plan's path.
func (r *Router) climb(
	ctx context.Context,
	req query.Request,
	est cost.Estimate,
	caps capability.Capabilities,
	plan query.Plan,
	log *logger.Logger,
) (*query.Result, error) {
	startIdx := ladderIndex(plan.Path)
	traversals := plan.RetryBudget
	if traversals <= 0 {
		traversals = 1
	}

	var (
		attempts []query.Path
		last     error
	)
	for pass := 0; pass < traversals; pass++ {
		for idx := startIdx; idx < len(ladder); idx++ {
			path := ladder[idx]
			if !r.supported(path, req, caps) {
				continue
			}
			if err := r.estimator.Check(est); err != nil {
				return nil, err
			}

			attempts = append(attempts, path)
			resp, err := r.run(ctx, path, req, caps)
			if err == nil {
				return r.result(resp, req, est, path), nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("query interrupted: %w", ctxErr)
			}
			if query.IsSessionAbort(err) || query.IsPermanent(err) || query.IsBudgetExceeded(err) {
				return nil, err
			}
			if !query.IsTransient(err) {
				return nil, &query.PermanentError{Query: req.Text(), Reason: "unclassified service error", Err: err}
			}

			last = err
			log.Infof("Query attempt on %s path failed, advancing: %v", path, err)
		}
	}

	if last == nil {
		last = errors.New("no supported execution path")
	}
	return nil, &query.FailedError{Query: req.Text(), Attempts: attempts, Last: last}
}

func (r *Router) run(ctx context.Context, path query.Path, req query.Request, caps capability.Capabilities) (*query.Response, error) {
	switch path {
	case query.PathStandard:
		return r.runOnce(ctx, req.Text(), req.AccountID, r.cfg.StandardTimeout)
	case query.PathSplitWindow:
		return r.runSplit(ctx, req)
	case query.PathLongRunning:
		return r.runOnce(ctx, req.Text(), req.AccountID, r.timeoutFor(query.PathLongRunning, caps))
	case query.PathAsync:
		return r.runAsync(ctx, req)
	default:
		return nil, &query.PermanentError{Query: req.Text(), Reason: fmt.Sprintf("unexecutable path %s", path)}
	}
}

// runOnce performs one rate-limited call with its own deadline. Expiry of
// that deadline is reported as transient.
func (r *Router) runOnce(ctx context.Context, text string, accountID int, timeout time.Duration) (*query.Response, error) {
	tok, err := r.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer tok.Release()

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := r.svc.Execute(attemptCtx, text, accountID, timeout)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &query.TransientError{Query: text, Err: fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)}
		}
		return nil, err
	}
	if resp == nil {
		resp = &query.Response{}
	}
	return resp, nil
}

func (r *Router) result(resp *query.Response, req query.Request, est cost.Estimate, path query.Path) *query.Result {
	amount := est.Amount
	if resp.InspectedCount > 0 {
		amount = r.estimator.Price(float64(resp.InspectedCount))
	}
	return &query.Result{
		Rows:     resp.Rows,
		Metadata: resp.Metadata,
		Cost:     amount,
		Category: req.CostCategory(),
		Path:     path,
	}
}

func (r *Router) supported(path query.Path, req query.Request, caps capability.Capabilities) bool {
	switch path {
	case query.PathStandard:
		return true
	case query.PathSplitWindow:
		return req.Since > 0 && !req.Unsplittable
	case query.PathLongRunning:
		return caps.DataPlusEnabled
	case query.PathAsync:
		return caps.AsyncSupported && r.async != nil
	default:
		return false
	}
}

func (r *Router) timeoutFor(path query.Path, caps capability.Capabilities) time.Duration {
	switch path {
	case query.PathLongRunning:
		t := r.cfg.LongRunningTimeout
		if caps.MaxQueryDuration > 0 && caps.MaxQueryDuration < t {
			t = caps.MaxQueryDuration
		}
		if t > capability.MaxQueryDurationCap {
			t = capability.MaxQueryDurationCap
		}
		return t
	case query.PathAsync:
		return r.cfg.AsyncPollTimeout
	default:
		return r.cfg.StandardTimeout
	}
}

func (r *Router) windows() int {
	if r.cfg.SplitWindows < 2 {
		return 2
	}
	return r.cfg.SplitWindows
}

func ladderIndex(path query.Path) int {
	for i, p := range ladder {
		if p == path {
			return i
		}
	}
	return 0
}
