package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/nrdiscovery/internal/cache"
	"github.com/dbsmedya/nrdiscovery/internal/capability"
	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/cost"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/query"
	"github.com/dbsmedya/nrdiscovery/internal/query/querytest"
	"github.com/dbsmedya/nrdiscovery/internal/ratelimit"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func routerConfig() config.RouterConfig {
	return config.RouterConfig{
		ShortThreshold:       30 * time.Second,
		StandardTimeout:      40 * time.Millisecond,
		LongRunningTimeout:   80 * time.Millisecond,
		SplitWindows:         4,
		MaxLadderTraversals:  2,
		AsyncPollInterval:    5 * time.Millisecond,
		AsyncPollTimeout:     100 * time.Millisecond,
		AsyncResultThreshold: 5000,
	}
}

func costConfig() config.CostConfig {
	return config.CostConfig{
		PerRowCost:             0.001,
		DefaultVolumePerMinute: 100,
		ScanRowsPerSecond:      1_000_000,
	}
}

type fixture struct {
	router    *Router
	estimator *cost.Estimator
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
}

func newFixture(t *testing.T, svc query.Service, rl config.RateLimitConfig, cc config.CostConfig) *fixture {
	t.Helper()
	log := logger.NewNop()
	if rl.MaxConcurrentQueries == 0 {
		rl.MaxConcurrentQueries = 10
	}
	limiter := ratelimit.New(rl)
	c := cache.New(100, time.Hour)
	est := cost.NewEstimator(cc, log)
	det := capability.NewDetector(svc, 1, log, nil)

	r, err := New(svc, limiter, c, est, det, routerConfig(),
		WithLogger(log), WithMetrics(metrics.New(nil)), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return &fixture{router: r, estimator: est, cache: c, limiter: limiter}
}

func TestNew_Validation(t *testing.T) {
	svc := querytest.New()
	log := logger.NewNop()
	limiter := ratelimit.New(config.RateLimitConfig{})
	c := cache.New(1, time.Hour)
	est := cost.NewEstimator(costConfig(), log)
	det := capability.NewDetector(svc, 1, log, nil)

	tests := []struct {
		name   string
		build  func() (*Router, error)
		errMsg string
	}{
		{"nil service", func() (*Router, error) { return New(nil, limiter, c, est, det, routerConfig()) }, "query service is nil"},
		{"nil limiter", func() (*Router, error) { return New(svc, nil, c, est, det, routerConfig()) }, "rate limiter is nil"},
		{"nil cache", func() (*Router, error) { return New(svc, limiter, nil, est, det, routerConfig()) }, "result cache is nil"},
		{"nil estimator", func() (*Router, error) { return New(svc, limiter, c, nil, det, routerConfig()) }, "cost estimator is nil"},
		{"nil detector", func() (*Router, error) { return New(svc, limiter, c, est, nil, routerConfig()) }, "capability detector is nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.build()
			assert.Nil(t, r)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	r, err := New(svc, limiter, c, est, det, routerConfig())
	require.NoError(t, err)
	assert.Nil(t, r.async)

	r, err = New(querytest.NewAsync(), limiter, c, est, det, routerConfig())
	require.NoError(t, err)
	assert.NotNil(t, r.async)
}

func TestDecide(t *testing.T) {
	f := newFixture(t, querytest.NewAsync(), config.RateLimitConfig{}, costConfig())
	r := f.router

	short := cost.Estimate{Duration: time.Second}
	long := cost.Estimate{Duration: 2 * time.Minute}
	plain := capability.Capabilities{MaxQueryDuration: 30 * time.Second}
	dataPlus := capability.Capabilities{DataPlusEnabled: true, MaxQueryDuration: 5 * time.Minute, AsyncSupported: true}
	windowed := query.Request{NRQL: "SELECT count(*) FROM Log", Since: time.Hour}

	tests := []struct {
		name    string
		req     query.Request
		est     cost.Estimate
		caps    capability.Capabilities
		path    query.Path
		timeout time.Duration
	}{
		{"short goes standard", windowed, short, dataPlus, query.PathStandard, 40 * time.Millisecond},
		{"long with data plus", windowed, long, dataPlus, query.PathLongRunning, 80 * time.Millisecond},
		{"long without data plus splits", windowed, long, plain, query.PathSplitWindow, 40 * time.Millisecond},
		{"long without window", query.Request{NRQL: "SHOW EVENT TYPES"}, long, plain, query.PathStandard, 40 * time.Millisecond},
		{"unsplittable stays standard", query.Request{NRQL: "q", Since: time.Hour, Unsplittable: true}, long, plain, query.PathStandard, 40 * time.Millisecond},
		{"forced path", query.Request{NRQL: "q", ForcePath: query.PathLongRunning}, short, plain, query.PathLongRunning, 80 * time.Millisecond},
		{"large result goes async", query.Request{NRQL: "q", ExpectedRows: 10000}, short, dataPlus, query.PathAsync, 100 * time.Millisecond},
		{"large result without async", query.Request{NRQL: "q", ExpectedRows: 10000}, short, plain, query.PathStandard, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := r.Decide(tt.req, tt.est, tt.caps)
			assert.Equal(t, tt.path, plan.Path)
			assert.Equal(t, tt.timeout, plan.Timeout)
			assert.Equal(t, 2, plan.RetryBudget)
			if tt.path == query.PathSplitWindow {
				assert.Equal(t, 4, plan.Windows)
			}
		})
	}
}

func TestExecute_CacheHitSkipsNetworkAndLimiter(t *testing.T) {
	svc := querytest.New()
	req := query.Request{NRQL: "SELECT count(*) FROM Transaction", Since: time.Hour, EventType: "Transaction"}
	svc.On(req.Text(), querytest.Rows(query.Row{"count": 42}))

	// One token per minute: a second token would block the test.
	f := newFixture(t, svc, config.RateLimitConfig{QueriesPerMinute: 1, Burst: 1}, costConfig())

	first, err := f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, query.PathStandard, first.Path)

	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := f.router.Execute(context.Background(), req)
		if assert.NoError(t, err) {
			assert.True(t, second.Cached)
			assert.Equal(t, 42, second.Rows[0]["count"])
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cached execute waited on the limiter")
	}
	assert.Equal(t, 1, svc.Calls(req.Text()))

	// Cached results do not add cost.
	total := f.estimator.Total()
	_, err = f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, total, f.estimator.Total())
}

func TestExecute_BudgetExceededBeforeNetwork(t *testing.T) {
	svc := querytest.New()
	cc := costConfig()
	cc.Ceiling = 0.01
	f := newFixture(t, svc, config.RateLimitConfig{QueriesPerMinute: 1, Burst: 1}, cc)
	f.estimator.SetVolume("Log", 1_000_000)

	_, err := f.router.Execute(context.Background(), query.Request{NRQL: "SELECT count(*) FROM Log", EventType: "Log", Since: time.Hour})
	require.Error(t, err)
	assert.True(t, query.IsBudgetExceeded(err))
	assert.Equal(t, 0, svc.TotalCalls())
	assert.True(t, f.estimator.Halted())

	// The only token is still available.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tok, err := f.limiter.Acquire(ctx)
	require.NoError(t, err)
	tok.Release()
}

func TestExecute_RecordsRealizedCost(t *testing.T) {
	svc := querytest.New()
	inspected := query.Request{NRQL: "SELECT a", EventType: "Transaction", Since: time.Minute}
	estimated := query.Request{NRQL: "SELECT b", EventType: "Log", Since: time.Minute}
	svc.On(inspected.Text(), func(context.Context, string, time.Duration) (*query.Response, error) {
		return &query.Response{Rows: []query.Row{{"a": 1}}, InspectedCount: 2000}, nil
	})

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	res, err := f.router.Execute(context.Background(), inspected)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Cost, 1e-9)
	assert.Equal(t, query.CategoryEvents, res.Category)

	res, err = f.router.Execute(context.Background(), estimated)
	require.NoError(t, err)
	// Default volume 100 rows/min for one minute at 0.001 per row.
	assert.InDelta(t, 0.1, res.Cost, 1e-9)
	assert.Equal(t, query.CategoryLogs, res.Category)

	totals := f.estimator.Totals()
	assert.InDelta(t, 2.0, totals[query.CategoryEvents], 1e-9)
	assert.InDelta(t, 0.1, totals[query.CategoryLogs], 1e-9)
}

func TestExecute_TimeoutAdvancesToSplitWindow(t *testing.T) {
	svc := querytest.New()
	req := query.Request{NRQL: "SELECT count(*) FROM PageView", EventType: "PageView", Since: time.Hour}
	svc.On(req.Text(), querytest.Block())
	svc.OnPrefix(req.NRQL+" SINCE ", func(_ context.Context, text string, _ time.Duration) (*query.Response, error) {
		return &query.Response{Rows: []query.Row{{"q": text}}, Metadata: query.Metadata{EventTypes: []string{"PageView"}}}, nil
	})

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	res, err := f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, query.PathSplitWindow, res.Path)
	assert.Equal(t, []string{"PageView"}, res.Metadata.EventTypes)

	windows := splitWindows(fixedNow, time.Hour, 4)
	require.Len(t, res.Rows, 4)
	for i, w := range windows {
		assert.Equal(t, req.WindowText(w.From, w.To), res.Rows[i]["q"])
	}
	assert.Equal(t, 1, svc.Calls(req.Text()))
	assert.Equal(t, 5, svc.TotalCalls())
}

func TestExecute_SplitWindowFoldsAggregates(t *testing.T) {
	svc := querytest.New()
	req := query.Request{
		NRQL:      "SELECT min(x) AS 'min', max(x) AS 'max', average(x) AS 'avg', count(x) AS 'values' FROM Orders",
		EventType: "Orders",
		Since:     time.Hour,
		Aggregates: []query.Aggregate{
			{Column: "min", Fold: query.FoldMin},
			{Column: "max", Fold: query.FoldMax},
			{Column: "avg", Fold: query.FoldMean, Weight: "values"},
			{Column: "values", Fold: query.FoldSum},
		},
	}
	svc.On(req.Text(), querytest.Block())

	answers := []query.Row{
		{"min": 1.0, "max": 100.0, "avg": 10.0, "values": 100.0},
		{"min": 50.0, "max": 250.0, "avg": 200.0, "values": 100.0},
		{"min": 5.0, "max": 20.0, "avg": 12.0, "values": 200.0},
		{"min": nil, "max": nil, "avg": nil, "values": 0.0},
	}
	for i, w := range splitWindows(fixedNow, time.Hour, 4) {
		svc.On(req.WindowText(w.From, w.To), querytest.Rows(answers[i]))
	}

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	res, err := f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, query.PathSplitWindow, res.Path)
	require.Len(t, res.Rows, 1)

	row := res.First()
	assert.Equal(t, 1.0, row["min"])
	assert.Equal(t, 250.0, row["max"])
	assert.InDelta(t, 58.5, row["avg"], 1e-9)
	assert.Equal(t, 400.0, row["values"])
}

func TestExecute_UnsplittableSkipsSplitWindow(t *testing.T) {
	svc := querytest.New().Fallback(querytest.Block())
	req := query.Request{NRQL: "SELECT uniqueCount(x) FROM Orders", EventType: "Orders", Since: time.Hour, Unsplittable: true}

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	_, err := f.router.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, query.IsFailed(err))
	assert.Equal(t, 0, svc.CallsWithPrefix(req.NRQL+" SINCE 1"))
	assert.Equal(t, 2, svc.Calls(req.Text()))
}

func TestExecute_LadderExhausted(t *testing.T) {
	svc := querytest.New().Fallback(querytest.Block())
	req := query.Request{NRQL: "SELECT count(*) FROM Span", EventType: "Span", Since: time.Hour}

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	_, err := f.router.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, query.IsFailed(err))
	assert.ErrorIs(t, err, query.ErrLadderExhausted)

	var failed *query.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []query.Path{
		query.PathStandard, query.PathSplitWindow,
		query.PathStandard, query.PathSplitWindow,
	}, failed.Attempts)
	assert.True(t, query.IsTransient(failed.Last))
	assert.Equal(t, 2, svc.Calls(req.Text()))
	assert.Equal(t, 0, f.cache.Len())
}

func TestExecute_FullLadderReachesAsync(t *testing.T) {
	svc := querytest.NewAsync()
	svc.PollsUntilDone = 2
	svc.WithCapabilities(&query.CapabilityReport{DataPlus: true, MaxQueryDuration: time.Minute, Async: true}, nil)
	req := query.Request{NRQL: "SELECT * FROM Log", EventType: "Log", Since: time.Hour}
	svc.Fallback(querytest.Block())
	svc.AsyncPages(req.Text(),
		&query.Response{Rows: []query.Row{{"n": 1}, {"n": 2}}},
		&query.Response{Rows: []query.Row{{"n": 3}}},
	)

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	res, err := f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, query.PathAsync, res.Path)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, 3, res.Rows[2]["n"])
	assert.Equal(t, 3, svc.Polls("async-1"))
	// Standard, long running and the async submit share the query text.
	assert.Equal(t, 3, svc.Calls(req.Text()))
	assert.Equal(t, 4, svc.CallsWithPrefix(req.NRQL+" SINCE 17"))
}

func TestExecute_AsyncPollTimeout(t *testing.T) {
	svc := querytest.NewAsync()
	svc.PollsUntilDone = 1 << 30
	svc.WithCapabilities(&query.CapabilityReport{Async: true}, nil)
	req := query.Request{NRQL: "SELECT * FROM Log", EventType: "Log", ForcePath: query.PathAsync}

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	_, err := f.router.Execute(context.Background(), req)
	require.Error(t, err)
	var failed *query.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []query.Path{query.PathAsync, query.PathAsync}, failed.Attempts)
}

func TestExecute_TransientRetriedOnNextTraversal(t *testing.T) {
	svc := querytest.New()
	req := query.Request{NRQL: "SHOW EVENT TYPES"}
	svc.On(req.Text(), querytest.Sequence(
		querytest.Fail(&query.TransientError{Err: errors.New("502 bad gateway")}),
		querytest.Rows(query.Row{"eventType": "Transaction"}),
	))

	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	res, err := f.router.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, query.PathStandard, res.Path)
	assert.Equal(t, 2, svc.Calls(req.Text()))
}

func TestExecute_TerminalErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"permanent", &query.PermanentError{Reason: "NRQL syntax error"}, query.IsPermanent},
		{"session abort", &query.SessionAbortError{Reason: "unauthorized"}, query.IsSessionAbort},
		{"unclassified", errors.New("something odd"), query.IsPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := querytest.New().Fallback(querytest.Fail(tt.err))
			f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
			req := query.Request{NRQL: "SELECT 1 FROM Transaction", Since: time.Hour}

			_, err := f.router.Execute(context.Background(), req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
			assert.Equal(t, 1, svc.TotalCalls())
		})
	}
}

func TestExecute_BudgetRecheckedBetweenStates(t *testing.T) {
	svc := querytest.New()
	cc := costConfig()
	cc.Ceiling = 1
	f := newFixture(t, svc, config.RateLimitConfig{}, cc)

	req := query.Request{NRQL: "SELECT count(*) FROM Span", EventType: "Span", Since: time.Minute}
	svc.On(req.Text(), func(context.Context, string, time.Duration) (*query.Response, error) {
		// Another query realizes most of the budget while this one fails.
		f.estimator.Add(query.CategoryEvents, 0.95)
		return nil, &query.TransientError{Err: errors.New("timeout")}
	})

	_, err := f.router.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, query.IsBudgetExceeded(err))
	assert.Equal(t, 1, svc.TotalCalls())
}

func TestExecute_ParentCancellation(t *testing.T) {
	svc := querytest.New().Fallback(querytest.Block())
	f := newFixture(t, svc, config.RateLimitConfig{}, costConfig())
	cfg := routerConfig()
	cfg.StandardTimeout = time.Minute
	f.router.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.router.Execute(ctx, query.Request{NRQL: "SELECT 1", Since: time.Hour})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, query.IsFailed(err))
}

func TestExecute_ConcurrencyBound(t *testing.T) {
	svc := querytest.New()
	svc.Delay = 5 * time.Millisecond
	f := newFixture(t, svc, config.RateLimitConfig{MaxConcurrentQueries: 3, Burst: 100}, costConfig())

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.Execute(context.Background(), query.Request{NRQL: fmt.Sprintf("SELECT %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, svc.MaxInFlight(), 3)
	assert.Equal(t, 30, svc.TotalCalls())
}

func TestSplitWindows(t *testing.T) {
	windows := splitWindows(fixedNow, time.Hour, 4)
	require.Len(t, windows, 4)
	assert.Equal(t, fixedNow.Add(-time.Hour), windows[0].From)
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].To, windows[i].From)
		assert.Equal(t, 15*time.Minute, windows[i].To.Sub(windows[i].From))
	}
	assert.Equal(t, fixedNow, windows[3].To)

	uneven := splitWindows(fixedNow, 10*time.Nanosecond, 3)
	assert.Equal(t, fixedNow, uneven[2].To)
}
