// Package cost estimates query cost before execution, accumulates realized
// cost per category and enforces the session's cost ceiling.
package cost

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/query"
)

// defaultWindow is the service's implicit window when a request has no hint.
const defaultWindow = time.Hour

// microUnits per cost unit. Totals are kept as integers so concurrent adds
// are exact and order independent.
const microUnits = 1_000_000

// VolumeProber measures an event type's ingest rate in rows per minute.
type VolumeProber interface {
	ProbeVolume(ctx context.Context, eventType string) (float64, error)
}

// VolumeProberFunc adapts a function to VolumeProber.
type VolumeProberFunc func(ctx context.Context, eventType string) (float64, error)

// ProbeVolume calls f.
func (f VolumeProberFunc) ProbeVolume(ctx context.Context, eventType string) (float64, error) {
	return f(ctx, eventType)
}

// WarningFunc is called once when realized cost crosses the warning threshold.
type WarningFunc func(used, ceiling float64)

// Estimate is the predicted cost and duration of a request.
type Estimate struct {
	Query    string
	Rows     float64
	Amount   float64
	Duration time.Duration
	Category query.Category
}

// Estimator is safe for concurrent use by every goroutine of a session.
type Estimator struct {
	cfg     config.CostConfig
	log     *logger.Logger
	metrics *metrics.Metrics

	totals sync.Map // query.Category -> *atomic.Int64

	volMu   sync.RWMutex
	volumes map[string]float64
	prober  VolumeProber

	halted    atomic.Bool
	warned    atomic.Bool
	onWarning atomic.Pointer[WarningFunc]
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithProber sets the fallback volume prober.
func WithProber(p VolumeProber) Option {
	return func(e *Estimator) { e.prober = p }
}

// WithOnWarning installs the warning hook.
func WithOnWarning(fn WarningFunc) Option {
	return func(e *Estimator) { e.SetOnWarning(fn) }
}

// WithMetrics records realized cost per category.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Estimator) { e.metrics = m }
}

// NewEstimator creates an Estimator. A nil log falls back to the default logger.
func NewEstimator(cfg config.CostConfig, log *logger.Logger, opts ...Option) *Estimator {
	if log == nil {
		log = logger.NewDefault()
	}
	e := &Estimator{
		cfg:     cfg,
		log:     log,
		volumes: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetProber replaces the fallback volume prober.
func (e *Estimator) SetProber(p VolumeProber) {
	e.volMu.Lock()
	defer e.volMu.Unlock()
	e.prober = p
}

// SetOnWarning replaces the warning hook.
func (e *Estimator) SetOnWarning(fn WarningFunc) {
	if fn == nil {
		e.onWarning.Store(nil)
		return
	}
	e.onWarning.Store(&fn)
}

// SetVolume records an event type's measured rows per minute.
func (e *Estimator) SetVolume(eventType string, perMinute float64) {
	if perMinute < 0 {
		perMinute = 0
	}
	e.volMu.Lock()
	defer e.volMu.Unlock()
	e.volumes[eventType] = perMinute
}

// Volume returns the known rows per minute for an event type.
func (e *Estimator) Volume(eventType string) (float64, bool) {
	e.volMu.RLock()
	defer e.volMu.RUnlock()
	v, ok := e.volumes[eventType]
	return v, ok
}

// Estimate predicts the rows scanned, cost and duration of req. Unknown
// volumes are probed once and cached; probe failures use the default volume.
func (e *Estimator) Estimate(ctx context.Context, req query.Request) Estimate {
	perMinute := e.volumeFor(ctx, req.EventType)

	window := req.Since
	if window <= 0 {
		window = defaultWindow
	}
	rows := perMinute * window.Minutes()

	var duration time.Duration
	if e.cfg.ScanRowsPerSecond > 0 {
		duration = time.Duration(rows / e.cfg.ScanRowsPerSecond * float64(time.Second))
	}

	return Estimate{
		Query:    req.Text(),
		Rows:     rows,
		Amount:   rows * e.cfg.PerRowCost,
		Duration: duration,
		Category: req.CostCategory(),
	}
}

func (e *Estimator) volumeFor(ctx context.Context, eventType string) float64 {
	if eventType == "" {
		return e.cfg.DefaultVolumePerMinute
	}
	if v, ok := e.Volume(eventType); ok {
		return v
	}

	e.volMu.RLock()
	prober := e.prober
	e.volMu.RUnlock()
	if prober == nil {
		return e.cfg.DefaultVolumePerMinute
	}

	v, err := prober.ProbeVolume(ctx, eventType)
	if err != nil {
		e.log.WithEventType(eventType).Debugf("Volume probe failed, using default volume: %v", err)
		v = e.cfg.DefaultVolumePerMinute
	}
	e.SetVolume(eventType, v)
	return v
}

// Price converts a scanned row count into cost units.
func (e *Estimator) Price(rows float64) float64 {
	if rows <= 0 {
		return 0
	}
	return rows * e.cfg.PerRowCost
}

// Check rejects an estimate that would push realized cost past the ceiling.
// Once a check fails every later check fails too.
func (e *Estimator) Check(est Estimate) error {
	if e.cfg.Ceiling <= 0 {
		return nil
	}
	used := e.Total()
	if e.halted.Load() || used+est.Amount > e.cfg.Ceiling {
		if e.halted.CompareAndSwap(false, true) {
			e.log.Warnf("Cost ceiling reached: used=%.4f estimate=%.4f ceiling=%.4f", used, est.Amount, e.cfg.Ceiling)
		}
		return &query.BudgetExceededError{
			Query:     est.Query,
			Estimated: est.Amount,
			Used:      used,
			Ceiling:   e.cfg.Ceiling,
		}
	}
	return nil
}

// Record folds a result's realized cost into its category.
func (e *Estimator) Record(res *query.Result) {
	if res == nil || res.Cached {
		return
	}
	category := res.Category
	if category == "" {
		category = query.CategoryEvents
	}
	e.Add(category, res.Cost)
}

// Add folds amount into a category total. Negative amounts are ignored, so
// totals never decrease.
func (e *Estimator) Add(category query.Category, amount float64) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return
	}
	e.counter(category).Add(int64(math.Round(amount * microUnits)))
	e.metrics.AddCost(string(category), amount)
	e.maybeWarn()
}

func (e *Estimator) maybeWarn() {
	if e.cfg.Ceiling <= 0 || e.cfg.WarnThreshold <= 0 {
		return
	}
	used := e.Total()
	if used < e.cfg.WarnThreshold*e.cfg.Ceiling {
		return
	}
	if !e.warned.CompareAndSwap(false, true) {
		return
	}
	e.log.Warnf("Cost usage at %.0f%% of ceiling: used=%.4f ceiling=%.4f",
		used/e.cfg.Ceiling*100, used, e.cfg.Ceiling)
	if fn := e.onWarning.Load(); fn != nil {
		(*fn)(used, e.cfg.Ceiling)
	}
}

func (e *Estimator) counter(category query.Category) *atomic.Int64 {
	if c, ok := e.totals.Load(category); ok {
		return c.(*atomic.Int64)
	}
	c, _ := e.totals.LoadOrStore(category, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Total returns the realized cost across every category.
func (e *Estimator) Total() float64 {
	var sum int64
	e.totals.Range(func(_, v any) bool {
		sum += v.(*atomic.Int64).Load()
		return true
	})
	return float64(sum) / microUnits
}

// Totals returns realized cost per category. Every known category is present.
func (e *Estimator) Totals() map[query.Category]float64 {
	out := make(map[query.Category]float64, len(query.Categories))
	for _, c := range query.Categories {
		out[c] = 0
	}
	e.totals.Range(func(k, v any) bool {
		out[k.(query.Category)] = float64(v.(*atomic.Int64).Load()) / microUnits
		return true
	})
	return out
}

// Remaining returns the budget left, +Inf when there is no ceiling.
func (e *Estimator) Remaining() float64 {
	if e.cfg.Ceiling <= 0 {
		return math.Inf(1)
	}
	return math.Max(0, e.cfg.Ceiling-e.Total())
}

// Ceiling returns the configured ceiling, zero when unlimited.
func (e *Estimator) Ceiling() float64 {
	return e.cfg.Ceiling
}

// Halted reports whether a budget check has failed.
func (e *Estimator) Halted() bool {
	return e.halted.Load()
}

// Restore adds previously realized totals, used when resuming a session.
// It does not warn; call CheckWarning once the warning hook is installed.
func (e *Estimator) Restore(totals map[string]float64) {
	for category, amount := range totals {
		if amount <= 0 {
			continue
		}
		e.counter(query.Category(category)).Add(int64(math.Round(amount * microUnits)))
	}
}

// CheckWarning fires the warning if usage is already past the threshold
// and it has not fired yet.
func (e *Estimator) CheckWarning() {
	e.maybeWarn()
}

// VolumePerMinute converts a row count observed over window into the per
// minute rate SetVolume expects. A zero window means the implicit one.
func VolumePerMinute(rows float64, window time.Duration) float64 {
	if window <= 0 {
		window = defaultWindow
	}
	if rows <= 0 {
		return 0
	}
	return rows / window.Minutes()
}
