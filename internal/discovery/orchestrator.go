package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/cost"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/metrics"
	"github.com/dbsmedya/nrdiscovery/internal/progress"
	"github.com/dbsmedya/nrdiscovery/internal/query"
)

const (
	defaultLowCardinality = 100
	defaultSampleLimit    = 10
	defaultMetricLimit    = 1000

	// snapshotTimeout bounds a checkpoint write, which runs even after the
	// session context is done.
	snapshotTimeout = 10 * time.Second
)

// ErrAlreadyStarted is returned when Run or Resume is called twice.
var ErrAlreadyStarted = errors.New("orchestrator already started")

// ErrNoStore is returned by Snapshot and Resume without a progress store.
var ErrNoStore = errors.New("no progress store configured")

// Orchestrator runs one discovery session. Create one per session.
type Orchestrator struct {
	cfg       config.DiscoveryConfig
	accountID int
	engine    *Engine
	store     progress.Store
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string

	events  chan Event
	started atomic.Bool
	runCtx  context.Context

	// replaceItems is set by a forced resume until its first snapshot lands.
	replaceItems atomic.Bool

	mu        sync.Mutex
	phase     Phase
	session   *Session
	done      map[string]bool
	progress  map[Phase]*phaseProgress
	budgetHit bool
}

type phaseProgress struct {
	planned  int
	settled  int
	finished bool
}

// cursor is the opaque checkpoint position. State carries the learned schema
// so results of skipped items survive a resume.
type cursor struct {
	Phase    Phase    `json:"phase"`
	Position int      `json:"position"`
	State    *Session `json:"state,omitempty"`
}

// workItem is one unit of work within a phase. fail runs after the error
// has been recorded.
type workItem struct {
	id   string
	run  func(ctx context.Context) error
	fail func(err error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records work item outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSessionID fixes the id of a new session.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.newID = func() string { return id }
		}
	}
}

// NewOrchestrator creates an orchestrator over a session engine. store may
// be nil, in which case no checkpoints are written.
func NewOrchestrator(cfg *config.Config, engine *Engine, store progress.Store, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if engine == nil || engine.Router == nil {
		return nil, fmt.Errorf("engine is nil")
	}

	buffer := cfg.Discovery.EventBuffer
	if buffer < 0 {
		buffer = 0
	}
	o := &Orchestrator{
		cfg:       cfg.Discovery,
		accountID: cfg.Account.ID,
		engine:    engine,
		store:     store,
		log:       logger.NewDefault(),
		now:       time.Now,
		newID:     uuid.NewString,
		events:    make(chan Event, buffer),
		runCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.LowCardinalityThreshold <= 0 {
		o.cfg.LowCardinalityThreshold = defaultLowCardinality
	}
	if o.cfg.SampleLimit <= 0 {
		o.cfg.SampleLimit = defaultSampleLimit
	}
	if o.cfg.MetricLimit <= 0 {
		o.cfg.MetricLimit = defaultMetricLimit
	}
	return o, nil
}

// Events returns the progress stream. It is closed when Run or Resume
// returns. Callers must keep draining it while the session runs.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Run starts a new session. Success, budget halts, timeouts and interruption
// all return the session with a nil error. A *query.SessionAbortError is
// returned together with the partial session.
func (o *Orchestrator) Run(ctx context.Context) (*Session, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	defer close(o.events)

	o.reset(newSession(o.newID(), o.accountID, o.now()), nil)
	return o.execute(ctx)
}

// Resume continues the session stored under id. Items completed in the
// checkpoint are skipped unless force is set, in which case the session
// starts over under the same id. Items in flight when the checkpoint was
// written are issued again.
func (o *Orchestrator) Resume(ctx context.Context, id string, force bool) (*Session, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	defer close(o.events)

	if o.store == nil {
		return nil, ErrNoStore
	}
	cp, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	if err := o.restore(cp, force); err != nil {
		return nil, err
	}
	return o.execute(ctx)
}

// Snapshot writes the current session state to the progress store.
func (o *Orchestrator) Snapshot(ctx context.Context) (string, error) {
	if o.store == nil {
		return "", ErrNoStore
	}
	cp, err := o.checkpointData()
	if err != nil {
		return "", err
	}
	cp.Replace = o.replaceItems.Load()
	id, err := o.store.Save(ctx, cp)
	if err != nil {
		return "", err
	}
	if cp.Replace {
		o.replaceItems.Store(false)
	}
	return id, nil
}

func (o *Orchestrator) reset(s *Session, done []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = s
	o.done = make(map[string]bool, len(done))
	for _, id := range done {
		o.done[id] = true
	}
	o.progress = make(map[Phase]*phaseProgress, len(Phases))
	o.budgetHit = false
}

func (o *Orchestrator) restore(cp *progress.Checkpoint, force bool) error {
	var cur cursor
	if len(cp.Cursor) > 0 {
		if err := json.Unmarshal(cp.Cursor, &cur); err != nil {
			return fmt.Errorf("failed to decode checkpoint cursor: %w", err)
		}
	}

	s := cur.State
	var done []string
	if s == nil || force {
		s = newSession(cp.SessionID, o.accountID, o.now())
		o.replaceItems.Store(force)
	} else {
		done = cp.CompletedItems
	}
	s.ID = cp.SessionID
	s.Status = StatusRunning
	s.FinishedAt = time.Time{}
	s.Errors = []ItemError{}
	s.Completed = append([]string{}, done...)
	if s.EventTypes == nil {
		s.EventTypes = make(map[string]*EventType)
	}
	if s.Cost == nil {
		s.Cost = make(map[string]float64)
	}

	// Failed items are retried, so their traces go.
	doneSet := make(map[string]bool, len(done))
	for _, id := range done {
		doneSet[id] = true
	}
	for name, et := range s.EventTypes {
		et.Error = ""
		if et.Attributes == nil {
			et.Attributes = make(map[string]Classification)
		}
		if et.Skipped == nil {
			et.Skipped = make(map[string]string)
		}
		for attr, reason := range et.Skipped {
			if reason != reasonDenyListed {
				delete(et.Skipped, attr)
			}
		}
		if doneSet[volumeItem(name)] {
			o.engine.Estimator.SetVolume(name, cost.VolumePerMinute(float64(et.Volume), o.cfg.Since))
		}
	}

	o.engine.Estimator.Restore(cp.CumulativeCost)
	if !force && s.Capabilities.MaxQueryDuration > 0 {
		o.engine.Detector.Preset(s.Capabilities)
	}

	o.log.WithSession(s.ID).Infow("Resuming session",
		"completed_items", len(done),
		"force", force,
		"checkpoint_status", cp.Status,
	)
	o.reset(s, done)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context) (*Session, error) {
	runCtx, cancel := o.sessionContext(ctx)
	defer cancel()
	o.runCtx = runCtx

	o.engine.Limiter.SetOnWait(func(wait time.Duration) {
		o.emit(Event{Kind: EventRateLimitReached, EstimatedWait: wait})
	})
	defer o.engine.Limiter.SetOnWait(nil)
	o.engine.Estimator.SetOnWarning(func(used, ceiling float64) {
		o.emit(Event{Kind: EventCostWarning, Used: used, Ceiling: ceiling})
	})
	defer o.engine.Estimator.SetOnWarning(nil)

	log := o.log.WithSession(o.session.ID)
	caps := o.engine.Detector.Detect(runCtx)
	o.mu.Lock()
	o.session.Capabilities = caps
	o.mu.Unlock()

	log.Infow("Starting discovery session",
		"account", o.accountID,
		"data_plus", caps.DataPlusEnabled,
		"max_query_duration", caps.MaxQueryDuration,
		"async", caps.AsyncSupported,
	)

	var runErr error
	for i, phase := range Phases {
		if runCtx.Err() != nil {
			break
		}
		o.beginPhase(phase)
		if i == 0 {
			// Restored cost may already be past the threshold.
			o.engine.Estimator.CheckWarning()
		}
		if err := o.runPhase(runCtx, phase); err != nil {
			runErr = err
			break
		}
		o.finishPhase(phase)
		if runCtx.Err() == nil {
			o.checkpoint(ctx, log)
		}
	}

	status := o.finalStatus(ctx, runCtx, runErr)
	o.mu.Lock()
	o.session.Status = status
	o.session.FinishedAt = o.now()
	o.mu.Unlock()
	o.checkpoint(ctx, log)

	o.mu.Lock()
	s := o.session
	s.Cost = costMap(o.engine.Estimator.Totals())
	s.Completion = o.completionLocked()
	o.mu.Unlock()

	log.Infow("Discovery session finished",
		"status", s.Status,
		"event_types", len(s.EventTypes),
		"attributes", s.AttributeCount(),
		"errors", len(s.Errors),
		"cost", s.TotalCost(),
		"completion", s.Completion,
	)
	return s, runErr
}

func (o *Orchestrator) sessionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.SessionTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.SessionTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) finalStatus(parent, runCtx context.Context, runErr error) Status {
	switch {
	case runErr != nil:
		return StatusAborted
	case parent.Err() != nil:
		return StatusInterrupted
	case runCtx.Err() != nil:
		return StatusTimedOut
	case o.isBudgetHit() || o.engine.Estimator.Halted():
		return StatusBudgetHalted
	default:
		return StatusCompleted
	}
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Phase) error {
	switch phase {
	case PhaseEnumeration:
		return o.enumerate(ctx)
	case PhaseSampling:
		return o.sample(ctx)
	case PhaseClassification:
		return o.classify(ctx)
	case PhaseMetrics:
		return o.discoverMetrics(ctx)
	case PhaseRelationships:
		o.relate()
	case PhaseTemplates:
		o.generateTemplates()
	}
	return nil
}

func (o *Orchestrator) beginPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.progress[phase] = &phaseProgress{}
	o.mu.Unlock()

	o.emit(Event{Kind: EventPhase, Name: string(phase)})
	o.log.WithPhase(string(phase)).Debug("Phase started")
}

func (o *Orchestrator) finishPhase(phase Phase) {
	o.mu.Lock()
	p := o.progress[phase]
	p.finished = true
	o.mu.Unlock()

	o.log.WithPhase(string(phase)).Debugf("Phase finished: %d of %d items settled", p.settled, p.planned)
}

// dispatch runs a phase's items concurrently. Concurrency is bounded by the
// limiter's slots only. The returned error is always a session abort.
func (o *Orchestrator) dispatch(ctx context.Context, phase Phase, items []workItem) error {
	o.mu.Lock()
	o.progress[phase].planned += len(items)
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			return o.runItem(gctx, phase, item)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runItem(ctx context.Context, phase Phase, item workItem) error {
	if o.isDone(item.id) {
		o.settle(phase)
		return nil
	}
	if ctx.Err() != nil || o.engine.Estimator.Halted() {
		return nil
	}

	err := item.run(ctx)
	switch {
	case err == nil:
		o.complete(phase, item.id)
		o.metrics.ItemDone(string(phase), "success")
		return nil
	case query.IsSessionAbort(err):
		o.recordError(phase, item.id, err)
		o.metrics.ItemDone(string(phase), "aborted")
		return err
	case query.IsBudgetExceeded(err):
		o.recordBudget(phase, item.id, err)
		o.metrics.ItemDone(string(phase), "budget_exceeded")
		return nil
	case ctx.Err() != nil:
		// Interrupted items are issued again on resume.
		return nil
	default:
		o.recordError(phase, item.id, err)
		o.settle(phase)
		o.metrics.ItemDone(string(phase), "failed")
		if item.fail != nil {
			item.fail(err)
		}
		return nil
	}
}

func (o *Orchestrator) isDone(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done[id]
}

func (o *Orchestrator) isBudgetHit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.budgetHit
}

func (o *Orchestrator) complete(phase Phase, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.done[id] {
		o.done[id] = true
		o.session.Completed = append(o.session.Completed, id)
	}
	o.progress[phase].settled++
}

func (o *Orchestrator) settle(phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress[phase].settled++
}

func (o *Orchestrator) recordError(phase Phase, id string, err error) {
	o.log.WithPhase(string(phase)).Warnf("Work item %s failed: %v", id, err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session.Errors = append(o.session.Errors, ItemError{
		Item:    id,
		Phase:   phase,
		Kind:    errorKind(err),
		Message: err.Error(),
	})
}

// recordBudget records the first budget rejection only.
func (o *Orchestrator) recordBudget(phase Phase, id string, err error) {
	o.mu.Lock()
	first := !o.budgetHit
	o.budgetHit = true
	o.mu.Unlock()
	if !first {
		return
	}
	o.log.WithPhase(string(phase)).Warnf("Cost budget reached, no further queries will be issued: %v", err)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session.Errors = append(o.session.Errors, ItemError{
		Item:    id,
		Phase:   phase,
		Kind:    errorKind(err),
		Message: err.Error(),
	})
}

func errorKind(err error) string {
	switch {
	case query.IsSessionAbort(err):
		return "session_abort"
	case query.IsBudgetExceeded(err):
		return "budget_exceeded"
	case query.IsFailed(err):
		return "failed"
	case query.IsPermanent(err):
		return "permanent"
	case query.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// emit delivers an event stamped with the current phase. Once the session
// context is done, events that do not fit the buffer are dropped.
func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	ev.Phase = o.phase
	o.mu.Unlock()
	ev.Time = o.now()

	select {
	case o.events <- ev:
		return
	default:
	}
	select {
	case o.events <- ev:
	case <-o.runCtx.Done():
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, log *logger.Logger) {
	if o.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()
	id, err := o.Snapshot(sctx)
	if err != nil {
		log.Warnf("Failed to save checkpoint: %v", err)
		return
	}
	log.Debugf("Checkpoint %s saved", id)
}

func (o *Orchestrator) checkpointData() (*progress.Checkpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.session
	if s == nil {
		return nil, fmt.Errorf("no session to snapshot")
	}
	s.Cost = costMap(o.engine.Estimator.Totals())
	s.Completion = o.completionLocked()

	state, err := json.Marshal(cursor{Phase: o.phase, Position: len(s.Completed), State: s})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session state: %w", err)
	}
	return &progress.Checkpoint{
		SessionID:      s.ID,
		CompletedItems: append([]string(nil), s.Completed...),
		CumulativeCost: s.Cost,
		Cursor:         state,
		Status:         string(s.Status),
	}, nil
}

// completionLocked weighs every phase equally; within a phase, the share of
// settled items counts. Callers hold o.mu.
func (o *Orchestrator) completionLocked() float64 {
	total := 0.0
	for _, phase := range Phases {
		p := o.progress[phase]
		switch {
		case p == nil:
		case p.planned == 0:
			if p.finished {
				total++
			}
		default:
			total += math.Min(1, float64(p.settled)/float64(p.planned))
		}
	}
	return math.Round(total/float64(len(Phases))*10000) / 100
}

func costMap(totals map[query.Category]float64) map[string]float64 {
	out := make(map[string]float64, len(totals))
	for k, v := range totals {
		out[string(k)] = v
	}
	return out
}
