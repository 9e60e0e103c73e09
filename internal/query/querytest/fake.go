// Package querytest provides a scriptable in-memory query.Service for tests.
package querytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/query"
)

// Handler answers one call. Returning a nil response with a nil error yields
// an empty response.
type Handler func(ctx context.Context, text string, timeout time.Duration) (*query.Response, error)

// Service is a fake telemetry query service. Handlers are matched by exact
// query text first, then by the longest registered prefix.
type Service struct {
	mu        sync.Mutex
	exact     map[string]Handler
	prefixes  map[string]Handler
	fallback  Handler
	calls     map[string]int
	order     []string
	caps      *query.CapabilityReport
	capsErr   error
	capsCalls int

	// Delay is applied to every Execute call before the handler runs.
	Delay time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	// async state
	asyncPages map[string][]*query.Response
	asyncPolls map[string]int
	// PollsUntilDone is how many Poll calls report running before done.
	PollsUntilDone int
	nextID         int
}

// New returns an empty fake. Unmatched queries return an empty response.
func New() *Service {
	return &Service{
		exact:      make(map[string]Handler),
		prefixes:   make(map[string]Handler),
		calls:      make(map[string]int),
		asyncPages: make(map[string][]*query.Response),
		asyncPolls: make(map[string]int),
		caps:       &query.CapabilityReport{MaxQueryDuration: time.Minute},
	}
}

// On registers a handler for an exact query text.
func (s *Service) On(text string, h Handler) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[text] = h
	return s
}

// OnPrefix registers a handler for every query starting with prefix.
func (s *Service) OnPrefix(prefix string, h Handler) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes[prefix] = h
	return s
}

// Fallback sets the handler for unmatched queries.
func (s *Service) Fallback(h Handler) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
	return s
}

// WithCapabilities sets the capability probe answer.
func (s *Service) WithCapabilities(report *query.CapabilityReport, err error) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = report
	s.capsErr = err
	return s
}

// Rows returns a handler answering with fixed rows.
func Rows(rows ...query.Row) Handler {
	return func(context.Context, string, time.Duration) (*query.Response, error) {
		return &query.Response{Rows: rows}, nil
	}
}

// Fail returns a handler answering with err.
func Fail(err error) Handler {
	return func(context.Context, string, time.Duration) (*query.Response, error) {
		return nil, err
	}
}

// Sequence returns a handler answering with each handler in turn, repeating
// the last one once exhausted.
func Sequence(handlers ...Handler) Handler {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, text string, timeout time.Duration) (*query.Response, error) {
		mu.Lock()
		h := handlers[i]
		if i < len(handlers)-1 {
			i++
		}
		mu.Unlock()
		return h(ctx, text, timeout)
	}
}

// Block returns a handler that waits for ctx to be done.
func Block() Handler {
	return func(ctx context.Context, _ string, _ time.Duration) (*query.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Execute implements query.Service.
func (s *Service) Execute(ctx context.Context, text string, _ int, timeout time.Duration) (*query.Response, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if cur <= peak || s.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	s.mu.Lock()
	s.calls[text]++
	s.order = append(s.order, text)
	h := s.match(text)
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h == nil {
		return &query.Response{}, nil
	}
	resp, err := h(ctx, text, timeout)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &query.Response{}
	}
	return resp, nil
}

func (s *Service) match(text string) Handler {
	if h, ok := s.exact[text]; ok {
		return h
	}
	best := ""
	var found Handler
	for p, h := range s.prefixes {
		if strings.HasPrefix(text, p) && len(p) > len(best) {
			best, found = p, h
		}
	}
	if found != nil {
		return found
	}
	return s.fallback
}

// ProbeCapabilities implements query.Service.
func (s *Service) ProbeCapabilities(context.Context, int) (*query.CapabilityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capsCalls++
	if s.capsErr != nil {
		return nil, s.capsErr
	}
	report := *s.caps
	return &report, nil
}

// Calls returns how many times text was executed.
func (s *Service) Calls(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[text]
}

// CallsWithPrefix returns how many executed queries start with prefix.
func (s *Service) CallsWithPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, text := range s.order {
		if strings.HasPrefix(text, prefix) {
			n++
		}
	}
	return n
}

// TotalCalls returns the number of Execute calls.
func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Executed returns every executed query text in call order.
func (s *Service) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// CapabilityCalls returns how many times the capability probe ran.
func (s *Service) CapabilityCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capsCalls
}

// MaxInFlight returns the peak number of concurrent Execute calls.
func (s *Service) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

// AsyncService wraps Service with a submit/poll/fetch implementation whose
// results are the pages registered with AsyncPages.
type AsyncService struct {
	*Service
}

// NewAsync returns a fake supporting query.AsyncService.
func NewAsync() *AsyncService {
	return &AsyncService{Service: New()}
}

// AsyncPages registers the result pages returned for text.
func (a *AsyncService) AsyncPages(text string, pages ...*query.Response) *AsyncService {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asyncPages[text] = pages
	return a
}

// Submit implements query.AsyncService.
func (a *AsyncService) Submit(_ context.Context, text string, _ int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[text]++
	a.order = append(a.order, text)
	a.nextID++
	id := fmt.Sprintf("async-%d", a.nextID)
	a.asyncPages[id] = a.asyncPages[text]
	return id, nil
}

// Poll implements query.AsyncService.
func (a *AsyncService) Poll(_ context.Context, _ int, queryID string) (*query.AsyncStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asyncPolls[queryID]++
	if a.asyncPolls[queryID] <= a.PollsUntilDone {
		return &query.AsyncStatus{State: query.AsyncRunning}, nil
	}
	return &query.AsyncStatus{State: query.AsyncDone}, nil
}

// Fetch implements query.AsyncService. Cursors are page indexes.
func (a *AsyncService) Fetch(_ context.Context, _ int, queryID, cursor string) (*query.Response, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pages := a.asyncPages[queryID]
	idx := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &idx); err != nil {
			return nil, "", fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
	}
	if idx >= len(pages) {
		return &query.Response{}, "", nil
	}
	next := ""
	if idx+1 < len(pages) {
		next = fmt.Sprintf("%d", idx+1)
	}
	return pages[idx], next, nil
}

// Polls returns how many times queryID was polled.
func (a *AsyncService) Polls(queryID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asyncPolls[queryID]
}
