// Package query defines the requests, results, execution plans and errors
// shared by the query engine components.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Category tags a query for cost reporting.
type Category string

const (
	CategoryEvents  Category = "events"
	CategoryMetrics Category = "metrics"
	CategoryLogs    Category = "logs"
)

// Categories lists every cost category in reporting order.
var Categories = []Category{CategoryEvents, CategoryMetrics, CategoryLogs}

// CategoryFor returns the cost category an event type's queries fall under.
func CategoryFor(eventType string) Category {
	switch eventType {
	case "Metric":
		return CategoryMetrics
	case "Log":
		return CategoryLogs
	}
	if strings.HasPrefix(eventType, "Log_") {
		return CategoryLogs
	}
	return CategoryEvents
}

// Path is an execution strategy. The non-terminal paths form the retry ladder
// in declaration order.
type Path int

const (
	PathAuto Path = iota
	PathStandard
	PathSplitWindow
	PathLongRunning
	PathAsync
	PathFailed
)

func (p Path) String() string {
	switch p {
	case PathAuto:
		return "auto"
	case PathStandard:
		return "standard"
	case PathSplitWindow:
		return "split_window"
	case PathLongRunning:
		return "long_running"
	case PathAsync:
		return "async"
	case PathFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Request is a single query to be routed.
type Request struct {
	// NRQL is the query text without a SINCE/UNTIL clause.
	NRQL      string
	AccountID int
	// Since is the time-range hint. Zero leaves the service default window.
	Since     time.Duration
	EventType string
	Category  Category
	ForcePath Path
	// ExpectedRows hints at the result size; large results go async.
	ExpectedRows int
	// Aggregates describe a single-row aggregate answer. Split windows are
	// folded into one row with them; without them sub-window rows are
	// concatenated in window order.
	Aggregates []Aggregate
	// Unsplittable marks answers no fold can rebuild from sub-windows, such
	// as distinct counts. The split path is never used for them.
	Unsplittable bool
}

// Text renders the verbatim query string sent to the service.
// It is also the cache key; no normalization is applied.
func (r Request) Text() string {
	if r.Since <= 0 {
		return r.NRQL
	}
	return fmt.Sprintf("%s SINCE %d minutes ago", r.NRQL, sinceMinutes(r.Since))
}

// WindowText renders the query over an absolute [from, to) range.
func (r Request) WindowText(from, to time.Time) string {
	return fmt.Sprintf("%s SINCE %d UNTIL %d", r.NRQL, from.UnixMilli(), to.UnixMilli())
}

// CostCategory returns the explicit category or the one implied by the event type.
func (r Request) CostCategory() Category {
	if r.Category != "" {
		return r.Category
	}
	return CategoryFor(r.EventType)
}

func sinceMinutes(d time.Duration) int64 {
	m := int64(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	if m < 1 {
		m = 1
	}
	return m
}

// Plan is the execution plan chosen for a request.
type Plan struct {
	Path        Path
	Timeout     time.Duration
	RetryBudget int // ladder traversals
	Windows     int // sub-windows for PathSplitWindow
}

// Row is one result record as returned by the service.
type Row map[string]interface{}

// Metadata describes what a query touched.
type Metadata struct {
	EventTypes []string `json:"eventTypes,omitempty"`
	Facets     []string `json:"facets,omitempty"`
}

// Merge unions other into m, keeping first-seen order.
func (m *Metadata) Merge(other Metadata) {
	m.EventTypes = appendUnique(m.EventTypes, other.EventTypes...)
	m.Facets = appendUnique(m.Facets, other.Facets...)
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// Response is what the telemetry query service returns for one call.
type Response struct {
	Rows     []Row
	Metadata Metadata
	// InspectedCount is the number of rows scanned, when the service reports it.
	InspectedCount int64
}

// Result is a routed query's outcome.
type Result struct {
	Rows     []Row
	Metadata Metadata
	Duration time.Duration
	Cost     float64
	Category Category
	Path     Path
	Cached   bool
}

// First returns the first row, or nil for an empty result.
func (r *Result) First() Row {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// CapabilityReport is the raw answer of the capability probe.
type CapabilityReport struct {
	DataPlus         bool
	MaxQueryDuration time.Duration
	Async            bool
}

// AsyncState is the progress of a submitted async query.
type AsyncState int

const (
	AsyncRunning AsyncState = iota
	AsyncDone
	AsyncFailed
)

// AsyncStatus is returned by polling an async query.
type AsyncStatus struct {
	State   AsyncState
	Message string
}
