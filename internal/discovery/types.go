// Package discovery drives a session of schema discovery against an account:
// event type enumeration, attribute sampling and classification, metric
// discovery, relationship inference and query template generation.
package discovery

import (
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/capability"
)

// Kind discriminates the variants of Classification.
type Kind string

const (
	KindNumeric   Kind = "numeric"
	KindString    Kind = "string"
	KindBoolean   Kind = "boolean"
	KindTimestamp Kind = "timestamp"
)

// Classification is what was learned about one attribute. Which fields are
// meaningful depends on Kind: Min, Max and Avg for numeric; Cardinality and
// Samples for string; Samples for boolean; none for timestamp.
type Classification struct {
	Kind        Kind     `json:"kind" yaml:"kind"`
	Min         float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Avg         float64  `json:"avg,omitempty" yaml:"avg,omitempty"`
	Cardinality int64    `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Samples     []string `json:"samples,omitempty" yaml:"samples,omitempty"`
}

// Numeric returns a numeric classification.
func Numeric(lo, hi, mean float64) Classification {
	return Classification{Kind: KindNumeric, Min: lo, Max: hi, Avg: mean}
}

// String returns a string classification.
func String(cardinality int64, samples []string) Classification {
	return Classification{Kind: KindString, Cardinality: cardinality, Samples: samples}
}

// Boolean returns a boolean classification.
func Boolean(samples []string) Classification {
	return Classification{Kind: KindBoolean, Cardinality: 2, Samples: samples}
}

// Timestamp returns a timestamp classification.
func Timestamp() Classification {
	return Classification{Kind: KindTimestamp}
}

// Template is a generated query for a dashboard collaborator.
type Template struct {
	Name      string `json:"name" yaml:"name"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	NRQL      string `json:"nrql" yaml:"nrql"`
}

// EventType is one discovered event type.
type EventType struct {
	Name string `json:"name" yaml:"name"`
	// Volume is the row count observed in the discovery window.
	Volume     int64                     `json:"volume" yaml:"volume"`
	Keys       []string                  `json:"keys,omitempty" yaml:"keys,omitempty"`
	Attributes map[string]Classification `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	// Skipped maps attribute names that were not classified to the reason.
	Skipped   map[string]string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Templates []Template        `json:"templates,omitempty" yaml:"templates,omitempty"`
	// Error is set when the event type failed and was excluded from later phases.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newEventType(name string) *EventType {
	return &EventType{
		Name:       name,
		Attributes: make(map[string]Classification),
		Skipped:    make(map[string]string),
	}
}

// Relationship links two event types sharing a join key.
type Relationship struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	Key  string `json:"key" yaml:"key"`
}

// Status is the state a session ended in.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusBudgetHalted Status = "budget_halted"
	StatusTimedOut     Status = "timed_out"
	StatusInterrupted  Status = "interrupted"
	StatusAborted      Status = "aborted"
)

// ItemError records a work item that failed.
type ItemError struct {
	Item    string `json:"item" yaml:"item"`
	Phase   Phase  `json:"phase" yaml:"phase"`
	Kind    string `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
}

// Session is the state of one discovery run. It is returned by Run and
// Resume once the orchestrator is done with it.
type Session struct {
	ID              string                  `json:"id" yaml:"id"`
	AccountID       int                     `json:"accountId" yaml:"account_id"`
	Status          Status                  `json:"status" yaml:"status"`
	StartedAt       time.Time               `json:"startedAt" yaml:"started_at"`
	FinishedAt      time.Time               `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
	Capabilities    capability.Capabilities `json:"capabilities" yaml:"capabilities"`
	EventTypes      map[string]*EventType   `json:"eventTypes" yaml:"event_types"`
	Metrics         []string                `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	MetricGroups    map[string][]string     `json:"metricGroups,omitempty" yaml:"metric_groups,omitempty"`
	MetricTemplates []Template              `json:"metricTemplates,omitempty" yaml:"metric_templates,omitempty"`
	Relationships   []Relationship          `json:"relationships,omitempty" yaml:"relationships,omitempty"`
	// Cost is the cumulative realized cost per category.
	Cost map[string]float64 `json:"cost" yaml:"cost"`
	// Completed lists finished work items in completion order. It only grows.
	Completed  []string    `json:"completed" yaml:"completed"`
	Errors     []ItemError `json:"errors" yaml:"errors"`
	Completion float64     `json:"completion" yaml:"completion"` // percent
}

func newSession(id string, accountID int, now time.Time) *Session {
	return &Session{
		ID:         id,
		AccountID:  accountID,
		Status:     StatusRunning,
		StartedAt:  now,
		EventTypes: make(map[string]*EventType),
		Cost:       make(map[string]float64),
		Completed:  []string{},
		Errors:     []ItemError{},
	}
}

// HasErrors reports whether any work item failed.
func (s *Session) HasErrors() bool {
	return len(s.Errors) > 0
}

// AttributeCount returns the number of classified attributes across all
// event types.
func (s *Session) AttributeCount() int {
	n := 0
	for _, et := range s.EventTypes {
		n += len(et.Attributes)
	}
	return n
}

// TotalCost sums the per-category costs.
func (s *Session) TotalCost() float64 {
	total := 0.0
	for _, v := range s.Cost {
		total += v
	}
	return total
}
