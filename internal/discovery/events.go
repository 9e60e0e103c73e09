package discovery

import "time"

// Phase names one step of a session. Phases run strictly in Phases order.
type Phase string

const (
	PhaseEnumeration    Phase = "event_type_enumeration"
	PhaseSampling       Phase = "attribute_sampling"
	PhaseClassification Phase = "attribute_classification"
	PhaseMetrics        Phase = "metric_discovery"
	PhaseRelationships  Phase = "relationship_inference"
	PhaseTemplates      Phase = "query_template_generation"
)

// Phases is the execution order.
var Phases = []Phase{
	PhaseEnumeration,
	PhaseSampling,
	PhaseClassification,
	PhaseMetrics,
	PhaseRelationships,
	PhaseTemplates,
}

// EventKind discriminates progress events.
type EventKind string

const (
	EventPhase              EventKind = "phase"
	EventDiscovery          EventKind = "discovery"
	EventEventTypeProcessed EventKind = "eventTypeProcessed"
	EventRateLimitReached   EventKind = "rateLimitReached"
	EventCostWarning        EventKind = "costWarning"
)

// Discovery event subjects.
const (
	SubjectEventType    = "eventType"
	SubjectAttribute    = "attribute"
	SubjectMetric       = "metric"
	SubjectRelationship = "relationship"
)

// Event is one progress notification. Every event carries the phase it was
// emitted in; the other fields depend on Kind:
//
//	phase               Name
//	discovery           Subject, Name
//	eventTypeProcessed  Name, Volume, AttributeCount
//	rateLimitReached    EstimatedWait
//	costWarning         Used, Ceiling
type Event struct {
	Kind           EventKind
	Phase          Phase
	Time           time.Time
	Subject        string
	Name           string
	Volume         int64
	AttributeCount int
	EstimatedWait  time.Duration
	Used           float64
	Ceiling        float64
}
