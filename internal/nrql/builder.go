package nrql

import (
	"fmt"
	"strings"
)

// Result aliases used by the probe queries.
const (
	AliasCount       = "count"
	AliasMin         = "min"
	AliasMax         = "max"
	AliasAvg         = "avg"
	AliasValues      = "values"
	AliasCardinality = "cardinality"
	AliasSamples     = "samples"
	AliasMetricNames = "metricNames"
)

// MetricEventType is the event type holding dimensional metrics.
const MetricEventType = "Metric"

// ShowEventTypes lists the event types reported in the window.
func ShowEventTypes() string {
	return "SHOW EVENT TYPES"
}

// Volume counts the rows of an event type.
func Volume(eventType string) string {
	return fmt.Sprintf("SELECT count(*) AS '%s' FROM %s", AliasCount, QuoteIdentifier(eventType))
}

// Keyset samples the attribute names of an event type.
func Keyset(eventType string) string {
	return "SELECT keyset() FROM " + QuoteIdentifier(eventType)
}

// NumericStats probes min, max and average of an attribute, plus the number
// of non-null values the average is taken over. The first three come back
// null for non-numeric attributes.
func NumericStats(eventType, attribute string) string {
	a := QuoteIdentifier(attribute)
	return fmt.Sprintf("SELECT min(%s) AS '%s', max(%s) AS '%s', average(%s) AS '%s', count(%s) AS '%s' FROM %s",
		a, AliasMin, a, AliasMax, a, AliasAvg, a, AliasValues, QuoteIdentifier(eventType))
}

// Cardinality counts the distinct values of an attribute.
func Cardinality(eventType, attribute string) string {
	return fmt.Sprintf("SELECT uniqueCount(%s) AS '%s' FROM %s",
		QuoteIdentifier(attribute), AliasCardinality, QuoteIdentifier(eventType))
}

// Samples fetches up to limit distinct values of an attribute.
func Samples(eventType, attribute string, limit int) string {
	return fmt.Sprintf("SELECT uniques(%s, %d) AS '%s' FROM %s",
		QuoteIdentifier(attribute), limit, AliasSamples, QuoteIdentifier(eventType))
}

// MetricNames fetches up to limit distinct metric names.
func MetricNames(limit int) string {
	return fmt.Sprintf("SELECT uniques(metricName, %d) AS '%s' FROM %s",
		limit, AliasMetricNames, MetricEventType)
}

// CountTimeseries is the baseline template for any event type.
func CountTimeseries(eventType string) string {
	return "SELECT count(*) FROM " + QuoteIdentifier(eventType) + " TIMESERIES AUTO"
}

// AverageTimeseries charts a numeric attribute over time.
func AverageTimeseries(eventType, attribute string) string {
	return fmt.Sprintf("SELECT average(%s) FROM %s TIMESERIES AUTO",
		QuoteIdentifier(attribute), QuoteIdentifier(eventType))
}

// Percentiles summarizes a numeric attribute's distribution.
func Percentiles(eventType, attribute string, pcts ...int) string {
	parts := make([]string, 0, len(pcts)+1)
	parts = append(parts, QuoteIdentifier(attribute))
	for _, p := range pcts {
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	return fmt.Sprintf("SELECT percentile(%s) FROM %s",
		strings.Join(parts, ", "), QuoteIdentifier(eventType))
}

// FacetCount breaks the event count down by a low-cardinality attribute.
func FacetCount(eventType, attribute string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s FACET %s",
		QuoteIdentifier(eventType), QuoteIdentifier(attribute))
}

// BooleanPercentage charts the share of rows where a boolean attribute is true.
func BooleanPercentage(eventType, attribute string) string {
	return fmt.Sprintf("SELECT percentage(count(*), WHERE %s IS TRUE) FROM %s TIMESERIES AUTO",
		QuoteIdentifier(attribute), QuoteIdentifier(eventType))
}

// FacetMetricGroup lists the metrics of one dotted-prefix group.
func FacetMetricGroup(prefix string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE metricName LIKE %s FACET metricName",
		MetricEventType, QuoteString(prefix+".%"))
}
