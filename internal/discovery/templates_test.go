package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/nrdiscovery/internal/nrql"
)

func TestInferRelationships(t *testing.T) {
	ets := map[string]*EventType{
		"Transaction": {Name: "Transaction", Keys: []string{"appName", "traceId", "duration"}},
		"Span":        {Name: "Span", Keys: []string{"traceId", "appName"}},
		"Log":         {Name: "Log", Keys: []string{"message"}, Attributes: map[string]Classification{"traceId": String(10, nil)}},
		"Broken":      {Name: "Broken", Keys: []string{"traceId"}, Error: "failed"},
	}

	rels := inferRelationships(ets, []string{"traceId", "appName", "hostname"})
	assert.Equal(t, []Relationship{
		{From: "Log", To: "Span", Key: "traceId"},
		{From: "Log", To: "Transaction", Key: "traceId"},
		{From: "Span", To: "Transaction", Key: "traceId"},
		{From: "Span", To: "Transaction", Key: "appName"},
	}, rels)

	assert.Empty(t, inferRelationships(ets, nil))
}

func TestEventTypeTemplates(t *testing.T) {
	et := &EventType{
		Name: "Orders",
		Attributes: map[string]Classification{
			"amount":    Numeric(1, 10, 5),
			"status":    String(3, []string{"paid", "pending", "failed"}),
			"orderRef":  String(50000, nil),
			"express":   Boolean([]string{"true", "false"}),
			"timestamp": Timestamp(),
		},
	}

	templates := eventTypeTemplates(et, 100)
	require.NotEmpty(t, templates)
	assert.Equal(t, Template{Name: "count", NRQL: nrql.CountTimeseries("Orders")}, templates[0])

	names := make([]string, 0, len(templates))
	for _, tpl := range templates {
		names = append(names, tpl.Name+":"+tpl.Attribute)
	}
	assert.Equal(t, []string{
		"count:",
		"average:amount",
		"percentiles:amount",
		"percentage:express",
		"facet:status",
	}, names)
	assert.Equal(t, nrql.Percentiles("Orders", "amount", 50, 90, 99), templates[2].NRQL)
}

func TestEventTypeTemplatesWithoutAttributes(t *testing.T) {
	templates := eventTypeTemplates(&EventType{Name: "Empty"}, 100)
	require.Len(t, templates, 1)
	assert.Equal(t, "count", templates[0].Name)
}

func TestGroupMetrics(t *testing.T) {
	groups := groupMetrics([]string{"apm.service.duration", "host.cpu", "apm.service.error.count", "uptime"})
	assert.Equal(t, map[string][]string{
		"apm":    {"apm.service.duration", "apm.service.error.count"},
		"host":   {"host.cpu"},
		"uptime": {"uptime"},
	}, groups)
}

func TestMetricTemplates(t *testing.T) {
	groups := map[string][]string{
		"host":   {"host.cpu"},
		"apm":    {"apm.service.duration"},
		"uptime": {"uptime"},
	}
	templates := metricTemplates(groups)
	require.Len(t, templates, 2)
	assert.Equal(t, "metrics:apm", templates[0].Name)
	assert.Equal(t, nrql.FacetMetricGroup("host"), templates[1].NRQL)
}
