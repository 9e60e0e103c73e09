package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/nrdiscovery/internal/nrql"
)

// templatePercentiles are charted for every numeric attribute.
var templatePercentiles = []int{50, 90, 99}

// inferRelationships pairs every two event types that both carry a join key.
// Output is sorted by key order, then by event type name.
func inferRelationships(eventTypes map[string]*EventType, joinKeys []string) []Relationship {
	names := usableNames(eventTypes)
	var out []Relationship
	for _, key := range joinKeys {
		var members []string
		for _, name := range names {
			if hasKey(eventTypes[name], key) {
				members = append(members, name)
			}
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				out = append(out, Relationship{From: members[i], To: members[j], Key: key})
			}
		}
	}
	return out
}

func hasKey(et *EventType, key string) bool {
	if _, ok := et.Attributes[key]; ok {
		return true
	}
	for _, k := range et.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// eventTypeTemplates builds the templates of one event type. The count
// timeseries always comes first.
func eventTypeTemplates(et *EventType, lowCardinality int64) []Template {
	out := []Template{{Name: "count", NRQL: nrql.CountTimeseries(et.Name)}}

	attrs := make([]string, 0, len(et.Attributes))
	for name := range et.Attributes {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	for _, attr := range attrs {
		c := et.Attributes[attr]
		switch c.Kind {
		case KindNumeric:
			out = append(out,
				Template{Name: "average", Attribute: attr, NRQL: nrql.AverageTimeseries(et.Name, attr)},
				Template{Name: "percentiles", Attribute: attr, NRQL: nrql.Percentiles(et.Name, attr, templatePercentiles...)},
			)
		case KindString:
			if needsSamples(c.Cardinality, lowCardinality) {
				out = append(out, Template{Name: "facet", Attribute: attr, NRQL: nrql.FacetCount(et.Name, attr)})
			}
		case KindBoolean:
			out = append(out, Template{Name: "percentage", Attribute: attr, NRQL: nrql.BooleanPercentage(et.Name, attr)})
		}
	}
	return out
}

// groupMetrics groups metric names by their first dotted segment.
func groupMetrics(names []string) map[string][]string {
	groups := make(map[string][]string)
	for _, name := range names {
		prefix := name
		if i := strings.Index(name, "."); i > 0 {
			prefix = name[:i]
		}
		groups[prefix] = append(groups[prefix], name)
	}
	for _, members := range groups {
		sort.Strings(members)
	}
	return groups
}

// metricTemplates builds one facet template per dotted metric group.
func metricTemplates(groups map[string][]string) []Template {
	prefixes := make([]string, 0, len(groups))
	for prefix, members := range groups {
		if len(members) == 1 && members[0] == prefix {
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	out := make([]Template, 0, len(prefixes))
	for _, prefix := range prefixes {
		out = append(out, Template{
			Name: fmt.Sprintf("metrics:%s", prefix),
			NRQL: nrql.FacetMetricGroup(prefix),
		})
	}
	return out
}

// usableNames returns the names of event types without errors, sorted.
func usableNames(eventTypes map[string]*EventType) []string {
	names := make([]string, 0, len(eventTypes))
	for name, et := range eventTypes {
		if et.Error == "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
