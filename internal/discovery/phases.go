package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/dbsmedya/nrdiscovery/internal/cost"
	"github.com/dbsmedya/nrdiscovery/internal/nrql"
	"github.com/dbsmedya/nrdiscovery/internal/query"
	"github.com/dbsmedya/nrdiscovery/internal/types"
)

// Work item ids. They are stored in checkpoints, so they must stay stable.
const (
	itemEnumerate = "enumerate"
	itemMetrics   = "metrics"
)

func volumeItem(eventType string) string { return "volume:" + eventType }

func keysetItem(eventType string) string { return "keyset:" + eventType }

func classifyItem(eventType, attribute string) string {
	return "classify:" + eventType + ":" + attribute
}

// keysetFields are the per-type key lists some keyset() answers use instead
// of one row per key.
var keysetFields = []string{"allKeys", "stringKeys", "numericKeys", "booleanKeys"}

// numericFolds rebuild a numeric probe answer from split windows. The mean
// is weighted by each window's count of non-null values.
var numericFolds = []query.Aggregate{
	{Column: nrql.AliasMin, Fold: query.FoldMin},
	{Column: nrql.AliasMax, Fold: query.FoldMax},
	{Column: nrql.AliasAvg, Fold: query.FoldMean, Weight: nrql.AliasValues},
	{Column: nrql.AliasValues, Fold: query.FoldSum},
}

func unionFolds(column string, limit int) []query.Aggregate {
	return []query.Aggregate{{Column: column, Fold: query.FoldUnion, Limit: limit}}
}

func (o *Orchestrator) request(text, eventType string) query.Request {
	return query.Request{
		NRQL:      text,
		AccountID: o.accountID,
		Since:     o.cfg.Since,
		EventType: eventType,
		Category:  query.CategoryFor(eventType),
	}
}

func (o *Orchestrator) eventType(name string) *EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.EventTypes[name]
}

func (o *Orchestrator) usable() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return usableNames(o.session.EventTypes)
}

// exclude marks an event type failed so later phases leave it alone.
func (o *Orchestrator) exclude(name string) func(error) {
	return func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if et := o.session.EventTypes[name]; et != nil {
			et.Error = err.Error()
		}
	}
}

// enumerate lists event types, then probes the volume of each.
func (o *Orchestrator) enumerate(ctx context.Context) error {
	err := o.dispatch(ctx, PhaseEnumeration, []workItem{{id: itemEnumerate, run: o.listEventTypes}})
	if err != nil {
		return err
	}

	names := o.usable()
	items := make([]workItem, 0, len(names))
	for _, name := range names {
		items = append(items, workItem{
			id:   volumeItem(name),
			run:  func(ctx context.Context) error { return o.probeVolume(ctx, name) },
			fail: o.exclude(name),
		})
	}
	return o.dispatch(ctx, PhaseEnumeration, items)
}

func (o *Orchestrator) listEventTypes(ctx context.Context) error {
	names := o.cfg.EventTypes
	if len(names) == 0 {
		res, err := o.engine.Router.Execute(ctx, query.Request{
			NRQL:      nrql.ShowEventTypes(),
			AccountID: o.accountID,
			Since:     o.cfg.Since,
			Category:  query.CategoryEvents,
		})
		if err != nil {
			return err
		}
		for _, row := range res.Rows {
			names = append(names, types.ToString(row["eventType"]))
		}
	}

	selected, rejected := selectEventTypes(names, o.cfg.Include, o.cfg.Exclude, o.cfg.MaxEventTypes)
	for _, name := range rejected {
		o.log.WithEventType(name).Warn("Skipping event type with unsupported name")
	}

	o.mu.Lock()
	var added []string
	for _, name := range selected {
		if _, ok := o.session.EventTypes[name]; !ok {
			o.session.EventTypes[name] = newEventType(name)
			added = append(added, name)
		}
	}
	o.mu.Unlock()

	for _, name := range added {
		o.emit(Event{Kind: EventDiscovery, Subject: SubjectEventType, Name: name})
	}
	o.log.Infof("Enumerated %d event types", len(selected))
	return nil
}

func (o *Orchestrator) probeVolume(ctx context.Context, name string) error {
	res, err := o.engine.Router.Execute(ctx, volumeRequest(o.accountID, name, o.cfg.Since))
	if err != nil {
		return err
	}
	count := countOf(res)
	o.engine.Estimator.SetVolume(name, cost.VolumePerMinute(float64(count), o.cfg.Since))

	o.mu.Lock()
	defer o.mu.Unlock()
	o.session.EventTypes[name].Volume = count
	return nil
}

// sample fetches the attribute names of every event type.
func (o *Orchestrator) sample(ctx context.Context) error {
	names := o.usable()
	items := make([]workItem, 0, len(names))
	for _, name := range names {
		items = append(items, workItem{
			id:   keysetItem(name),
			run:  func(ctx context.Context) error { return o.fetchKeys(ctx, name) },
			fail: o.exclude(name),
		})
	}
	return o.dispatch(ctx, PhaseSampling, items)
}

func (o *Orchestrator) fetchKeys(ctx context.Context, name string) error {
	res, err := o.engine.Router.Execute(ctx, o.request(nrql.Keyset(name), name))
	if err != nil {
		return err
	}
	keys := keysOf(res.Rows)

	o.mu.Lock()
	et := o.session.EventTypes[name]
	et.Keys = keys
	volume := et.Volume
	o.mu.Unlock()

	o.emit(Event{
		Kind:           EventEventTypeProcessed,
		Name:           name,
		Volume:         volume,
		AttributeCount: len(keys),
	})
	return nil
}

// keysOf reads keyset() rows, which come either as one row per key or as
// rows of key lists. Duplicates are dropped and order is kept.
func keysOf(rows []query.Row) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, row := range rows {
		if k, ok := row["key"]; ok {
			add(types.ToString(k))
			continue
		}
		for _, field := range keysetFields {
			for _, k := range types.ToStrings(row[field]) {
				add(k)
			}
		}
	}
	return keys
}

// classify runs the probes of every attribute not settled statically.
func (o *Orchestrator) classify(ctx context.Context) error {
	var items []workItem

	o.mu.Lock()
	for _, name := range usableNames(o.session.EventTypes) {
		et := o.session.EventTypes[name]
		for _, attr := range et.Keys {
			switch {
			case matchAny(o.cfg.DenyList, attr):
				et.Skipped[attr] = reasonDenyListed
			case attr == timestampAttribute:
				et.Attributes[attr] = Timestamp()
			default:
				items = append(items, workItem{
					id:  classifyItem(name, attr),
					run: func(ctx context.Context) error { return o.classifyAttribute(ctx, name, attr) },
					fail: func(err error) {
						o.mu.Lock()
						defer o.mu.Unlock()
						et.Skipped[attr] = err.Error()
					},
				})
			}
		}
	}
	o.mu.Unlock()

	return o.dispatch(ctx, PhaseClassification, items)
}

func (o *Orchestrator) classifyAttribute(ctx context.Context, name, attr string) error {
	req := o.request(nrql.NumericStats(name, attr), name)
	req.Aggregates = numericFolds
	res, err := o.engine.Router.Execute(ctx, req)
	if err != nil {
		return err
	}

	out := ProbeOutcome{Numeric: numericStats(res.First())}
	if out.Numeric == nil {
		req = o.request(nrql.Cardinality(name, attr), name)
		req.Unsplittable = true
		res, err = o.engine.Router.Execute(ctx, req)
		if err != nil {
			return err
		}
		out.Cardinality = types.ToInt64(res.First()[nrql.AliasCardinality])

		if needsSamples(out.Cardinality, o.cfg.LowCardinalityThreshold) {
			req = o.request(nrql.Samples(name, attr, o.cfg.SampleLimit), name)
			req.Aggregates = unionFolds(nrql.AliasSamples, o.cfg.SampleLimit)
			res, err = o.engine.Router.Execute(ctx, req)
			if err != nil {
				return err
			}
			out.Samples = types.ToStrings(res.First()[nrql.AliasSamples])
		}
	}
	c := Classify(out)

	o.mu.Lock()
	et := o.session.EventTypes[name]
	et.Attributes[attr] = c
	delete(et.Skipped, attr)
	o.mu.Unlock()

	o.emit(Event{Kind: EventDiscovery, Subject: SubjectAttribute, Name: name + "." + attr})
	return nil
}

// discoverMetrics lists metric names and groups them.
func (o *Orchestrator) discoverMetrics(ctx context.Context) error {
	if !o.cfg.Metrics {
		return nil
	}
	return o.dispatch(ctx, PhaseMetrics, []workItem{{id: itemMetrics, run: o.listMetrics}})
}

func (o *Orchestrator) listMetrics(ctx context.Context) error {
	res, err := o.engine.Router.Execute(ctx, query.Request{
		NRQL:       nrql.MetricNames(o.cfg.MetricLimit),
		AccountID:  o.accountID,
		Since:      o.cfg.Since,
		EventType:  nrql.MetricEventType,
		Category:   query.CategoryMetrics,
		Aggregates: unionFolds(nrql.AliasMetricNames, o.cfg.MetricLimit),
	})
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var names []string
	for _, name := range types.ToStrings(res.First()[nrql.AliasMetricNames]) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	groups := groupMetrics(names)

	o.mu.Lock()
	o.session.Metrics = names
	o.session.MetricGroups = groups
	o.session.MetricTemplates = metricTemplates(groups)
	o.mu.Unlock()

	prefixes := make([]string, 0, len(groups))
	for prefix := range groups {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		o.emit(Event{Kind: EventDiscovery, Subject: SubjectMetric, Name: prefix})
	}
	return nil
}

// relate infers relationships from shared join keys. It issues no queries.
func (o *Orchestrator) relate() {
	o.mu.Lock()
	rels := inferRelationships(o.session.EventTypes, o.cfg.JoinKeys)
	o.session.Relationships = rels
	o.mu.Unlock()

	for _, r := range rels {
		o.emit(Event{
			Kind:    EventDiscovery,
			Subject: SubjectRelationship,
			Name:    fmt.Sprintf("%s->%s (%s)", r.From, r.To, r.Key),
		})
	}
}

// generateTemplates builds the query templates. It issues no queries.
func (o *Orchestrator) generateTemplates() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range usableNames(o.session.EventTypes) {
		et := o.session.EventTypes[name]
		et.Templates = eventTypeTemplates(et, o.cfg.LowCardinalityThreshold)
	}
}
