package discovery

import (
	"path"

	"github.com/dbsmedya/nrdiscovery/internal/nrql"
	"github.com/dbsmedya/nrdiscovery/internal/query"
	"github.com/dbsmedya/nrdiscovery/internal/types"
)

// timestampAttribute is classified without a query.
const timestampAttribute = "timestamp"

const reasonDenyListed = "deny-listed"

// NumericStats is the answer of a numeric probe.
type NumericStats struct {
	Min, Max, Avg float64
}

// ProbeOutcome collects the probe answers for one attribute. Numeric is nil
// when the numeric probe came back null.
type ProbeOutcome struct {
	Numeric     *NumericStats
	Cardinality int64
	Samples     []string
}

// Classify applies the classification rule to probe outcomes: a numeric
// answer wins; otherwise two distinct values that all read as boolean
// literals make a boolean; anything else is a string.
func Classify(o ProbeOutcome) Classification {
	if o.Numeric != nil {
		return Numeric(o.Numeric.Min, o.Numeric.Max, o.Numeric.Avg)
	}
	if o.Cardinality == 2 && allBoolean(o.Samples) {
		return Boolean(o.Samples)
	}
	return String(o.Cardinality, o.Samples)
}

func allBoolean(samples []string) bool {
	if len(samples) == 0 {
		return false
	}
	for _, s := range samples {
		if !types.IsBooleanLiteral(s) {
			return false
		}
	}
	return true
}

// needsSamples reports whether a string attribute's values are fetched.
func needsSamples(cardinality, threshold int64) bool {
	return cardinality > 0 && cardinality < threshold
}

// numericStats reads a numeric probe row. All three aggregates must be
// numbers.
func numericStats(row query.Row) *NumericStats {
	if row == nil {
		return nil
	}
	lo, ok := types.ToFloat64(row[nrql.AliasMin])
	if !ok {
		return nil
	}
	hi, ok := types.ToFloat64(row[nrql.AliasMax])
	if !ok {
		return nil
	}
	mean, ok := types.ToFloat64(row[nrql.AliasAvg])
	if !ok {
		return nil
	}
	return &NumericStats{Min: lo, Max: hi, Avg: mean}
}

// matchAny reports whether name matches one of the glob patterns.
// Malformed patterns never match.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// selectEventTypes applies include and exclude globs, drops names that
// cannot be quoted safely and truncates to limit. Order is preserved.
func selectEventTypes(names, include, exclude []string, limit int) (selected, rejected []string) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if !nrql.IsValidEventType(name) {
			rejected = append(rejected, name)
			continue
		}
		if len(include) > 0 && !matchAny(include, name) {
			continue
		}
		if matchAny(exclude, name) {
			continue
		}
		selected = append(selected, name)
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, rejected
}
