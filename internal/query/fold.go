package query

import (
	"github.com/dbsmedya/nrdiscovery/internal/types"
)

// Fold says how one aggregate column combines across sub-windows.
type Fold int

const (
	FoldSum Fold = iota + 1
	FoldMin
	FoldMax
	// FoldMean averages per-window means weighted by the Weight column.
	FoldMean
	// FoldUnion joins list values in first-seen order, capped at Limit.
	FoldUnion
)

// Aggregate is one column of a single-row aggregate answer.
type Aggregate struct {
	Column string
	Fold   Fold
	// Weight names the per-window count a FoldMean is weighted by. Windows
	// that do not report it weigh 1.
	Weight string
	// Limit caps a FoldUnion. Zero keeps every value.
	Limit int
}

// FoldRows combines the first row of each sub-window answer into one row.
// A column no window reports a value for stays nil, so null aggregates keep
// reading as null after the fold.
func FoldRows(aggs []Aggregate, rows []Row) Row {
	out := make(Row, len(aggs))
	for _, agg := range aggs {
		out[agg.Column] = foldColumn(agg, rows)
	}
	return out
}

func foldColumn(agg Aggregate, rows []Row) interface{} {
	switch agg.Fold {
	case FoldSum:
		var (
			sum  float64
			seen bool
		)
		for _, row := range rows {
			if v, ok := types.ToFloat64(row[agg.Column]); ok {
				sum += v
				seen = true
			}
		}
		if !seen {
			return nil
		}
		return sum
	case FoldMin, FoldMax:
		var (
			best float64
			seen bool
		)
		for _, row := range rows {
			v, ok := types.ToFloat64(row[agg.Column])
			if !ok {
				continue
			}
			if !seen || (agg.Fold == FoldMin && v < best) || (agg.Fold == FoldMax && v > best) {
				best = v
				seen = true
			}
		}
		if !seen {
			return nil
		}
		return best
	case FoldMean:
		var total, weight float64
		for _, row := range rows {
			v, ok := types.ToFloat64(row[agg.Column])
			if !ok {
				continue
			}
			w := 1.0
			if agg.Weight != "" {
				if n, ok := types.ToFloat64(row[agg.Weight]); ok {
					w = n
				}
			}
			total += v * w
			weight += w
		}
		if weight <= 0 {
			return nil
		}
		return total / weight
	case FoldUnion:
		seen := make(map[string]bool)
		var values []interface{}
		for _, row := range rows {
			for _, v := range types.ToStrings(row[agg.Column]) {
				if seen[v] || (agg.Limit > 0 && len(values) >= agg.Limit) {
					continue
				}
				seen[v] = true
				values = append(values, v)
			}
		}
		if values == nil {
			return nil
		}
		return values
	default:
		for _, row := range rows {
			if v, ok := row[agg.Column]; ok && v != nil {
				return v
			}
		}
		return nil
	}
}
