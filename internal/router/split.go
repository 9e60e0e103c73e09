package router

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/nrdiscovery/internal/query"
)

// window is an absolute [From, To) time range.
type window struct {
	From time.Time
	To   time.Time
}

// splitWindows bisects the range ending at end into n equal sub-ranges. The
// last range absorbs rounding so the ranges tile the whole span.
func splitWindows(end time.Time, span time.Duration, n int) []window {
	if n < 1 {
		n = 1
	}
	start := end.Add(-span)
	step := span / time.Duration(n)
	out := make([]window, n)
	for i := 0; i < n; i++ {
		from := start.Add(time.Duration(i) * step)
		to := from.Add(step)
		if i == n-1 {
			to = end
		}
		out[i] = window{From: from, To: to}
	}
	return out
}

// runSplit executes each sub-window as an independent standard query. Rows
// of aggregate requests are folded into one row; others are concatenated in
// window order. Any sub-window failure fails the whole attempt.
func (r *Router) runSplit(ctx context.Context, req query.Request) (*query.Response, error) {
	windows := splitWindows(r.now(), req.Since, r.windows())
	responses := make([]*query.Response, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range windows {
		g.Go(func() error {
			resp, err := r.runOnce(gctx, req.WindowText(w.From, w.To), req.AccountID, r.cfg.StandardTimeout)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := &query.Response{}
	firsts := make([]query.Row, 0, len(responses))
	for _, resp := range responses {
		if len(resp.Rows) > 0 {
			firsts = append(firsts, resp.Rows[0])
		}
		if len(req.Aggregates) == 0 {
			merged.Rows = append(merged.Rows, resp.Rows...)
		}
		merged.Metadata.Merge(resp.Metadata)
		merged.InspectedCount += resp.InspectedCount
	}
	if len(req.Aggregates) > 0 {
		merged.Rows = []query.Row{query.FoldRows(req.Aggregates, firsts)}
	}
	return merged, nil
}
