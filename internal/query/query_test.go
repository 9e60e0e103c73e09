package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestText(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"no window", Request{NRQL: "SHOW EVENT TYPES"}, "SHOW EVENT TYPES"},
		{"whole minutes", Request{NRQL: "SELECT count(*) FROM Transaction", Since: time.Hour}, "SELECT count(*) FROM Transaction SINCE 60 minutes ago"},
		{"rounds up", Request{NRQL: "SELECT 1", Since: 90 * time.Second}, "SELECT 1 SINCE 2 minutes ago"},
		{"sub minute", Request{NRQL: "SELECT 1", Since: time.Second}, "SELECT 1 SINCE 1 minutes ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Text())
		})
	}
}

func TestRequestWindowText(t *testing.T) {
	req := Request{NRQL: "SELECT count(*) FROM Log"}
	from := time.UnixMilli(1000)
	to := time.UnixMilli(2000)
	assert.Equal(t, "SELECT count(*) FROM Log SINCE 1000 UNTIL 2000", req.WindowText(from, to))
}

func TestCostCategory(t *testing.T) {
	assert.Equal(t, CategoryMetrics, Request{EventType: "Metric"}.CostCategory())
	assert.Equal(t, CategoryLogs, Request{EventType: "Log"}.CostCategory())
	assert.Equal(t, CategoryLogs, Request{EventType: "Log_Audit"}.CostCategory())
	assert.Equal(t, CategoryEvents, Request{EventType: "Transaction"}.CostCategory())
	assert.Equal(t, CategoryLogs, Request{EventType: "Transaction", Category: CategoryLogs}.CostCategory())
}

func TestPathString(t *testing.T) {
	assert.Equal(t, "standard", PathStandard.String())
	assert.Equal(t, "split_window", PathSplitWindow.String())
	assert.Equal(t, "long_running", PathLongRunning.String())
	assert.Equal(t, "async", PathAsync.String())
	assert.Equal(t, "failed", PathFailed.String())
	assert.Equal(t, "unknown(42)", Path(42).String())
}

func TestMetadataMerge(t *testing.T) {
	m := Metadata{EventTypes: []string{"Transaction"}}
	m.Merge(Metadata{EventTypes: []string{"Transaction", "PageView"}, Facets: []string{"appName"}})
	assert.Equal(t, []string{"Transaction", "PageView"}, m.EventTypes)
	assert.Equal(t, []string{"appName"}, m.Facets)
}

func TestResultFirst(t *testing.T) {
	var nilResult *Result
	assert.Nil(t, nilResult.First())
	assert.Nil(t, (&Result{}).First())
	assert.Equal(t, Row{"a": 1}, (&Result{Rows: []Row{{"a": 1}, {"a": 2}}}).First())
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	transient := &TransientError{Query: "q", Err: base}
	permanent := &PermanentError{Query: "q", Reason: "syntax"}
	budget := &BudgetExceededError{Estimated: 2, Used: 9, Ceiling: 10}
	abort := &SessionAbortError{Reason: "unauthorized", Err: base}
	failed := &FailedError{Query: "q", Attempts: []Path{PathStandard, PathSplitWindow}, Last: transient}

	assert.True(t, IsTransient(transient))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", transient)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(permanent))

	assert.True(t, IsPermanent(permanent))
	assert.True(t, IsBudgetExceeded(budget))
	assert.True(t, IsSessionAbort(abort))
	assert.ErrorIs(t, abort, base)

	assert.True(t, IsFailed(failed))
	assert.ErrorIs(t, failed, ErrLadderExhausted)
	assert.Contains(t, failed.Error(), "2 attempts")
	assert.Contains(t, budget.Error(), "10.0000 ceiling")
	assert.Equal(t, "permanent query error: syntax", permanent.Error())
}

func TestFoldRows(t *testing.T) {
	aggs := []Aggregate{
		{Column: "count", Fold: FoldSum},
		{Column: "min", Fold: FoldMin},
		{Column: "max", Fold: FoldMax},
		{Column: "avg", Fold: FoldMean, Weight: "count"},
		{Column: "samples", Fold: FoldUnion, Limit: 3},
	}
	rows := []Row{
		{"count": 100.0, "min": 4.0, "max": 9.0, "avg": 6.0, "samples": []interface{}{"a", "b"}},
		{"count": 300, "min": "2", "max": 7.0, "avg": 2.0, "samples": []string{"b", "c", "d"}},
		{"count": 0.0, "min": nil, "max": nil, "avg": nil},
	}

	got := FoldRows(aggs, rows)
	assert.Equal(t, 400.0, got["count"])
	assert.Equal(t, 2.0, got["min"])
	assert.Equal(t, 9.0, got["max"])
	assert.InDelta(t, 3.0, got["avg"], 1e-9)
	assert.Equal(t, []interface{}{"a", "b", "c"}, got["samples"])
}

func TestFoldRowsAllNull(t *testing.T) {
	aggs := []Aggregate{
		{Column: "min", Fold: FoldMin},
		{Column: "avg", Fold: FoldMean},
		{Column: "n", Fold: FoldSum},
		{Column: "u", Fold: FoldUnion},
	}
	got := FoldRows(aggs, []Row{{"min": nil, "avg": nil}, {}})
	assert.Len(t, got, 4)
	for _, agg := range aggs {
		assert.Nil(t, got[agg.Column], agg.Column)
	}
	assert.Empty(t, FoldRows(nil, nil))
}
