package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/query"
)

// maxAsyncPages bounds result pagination of a single async query.
const maxAsyncPages = 1000

// runAsync submits the query, polls until it completes or the poll timeout
// passes, then fetches every result page. Each call takes its own token.
func (r *Router) runAsync(ctx context.Context, req query.Request) (*query.Response, error) {
	if r.async == nil {
		return nil, &query.PermanentError{Query: req.Text(), Reason: "async execution not supported by service"}
	}
	text := req.Text()

	var queryID string
	err := r.limited(ctx, func() error {
		var err error
		queryID, err = r.async.Submit(ctx, text, req.AccountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.AsyncPollTimeout)
	defer cancel()
	if err := r.awaitAsync(ctx, pollCtx, req.AccountID, queryID, text); err != nil {
		return nil, err
	}

	merged := &query.Response{}
	cursor := ""
	for page := 0; page < maxAsyncPages; page++ {
		var (
			resp *query.Response
			next string
		)
		err := r.limited(ctx, func() error {
			var err error
			resp, next, err = r.async.Fetch(ctx, req.AccountID, queryID, cursor)
			return err
		})
		if err != nil {
			return nil, err
		}
		if resp != nil {
			merged.Rows = append(merged.Rows, resp.Rows...)
			merged.Metadata.Merge(resp.Metadata)
			merged.InspectedCount += resp.InspectedCount
		}
		if next == "" {
			return merged, nil
		}
		cursor = next
	}
	return nil, &query.PermanentError{Query: text, Reason: fmt.Sprintf("async result exceeded %d pages", maxAsyncPages)}
}

func (r *Router) awaitAsync(ctx, pollCtx context.Context, accountID int, queryID, text string) error {
	interval := r.cfg.AsyncPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var status *query.AsyncStatus
		err := r.limited(pollCtx, func() error {
			var err error
			status, err = r.async.Poll(pollCtx, accountID, queryID)
			return err
		})
		if err != nil {
			if ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
				return r.pollTimeout(text)
			}
			return err
		}

		if status == nil {
			status = &query.AsyncStatus{State: query.AsyncRunning}
		}
		switch status.State {
		case query.AsyncDone:
			return nil
		case query.AsyncFailed:
			return &query.TransientError{Query: text, Err: fmt.Errorf("async query %s failed: %s", queryID, status.Message)}
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.pollTimeout(text)
		}
	}
}

func (r *Router) pollTimeout(text string) error {
	return &query.TransientError{
		Query: text,
		Err:   fmt.Errorf("async poll timed out after %s: %w", r.cfg.AsyncPollTimeout, context.DeadlineExceeded),
	}
}

// limited runs fn while holding a limiter token.
func (r *Router) limited(ctx context.Context, fn func() error) error {
	tok, err := r.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn()
}
