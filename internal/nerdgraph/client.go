// Package nerdgraph implements the telemetry query service over the New Relic
// NerdGraph GraphQL API.
package nerdgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbsmedya/nrdiscovery/internal/config"
	"github.com/dbsmedya/nrdiscovery/internal/logger"
	"github.com/dbsmedya/nrdiscovery/internal/query"
)

const (
	// StandardMaxTimeout is the longest query timeout accounts without
	// Data Plus may request.
	StandardMaxTimeout = 120 * time.Second
	// ExtendedMaxTimeout is the Data Plus ceiling.
	ExtendedMaxTimeout = 10 * time.Minute

	probeNRQL = "SHOW EVENT TYPES SINCE 1 minute ago"

	// completedPrefix marks async ids whose results arrived with the submit.
	completedPrefix = "completed:"

	maxErrorBody = 4096
)

const nrqlQuery = `query($accountId: Int!, $nrql: Nrql!, $timeout: Seconds) {
  actor {
    account(id: $accountId) {
      nrql(query: $nrql, timeout: $timeout) {
        results
        metadata { eventTypes facets }
      }
    }
  }
}`

const submitQuery = `query($accountId: Int!, $nrql: Nrql!) {
  actor {
    account(id: $accountId) {
      nrql(query: $nrql, async: true) {
        results
        metadata { eventTypes facets }
        queryProgress { queryId completed retryAfter }
      }
    }
  }
}`

const progressQuery = `query($accountId: Int!, $queryId: ID!) {
  actor {
    account(id: $accountId) {
      nrqlQueryProgress(queryId: $queryId) {
        results
        metadata { eventTypes facets }
        queryProgress { queryId completed retryAfter }
      }
    }
  }
}`

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type nrqlResult struct {
	Results  []query.Row    `json:"results"`
	Metadata query.Metadata `json:"metadata"`
	Progress *struct {
		QueryID    string `json:"queryId"`
		Completed  bool   `json:"completed"`
		RetryAfter int    `json:"retryAfter"`
	} `json:"queryProgress"`
}

type accountNode struct {
	NRQL         *nrqlResult `json:"nrql"`
	NRQLProgress *nrqlResult `json:"nrqlQueryProgress"`
}

type gqlResponse struct {
	Data struct {
		Actor struct {
			Account *accountNode `json:"account"`
		} `json:"actor"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

// Client talks to NerdGraph. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *logger.Logger

	mu       sync.Mutex
	finished map[string]*query.Response // async results awaiting Fetch
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its transport is wrapped so the
// API key is still attached.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.logger = log
		}
	}
}

// NewClient creates a client for the account's NerdGraph endpoint.
func NewClient(account config.AccountConfig, opts ...Option) (*Client, error) {
	if account.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	c := &Client{
		endpoint: account.GraphQLEndpoint(),
		http:     &http.Client{},
		logger:   logger.NewDefault(),
		finished: make(map[string]*query.Response),
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Transport = newAPIKeyRoundTripper(hc.Transport, account.APIKey)
	c.http = &hc
	return c, nil
}

// Execute runs a synchronous NRQL query.
func (c *Client) Execute(ctx context.Context, text string, accountID int, timeout time.Duration) (*query.Response, error) {
	vars := map[string]interface{}{
		"accountId": accountID,
		"nrql":      text,
	}
	if timeout > 0 {
		vars["timeout"] = timeoutSeconds(timeout)
	}
	res, err := c.do(ctx, text, nrqlQuery, vars)
	if err != nil {
		return nil, err
	}
	if res.NRQL == nil {
		return nil, &query.PermanentError{Query: text, Reason: "empty nrql result"}
	}
	return toResponse(res.NRQL), nil
}

// ProbeCapabilities detects Data Plus by requesting the extended timeout.
// Accounts without it reject the request, and the probe is retried with the
// standard maximum.
func (c *Client) ProbeCapabilities(ctx context.Context, accountID int) (*query.CapabilityReport, error) {
	_, err := c.Execute(ctx, probeNRQL, accountID, ExtendedMaxTimeout)
	if err == nil {
		return &query.CapabilityReport{DataPlus: true, MaxQueryDuration: ExtendedMaxTimeout, Async: true}, nil
	}

	var perm *query.PermanentError
	if !errors.As(err, &perm) || !mentionsTimeout(perm) {
		return nil, err
	}
	c.logger.Debugf("Extended timeout rejected, probing standard limits: %v", err)

	if _, err := c.Execute(ctx, probeNRQL, accountID, StandardMaxTimeout); err != nil {
		return nil, err
	}
	return &query.CapabilityReport{DataPlus: false, MaxQueryDuration: StandardMaxTimeout, Async: true}, nil
}

func mentionsTimeout(err *query.PermanentError) bool {
	if err.Reason == reasonTimeoutRejected {
		return true
	}
	return err.Err != nil && strings.Contains(strings.ToLower(err.Err.Error()), "timeout")
}

// Submit starts an async query. Queries that finish within the service's
// synchronous window come back with results already; those are held until
// fetched.
func (c *Client) Submit(ctx context.Context, text string, accountID int) (string, error) {
	res, err := c.do(ctx, text, submitQuery, map[string]interface{}{
		"accountId": accountID,
		"nrql":      text,
	})
	if err != nil {
		return "", err
	}
	if res.NRQL == nil {
		return "", &query.PermanentError{Query: text, Reason: "empty nrql result"}
	}
	if p := res.NRQL.Progress; p != nil && !p.Completed && p.QueryID != "" {
		return p.QueryID, nil
	}

	id := completedPrefix + uuid.NewString()
	c.stash(id, toResponse(res.NRQL))
	return id, nil
}

// Poll reports the progress of an async query.
func (c *Client) Poll(ctx context.Context, accountID int, queryID string) (*query.AsyncStatus, error) {
	if c.stashed(queryID) {
		return &query.AsyncStatus{State: query.AsyncDone}, nil
	}

	res, err := c.do(ctx, queryID, progressQuery, map[string]interface{}{
		"accountId": accountID,
		"queryId":   queryID,
	})
	if err != nil {
		var perm *query.PermanentError
		if errors.As(err, &perm) {
			return &query.AsyncStatus{State: query.AsyncFailed, Message: err.Error()}, nil
		}
		return nil, err
	}
	if res.NRQLProgress == nil {
		return &query.AsyncStatus{State: query.AsyncFailed, Message: "query progress unavailable"}, nil
	}
	if p := res.NRQLProgress.Progress; p != nil && !p.Completed {
		return &query.AsyncStatus{State: query.AsyncRunning}, nil
	}

	c.stash(queryID, toResponse(res.NRQLProgress))
	return &query.AsyncStatus{State: query.AsyncDone}, nil
}

// Fetch returns the results of a finished async query. NerdGraph delivers
// them in a single page.
func (c *Client) Fetch(ctx context.Context, accountID int, queryID, _ string) (*query.Response, string, error) {
	if resp := c.take(queryID); resp != nil {
		return resp, "", nil
	}

	res, err := c.do(ctx, queryID, progressQuery, map[string]interface{}{
		"accountId": accountID,
		"queryId":   queryID,
	})
	if err != nil {
		return nil, "", err
	}
	if res.NRQLProgress == nil {
		return nil, "", &query.PermanentError{Query: queryID, Reason: "query progress unavailable"}
	}
	if p := res.NRQLProgress.Progress; p != nil && !p.Completed {
		return nil, "", &query.TransientError{Query: queryID, Err: fmt.Errorf("async query %s not finished", queryID)}
	}
	return toResponse(res.NRQLProgress), "", nil
}

func (c *Client) stash(id string, resp *query.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished[id] = resp
}

func (c *Client) stashed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finished[id]
	return ok
}

func (c *Client) take(id string) *query.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := c.finished[id]
	delete(c.finished, id)
	return resp
}

// do posts one GraphQL document and returns the account node of the answer.
func (c *Client) do(ctx context.Context, text, document string, vars map[string]interface{}) (*accountNode, error) {
	body, err := json.Marshal(gqlRequest{Query: document, Variables: vars})
	if err != nil {
		return nil, &query.PermanentError{Query: text, Reason: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &query.SessionAbortError{Reason: "invalid endpoint", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(text, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(text, resp.StatusCode, string(msg))
	}

	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransport(text, ctx.Err())
		}
		return nil, &query.TransientError{Query: text, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	c.logger.Debugf("NerdGraph answered in %s", time.Since(start))

	if len(out.Errors) > 0 {
		return nil, classifyGraphQL(text, out.Errors)
	}
	if out.Data.Actor.Account == nil {
		return nil, &query.PermanentError{Query: text, Reason: "account not accessible"}
	}
	return out.Data.Actor.Account, nil
}

func toResponse(r *nrqlResult) *query.Response {
	return &query.Response{Rows: r.Results, Metadata: r.Metadata}
}

// timeoutSeconds rounds up to whole seconds, as the API accepts no less.
func timeoutSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
