package nerdgraph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/dbsmedya/nrdiscovery/internal/query"
)

// gqlError is one entry of a GraphQL "errors" array.
type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		ErrorClass string `json:"errorClass"`
		Code       string `json:"code"`
	} `json:"extensions"`
}

func (e gqlError) class() string {
	if e.Extensions.ErrorClass != "" {
		return strings.ToUpper(e.Extensions.ErrorClass)
	}
	return strings.ToUpper(e.Extensions.Code)
}

// classifyTransport maps a failed round trip to the query error taxonomy.
// DNS and refused connections abort the session; timeouts are retried.
func classifyTransport(text string, err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &query.TransientError{Query: text, Err: err}
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return &query.SessionAbortError{Reason: "query service unreachable", Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &query.SessionAbortError{Reason: "query service unreachable", Err: err}
	}
	return &query.TransientError{Query: text, Err: err}
}

// classifyStatus maps a non-2xx HTTP status.
func classifyStatus(text string, code int, body string) error {
	err := fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(body))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &query.SessionAbortError{Reason: "authentication failed", Err: err}
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &query.TransientError{Query: text, Err: err}
	default:
		return &query.PermanentError{Query: text, Reason: "request rejected", Err: err}
	}
}

const reasonTimeoutRejected = "timeout rejected"

// timeoutLimitPhrases mark a message about the requested timeout value
// rather than a query that ran out of time.
var timeoutLimitPhrases = []string{"maximum allowed", "must be", "not allowed", "greater than", "invalid timeout", "out of range"}

func rejectsTimeout(msg string) bool {
	if !strings.Contains(msg, "timeout") {
		return false
	}
	for _, p := range timeoutLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// classifyGraphQL maps the first GraphQL error of a response.
func classifyGraphQL(text string, errs []gqlError) error {
	first := errs[0]
	err := errors.New(first.Message)
	msg := strings.ToLower(first.Message)

	switch first.class() {
	case "UNAUTHENTICATED", "UNAUTHORIZED", "INVALID_API_KEY":
		return &query.SessionAbortError{Reason: "authentication failed", Err: err}
	case "TIMEOUT", "SERVER_ERROR", "INTERNAL_SERVER_ERROR", "RATE_LIMITED", "TOO_MANY_REQUESTS":
		return &query.TransientError{Query: text, Err: err}
	case "ACCESS_DENIED", "FORBIDDEN":
		return &query.PermanentError{Query: text, Reason: "access denied", Err: err}
	case "BAD_USER_INPUT", "GRAPHQL_VALIDATION_FAILED":
		return &query.PermanentError{Query: text, Reason: "invalid request", Err: err}
	}

	switch {
	case strings.Contains(msg, "invalid api key") || strings.Contains(msg, "unauthorized"):
		return &query.SessionAbortError{Reason: "authentication failed", Err: err}
	case rejectsTimeout(msg):
		return &query.PermanentError{Query: text, Reason: reasonTimeoutRejected, Err: err}
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return &query.TransientError{Query: text, Err: err}
	case strings.Contains(msg, "syntax"):
		return &query.PermanentError{Query: text, Reason: "syntax error", Err: err}
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "not authorized"):
		return &query.PermanentError{Query: text, Reason: "access denied", Err: err}
	}
	return &query.PermanentError{Query: text, Reason: "query rejected", Err: err}
}
