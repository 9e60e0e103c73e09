package query

import (
	"context"
	"time"
)

// Service is the remote telemetry query service. Implementations report
// failures using the error types of this package.
type Service interface {
	Execute(ctx context.Context, text string, accountID int, timeout time.Duration) (*Response, error)
	ProbeCapabilities(ctx context.Context, accountID int) (*CapabilityReport, error)
}

// AsyncService is implemented by services that accept submit-and-poll queries.
type AsyncService interface {
	Service
	Submit(ctx context.Context, text string, accountID int) (queryID string, err error)
	Poll(ctx context.Context, accountID int, queryID string) (*AsyncStatus, error)
	// Fetch returns one page of results and the cursor of the next page,
	// empty when there are no more pages.
	Fetch(ctx context.Context, accountID int, queryID, cursor string) (*Response, string, error)
}
