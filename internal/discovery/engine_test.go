package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/nrdiscovery/internal/nrql"
	"github.com/dbsmedya/nrdiscovery/internal/query"
	"github.com/dbsmedya/nrdiscovery/internal/query/querytest"
)

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil, querytest.New(), nil, nil)
	assert.Error(t, err)

	_, err = NewEngine(testConfig(), nil, nil, nil)
	assert.Error(t, err)

	e, err := NewEngine(testConfig(), querytest.New(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, e.Limiter)
	assert.NotNil(t, e.Cache)
	assert.NotNil(t, e.Estimator)
	assert.NotNil(t, e.Detector)
	assert.NotNil(t, e.Router)
}

func TestEngine_EstimatorProbesVolumeThroughRouter(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery.Since = time.Hour
	svc := querytest.New()
	svc.On(volumeRequest(1, "Orders", time.Hour).Text(), querytest.Rows(query.Row{"count": 6000.0}))

	e, err := NewEngine(cfg, svc, nil, nil)
	require.NoError(t, err)

	req := query.Request{NRQL: nrql.Keyset("Orders"), AccountID: 1, Since: time.Hour, EventType: "Orders"}
	est := e.Estimator.Estimate(context.Background(), req)
	assert.InDelta(t, 6000, est.Rows, 1e-9)

	v, ok := e.Estimator.Volume("Orders")
	require.True(t, ok)
	assert.InDelta(t, 100, v, 1e-9)

	// The volume is cached, so a second estimate does not probe again.
	e.Estimator.Estimate(context.Background(), req)
	assert.Equal(t, 1, svc.TotalCalls())
}

func TestEngine_FailedVolumeProbeUsesDefault(t *testing.T) {
	svc := querytest.New()
	svc.On(nrql.Volume("Orders"), querytest.Fail(&query.PermanentError{Reason: "access denied"}))

	cfg := testConfig()
	e, err := NewEngine(cfg, svc, nil, nil)
	require.NoError(t, err)

	est := e.Estimator.Estimate(context.Background(), query.Request{NRQL: nrql.Keyset("Orders"), EventType: "Orders"})
	assert.InDelta(t, cfg.Cost.DefaultVolumePerMinute*60, est.Rows, 1e-6)
}

func TestCountOf(t *testing.T) {
	assert.Equal(t, int64(0), countOf(nil))
	assert.Equal(t, int64(0), countOf(&query.Result{}))
	assert.Equal(t, int64(42), countOf(&query.Result{Rows: []query.Row{{"count": 42.0}}}))
}
