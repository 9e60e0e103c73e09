package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeNerdGraph answers NRQL over GraphQL for a single "Orders" event type
// with a numeric "amount" and a two-valued "status".
type fakeNerdGraph struct {
	*httptest.Server

	mu      sync.Mutex
	queries []string
}

func newFakeNerdGraph(t *testing.T) *fakeNerdGraph {
	t.Helper()
	f := &fakeNerdGraph{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeNerdGraph) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variables map[string]interface{} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nrql, _ := req.Variables["nrql"].(string)

	f.mu.Lock()
	f.queries = append(f.queries, nrql)
	f.mu.Unlock()

	var results []map[string]interface{}
	switch {
	case strings.HasPrefix(nrql, "SHOW EVENT TYPES"):
		results = []map[string]interface{}{{"eventType": "Orders"}}
	case strings.Contains(nrql, "keyset()"):
		results = []map[string]interface{}{{"key": "amount"}, {"key": "status"}}
	case strings.Contains(nrql, "min(`amount`)"):
		results = []map[string]interface{}{{"min": 1, "max": 9, "avg": 5}}
	case strings.Contains(nrql, "min("):
		results = []map[string]interface{}{{"min": nil, "max": nil, "avg": nil}}
	case strings.Contains(nrql, "uniqueCount("):
		results = []map[string]interface{}{{"cardinality": 2}}
	case strings.Contains(nrql, "uniques(metricName"):
		results = []map[string]interface{}{{"metricNames": []string{"host.cpu", "host.mem"}}}
	case strings.Contains(nrql, "uniques("):
		results = []map[string]interface{}{{"samples": []string{"paid", "open"}}}
	case strings.Contains(nrql, "count(*)"):
		results = []map[string]interface{}{{"count": 600}}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{
			"actor": map[string]interface{}{
				"account": map[string]interface{}{
					"nrql": map[string]interface{}{
						"results":  results,
						"metadata": map[string]interface{}{"eventTypes": []string{}},
					},
				},
			},
		},
	})
}

func (f *fakeNerdGraph) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.HasPrefix(q, prefix) {
			n++
		}
	}
	return n
}

// writeConfig writes a config pointing at endpoint with checkpoints under dir.
func writeConfig(t *testing.T, dir, endpoint string) string {
	t.Helper()
	content := fmt.Sprintf(`account:
  id: 12345
  api_key: NRAK-TEST
  endpoint: %s

rate_limit:
  queries_per_minute: 6000
  burst: 50
  max_concurrent_queries: 4

discovery:
  since: 1h
  join_keys: []

progress:
  backend: file
  directory: %s

logging:
  level: error
  format: text
  output: stderr
`, endpoint, filepath.Join(dir, "checkpoints"))

	path := filepath.Join(dir, "nrdiscovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// useFlags sets the package flag variables for one test.
func useFlags(t *testing.T, config string) {
	t.Helper()
	saved := struct {
		cfgFile, logLevel, logFormat, outputFile, outputFormat, sessionID string
		eventTypes                                                        []string
		budget                                                            float64
		force, offline, verbose                                           bool
	}{cfgFile, logLevel, logFormat, outputFile, outputFormat, discoverSessionID, eventTypes, budget, resumeForce, validateOffline, verbose}
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = saved.cfgFile, saved.logLevel, saved.logFormat
		outputFile, outputFormat, discoverSessionID = saved.outputFile, saved.outputFormat, saved.sessionID
		eventTypes, budget = saved.eventTypes, saved.budget
		resumeForce, validateOffline, verbose = saved.force, saved.offline, saved.verbose
	})

	cfgFile = config
	logLevel, logFormat = "", ""
	outputFile, outputFormat, discoverSessionID = "", "", ""
	eventTypes, budget = nil, 0
	resumeForce, validateOffline, verbose = false, false, false
}
