package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	// The sync server's counters flow through the updater and surface on
	// the expvar endpoint.
	su.RegisterMetric("ActiveConnections")
	su.RegisterMetric("OpsApplied")
	su.Run()
	defer su.Stop()

	su.Incr("ActiveConnections")
	su.Incr("ActiveConnections")
	su.Decr("ActiveConnections")
	su.Incr("OpsApplied")

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))

		var vars map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &vars); err != nil {
			return false
		}
		return vars["ActiveConnections"] == float64(1) && vars["OpsApplied"] == float64(1)
	}, time.Second, 10*time.Millisecond, "expected counters to reach the expvar endpoint")
}
