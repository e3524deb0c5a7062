package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkmesh/clusterproxy/internal/cluster"
	"github.com/sparkmesh/clusterproxy/internal/servertools"
)

func TestHandleModels_ReturnsNormalizedAnthropicShape(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model","owned_by":"openai"}]}`))
	}))
	defer backend.Close()

	manager := newTestManager(t, backend.URL)
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, false, out["has_more"])
	data := out["data"].([]any)
	require.Len(t, data, 1)
	entry := data[0].(map[string]any)
	assert.Equal(t, "gpt-4o-mini", entry["id"])
	assert.Equal(t, "model", entry["type"])
	assert.Equal(t, "openai", entry["owned_by"])
}

func TestHandleModels_NoHealthyNodesReturnsOverloaded(t *testing.T) {
	manager := cluster.NewManager()
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	manager := cluster.NewManager()
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClusterStatus_ReturnsNodeSnapshot(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	manager := newTestManager(t, backend.URL)
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/cluster/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	nodes := out["nodes"].([]any)
	require.Len(t, nodes, 1)
}

func TestBreakerMetrics_ReturnsPerNodeMap(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	manager := newTestManager(t, backend.URL)
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/circuit-breaker/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Contains(t, out, "node-a")
}
