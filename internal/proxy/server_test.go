package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sparkmesh/clusterproxy/internal/cluster"
	"github.com/sparkmesh/clusterproxy/internal/servertools"
)

func TestRouter_CircuitBreakerMetricsHasNoCORSHeaders(t *testing.T) {
	manager := cluster.NewManager()
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/circuit-breaker/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), "internal endpoint must not advertise CORS")
}

func TestRouter_HealthzHasNoCORSHeaders(t *testing.T) {
	manager := cluster.NewManager()
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_ModelsEndpointHasCORSHeaders(t *testing.T) {
	manager := cluster.NewManager()
	srv := NewServer(manager, DefaultConfig(), servertools.Chain{})
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), "the public API surface still gets CORS")
}
