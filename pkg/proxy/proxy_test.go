package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyBackend(t *testing.T, state *State, host string, routes ...HostRoute) {
	t.Helper()
	m := testMaterial(t, host, time.Hour)
	_, err := state.ApplyHost(host, HostConfig{
		Routes:    routes,
		CertPEM:   m.CertPEM,
		KeyPEM:    m.KeyPEM,
		CertState: types.CertStateActive,
		Expiry:    m.NotAfter,
	})
	require.NoError(t, err)
}

// TestHandleRedirect tests the HTTP-to-HTTPS redirect
func TestHandleRedirect(t *testing.T) {
	state := NewState()
	applyBackend(t, state, "example.com", HostRoute{Service: "web", PathPrefix: "/", Target: "localhost:3000"})
	server := NewServer(state, "", "")

	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/users?q=1", nil)
	rec := httptest.NewRecorder()
	server.handleRedirect(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://example.com/api/users?q=1", rec.Header().Get("Location"))

	// Unknown hosts are refused, not redirected
	req = httptest.NewRequest(http.MethodGet, "http://unknown.com/", nil)
	rec = httptest.NewRecorder()
	server.handleRedirect(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHandleRequestProxies tests forwarding to a live backend
func TestHandleRequestProxies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "example.com", r.Host)
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "https", r.Header.Get("X-Forwarded-Proto"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("backend says hi"))
	}))
	defer backend.Close()

	state := NewState()
	applyBackend(t, state, "example.com", HostRoute{Service: "web", PathPrefix: "/", Target: backend.URL})
	server := NewServer(state, "", "")

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()
	server.handleRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend says hi", rec.Body.String())
}

// TestHandleRequestNoRoute tests unknown hosts and paths
func TestHandleRequestNoRoute(t *testing.T) {
	server := NewServer(NewState(), "", "")

	req := httptest.NewRequest(http.MethodGet, "https://unknown.com/", nil)
	req.Host = "unknown.com"
	rec := httptest.NewRecorder()
	server.handleRequest(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHandleRequestRateLimited tests the per-route rate limit
func TestHandleRequestRateLimited(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	state := NewState()
	applyBackend(t, state, "example.com", HostRoute{
		Service:    "web",
		PathPrefix: "/",
		Target:     backend.URL,
		RateLimit:  1,
	})
	server := NewServer(state, "", "")

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
		req.Host = "example.com"
		rec := httptest.NewRecorder()
		server.handleRequest(rec, req)
		codes[rec.Code]++
	}

	assert.Greater(t, codes[http.StatusOK], 0, "the first request passes")
	assert.Greater(t, codes[http.StatusTooManyRequests], 0, "the burst is limited")
}

// TestRateLimitScopedPerHost tests that a service declared on two hosts
// gets an independent bucket per host
func TestRateLimitScopedPerHost(t *testing.T) {
	server := NewServer(NewState(), "", "")
	route := &HostRoute{Service: "web", PathPrefix: "/", RateLimit: 1}

	a := server.limiter("a.example.com", route)
	b := server.limiter("b.example.com", route)
	assert.NotSame(t, a, b)

	// Draining one host's bucket leaves the other untouched
	require.True(t, a.Allow())
	assert.False(t, a.Allow())
	assert.True(t, b.Allow())
}

// TestTargetToURL tests backend target parsing
func TestTargetToURL(t *testing.T) {
	u, err := targetToURL("localhost:3000")
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "localhost:3000", u.Host)

	u, err = targetToURL("https://backend:8443")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "backend:8443", u.Host)
}
