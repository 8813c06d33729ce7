package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/gatehouse/pkg/config"
	"github.com/cuemby/gatehouse/pkg/routes"
	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController records calls and serves canned data.
type fakeController struct {
	applied     []*config.File
	removed     []string
	reconciled  int
	removeErr   error
	rows        []types.ProxyRow
	declared    []*types.Route
	assignments []*types.CertificateAssignment
}

func (f *fakeController) ApplyIntent(file *config.File) error {
	f.applied = append(f.applied, file)
	return nil
}

func (f *fakeController) Remove(host, pathPrefix string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, host+pathPrefix)
	return nil
}

func (f *fakeController) Reconcile(ctx context.Context) error {
	f.reconciled++
	return nil
}

func (f *fakeController) ProxyRows() []types.ProxyRow { return f.rows }

func (f *fakeController) DeclaredRoutes() []*types.Route { return f.declared }

func (f *fakeController) Assignments() []*types.CertificateAssignment { return f.assignments }

func newTestServer(ctrl *fakeController) *httptest.Server {
	return httptest.NewServer(NewAdminServer(ctrl, "test").Handler())
}

// TestHealthEndpoint tests the health check
func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeController{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

// TestReadyEndpoint tests the readiness check
func TestReadyEndpoint(t *testing.T) {
	ctrl := &fakeController{
		declared: []*types.Route{
			{Service: "web", Host: "example.com", PathPrefix: "/", Target: "localhost:3000"},
		},
	}
	server := newTestServer(ctrl)
	defer server.Close()

	resp, err := http.Get(server.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ok", ready.Checks["controller"])
	assert.Equal(t, "1 declared", ready.Checks["routes"])
}

// TestRoutesEndpoint tests listing and removal
func TestRoutesEndpoint(t *testing.T) {
	ctrl := &fakeController{
		rows: []types.ProxyRow{
			{Service: "web", Host: "example.com", Path: "/", Target: "localhost:3000", State: "active", TLS: true},
		},
	}
	server := newTestServer(ctrl)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/routes")
	require.NoError(t, err)
	defer resp.Body.Close()

	var rows []types.ProxyRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "example.com", rows[0].Host)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/routes?host=example.com&path_prefix=/", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, []string{"example.com/"}, ctrl.removed)
}

// TestRemoveErrorMapping tests error-to-status translation
func TestRemoveErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", routes.ErrRouteNotFound, http.StatusNotFound},
		{"root in use", fmt.Errorf("wrapped: %w", routes.ErrRootRouteInUse), http.StatusConflict},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&fakeController{removeErr: tt.err})
			defer server.Close()

			req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/routes?host=example.com", nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.expected, resp.StatusCode)
		})
	}
}

// TestDeclaredOmitsKeyMaterial tests that declared routes never expose PEM
func TestDeclaredOmitsKeyMaterial(t *testing.T) {
	ctrl := &fakeController{
		declared: []*types.Route{{
			Service:    "web",
			Host:       "example.com",
			PathPrefix: "/",
			Target:     "localhost:3000",
			TLS: &types.TLSSpec{
				Source:  types.SourceStatic,
				CertPEM: []byte("SECRETCERT"),
				KeyPEM:  []byte("SECRETKEY"),
			},
		}},
	}
	server := newTestServer(ctrl)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/declared")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	var declared []DeclaredRoute
	require.NoError(t, json.NewDecoder(io.TeeReader(resp.Body, &buf)).Decode(&declared))
	require.Len(t, declared, 1)
	assert.Equal(t, string(types.SourceStatic), declared[0].TLSSource)
	assert.NotContains(t, buf.String(), "SECRET")
}

// TestCertificatesEndpoint tests the assignment summary listing
func TestCertificatesEndpoint(t *testing.T) {
	ctrl := &fakeController{
		assignments: []*types.CertificateAssignment{{
			Host:     "example.com",
			Source:   types.SourceAutoACME,
			State:    types.CertStateActive,
			Issuer:   "Test CA",
			NotAfter: time.Now().Add(60 * 24 * time.Hour),
			KeyPEM:   []byte("SECRETKEY"),
		}},
	}
	server := newTestServer(ctrl)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/certificates")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	var summaries []CertificateSummary
	require.NoError(t, json.NewDecoder(io.TeeReader(resp.Body, &buf)).Decode(&summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "example.com", summaries[0].Host)
	assert.Equal(t, "Test CA", summaries[0].Issuer)
	assert.NotContains(t, buf.String(), "SECRETKEY")
}

// TestApplyEndpoint tests intent application over HTTP
func TestApplyEndpoint(t *testing.T) {
	ctrl := &fakeController{}
	server := newTestServer(ctrl)
	defer server.Close()

	intent := `
services:
  - name: web
    host: example.com
    target: localhost:3000
    ssl: true
`
	resp, err := http.Post(server.URL+"/v1/apply", "application/yaml", strings.NewReader(intent))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, ctrl.applied, 1)
	assert.Equal(t, "web", ctrl.applied[0].Services[0].Name)

	// Invalid intent is rejected before reaching the controller
	resp, err = http.Post(server.URL+"/v1/apply", "application/yaml", strings.NewReader("services:\n  - name: broken\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, ctrl.applied, 1)
}

// TestReconcileEndpoint tests the manual reconciliation trigger
func TestReconcileEndpoint(t *testing.T) {
	ctrl := &fakeController{}
	server := newTestServer(ctrl)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/reconcile", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ctrl.reconciled)

	// GET is not allowed
	resp, err = http.Get(server.URL + "/v1/reconcile")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
