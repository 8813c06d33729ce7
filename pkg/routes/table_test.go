package routes

import (
	"fmt"
	"testing"

	"github.com/cuemby/gatehouse/pkg/storage"
	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(storage.NewMemoryStore())
	require.NoError(t, err)
	return table
}

func rootRoute(host string) *types.Route {
	return &types.Route{
		Service:    "web",
		Host:       host,
		PathPrefix: "/",
		Target:     "localhost:3000",
	}
}

// TestDeclareValidation tests syntactic validation of declarations
func TestDeclareValidation(t *testing.T) {
	tests := []struct {
		name    string
		route   *types.Route
		wantErr error
	}{
		{
			name:    "valid root route",
			route:   &types.Route{Service: "web", Host: "example.com", PathPrefix: "/", Target: "localhost:3000"},
			wantErr: nil,
		},
		{
			name:    "empty prefix defaults to root",
			route:   &types.Route{Service: "web", Host: "example.com", Target: "localhost:3000"},
			wantErr: nil,
		},
		{
			name:    "url target",
			route:   &types.Route{Service: "web", Host: "example.com", PathPrefix: "/", Target: "http://backend:8080"},
			wantErr: nil,
		},
		{
			name:    "empty host",
			route:   &types.Route{Service: "web", PathPrefix: "/", Target: "localhost:3000"},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "host with slash",
			route:   &types.Route{Service: "web", Host: "example.com/x", PathPrefix: "/", Target: "localhost:3000"},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "prefix without leading slash",
			route:   &types.Route{Service: "web", Host: "example.com", PathPrefix: "api", Target: "localhost:3000"},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "empty target",
			route:   &types.Route{Service: "web", Host: "example.com", PathPrefix: "/"},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "target without port",
			route:   &types.Route{Service: "web", Host: "example.com", PathPrefix: "/", Target: "localhost"},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "target with bad scheme",
			route:   &types.Route{Service: "web", Host: "example.com", PathPrefix: "/", Target: "ftp://backend:21"},
			wantErr: ErrInvalidRoute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := newTestTable(t)
			_, err := table.Declare(tt.route)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

// TestDeclareRootRouteMissing tests that non-root routes require a root
func TestDeclareRootRouteMissing(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Declare(&types.Route{
		Service:    "api",
		Host:       "example.com",
		PathPrefix: "/api",
		Target:     "localhost:4000",
	})
	assert.ErrorIs(t, err, ErrRootRouteMissing)

	// Declaring the root first makes the same declaration succeed
	changed, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = table.Declare(&types.Route{
		Service:    "api",
		Host:       "example.com",
		PathPrefix: "/api",
		Target:     "localhost:4000",
	})
	require.NoError(t, err)
	assert.True(t, changed)
}

// TestDeclareIdempotent tests that re-declaring an identical route is a no-op
func TestDeclareIdempotent(t *testing.T) {
	table := newTestTable(t)

	changed, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	assert.True(t, changed)
	rev := table.Revision("example.com")

	changed, err = table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, rev, table.Revision("example.com"), "no-op declaration must not advance the revision")
}

// TestDeclareReplace tests that a differing declaration replaces and
// preserves the original creation time
func TestDeclareReplace(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	original := table.List()[0]

	replacement := rootRoute("example.com")
	replacement.Target = "localhost:3001"
	changed, err := table.Declare(replacement)
	require.NoError(t, err)
	assert.True(t, changed)

	routes := table.List()
	require.Len(t, routes, 1)
	assert.Equal(t, "localhost:3001", routes[0].Target)
	assert.Equal(t, original.CreatedAt, routes[0].CreatedAt)
	assert.Greater(t, table.Revision("example.com"), uint64(0))
}

// TestDeclareTLSOnNonRoot tests that only root routes may carry TLS
func TestDeclareTLSOnNonRoot(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)

	_, err = table.Declare(&types.Route{
		Service:    "api",
		Host:       "example.com",
		PathPrefix: "/api",
		Target:     "localhost:4000",
		TLS:        &types.TLSSpec{Source: types.SourceAutoACME},
	})
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

// TestSourceConflict tests that a host cannot mix certificate sources
func TestSourceConflict(t *testing.T) {
	table := newTestTable(t)

	root := rootRoute("example.com")
	root.TLS = &types.TLSSpec{Source: types.SourceAutoACME}
	_, err := table.Declare(root)
	require.NoError(t, err)

	// The established source cannot be flipped in place
	replacement := rootRoute("example.com")
	replacement.TLS = &types.TLSSpec{
		Source:  types.SourceStatic,
		CertPEM: []byte("cert"),
		KeyPEM:  []byte("key"),
	}
	_, err = table.Declare(replacement)
	assert.ErrorIs(t, err, ErrSourceConflict)

	// Re-declaring with the same source is fine
	same := rootRoute("example.com")
	same.Target = "localhost:3001"
	same.TLS = &types.TLSSpec{Source: types.SourceAutoACME}
	_, err = table.Declare(same)
	assert.NoError(t, err)

	// Removing the host's routes clears the way for a new source
	require.NoError(t, table.Remove("example.com", "/"))
	fresh := rootRoute("example.com")
	fresh.TLS = &types.TLSSpec{
		Source:  types.SourceStatic,
		CertPEM: []byte("cert"),
		KeyPEM:  []byte("key"),
	}
	_, err = table.Declare(fresh)
	assert.NoError(t, err)
}

// TestRemove tests removal and the root-in-use invariant
func TestRemove(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	_, err = table.Declare(&types.Route{
		Service: "api", Host: "example.com", PathPrefix: "/api", Target: "localhost:4000",
	})
	require.NoError(t, err)

	// Root cannot go while /api remains
	err = table.Remove("example.com", "/")
	assert.ErrorIs(t, err, ErrRootRouteInUse)

	require.NoError(t, table.Remove("example.com", "/api"))
	require.NoError(t, table.Remove("example.com", "/"))
	assert.Empty(t, table.List())

	err = table.Remove("example.com", "/")
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

// TestByHostOrdering tests that grouped routes put the root first
func TestByHostOrdering(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	for _, prefix := range []string{"/api", "/admin", "/static"} {
		_, err := table.Declare(&types.Route{
			Service: "svc" + prefix, Host: "example.com", PathPrefix: prefix, Target: "localhost:4000",
		})
		require.NoError(t, err)
	}

	grouped := table.ByHost()
	group := grouped["example.com"]
	require.Len(t, group, 4)
	assert.Equal(t, "/", group[0].PathPrefix)
	assert.Equal(t, "/admin", group[1].PathPrefix)
	assert.Equal(t, "/api", group[2].PathPrefix)
	assert.Equal(t, "/static", group[3].PathPrefix)
}

// TestTablePersistence tests that a new table reloads persisted routes
func TestTablePersistence(t *testing.T) {
	store := storage.NewMemoryStore()

	table, err := NewTable(store)
	require.NoError(t, err)
	_, err = table.Declare(rootRoute("example.com"))
	require.NoError(t, err)
	_, err = table.Declare(&types.Route{
		Service: "api", Host: "example.com", PathPrefix: "/api", Target: "localhost:4000",
	})
	require.NoError(t, err)

	reloaded, err := NewTable(store)
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 2)

	// Non-root declarations still require the reloaded root
	_, err = reloaded.Declare(&types.Route{
		Service: "more", Host: "example.com", PathPrefix: "/more", Target: "localhost:5000",
	})
	assert.NoError(t, err)
}

// TestHostTLS tests the effective TLS spec lookup
func TestHostTLS(t *testing.T) {
	table := newTestTable(t)

	assert.Nil(t, table.HostTLS("example.com"))

	root := rootRoute("example.com")
	root.TLS = &types.TLSSpec{Source: types.SourceAutoACME}
	_, err := table.Declare(root)
	require.NoError(t, err)

	spec := table.HostTLS("example.com")
	require.NotNil(t, spec)
	assert.Equal(t, types.SourceAutoACME, spec.Source)
}

// TestConcurrentDeclare tests that concurrent declarations of the same
// route leave exactly one entry
func TestConcurrentDeclare(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Declare(rootRoute("example.com"))
	require.NoError(t, err)

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := table.Declare(&types.Route{
				Service: "api", Host: "example.com", PathPrefix: "/api", Target: "localhost:4000",
			})
			done <- err
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	routes := table.List()
	require.Len(t, routes, 2)
}

// TestConcurrentRootDeclare tests that racing root declarations with
// different targets leave exactly one consistent winner
func TestConcurrentRootDeclare(t *testing.T) {
	table := newTestTable(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		target := fmt.Sprintf("localhost:%d", 3000+i)
		go func() {
			route := rootRoute("example.com")
			route.Target = target
			_, err := table.Declare(route)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	routes := table.List()
	require.Len(t, routes, 1)
	assert.Contains(t, routes[0].Target, "localhost:")
}
