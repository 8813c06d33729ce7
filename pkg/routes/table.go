package routes

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/storage"
	"github.com/cuemby/gatehouse/pkg/types"
)

// Table is the authoritative set of declared routes, keyed by
// (host, path prefix). All mutation goes through Declare and Remove,
// which enforce the root-route invariants at declaration time.
type Table struct {
	mu        sync.RWMutex
	hosts     map[string]map[string]*types.Route // host -> path prefix -> route
	revisions map[string]uint64                  // host -> declaration revision
	store     storage.Store
}

// NewTable creates a route table backed by the given store. Previously
// persisted routes are loaded into the table.
func NewTable(store storage.Store) (*Table, error) {
	t := &Table{
		hosts:     make(map[string]map[string]*types.Route),
		revisions: make(map[string]uint64),
		store:     store,
	}

	persisted, err := store.ListRoutes()
	if err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	// Roots first so the invariant holds while re-inserting
	sort.Slice(persisted, func(i, j int) bool {
		return len(persisted[i].PathPrefix) < len(persisted[j].PathPrefix)
	})
	for _, route := range persisted {
		if t.hosts[route.Host] == nil {
			t.hosts[route.Host] = make(map[string]*types.Route)
		}
		t.hosts[route.Host][route.PathPrefix] = route
	}

	return t, nil
}

// Declare validates and records a desired route. Re-declaring an
// identical route is a no-op; declaring a different route for the same
// (host, path prefix) replaces it. Returns whether the table changed.
func (t *Table) Declare(route *types.Route) (bool, error) {
	if route.PathPrefix == "" {
		route.PathPrefix = "/"
	}

	if err := validate(route); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	hostRoutes := t.hosts[route.Host]

	if !route.IsRoot() {
		if hostRoutes == nil || hostRoutes["/"] == nil {
			return false, fmt.Errorf("%w: %s", ErrRootRouteMissing, route.Host)
		}
	}

	if err := t.checkSourceConflict(route); err != nil {
		return false, err
	}

	existing := hostRoutes[route.PathPrefix]
	if existing != nil && equalRoutes(existing, route) {
		return false, nil
	}

	now := time.Now()
	if existing != nil {
		route.CreatedAt = existing.CreatedAt
	} else {
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	if hostRoutes == nil {
		hostRoutes = make(map[string]*types.Route)
		t.hosts[route.Host] = hostRoutes
	}
	hostRoutes[route.PathPrefix] = route
	t.revisions[route.Host]++

	if err := t.store.SaveRoute(route); err != nil {
		return true, fmt.Errorf("failed to persist route: %w", err)
	}
	return true, nil
}

// Remove deletes a declared route. Removing a root route while non-root
// routes remain for the host fails, since those routes would become
// unroutable.
func (t *Table) Remove(host, pathPrefix string) error {
	if pathPrefix == "" {
		pathPrefix = "/"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	hostRoutes := t.hosts[host]
	if hostRoutes == nil || hostRoutes[pathPrefix] == nil {
		return fmt.Errorf("%w: %s%s", ErrRouteNotFound, host, pathPrefix)
	}

	if pathPrefix == "/" && len(hostRoutes) > 1 {
		return fmt.Errorf("%w: %s", ErrRootRouteInUse, host)
	}

	delete(hostRoutes, pathPrefix)
	if len(hostRoutes) == 0 {
		delete(t.hosts, host)
	}
	t.revisions[host]++

	if err := t.store.DeleteRoute(host, pathPrefix); err != nil {
		return fmt.Errorf("failed to delete route: %w", err)
	}
	return nil
}

// List returns a snapshot of all declared routes.
func (t *Table) List() []*types.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []*types.Route
	for _, hostRoutes := range t.hosts {
		for _, route := range hostRoutes {
			copied := *route
			all = append(all, &copied)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Host != all[j].Host {
			return all[i].Host < all[j].Host
		}
		return all[i].PathPrefix < all[j].PathPrefix
	})
	return all
}

// ByHost returns a snapshot of declared routes grouped by host, with
// each host's root route first.
func (t *Table) ByHost() map[string][]*types.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	grouped := make(map[string][]*types.Route, len(t.hosts))
	for host, hostRoutes := range t.hosts {
		group := make([]*types.Route, 0, len(hostRoutes))
		for _, route := range hostRoutes {
			copied := *route
			group = append(group, &copied)
		}
		sort.Slice(group, func(i, j int) bool {
			// Root route first, then by prefix
			if group[i].IsRoot() != group[j].IsRoot() {
				return group[i].IsRoot()
			}
			return group[i].PathPrefix < group[j].PathPrefix
		})
		grouped[host] = group
	}
	return grouped
}

// HostTLS returns the effective TLS spec for a host, carried by its
// root route. Returns nil if the host has no root route.
func (t *Table) HostTLS(host string) *types.TLSSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hostRoutes := t.hosts[host]
	if hostRoutes == nil || hostRoutes["/"] == nil {
		return nil
	}
	return hostRoutes["/"].TLS
}

// Revision returns the declaration revision for a host. The revision
// advances on every declare or remove touching the host, letting the
// convergence engine discard acquisitions superseded by later changes.
func (t *Table) Revision(host string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revisions[host]
}

// checkSourceConflict rejects a root declaration that would flip the
// host's established certificate source in place. Switching between
// static and auto-acquired material requires removing the host's
// routes first. Callers hold t.mu.
func (t *Table) checkSourceConflict(route *types.Route) error {
	if route.TLS == nil || !route.IsRoot() {
		return nil
	}
	existing := t.hosts[route.Host][route.PathPrefix]
	if existing == nil || existing.TLS == nil {
		return nil
	}
	if existing.TLS.Source != route.TLS.Source {
		return fmt.Errorf("%w: %s is %s, declared %s",
			ErrSourceConflict, route.Host, existing.TLS.Source, route.TLS.Source)
	}
	return nil
}

// validate checks the syntactic validity of a declaration. Target
// liveness is not checked here.
func validate(route *types.Route) error {
	if route.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidRoute)
	}
	if strings.ContainsAny(route.Host, " /") {
		return fmt.Errorf("%w: malformed host %q", ErrInvalidRoute, route.Host)
	}
	if !strings.HasPrefix(route.PathPrefix, "/") {
		return fmt.Errorf("%w: path prefix %q must start with /", ErrInvalidRoute, route.PathPrefix)
	}
	if route.Target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidRoute)
	}
	if err := validateTarget(route.Target); err != nil {
		return fmt.Errorf("%w: target %q: %v", ErrInvalidRoute, route.Target, err)
	}
	if route.TLS != nil && !route.IsRoot() {
		return fmt.Errorf("%w: only the root route may carry a TLS spec", ErrInvalidRoute)
	}
	return nil
}

// validateTarget accepts either host:port or an http(s) URL.
func validateTarget(target string) error {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return err
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("missing host")
		}
		return nil
	}
	_, _, err := net.SplitHostPort(target)
	return err
}

// equalRoutes compares the declared fields of two routes, ignoring timestamps.
func equalRoutes(a, b *types.Route) bool {
	if a.Service != b.Service || a.Host != b.Host || a.PathPrefix != b.PathPrefix ||
		a.Target != b.Target || a.HealthPath != b.HealthPath ||
		a.MaxBodyBytes != b.MaxBodyBytes || a.RateLimit != b.RateLimit {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	if a.TLS != nil {
		if a.TLS.Source != b.TLS.Source || a.TLS.DNSProxied != b.TLS.DNSProxied {
			return false
		}
		if !bytes.Equal(a.TLS.CertPEM, b.TLS.CertPEM) || !bytes.Equal(a.TLS.KeyPEM, b.TLS.KeyPEM) {
			return false
		}
	}
	return true
}
