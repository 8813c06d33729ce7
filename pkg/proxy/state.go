package proxy

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/types"
)

// HostRoute is one applied route for a host.
type HostRoute struct {
	Service      string
	PathPrefix   string
	Target       string
	HealthPath   string
	MaxBodyBytes int64
	RateLimit    float64
}

// HostConfig is the full applied configuration for a host: its routes
// (root first) and its TLS binding.
type HostConfig struct {
	Routes    []HostRoute
	CertPEM   []byte
	KeyPEM    []byte
	CertState types.CertState
	Expiry    time.Time
}

type appliedHost struct {
	cfg         HostConfig
	certificate *tls.Certificate
}

// State is the live, applied proxy configuration. It is owned by the
// convergence engine: ApplyHost and DropHost are the only mutation
// paths, and the engine is their only caller. Readers (the servers,
// the admin listing) see consistent per-host snapshots.
type State struct {
	mu     sync.RWMutex
	hosts  map[string]*appliedHost
	health map[string]*types.BackendHealth // target -> last observed health
}

// NewState creates an empty proxy state
func NewState() *State {
	return &State{
		hosts:  make(map[string]*appliedHost),
		health: make(map[string]*types.BackendHealth),
	}
}

// ApplyHost atomically replaces the applied configuration for a host.
// Returns whether the state changed; applying an identical configuration
// is a no-op, which keeps convergence passes idempotent.
func (s *State) ApplyHost(host string, cfg HostConfig) (bool, error) {
	if len(cfg.Routes) == 0 {
		return false, fmt.Errorf("no routes for host %s", host)
	}
	if cfg.Routes[0].PathPrefix != "/" {
		return false, fmt.Errorf("host %s: root route must be applied first", host)
	}

	certificate, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
	if err != nil {
		return false, fmt.Errorf("host %s: invalid certificate material: %w", host, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.hosts[host]; ok && equalHostConfigs(&existing.cfg, &cfg) {
		return false, nil
	}

	cfg.Routes = append([]HostRoute(nil), cfg.Routes...)
	s.hosts[host] = &appliedHost{cfg: cfg, certificate: &certificate}
	return true, nil
}

// DropHost removes a host's applied configuration. Returns whether the
// state changed.
func (s *State) DropHost(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hosts[host]; !ok {
		return false
	}
	delete(s.hosts, host)
	return true
}

// Lookup finds the applied route matching host and path, preferring the
// longest matching prefix.
func (s *State) Lookup(host, path string) *HostRoute {
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	applied, ok := s.hosts[host]
	if !ok {
		return nil
	}

	var best *HostRoute
	var bestLen int
	for i := range applied.cfg.Routes {
		route := &applied.cfg.Routes[i]
		if matchPrefix(route.PathPrefix, path) && len(route.PathPrefix) >= bestLen {
			if best == nil || len(route.PathPrefix) > bestLen {
				best = route
				bestLen = len(route.PathPrefix)
			}
		}
	}
	if best == nil {
		return nil
	}
	copied := *best
	return &copied
}

// GetCertificate resolves the TLS certificate for an SNI handshake.
// Handshakes for hosts whose material is past its hard expiry are
// refused rather than served with an expired certificate.
func (s *State) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	applied, ok := s.hosts[hello.ServerName]
	if !ok {
		return nil, fmt.Errorf("no certificate for host %q", hello.ServerName)
	}
	if !applied.cfg.Expiry.IsZero() && time.Now().After(applied.cfg.Expiry) {
		return nil, fmt.Errorf("certificate for host %q expired at %s", hello.ServerName, applied.cfg.Expiry)
	}
	return applied.certificate, nil
}

// HasHost reports whether the host has an applied configuration.
func (s *State) HasHost(host string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hosts[host]
	return ok
}

// SetBackendHealth records the observed health of a backend target.
func (s *State) SetBackendHealth(health *types.BackendHealth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *health
	s.health[health.Target] = &copied
}

// BackendHealth returns the last observed health for a target, or nil
// if the target has never been checked.
func (s *State) BackendHealth(target string) *types.BackendHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	health, ok := s.health[target]
	if !ok {
		return nil
	}
	copied := *health
	return &copied
}

// HealthTargets returns the applied routes that declare a health path.
func (s *State) HealthTargets() []HostRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var targets []HostRoute
	seen := make(map[string]bool)
	for _, applied := range s.hosts {
		for _, route := range applied.cfg.Routes {
			if route.HealthPath == "" || seen[route.Target] {
				continue
			}
			seen[route.Target] = true
			targets = append(targets, route)
		}
	}
	return targets
}

// List returns the applied state as rows for operator inspection. Rows
// always reflect the last successfully applied configuration per host.
func (s *State) List() []types.ProxyRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []types.ProxyRow
	for host, applied := range s.hosts {
		for _, route := range applied.cfg.Routes {
			state := string(applied.cfg.CertState)
			if health, ok := s.health[route.Target]; ok && !health.Healthy {
				state = "unhealthy"
			}
			rows = append(rows, types.ProxyRow{
				Service: route.Service,
				Host:    host,
				Path:    route.PathPrefix,
				Target:  route.Target,
				State:   state,
				TLS:     len(applied.cfg.CertPEM) > 0,
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Host != rows[j].Host {
			return rows[i].Host < rows[j].Host
		}
		return rows[i].Path < rows[j].Path
	})
	return rows
}

// matchPrefix implements prefix path matching: "/" matches everything,
// and other prefixes match on segment boundaries.
func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

func equalHostConfigs(a, b *HostConfig) bool {
	if len(a.Routes) != len(b.Routes) {
		return false
	}
	for i := range a.Routes {
		if a.Routes[i] != b.Routes[i] {
			return false
		}
	}
	return bytes.Equal(a.CertPEM, b.CertPEM) &&
		bytes.Equal(a.KeyPEM, b.KeyPEM) &&
		a.CertState == b.CertState &&
		a.Expiry.Equal(b.Expiry)
}
