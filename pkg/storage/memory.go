package storage

import (
	"fmt"
	"sync"

	"github.com/cuemby/gatehouse/pkg/types"
)

// MemoryStore implements Store in memory. Used by tests and by serve
// runs that have no data directory configured.
type MemoryStore struct {
	mu          sync.RWMutex
	routes      map[string]*types.Route
	assignments map[string]*types.CertificateAssignment
	acmeAccount []byte
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:      make(map[string]*types.Route),
		assignments: make(map[string]*types.CertificateAssignment),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) SaveRoute(route *types.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *route
	s.routes[route.Key()] = &copied
	return nil
}

func (s *MemoryStore) ListRoutes() ([]*types.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	routes := make([]*types.Route, 0, len(s.routes))
	for _, route := range s.routes {
		copied := *route
		routes = append(routes, &copied)
	}
	return routes, nil
}

func (s *MemoryStore) DeleteRoute(host, pathPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, host+"|"+pathPrefix)
	return nil
}

func (s *MemoryStore) SaveAssignment(assignment *types.CertificateAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *assignment
	s.assignments[assignment.Host] = &copied
	return nil
}

func (s *MemoryStore) ListAssignments() ([]*types.CertificateAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assignments := make([]*types.CertificateAssignment, 0, len(s.assignments))
	for _, assignment := range s.assignments {
		copied := *assignment
		assignments = append(assignments, &copied)
	}
	return assignments, nil
}

func (s *MemoryStore) DeleteAssignment(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, host)
	return nil
}

func (s *MemoryStore) SaveACMEAccount(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acmeAccount = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) GetACMEAccount() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.acmeAccount == nil {
		return nil, fmt.Errorf("acme account: %w", ErrNotFound)
	}
	return append([]byte(nil), s.acmeAccount...), nil
}
