package storage

import (
	"errors"

	"github.com/cuemby/gatehouse/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for controller state storage
type Store interface {
	// Routes. The route table loads everything at startup and writes
	// through on mutation; point lookups stay in memory.
	SaveRoute(route *types.Route) error
	ListRoutes() ([]*types.Route, error)
	DeleteRoute(host, pathPrefix string) error

	// Certificate assignments
	SaveAssignment(assignment *types.CertificateAssignment) error
	ListAssignments() ([]*types.CertificateAssignment, error)
	DeleteAssignment(host string) error

	// ACME account
	SaveACMEAccount(data []byte) error
	GetACMEAccount() ([]byte, error)

	// Utility
	Close() error
}
