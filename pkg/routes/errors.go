package routes

import "errors"

var (
	// ErrRootRouteMissing is returned when a non-root route is declared
	// for a host that has no root route yet.
	ErrRootRouteMissing = errors.New("root route missing for host")

	// ErrRootRouteInUse is returned when removing a root route that
	// still has dependent non-root routes.
	ErrRootRouteInUse = errors.New("root route in use by non-root routes")

	// ErrRouteNotFound is returned when removing a route that does not exist.
	ErrRouteNotFound = errors.New("route not found")

	// ErrSourceConflict is returned when a declaration's certificate
	// source contradicts the source already established for the host.
	ErrSourceConflict = errors.New("conflicting certificate sources for host")

	// ErrInvalidRoute is returned for declarations that fail syntactic
	// validation (empty host, unresolvable target).
	ErrInvalidRoute = errors.New("invalid route")
)
