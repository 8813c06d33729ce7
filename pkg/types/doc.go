// Package types defines the shared data model for gatehouse: declared
// routes, per-host certificate assignments, and the rows exposed by the
// proxy state listing.
package types
