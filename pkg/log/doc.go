// Package log provides structured logging for gatehouse built on zerolog.
//
// Call Init once at startup, then use the package-level helpers or the
// With* constructors to create child loggers carrying standard fields
// (component, host, service).
package log
