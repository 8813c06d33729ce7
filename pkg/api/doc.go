// Package api provides the operator HTTP surface: route and certificate
// listings, intent application, manual reconciliation, health, and
// Prometheus metrics.
package api
