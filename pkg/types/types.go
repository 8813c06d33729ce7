package types

import (
	"time"
)

// Route is a declared mapping from (host, path prefix) to a backend target.
type Route struct {
	Service    string
	Host       string
	PathPrefix string // defaults to "/"
	Target     string // backend address, host:port or URL

	// TLS carries the certificate sourcing for the host. Only the root
	// route (PathPrefix "/") may carry it; non-root routes inherit the
	// host's assignment.
	TLS *TLSSpec

	// HealthPath is an optional path polled on the backend to surface
	// its health in route listings.
	HealthPath string

	// MaxBodyBytes limits the request body size forwarded to the
	// backend. Zero means no limit.
	MaxBodyBytes int64

	// RateLimit is the maximum requests per second allowed for this
	// route. Zero disables rate limiting.
	RateLimit float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRoot reports whether the route owns the host's root path prefix.
func (r *Route) IsRoot() bool {
	return r.PathPrefix == "/"
}

// Key returns the unique (host, path prefix) identity of the route.
func (r *Route) Key() string {
	return r.Host + "|" + r.PathPrefix
}

// TLSSpec declares how a host's certificate is sourced.
type TLSSpec struct {
	Source CertSource

	// CertPEM and KeyPEM hold operator-supplied material for static
	// sources. Empty for auto sources.
	CertPEM []byte
	KeyPEM  []byte

	// DNSProxied records that an intermediary proxies traffic for the
	// host. Auto acquisition cannot succeed in that mode because the
	// intermediary intercepts the validation channel.
	DNSProxied bool
}

// CertSource defines how certificate material is obtained
type CertSource string

const (
	// SourceStatic uses operator-supplied certificate material
	SourceStatic CertSource = "static"

	// SourceAutoACME acquires certificates via ACME HTTP-01 challenges
	SourceAutoACME CertSource = "acme"
)

// CertState represents the lifecycle state of a certificate assignment
type CertState string

const (
	CertStatePending  CertState = "pending"
	CertStateActive   CertState = "active"
	CertStateExpiring CertState = "expiring"
	CertStateFailed   CertState = "failed"
)

// CertificateAssignment tracks the certificate bound to a host. Exactly
// one assignment exists per host; it is owned by the convergence engine
// and mutated only through provider acquisition and renewal.
type CertificateAssignment struct {
	Host   string
	Source CertSource
	State  CertState

	CertPEM []byte
	KeyPEM  []byte

	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time

	// DNSProxied mirrors the operator-declared DNS resolution mode for
	// the host. An external fact, not discovered.
	DNSProxied bool

	LastError   string
	LastAttempt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the assignment's material is past its hard expiry.
func (a *CertificateAssignment) Expired(now time.Time) bool {
	return !a.NotAfter.IsZero() && now.After(a.NotAfter)
}

// HasMaterial reports whether the assignment holds usable certificate material.
func (a *CertificateAssignment) HasMaterial() bool {
	return len(a.CertPEM) > 0 && len(a.KeyPEM) > 0
}

// ProxyRow is one row of the read-only proxy state listing.
type ProxyRow struct {
	Service string `json:"service"`
	Host    string `json:"host"`
	Path    string `json:"path"`
	Target  string `json:"target"`
	State   string `json:"state"`
	TLS     bool   `json:"tls"`
}

// BackendHealth tracks the observed health of a backend target
type BackendHealth struct {
	Target               string
	Healthy              bool
	Message              string
	CheckedAt            time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}
