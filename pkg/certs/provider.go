package certs

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/gatehouse/pkg/types"
)

// RenewalWindow is how long before expiry an auto-acquired certificate
// becomes due for renewal.
const RenewalWindow = 30 * 24 * time.Hour

// AcquireTimeout is the default deadline for a single acquisition,
// including the authority's validation round trip.
const AcquireTimeout = 90 * time.Second

var (
	// ErrValidationUnreachable indicates the host could not be reached
	// on the validation channel, commonly because an intermediary proxy
	// intercepts its traffic or the validation port is closed.
	ErrValidationUnreachable = errors.New("validation channel unreachable")

	// ErrValidationTimeout indicates the acquisition exceeded its deadline.
	ErrValidationTimeout = errors.New("validation timed out")

	// ErrRateLimited indicates the authority's issuance quota for the
	// host is exhausted.
	ErrRateLimited = errors.New("authority rate limit exceeded")

	// ErrAuthorityRejected indicates the authority refused the request
	// as malformed or policy-violating.
	ErrAuthorityRejected = errors.New("authority rejected request")

	// ErrNoMaterial indicates a static acquisition for a host that has
	// no operator-supplied material registered.
	ErrNoMaterial = errors.New("no certificate material for host")
)

// Material is an acquired certificate/key pair with its parsed metadata.
type Material struct {
	CertPEM   []byte
	KeyPEM    []byte
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
}

// Provider is the uniform contract for certificate sourcing. Static and
// ACME implementations are dispatched per assignment.
type Provider interface {
	// Acquire obtains certificate material for the host. Implementations
	// must honor ctx cancellation; an abandoned acquisition's result is
	// discarded by the caller.
	Acquire(ctx context.Context, host string) (*Material, error)

	// NeedsRenewal reports whether the assignment's material is due for
	// re-acquisition at the given time.
	NeedsRenewal(assignment *types.CertificateAssignment, now time.Time) bool
}
