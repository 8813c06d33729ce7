package certs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/types"
)

// staticExpiryHorizon is the synthetic expiry assigned to static
// material whose PEM cannot be parsed for a real NotAfter.
const staticExpiryHorizon = 10 * 365 * 24 * time.Hour

// StaticProvider sources operator-supplied certificate material.
type StaticProvider struct {
	mu        sync.RWMutex
	materials map[string]*Material
}

// NewStaticProvider creates an empty static provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		materials: make(map[string]*Material),
	}
}

// SetMaterial registers operator-supplied material for a host. The PEM
// is parsed to extract real validity when possible; unparseable material
// is rejected.
func (p *StaticProvider) SetMaterial(host string, certPEM, keyPEM []byte) error {
	m, err := NewMaterial(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("static material for %s: %w", host, err)
	}
	if m.NotAfter.IsZero() {
		m.NotAfter = time.Now().Add(staticExpiryHorizon)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.materials[host] = m
	return nil
}

// Acquire returns the registered material for the host unchanged.
func (p *StaticProvider) Acquire(ctx context.Context, host string) (*Material, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.materials[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMaterial, host)
	}

	copied := *m
	return &copied, nil
}

// NeedsRenewal always reports false: static material is renewed by the
// operator replacing it, never through this path.
func (p *StaticProvider) NeedsRenewal(assignment *types.CertificateAssignment, now time.Time) bool {
	return false
}
