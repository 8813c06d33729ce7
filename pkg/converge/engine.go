package converge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/certs"
	"github.com/cuemby/gatehouse/pkg/events"
	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/cuemby/gatehouse/pkg/metrics"
	"github.com/cuemby/gatehouse/pkg/proxy"
	"github.com/cuemby/gatehouse/pkg/routes"
	"github.com/cuemby/gatehouse/pkg/storage"
	"github.com/cuemby/gatehouse/pkg/types"
)

// ErrACMEDisabled is returned when a host declares an auto source but
// the controller runs without an ACME provider.
var ErrACMEDisabled = errors.New("acme provider not configured")

// ErrHostUnknown is returned for targeted operations on hosts without
// an assignment.
var ErrHostUnknown = errors.New("no certificate assignment for host")

// Engine reconciles the declared route table and certificate
// assignments against the live proxy state. It owns both the
// assignments and the proxy state: every mutation of either goes
// through the engine's convergence lock.
type Engine struct {
	table  *routes.Table
	store  storage.Store
	state  *proxy.State
	broker *events.Broker

	static *certs.StaticProvider
	acme   certs.Provider // nil when auto acquisition is disabled

	// mu is the global convergence lock. Acquisition network round
	// trips happen outside it; only planning and the apply step hold it.
	mu          sync.Mutex
	assignments map[string]*types.CertificateAssignment

	kickCh chan struct{}
}

// New creates a convergence engine, loading persisted assignments.
func New(table *routes.Table, store storage.Store, state *proxy.State, static *certs.StaticProvider, acme certs.Provider, broker *events.Broker) (*Engine, error) {
	e := &Engine{
		table:       table,
		store:       store,
		state:       state,
		broker:      broker,
		static:      static,
		acme:        acme,
		assignments: make(map[string]*types.CertificateAssignment),
		kickCh:      make(chan struct{}, 1),
	}

	persisted, err := store.ListAssignments()
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	for _, assignment := range persisted {
		e.assignments[assignment.Host] = assignment
	}

	return e, nil
}

// Run executes convergence passes periodically and whenever kicked,
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("converge")
	for {
		select {
		case <-ticker.C:
		case <-e.kickCh:
		case <-ctx.Done():
			return
		}
		if err := e.Converge(ctx); err != nil {
			logger.Error().Err(err).Msg("convergence pass failed")
		}
	}
}

// Kick requests a convergence pass without blocking.
func (e *Engine) Kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

// acquisition is one planned certificate acquisition for a pass.
type acquisition struct {
	host     string
	source   types.CertSource
	proxied  bool
	revision uint64
}

// Converge runs one full convergence pass. Per-host failures are
// recorded against that host's assignment and never abort the pass.
func (e *Engine) Converge(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ConvergenceDuration)
		metrics.ConvergencePassesTotal.Inc()
	}()

	byHost := e.table.ByHost()

	e.mu.Lock()
	e.dropVanishedHosts(byHost)
	plans := e.planAcquisitions(byHost)
	e.mu.Unlock()

	// Acquisitions run outside the convergence lock: a slow authority
	// round trip must not block declarations for other hosts.
	for _, plan := range plans {
		e.acquireAndRecord(ctx, plan)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for host, hostRoutes := range byHost {
		e.applyHost(host, hostRoutes)
	}

	e.updateGauges(byHost)
	return nil
}

// dropVanishedHosts removes proxy state and assignments for hosts no
// longer declared. Callers hold e.mu.
func (e *Engine) dropVanishedHosts(byHost map[string][]*types.Route) {
	for host := range e.assignments {
		if _, ok := byHost[host]; ok {
			continue
		}
		delete(e.assignments, host)
		if e.state.DropHost(host) {
			metrics.ProxyMutationsTotal.Inc()
		}
		if err := e.store.DeleteAssignment(host); err != nil {
			log.Warn(fmt.Sprintf("Failed to delete assignment for %s: %v", host, err))
		}
		e.broker.Publish(&events.Event{
			Type:    events.EventRouteRemoved,
			Host:    host,
			Message: "host removed from proxy state",
		})
	}
}

// planAcquisitions ensures every declared host has an assignment and
// collects the ones whose material must be (re)acquired. Callers hold e.mu.
func (e *Engine) planAcquisitions(byHost map[string][]*types.Route) []acquisition {
	var plans []acquisition
	for host := range byHost {
		spec := e.table.HostTLS(host)
		if spec == nil {
			// Root route declared without TLS sourcing; nothing to acquire.
			continue
		}

		assignment := e.assignments[host]
		if assignment != nil && assignment.Source != spec.Source {
			// Operator switched sources; start over.
			assignment = nil
		}
		if assignment == nil {
			now := time.Now()
			assignment = &types.CertificateAssignment{
				Host:       host,
				Source:     spec.Source,
				State:      types.CertStatePending,
				DNSProxied: spec.DNSProxied,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			e.assignments[host] = assignment
			e.persistAssignment(assignment)
		}

		if spec.Source == types.SourceStatic {
			if err := e.static.SetMaterial(host, spec.CertPEM, spec.KeyPEM); err != nil {
				log.Warn(fmt.Sprintf("Invalid static material for %s: %v", host, err))
			}
		}

		if assignment.State != types.CertStatePending {
			// Only first acquisitions run on the convergence pass.
			// Failed and Expiring assignments are retried by the
			// renewal scheduler, which paces attempts with backoff.
			continue
		}
		plans = append(plans, acquisition{
			host:     host,
			source:   assignment.Source,
			proxied:  assignment.DNSProxied,
			revision: e.table.Revision(host),
		})
	}
	return plans
}

// acquireAndRecord performs one planned acquisition and records the
// outcome. Results superseded by a concurrent declaration change for
// the host are discarded.
func (e *Engine) acquireAndRecord(ctx context.Context, plan acquisition) {
	material, err := e.acquire(ctx, plan)

	e.mu.Lock()
	defer e.mu.Unlock()

	assignment := e.assignments[plan.host]
	if assignment == nil || assignment.Source != plan.source {
		// Host removed or re-sourced while the acquisition was in
		// flight; the stale result must not touch proxy state.
		log.Debug(fmt.Sprintf("Discarding stale acquisition for %s", plan.host))
		return
	}
	if e.table.Revision(plan.host) != plan.revision {
		log.Debug(fmt.Sprintf("Discarding superseded acquisition for %s", plan.host))
		return
	}

	now := time.Now()
	assignment.LastAttempt = now
	assignment.UpdatedAt = now

	if err != nil {
		assignment.State = types.CertStateFailed
		assignment.LastError = err.Error()
		e.persistAssignment(assignment)
		metrics.CertAcquisitionsTotal.WithLabelValues(string(plan.source), "failure").Inc()
		metrics.ConvergeHostFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		e.broker.Publish(&events.Event{
			Type:    events.EventConvergeFailed,
			Host:    plan.host,
			Message: err.Error(),
		})
		logger := log.WithHost(plan.host)
		logger.Error().Err(err).Msg("certificate acquisition failed")
		return
	}

	assignment.CertPEM = material.CertPEM
	assignment.KeyPEM = material.KeyPEM
	assignment.Issuer = material.Issuer
	assignment.NotBefore = material.NotBefore
	assignment.NotAfter = material.NotAfter
	assignment.State = types.CertStateActive
	assignment.LastError = ""
	e.persistAssignment(assignment)
	metrics.CertAcquisitionsTotal.WithLabelValues(string(plan.source), "success").Inc()
	e.broker.Publish(&events.Event{
		Type:    events.EventCertIssued,
		Host:    plan.host,
		Message: fmt.Sprintf("certificate active until %s", material.NotAfter.Format(time.RFC3339)),
	})
}

// acquire dispatches to the provider for the plan's source. Holds no locks.
func (e *Engine) acquire(ctx context.Context, plan acquisition) (*certs.Material, error) {
	switch plan.source {
	case types.SourceStatic:
		return e.static.Acquire(ctx, plan.host)
	case types.SourceAutoACME:
		if plan.proxied {
			// External fact declared by the operator: an intermediary
			// intercepts validation traffic for this host.
			return nil, fmt.Errorf("%w: intermediary proxies traffic for %s", certs.ErrValidationUnreachable, plan.host)
		}
		if e.acme == nil {
			return nil, ErrACMEDisabled
		}
		return e.acme.Acquire(ctx, plan.host)
	default:
		return nil, fmt.Errorf("unknown certificate source %q", plan.source)
	}
}

// applyHost applies a host's routes to proxy state if its assignment is
// active. Root route first; hosts without an active certificate binding
// are left on their last successfully applied state (fail closed for
// new hosts). Callers hold e.mu.
func (e *Engine) applyHost(host string, hostRoutes []*types.Route) {
	assignment := e.assignments[host]
	if assignment == nil || !assignment.HasMaterial() {
		return
	}
	if assignment.State != types.CertStateActive && assignment.State != types.CertStateExpiring {
		return
	}
	if len(hostRoutes) == 0 || !hostRoutes[0].IsRoot() {
		// Table invariants make this unreachable; never apply a
		// non-root route ahead of the root.
		return
	}

	cfg := proxy.HostConfig{
		CertPEM:   assignment.CertPEM,
		KeyPEM:    assignment.KeyPEM,
		CertState: assignment.State,
		Expiry:    assignment.NotAfter,
	}
	for _, route := range hostRoutes {
		cfg.Routes = append(cfg.Routes, proxy.HostRoute{
			Service:      route.Service,
			PathPrefix:   route.PathPrefix,
			Target:       route.Target,
			HealthPath:   route.HealthPath,
			MaxBodyBytes: route.MaxBodyBytes,
			RateLimit:    route.RateLimit,
		})
	}

	logger := log.WithHost(host)
	changed, err := e.state.ApplyHost(host, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to apply proxy state")
		metrics.ConvergeHostFailuresTotal.WithLabelValues("apply").Inc()
		return
	}
	if changed {
		metrics.ProxyMutationsTotal.Inc()
		e.broker.Publish(&events.Event{
			Type:    events.EventRouteApplied,
			Host:    host,
			Message: fmt.Sprintf("%d route(s) applied", len(cfg.Routes)),
		})
		logger.Info().Int("routes", len(cfg.Routes)).Msg("proxy state applied")
	}
}

// Renew re-acquires a host's certificate and, on success, atomically
// swaps the material and re-converges that host only. Used by the
// renewal scheduler.
func (e *Engine) Renew(ctx context.Context, host string) error {
	e.mu.Lock()
	assignment := e.assignments[host]
	if assignment == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHostUnknown, host)
	}
	plan := acquisition{
		host:     host,
		source:   assignment.Source,
		proxied:  assignment.DNSProxied,
		revision: e.table.Revision(host),
	}
	e.mu.Unlock()

	material, err := e.acquire(ctx, plan)

	e.mu.Lock()
	defer e.mu.Unlock()

	assignment = e.assignments[host]
	if assignment == nil || e.table.Revision(host) != plan.revision {
		// Superseded while renewing; discard.
		return nil
	}

	now := time.Now()
	assignment.LastAttempt = now
	assignment.UpdatedAt = now

	if err != nil {
		// Hosts still serving old material degrade to expiring;
		// hosts that never acquired any stay failed.
		if assignment.HasMaterial() {
			assignment.State = types.CertStateExpiring
		} else {
			assignment.State = types.CertStateFailed
		}
		assignment.LastError = err.Error()
		e.persistAssignment(assignment)
		metrics.CertRenewalFailuresTotal.Inc()
		e.broker.Publish(&events.Event{
			Type:    events.EventCertRenewalFailed,
			Host:    host,
			Message: err.Error(),
		})
		return err
	}

	assignment.CertPEM = material.CertPEM
	assignment.KeyPEM = material.KeyPEM
	assignment.Issuer = material.Issuer
	assignment.NotBefore = material.NotBefore
	assignment.NotAfter = material.NotAfter
	assignment.State = types.CertStateActive
	assignment.LastError = ""
	e.persistAssignment(assignment)
	metrics.CertAcquisitionsTotal.WithLabelValues(string(assignment.Source), "success").Inc()
	e.broker.Publish(&events.Event{
		Type:    events.EventCertRenewed,
		Host:    host,
		Message: fmt.Sprintf("certificate renewed until %s", material.NotAfter.Format(time.RFC3339)),
	})

	if hostRoutes, ok := e.table.ByHost()[host]; ok {
		e.applyHost(host, hostRoutes)
	}
	return nil
}

// MarkExpiring flags a host's assignment as expiring. Used by the
// renewal scheduler while backing off between attempts.
func (e *Engine) MarkExpiring(host string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	assignment := e.assignments[host]
	if assignment == nil || assignment.State != types.CertStateActive {
		return
	}
	assignment.State = types.CertStateExpiring
	assignment.UpdatedAt = time.Now()
	e.persistAssignment(assignment)
	e.broker.Publish(&events.Event{
		Type:    events.EventCertExpiring,
		Host:    host,
		Message: fmt.Sprintf("certificate expires at %s", assignment.NotAfter.Format(time.RFC3339)),
	})
}

// Assignments returns a snapshot of all certificate assignments.
func (e *Engine) Assignments() []*types.CertificateAssignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := make([]*types.CertificateAssignment, 0, len(e.assignments))
	for _, assignment := range e.assignments {
		copied := *assignment
		snapshot = append(snapshot, &copied)
	}
	return snapshot
}

// Assignment returns a snapshot of one host's assignment, or nil.
func (e *Engine) Assignment(host string) *types.CertificateAssignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	assignment, ok := e.assignments[host]
	if !ok {
		return nil
	}
	copied := *assignment
	return &copied
}

// NeedsRenewal reports whether a host's assignment is due for renewal.
// Assignments that never acquired material count as due, so failed
// first acquisitions are retried on the scheduler's pacing.
func (e *Engine) NeedsRenewal(assignment *types.CertificateAssignment, now time.Time) bool {
	if !assignment.HasMaterial() && assignment.State == types.CertStateFailed {
		return true
	}
	switch assignment.Source {
	case types.SourceAutoACME:
		if e.acme == nil {
			return false
		}
		return e.acme.NeedsRenewal(assignment, now)
	default:
		return e.static.NeedsRenewal(assignment, now)
	}
}

func (e *Engine) persistAssignment(assignment *types.CertificateAssignment) {
	if err := e.store.SaveAssignment(assignment); err != nil {
		log.Warn(fmt.Sprintf("Failed to persist assignment for %s: %v", assignment.Host, err))
	}
}

func (e *Engine) updateGauges(byHost map[string][]*types.Route) {
	routeCount := 0
	for _, hostRoutes := range byHost {
		routeCount += len(hostRoutes)
	}
	metrics.RoutesTotal.Set(float64(routeCount))
	metrics.HostsTotal.Set(float64(len(byHost)))

	metrics.CertificatesTotal.Reset()
	now := time.Now()
	expiring := 0
	for _, assignment := range e.assignments {
		metrics.CertificatesTotal.WithLabelValues(string(assignment.Source), string(assignment.State)).Inc()
		if e.NeedsRenewal(assignment, now) {
			expiring++
		}
	}
	metrics.CertsExpiringSoon.Set(float64(expiring))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, certs.ErrValidationUnreachable):
		return "validation_unreachable"
	case errors.Is(err, certs.ErrValidationTimeout):
		return "validation_timeout"
	case errors.Is(err, certs.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, certs.ErrAuthorityRejected):
		return "authority_rejected"
	case errors.Is(err, certs.ErrNoMaterial):
		return "no_material"
	case errors.Is(err, ErrACMEDisabled):
		return "acme_disabled"
	default:
		return "other"
	}
}
