package renewal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/gatehouse/pkg/events"
	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/robfig/cron/v3"
)

const (
	// initialBackoff is the delay after a first failed renewal attempt.
	initialBackoff = time.Hour

	// maxBackoff caps the delay between renewal attempts.
	maxBackoff = 24 * time.Hour
)

// Converger is the slice of the convergence engine the scheduler needs.
type Converger interface {
	Assignments() []*types.CertificateAssignment
	NeedsRenewal(assignment *types.CertificateAssignment, now time.Time) bool
	Renew(ctx context.Context, host string) error
}

// backoffState tracks retry pacing for one host
type backoffState struct {
	attempts int
	next     time.Time
}

// Scheduler is the background renewal loop: it wakes on a fixed
// schedule, re-acquires certificates inside the renewal window, and
// backs off exponentially on failure. When the backoff window would
// cross a certificate's hard expiry it raises an operator alert; the
// proxy drops TLS for the host rather than serve expired material.
type Scheduler struct {
	engine Converger
	broker *events.Broker
	cron   *cron.Cron

	mu       sync.Mutex
	backoffs map[string]*backoffState
	alerted  map[string]bool

	// now is replaceable for tests
	now func() time.Time
}

// NewScheduler creates a renewal scheduler
func NewScheduler(engine Converger, broker *events.Broker) *Scheduler {
	return &Scheduler{
		engine:   engine,
		broker:   broker,
		cron:     cron.New(),
		backoffs: make(map[string]*backoffState),
		alerted:  make(map[string]bool),
		now:      time.Now,
	}
}

// Start begins the renewal schedule. The check runs once per day; Check
// can also be invoked directly for a manual sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every 24h", func() {
		s.Check(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule renewal check: %w", err)
	}
	s.cron.Start()
	log.Info("Renewal scheduler started (checking daily)")
	return nil
}

// Stop stops the schedule, waiting for an in-flight check to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Check runs one renewal sweep over all assignments.
func (s *Scheduler) Check(ctx context.Context) {
	now := s.now()

	for _, assignment := range s.engine.Assignments() {
		if !s.engine.NeedsRenewal(assignment, now) {
			s.clearBackoff(assignment.Host)
			continue
		}
		s.renewHost(ctx, assignment, now)
	}
}

func (s *Scheduler) renewHost(ctx context.Context, assignment *types.CertificateAssignment, now time.Time) {
	host := assignment.Host
	logger := log.WithHost(host)

	s.mu.Lock()
	backoff := s.backoffs[host]
	if backoff != nil && now.Before(backoff.next) {
		s.mu.Unlock()
		logger.Debug().Time("next_attempt", backoff.next).Msg("renewal backing off")
		return
	}
	s.mu.Unlock()

	logger.Info().Time("expiry", assignment.NotAfter).Msg("renewing certificate")

	err := s.engine.Renew(ctx, host)
	if err == nil {
		s.clearBackoff(host)
		logger.Info().Msg("certificate renewed")
		return
	}

	logger.Error().Err(err).Msg("renewal failed")

	s.mu.Lock()
	defer s.mu.Unlock()

	backoff = s.backoffs[host]
	if backoff == nil {
		backoff = &backoffState{}
		s.backoffs[host] = backoff
	}
	backoff.attempts++
	delay := nextDelay(backoff.attempts)
	backoff.next = now.Add(delay)

	// If waiting out the backoff would cross the hard expiry, surface
	// an operator alert: the certificate cannot be renewed in time.
	if !assignment.NotAfter.IsZero() && backoff.next.After(assignment.NotAfter) && !s.alerted[host] {
		s.alerted[host] = true
		s.broker.Publish(&events.Event{
			Type: events.EventCertExpiryImminent,
			Host: host,
			Message: fmt.Sprintf("renewal retry at %s is past certificate expiry %s; TLS will be dropped at expiry",
				backoff.next.Format(time.RFC3339), assignment.NotAfter.Format(time.RFC3339)),
		})
		logger.Error().Time("expiry", assignment.NotAfter).Msg("certificate will expire before next renewal attempt")
	}
}

func (s *Scheduler) clearBackoff(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, host)
	delete(s.alerted, host)
}

// nextDelay returns the exponential backoff delay for the given attempt
// count: 1h, 2h, 4h, ... capped at 24h.
func nextDelay(attempts int) time.Duration {
	delay := initialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
