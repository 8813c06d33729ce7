package renewal

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/gatehouse/pkg/events"
	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConverger scripts renewal outcomes per host.
type fakeConverger struct {
	assignments []*types.CertificateAssignment
	failures    map[string]error
	renewed     map[string]int
}

func newFakeConverger() *fakeConverger {
	return &fakeConverger{
		failures: make(map[string]error),
		renewed:  make(map[string]int),
	}
}

func (f *fakeConverger) Assignments() []*types.CertificateAssignment {
	return f.assignments
}

func (f *fakeConverger) NeedsRenewal(assignment *types.CertificateAssignment, now time.Time) bool {
	if assignment.NotAfter.IsZero() {
		return false
	}
	return assignment.NotAfter.Sub(now) < 30*24*time.Hour
}

func (f *fakeConverger) Renew(ctx context.Context, host string) error {
	f.renewed[host]++
	return f.failures[host]
}

func newTestScheduler(engine Converger) (*Scheduler, events.Subscriber) {
	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	s := NewScheduler(engine, broker)
	return s, sub
}

func assignment(host string, expiresIn time.Duration) *types.CertificateAssignment {
	return &types.CertificateAssignment{
		Host:     host,
		Source:   types.SourceAutoACME,
		State:    types.CertStateActive,
		NotAfter: time.Now().Add(expiresIn),
	}
}

// TestNextDelay tests the backoff progression
func TestNextDelay(t *testing.T) {
	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{1, time.Hour},
		{2, 2 * time.Hour},
		{3, 4 * time.Hour},
		{4, 8 * time.Hour},
		{5, 16 * time.Hour},
		{6, 24 * time.Hour},
		{10, 24 * time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, nextDelay(tt.attempts), "attempt %d", tt.attempts)
	}
}

// TestCheckRenewsDueHosts tests that only assignments inside the
// renewal window are renewed
func TestCheckRenewsDueHosts(t *testing.T) {
	engine := newFakeConverger()
	engine.assignments = []*types.CertificateAssignment{
		assignment("due.com", 10*24*time.Hour),
		assignment("fresh.com", 60*24*time.Hour),
	}
	s, _ := newTestScheduler(engine)

	s.Check(context.Background())

	assert.Equal(t, 1, engine.renewed["due.com"])
	assert.Zero(t, engine.renewed["fresh.com"])
}

// TestCheckBacksOffAfterFailure tests that a failed renewal is not
// retried until its backoff elapses
func TestCheckBacksOffAfterFailure(t *testing.T) {
	engine := newFakeConverger()
	engine.assignments = []*types.CertificateAssignment{
		assignment("due.com", 20*24*time.Hour),
	}
	engine.failures["due.com"] = context.DeadlineExceeded

	s, _ := newTestScheduler(engine)
	base := time.Now()
	current := base
	s.now = func() time.Time { return current }

	s.Check(context.Background())
	require.Equal(t, 1, engine.renewed["due.com"])

	// Immediately re-checking stays inside the 1h backoff
	s.Check(context.Background())
	assert.Equal(t, 1, engine.renewed["due.com"])

	// Past the first backoff a retry happens, doubling the delay
	current = base.Add(61 * time.Minute)
	s.Check(context.Background())
	assert.Equal(t, 2, engine.renewed["due.com"])

	current = base.Add(2 * time.Hour)
	s.Check(context.Background())
	assert.Equal(t, 2, engine.renewed["due.com"], "second backoff is 2h from the last attempt")

	current = base.Add(4 * time.Hour)
	s.Check(context.Background())
	assert.Equal(t, 3, engine.renewed["due.com"])
}

// TestCheckClearsBackoffOnSuccess tests recovery after a transient failure
func TestCheckClearsBackoffOnSuccess(t *testing.T) {
	engine := newFakeConverger()
	engine.assignments = []*types.CertificateAssignment{
		assignment("due.com", 20*24*time.Hour),
	}
	engine.failures["due.com"] = context.DeadlineExceeded

	s, _ := newTestScheduler(engine)
	base := time.Now()
	current := base
	s.now = func() time.Time { return current }

	s.Check(context.Background())
	require.Equal(t, 1, engine.renewed["due.com"])

	delete(engine.failures, "due.com")
	current = base.Add(2 * time.Hour)
	s.Check(context.Background())
	require.Equal(t, 2, engine.renewed["due.com"])

	// With the backoff cleared, the next failure starts at 1h again
	engine.failures["due.com"] = context.DeadlineExceeded
	current = base.Add(3 * time.Hour)
	s.Check(context.Background())
	require.Equal(t, 3, engine.renewed["due.com"])

	current = base.Add(3*time.Hour + 30*time.Minute)
	s.Check(context.Background())
	assert.Equal(t, 3, engine.renewed["due.com"], "fresh failure backs off 1h")
}

// TestExpiryImminentAlert tests the operator alert when the backoff
// would outlive the certificate
func TestExpiryImminentAlert(t *testing.T) {
	engine := newFakeConverger()
	engine.assignments = []*types.CertificateAssignment{
		assignment("dying.com", 30*time.Minute),
	}
	engine.failures["dying.com"] = context.DeadlineExceeded

	s, sub := newTestScheduler(engine)

	s.Check(context.Background())

	select {
	case event := <-sub:
		assert.Equal(t, events.EventCertExpiryImminent, event.Type)
		assert.Equal(t, "dying.com", event.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an expiry-imminent event")
	}

	// The alert fires once, not on every backed-off sweep
	base := time.Now()
	current := base.Add(2 * time.Hour)
	s.now = func() time.Time { return current }
	s.Check(context.Background())

	select {
	case event := <-sub:
		t.Fatalf("unexpected second event: %s", event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
