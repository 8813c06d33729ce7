package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/gatehouse/pkg/events"
	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/cuemby/gatehouse/pkg/proxy"
	"github.com/cuemby/gatehouse/pkg/types"
)

// failureThreshold is how many consecutive failures mark a backend unhealthy.
const failureThreshold = 3

// Monitor periodically polls the declared healthcheck path of applied
// backend targets and records the result in proxy state. It only
// surfaces health; it never mutates the route table.
type Monitor struct {
	state    *proxy.State
	broker   *events.Broker
	interval time.Duration

	counts map[string]*types.BackendHealth
}

// NewMonitor creates a backend health monitor
func NewMonitor(state *proxy.State, broker *events.Broker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		state:    state,
		broker:   broker,
		interval: interval,
		counts:   make(map[string]*types.BackendHealth),
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep checks every applied target that declares a health path.
func (m *Monitor) sweep(ctx context.Context) {
	for _, route := range m.state.HealthTargets() {
		checker := NewHTTPChecker(healthURL(route.Target, route.HealthPath))

		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		result := checker.Check(checkCtx)
		cancel()

		m.record(route.Service, route.Target, result)
	}
}

func (m *Monitor) record(service, target string, result Result) {
	health := m.counts[target]
	if health == nil {
		health = &types.BackendHealth{Target: target, Healthy: true}
		m.counts[target] = health
	}

	wasHealthy := health.Healthy
	health.CheckedAt = result.CheckedAt
	health.Message = result.Message

	if result.Healthy {
		health.ConsecutiveSuccesses++
		health.ConsecutiveFailures = 0
		health.Healthy = true
	} else {
		health.ConsecutiveFailures++
		health.ConsecutiveSuccesses = 0
		if health.ConsecutiveFailures >= failureThreshold {
			health.Healthy = false
		}
	}

	m.state.SetBackendHealth(health)

	logger := log.WithService(service)
	if wasHealthy && !health.Healthy {
		logger.Warn().Str("target", target).Str("reason", result.Message).Msg("backend unhealthy")
		m.broker.Publish(&events.Event{
			Type:    events.EventBackendUnhealthy,
			Message: fmt.Sprintf("%s: %s", target, result.Message),
		})
	} else if !wasHealthy && health.Healthy {
		logger.Info().Str("target", target).Msg("backend recovered")
		m.broker.Publish(&events.Event{
			Type:    events.EventBackendRecovered,
			Message: target,
		})
	}
}

func healthURL(target, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.Contains(target, "://") {
		return strings.TrimSuffix(target, "/") + path
	}
	return "http://" + target + path
}
