package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/gatehouse/pkg/certs"
	"github.com/cuemby/gatehouse/pkg/config"
	"github.com/cuemby/gatehouse/pkg/converge"
	"github.com/cuemby/gatehouse/pkg/events"
	"github.com/cuemby/gatehouse/pkg/health"
	"github.com/cuemby/gatehouse/pkg/log"
	"github.com/cuemby/gatehouse/pkg/proxy"
	"github.com/cuemby/gatehouse/pkg/renewal"
	"github.com/cuemby/gatehouse/pkg/routes"
	"github.com/cuemby/gatehouse/pkg/storage"
	"github.com/cuemby/gatehouse/pkg/types"
)

// Config holds controller configuration
type Config struct {
	// DataDir is where persistent state lives. Empty runs in-memory.
	DataDir string

	HTTPAddr       string // proxy HTTP listener (default ":8080")
	HTTPSAddr      string // proxy HTTPS listener (default ":8443")
	ValidationAddr string // ACME validation channel (default ":80")

	// ACMEEmail enables auto acquisition when set.
	ACMEEmail        string
	ACMEDirectoryURL string

	ConvergeInterval time.Duration
	HealthInterval   time.Duration
}

// Controller wires the route table, certificate providers, convergence
// engine, renewal scheduler, and proxy into one process.
type Controller struct {
	cfg Config

	store     storage.Store
	table     *routes.Table
	state     *proxy.State
	engine    *converge.Engine
	scheduler *renewal.Scheduler
	monitor   *health.Monitor
	broker    *events.Broker
	server    *proxy.Server
}

// New creates a controller from configuration, restoring persisted state.
func New(cfg Config) (*Controller, error) {
	var store storage.Store
	if cfg.DataDir != "" {
		boltStore, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		store = boltStore
	} else {
		store = storage.NewMemoryStore()
	}

	table, err := routes.NewTable(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	state := proxy.NewState()
	broker := events.NewBroker()
	static := certs.NewStaticProvider()

	var acme certs.Provider
	if cfg.ACMEEmail != "" {
		acmeProvider, err := certs.NewACMEProvider(store, certs.ACMEConfig{
			Email:          cfg.ACMEEmail,
			DirectoryURL:   cfg.ACMEDirectoryURL,
			ValidationAddr: cfg.ValidationAddr,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize ACME provider: %w", err)
		}
		acme = acmeProvider
	}

	engine, err := converge.New(table, store, state, static, acme, broker)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Controller{
		cfg:       cfg,
		store:     store,
		table:     table,
		state:     state,
		engine:    engine,
		scheduler: renewal.NewScheduler(engine, broker),
		monitor:   health.NewMonitor(state, broker, cfg.HealthInterval),
		broker:    broker,
		server:    proxy.NewServer(state, cfg.HTTPAddr, cfg.HTTPSAddr),
	}, nil
}

// Start runs all background components and the proxy servers, blocking
// until the context is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.broker.Start()
	defer c.broker.Stop()

	if err := c.scheduler.Start(ctx); err != nil {
		return err
	}
	defer c.scheduler.Stop()

	go c.engine.Run(ctx, c.cfg.ConvergeInterval)
	go c.monitor.Run(ctx)

	// Converge restored state before serving
	if err := c.engine.Converge(ctx); err != nil {
		log.Errorf("initial convergence failed", err)
	}

	err := c.server.Start(ctx)

	if closeErr := c.store.Close(); closeErr != nil {
		log.Errorf("failed to close store", closeErr)
	}
	return err
}

// ApplyIntent declares every route in an intent file. Declaration
// failures are collected per route; successfully declared routes still
// converge.
func (c *Controller) ApplyIntent(f *config.File) error {
	declared, err := f.Routes()
	if err != nil {
		return err
	}

	var errs []error
	changed := false
	for _, route := range declared {
		routeChanged, err := c.table.Declare(route)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", route.Host, route.PathPrefix, err))
			continue
		}
		if routeChanged {
			changed = true
			logger := log.WithRoute(route.Host, route.PathPrefix)
			logger.Info().Str("target", route.Target).Msg("route declared")
			c.broker.Publish(&events.Event{
				Type:    events.EventRouteDeclared,
				Host:    route.Host,
				Message: fmt.Sprintf("%s -> %s", route.PathPrefix, route.Target),
			})
		}
	}

	if changed {
		c.engine.Kick()
	}
	return errors.Join(errs...)
}

// Declare validates and records one route, then triggers convergence.
func (c *Controller) Declare(route *types.Route) error {
	changed, err := c.table.Declare(route)
	if err != nil {
		return err
	}
	if changed {
		logger := log.WithRoute(route.Host, route.PathPrefix)
		logger.Info().Str("target", route.Target).Msg("route declared")
		c.broker.Publish(&events.Event{
			Type:    events.EventRouteDeclared,
			Host:    route.Host,
			Message: fmt.Sprintf("%s -> %s", route.PathPrefix, route.Target),
		})
		c.engine.Kick()
	}
	return nil
}

// Remove deletes a declared route, then triggers convergence.
func (c *Controller) Remove(host, pathPrefix string) error {
	if err := c.table.Remove(host, pathPrefix); err != nil {
		return err
	}
	c.engine.Kick()
	return nil
}

// Reconcile runs a full convergence pass synchronously.
func (c *Controller) Reconcile(ctx context.Context) error {
	return c.engine.Converge(ctx)
}

// ProxyRows returns the applied proxy state for operator inspection.
func (c *Controller) ProxyRows() []types.ProxyRow {
	return c.state.List()
}

// DeclaredRoutes returns the declared route table snapshot.
func (c *Controller) DeclaredRoutes() []*types.Route {
	return c.table.List()
}

// Assignments returns a snapshot of certificate assignments.
func (c *Controller) Assignments() []*types.CertificateAssignment {
	return c.engine.Assignments()
}

// Events returns the controller's event broker.
func (c *Controller) Events() *events.Broker {
	return c.broker
}
