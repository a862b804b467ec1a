package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/melih/lighthouse/internal/adapters/docker"
	"github.com/melih/lighthouse/internal/adapters/fake"
	"github.com/melih/lighthouse/internal/adapters/gitsource"
	"github.com/melih/lighthouse/internal/adapters/registry"
	"github.com/melih/lighthouse/internal/adapters/sqlite"
	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services/intents"
	"github.com/melih/lighthouse/internal/core/services/orchestrator"
	"github.com/melih/lighthouse/internal/core/services/recorder"
	"github.com/melih/lighthouse/internal/core/services/retry"
	"github.com/melih/lighthouse/internal/core/services/scheduler"
	"github.com/melih/lighthouse/internal/metrics"
)

// app holds every wired component of the process.
type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	store   *sqlite.Store
	metrics *metrics.Metrics

	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	scanner      *scheduler.Scanner
	service      *intents.Service
	source       ports.IntentSource

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, demo bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	store, err := sqlite.Open(ctx, cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	containers, resolver, err := a.backends(demo)
	if err != nil {
		a.Close()
		return nil, err
	}

	clock := clockwork.NewRealClock()
	limits := retry.NewRegistry(cfg.Retry.RateLimitThreshold, cfg.Retry.RateLimitCooldown)
	limits.OnTrip(a.metrics.RateLimitTripped)
	endpointPolicy := a.policy(limits, "endpoint", cfg.Retry.Endpoint, clock)
	// Registry requests are paced per HTTP request inside the resolver.
	registryRetry := cfg.Retry.Registry
	registryRetry.RPS = 0
	registryPolicy := a.policy(limits, "registry", registryRetry, clock)

	rec := recorder.New(store, store, clock, logger.Named("recorder"))
	rec.SetObserver(a.metrics)

	a.orchestrator = orchestrator.New(containers, resolver, rec, orchestrator.Config{
		MaxConcurrency:    cfg.Upgrade.MaxConcurrency,
		ReadyTimeout:      cfg.Upgrade.ReadyTimeout,
		ReadyPollInterval: cfg.Upgrade.ReadyPollInterval,
		StepTimeout:       cfg.Upgrade.StepTimeout,
	},
		orchestrator.WithClock(clock),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithPolicies(endpointPolicy, registryPolicy),
	)

	a.scheduler = scheduler.New(store, a.orchestrator,
		scheduler.WithClock(clock),
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithDispatchHook(a.metrics.Dispatched),
	)
	a.scanner = scheduler.NewScanner(containers, resolver, a.scheduler, scheduler.ScannerConfig{
		Interval:       cfg.Scanner.Interval,
		EndpointPolicy: endpointPolicy,
		RegistryPolicy: registryPolicy,
		Clock:          clock,
		Logger:         logger.Named("scanner"),
	})
	a.service = intents.NewService(store, store, a.orchestrator, a.scanner, clock, logger.Named("intents"))

	if cfg.Intents.Source != "" {
		a.source = gitsource.New(cfg.Intents.Source, cfg.Intents.SourcePath, cfg.Intents.SourceRef, logger.Named("gitsource"))
	}
	return a, nil
}

// backends returns the container fleet and registry resolver. Demo mode
// uses in-memory fakes seeded with a few containers.
func (a *app) backends(demo bool) (ports.ContainerService, ports.RegistryResolver, error) {
	if demo {
		return demoBackends()
	}

	members := make([]docker.Member, 0, len(a.cfg.Endpoints))
	for _, ep := range a.cfg.Endpoints {
		adapter, err := docker.NewAdapter(ep.ID, ep.Name, ep.Host, a.cfg.Upgrade.StopTimeout)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "endpoint %q", ep.ID)
		}
		a.closers = append(a.closers, adapter.Close)
		members = append(members, docker.Member{InstanceID: ep.ID, Service: adapter})
	}
	fleet, err := docker.NewFleet(members...)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Infow("Container endpoints configured", "count", fleet.Len())

	resolver := registry.NewResolver(registry.Options{
		Insecure: a.cfg.Registry.Insecure,
		RPS:      a.cfg.Retry.Registry.RPS,
		Burst:    1,
	})
	return fleet, resolver, nil
}

func (a *app) policy(limits *retry.Registry, provider string, pc config.PolicyConfig, clock clockwork.Clock) *retry.Policy {
	opts := []retry.Option{retry.WithClock(clock), retry.WithLogger(a.logger.Named("retry"))}
	if pc.RPS > 0 {
		opts = append(opts, retry.WithLimiter(rate.NewLimiter(rate.Limit(pc.RPS), 1)))
	}
	return retry.New(limits.State(provider), pc.MaxRetries, pc.BaseDelay, opts...)
}

func demoBackends() (ports.ContainerService, ports.RegistryResolver, error) {
	endpoint := fake.NewEndpoint("demo", "demo")
	reg := fake.NewRegistry()
	seed := []struct {
		c      domain.Container
		latest string
	}{
		{domain.Container{ID: "web", Name: "web", Image: "nginx:1.25", StackName: "frontend"}, "sha256:nginx-new"},
		{domain.Container{ID: "db", Name: "db", Image: "postgres:16", StackName: "backend"}, "sha256:pg-new"},
		{domain.Container{ID: "vpn", Name: "vpn", Image: "qmcgaw/gluetun:latest", StackName: "media"}, "sha256:vpn-new"},
		{domain.Container{ID: "torrent", Name: "torrent", Image: "linuxserver/qbittorrent:4", StackName: "media", UsesNetworkMode: "vpn"}, "sha256:qb-new"},
	}
	// Seeded containers carry no digest, so every one of them is behind.
	for _, s := range seed {
		endpoint.Add(s.c)
		endpoint.SetImageDigest(s.c.Image, s.latest)
		reg.SetLatest(s.c.Image, s.latest)
	}
	fleet, err := docker.NewFleet(docker.Member{InstanceID: endpoint.InstanceID, Service: endpoint})
	return fleet, reg, err
}

// Close releases the store and endpoint clients in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warnw("Close failed", "error", err)
		}
	}
}
