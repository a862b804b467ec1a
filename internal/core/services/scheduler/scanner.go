package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services/retry"
)

// ScanSink receives scan events.
type ScanSink interface {
	NotifyScan(ctx context.Context, ev ScanEvent) []string
}

// ScanReport summarizes one scan.
type ScanReport struct {
	ScannedAt  time.Time `json:"scannedAt"`
	Containers int       `json:"containers"`
	Drifted    []string  `json:"drifted"`
	Dispatched []string  `json:"dispatched"`
}

// Scanner compares running containers against the newest published
// digests and reports drift to a sink.
type Scanner struct {
	inventory      ports.InventoryProvider
	registry       ports.RegistryResolver
	sink           ScanSink
	endpointPolicy *retry.Policy
	registryPolicy *retry.Policy
	clock          clockwork.Clock
	interval       time.Duration
	logger         *zap.SugaredLogger
}

// ScannerConfig holds the scanner's collaborators' tuning.
type ScannerConfig struct {
	// Interval of periodic scans; zero disables them.
	Interval       time.Duration
	EndpointPolicy *retry.Policy
	RegistryPolicy *retry.Policy
	Clock          clockwork.Clock
	Logger         *zap.SugaredLogger
}

// NewScanner creates a scanner.
func NewScanner(inventory ports.InventoryProvider, registry ports.RegistryResolver, sink ScanSink, cfg ScannerConfig) *Scanner {
	s := &Scanner{
		inventory:      inventory,
		registry:       registry,
		sink:           sink,
		endpointPolicy: cfg.EndpointPolicy,
		registryPolicy: cfg.RegistryPolicy,
		clock:          cfg.Clock,
		interval:       cfg.Interval,
		logger:         cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.endpointPolicy == nil {
		s.endpointPolicy = retry.New(nil, 1, retry.DefaultBaseDelay, retry.WithClock(s.clock))
	}
	if s.registryPolicy == nil {
		s.registryPolicy = retry.New(nil, 1, retry.DefaultBaseDelay, retry.WithClock(s.clock))
	}
	return s
}

// Scan lists the inventory, resolves each distinct image once and notifies
// the sink. Images that cannot be resolved are not marked as drifted.
func (s *Scanner) Scan(ctx context.Context) (*ScanReport, error) {
	inventory, err := retry.Run(ctx, s.endpointPolicy, s.inventory.ListContainers)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "container inventory unavailable"), domain.ErrInventoryUnavailable)
	}

	latest := make(map[string]string)
	failed := make(map[string]bool)
	drifted := make(map[string]bool)
	for _, c := range inventory {
		if _, ok := latest[c.Image]; !ok && !failed[c.Image] {
			v, err := retry.Run(ctx, s.registryPolicy, func(ctx context.Context) (domain.ImageVersion, error) {
				return s.registry.ResolveLatest(ctx, c.Image)
			})
			if err != nil {
				if domain.IsRateLimitExceeded(err) {
					s.logger.Warnw("Registry rate limit exceeded, scan incomplete", "error", err)
					break
				}
				s.logger.Debugw("Could not resolve image", "image", c.Image, "error", err)
				failed[c.Image] = true
				continue
			}
			latest[c.Image] = v.Digest
		}
		if digest, ok := latest[c.Image]; ok && digest != "" && !c.HasDigest(digest) {
			drifted[c.Ref().String()] = true
		}
	}

	report := &ScanReport{
		ScannedAt:  s.clock.Now().UTC(),
		Containers: len(inventory),
		Drifted:    make([]string, 0, len(drifted)),
	}
	for ref := range drifted {
		report.Drifted = append(report.Drifted, ref)
	}
	sort.Strings(report.Drifted)

	report.Dispatched = s.sink.NotifyScan(ctx, ScanEvent{Inventory: inventory, Drifted: drifted})
	if report.Dispatched == nil {
		report.Dispatched = []string{}
	}
	s.logger.Infow("Scan finished",
		"containers", report.Containers, "drifted", len(report.Drifted), "dispatched", len(report.Dispatched))
	return report, nil
}

// Run scans every interval until ctx is done. With no interval it only
// waits for ctx.
func (s *Scanner) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Errorw("Scan failed", "error", err)
			}
		}
	}
}
