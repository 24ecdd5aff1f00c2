// Package prober polls endpoint health on a fixed schedule and feeds
// classified results to the reconciler. Each tracked endpoint gets its own
// probe loop, so a slow or failing check never delays another endpoint's
// schedule; a semaphore caps how many checks are in flight at once.
package prober

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/modelserve-sh/controller/internal/model"
	"github.com/modelserve-sh/controller/internal/registry"
)

// Checker performs one bounded health check against an endpoint URL.
type Checker interface {
	Check(ctx context.Context, url string) error
}

// Result is one classified probe observation, tagged with the spec
// generation it was checked against so the reconciler can discard results
// from a superseded generation.
type Result struct {
	EndpointID          string
	Generation          int64
	Healthy             bool
	Latency             time.Duration
	ConsecutiveFailures int
	Detail              string
	CheckedAt           time.Time
}

// Config holds prober scheduling settings.
type Config struct {
	// Interval between checks for one endpoint.
	Interval time.Duration
	// Timeout bounds a single check.
	Timeout time.Duration
	// ScanInterval is how often the prober re-reads the registry to pick
	// up endpoints entering or leaving pollable states.
	ScanInterval time.Duration
	// MaxConcurrent caps checks in flight across all endpoints.
	MaxConcurrent int
}

// DefaultConfig returns the default prober configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      15 * time.Second,
		Timeout:       5 * time.Second,
		ScanInterval:  2 * time.Second,
		MaxConcurrent: 8,
	}
}

// Prober schedules per-endpoint probe loops from registry state.
type Prober struct {
	config    Config
	checker   Checker
	registry  registry.Registry
	results   chan<- Result
	telemetry chan<- model.ProbeEventPayload

	clusterID         string
	controllerVersion string

	sem chan struct{}

	mu    sync.Mutex
	loops map[string]*probeLoop
}

// New creates a prober. results receives every classified observation;
// telemetry, when non-nil, receives batched-bound probe events.
func New(
	cfg Config,
	checker Checker,
	reg registry.Registry,
	results chan<- Result,
	telemetry chan<- model.ProbeEventPayload,
	clusterID, controllerVersion string,
) *Prober {
	return &Prober{
		config:            cfg,
		checker:           checker,
		registry:          reg,
		results:           results,
		telemetry:         telemetry,
		clusterID:         clusterID,
		controllerVersion: controllerVersion,
		sem:               make(chan struct{}, cfg.MaxConcurrent),
		loops:             make(map[string]*probeLoop),
	}
}

// Start runs the scheduling loop until the context is cancelled. It
// implements manager.Runnable.
func (p *Prober) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("prober")
	logger.Info("Starting health prober",
		"interval", p.config.Interval,
		"timeout", p.config.Timeout,
		"maxConcurrent", p.config.MaxConcurrent,
	)

	ticker := time.NewTicker(p.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.syncLoops(ctx)
		case <-ctx.Done():
			p.stopAll()
			logger.Info("Health prober stopped")
			return nil
		}
	}
}

// syncLoops reconciles the running probe loops against registry state:
// loops are started for endpoints in pollable states with a known URL and
// stopped on the next tick after an endpoint leaves them.
func (p *Prober) syncLoops(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("prober")

	records, err := p.registry.List(ctx)
	if err != nil {
		logger.Error(err, "Failed to list endpoint records")
		return
	}

	wanted := make(map[string]bool, len(records))
	for _, record := range records {
		if record.Status.Pollable() && record.Objects.URL != "" {
			wanted[record.ID] = true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range wanted {
		if _, running := p.loops[id]; !running {
			loop := newProbeLoop(p, id)
			p.loops[id] = loop
			go loop.run(ctx)
		}
	}
	for id, loop := range p.loops {
		if !wanted[id] {
			loop.stop()
			delete(p.loops, id)
		}
	}
}

func (p *Prober) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, loop := range p.loops {
		loop.stop()
		delete(p.loops, id)
	}
}

// Tracking reports whether a probe loop is running for the endpoint.
func (p *Prober) Tracking(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

// probeLoop is the independent check schedule for one endpoint.
type probeLoop struct {
	prober     *Prober
	endpointID string
	stopCh     chan struct{}
	stopOnce   sync.Once

	// consecutive failed checks against the current generation. Resets to
	// zero on any success and on a generation change.
	failures   int
	generation int64
}

func newProbeLoop(p *Prober, endpointID string) *probeLoop {
	return &probeLoop{
		prober:     p,
		endpointID: endpointID,
		stopCh:     make(chan struct{}),
	}
}

func (l *probeLoop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *probeLoop) run(ctx context.Context) {
	// First check fires immediately; deploying endpoints should not wait a
	// full interval for their readiness confirmation.
	l.probeOnce(ctx)

	ticker := time.NewTicker(l.prober.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.probeOnce(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *probeLoop) probeOnce(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("prober")

	record, err := l.prober.registry.Get(ctx, l.endpointID)
	if err != nil {
		return
	}
	if !record.Status.Pollable() || record.Objects.URL == "" {
		return
	}

	if record.Generation != l.generation {
		l.generation = record.Generation
		l.failures = 0
	}

	select {
	case l.prober.sem <- struct{}{}:
	case <-l.stopCh:
		return
	case <-ctx.Done():
		return
	}
	defer func() { <-l.prober.sem }()

	checkCtx, cancel := context.WithTimeout(ctx, l.prober.config.Timeout)
	started := time.Now()
	checkErr := l.prober.checker.Check(checkCtx, record.Objects.URL)
	latency := time.Since(started)
	cancel()

	now := time.Now().UTC()
	if err := l.prober.registry.TouchHealthCheck(ctx, l.endpointID, now); err != nil {
		logger.Error(err, "Failed to record health check time", "endpointID", l.endpointID)
	}

	healthy := checkErr == nil
	detail := ""
	if checkErr != nil {
		detail = checkErr.Error()
	}
	if healthy {
		l.failures = 0
	} else {
		l.failures++
	}

	result := Result{
		EndpointID:          l.endpointID,
		Generation:          l.generation,
		Healthy:             healthy,
		Latency:             latency,
		ConsecutiveFailures: l.failures,
		Detail:              detail,
		CheckedAt:           now,
	}

	select {
	case l.prober.results <- result:
	case <-ctx.Done():
		return
	}

	if l.prober.telemetry != nil {
		outcome := model.ProbeOutcomeSuccess
		if !healthy {
			outcome = model.ProbeOutcomeFailure
		}
		event := model.NewProbeEventPayload(
			l.endpointID, l.generation, outcome, latency, l.failures, detail,
			l.prober.clusterID, l.prober.controllerVersion,
		)
		select {
		case l.prober.telemetry <- event:
		default:
			// Telemetry is best effort; never stall the probe schedule.
		}
	}
}
