package scanning

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
	"github.com/anstrom/reachscan/internal/probe"
	"github.com/anstrom/reachscan/internal/workers"
)

// CountryResolver resolves an address to a country code, best effort.
type CountryResolver interface {
	ResolveCountry(ctx context.Context, addr ipv4.Address) (string, bool)
}

// Scanner runs passes over an address range. A Scanner runs one pass at a
// time; Run must not be called concurrently.
type Scanner struct {
	config   Config
	prober   probe.Prober
	resolver CountryResolver
	progress *Progress
	logger   *logging.Logger
	sampler  *logging.Sampler
	onResult func(Result)
	onStart  func(passID string)
	now      func() time.Time

	state atomic.Int32
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithProgress shares an externally owned progress counter.
func WithProgress(p *Progress) Option {
	return func(s *Scanner) {
		s.progress = p
	}
}

// WithResultHook registers a callback invoked for every reachable address.
// It is called from worker goroutines and must be safe for concurrent use.
func WithResultHook(fn func(Result)) Option {
	return func(s *Scanner) {
		s.onResult = fn
	}
}

// WithPassStartHook registers a callback invoked when a pass begins.
func WithPassStartHook(fn func(passID string)) Option {
	return func(s *Scanner) {
		s.onStart = fn
	}
}

// WithLogger sets the scanner's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithClock replaces the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// NewScanner validates config and builds a scanner.
func NewScanner(config Config, prober probe.Prober, resolver CountryResolver, opts ...Option) (*Scanner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Scanner{
		config:   config,
		prober:   prober,
		resolver: resolver,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.progress == nil {
		s.progress = NewProgress()
	}
	if s.logger == nil {
		s.logger = logging.Default().WithComponent("scanner")
	}
	s.sampler = logging.NewSampler(config.LogSampleRate)
	return s, nil
}

// Config returns the normalized configuration.
func (s *Scanner) Config() Config {
	return s.config
}

// Progress returns the shared progress counter.
func (s *Scanner) Progress() *Progress {
	return s.progress
}

// State returns the current lifecycle stage.
func (s *Scanner) State() State {
	return State(s.state.Load())
}

// Run performs one pass. Addresses are probed concurrently and results are
// returned in no particular order. Per-address failures never abort the
// pass. If ctx is cancelled, enumeration stops and the results gathered so
// far are returned together with a cancellation error.
func (s *Scanner) Run(ctx context.Context) ([]Result, Summary, error) {
	cfg := s.config
	summary := Summary{
		PassID:    uuid.NewString(),
		Range:     cfg.Range.String(),
		Port:      cfg.Port,
		Total:     cfg.Range.Len(),
		StartedAt: s.now(),
	}
	logger := s.logger.WithPassID(summary.PassID)
	recorder := metrics.GetGlobalMetrics()

	s.state.Store(int32(StateEnumerating))
	s.progress.Reset(summary.Total)
	recorder.SetPassProgress(0)

	logger.Info("Starting scan",
		"range", summary.Range,
		"port", cfg.Port,
		"total", summary.Total,
		"workers", cfg.Workers)
	if s.onStart != nil {
		s.onStart(summary.PassID)
	}

	var (
		mu      sync.Mutex
		results []Result
	)
	collect := func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		if s.onResult != nil {
			s.onResult(r)
		}
	}

	pool := workers.New(workers.Config{
		Size:      cfg.Workers,
		QueueSize: cfg.Workers,
		RateLimit: cfg.RateLimit,
		Pause:     cfg.ProbeDelay,
	})
	pool.Start(ctx)

	for addr := range cfg.Range.All() {
		if ctx.Err() != nil {
			break
		}
		target := probe.Target{Addr: addr, Port: cfg.Port}
		job := workers.NewFuncJob(target.String(), "probe", func(jobCtx context.Context) error {
			s.scanTarget(jobCtx, logger, target, collect)
			return nil
		})
		if err := pool.Submit(ctx, job); err != nil {
			break
		}
	}
	_ = pool.Shutdown()

	summary.FinishedAt = s.now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	summary.Scanned = s.progress.Processed()
	summary.Reachable = len(results)

	if err := ctx.Err(); err != nil {
		summary.Cancelled = true
		s.state.Store(int32(StateCancelled))
		recorder.ObservePass("cancelled", summary.Duration, summary.Reachable)
		logger.Warn("Scan cancelled",
			"scanned", summary.Scanned,
			"total", summary.Total,
			"reachable", summary.Reachable)
		return results, summary, errors.WrapScanError(errors.CodeCanceled, "scan pass cancelled", err)
	}

	s.state.Store(int32(StateCompleted))
	recorder.ObservePass("success", summary.Duration, summary.Reachable)
	recorder.SetPassProgress(1)
	logger.Info("Scan completed",
		"scanned", summary.Scanned,
		"reachable", summary.Reachable,
		"duration", summary.Duration)

	return results, summary, nil
}

// scanTarget handles one address: count it, probe it, and resolve and
// record it if reachable.
func (s *Scanner) scanTarget(ctx context.Context, logger *logging.Logger, target probe.Target,
	collect func(Result)) {
	processed := s.progress.Increment()
	if processed%s.config.ProgressInterval == 0 {
		fraction := s.progress.Fraction()
		metrics.GetGlobalMetrics().SetPassProgress(fraction)
		logger.Info("Scan progress",
			"processed", processed,
			"total", s.progress.Total(),
			"percent", fraction*100)
	}

	outcome := s.prober.Probe(ctx, target)
	if !outcome.Reachable {
		if s.sampler.Allow() {
			logger.Info("Failed to connect", "target", target.String(), "error", outcome.Err)
		}
		return
	}

	result := Result{
		IP:         target.Addr.String(),
		Port:       target.Port,
		ObservedAt: s.now(),
	}
	if country, ok := s.resolver.ResolveCountry(ctx, target.Addr); ok {
		result.Country = &country
	}

	logger.InfoScan("Found accessible IP", target.String(), "country", result.CountryOrEmpty())
	collect(result)
}
