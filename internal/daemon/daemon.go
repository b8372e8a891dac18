// Package daemon runs reachscan's continuous process loop: load the
// configuration, connect to the result store, then scan, persist and wait,
// forever. Each stage runs inside its own retry domain.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/reachscan/internal/api"
	apihandlers "github.com/anstrom/reachscan/internal/api/handlers"
	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/retry"
	"github.com/anstrom/reachscan/internal/scanning"
	"github.com/anstrom/reachscan/internal/storage"
)

// Retry domains.
const (
	OpConfigLoading      = "Configuration Loading"
	OpDatabaseConnection = "Database Connection"
	OpNetworkScanning    = "Network Scanning"
	OpResultsStorage     = "Results Storage"
)

const (
	// DefaultFailureBackoff is the wait after a pass exhausts its retries.
	DefaultFailureBackoff = 60 * time.Second

	storeCloseTimeout = 10 * time.Second
)

// Scanner runs one pass at a time.
type Scanner interface {
	Run(ctx context.Context) ([]scanning.Result, scanning.Summary, error)
	Progress() *scanning.Progress
	State() scanning.State
}

// Engine is the scanning machinery built from a loaded configuration.
type Engine struct {
	Scanner Scanner
	// CacheSize reports the geolocation cache size. Optional.
	CacheSize func() int
	// Close releases the engine's resources. Optional.
	Close func() error
}

// EventSink receives scan events as they happen.
type EventSink interface {
	BroadcastResult(result scanning.Result) error
	BroadcastPassStarted(passID string) error
	BroadcastPassFinished(summary scanning.Summary, err error) error
}

// Dependencies are the constructors the daemon calls once configuration is
// available.
type Dependencies struct {
	LoadConfig   func(ctx context.Context) (*config.Config, error)
	ConnectStore func(ctx context.Context, cfg *config.Config) (storage.Store, error)
	BuildEngine  func(cfg *config.Config, opts ...scanning.Option) (*Engine, error)
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithSleep replaces the wait between cycles and between retry attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Daemon) {
		d.sleep = sleep
	}
}

// WithFailureBackoff sets the wait after a pass exhausts its retries.
func WithFailureBackoff(wait time.Duration) Option {
	return func(d *Daemon) {
		d.failureBackoff = wait
	}
}

// WithEventSink publishes scan events to sink. When the status API is
// enabled its result feed is used instead.
func WithEventSink(sink EventSink) Option {
	return func(d *Daemon) {
		d.sink = sink
	}
}

// WithMaxCycles stops the loop after n cycles. Zero means run forever.
func WithMaxCycles(n int) Option {
	return func(d *Daemon) {
		d.maxCycles = n
	}
}

// WithLogger sets the daemon's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Daemon) {
		d.logger = logger
	}
}

// Daemon represents the main daemon process.
type Daemon struct {
	deps           Dependencies
	sleep          func(ctx context.Context, d time.Duration) error
	failureBackoff time.Duration
	maxCycles      int
	logger         *logging.Logger

	config  *config.Config
	policy  retry.Policy
	store   storage.Store
	engine  *Engine
	sink    EventSink
	api     *api.Server
	stopAPI context.CancelFunc
	apiDone chan struct{}
	started time.Time

	passesCompleted atomic.Uint64
	passesFailed    atomic.Uint64

	mu          sync.RWMutex
	lastSummary *scanning.Summary
	lastError   string
	nextPass    *time.Time
}

// New creates a new daemon instance.
func New(deps Dependencies, opts ...Option) *Daemon {
	d := &Daemon{
		deps:           deps,
		sleep:          sleepContext,
		failureBackoff: DefaultFailureBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the daemon and blocks until ctx is cancelled or SIGINT or
// SIGTERM arrives. It returns an error only when startup fails: the
// configuration cannot be loaded, the store cannot be reached or the
// engine cannot be built. Later failures are logged and the loop goes on.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	d.setupSignalHandlers(ctx)

	d.started = time.Now()
	d.log().InfoDaemon("Starting reachscan daemon")

	if err := d.init(ctx); err != nil {
		d.cleanup()
		return err
	}
	defer d.cleanup()

	return d.loop(ctx)
}

func (d *Daemon) init(ctx context.Context) error {
	startup := retry.DefaultPolicy()
	startup.Sleep = d.sleep

	cfg, err := retry.Do(ctx, startup, OpConfigLoading, d.deps.LoadConfig)
	if err != nil {
		d.log().ErrorDaemon("Failed to load configuration", err)
		return err
	}
	d.config = cfg
	d.policy = cfg.RetryPolicy()
	d.policy.Sleep = d.sleep

	store, err := retry.Do(ctx, d.policy, OpDatabaseConnection, func(ctx context.Context) (storage.Store, error) {
		s, err := d.deps.ConnectStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		d.log().ErrorDaemon("Failed to connect to database", err)
		return err
	}
	d.store = store

	if cfg.API.Enabled {
		apiCfg := api.DefaultConfig()
		apiCfg.ListenAddr = cfg.API.ListenAddr
		d.api = api.New(apiCfg, store, d)
		d.sink = d.api.Hub()
	}

	engine, err := d.deps.BuildEngine(cfg,
		scanning.WithResultHook(d.publishResult),
		scanning.WithPassStartHook(d.publishPassStarted))
	if err != nil {
		d.log().ErrorDaemon("Failed to build scanner", err)
		return err
	}
	d.engine = engine

	// Status reads the engine, so the server starts only once it exists.
	if d.api != nil {
		apiCtx, cancel := context.WithCancel(ctx)
		d.stopAPI = cancel
		d.apiDone = make(chan struct{})
		go func() {
			defer close(d.apiDone)
			if err := d.api.Start(apiCtx); err != nil {
				d.log().ErrorDaemon("API server error", err)
			}
		}()
	}
	return nil
}

// loop runs cycles until ctx is done. Without a schedule, each cycle is
// followed by the configured interval, or by the failure backoff when the
// pass was abandoned. With a schedule, the next cycle waits for the next
// cron tick.
func (d *Daemon) loop(ctx context.Context) error {
	var (
		sched    *cron.Cron
		entry    cron.EntryID
		triggers chan struct{}
	)
	if expr := d.config.Scan.Schedule; expr != "" {
		sched = cron.New()
		triggers = make(chan struct{}, 1)
		id, err := sched.AddFunc(expr, func() {
			select {
			case triggers <- struct{}{}:
			default:
				// A pass is already queued.
			}
		})
		if err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation, "Invalid cron expression", "scan.schedule", expr)
		}
		entry = id
		sched.Start()
		defer sched.Stop()
		d.log().InfoDaemon("Scan schedule active", "schedule", expr)
	}

	for cycle := 1; ; cycle++ {
		err := d.runCycle(ctx)
		if ctx.Err() != nil {
			d.log().InfoDaemon("Shutdown signal received")
			return nil
		}
		if d.maxCycles > 0 && cycle >= d.maxCycles {
			return nil
		}

		if sched != nil {
			next := sched.Entry(entry).Next
			d.setNextPass(next)
			select {
			case <-ctx.Done():
				d.log().InfoDaemon("Shutdown signal received")
				return nil
			case <-triggers:
			}
			continue
		}

		wait := d.config.Interval()
		if err != nil {
			wait = d.failureBackoff
		}
		d.setNextPass(time.Now().Add(wait))
		d.log().InfoDaemon("Waiting before next scan", "wait", wait)
		if err := d.sleep(ctx, wait); err != nil {
			d.log().InfoDaemon("Shutdown signal received")
			return nil
		}
	}
}

// runCycle runs one pass and persists what it found. It returns an error
// only when the pass itself was abandoned; a storage failure is logged and
// the cycle still counts as complete.
func (d *Daemon) runCycle(ctx context.Context) error {
	d.setNextPass(time.Time{})

	results, err := retry.Do(ctx, d.policy, OpNetworkScanning, func(ctx context.Context) ([]scanning.Result, error) {
		results, summary, err := d.engine.Scanner.Run(ctx)
		d.recordPass(summary, err)
		return results, err
	})
	if err != nil {
		if ctx.Err() == nil {
			d.passesFailed.Add(1)
			d.log().ErrorDaemon("Network scanning failed", err)
		}
		return err
	}
	d.passesCompleted.Add(1)

	if len(results) == 0 {
		return nil
	}

	// Records written by an earlier attempt are not sent again.
	pending := results
	_, err = retry.Do(ctx, d.policy, OpResultsStorage, func(ctx context.Context) (storage.BatchReport, error) {
		report, err := d.store.SaveResults(ctx, pending)
		if err != nil && len(report.Pending) > 0 {
			pending = report.Pending
		}
		return report, err
	})
	if err != nil {
		if ctx.Err() == nil {
			d.setLastError(err)
			d.log().ErrorDaemon("Failed to store scan results", err,
				"accessible", len(results),
				"stored", len(results)-len(pending))
		}
		return nil
	}

	d.log().InfoDaemon("Scan completed successfully",
		"accessible", len(results),
		"stored", len(results))
	return nil
}

func (d *Daemon) recordPass(summary scanning.Summary, err error) {
	d.mu.Lock()
	d.lastSummary = &summary
	if err != nil {
		d.lastError = err.Error()
	} else {
		d.lastError = ""
	}
	d.mu.Unlock()

	if d.sink != nil {
		_ = d.sink.BroadcastPassFinished(summary, err)
	}
}

func (d *Daemon) setLastError(err error) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
}

func (d *Daemon) setNextPass(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.IsZero() {
		d.nextPass = nil
		return
	}
	d.nextPass = &t
}

func (d *Daemon) publishResult(result scanning.Result) {
	if d.sink != nil {
		_ = d.sink.BroadcastResult(result)
	}
}

func (d *Daemon) publishPassStarted(passID string) {
	if d.sink != nil {
		_ = d.sink.BroadcastPassStarted(passID)
	}
}

// Status implements the status API's StatusProvider.
func (d *Daemon) Status() apihandlers.ScanStatus {
	status := apihandlers.ScanStatus{
		State:           scanning.StateIdle.String(),
		PassesCompleted: d.passesCompleted.Load(),
		PassesFailed:    d.passesFailed.Load(),
	}

	if d.engine != nil {
		status.State = d.engine.Scanner.State().String()
		p := d.engine.Scanner.Progress()
		status.Progress = apihandlers.ProgressInfo{
			Processed: p.Processed(),
			Total:     p.Total(),
			Fraction:  p.Fraction(),
		}
		if d.engine.CacheSize != nil {
			status.CacheSize = d.engine.CacheSize()
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastSummary != nil {
		summary := *d.lastSummary
		status.LastPass = &summary
	}
	status.LastError = d.lastError
	if d.nextPass != nil {
		next := *d.nextPass
		status.NextPass = &next
	}
	return status
}

// setupSignalHandlers dumps the daemon status on SIGUSR1.
func (d *Daemon) setupSignalHandlers(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigChan:
				d.dumpStatus()
			}
		}
	}()
}

// dumpStatus logs the current daemon status.
func (d *Daemon) dumpStatus() {
	status := d.Status()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"uptime", time.Since(d.started).Round(time.Second),
		"state", status.State,
		"passes_completed", status.PassesCompleted,
		"passes_failed", status.PassesFailed,
		"processed", status.Progress.Processed,
		"total", status.Progress.Total,
		"cache_size", status.CacheSize,
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
	}
	if status.LastPass != nil {
		fields = append(fields, "last_pass", status.LastPass.String())
	}
	d.log().InfoDaemon("Daemon status", fields...)
}

// cleanup releases everything init acquired.
func (d *Daemon) cleanup() {
	if d.stopAPI != nil {
		d.stopAPI()
		<-d.apiDone
		// Start may have failed before serving; the feed still needs closing.
		_ = d.api.Hub().Close()
	}

	if d.engine != nil && d.engine.Close != nil {
		if err := d.engine.Close(); err != nil {
			d.log().ErrorDaemon("Error closing scanner", err)
		}
	}

	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
		defer cancel()
		if err := d.store.Close(ctx); err != nil {
			d.log().ErrorDaemon("Error closing store", err)
		}
	}

	d.log().InfoDaemon("Daemon stopped")
}

// log returns the configured logger, or the process default. The default
// is resolved late because configuration loading may replace it.
func (d *Daemon) log() *logging.Logger {
	if d.logger != nil {
		return d.logger
	}
	return logging.Default()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
