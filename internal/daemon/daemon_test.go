package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/probe"
	"github.com/anstrom/reachscan/internal/retry"
	"github.com/anstrom/reachscan/internal/scanning"
	"github.com/anstrom/reachscan/internal/storage"
	"github.com/anstrom/reachscan/internal/storage/mocks"
)

type pass struct {
	results []scanning.Result
	err     error
}

// scriptedScanner replays passes in order, repeating the last one.
type scriptedScanner struct {
	mu       sync.Mutex
	passes   []pass
	calls    int
	progress *scanning.Progress
}

func (s *scriptedScanner) Run(context.Context) ([]scanning.Result, scanning.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.passes[min(s.calls, len(s.passes)-1)]
	s.calls++
	summary := scanning.Summary{
		PassID:    fmt.Sprintf("pass-%d", s.calls),
		Reachable: len(p.results),
	}
	return p.results, summary, p.err
}

func (s *scriptedScanner) Progress() *scanning.Progress { return s.progress }

func (s *scriptedScanner) State() scanning.State { return scanning.StateIdle }

func (s *scriptedScanner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// sleepRecorder records every wait instead of sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

// recordingSink collects published events.
type recordingSink struct {
	mu       sync.Mutex
	results  []string
	started  []string
	finished []string
}

func (s *recordingSink) BroadcastResult(r scanning.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r.IP)
	return nil
}

func (s *recordingSink) BroadcastPassStarted(passID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, passID)
	return nil
}

func (s *recordingSink) BroadcastPassFinished(summary scanning.Summary, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, summary.PassID)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.URI = "mongodb://localhost:27017"
	cfg.Scan.StartIP = "10.0.0.1"
	cfg.Scan.EndIP = "10.0.0.3"
	return cfg
}

func reachable(ips ...string) []scanning.Result {
	results := make([]scanning.Result, 0, len(ips))
	for _, ip := range ips {
		results = append(results, scanning.Result{IP: ip, Port: 11434})
	}
	return results
}

func staticDeps(cfg *config.Config, store storage.Store, scanner Scanner) Dependencies {
	return Dependencies{
		LoadConfig: func(context.Context) (*config.Config, error) {
			return cfg, nil
		},
		ConnectStore: func(context.Context, *config.Config) (storage.Store, error) {
			return store, nil
		},
		BuildEngine: func(*config.Config, ...scanning.Option) (*Engine, error) {
			return &Engine{Scanner: scanner}, nil
		},
	}
}

func TestDaemonStoresReachableResults(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	found := reachable("10.0.0.1", "10.0.0.3")

	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().SaveResults(gomock.Any(), found).
		Return(storage.BatchReport{Total: 2, Succeeded: 2}, nil)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	scanner := &scriptedScanner{passes: []pass{{results: found}}, progress: scanning.NewProgress()}
	sleeper := &sleepRecorder{}
	d := New(staticDeps(testConfig(), store, scanner), WithSleep(sleeper.Sleep), WithMaxCycles(1))

	require.NoError(t, d.Run(context.Background()))

	status := d.Status()
	assert.Equal(t, uint64(1), status.PassesCompleted)
	assert.Equal(t, uint64(0), status.PassesFailed)
	require.NotNil(t, status.LastPass)
	assert.Equal(t, 2, status.LastPass.Reachable)
	assert.Empty(t, status.LastError)
	assert.Empty(t, sleeper.Sleeps())
}

func TestDaemonSkipsStorageWhenNothingReachable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	scanner := &scriptedScanner{passes: []pass{{}}, progress: scanning.NewProgress()}
	sleeper := &sleepRecorder{}
	d := New(staticDeps(testConfig(), store, scanner), WithSleep(sleeper.Sleep), WithMaxCycles(2))

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 2, scanner.Calls())
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, sleeper.Sleeps(), "interval between passes")
	assert.Equal(t, uint64(2), d.Status().PassesCompleted)
}

func TestDaemonBacksOffAfterFailedPass(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	scanner := &scriptedScanner{
		passes:   []pass{{err: fmt.Errorf("network unreachable")}},
		progress: scanning.NewProgress(),
	}
	sleeper := &sleepRecorder{}
	d := New(staticDeps(testConfig(), store, scanner),
		WithSleep(sleeper.Sleep), WithMaxCycles(2), WithFailureBackoff(time.Minute))

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 6, scanner.Calls(), "three attempts per cycle")
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, // retries
		time.Minute, // backoff replaces the interval
		2 * time.Second, 4 * time.Second,
	}, sleeper.Sleeps())

	status := d.Status()
	assert.Equal(t, uint64(0), status.PassesCompleted)
	assert.Equal(t, uint64(2), status.PassesFailed)
	assert.Equal(t, "network unreachable", status.LastError)
}

func TestDaemonContinuesAfterStorageFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().SaveResults(gomock.Any(), gomock.Any()).
		Return(storage.BatchReport{}, fmt.Errorf("write timeout")).Times(3)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	scanner := &scriptedScanner{
		passes:   []pass{{results: reachable("10.0.0.2")}, {}},
		progress: scanning.NewProgress(),
	}
	sleeper := &sleepRecorder{}
	d := New(staticDeps(testConfig(), store, scanner), WithSleep(sleeper.Sleep), WithMaxCycles(2))

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 2, scanner.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 50 * time.Millisecond}, sleeper.Sleeps())

	status := d.Status()
	assert.Equal(t, uint64(2), status.PassesCompleted)
	assert.Equal(t, uint64(0), status.PassesFailed)
}

// upsertStore writes through storage.SaveEach and fails each listed
// address once.
type upsertStore struct {
	mu       sync.Mutex
	failOnce map[string]bool
	batches  [][]string
	written  map[string]int
}

func (s *upsertStore) SaveResults(ctx context.Context, results []scanning.Result) (storage.BatchReport, error) {
	ips := make([]string, 0, len(results))
	for _, r := range results {
		ips = append(ips, r.IP)
	}
	s.mu.Lock()
	s.batches = append(s.batches, ips)
	s.mu.Unlock()
	return storage.SaveEach(ctx, s, results)
}

func (s *upsertStore) Upsert(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnce[rec.IP] {
		delete(s.failOnce, rec.IP)
		return fmt.Errorf("write to %s failed", rec.IP)
	}
	if s.written == nil {
		s.written = make(map[string]int)
	}
	s.written[rec.IP]++
	return nil
}

func (s *upsertStore) Ping(context.Context) error { return nil }

func (s *upsertStore) Close(context.Context) error { return nil }

func TestDaemonRetriesOnlyUnstoredResults(t *testing.T) {
	store := &upsertStore{failOnce: map[string]bool{"10.0.0.3": true}}
	scanner := &scriptedScanner{
		passes:   []pass{{results: reachable("10.0.0.1", "10.0.0.2", "10.0.0.3")}},
		progress: scanning.NewProgress(),
	}
	sleeper := &sleepRecorder{}
	d := New(staticDeps(testConfig(), store, scanner), WithSleep(sleeper.Sleep), WithMaxCycles(1))

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, [][]string{
		{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		{"10.0.0.3"},
	}, store.batches)
	assert.Equal(t, map[string]int{"10.0.0.1": 1, "10.0.0.2": 1, "10.0.0.3": 1}, store.written)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Sleeps())
	assert.Empty(t, d.Status().LastError)
}

func TestDaemonFailsWhenConfigCannotLoad(t *testing.T) {
	var calls int
	deps := Dependencies{
		LoadConfig: func(context.Context) (*config.Config, error) {
			calls++
			return nil, fmt.Errorf("START_IP is required")
		},
	}
	sleeper := &sleepRecorder{}
	d := New(deps, WithSleep(sleeper.Sleep))

	err := d.Run(context.Background())
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, OpConfigLoading, exhausted.Operation)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.Sleeps())
}

func TestDaemonFailsWhenStoreUnreachable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(fmt.Errorf("connection refused")).Times(3)
	store.EXPECT().Close(gomock.Any()).Return(nil).Times(3)

	built := false
	deps := staticDeps(testConfig(), store, nil)
	deps.BuildEngine = func(*config.Config, ...scanning.Option) (*Engine, error) {
		built = true
		return nil, nil
	}
	sleeper := &sleepRecorder{}
	d := New(deps, WithSleep(sleeper.Sleep))

	err := d.Run(context.Background())
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, OpDatabaseConnection, exhausted.Operation)
	assert.False(t, built, "no scanning without a store")
}

func TestDaemonStopsWhenCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner := &scriptedScanner{passes: []pass{{}}, progress: scanning.NewProgress()}
	d := New(staticDeps(testConfig(), store, scanner), WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, 1, scanner.Calls())
}

// prober reports a fixed set of addresses as reachable.
type prober map[string]bool

func (p prober) Probe(_ context.Context, target probe.Target) probe.Result {
	return probe.Result{Target: target, Reachable: p[target.Addr.String()]}
}

type noCountry struct{}

func (noCountry) ResolveCountry(context.Context, ipv4.Address) (string, bool) { return "", false }

func TestDaemonForwardsScannerEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().SaveResults(gomock.Any(), gomock.Len(1)).
		Return(storage.BatchReport{Total: 1, Succeeded: 1}, nil)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	cfg := testConfig()
	deps := staticDeps(cfg, store, nil)
	deps.BuildEngine = func(cfg *config.Config, opts ...scanning.Option) (*Engine, error) {
		sc, err := cfg.ScanningConfig()
		if err != nil {
			return nil, err
		}
		s, err := scanning.NewScanner(sc, prober{"10.0.0.2": true}, noCountry{}, opts...)
		if err != nil {
			return nil, err
		}
		return &Engine{Scanner: s, CacheSize: func() int { return 7 }}, nil
	}

	sink := &recordingSink{}
	d := New(deps, WithSleep((&sleepRecorder{}).Sleep), WithMaxCycles(1), WithEventSink(sink))
	require.NoError(t, d.Run(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"10.0.0.2"}, sink.results)
	require.Len(t, sink.started, 1)
	assert.Equal(t, sink.started, sink.finished)

	status := d.Status()
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, uint64(3), status.Progress.Processed)
	assert.Equal(t, 7, status.CacheSize)
}

func TestDaemonFollowsSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil)
	store.EXPECT().Close(gomock.Any()).Return(nil)

	cfg := testConfig()
	cfg.Scan.Schedule = "@every 1s"
	scanner := &scriptedScanner{passes: []pass{{}}, progress: scanning.NewProgress()}
	sleeper := &sleepRecorder{}
	d := New(staticDeps(cfg, store, scanner), WithSleep(sleeper.Sleep), WithMaxCycles(2))

	start := time.Now()
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, 2, scanner.Calls())
	assert.Empty(t, sleeper.Sleeps(), "the interval is not used")
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestDaemonWithStatusAPI(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Ping(gomock.Any()).Return(nil).AnyTimes()
	store.EXPECT().Close(gomock.Any()).Return(nil)

	cfg := testConfig()
	cfg.API.Enabled = true
	cfg.API.ListenAddr = "127.0.0.1:0"
	scanner := &scriptedScanner{passes: []pass{{}}, progress: scanning.NewProgress()}
	d := New(staticDeps(cfg, store, scanner), WithSleep((&sleepRecorder{}).Sleep), WithMaxCycles(2))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, uint64(2), d.Status().PassesCompleted)
}

func TestStatusBeforeStart(t *testing.T) {
	d := New(Dependencies{})
	status := d.Status()
	assert.Equal(t, "idle", status.State)
	assert.Nil(t, status.LastPass)
	assert.Nil(t, status.NextPass)
}
