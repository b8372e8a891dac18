package scanning

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/probe"
)

// fakeProber reports the configured addresses as reachable.
type fakeProber struct {
	reachable map[ipv4.Address]bool
	delay     time.Duration
	calls     atomic.Int64
	inFlight  atomic.Int64
	peak      atomic.Int64
}

func newFakeProber(reachable ...string) *fakeProber {
	p := &fakeProber{reachable: make(map[ipv4.Address]bool)}
	for _, ip := range reachable {
		p.reachable[ipv4.MustParse(ip)] = true
	}
	return p
}

func (p *fakeProber) Probe(ctx context.Context, target probe.Target) probe.Result {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
		}
	}
	if p.reachable[target.Addr] {
		return probe.Result{Target: target, Reachable: true}
	}
	return probe.Result{Target: target, Err: assert.AnError}
}

// fakeResolver answers from a fixed table.
type fakeResolver struct {
	mu        sync.Mutex
	countries map[string]string
	calls     []string
}

func (r *fakeResolver) ResolveCountry(_ context.Context, addr ipv4.Address) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, addr.String())
	c, ok := r.countries[addr.String()]
	return c, ok
}

func mustRange(t *testing.T, start, end string) ipv4.Range {
	t.Helper()
	r, err := ipv4.NewRange(start, end)
	require.NoError(t, err)
	return r
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		return ipv4.MustParse(results[i].IP) < ipv4.MustParse(results[j].IP)
	})
}

func TestScannerEndToEnd(t *testing.T) {
	prober := newFakeProber("10.0.0.2")
	resolver := &fakeResolver{countries: map[string]string{"10.0.0.2": "US"}}
	observed := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	scanner, err := NewScanner(Config{
		Range:   mustRange(t, "10.0.0.1", "10.0.0.3"),
		Port:    80,
		Workers: 4,
	}, prober, resolver, WithClock(func() time.Time { return observed }))
	require.NoError(t, err)

	results, summary, err := scanner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "10.0.0.2", results[0].IP)
	assert.Equal(t, uint16(80), results[0].Port)
	require.NotNil(t, results[0].Country)
	assert.Equal(t, "US", *results[0].Country)
	assert.Equal(t, observed, results[0].ObservedAt)

	assert.Equal(t, uint64(3), summary.Total)
	assert.Equal(t, uint64(3), summary.Scanned)
	assert.Equal(t, 1, summary.Reachable)
	assert.NotEmpty(t, summary.PassID)
	assert.False(t, summary.Cancelled)
	assert.Equal(t, StateCompleted, scanner.State())

	assert.Equal(t, int64(3), prober.calls.Load())
	assert.Equal(t, []string{"10.0.0.2"}, resolver.calls, "only reachable addresses are resolved")
}

func TestScannerRecordsAbsentCountry(t *testing.T) {
	prober := newFakeProber("192.168.0.10", "192.168.0.11")
	resolver := &fakeResolver{countries: map[string]string{"192.168.0.11": "SE"}}

	scanner, err := NewScanner(Config{
		Range: mustRange(t, "192.168.0.1", "192.168.0.20"),
		Port:  11434,
	}, prober, resolver)
	require.NoError(t, err)

	results, _, err := scanner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	sortResults(results)

	assert.Nil(t, results[0].Country, "reachable address without a country is still recorded")
	assert.Equal(t, "", results[0].CountryOrEmpty())
	require.NotNil(t, results[1].Country)
	assert.Equal(t, "SE", *results[1].Country)
}

func TestScannerEmptyRange(t *testing.T) {
	prober := newFakeProber()
	scanner, err := NewScanner(Config{
		Range: mustRange(t, "10.0.0.9", "10.0.0.1"),
		Port:  80,
	}, prober, &fakeResolver{})
	require.NoError(t, err)

	results, summary, err := scanner.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, uint64(0), summary.Total)
	assert.Equal(t, int64(0), prober.calls.Load())
}

func TestScannerBoundsConcurrency(t *testing.T) {
	prober := newFakeProber()
	prober.delay = 5 * time.Millisecond

	scanner, err := NewScanner(Config{
		Range:   mustRange(t, "10.0.0.0", "10.0.0.63"),
		Port:    80,
		Workers: 8,
	}, prober, &fakeResolver{})
	require.NoError(t, err)

	_, summary, err := scanner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(64), summary.Scanned)
	assert.LessOrEqual(t, prober.peak.Load(), int64(8))
	assert.Greater(t, prober.peak.Load(), int64(1), "probes run in parallel")
}

func TestScannerProgressIsResetPerPass(t *testing.T) {
	progress := NewProgress()
	scanner, err := NewScanner(Config{
		Range: mustRange(t, "10.0.0.1", "10.0.1.44"),
		Port:  80,
	}, newFakeProber(), &fakeResolver{}, WithProgress(progress))
	require.NoError(t, err)
	assert.Same(t, progress, scanner.Progress())

	for i := 0; i < 2; i++ {
		_, _, err := scanner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(300), progress.Processed())
		assert.Equal(t, uint64(300), progress.Total())
		assert.InDelta(t, 1.0, progress.Fraction(), 1e-9)
	}
}

func TestScannerLogsProgressAndSampledFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.DefaultConfig(), &buf)

	scanner, err := NewScanner(Config{
		Range:            mustRange(t, "10.0.0.1", "10.0.0.250"),
		Port:             80,
		ProgressInterval: 100,
	}, newFakeProber(), &fakeResolver{}, WithLogger(logger))
	require.NoError(t, err)

	_, summary, err := scanner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(250), summary.Scanned)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "Scan progress"), "one line per 100 addresses")
	assert.Equal(t, 3, strings.Count(out, "Failed to connect"), "one in 100 unreachable addresses")
}

func TestScannerCancellation(t *testing.T) {
	prober := newFakeProber()
	prober.delay = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var seen atomic.Int64
	scanner, err := NewScanner(Config{
		Range:   ipv4.Range{Start: 0, End: 1 << 20},
		Port:    80,
		Workers: 4,
	}, prober, &fakeResolver{})
	require.NoError(t, err)

	go func() {
		for seen.Load() == 0 {
			seen.Store(int64(scanner.Progress().Processed()))
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	done := make(chan struct{})
	var runErr error
	var summary Summary
	go func() {
		_, summary, runErr = scanner.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop after cancellation")
	}

	require.Error(t, runErr)
	assert.True(t, errors.IsCode(runErr, errors.CodeCanceled))
	assert.ErrorIs(t, runErr, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Less(t, summary.Scanned, summary.Total)
	assert.Equal(t, StateCancelled, scanner.State())
}

func TestScannerResultHook(t *testing.T) {
	var mu sync.Mutex
	var hooked []string
	scanner, err := NewScanner(Config{
		Range:   mustRange(t, "10.0.0.1", "10.0.0.10"),
		Port:    443,
		Workers: 3,
	}, newFakeProber("10.0.0.3", "10.0.0.7"), &fakeResolver{}, WithResultHook(func(r Result) {
		mu.Lock()
		hooked = append(hooked, r.IP)
		mu.Unlock()
	}))
	require.NoError(t, err)

	_, _, err = scanner.Run(context.Background())
	require.NoError(t, err)
	sort.Strings(hooked)
	assert.Equal(t, []string{"10.0.0.3", "10.0.0.7"}, hooked)
}

func TestScannerPassStartHook(t *testing.T) {
	var started []string
	scanner, err := NewScanner(Config{
		Range: mustRange(t, "10.0.0.1", "10.0.0.2"),
		Port:  80,
	}, newFakeProber(), &fakeResolver{}, WithPassStartHook(func(passID string) {
		started = append(started, passID)
	}))
	require.NoError(t, err)

	_, first, err := scanner.Run(context.Background())
	require.NoError(t, err)
	_, second, err := scanner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, started, 2)
	assert.Equal(t, first.PassID, started[0])
	assert.Equal(t, second.PassID, started[1])
	assert.NotEqual(t, started[0], started[1], "each pass gets its own ID")
}

func TestConfigValidate(t *testing.T) {
	t.Run("rejects zero port", func(t *testing.T) {
		cfg := Config{}
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("applies defaults and caps", func(t *testing.T) {
		cfg := Config{Port: 80, ProbeDelay: time.Second, RateLimit: -5}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultWorkers, cfg.Workers)
		assert.Equal(t, MaxProbeDelay, cfg.ProbeDelay)
		assert.Equal(t, 0, cfg.RateLimit)
		assert.Equal(t, uint64(DefaultProgressInterval), cfg.ProgressInterval)
		assert.Equal(t, DefaultLogSampleRate, cfg.LogSampleRate)
	})
}

func TestProgressConcurrentIncrement(t *testing.T) {
	p := NewProgress()
	p.Reset(1000)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.Increment()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), p.Processed())
	assert.InDelta(t, 1.0, p.Fraction(), 1e-9)

	p.Reset(0)
	assert.Equal(t, uint64(0), p.Processed())
	assert.Equal(t, 0.0, p.Fraction())
}

func TestSummaryString(t *testing.T) {
	s := Summary{PassID: "abc", Total: 3, Scanned: 3, Port: 80, Reachable: 1, Duration: 1500 * time.Millisecond}
	assert.Equal(t, "pass abc: scanned 3/3 addresses on port 80, 1 reachable in 1.5s", s.String())
}
