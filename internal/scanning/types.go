package scanning

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/ipv4"
)

const (
	// DefaultWorkers is the worker pool size when none is configured.
	DefaultWorkers = 100
	// MaxProbeDelay caps the pause each worker takes between probes.
	MaxProbeDelay = 200 * time.Millisecond
	// DefaultProgressInterval is how many addresses pass between progress logs.
	DefaultProgressInterval = 100
	// DefaultLogSampleRate logs one unreachable address in this many.
	DefaultLogSampleRate = 100
)

// Config describes one scan pass.
type Config struct {
	// Range is the inclusive address range to sweep.
	Range ipv4.Range
	// Port is the TCP port probed on every address.
	Port uint16
	// Workers bounds concurrent probes.
	Workers int
	// ProbeDelay is a per-worker pause after each probe, capped at MaxProbeDelay.
	ProbeDelay time.Duration
	// RateLimit caps probes started per second across all workers (0 = unlimited).
	RateLimit int
	// ProgressInterval is the number of addresses between progress logs.
	ProgressInterval uint64
	// LogSampleRate logs one unreachable address in this many.
	LogSampleRate int
}

// Validate checks and normalizes the configuration.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return errors.ErrConfigInvalid("scan.port", c.Port)
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ProbeDelay < 0 {
		c.ProbeDelay = 0
	}
	if c.ProbeDelay > MaxProbeDelay {
		c.ProbeDelay = MaxProbeDelay
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.LogSampleRate <= 0 {
		c.LogSampleRate = DefaultLogSampleRate
	}
	return nil
}

// Result is a reachable address found during a pass. Country is nil when
// no geolocation provider could answer.
type Result struct {
	IP         string    `json:"ip"`
	Port       uint16    `json:"port"`
	Country    *string   `json:"country"`
	ObservedAt time.Time `json:"observed_at"`
}

// CountryOrEmpty returns the country code or "".
func (r Result) CountryOrEmpty() string {
	if r.Country == nil {
		return ""
	}
	return *r.Country
}

// Summary describes a finished pass.
type Summary struct {
	PassID     string        `json:"pass_id"`
	Range      string        `json:"range"`
	Port       uint16        `json:"port"`
	Total      uint64        `json:"total"`
	Scanned    uint64        `json:"scanned"`
	Reachable  int           `json:"reachable"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Cancelled  bool          `json:"cancelled"`
}

// String returns a one-line description of the pass.
func (s Summary) String() string {
	return fmt.Sprintf("pass %s: scanned %d/%d addresses on port %d, %d reachable in %s",
		s.PassID, s.Scanned, s.Total, s.Port, s.Reachable, s.Duration.Round(time.Millisecond))
}

// State is the lifecycle stage of a scanner.
type State int32

const (
	StateIdle State = iota
	StateEnumerating
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Progress counts addresses processed in the current pass. Workers share
// one instance and only ever increment it; it is read for logging and
// status reporting.
type Progress struct {
	processed atomic.Uint64
	total     atomic.Uint64
}

// NewProgress returns a zeroed counter.
func NewProgress() *Progress {
	return &Progress{}
}

// Reset zeroes the counter and records the pass size.
func (p *Progress) Reset(total uint64) {
	p.processed.Store(0)
	p.total.Store(total)
}

// Increment records one processed address and returns the new count.
func (p *Progress) Increment() uint64 {
	return p.processed.Add(1)
}

// Processed returns the number of addresses processed so far.
func (p *Progress) Processed() uint64 {
	return p.processed.Load()
}

// Total returns the size of the current pass.
func (p *Progress) Total() uint64 {
	return p.total.Load()
}

// Fraction returns processed/total in [0, 1].
func (p *Progress) Fraction() float64 {
	total := p.Total()
	if total == 0 {
		return 0
	}
	return float64(p.Processed()) / float64(total)
}
