// Package probe checks whether a TCP port accepts connections. A probe only
// completes the handshake; no data is exchanged and the connection is closed
// immediately.
package probe

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/metrics"
)

// DefaultTimeout bounds a single connection attempt.
const DefaultTimeout = time.Second

// Target is an address and port pair.
type Target struct {
	Addr ipv4.Address
	Port uint16
}

// String returns "host:port".
func (t Target) String() string {
	return net.JoinHostPort(t.Addr.String(), strconv.Itoa(int(t.Port)))
}

// AddrPort converts the target to a netip.AddrPort.
func (t Target) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.Addr.Addr(), t.Port)
}

// Result is the outcome of one probe. Err carries the connect error for an
// unreachable target and is informational only.
type Result struct {
	Target    Target
	Reachable bool
	Err       error
	Duration  time.Duration
}

// Prober probes a single target.
type Prober interface {
	Probe(ctx context.Context, target Target) Result
}

// TCPProber probes with a plain TCP connect.
type TCPProber struct {
	dialer *net.Dialer
}

// NewTCPProber returns a prober whose connection attempts are bounded by
// timeout. A non-positive timeout uses DefaultTimeout.
func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{dialer: &net.Dialer{Timeout: timeout}}
}

// Timeout returns the per-probe connect timeout.
func (p *TCPProber) Timeout() time.Duration {
	return p.dialer.Timeout
}

// Probe attempts a connection. Refused, timed out and unroutable targets are
// all reported as unreachable.
func (p *TCPProber) Probe(ctx context.Context, target Target) Result {
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp4", target.AddrPort().String())
	result := Result{Target: target, Duration: time.Since(start)}
	if err != nil {
		result.Err = err
	} else {
		_ = conn.Close()
		result.Reachable = true
	}

	metrics.GetGlobalMetrics().ObserveProbe(result.Reachable, result.Duration)
	return result
}
