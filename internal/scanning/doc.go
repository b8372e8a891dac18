// Package scanning provides the scan engine for reachscan.
//
// A Scanner sweeps an inclusive IPv4 range on a single TCP port. Every
// address is handed to a bounded worker pool, probed with a plain TCP
// connect, and, when reachable, enriched with a best-effort country code
// from a CountryResolver. A pass returns the reachable addresses together
// with a Summary.
//
// # Pass lifecycle
//
// Each pass moves through idle, enumerating and completed (or cancelled).
// Inside enumerating, each address is probed, resolved if reachable, and
// recorded. The shared Progress counter is reset when a pass starts and is
// incremented by every worker. It is only read for logging and status, never
// for control flow.
//
// # Failure handling
//
// An unreachable address is the normal case and is not an error. Lookups
// that find no country still produce a Result, with a nil Country. Neither
// case aborts a pass. Only cancellation of the context ends a pass early;
// the results collected until then are returned alongside a CANCELED
// ScanError.
//
// # Concurrency
//
// Workers bounds concurrent outbound connections. RateLimit further caps the
// number of probes started per second, and ProbeDelay makes each worker
// pause between probes. Results are gathered in completion order, which is
// not the enumeration order.
//
// # Usage
//
//	r, _ := ipv4.NewRange("10.0.0.1", "10.0.0.254")
//	scanner, err := scanning.NewScanner(scanning.Config{
//		Range:   r,
//		Port:    11434,
//		Workers: 100,
//	}, probe.NewTCPProber(time.Second), resolver)
//	if err != nil {
//		return err
//	}
//	results, summary, err := scanner.Run(ctx)
package scanning
