// Command reachscan continuously scans an IPv4 range for hosts accepting
// TCP connections on one port and stores them with their country.
package main

import (
	"github.com/anstrom/reachscan/cmd/cli"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
