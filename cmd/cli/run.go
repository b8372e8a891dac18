package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/daemon"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var maxCycles int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan continuously and store reachable hosts",
		Long: `Run the scanning daemon in the foreground. Each cycle sweeps the
configured range, stores every reachable address and then waits for
scan.interval_ms (or the next scan.schedule tick). Startup failures exit
with an error; failures after startup are logged and retried.

Send SIGUSR1 to log the current status, SIGINT or SIGTERM to stop.`,
		Example: `  START_IP=10.0.0.1 END_IP=10.0.255.255 MONGODB_URI=mongodb://localhost:27017 reachscan run
  reachscan run --config /etc/reachscan.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := daemon.New(daemon.Dependencies{
				LoadConfig: func(context.Context) (*config.Config, error) {
					cfg, err := opts.loadConfig()
					if err != nil {
						return nil, err
					}
					initLogging(cfg)
					return cfg, nil
				},
				ConnectStore: connectStore,
				BuildEngine:  buildEngine,
			}, daemon.WithMaxCycles(maxCycles))
			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&maxCycles, "cycles", 0, "stop after this many cycles (0 = run forever)")
	return cmd
}
