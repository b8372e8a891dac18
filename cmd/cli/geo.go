package cli

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/ipv4"
)

func newGeoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "geo <ip>...",
		Short: "Look up the country of one or more addresses",
		Long: `Resolve addresses through the configured geolocation providers and
cache, the same way the scanner does for reachable hosts.`,
		Example: `  reachscan geo 8.8.8.8 1.1.1.1`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]ipv4.Address, 0, len(args))
			for _, arg := range args {
				addr, err := ipv4.Parse(arg)
				if err != nil {
					return err
				}
				addrs = append(addrs, addr)
			}

			cfg, err := config.Load(opts.configFile,
				config.WithDotEnv(opts.dotEnvFile),
				config.WithOptionalSections("storage", "scan"))
			if err != nil {
				return err
			}
			opts.applyOverrides(cfg)
			initLogging(cfg)

			resolver, err := newResolver(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = resolver.Close() }()

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("IP", "Country")
			for _, addr := range addrs {
				country, err := resolver.Lookup(cmd.Context(), addr)
				if err != nil {
					country = "-"
				}
				if err := table.Append([]string{addr.String(), country}); err != nil {
					return fmt.Errorf("render row: %w", err)
				}
			}
			return table.Render()
		},
	}
}
