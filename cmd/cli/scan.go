package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/scanning"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type scanOptions struct {
	store  bool
	output string
}

// scanFlagBindings maps configuration keys to scan command flags.
var scanFlagBindings = map[string]string{
	"scan.start_ip":      "start",
	"scan.end_ip":        "end",
	"scan.port":          "port",
	"scan.workers":       "workers",
	"scan.probe_timeout": "timeout",
	"scan.rate_limit":    "rate",
}

func newScanCommand(opts *globalOptions) *cobra.Command {
	scanOpts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a single scan pass",
		Long: `Sweep the address range once and print the reachable addresses with
their country. Flags override the corresponding configuration keys. Results
are only written to the store when --store is given.`,
		Example: `  reachscan scan --start 192.168.1.1 --end 192.168.1.254 --port 22
  reachscan scan --store --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts, scanOpts)
		},
	}

	flags := cmd.Flags()
	flags.String("start", "", "first address of the range")
	flags.String("end", "", "last address of the range")
	flags.Int("port", 0, "TCP port to probe")
	flags.Int("workers", 0, "concurrent probes")
	flags.Duration("timeout", 0, "connect timeout per probe")
	flags.Int("rate", 0, "probes started per second (0 = unlimited)")
	flags.BoolVar(&scanOpts.store, "store", false, "persist results to the configured store")
	flags.StringVarP(&scanOpts.output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

func runScan(cmd *cobra.Command, opts *globalOptions, scanOpts *scanOptions) error {
	if scanOpts.output != outputTable && scanOpts.output != outputJSON {
		return fmt.Errorf("invalid output format %q (table, json)", scanOpts.output)
	}

	loadOpts := []config.Option{
		config.WithDotEnv(opts.dotEnvFile),
		config.WithFlags(cmd.Flags(), scanFlagBindings),
	}
	if !scanOpts.store {
		loadOpts = append(loadOpts, config.WithOptionalSections("storage"))
	}
	cfg, err := config.Load(opts.configFile, loadOpts...)
	if err != nil {
		return err
	}
	opts.applyOverrides(cfg)
	initLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	results, summary, scanErr := engine.Scanner.Run(ctx)
	sortResults(results)

	out := cmd.OutOrStdout()
	if scanOpts.output == outputJSON {
		if err := writeScanJSON(out, summary, results); err != nil {
			return err
		}
	} else {
		if err := writeScanTable(out, results); err != nil {
			return err
		}
		fmt.Fprintln(out, summary.String())
	}
	if scanErr != nil {
		return scanErr
	}

	if scanOpts.store && len(results) > 0 {
		return storeResults(cmd.Context(), cfg, out, results)
	}
	return nil
}

func storeResults(ctx context.Context, cfg *config.Config, out io.Writer, results []scanning.Result) error {
	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	report, err := store.SaveResults(ctx, results)
	fmt.Fprintf(out, "Stored %d of %d results\n", report.Succeeded, report.Total)
	return err
}

// sortResults orders results by numeric address.
func sortResults(results []scanning.Result) {
	key := func(ip string) uint32 {
		a, err := ipv4.Parse(ip)
		if err != nil {
			return 0
		}
		return a.Uint32()
	}
	sort.Slice(results, func(i, j int) bool {
		return key(results[i].IP) < key(results[j].IP)
	})
}

func writeScanTable(out io.Writer, results []scanning.Result) error {
	table := tablewriter.NewWriter(out)
	table.Header("IP", "Port", "Country")
	for _, r := range results {
		country := r.CountryOrEmpty()
		if country == "" {
			country = "-"
		}
		if err := table.Append([]string{r.IP, fmt.Sprint(r.Port), country}); err != nil {
			return err
		}
	}
	return table.Render()
}

func writeScanJSON(out io.Writer, summary scanning.Summary, results []scanning.Result) error {
	if results == nil {
		results = []scanning.Result{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary scanning.Summary  `json:"summary"`
		Results []scanning.Result `json:"results"`
	}{summary, results})
}
