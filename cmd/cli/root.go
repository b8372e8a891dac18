// Package cli provides the reachscan command-line interface: the scanning
// daemon, one-off scans, geolocation lookups and configuration inspection.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/reachscan/internal/api/handlers"
	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/logging"
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	dotEnvFile string
	verbose    bool
	logLevel   string
}

// NewRootCommand builds the reachscan command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "reachscan",
		Short: "Continuous IPv4 reachability scanner",
		Long: `reachscan sweeps an IPv4 address range for hosts accepting TCP
connections on a single port, tags each reachable address with its country,
and stores the results in MongoDB or PostgreSQL.

Configuration comes from environment variables (MONGODB_URI, START_IP,
END_IP, SCAN_PORT, ... or REACHSCAN_*), an optional .env file and an
optional YAML file.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (YAML)")
	flags.StringVar(&opts.dotEnvFile, "env-file", ".env", "dotenv file, empty to disable")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newScanCommand(opts),
		newGeoCommand(opts),
		newConfigCommand(opts),
	)
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	handlers.SetBuildInfo(v, c, bt)
}

// loadConfig loads configuration and applies the flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile, config.WithDotEnv(o.dotEnvFile))
	if err != nil {
		return nil, err
	}
	o.applyOverrides(cfg)
	return cfg, nil
}

func (o *globalOptions) applyOverrides(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.verbose && o.logLevel == "" {
		cfg.Logging.Level = string(logging.LevelDebug)
	}
}

// initLogging installs the configured logger as the default.
func initLogging(cfg *config.Config) {
	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}
