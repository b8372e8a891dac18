// Package config provides configuration management for reachscan.
// It layers environment variables, an optional YAML file, a .env file and
// built-in defaults, then validates the result.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/geo"
	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/retry"
	"github.com/anstrom/reachscan/internal/scanning"
)

// EnvPrefix prefixes the environment form of every configuration key.
const EnvPrefix = "REACHSCAN"

const (
	defaultDatabase     = "network_scan_db"
	defaultCollection   = "accessible_ips"
	defaultPort         = 11434
	defaultIntervalMS   = 50
	defaultListenAddr   = "127.0.0.1:9090"
	defaultProbeTimeout = time.Second
)

// Config represents the application configuration.
type Config struct {
	// Where results are persisted
	Storage StorageConfig `yaml:"storage" json:"storage" mapstructure:"storage"`

	// What to scan and how fast
	Scan ScanConfig `yaml:"scan" json:"scan" mapstructure:"scan"`

	// Geolocation lookups and caching
	Geo GeoConfig `yaml:"geo" json:"geo" mapstructure:"geo"`

	// Retry budget shared by the process loop's retry domains
	Retry RetryConfig `yaml:"retry" json:"retry" mapstructure:"retry"`

	// Status API
	API APIConfig `yaml:"api" json:"api" mapstructure:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`
}

// StorageConfig holds result store settings.
type StorageConfig struct {
	// Connection URI (mongodb://, mongodb+srv://, postgres://)
	URI string `yaml:"uri" json:"-" mapstructure:"uri" validate:"required"`

	// Store driver; inferred from the URI scheme when empty
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver" validate:"omitempty,oneof=mongo postgres"`

	// MongoDB database name
	Database string `yaml:"database" json:"database" mapstructure:"database" validate:"required"`

	// MongoDB collection name
	Collection string `yaml:"collection" json:"collection" mapstructure:"collection" validate:"required"`

	// Connect and ping timeout
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout" validate:"min=0"`
}

// ScanConfig holds scanning settings.
type ScanConfig struct {
	// First address of the inclusive range
	StartIP string `yaml:"start_ip" json:"start_ip" mapstructure:"start_ip" validate:"required"`

	// Last address of the inclusive range
	EndIP string `yaml:"end_ip" json:"end_ip" mapstructure:"end_ip" validate:"required"`

	// TCP port probed on every address
	Port int `yaml:"port" json:"port" mapstructure:"port" validate:"min=1,max=65535"`

	// Pause between passes in milliseconds
	IntervalMS int `yaml:"interval_ms" json:"interval_ms" mapstructure:"interval_ms" validate:"min=0"`

	// Concurrent probes
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers" validate:"min=1"`

	// Connect timeout per probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" mapstructure:"probe_timeout" validate:"min=0"`

	// Per-worker pause after each probe, capped at 200ms
	ProbeDelay time.Duration `yaml:"probe_delay" json:"probe_delay" mapstructure:"probe_delay" validate:"min=0"`

	// Probes started per second across all workers, 0 for unlimited
	RateLimit int `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit" validate:"min=0"`

	// Optional cron expression; replaces the interval sleep when set
	Schedule string `yaml:"schedule" json:"schedule" mapstructure:"schedule"`
}

// GeoConfig holds geolocation settings.
type GeoConfig struct {
	// Per-request timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout" validate:"min=0"`

	// Age after which a cached country is looked up again
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" mapstructure:"cache_ttl" validate:"min=0"`

	// Maximum entries held in memory
	CacheCapacity int `yaml:"cache_capacity" json:"cache_capacity" mapstructure:"cache_capacity" validate:"min=0"`

	// Optional LevelDB directory for a persistent cache tier
	CachePath string `yaml:"cache_path" json:"cache_path" mapstructure:"cache_path"`

	// Providers in priority order
	Providers []string `yaml:"providers" json:"providers" mapstructure:"providers" validate:"required,min=1,dive,oneof=ipapi ip-api"`
}

// RetryConfig holds retry settings.
type RetryConfig struct {
	// Attempts per retry domain
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`

	// Cap on the backoff between attempts
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay" validate:"min=0"`
}

// APIConfig holds status API settings.
type APIConfig struct {
	// Enable the status API
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`

	// host:port to listen on
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" mapstructure:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" mapstructure:"output"`
}

// legacyEnv maps keys to the environment variable names the scanner has
// always read. They take precedence over the REACHSCAN_ forms.
var legacyEnv = map[string]string{
	"storage.uri":        "MONGODB_URI",
	"storage.database":   "MONGO_DB_NAME",
	"storage.collection": "MONGO_COLLECTION",
	"scan.port":          "SCAN_PORT",
	"scan.start_ip":      "START_IP",
	"scan.end_ip":        "END_IP",
	"scan.interval_ms":   "SCAN_INTERVAL_MS",
}

// defaults lists every key with its default value. Keys without a
// meaningful default are listed with their zero value so they can still be
// bound to the environment.
var defaults = map[string]interface{}{
	"storage.uri":             "",
	"storage.driver":          "",
	"storage.database":        defaultDatabase,
	"storage.collection":      defaultCollection,
	"storage.connect_timeout": 10 * time.Second,

	"scan.start_ip":      "",
	"scan.end_ip":        "",
	"scan.port":          defaultPort,
	"scan.interval_ms":   defaultIntervalMS,
	"scan.workers":       scanning.DefaultWorkers,
	"scan.probe_timeout": defaultProbeTimeout,
	"scan.probe_delay":   time.Duration(0),
	"scan.rate_limit":    0,
	"scan.schedule":      "",

	"geo.timeout":        geo.DefaultTimeout,
	"geo.cache_ttl":      geo.DefaultCacheTTL,
	"geo.cache_capacity": geo.DefaultCacheCapacity,
	"geo.cache_path":     "",
	"geo.providers":      geo.DefaultProviders,

	"retry.max_attempts": retry.DefaultMaxAttempts,
	"retry.max_delay":    retry.DefaultMaxDelay,

	"api.enabled":     false,
	"api.listen_addr": defaultListenAddr,

	"logging.level":  string(logging.LevelInfo),
	"logging.format": string(logging.FormatText),
	"logging.output": "stdout",
}

// Option adjusts how Load gathers configuration.
type Option func(*loader)

type loader struct {
	dotEnvFile      string
	flags           *pflag.FlagSet
	flagBindings    map[string]string
	optional        []string
}

// WithDotEnv reads dotenv values from file instead of ./.env. An empty
// name disables dotenv loading.
func WithDotEnv(file string) Option {
	return func(l *loader) {
		l.dotEnvFile = file
	}
}

// WithFlags binds command-line flags to configuration keys. bindings maps
// a key such as "scan.port" to a flag name. A flag that was set on the
// command line beats every other source.
func WithFlags(flags *pflag.FlagSet, bindings map[string]string) Option {
	return func(l *loader) {
		l.flags = flags
		l.flagBindings = bindings
	}
}

// WithOptionalSections accepts missing required keys in the named
// sections ("storage", "scan", ...), for commands that never use them.
// Values that are present are still validated.
func WithOptionalSections(sections ...string) Option {
	return func(l *loader) {
		l.optional = append(l.optional, sections...)
	}
}

// Default returns a configuration holding only built-in defaults. It does
// not pass validation on its own: the storage URI and the address range
// have no defaults.
func Default() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	cfg := &Config{}
	// Defaults are typed values, decoding them cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load builds the configuration. Precedence, highest first: environment
// variables, the YAML file at path (if path is not empty), the dotenv
// file, built-in defaults.
func Load(path string, opts ...Option) (*Config, error) {
	l := &loader{dotEnvFile: ".env"}
	for _, opt := range opts {
		opt(l)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := l.applyDotEnv(v); err != nil {
		return nil, err
	}

	for key := range defaults {
		if err := v.BindEnv(append([]string{key}, envNames(key)...)...); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to bind environment", err)
		}
	}

	for key, name := range l.flagBindings {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to bind flag", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to read config file", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to decode configuration", err)
	}

	if err := cfg.validate(l.optional...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDotEnv folds dotenv values into the defaults layer, so they only
// win over built-in defaults.
func (l *loader) applyDotEnv(v *viper.Viper) error {
	if l.dotEnvFile == "" {
		return nil
	}
	values, err := godotenv.Read(l.dotEnvFile)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.WrapConfigError(errors.CodeConfiguration, "Failed to read dotenv file", err)
	}

	for key := range defaults {
		for _, name := range envNames(key) {
			if value, ok := values[name]; ok {
				v.SetDefault(key, value)
				break
			}
		}
	}
	return nil
}

// envNames returns the environment variables bound to key, in precedence
// order.
func envNames(key string) []string {
	prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if legacy, ok := legacyEnv[key]; ok {
		return []string{legacy, prefixed}
	}
	return []string{prefixed}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their configuration key rather than the Go name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate(optional ...string) error {
	isOptional := func(field string) bool {
		for _, section := range optional {
			if strings.HasPrefix(field, section+".") {
				return true
			}
		}
		return false
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return errors.WrapConfigError(errors.CodeValidation, "Invalid configuration", err)
		}
		for _, fe := range verrs {
			cfgErr := fieldError(fe)
			if cfgErr.Code == errors.CodeConfiguration && isOptional(cfgErr.Field) {
				continue
			}
			return cfgErr
		}
	}

	// An optional, fully unset range is accepted as is.
	rangeUnset := c.Scan.StartIP == "" && c.Scan.EndIP == ""
	if !rangeUnset || !isOptional("scan.start_ip") {
		if _, err := ipv4.Parse(c.Scan.StartIP); err != nil {
			return &errors.ConfigError{
				Code: errors.CodeValidation, Message: "Start address must be IPv4",
				Field: "scan.start_ip", Value: c.Scan.StartIP, Cause: err,
			}
		}
		if _, err := ipv4.Parse(c.Scan.EndIP); err != nil {
			return &errors.ConfigError{
				Code: errors.CodeValidation, Message: "End address must be IPv4",
				Field: "scan.end_ip", Value: c.Scan.EndIP, Cause: err,
			}
		}
	}

	if c.Scan.Schedule != "" {
		if _, err := cron.ParseStandard(c.Scan.Schedule); err != nil {
			return &errors.ConfigError{
				Code: errors.CodeValidation, Message: "Invalid cron expression",
				Field: "scan.schedule", Value: c.Scan.Schedule, Cause: err,
			}
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) *errors.ConfigError {
	// Namespace is "Config.scan.start_ip"; drop the root type.
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return errors.ErrConfigMissing(field)
	default:
		return errors.ErrConfigInvalid(field, fe.Value())
	}
}

// ScanningConfig returns the scan pass configuration.
func (c *Config) ScanningConfig() (scanning.Config, error) {
	r, err := ipv4.NewRange(c.Scan.StartIP, c.Scan.EndIP)
	if err != nil {
		return scanning.Config{}, errors.WrapConfigError(errors.CodeValidation, "Invalid scan range", err)
	}
	sc := scanning.Config{
		Range:      r,
		Port:       uint16(c.Scan.Port),
		Workers:    c.Scan.Workers,
		ProbeDelay: c.Scan.ProbeDelay,
		RateLimit:  c.Scan.RateLimit,
	}
	if err := sc.Validate(); err != nil {
		return scanning.Config{}, err
	}
	return sc, nil
}

// RetryPolicy returns the policy shared by the retry domains.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// Interval returns the pause between scan passes.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scan.IntervalMS) * time.Millisecond
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  logging.LogLevel(c.Logging.Level),
		Format: logging.LogFormat(c.Logging.Format),
		Output: c.Logging.Output,
	}
}

// Redacted returns a copy safe to print: credentials in the storage URI are
// masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Storage.URI = redactURI(c.Storage.URI)
	out.Geo.Providers = append([]string(nil), c.Geo.Providers...)
	return &out
}

func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	at := strings.LastIndexByte(rest, '@')
	if at < 0 {
		return uri
	}
	return fmt.Sprintf("%s://****@%s", scheme, rest[at+1:])
}
