package cli

import (
	"context"

	"github.com/anstrom/reachscan/internal/config"
	"github.com/anstrom/reachscan/internal/daemon"
	"github.com/anstrom/reachscan/internal/geo"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/probe"
	"github.com/anstrom/reachscan/internal/scanning"
	"github.com/anstrom/reachscan/internal/storage"
	"github.com/anstrom/reachscan/internal/storage/mongostore"
	"github.com/anstrom/reachscan/internal/storage/pgstore"
)

// Constructors the commands build on. Tests replace them.
var (
	newProviders = geo.NewProviders
	newProber    = func(cfg *config.Config) probe.Prober {
		return probe.NewTCPProber(cfg.Scan.ProbeTimeout)
	}
)

// connectStore opens the configured result store. The driver comes from
// storage.driver, or is inferred from the URI scheme when that is empty.
func connectStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	driver := cfg.Storage.Driver
	if driver == "" {
		d, err := storage.DriverForURI(cfg.Storage.URI)
		if err != nil {
			return nil, err
		}
		driver = d
	}

	switch driver {
	case storage.DriverPostgres:
		return pgstore.Connect(ctx, pgstore.Config{URI: cfg.Storage.URI})
	default:
		return mongostore.Connect(ctx, mongostore.Config{
			URI:            cfg.Storage.URI,
			Database:       cfg.Storage.Database,
			Collection:     cfg.Storage.Collection,
			ConnectTimeout: cfg.Storage.ConnectTimeout,
		})
	}
}

// newResolver builds the geolocation resolver: an in-memory cache, backed
// by LevelDB when geo.cache_path is set.
func newResolver(cfg *config.Config) (*geo.Resolver, error) {
	providers, err := newProviders(cfg.Geo.Providers, cfg.Geo.Timeout)
	if err != nil {
		return nil, err
	}

	var cache geo.Cache = geo.NewMemoryCache(cfg.Geo.CacheTTL, uint64(cfg.Geo.CacheCapacity))
	if cfg.Geo.CachePath != "" {
		disk, err := geo.OpenLevelDBCache(cfg.Geo.CachePath)
		if err != nil {
			_ = cache.Close()
			return nil, err
		}
		cache = geo.NewTieredCache(cache, disk)
	}

	return geo.NewResolver(cache, providers,
		geo.WithTTL(cfg.Geo.CacheTTL),
		geo.WithLogger(logging.Default().WithComponent("geo"))), nil
}

// buildEngine wires prober, resolver and scanner for cfg.
func buildEngine(cfg *config.Config, opts ...scanning.Option) (*daemon.Engine, error) {
	sc, err := cfg.ScanningConfig()
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := scanning.NewScanner(sc, newProber(cfg), resolver, opts...)
	if err != nil {
		_ = resolver.Close()
		return nil, err
	}

	return &daemon.Engine{
		Scanner:   scanner,
		CacheSize: resolver.CacheSize,
		Close:     resolver.Close,
	}, nil
}
