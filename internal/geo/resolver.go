// Package geo resolves IPv4 addresses to ISO country codes using a cache in
// front of an ordered list of HTTP geolocation providers. Resolution is best
// effort: provider failures are logged and absorbed, never returned.
package geo

import (
	"context"
	"time"

	"github.com/anstrom/reachscan/internal/errors"
	"github.com/anstrom/reachscan/internal/ipv4"
	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
)

// Resolver maps addresses to country codes. It is safe for concurrent use.
type Resolver struct {
	cache     Cache
	providers []Provider
	ttl       time.Duration
	now       func() time.Time
	logger    *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets how long cached entries remain valid.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces the time source used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger used for provider failures.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver that consults providers in the given order.
func NewResolver(cache Cache, providers []Provider, opts ...Option) *Resolver {
	r := &Resolver{
		cache:     cache,
		providers: providers,
		ttl:       DefaultCacheTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	return r
}

// ResolveCountry returns the country code for addr, or false when no
// provider could answer. A fresh cache entry is returned without any
// network call. Only successful lookups are cached.
func (r *Resolver) ResolveCountry(ctx context.Context, addr ipv4.Address) (string, bool) {
	ip := addr.String()
	recorder := metrics.GetGlobalMetrics()

	if entry, ok := r.cache.Get(ip); ok && entry.Fresh(r.now(), r.ttl) {
		recorder.IncrementGeoCache("hit")
		return entry.Country, true
	}
	recorder.IncrementGeoCache("miss")

	for _, provider := range r.providers {
		country, err := provider.Country(ctx, ip)
		if err != nil {
			recorder.IncrementGeoLookups(provider.Name(), "error")
			r.logger.WarnGeo("Geolocation provider failed", provider.Name(), ip, err)
			continue
		}
		recorder.IncrementGeoLookups(provider.Name(), "success")
		r.cache.Set(ip, Entry{Country: country, CachedAt: r.now()})
		return country, true
	}

	r.logger.Debug("No geolocation provider could resolve address", "ip", ip)
	return "", false
}

// Lookup is ResolveCountry for callers that want exhaustion as an error.
func (r *Resolver) Lookup(ctx context.Context, addr ipv4.Address) (string, error) {
	country, ok := r.ResolveCountry(ctx, addr)
	if !ok {
		return "", errors.ErrProvidersExhausted(addr.String())
	}
	return country, nil
}

// CacheSize returns the number of cached entries.
func (r *Resolver) CacheSize() int {
	return r.cache.Len()
}

// Close releases the cache.
func (r *Resolver) Close() error {
	return r.cache.Close()
}
