package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/reachscan/internal/errors"
)

const (
	// DefaultTimeout bounds a single provider request.
	DefaultTimeout = 5 * time.Second

	// ProviderIPAPI is ipapi.co, which reports "country_code".
	ProviderIPAPI = "ipapi"
	// ProviderIPAPICom is ip-api.com, which reports "countryCode".
	ProviderIPAPICom = "ip-api"

	maxResponseBytes = 64 << 10
)

// DefaultProviders is the lookup order used when none is configured.
var DefaultProviders = []string{ProviderIPAPI, ProviderIPAPICom}

// Provider looks up the country code of an address.
type Provider interface {
	Name() string
	Country(ctx context.Context, ip string) (string, error)
}

// HTTPProvider queries a JSON geolocation endpoint. Each service names the
// country field differently, so the endpoint layout and field are per
// provider.
type HTTPProvider struct {
	name    string
	baseURL string
	path    func(ip string) string
	field   string
	client  *http.Client
}

// NewIPAPIProvider returns the ipapi.co adapter. An empty baseURL uses the
// public endpoint.
func NewIPAPIProvider(client *http.Client, baseURL string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://ipapi.co"
	}
	return &HTTPProvider{
		name:    ProviderIPAPI,
		baseURL: baseURL,
		path:    func(ip string) string { return "/" + ip + "/json/" },
		field:   "country_code",
		client:  client,
	}
}

// NewIPAPIComProvider returns the ip-api.com adapter. An empty baseURL uses
// the public endpoint.
func NewIPAPIComProvider(client *http.Client, baseURL string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://ip-api.com"
	}
	return &HTTPProvider{
		name:    ProviderIPAPICom,
		baseURL: baseURL,
		path:    func(ip string) string { return "/json/" + ip },
		field:   "countryCode",
		client:  client,
	}
}

// NewProviders builds adapters for the named providers, in order.
func NewProviders(names []string, timeout time.Duration) ([]Provider, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ProviderIPAPI:
			providers = append(providers, NewIPAPIProvider(client, ""))
		case ProviderIPAPICom:
			providers = append(providers, NewIPAPIComProvider(client, ""))
		default:
			return nil, errors.ErrConfigInvalid("geo.providers", name)
		}
	}
	return providers, nil
}

// Name implements Provider.
func (p *HTTPProvider) Name() string {
	return p.name
}

// Country implements Provider. A non-200 status, an undecodable body, or a
// missing or empty country field are all errors.
func (p *HTTPProvider) Country(ctx context.Context, ip string) (string, error) {
	url := strings.TrimRight(p.baseURL, "/") + p.path(ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.WrapGeolocationError(p.name, ip, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.WrapGeolocationError(p.name, ip, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.WrapGeolocationError(p.name, ip,
			fmt.Errorf("unexpected status: %s", resp.Status))
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return "", errors.WrapGeolocationError(p.name, ip, fmt.Errorf("decode response: %w", err))
	}

	country, ok := body[p.field].(string)
	if !ok || strings.TrimSpace(country) == "" {
		return "", errors.WrapGeolocationError(p.name, ip,
			fmt.Errorf("response has no %q field", p.field))
	}
	return strings.TrimSpace(country), nil
}
