package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/datasync/internal/config"
	"github.com/obsidianstack/datasync/pkg/types"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxBodyBytes          = 10 << 20
)

// Fetcher performs one fetch for a data type.
type Fetcher interface {
	Fetch(ctx context.Context, dataType string, filters types.Filters) (any, error)
}

// New returns the Fetcher for the given source configuration.
// It builds the HTTP client once and reuses it across calls.
func New(src config.Source) (Fetcher, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: build http client: %w", src.WidgetID(), err)
	}
	switch src.Kind {
	case "json":
		return &jsonFetcher{endpoint: src.Endpoint, client: client}, nil
	case "prometheus":
		return &promFetcher{endpoint: src.Endpoint, client: client}, nil
	default:
		return nil, fmt.Errorf("fetch: unsupported kind %q", src.Kind)
	}
}

// Mux routes fetches to the Fetcher registered for their data type.
type Mux struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{fetchers: make(map[string]Fetcher)}
}

// Handle registers f for dataType. A data type can be registered once.
func (m *Mux) Handle(dataType string, f Fetcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fetchers[dataType]; ok {
		return fmt.Errorf("fetch: data type %q already registered", dataType)
	}
	m.fetchers[dataType] = f
	return nil
}

// DataTypes returns the registered data types in sorted order.
func (m *Mux) DataTypes() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.fetchers))
	for dt := range m.fetchers {
		out = append(out, dt)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, dataType string, filters types.Filters) (any, error) {
	m.mu.RLock()
	f, ok := m.fetchers[dataType]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fetch: no source for data type %q", dataType)
	}
	return f.Fetch(ctx, dataType, filters)
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.EffectiveHeader(), t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS settings.
func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if src.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if src.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(src.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: src.Auth,
		},
		Timeout: defaultRequestTimeout,
	}, nil
}

// filterValue renders a filter value as a query parameter or label value.
// Scalars use their natural form; anything else is JSON-encoded.
func filterValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case bool, int, int64, float64, json.Number:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
