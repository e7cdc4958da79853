package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	defaultCatalogTimeout   = 3 * time.Second
	defaultCatalogRPS       = 20
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
	maxCatalogBodyBytes     = 1 << 20
)

var errCatalogNotFound = errors.New("catalog: not found")

// CatalogConfig configures CatalogClient.
type CatalogConfig struct {
	// BaseURL is the catalog API root, e.g. https://api.themoviedb.org/3.
	BaseURL string
	APIKey  string

	// ImageBaseURL is prefixed to poster paths. Empty keeps the raw path.
	ImageBaseURL string

	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures is the number of consecutive failures that opens the breaker.
	BreakerFailures uint32
	BreakerDelay    time.Duration
}

// CatalogClient fetches movie details from a TMDB-compatible REST API.
//
// Requests are paced by a token bucket and guarded by a circuit breaker, so a
// slow or failing catalog costs callers at most Timeout per lookup and nothing
// at all while the breaker is open.
type CatalogClient struct {
	log     *slog.Logger
	http    *http.Client
	base    *url.URL
	apiKey  string
	imgBase string
	timeout time.Duration

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[Metadata]
}

// NewCatalogClient constructs a CatalogClient. httpClient may be nil.
func NewCatalogClient(log *slog.Logger, httpClient *http.Client, cfg CatalogConfig) (*CatalogClient, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("metadata: invalid catalog base url %q", cfg.BaseURL)
	}
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCatalogTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultCatalogRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	delay := cfg.BreakerDelay
	if delay <= 0 {
		delay = defaultBreakerOpenDelay
	}

	c := &CatalogClient{
		log:     log,
		http:    httpClient,
		base:    base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		imgBase: strings.TrimRight(strings.TrimSpace(cfg.ImageBaseURL), "/"),
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}

	c.breaker = gobreaker.NewCircuitBreaker[Metadata](gobreaker.Settings{
		Name:        "metadata.catalog",
		MaxRequests: 1,
		Timeout:     delay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCatalogNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("metadata.breaker.state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// BreakerState returns the breaker state name for readiness/diagnostics.
func (c *CatalogClient) BreakerState() string {
	return c.breaker.State().String()
}

// FetchMetadata implements Lookup.
func (c *CatalogClient) FetchMetadata(ctx context.Context, externalRef string) (Metadata, bool, error) {
	ref, err := normalizeRef(externalRef)
	if err != nil {
		return Metadata{}, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Metadata{}, false, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
	}

	md, err := c.breaker.Execute(func() (Metadata, error) {
		return c.fetch(ctx, ref)
	})
	switch {
	case err == nil:
		return md, true, nil
	case errors.Is(err, errCatalogNotFound):
		return Metadata{}, false, nil
	default:
		return Metadata{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

type catalogMovie struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	PosterPath  string `json:"poster_path"`
	Overview    string `json:"overview"`
	ReleaseDate string `json:"release_date"`
	Runtime     int    `json:"runtime"`
}

func (c *CatalogClient) fetch(ctx context.Context, ref string) (Metadata, error) {
	u := *c.base
	u.Path = u.Path + "/movie/" + url.PathEscape(ref)
	if c.apiKey != "" {
		q := u.Query()
		q.Set("api_key", c.apiKey)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCatalogBodyBytes))
		return Metadata{}, errCatalogNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCatalogBodyBytes))
		return Metadata{}, fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	var m catalogMovie
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBodyBytes)).Decode(&m); err != nil {
		return Metadata{}, fmt.Errorf("catalog: decode: %w", err)
	}

	out := Metadata{
		ExternalRef:    ref,
		Title:          strings.TrimSpace(m.Title),
		Overview:       strings.TrimSpace(m.Overview),
		ReleaseDate:    strings.TrimSpace(m.ReleaseDate),
		RuntimeMinutes: m.Runtime,
	}
	if p := strings.TrimSpace(m.PosterPath); p != "" {
		out.PosterURL = c.imgBase + p
	}
	return out, nil
}
