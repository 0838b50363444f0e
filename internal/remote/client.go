// Package remote talks to the HTTP JSON API that publishes the catalog and
// per-entity detail documents.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// NamePlaceholder is substituted with the escaped identifier in DetailURL.
const NamePlaceholder = "{name}"

const maxBodyBytes = 32 << 20

// Config describes the remote endpoints.
type Config struct {
	CatalogURL     string
	DetailURL      string
	UserAgent      string
	MaxPages       int
	RateLimitRPS   float64
	RateLimitBurst int
}

// Client fetches catalog listings and detail payloads over one shared
// connection pool.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	maxBody int64
}

// NewHTTPClient returns a pooled client suitable for sharing across every
// fetch in the process.
func NewHTTPClient(timeout time.Duration, maxIdleConns int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if maxIdleConns > 0 {
		transport.MaxIdleConns = maxIdleConns
		transport.MaxIdleConnsPerHost = maxIdleConns
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// New validates cfg and builds a Client. A nil httpClient gets a default
// pooled client with a 30s timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.CatalogURL == "" {
		return nil, fmt.Errorf("catalog url is required")
	}
	if !strings.Contains(cfg.DetailURL, NamePlaceholder) {
		return nil, fmt.Errorf("detail url must contain %s", NamePlaceholder)
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(30*time.Second, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}),
		logger:  logger.Named("remote"),
		maxBody: maxBodyBytes,
	}, nil
}

type catalogPage struct {
	Next    *string `json:"next"`
	Results []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"results"`
}

// FetchCatalog returns the identifiers of the remote catalog in document
// order, following "next" links up to MaxPages pages.
func (c *Client) FetchCatalog(ctx context.Context) ([]string, error) {
	var names []string
	target := c.cfg.CatalogURL
	for page := 0; page < c.cfg.MaxPages && target != ""; page++ {
		body, err := c.get(ctx, "catalog", target)
		if err != nil {
			return nil, err
		}
		var doc catalogPage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, &catalog.FetchError{Target: target, Err: fmt.Errorf("decode catalog: %w", err)}
		}
		for _, r := range doc.Results {
			if err := catalog.ValidateName(r.Name); err != nil {
				return nil, &catalog.FetchError{Target: target, Err: err}
			}
			names = append(names, r.Name)
		}
		target = ""
		if doc.Next != nil {
			target = *doc.Next
		}
	}
	c.logger.Debug("catalog fetched", zap.Int("count", len(names)))
	return names, nil
}

// FetchDetail returns the raw detail document for name.
func (c *Client) FetchDetail(ctx context.Context, name string) ([]byte, error) {
	if err := catalog.ValidateName(name); err != nil {
		return nil, &catalog.FetchError{Target: name, Err: err}
	}
	target := strings.ReplaceAll(c.cfg.DetailURL, NamePlaceholder, url.PathEscape(name))
	return c.get(ctx, "detail", target)
}

func (c *Client) get(ctx context.Context, kind, target string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, target); err != nil {
		return nil, &catalog.FetchError{Target: target, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &catalog.FetchError{Target: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.ObserveRemoteRequest(kind, 0)
		return nil, &catalog.FetchError{Target: target, Err: err}
	}
	defer resp.Body.Close()
	telemetry.ObserveRemoteRequest(kind, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &catalog.FetchError{
			Target:     target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %s", resp.Status),
		}
	}
	// One byte past the cap tells an oversized body apart from one that
	// fits exactly.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &catalog.FetchError{Target: target, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &catalog.FetchError{
			Target: target,
			Err:    fmt.Errorf("response body exceeds %d bytes", c.maxBody),
		}
	}
	return body, nil
}
