// Package opnsense talks to the OPNsense REST API. Unbound host overrides and
// source NAT (port-forward) rules share the same search/add request shape, so
// a single client serves both.
package opnsense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shinebayar-g/opnsense-docker-automated/desired"
)

const (
	defaultPageSize = 100
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 512
)

type Options struct {
	Host      string
	APIKey    string
	APISecret string

	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool

	Timeout  time.Duration
	PageSize int
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	pageSize   int
	logger     zerolog.Logger
}

func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	tlsConfig, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:             opts.CAFile,
		CertFile:           opts.CertFile,
		KeyFile:            opts.KeyFile,
		InsecureSkipVerify: opts.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't build TLS config: %w", err)
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.TLSClientConfig = tlsConfig

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return newClient(&http.Client{Transport: transport, Timeout: timeout}, baseURL(opts.Host), opts, logger), nil
}

func newClient(httpClient *http.Client, base string, opts Options, logger zerolog.Logger) *Client {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(base, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		pageSize:   pageSize,
		logger:     logger.With().Str("component", "opnsense").Logger(),
	}
}

func baseURL(host string) string {
	if strings.HasPrefix(host, "https://") || strings.HasPrefix(host, "http://") {
		return host
	}
	return "https://" + host
}

// SearchHostOverrides returns the FQDN of every Unbound host override.
func (c *Client) SearchHostOverrides(ctx context.Context) ([]string, error) {
	rows, err := search[hostOverrideRow](ctx, c, searchHostOverridePath)
	if err != nil {
		return nil, err
	}
	hostnames := make([]string, 0, len(rows))
	for _, row := range rows {
		hostnames = append(hostnames, row.FQDN())
	}
	return hostnames, nil
}

// SearchPortForwardDescriptions returns the descriptions of all source NAT rules that have one.
func (c *Client) SearchPortForwardDescriptions(ctx context.Context) ([]string, error) {
	rows, err := search[sourceNatRow](ctx, c, searchSourceNatPath)
	if err != nil {
		return nil, err
	}
	descriptions := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Description != "" {
			descriptions = append(descriptions, row.Description)
		}
	}
	return descriptions, nil
}

type Seeder interface {
	Seed(hostnames, descriptions []string)
}

// SeedTracker runs both searches concurrently and seeds t only if both succeed.
func (c *Client) SeedTracker(ctx context.Context, t Seeder) error {
	var hostnames, descriptions []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hostnames, err = c.SearchHostOverrides(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		descriptions, err = c.SearchPortForwardDescriptions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	t.Seed(hostnames, descriptions)
	c.logger.Info().
		Int("hostnames", len(hostnames)).
		Int("rules", len(descriptions)).
		Msg("Loaded existing host overrides and port forward rules.")
	return nil
}

func (c *Client) CreateHostOverride(ctx context.Context, host desired.DesiredHostOverride) error {
	return c.add(ctx, addHostOverridePath, NewHostOverrideRequest(host))
}

func (c *Client) CreatePortForwardRule(ctx context.Context, rule desired.PortForwardRuleSpec) error {
	req, ignored := NewPortForwardRuleRequest(rule)
	if len(ignored) > 0 {
		sort.Strings(ignored)
		c.logger.Debug().
			Str("description", rule.Description()).
			Strs("properties", ignored).
			Msg("Ignoring unsupported port forward properties.")
	}
	return c.add(ctx, addSourceNatPath, req)
}

// ApplyHostOverrides reloads Unbound so new host overrides take effect.
func (c *Client) ApplyHostOverrides(ctx context.Context) error {
	return c.post(ctx, unboundReconfigurePath, struct{}{}, nil)
}

// ApplyPortForwardRules activates pending source NAT changes.
func (c *Client) ApplyPortForwardRules(ctx context.Context) error {
	return c.post(ctx, applySourceNatPath, struct{}{}, nil)
}

func search[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var rows []T
	for page := 1; ; page++ {
		var resp searchResponse[T]
		req := searchRequest{Current: page, RowCount: c.pageSize, Sort: map[string]string{}}
		if err := c.post(ctx, path, req, &resp); err != nil {
			return nil, err
		}
		rows = append(rows, resp.Rows...)
		if len(resp.Rows) == 0 || len(rows) >= resp.Total {
			return rows, nil
		}
	}
}

func (c *Client) add(ctx context.Context, path string, payload any) error {
	var resp addResponse
	if err := c.post(ctx, path, payload, &resp); err != nil {
		return err
	}
	if resp.Result != "saved" {
		return fmt.Errorf("%s: %w: result=%q %s", path, ErrNotSaved, resp.Result, formatValidations(resp.Validations))
	}
	return nil
}

func formatValidations(v map[string]string) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+v[k])
	}
	return "(" + strings.Join(parts, "; ") + ")"
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: couldn't encode request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Endpoint: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: couldn't decode response: %w", path, err)
	}
	return nil
}
