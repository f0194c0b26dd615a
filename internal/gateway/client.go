package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/ratelimit"
)

const (
	// DefaultBaseURL is the production Oceans API endpoint.
	DefaultBaseURL = "https://data.oceannetworks.ca/"

	deviceCategory = "HYDROPHONE"
	apiTime        = "2006-01-02T15:04:05.000Z"
	maxErrorBody   = 64 << 10
)

// Config configures the HTTP adapter.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds every non-streaming request.
	Timeout  time.Duration
	CacheTTL time.Duration
	// CalibrationType selects the sensitivity attribute family, e.g. "" or "HighGain".
	CalibrationType string
	Limiter         ratelimit.Limiter
	HTTPClient      *http.Client
	Logger          *slog.Logger
	// OnRequest observes every completed remote call with its classified outcome.
	OnRequest func(op string, kind errkind.Kind, elapsed time.Duration)
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		Timeout:  60 * time.Second,
		CacheTTL: 30 * time.Minute,
	}
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	base      *url.URL
	token     string
	timeout   time.Duration
	calType   string
	http      *http.Client
	limiter   ratelimit.Limiter
	catalog   *cache.Cache
	// unstarted holds dpRequestIds whose run call failed, keyed by descriptor.
	unstarted *cache.Cache
	logger    *slog.Logger
	onRequest func(string, errkind.Kind, time.Duration)
	now       func() time.Time
}

var _ Gateway = (*Client)(nil)

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errkind.Errorf(errkind.Auth, "gateway", "API token is required")
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	c := &Client{
		base:      base,
		token:     cfg.Token,
		timeout:   cfg.Timeout,
		calType:   cfg.CalibrationType,
		http:      cfg.HTTPClient,
		limiter:   cfg.Limiter,
		catalog:   cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		unstarted: cache.New(unstartedTTL, unstartedTTL*2),
		logger:    cfg.Logger,
		onRequest: cfg.OnRequest,
		now:       time.Now,
	}
	if c.http == nil {
		// No client-level timeout: downloads stream for longer than any single API call.
		c.http = &http.Client{}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Unlimited{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) *url.URL {
	u := c.base.JoinPath(path)
	if q == nil {
		q = url.Values{}
	}
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u
}

// do issues a GET against u and returns the response when its status is 200.
// The caller closes the body.
func (c *Client) do(ctx context.Context, op string, u *url.URL) (resp *http.Response, err error) {
	start := c.now()
	defer func() {
		if c.onRequest != nil {
			c.onRequest(op, errkind.KindOf(err), c.now().Sub(start))
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errkind.New(errkind.Validation, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "hydrodl")

	resp, err = c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(op, redactToken(err, c.token))
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, classifyStatus(op, resp, body, c.now())
}

// getJSON decodes a JSON response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.DebugContext(ctx, "gateway request", slog.String("op", op), slog.String("path", path))
	resp, err := c.do(ctx, op, c.endpoint(path, q))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return classifyTransport(op, ctxErr)
		}
		return errkind.New(errkind.TransientNetwork, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Open streams a download URL previously returned in a manifest.
func (c *Client) Open(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	u, err := url.Parse(downloadURL)
	if err != nil {
		return nil, errkind.New(errkind.Validation, "open", err)
	}
	if !u.IsAbs() {
		u = c.base.ResolveReference(u)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, "open", u)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// redactToken keeps the API token out of transport error messages, which embed the URL.
func redactToken(err error, token string) error {
	var ue *url.Error
	if token == "" || !errors.As(err, &ue) {
		return err
	}
	return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, token, "REDACTED"), Err: ue.Err}
}
