package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/papersync/papersync/pkg/engine"
	"github.com/papersync/papersync/pkg/telemetry"
)

const (
	// acceptHeader pins the REST API version the payloads are written for.
	acceptHeader = "application/json; version=5"

	maxResponseBytes = 4 << 20

	// maxPages bounds a single list walk.
	maxPages = 10000
)

// Options configures a Client.
type Options struct {
	// BaseURL is the root of the Paperless-ngx instance, e.g. "https://paperless.local".
	BaseURL string

	// Token is the API token sent as "Authorization: Token <token>".
	Token string

	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration

	// PageSize is the page_size query parameter of list calls. Zero means 100.
	PageSize int

	// RequestsPerSecond throttles all requests. Zero or less disables throttling.
	RequestsPerSecond float64

	// Burst is the limiter burst. Zero means 1.
	Burst int

	// MaxRetries is how many times a failed list page is retried. Negative
	// disables retries; zero means 3.
	MaxRetries int

	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff between
	// list retries. Zero means 250ms and 5s.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is a small REST client for the Paperless-ngx API. It is safe for
// concurrent use.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewClient validates opts and returns a client.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, engine.NewPermanentError("paperless base URL is required", nil).WithCode(engine.ErrCodeValidation)
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("paperless base URL %q is invalid", raw), err).
			WithCode(engine.ErrCodeValidation)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, engine.NewPermanentError(fmt.Sprintf("paperless base URL scheme %q is not supported", base.Scheme), nil).
			WithCode(engine.ErrCodeValidation)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""
	base.Fragment = ""

	if strings.TrimSpace(opts.Token) == "" {
		return nil, engine.NewPermanentError("paperless API token is required", nil).WithCode(engine.ErrCodeValidation)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:    base,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		maxDelay:   opts.RetryMaxDelay,
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = 3
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 250 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 5 * time.Second
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}

	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// endpointURL resolves an API endpoint such as "tags/" against the base URL.
func (c *Client) endpointURL(endpoint string, query url.Values) *url.URL {
	target := *c.baseURL
	target.Path = path.Join("/", c.baseURL.Path, "api", endpoint) + "/"
	target.RawQuery = query.Encode()
	return &target
}

// resolveNext maps a pagination link onto the configured base URL. The API
// reports absolute links built from its own idea of the host, which is wrong
// behind a reverse proxy, so only path and query are kept.
func (c *Client) resolveNext(next string) (*url.URL, error) {
	parsed, err := url.Parse(next)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid pagination link %q", next), err).
			WithCode(engine.ErrCodeValidation)
	}
	target := *c.baseURL
	target.Path = parsed.Path
	target.RawQuery = parsed.RawQuery
	if parsed.Host == "" && !strings.HasPrefix(parsed.Path, "/") {
		target.Path = path.Join("/", c.baseURL.Path, parsed.Path)
	}
	return &target, nil
}

// page is the envelope of every list endpoint.
type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// listAll walks every page of endpoint and returns the raw results in
// server order.
func (c *Client) listAll(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	query := url.Values{}
	query.Set("page_size", strconv.Itoa(c.pageSize))
	query.Set("ordering", "id")
	target := c.endpointURL(endpoint, query)

	var results []json.RawMessage
	visited := make(map[string]struct{})
	for pages := 0; target != nil; pages++ {
		if pages >= maxPages {
			return nil, engine.NewPermanentError(fmt.Sprintf("list %s exceeded %d pages", endpoint, maxPages), nil).
				WithCode(engine.ErrCodeInternal)
		}
		key := target.String()
		if _, seen := visited[key]; seen {
			return nil, engine.NewPermanentError(fmt.Sprintf("list %s: pagination loops on %s", endpoint, key), nil).
				WithCode(engine.ErrCodeInternal)
		}
		visited[key] = struct{}{}

		body, err := c.getWithRetry(ctx, target)
		if err != nil {
			return nil, err
		}

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("list %s: malformed page", endpoint), err).
				WithCode(engine.ErrCodeInternal)
		}
		results = append(results, p.Results...)

		target = nil
		if p.Next != nil && strings.TrimSpace(*p.Next) != "" {
			if target, err = c.resolveNext(*p.Next); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// getWithRetry issues a GET, retrying transient and throttled failures with
// capped exponential backoff. Only reads are retried.
func (c *Client) getWithRetry(ctx context.Context, target *url.URL) ([]byte, error) {
	logger := telemetry.FromContext(ctx).WithGateway("paperless")

	for attempt := 0; ; attempt++ {
		body, err := c.do(ctx, http.MethodGet, target, nil)
		if err == nil {
			return body, nil
		}
		if attempt >= c.maxRetries || !(engine.IsTransient(err) || engine.IsThrottled(err)) || ctx.Err() != nil {
			return nil, err
		}

		delay := c.backoff(attempt, err)
		logger.WithError(err).
			WithField("attempt", attempt+1).
			WithField("delay", delay.String()).
			Warnf("retrying GET %s", target.Path)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, engine.NewTransientError("request canceled during retry backoff", ctx.Err()).
				WithCode(engine.ErrCodeCanceled)
		case <-timer.C:
		}
	}
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if d, ok := ee.Details["retry_after"].(time.Duration); ok && d > 0 {
			if d > c.maxDelay {
				return c.maxDelay
			}
			return d
		}
	}
	delay := c.baseDelay << attempt
	if delay <= 0 || delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// post sends payload as JSON and returns the response body. Never retried.
func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.endpointURL(endpoint, nil), payload)
}

// delete removes endpoint/id. Never retried.
func (c *Client) delete(ctx context.Context, endpoint string, id int64) error {
	target := c.endpointURL(path.Join(endpoint, strconv.FormatInt(id, 10)), nil)
	_, err := c.do(ctx, http.MethodDelete, target, nil)
	return err
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode request body", err).WithCode(engine.ErrCodeInternal)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, engine.NewTransientError("rate limiter wait aborted", err).WithCode(engine.ErrCodeCanceled)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create request", err).WithCode(engine.ErrCodeInternal)
	}
	request.Header.Set("Accept", acceptHeader)
	request.Header.Set("Authorization", "Token "+c.token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	telemetry.FromContext(ctx).WithGateway("paperless").Tracef("%s %s", method, target.Path)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transportError(method, target.Path, err).WithCode(engine.ErrCodeCanceled)
		}
		return nil, transportError(method, target.Path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(method, target.Path, fmt.Errorf("read response body: %w", err))
	}

	if response.StatusCode >= http.StatusBadRequest {
		classified := classifyStatus(method, target.Path, response.StatusCode, body)
		if wait := retryAfter(response.Header); wait > 0 {
			classified = classified.WithDetail("retry_after", wait)
		}
		return nil, classified
	}
	return body, nil
}
