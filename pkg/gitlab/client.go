package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// Options configure the shared raw client.
type Options struct {
	Limiter        *ratelimit.Limiter
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffCap     time.Duration
	CallTimeout    time.Duration
	ArchiveTimeout time.Duration
	HTTPClient     *http.Client
}

// Client is the raw GitLab REST client every upstream byte flows through.
// It acquires a rate-limit token per attempt, retries transient failures
// with exponential backoff and captures pagination and rate-limit headers.
// The token for a call is supplied per Call and never stored or logged.
type Client struct {
	limiter        *ratelimit.Limiter
	http           *http.Client
	maxRetries     int
	backoffInitial time.Duration
	backoffCap     time.Duration
	callTimeout    time.Duration
	archiveTimeout time.Duration
	logger         zerolog.Logger
}

// NewClient creates the shared raw client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		limiter:        opts.Limiter,
		http:           hc,
		maxRetries:     opts.MaxRetries,
		backoffInitial: opts.BackoffInitial,
		backoffCap:     opts.BackoffCap,
		callTimeout:    opts.CallTimeout,
		archiveTimeout: opts.ArchiveTimeout,
		logger:         log.WithComponent("gitlab"),
	}
}

// Call describes one upstream request.
type Call struct {
	Method      string
	BaseURL     string // instance root, e.g. https://gitlab.example.com
	Path        string // under /api/v4, e.g. /projects/42
	Query       url.Values
	Body        []byte
	ContentType string
	Accept      string
	Token       string
	// Idempotent permits retrying POST/PATCH; safe when the operation is
	// keyed by a natural identifier upstream.
	Idempotent bool
	// Archive switches to the long export/download timeout.
	Archive bool
	// Timeout overrides the per-attempt deadline when positive.
	Timeout time.Duration
}

// Response is the outcome of a completed upstream exchange. Any HTTP status
// lands here; Do only errors when no usable response could be obtained.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Page       PageInfo
}

// PageInfo is GitLab's pagination header set, zero-valued when absent.
type PageInfo struct {
	Total      int
	TotalPages int
	PerPage    int
	Page       int
	NextPage   int
	PrevPage   int
}

// Do performs the call with rate limiting and retries. Responses with error
// statuses are returned as responses, not errors, so the proxy path can
// forward them verbatim; engine callers classify via Response.Err.
func (c *Client) Do(ctx context.Context, call *Call) (*Response, error) {
	target, host, err := buildURL(call)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}

	backoff := retry.NewExponential(c.backoffInitial)
	backoff = retry.WithCappedDuration(c.backoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(c.maxRetries), backoff)

	var resp *Response
	attempt := 0

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.UpstreamRetriesTotal.Inc()
		}

		r, aerr := c.attempt(ctx, call, target, host)
		if aerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retryable(call) {
				return aerr
			}
			return retry.RetryableError(aerr)
		}

		resp = r
		if (r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500) && retryable(call) {
			return retry.RetryableError(fmt.Errorf("upstream status %d", r.StatusCode))
		}
		return nil
	})

	if err != nil {
		// Retries exhausted on an error status: hand the last upstream
		// response to the caller so it can be forwarded.
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			return resp, nil
		}
		return nil, classifyTransport(ctx, err)
	}

	c.logger.Debug().
		Str("method", call.Method).
		Str("path", call.Path).
		Int("status", resp.StatusCode).
		Int("attempts", attempt).
		Dur("elapsed", resp.Elapsed).
		Msg("Upstream call")

	return resp, nil
}

// attempt performs exactly one exchange: acquire, send, read, observe.
func (c *Client) attempt(ctx context.Context, call *Call, target, host string) (*Response, error) {
	if _, err := c.limiter.Acquire(ctx, host); err != nil {
		return nil, err
	}

	timeout := c.callTimeout
	if call.Archive {
		timeout = c.archiveTimeout
	}
	if call.Timeout > 0 {
		timeout = call.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	req, err := http.NewRequestWithContext(actx, call.Method, target, body)
	if err != nil {
		return nil, err
	}
	if call.Token != "" {
		req.Header.Set("PRIVATE-TOKEN", call.Token)
	}
	if call.ContentType != "" {
		req.Header.Set("Content-Type", call.ContentType)
	} else if len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.Accept != "" {
		req.Header.Set("Accept", call.Accept)
	}

	start := time.Now()
	hres, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(host, call.Method, "error").Inc()
		return nil, err
	}
	defer hres.Body.Close()

	payload, err := io.ReadAll(hres.Body)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(host, call.Method, "error").Inc()
		return nil, err
	}

	c.limiter.Observe(host, hres.StatusCode, hres.Header)
	metrics.UpstreamRequestsTotal.WithLabelValues(host, call.Method, strconv.Itoa(hres.StatusCode)).Inc()

	return &Response{
		StatusCode: hres.StatusCode,
		Header:     hres.Header.Clone(),
		Body:       payload,
		Elapsed:    time.Since(start),
		Page:       parsePageInfo(hres.Header),
	}, nil
}

// Err classifies an error-status response for engine callers.
func (r *Response) Err() error {
	switch {
	case r.StatusCode < 400:
		return nil
	case r.StatusCode == http.StatusBadRequest, r.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", upstreamMessage(r.Body), types.ErrValidation)
	case r.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", upstreamMessage(r.Body), types.ErrBadCredentials)
	case r.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", upstreamMessage(r.Body), types.ErrForbidden)
	case r.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", upstreamMessage(r.Body), types.ErrNotFound)
	case r.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", upstreamMessage(r.Body), types.ErrConflict)
	case r.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("upstream rate limit: %w", types.ErrRateLimited)
	case r.StatusCode >= 500:
		return fmt.Errorf("upstream status %d: %w", r.StatusCode, types.ErrUpstreamUnavailable)
	default:
		return fmt.Errorf("%s: %w", upstreamMessage(r.Body), types.ErrValidation)
	}
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

// retryable reports whether the call may be re-sent after a failure.
func retryable(call *Call) bool {
	switch call.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return call.Idempotent
}

func classifyTransport(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return fmt.Errorf("upstream call: %w", types.ErrCancelled)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("upstream call: %w", types.ErrTimeout)
	default:
		return fmt.Errorf("upstream unreachable: %v: %w", err, types.ErrUpstreamUnavailable)
	}
}

func buildURL(call *Call) (string, string, error) {
	base, err := url.Parse(strings.TrimSuffix(call.BaseURL, "/"))
	if err != nil {
		return "", "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", "", fmt.Errorf("base url %q missing scheme or host: %w", call.BaseURL, types.ErrValidation)
	}
	path := call.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := base.String() + "/api/v4" + path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}
	return target, base.Host, nil
}

func parsePageInfo(h http.Header) PageInfo {
	atoi := func(key string) int {
		v, _ := strconv.Atoi(h.Get(key))
		return v
	}
	return PageInfo{
		Total:      atoi("X-Total"),
		TotalPages: atoi("X-Total-Pages"),
		PerPage:    atoi("X-Per-Page"),
		Page:       atoi("X-Page"),
		NextPage:   atoi("X-Next-Page"),
		PrevPage:   atoi("X-Prev-Page"),
	}
}

// upstreamMessage pulls GitLab's error message out of a response body,
// falling back to a trimmed excerpt.
func upstreamMessage(body []byte) string {
	var payload struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != nil {
			return fmt.Sprintf("%v", payload.Message)
		}
	}
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	if excerpt == "" {
		excerpt = "upstream rejected request"
	}
	return excerpt
}
