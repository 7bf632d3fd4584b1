package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	glab "gitlab.com/gitlab-org/api/client-go"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// NewAPIClient builds a typed client for one base URL and token. The client
// shares the process-wide limiter: every attempt waits for a token first,
// and every response is observed so upstream 429s slow all callers down.
func NewAPIClient(baseURL, token string, limiter *ratelimit.Limiter, callTimeout time.Duration) (*glab.Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, types.ErrValidation)
	}

	hc := &http.Client{
		Timeout: callTimeout,
		Transport: &observeTransport{
			base:    http.DefaultTransport,
			limiter: limiter,
			host:    base.Host,
		},
	}

	client, err := glab.NewClient(token,
		glab.WithBaseURL(baseURL),
		glab.WithHTTPClient(hc),
		glab.WithCustomLimiter(&waitAdapter{limiter: limiter, host: base.Host}),
		glab.WithCustomRetryMax(3),
		glab.WithCustomRetryWaitMinMax(200*time.Millisecond, 5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("construct gitlab client: %w", err)
	}
	return client, nil
}

// waitAdapter lets client-go block on our per-host bucket before each call.
type waitAdapter struct {
	limiter *ratelimit.Limiter
	host    string
}

func (a *waitAdapter) Wait(ctx context.Context) error {
	_, err := a.limiter.Acquire(ctx, a.host)
	return err
}

// observeTransport feeds responses back into the limiter and metrics.
type observeTransport struct {
	base    http.RoundTripper
	limiter *ratelimit.Limiter
	host    string
}

func (t *observeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(t.host, req.Method, "error").Inc()
		return resp, err
	}
	t.limiter.Observe(t.host, resp.StatusCode, resp.Header)
	metrics.UpstreamRequestsTotal.WithLabelValues(t.host, req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// Validator checks a personal access token against its instance.
type Validator struct {
	limiter *ratelimit.Limiter
	timeout time.Duration
}

// NewValidator creates a token validator sharing the process limiter.
func NewValidator(limiter *ratelimit.Limiter, timeout time.Duration) *Validator {
	return &Validator{limiter: limiter, timeout: timeout}
}

// Validate resolves the token owner via GET /user. A rejected token maps to
// ErrBadCredentials; anything else keeps its transport classification.
func (v *Validator) Validate(ctx context.Context, baseURL, token string) (*types.User, error) {
	api, err := NewAPIClient(baseURL, token, v.limiter, v.timeout)
	if err != nil {
		return nil, err
	}

	user, resp, err := api.Users.CurrentUser(glab.WithContext(ctx))
	if err != nil {
		return nil, ClassifyAPIError(resp, err)
	}

	return &types.User{
		ID:        int64(user.ID),
		Username:  user.Username,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		IsAdmin:   user.IsAdmin,
	}, nil
}

// ClassifyAPIError maps a typed client-go failure onto the error taxonomy.
func ClassifyAPIError(resp *glab.Response, err error) error {
	if err == nil {
		return nil
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%v: %w", err, types.ErrValidation)
	case http.StatusUnauthorized:
		return fmt.Errorf("token rejected: %w", types.ErrBadCredentials)
	case http.StatusForbidden:
		return fmt.Errorf("%v: %w", err, types.ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("%v: %w", err, types.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%v: %w", err, types.ErrConflict)
	case http.StatusTooManyRequests:
		return fmt.Errorf("upstream rate limit: %w", types.ErrRateLimited)
	}
	if status >= 500 {
		return fmt.Errorf("upstream status %d: %w", status, types.ErrUpstreamUnavailable)
	}
	return classifyTransport(context.Background(), err)
}

// Visibility converts a plan string into client-go's typed value.
func Visibility(s string) *glab.VisibilityValue {
	if s == "" {
		return nil
	}
	v := glab.VisibilityValue(s)
	return &v
}

// AccessLevel converts a numeric level into client-go's typed value.
func AccessLevel(level int) *glab.AccessLevelValue {
	v := glab.AccessLevelValue(level)
	return &v
}
