// Package gitlab provides the upstream GitLab REST clients: a raw
// pass-through client used by the session proxy and a typed client
// used by the bulk and migration engines.
//
// # Core Components
//
// Client is the raw REST client. Every request acquires a token from the
// shared per-host rate limiter, runs under a per-attempt deadline and is
// retried with exponential backoff (200ms doubling, capped at 5s, at most
// three retries) when the failure is transient and the method is safe to
// re-send. Responses come back as *Response regardless of HTTP status so
// the proxy can forward upstream errors verbatim; engine callers classify
// them with Response.Err.
//
// NewAPIClient builds a gitlab.com/gitlab-org/api/client-go client bound
// to one base URL and token. It shares the same limiter through a custom
// limiter adapter and feeds every response status back through an
// observing transport, so typed and raw traffic drain one bucket.
//
// Validator resolves a personal access token to its owning user via
// GET /user, which is how sessions are established.
//
// # Usage
//
//	client := gitlab.NewClient(gitlab.Options{
//	    Limiter:        limiter,
//	    MaxRetries:     3,
//	    BackoffInitial: 200 * time.Millisecond,
//	    BackoffCap:     5 * time.Second,
//	    CallTimeout:    30 * time.Second,
//	})
//
//	resp, err := client.Do(ctx, &gitlab.Call{
//	    Method:  http.MethodGet,
//	    BaseURL: "https://gitlab.example.com",
//	    Path:    "/projects/42",
//	    Token:   token,
//	})
//
// Retry policy: GET, HEAD, PUT and DELETE are retried on 429 and 5xx.
// POST is retried only when Call.Idempotent is set, which callers assert
// when the operation is keyed by a natural identifier upstream and a
// duplicate send converges to the same result.
//
// # Integration Points
//
// The session proxy forwards Call/Response pairs byte for byte, including
// pagination headers (X-Total, X-Page, X-Next-Page). The bulk engine uses
// the typed client for structural calls and classifies failures through
// ClassifyAPIError. The rate limiter learns about upstream 429s through
// Client and the observing transport, so a throttled instance slows every
// caller in the process.
//
// # Security
//
// Tokens travel in the PRIVATE-TOKEN header of outbound requests only.
// They are accepted per call, never stored on the Client, and never
// logged; debug logging records method, path, status and attempt count.
//
// # See Also
//
//   - pkg/ratelimit for the per-host token bucket behind Acquire/Observe
//   - pkg/session for how tokens are held between calls
//   - pkg/gateway for the proxy route that feeds Client
package gitlab
