/*
Package ratelimit spaces calls to upstream GitLab hosts.

Each host gets a token bucket that refills continuously (tokens never exceed
capacity; refill is time-monotonic). Acquire blocks in strict arrival order
until a token frees up or the context is cancelled, so a burst of bulk
workers cannot starve the interactive proxy path.

Upstream feedback closes the loop: Observe inspects every response, and a
429 or a Retry-After/RateLimit-Reset header empties the bucket and defers
all acquisitions until the announced reset. Plain 5xx responses are left to
the retry layer and do not touch the bucket.

	limiter := ratelimit.New(10, 5) // capacity 10, 5 tokens/second
	waited, err := limiter.Acquire(ctx, req.URL.Host)
	if err != nil {
		return err // context cancelled while queued
	}
	resp, err := httpClient.Do(req)
	if err == nil {
		limiter.Observe(req.URL.Host, resp.StatusCode, resp.Header)
	}

Idle buckets are swept after an hour so one-off hosts do not accumulate.
*/
package ratelimit
