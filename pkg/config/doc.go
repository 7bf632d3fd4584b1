/*
Package config loads and validates server configuration.

Configuration is layered: built-in defaults, then an optional YAML file,
then GBM_* environment variables. Nested sections map to prefixed keys, so
`upstream.callTimeout` in YAML is GBM_UPSTREAM_CALL_TIMEOUT in the
environment. The serve command exposes --config and --listen flags on top.

# Usage

	cfg, err := config.Load(ctx, "/etc/gbm/config.yaml")
	if err != nil {
		return err
	}
	limiter := ratelimit.New(cfg.Upstream.BucketCapacity, cfg.Upstream.RefillPerSec)

Every tunable the engines consume lives here: the upstream token bucket and
retry policy, session TTLs and per-session request budgets, progress bus
ring sizes, worker pool widths and job deadlines. Defaults are chosen for a
mid-size GitLab instance and a single operator.
*/
package config
