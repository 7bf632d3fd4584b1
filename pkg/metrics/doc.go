/*
Package metrics provides the Prometheus collectors for the bulk manager.

All collectors are package-level variables registered in init() and named
under the gbm_ prefix. The gateway serves them on GET /metrics.

# Metric Families

Gateway:
  - gbm_gateway_requests_total{method,route,status}
  - gbm_gateway_request_duration_seconds{route}

Upstream GitLab API:
  - gbm_upstream_requests_total{host,method,status}
  - gbm_upstream_retries_total
  - gbm_ratelimit_wait_seconds
  - gbm_ratelimit_deferrals_total

Sessions and jobs:
  - gbm_sessions_active
  - gbm_jobs_total{kind,state}
  - gbm_job_items_total{kind,action}
  - gbm_job_duration_seconds{kind}

Progress bus and websockets:
  - gbm_bus_events_total{kind}
  - gbm_bus_dropped_total{reason}
  - gbm_ws_connections_active

Migrations:
  - gbm_migration_revisions_total

# Usage

Counters and histograms are updated inline by the owning component:

	metrics.UpstreamRequestsTotal.WithLabelValues(host, method, status).Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))

Gauges are kept current by the Collector, which polls a StatsSource every
15 seconds:

	collector := metrics.NewCollector(source)
	collector.Start()
	defer collector.Stop()

# Health Checks

The package also carries the process health registry behind GET /healthz
and GET /readyz. Startup registers each long-lived component; readiness
requires gateway, registry and bus:

	metrics.RegisterComponent("bus", true, "")
	metrics.UpdateComponent("gateway", false, "draining")

/healthz answers 503 as soon as any registered component is unhealthy,
/readyz answers 503 until every critical component has registered healthy.

# Alerting Starting Points

  - rate(gbm_upstream_requests_total{status="429"}[5m]) > 1: upstream is
    pushing back, consider lowering refillPerSec
  - gbm_bus_dropped_total increasing: slow websocket consumers
  - gbm_jobs_total{state="running"} flat at pool width for hours: jobs are
    starving behind a long migration
*/
package metrics
