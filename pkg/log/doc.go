/*
Package log provides structured logging for the bulk manager using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Log Levels:
  - Debug: request tracing and scheduling decisions
  - Info: default production level (job transitions, session lifecycle)
  - Warn: potential issues (rate-limit deferrals, bus drops)
  - Error: failed operations
  - Fatal: unrecoverable startup errors (process exits)

Context Loggers:
  - WithComponent: add component name to all logs
  - WithJobID: add job ID context
  - WithSessionID: add session ID context
  - WithRequestID: add gateway request ID context

# Usage

Initializing the logger:

	import "github.com/pghoya2956/gitlab-bulk-manager/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured logging:

	log.Logger.Info().
		Str("job_id", jobID).
		Int("total", total).
		Msg("Bulk job submitted")

	log.Logger.Error().
		Err(err).
		Str("stage", "clone").
		Msg("Migration stage failed")

Component loggers:

	busLog := log.WithComponent("bus")
	busLog.Warn().Str("topic", topic).Int("dropped", n).Msg("Ring overflow")

# Integration Points

This package integrates with:

  - pkg/gateway: request logging middleware and handler errors
  - pkg/registry: job state transitions
  - pkg/bulk: per-item results and retries
  - pkg/migrate: stage transitions and subprocess output
  - pkg/session: session lifecycle (IDs only)
  - pkg/ratelimit: upstream deferrals

# Security

Log Content:
  - Personal access tokens and SVN passwords are never logged
  - Session IDs and usernames are the only identity fields emitted
  - No call site logs request or response headers, so the PRIVATE-TOKEN
    header never reaches a log line

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
