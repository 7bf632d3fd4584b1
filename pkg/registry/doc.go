// Package registry owns the lifecycle of every job in the process. It is
// the single writer of job state; engines report through a Handle and all
// other components read copies.
//
// # Core Components
//
// Registry maps job IDs to state, indexes jobs by owning session, and
// starts one runner goroutine per submitted job. Runners are registered
// per job kind at startup.
//
// Handle is the runner-facing surface: Record for per-item outcomes,
// SetTotal/SetProgress for workload discovery, SetMigration for stage
// status, Pause/AwaitResume for the author-mapping handshake.
//
// # Lifecycle
//
// Jobs move pending -> running -> (succeeded | failed | cancelled), with
// paused reachable only for migrations and cancelling as the visible
// wind-down after a cancel request. The runner's return value plus the
// item counters decide the terminal state: a clean return with zero
// failed items is succeeded, a clean return with failures is failed, and
// a cancellation error is cancelled. Every transition and progress report
// publishes onto the job's topic (job:<id>), and the terminal event
// closes the topic.
//
// Job contexts derive from the process, not the submitting request, so
// jobs keep running after the HTTP call returns. Shutdown cancels every
// non-terminal job and waits for runners to drain within a bound.
// Terminal jobs stay listable for the retention window, then the reaper
// drops them.
//
// # See Also
//
//   - pkg/bus for what subscribers see
//   - pkg/bulk and pkg/migrate for the runners
package registry
