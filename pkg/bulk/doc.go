// Package bulk plans and executes batched GitLab mutations: importing
// group/project trees, applying settings, granting memberships, and
// deleting resources.
//
// # Core Components
//
// Planners (PlanImport, PlanSettings, PlanDelete, PlanMembers) validate a
// request in one pass and flatten it into a Plan of Tasks. Validation
// failures surface before any job exists, so a rejected plan costs
// nothing upstream. Import trees flatten parents-first; ci-variable
// patches expand to one task per variable key.
//
// Engine runs a Plan through a fixed worker pool. The dispatcher keeps a
// ready queue ordered by (depth, submission order) and holds children
// back until their parent has an upstream ID. Workers space successive
// calls by the API delay on top of the shared host limiter.
//
// # Execution Rules
//
// Every operation is an upsert: a natural-key lookup first, then create
// or update only on drift. Transient upstream errors (429, 5xx,
// timeouts) requeue the task up to three attempts; anything else records
// a failed item. A failed parent settles its whole subtree as failed
// without touching upstream. Under stop-on-first-error the dispatcher
// stops handing out work, drains in-flight calls, and records the rest
// as cancelled. Credential rejection is always fatal regardless of
// policy.
//
// Tokens are resolved per task through the session vault, so revoking a
// session fails the job at its next upstream call.
//
// # See Also
//
//   - pkg/gitlab for the API client and error classification
//   - pkg/registry for job lifecycle and progress reporting
package bulk
