/*
Package types defines the core data structures used throughout the bulk
manager.

This package contains all fundamental types that represent the domain model,
including sessions, jobs, item results, progress events, bulk operation plans
and SVN migration state. These types are used by all other packages for state
management, API communication and job control logic.

# Core Types

Sessions:
  - Session: an authenticated browser session bound to one GitLab instance
  - User: cached profile of the token owner

Jobs:
  - Job: unit of tracked work, mutated only by the registry
  - JobKind: bulk-import, bulk-settings, bulk-delete, bulk-members,
    svn-migration, svn-sync, bulk-svn-migration
  - JobState: pending, running, paused, cancelling, succeeded, failed,
    cancelled (the last three are absorbing)
  - ItemResult / ItemAction: terminal outcome of one planned item

Progress:
  - Event / EventKind: messages on a progress topic (progress, log, state,
    needs-authors, lag, dropped, terminal)

Bulk plans:
  - ImportPlan / GroupNode / ProjectNode: group and project trees
  - SettingsPlan / SettingsPatch: one patch kind applied across targets
  - DeletePlan: deletion targets behind an explicit confirm flag
  - MembersPlan: membership grants

Migrations:
  - SvnConnection, SvnLayout, Author, MigrationParams
  - MigrationStage: the seven-stage pipeline in order
  - MigrationStatus: serializable migration progress

Errors:
  - Classified sentinel errors (ErrBadCredentials, ErrConflict, ...)
  - Kind() and HTTPStatus() map any wrapped error onto the taxonomy and the
    transport status code

# Secret Handling

Two fields are secret: the session token and the SVN password. Neither
appears on a serializable type: the token is held only by the session vault,
and SvnConnection.Password carries a `json:"-"` tag so no event, job
snapshot or API response can include it.

# Design Principles

  - String-typed enums with const blocks, JSON-stable values
  - Pointers for optional sub-structs, values for required ones
  - Invariants documented where declared (completed+failed <= total,
    terminal states absorbing, one ItemResult per planned item)

# Usage

	job := &types.Job{
		ID:    uuid.New().String(),
		Kind:  types.JobBulkImport,
		State: types.JobStatePending,
	}

	if errors.Is(err, types.ErrConflict) {
		// upsert path: treat as already-present
	}

	status := types.HTTPStatus(err) // 409
*/
package types
