// Package migrate converts Subversion repositories into GitLab projects
// by driving svn and git-svn subprocesses through a staged pipeline.
//
// # Pipeline
//
// A migration runs seven stages in order: validate probes the server and
// records the head revision, extract-authors collects committer
// identities and pauses the job until every one has a Git mapping,
// provision creates (or, on resume, adopts) the target project, clone
// converts history with git svn fetch, rewrite-push turns the svn
// tracking refs into branches and tags and force-pushes them, verify
// compares local refs against ls-remote, and cleanup disposes of the
// workspace. Each stage persists its anchor before running, to the
// workspace state file and the bbolt index, so a crash or cancellation
// resumes at the stage that did not finish.
//
// # Workspaces and Resume
//
// Conversions happen in a 0700 temp workspace holding the authors file
// and the git-svn checkout. Success removes it unless keep-temp or
// incremental mode is set, in which case the anchor rewinds to validate:
// a later sync re-probes the server and re-extracts authors, catching
// committers who joined since the last run, then git svn fetch picks up
// from its own metadata. Failed and cancelled runs always keep their
// workspace. A sync whose workspace has vanished starts the conversion
// over but still adopts the existing project.
//
// # Process Control
//
// Subprocesses run in their own process group and are killed group-wide
// on context cancellation, with a grace period before SIGKILL. SVN
// passwords travel over stdin and the push token over injected git
// config environment, never on argv; HOME is pinned to the workspace so
// no credential cache outlives it.
//
// # See Also
//
//   - pkg/gitlab for project provisioning calls
//   - pkg/registry for pause/resume and progress reporting
//   - pkg/store for the persistent migration index
package migrate
