package migrate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	glab "gitlab.com/gitlab-org/api/client-go"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// logTailLen bounds how many recent subprocess lines ride along in the
// migration status block.
const logTailLen = 20

// migration carries the mutable state of one SVN-to-GitLab transfer while
// its job runs. A single goroutine owns it; everything watchers see goes
// out through the Handle.
type migration struct {
	e         *Engine
	h         *registry.Handle
	sessionID string
	baseURL   string
	params    *types.MigrationParams
	ws        string
	resume    bool

	status        types.MigrationStatus
	logTail       []string
	repoURL       string // target clone URL, no credentials baked in
	defaultBranch string
	lastPersisted int64

	logger zerolog.Logger
}

func (m *migration) project() string { return m.params.FullProjectPath() }

func (m *migration) repoDir() string { return filepath.Join(m.ws, repoDirName) }

// enterStage publishes and persists the stage transition before any work
// happens, so a crash resumes at this stage rather than after it.
func (m *migration) enterStage(name types.MigrationStage) {
	m.status.Stage = name
	m.h.SetMigration(m.status)
	m.h.Log("info", fmt.Sprintf("stage %s started", name))
	m.persist(name)
	m.logger.Info().Str("stage", string(name)).Msg("Migration stage started")
}

// persist writes the resume anchor to the workspace state file and the
// bbolt index. Both are advisory; a write failure degrades resumability
// but must not kill a running transfer.
func (m *migration) persist(stage types.MigrationStage) {
	if m.ws == "" {
		return
	}
	st := &workspaceState{Project: m.project(), Stage: stage, Revision: m.status.Revision}
	if err := saveWorkspaceState(m.ws, st); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to write workspace state")
	}
	rec := &store.MigrationRecord{
		Project:   m.project(),
		JobID:     m.h.ID(),
		Workspace: m.ws,
		Stage:     string(stage),
		Revision:  m.status.Revision,
		Params:    *m.params,
	}
	if err := m.e.index.PutMigration(rec); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to write migration record")
	}
}

// dropOversizeWorkspace removes the workspace when it has outgrown the
// configured preservation cap. The next attempt starts from scratch,
// which is always correct, just slower.
func (m *migration) dropOversizeWorkspace() bool {
	limit := m.e.opts.MaxWorkspaceBytes
	if limit <= 0 || m.ws == "" {
		return false
	}
	size := workspaceSize(m.ws)
	if size <= limit {
		return false
	}
	m.logger.Warn().Int64("bytes", size).Int64("limit", limit).Str("workspace", m.ws).
		Msg("Workspace exceeds preservation cap, removing")
	if err := os.RemoveAll(m.ws); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to remove oversize workspace")
		return false
	}
	if err := m.e.index.DeleteMigration(m.project()); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to drop migration record")
	}
	m.status.Workspace = ""
	return true
}

// fail preserves the workspace and anchor, then folds context ends into
// the job error taxonomy. A workspace past the size cap is dropped
// instead of anchored.
func (m *migration) fail(stage types.MigrationStage, runCtx context.Context, err error) error {
	if !m.dropOversizeWorkspace() {
		m.persist(stage)
	}
	m.h.SetMigration(m.status)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("migration exceeded %s at stage %s: %w", m.e.opts.Deadline, stage, types.ErrDeadline)
	case errors.Is(err, context.Canceled) || errors.Is(runCtx.Err(), context.Canceled):
		m.logger.Info().Str("stage", string(stage)).Msg("Migration cancelled, workspace preserved")
		return types.ErrCancelled
	}
	m.logger.Warn().Str("stage", string(stage)).Str("workspace", m.ws).Msg("Migration stage failed, workspace preserved")
	return fmt.Errorf("stage %s: %w", stage, err)
}

func (m *migration) appendLog(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	m.logTail = append(m.logTail, line)
	if len(m.logTail) > logTailLen {
		m.logTail = m.logTail[len(m.logTail)-logTailLen:]
	}
	m.status.LogTail = m.logTail
}

// noteStderr folds a failed subprocess's stderr into the visible log tail.
func (m *migration) noteStderr(res *cmdResult) {
	if res == nil {
		return
	}
	for _, line := range tailLines(res.stderr, 5) {
		m.appendLog(line)
	}
	m.h.SetMigration(m.status)
}

// withAPI runs fn with a GitLab client bound to the session's current
// token. The token lives only for the duration of the call.
func (m *migration) withAPI(ctx context.Context, fn func(api *glab.Client) error) error {
	return m.e.sessions.WithToken(m.sessionID, func(token string) error {
		api, err := gitlab.NewAPIClient(m.baseURL, token, m.e.limiter, m.e.opts.CallTimeout)
		if err != nil {
			return err
		}
		return fn(api)
	})
}

// gitEnv confines git and svn dotfiles to the workspace so nothing the
// subprocesses cache survives cleanup or leaks across migrations.
func (m *migration) gitEnv() []string {
	return []string{
		"HOME=" + m.ws,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
	}
}

// git runs a git subcommand inside the converted repository.
func (m *migration) git(ctx context.Context, onLine func(string), args ...string) (*cmdResult, error) {
	return m.e.proc.run(ctx, cmdSpec{
		dir:    m.repoDir(),
		name:   "git",
		args:   args,
		env:    m.gitEnv(),
		onLine: onLine,
	})
}

// pushEnv injects the session token as an Authorization header through
// git's environment config, keeping it off argv and out of any on-disk
// repo config.
func pushEnv(token string) []string {
	basic := base64.StdEncoding.EncodeToString([]byte("oauth2:" + token))
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraheader",
		"GIT_CONFIG_VALUE_0=Authorization: Basic " + basic,
	}
}

// gitSvnStdin supplies the SVN password when git-svn prompts for it. The
// prompt reads stdin, so an unprompted run simply ignores the pipe.
func gitSvnStdin(conn types.SvnConnection) string {
	if conn.Password == "" {
		return ""
	}
	return conn.Password + "\n"
}
