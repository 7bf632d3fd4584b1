package migrate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/session"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

const (
	defaultWorkers     = 2
	defaultDeadline    = 2 * time.Hour
	defaultCallTimeout = 30 * time.Second

	// persistEvery is the revision interval between anchor writes during a
	// fetch. Losing up to this many revisions of anchor costs nothing: the
	// git-svn metadata in the workspace is the authoritative resume point.
	persistEvery = 100

	// childPollInterval paces the bulk parent's scan of its children.
	childPollInterval = 200 * time.Millisecond
)

// Options tunes the migration engine.
type Options struct {
	Workers     int
	Deadline    time.Duration
	TempRoot    string
	CallTimeout time.Duration

	// MaxWorkspaceBytes caps how large a workspace may grow and still be
	// preserved for resume or incremental sync. Zero preserves regardless
	// of size.
	MaxWorkspaceBytes int64
}

// Engine runs SVN migration jobs. A small worker pool bounds how many
// conversions run at once; git-svn is single threaded per migration, so
// the pool is the only concurrency knob.
type Engine struct {
	sessions *session.Store
	limiter  *ratelimit.Limiter
	index    store.Index
	reg      *registry.Registry
	opts     Options

	proc     runner
	lookPath func(string) (string, error)
	sem      chan struct{}
	logger   zerolog.Logger

	toolMu  sync.Mutex
	toolsOK bool
}

// NewEngine wires the migration engine. reg is used to fan bulk jobs out
// into child migrations and to resolve sync targets.
func NewEngine(sessions *session.Store, limiter *ratelimit.Limiter, index store.Index, reg *registry.Registry, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultDeadline
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Engine{
		sessions: sessions,
		limiter:  limiter,
		index:    index,
		reg:      reg,
		opts:     opts,
		proc:     execRunner{},
		lookPath: exec.LookPath,
		sem:      make(chan struct{}, opts.Workers),
		logger:   log.WithComponent("migrate"),
	}
}

// Preflight confirms the svn and git-svn toolchain is installed. Success is
// cached for the life of the process; a missing tool is re-probed so an
// operator can install it without a restart.
func (e *Engine) Preflight(ctx context.Context) error {
	e.toolMu.Lock()
	defer e.toolMu.Unlock()
	if e.toolsOK {
		return nil
	}
	for _, tool := range []string{"svn", "git"} {
		if _, err := e.lookPath(tool); err != nil {
			return fmt.Errorf("%s not found in PATH: %w", tool, types.ErrToolMissing)
		}
	}
	// git-svn ships separately from git on most distros.
	if _, err := e.proc.run(ctx, cmdSpec{name: "git", args: []string{"svn", "--version"}}); err != nil {
		return fmt.Errorf("git-svn not installed: %w", types.ErrToolMissing)
	}
	e.toolsOK = true
	return nil
}

// Run dispatches on the job kind. The registry calls this once per job.
func (e *Engine) Run(ctx context.Context, h *registry.Handle) error {
	job, err := h.Job()
	if err != nil {
		return err
	}

	switch job.Kind {
	case types.JobSvnMigration:
		params, ok := job.Params.(*types.MigrationParams)
		if !ok {
			return fmt.Errorf("job %s carries no migration params: %w", job.ID, types.ErrInternal)
		}
		return e.runMigration(ctx, h, job.SessionID, params, false, nil)
	case types.JobSvnSync:
		params, ok := job.Params.(*types.SyncParams)
		if !ok {
			return fmt.Errorf("job %s carries no sync params: %w", job.ID, types.ErrInternal)
		}
		return e.runSync(ctx, h, job.SessionID, params)
	case types.JobSvnBulk:
		params, ok := job.Params.(*types.BulkMigrationParams)
		if !ok {
			return fmt.Errorf("job %s carries no bulk migration params: %w", job.ID, types.ErrInternal)
		}
		return e.runBulk(ctx, h, job, params)
	default:
		return fmt.Errorf("unexpected job kind %q: %w", job.Kind, types.ErrInternal)
	}
}

func (e *Engine) runMigration(ctx context.Context, h *registry.Handle, sessionID string, params *types.MigrationParams, resume bool, rec *store.MigrationRecord) error {
	params = cloneParams(params)
	if err := validateParams(params); err != nil {
		return err
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return types.ErrCancelled
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Deadline)
	defer cancel()

	m := &migration{
		e:             e,
		h:             h,
		sessionID:     sessionID,
		baseURL:       sess.BaseURL,
		params:        params,
		resume:        resume,
		defaultBranch: "main",
		logger: e.logger.With().
			Str("job_id", h.ID()).
			Str("project", params.FullProjectPath()).
			Logger(),
	}
	m.status = types.MigrationStatus{Stage: types.StageValidate, ProjectPath: m.project()}

	start := 0
	if resume && rec != nil && usableWorkspace(rec.Workspace, m.project()) {
		// A cap lowered since the workspace was preserved invalidates it
		// on adoption, same as at preserve time.
		if limit := e.opts.MaxWorkspaceBytes; limit > 0 && workspaceSize(rec.Workspace) > limit {
			m.logger.Warn().Str("workspace", rec.Workspace).Msg("Preserved workspace exceeds size cap, migrating from the beginning")
			if err := os.RemoveAll(rec.Workspace); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to remove oversize workspace")
			}
		} else {
			m.ws = rec.Workspace
			m.status.Revision = rec.Revision
			m.lastPersisted = rec.Revision
			if idx := types.StageIndex(types.MigrationStage(rec.Stage)); idx >= 0 {
				start = idx
			}
			m.logger.Info().
				Str("stage", rec.Stage).
				Str("workspace", rec.Workspace).
				Int64("revision", rec.Revision).
				Msg("Resuming migration from preserved workspace")
		}
	} else if resume && rec != nil {
		m.logger.Warn().Str("workspace", rec.Workspace).Msg("Preserved workspace unusable, migrating from the beginning")
	}
	if m.ws == "" {
		ws, err := newWorkspace(e.opts.TempRoot)
		if err != nil {
			return err
		}
		m.ws = ws
	}
	m.status.Workspace = m.ws
	if m.status.Revision > 0 {
		h.SetProgress(int(m.status.Revision), "")
	}

	stages := pipeline()
	for i := start; i < len(stages); i++ {
		s := stages[i]
		if err := runCtx.Err(); err != nil {
			return m.fail(s.name, runCtx, err)
		}
		m.enterStage(s.name)
		if err := s.run(m, runCtx); err != nil {
			return m.fail(s.name, runCtx, err)
		}
	}
	m.h.SetMigration(m.status)
	return nil
}

// runSync re-enters the pipeline for a previously run migration. The
// caller supplies fresh SVN credentials; everything else comes from the
// registry entry or, after a restart, the bbolt record.
func (e *Engine) runSync(ctx context.Context, h *registry.Handle, sessionID string, sync *types.SyncParams) error {
	var params types.MigrationParams
	var rec *store.MigrationRecord

	if job, err := e.reg.Get(sync.MigrationID); err == nil {
		if mp, ok := job.Params.(*types.MigrationParams); ok {
			params = *mp
		}
	}
	if r, err := e.index.GetMigrationByJob(sync.MigrationID); err == nil {
		rec = r
		params = rec.Params
	} else if params.TargetNamespace == "" {
		return fmt.Errorf("migration %s: %w", sync.MigrationID, types.ErrNotFound)
	}

	if sync.Connection.URL != "" && sync.Connection.URL != params.Connection.URL {
		return fmt.Errorf("sync connection URL %q does not match recorded %q: %w",
			sync.Connection.URL, params.Connection.URL, types.ErrValidation)
	}
	if sync.Connection.Username != "" {
		params.Connection.Username = sync.Connection.Username
	}
	params.Connection.Password = sync.Connection.Password
	params.Options.Incremental = true

	return e.runMigration(ctx, h, sessionID, &params, true, rec)
}

// runBulk fans a bulk request out into child migration jobs and reduces
// their terminal states to item results on the parent.
func (e *Engine) runBulk(ctx context.Context, h *registry.Handle, job *types.Job, bulk *types.BulkMigrationParams) error {
	if len(bulk.Migrations) == 0 {
		return fmt.Errorf("bulk migration lists no repositories: %w", types.ErrValidation)
	}
	h.SetTotal(len(bulk.Migrations))

	type child struct {
		id   string
		ref  string
		done bool
	}
	var children []*child
	for _, mp := range bulk.Migrations {
		params := *mp
		if zeroOptions(params.Options) {
			params.Options = bulk.Options
		}
		cj, err := e.reg.SubmitChild(job.SessionID, types.JobSvnMigration, 0, &params, job.ID)
		if err != nil {
			h.Record(types.ItemResult{
				Ref:    params.FullProjectPath(),
				Action: types.ActionFailed,
				Error:  types.NewErrorInfo(err),
			})
			continue
		}
		children = append(children, &child{id: cj.ID, ref: params.FullProjectPath()})
		h.Log("info", fmt.Sprintf("migration %s queued as job %s", params.FullProjectPath(), cj.ID))
	}

	ticker := time.NewTicker(childPollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	cancelled := false
	remaining := len(children)
	for remaining > 0 {
		select {
		case <-done:
			cancelled = true
			done = nil
			for _, c := range children {
				if !c.done {
					_ = e.reg.Cancel(c.id)
				}
			}
		case <-ticker.C:
		}

		for _, c := range children {
			if c.done {
				continue
			}
			cj, err := e.reg.Get(c.id)
			if err != nil {
				c.done = true
				remaining--
				h.Record(types.ItemResult{Ref: c.ref, Action: types.ActionFailed, Error: types.NewErrorInfo(err)})
				continue
			}
			if !cj.State.Terminal() {
				continue
			}
			c.done = true
			remaining--

			res := types.ItemResult{Ref: c.ref}
			if cj.Migration != nil {
				res.UpstreamID = cj.Migration.ProjectID
			}
			switch cj.State {
			case types.JobStateSucceeded:
				res.Action = types.ActionCreated
			case types.JobStateCancelled:
				res.Action = types.ActionCancelled
			default:
				res.Action = types.ActionFailed
				res.Error = cj.Error
				if res.Error == nil {
					res.Error = &types.ErrorInfo{Kind: "internal", Message: "migration failed"}
				}
			}
			h.Record(res)
		}
	}

	if cancelled {
		return types.ErrCancelled
	}
	return nil
}

// TestConnection probes the SVN server and reports root, UUID and head
// revision.
func (e *Engine) TestConnection(ctx context.Context, conn types.SvnConnection) (*types.SvnInfo, error) {
	if strings.TrimSpace(conn.URL) == "" {
		return nil, fmt.Errorf("svn url is required: %w", types.ErrValidation)
	}
	if err := e.Preflight(ctx); err != nil {
		return nil, err
	}
	return svnInfo(ctx, e.proc, conn, conn.URL)
}

// ExtractAuthors returns the distinct committer identities in the
// repository history.
func (e *Engine) ExtractAuthors(ctx context.Context, conn types.SvnConnection) ([]string, error) {
	if strings.TrimSpace(conn.URL) == "" {
		return nil, fmt.Errorf("svn url is required: %w", types.ErrValidation)
	}
	if err := e.Preflight(ctx); err != nil {
		return nil, err
	}
	return svnAuthors(ctx, e.proc, conn)
}

// ValidateParams rejects malformed migration parameters without running
// anything, so callers can fail a request before a job exists.
func (e *Engine) ValidateParams(params *types.MigrationParams) error {
	if params == nil {
		return fmt.Errorf("migration params are required: %w", types.ErrValidation)
	}
	return validateParams(cloneParams(params))
}

// Preview reports what a migration would do without touching GitLab or the
// filesystem.
type Preview struct {
	Project  string          `json:"project"`
	Info     *types.SvnInfo  `json:"info"`
	Layout   types.SvnLayout `json:"layout"`
	Authors  []string        `json:"authors"`
	Unmapped []string        `json:"unmapped"`
}

// PreviewMigration validates the connection and layout, then reports the
// head revision and which authors still need mappings.
func (e *Engine) PreviewMigration(ctx context.Context, params *types.MigrationParams) (*Preview, error) {
	params = cloneParams(params)
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if err := e.Preflight(ctx); err != nil {
		return nil, err
	}
	info, err := svnInfo(ctx, e.proc, params.Connection, params.Connection.URL)
	if err != nil {
		return nil, err
	}
	if err := checkLayout(ctx, e.proc, params.Connection, params.Layout); err != nil {
		return nil, err
	}
	authors, err := svnAuthors(ctx, e.proc, params.Connection)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Project:  params.FullProjectPath(),
		Info:     info,
		Layout:   params.Layout,
		Authors:  authors,
		Unmapped: missingAuthors(authors, params.Authors),
	}, nil
}

// ListMigrations returns the persisted migration record per project,
// most recently updated first. Records carry no credentials: sync against
// a private repository still needs them re-supplied.
func (e *Engine) ListMigrations() ([]*store.MigrationRecord, error) {
	recs, err := e.index.ListMigrations()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})
	return recs, nil
}

// cloneParams deep-copies the parameters so the running migration never
// shares mutable state with the registry's copy.
func cloneParams(p *types.MigrationParams) *types.MigrationParams {
	out := *p
	if p.Authors != nil {
		out.Authors = make(map[string]types.Author, len(p.Authors))
		for k, v := range p.Authors {
			out.Authors[k] = v
		}
	}
	out.Options.IncludeBranches = append([]string(nil), p.Options.IncludeBranches...)
	out.Options.ExcludeBranches = append([]string(nil), p.Options.ExcludeBranches...)
	return &out
}

func validateParams(p *types.MigrationParams) error {
	if strings.TrimSpace(p.Connection.URL) == "" {
		return fmt.Errorf("svn url is required: %w", types.ErrValidation)
	}
	if p.TargetNamespace == "" {
		return fmt.Errorf("target namespace is required: %w", types.ErrValidation)
	}
	if p.TargetPath == "" {
		p.TargetPath = slugify(p.TargetName)
	}
	if p.TargetPath == "" {
		return fmt.Errorf("target project path or name is required: %w", types.ErrValidation)
	}
	if !p.Layout.Standard && p.Layout.Trunk == "" {
		return fmt.Errorf("custom layout needs a trunk path: %w", types.ErrValidation)
	}
	return nil
}

// slugify lowercases a display name into a GitLab-safe path.
func slugify(name string) string {
	var b strings.Builder
	dash := true // suppress leading separators
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func zeroOptions(o types.MigrationOptions) bool {
	return !o.Incremental && !o.KeepTemp &&
		len(o.IncludeBranches) == 0 && len(o.ExcludeBranches) == 0
}
