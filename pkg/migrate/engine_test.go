package migrate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bus"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/session"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

const (
	shaTrunk = "9f4c2a18e0b3d4f5a6b7c8d9e0f1a2b3c4d5e6f7"
	shaTag   = "1111111111111111111111111111111111111111"
)

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, baseURL, token string) (*types.User, error) {
	return &types.User{ID: 7, Username: "robot"}, nil
}

// fakeGitLab serves just enough of the projects API for the provision and
// adopt paths. existing flips GET project between 404 and a live project.
func fakeGitLab(t *testing.T, existing bool) *httptest.Server {
	t.Helper()

	var nextID atomic.Int64
	nextID.Store(100)
	var base string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v4/groups/"):
			fmt.Fprint(w, `{"id": 42, "full_path": "acme"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/v4/projects":
			fmt.Fprintf(w, `{"id": %d, "default_branch": "main", "http_url_to_repo": %q}`,
				nextID.Add(1), base+"/acme/app.git")
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v4/projects/"):
			if existing {
				fmt.Fprintf(w, `{"id": 55, "default_branch": "main", "http_url_to_repo": %q}`,
					base+"/acme/app.git")
				return
			}
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "404 Project Not Found"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "404 Not Found"}`)
		}
	}))
	base = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	reg      *registry.Registry
	sessions *session.Store
	engine   *Engine
	index    *store.BoltStore
	tempRoot string
	session  string
}

func newHarness(t *testing.T, opts Options, existingProject bool) *harness {
	t.Helper()

	b := bus.New(128, 64, time.Minute)
	t.Cleanup(b.Close)

	reg := registry.New(b, 256, time.Hour, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	sessions, err := session.NewStore(stubValidator{}, time.Hour, 0)
	require.NoError(t, err)
	t.Cleanup(sessions.Close)

	srv := fakeGitLab(t, existingProject)
	sess, err := sessions.Login(context.Background(), srv.URL, "glpat-test")
	require.NoError(t, err)

	limiter := ratelimit.New(1000, 1000)
	t.Cleanup(limiter.Close)

	index, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	if opts.TempRoot == "" {
		opts.TempRoot = t.TempDir()
	}
	eng := NewEngine(sessions, limiter, index, reg, opts)
	eng.lookPath = func(string) (string, error) { return "/usr/bin/stub", nil }

	for _, kind := range []types.JobKind{types.JobSvnMigration, types.JobSvnSync, types.JobSvnBulk} {
		reg.RegisterRunner(kind, eng)
	}
	return &harness{
		reg:      reg,
		sessions: sessions,
		engine:   eng,
		index:    index,
		tempRoot: opts.TempRoot,
		session:  sess.ID,
	}
}

func (h *harness) submit(t *testing.T, kind types.JobKind, params any) *types.Job {
	t.Helper()
	job, err := h.reg.Submit(h.session, kind, 0, params)
	require.NoError(t, err)
	return job
}

func waitTerminal(t *testing.T, reg *registry.Registry, id string) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = reg.Get(id)
		return err == nil && job.State.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return job
}

// awaitStart blocks until the fake runner begins executing the rule whose
// contains key matches.
func awaitStart(t *testing.T, proc *fakeRunner, key string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-proc.started:
			if got == key {
				return
			}
		case <-deadline:
			t.Fatalf("command %q never started", key)
		}
	}
}

func testParams() *types.MigrationParams {
	return &types.MigrationParams{
		Connection: types.SvnConnection{
			URL:      "https://svn.example.com/repo",
			Username: "alice",
			Password: "hunter2",
		},
		TargetNamespace: "acme",
		TargetName:      "App",
		TargetPath:      "app",
		Layout:          types.SvnLayout{Standard: true},
		Authors: map[string]types.Author{
			"alice": {Name: "Alice Kim", Email: "alice@example.com"},
			"carol": {Name: "Carol Jones", Email: "carol@example.com"},
		},
	}
}

// happyRules scripts a two-revision repository with one tag all the way
// through verify.
func happyRules() []fakeRule {
	return []fakeRule{
		{contains: "svn info", stdout: infoXML},
		{contains: "svn log", stdout: logXML},
		{contains: "svn fetch", stdout: "r1 = " + shaTrunk + " (refs/remotes/origin/trunk)\nr2 = " + shaTrunk + " (refs/remotes/origin/trunk)"},
		{contains: "for-each-ref refs/remotes/origin", stdout: "refs/remotes/origin/trunk " + shaTrunk + "\nrefs/remotes/origin/tags/v1.0 " + shaTag},
		{contains: "for-each-ref refs/heads refs/tags", stdout: "refs/heads/main\nrefs/tags/v1.0"},
		{contains: "rev-parse", stdout: shaTrunk + "\n"},
		{contains: "ls-remote", stdout: shaTrunk + "\tHEAD\n" + shaTrunk + "\trefs/heads/main\n" + shaTag + "\trefs/tags/v1.0\n"},
	}
}

func TestMigrationRunsAllStages(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	job := h.submit(t, types.JobSvnMigration, testParams())
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateSucceeded, done.State)
	require.NotNil(t, done.Migration)
	assert.Equal(t, types.StageCleanup, done.Migration.Stage)
	assert.Equal(t, int64(1042), done.Migration.HeadRevision)
	assert.Equal(t, int64(2), done.Migration.Revision)
	assert.EqualValues(t, 101, done.Migration.ProjectID)
	assert.Equal(t, 1042, done.Total)

	assert.True(t, proc.calledWith("git svn init --prefix=origin/ --stdlayout"))
	assert.True(t, proc.calledWith("git svn fetch"))
	assert.True(t, proc.calledWith("update-ref refs/heads/main "+shaTrunk))
	assert.True(t, proc.calledWith("update-ref refs/tags/v1.0 "+shaTag))
	assert.True(t, proc.calledWith("symbolic-ref HEAD refs/heads/main"))
	assert.True(t, proc.calledWith("push --force"))

	entries, err := os.ReadDir(h.tempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be removed on success")
	_, err = h.index.GetMigration("acme/app")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMigrationKeepsSecretsOutOfArgv(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	job := h.submit(t, types.JobSvnMigration, testParams())
	done := waitTerminal(t, h.reg, job.ID)
	require.Equal(t, types.JobStateSucceeded, done.State)

	for _, call := range proc.calls {
		for _, arg := range call.args {
			assert.NotContains(t, arg, "hunter2", "svn password leaked into argv")
			assert.NotContains(t, arg, "glpat-test", "session token leaked into argv")
		}
	}

	var pushCall *fakeCall
	for i := range proc.calls {
		if len(proc.calls[i].args) > 0 && proc.calls[i].args[0] == "push" {
			pushCall = &proc.calls[i]
		}
	}
	require.NotNil(t, pushCall)
	basic := base64.StdEncoding.EncodeToString([]byte("oauth2:glpat-test"))
	assert.Contains(t, pushCall.env, "GIT_CONFIG_VALUE_0=Authorization: Basic "+basic)
	assert.Contains(t, pushCall.env, "GIT_CONFIG_KEY_0=http.extraheader")
}

func TestMigrationPausesForMissingAuthors(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	params := testParams()
	delete(params.Authors, "carol")
	job := h.submit(t, types.JobSvnMigration, params)

	var paused *types.Job
	require.Eventually(t, func() bool {
		var err error
		paused, err = h.reg.Get(job.ID)
		return err == nil && paused.State == types.JobStatePaused
	}, 5*time.Second, 5*time.Millisecond)
	require.NotNil(t, paused.Migration)
	assert.Equal(t, []string{"carol"}, paused.Migration.MissingAuthors)

	err := h.reg.Resume(job.ID, map[string]types.Author{
		"carol": {Name: "Carol Jones", Email: "carol@example.com"},
	})
	require.NoError(t, err)

	done := waitTerminal(t, h.reg, job.ID)
	assert.Equal(t, types.JobStateSucceeded, done.State)
	assert.Empty(t, done.Migration.MissingAuthors)
}

func TestMigrationFailsOnSvnAuth(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(fakeRule{
		contains: "svn info",
		stderr:   "svn: E170001: Authorization failed",
		err:      errors.New("exit status 1"),
	})
	h.engine.proc = proc

	job := h.submit(t, types.JobSvnMigration, testParams())
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, "svn-auth", done.Error.Kind)

	rec, err := h.index.GetMigration("acme/app")
	require.NoError(t, err, "failed migration must keep its anchor")
	assert.Equal(t, string(types.StageValidate), rec.Stage)
	assert.DirExists(t, rec.Workspace, "failed migration must preserve its workspace")
	assert.Empty(t, rec.Params.Connection.Password, "password must never be serialized")
}

func TestMigrationKeepTempAnchorsSync(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	params := testParams()
	params.Options.KeepTemp = true
	job := h.submit(t, types.JobSvnMigration, params)
	done := waitTerminal(t, h.reg, job.ID)
	require.Equal(t, types.JobStateSucceeded, done.State)

	rec, err := h.index.GetMigration("acme/app")
	require.NoError(t, err)
	assert.Equal(t, job.ID, rec.JobID)
	assert.Equal(t, string(types.StageValidate), rec.Stage, "preserved workspace anchors the next sync at the top")
	assert.Equal(t, int64(2), rec.Revision)
	assert.DirExists(t, rec.Workspace)
}

func TestWorkspaceCapDropsOversizePreserve(t *testing.T) {
	// 1 byte is below the size of the state file alone, so any workspace
	// that finishes the pipeline is over the cap.
	h := newHarness(t, Options{MaxWorkspaceBytes: 1}, false)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	params := testParams()
	params.Options.KeepTemp = true
	job := h.submit(t, types.JobSvnMigration, params)
	done := waitTerminal(t, h.reg, job.ID)
	require.Equal(t, types.JobStateSucceeded, done.State)

	assert.Empty(t, done.Migration.Workspace)
	_, err := h.index.GetMigration("acme/app")
	assert.ErrorIs(t, err, types.ErrNotFound, "the anchor goes with the workspace")

	entries, err := os.ReadDir(h.tempRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "oversize workspace must be removed")
}

func TestSyncResumesFromPreservedWorkspace(t *testing.T) {
	h := newHarness(t, Options{}, true)
	rules := happyRules()
	rules[2] = fakeRule{contains: "svn fetch", stdout: "r3 = " + shaTrunk + " (refs/remotes/origin/trunk)"}
	proc := newFakeRunner(rules...)
	h.engine.proc = proc

	ws, err := newWorkspace(h.tempRoot)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, repoDirName, ".git"), 0o700))
	require.NoError(t, saveWorkspaceState(ws, &workspaceState{Project: "acme/app", Stage: types.StageValidate, Revision: 2}))

	params := testParams()
	params.Options.Incremental = true
	require.NoError(t, h.index.PutMigration(&store.MigrationRecord{
		Project:   "acme/app",
		JobID:     "job-original",
		Workspace: ws,
		Stage:     string(types.StageValidate),
		Revision:  2,
		Params:    *params,
	}))

	sync := &types.SyncParams{
		MigrationID: "job-original",
		Connection:  types.SvnConnection{Username: "alice", Password: "hunter2"},
	}
	job := h.submit(t, types.JobSvnSync, sync)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateSucceeded, done.State)
	assert.False(t, proc.calledWith("git svn init"), "existing conversion must be fetched, not re-initialized")
	assert.True(t, proc.calledWith("git svn fetch"))
	assert.EqualValues(t, 55, done.Migration.ProjectID, "sync adopts the existing project")
	assert.Equal(t, int64(3), done.Migration.Revision)

	rec, err := h.index.GetMigration("acme/app")
	require.NoError(t, err)
	assert.Equal(t, job.ID, rec.JobID, "record follows the latest job that touched it")
	assert.DirExists(t, rec.Workspace)
}

func TestSyncWithLostWorkspaceStartsOver(t *testing.T) {
	h := newHarness(t, Options{}, true)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	params := testParams()
	params.Options.Incremental = true
	require.NoError(t, h.index.PutMigration(&store.MigrationRecord{
		Project:   "acme/app",
		JobID:     "job-original",
		Workspace: filepath.Join(h.tempRoot, "vanished"),
		Stage:     string(types.StageClone),
		Revision:  2,
		Params:    *params,
	}))

	sync := &types.SyncParams{
		MigrationID: "job-original",
		Connection:  types.SvnConnection{Username: "alice", Password: "hunter2"},
	}
	job := h.submit(t, types.JobSvnSync, sync)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateSucceeded, done.State)
	assert.True(t, proc.calledWith("git svn init"), "a lost workspace means converting from scratch")
}

func TestBulkMigrationFansOut(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(happyRules()...)
	h.engine.proc = proc

	p1 := testParams()
	p1.TargetPath = "app1"
	p2 := testParams()
	p2.TargetPath = "app2"
	bulk := &types.BulkMigrationParams{Migrations: []*types.MigrationParams{p1, p2}}

	parent, err := h.reg.Submit(h.session, types.JobSvnBulk, len(bulk.Migrations), bulk)
	require.NoError(t, err)
	done := waitTerminal(t, h.reg, parent.ID)

	assert.Equal(t, types.JobStateSucceeded, done.State)
	assert.Equal(t, 2, done.Total)
	assert.Equal(t, 2, done.Completed)

	refs := make(map[string]types.ItemAction)
	for _, res := range done.Results {
		refs[res.Ref] = res.Action
	}
	assert.Equal(t, map[string]types.ItemAction{
		"acme/app1": types.ActionCreated,
		"acme/app2": types.ActionCreated,
	}, refs)

	children := h.reg.List(h.session, []types.JobKind{types.JobSvnMigration}, nil)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, parent.ID, c.ParentID)
		assert.Equal(t, types.JobStateSucceeded, c.State)
	}
}

func TestCancelPreservesWorkspaceAndAnchor(t *testing.T) {
	h := newHarness(t, Options{}, false)
	proc := newFakeRunner(
		fakeRule{contains: "svn info", stdout: infoXML},
		fakeRule{contains: "svn log", stdout: logXML},
		fakeRule{contains: "svn fetch", block: true},
	)
	h.engine.proc = proc

	job := h.submit(t, types.JobSvnMigration, testParams())
	awaitStart(t, proc, "svn fetch")

	require.NoError(t, h.reg.Cancel(job.ID))
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateCancelled, done.State)
	assert.Equal(t, types.StageClone, done.Migration.Stage)

	rec, err := h.index.GetMigration("acme/app")
	require.NoError(t, err)
	assert.Equal(t, string(types.StageClone), rec.Stage)
	assert.DirExists(t, rec.Workspace, "cancelled migration must preserve its workspace")
}

func TestMigrationDeadline(t *testing.T) {
	h := newHarness(t, Options{Deadline: 100 * time.Millisecond}, false)
	proc := newFakeRunner(
		fakeRule{contains: "svn info", stdout: infoXML},
		fakeRule{contains: "svn log", stdout: logXML},
		fakeRule{contains: "svn fetch", block: true},
	)
	h.engine.proc = proc

	job := h.submit(t, types.JobSvnMigration, testParams())
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, "deadline", done.Error.Kind)
}

func TestMigrationRejectsBadParams(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.engine.proc = newFakeRunner()

	params := testParams()
	params.Connection.URL = ""
	job := h.submit(t, types.JobSvnMigration, params)
	done := waitTerminal(t, h.reg, job.ID)
	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, "validation", done.Error.Kind)

	job = h.submit(t, types.JobSvnMigration, "garbage")
	done = waitTerminal(t, h.reg, job.ID)
	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, "internal", done.Error.Kind)
}

func TestPreviewReportsUnmappedAuthors(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.engine.proc = newFakeRunner(
		fakeRule{contains: "svn info", stdout: infoXML},
		fakeRule{contains: "svn log", stdout: logXML},
	)

	params := testParams()
	delete(params.Authors, "carol")
	pv, err := h.engine.PreviewMigration(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "acme/app", pv.Project)
	assert.Equal(t, int64(1042), pv.Info.Revision)
	assert.Equal(t, []string{"alice", "carol"}, pv.Authors)
	assert.Equal(t, []string{"carol"}, pv.Unmapped)
}

func TestPreflightMissingTool(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.engine.proc = newFakeRunner()
	h.engine.lookPath = func(name string) (string, error) {
		if name == "svn" {
			return "", exec.ErrNotFound
		}
		return "/usr/bin/stub", nil
	}

	err := h.engine.Preflight(context.Background())
	assert.ErrorIs(t, err, types.ErrToolMissing)
}

func TestTestConnectionRequiresURL(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.engine.proc = newFakeRunner()

	_, err := h.engine.TestConnection(context.Background(), types.SvnConnection{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestListMigrationsNewestFirst(t *testing.T) {
	h := newHarness(t, Options{}, false)

	// Key order in the index is alphabetical; the listing must reorder by
	// update time instead.
	require.NoError(t, h.index.PutMigration(&store.MigrationRecord{Project: "acme/alpha", JobID: "job-a"}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, h.index.PutMigration(&store.MigrationRecord{Project: "acme/zulu", JobID: "job-z"}))

	recs, err := h.engine.ListMigrations()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "acme/zulu", recs[0].Project)
	assert.Equal(t, "acme/alpha", recs[1].Project)
}
