package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bus"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/session"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, baseURL, token string) (*types.User, error) {
	return &types.User{ID: 7, Username: "robot"}, nil
}

type harness struct {
	reg      *registry.Registry
	sessions *session.Store
	engine   *Engine
	session  string
}

func newHarness(t *testing.T, opts Options) *harness {
	return newHarnessAt(t, opts, "https://gitlab.test")
}

// newHarnessAt points the session at a concrete upstream so plans can run
// against a test server instead of stubbed opFuncs.
func newHarnessAt(t *testing.T, opts Options, baseURL string) *harness {
	t.Helper()

	b := bus.New(128, 64, time.Minute)
	t.Cleanup(b.Close)

	reg := registry.New(b, 256, time.Hour, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	store, err := session.NewStore(stubValidator{}, time.Hour, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	sess, err := store.Login(context.Background(), baseURL, "glpat-test")
	require.NoError(t, err)

	limiter := ratelimit.New(1000, 1000)
	t.Cleanup(limiter.Close)

	// Keep the inter-call delay tiny so tests run fast.
	if opts.APIDelay == 0 {
		opts.APIDelay = time.Millisecond
	}
	eng := NewEngine(store, limiter, opts)
	for _, kind := range []types.JobKind{types.JobBulkImport, types.JobBulkSettings, types.JobBulkDelete, types.JobBulkMembers} {
		reg.RegisterRunner(kind, eng)
	}
	return &harness{reg: reg, sessions: store, engine: eng, session: sess.ID}
}

func (h *harness) submit(t *testing.T, plan *Plan) *types.Job {
	t.Helper()
	job, err := h.reg.Submit(h.session, plan.Kind, len(plan.Tasks), plan)
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
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

// okOp records the call order and succeeds.
func okOp(calls *[]string, mu *sync.Mutex, ref string) opFunc {
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		mu.Lock()
		*calls = append(*calls, ref)
		mu.Unlock()
		return types.ItemResult{Ref: ref, Action: types.ActionCreated, UpstreamID: 1}, nil
	}
}

func failOp(err error) opFunc {
	return func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
		return types.ItemResult{}, err
	}
}

func TestRunSettlesDependentTasksInOrder(t *testing.T) {
	h := newHarness(t, Options{Workers: 3})

	var (
		mu    sync.Mutex
		calls []string
	)
	plan := &Plan{
		Kind:   types.JobBulkImport,
		Policy: types.ErrorPolicyContinue,
		Tasks: []*Task{
			{Ref: "acme", Depth: 0, Seq: 0, op: okOp(&calls, &mu, "acme")},
			{Ref: "acme/api", ParentRef: "acme", Depth: 1, Seq: 1, op: okOp(&calls, &mu, "acme/api")},
			{Ref: "acme/api/server", ParentRef: "acme/api", Depth: 2, Seq: 2, op: okOp(&calls, &mu, "acme/api/server")},
		},
	}

	job := h.submit(t, plan)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateSucceeded, done.State)
	assert.Equal(t, 3, done.Completed)
	assert.Zero(t, done.Failed)
	assert.Zero(t, done.Cancelled)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"acme", "acme/api", "acme/api/server"}, calls)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})

	var (
		mu    sync.Mutex
		tries int
	)
	plan := &Plan{
		Kind:   types.JobBulkImport,
		Policy: types.ErrorPolicyContinue,
		Tasks: []*Task{{
			Ref: "acme",
			op: func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
				mu.Lock()
				tries++
				n := tries
				mu.Unlock()
				if n < 3 {
					return types.ItemResult{}, types.ErrRateLimited
				}
				return types.ItemResult{Ref: "acme", Action: types.ActionCreated}, nil
			},
		}},
	}

	job := h.submit(t, plan)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateSucceeded, done.State)
	assert.Equal(t, 1, done.Completed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, tries)
}

func TestRunExhaustsRetriesAndFails(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})

	var (
		mu    sync.Mutex
		tries int
	)
	plan := &Plan{
		Kind:   types.JobBulkImport,
		Policy: types.ErrorPolicyContinue,
		Tasks: []*Task{{
			Ref: "acme",
			op: func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
				mu.Lock()
				tries++
				mu.Unlock()
				return types.ItemResult{}, types.ErrUpstreamUnavailable
			},
		}},
	}

	job := h.submit(t, plan)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, 1, done.Failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, tries)

	require.Len(t, done.Results, 1)
	assert.Equal(t, types.ActionFailed, done.Results[0].Action)
	assert.Equal(t, "upstream-unavailable", done.Results[0].Error.Kind)
}

func TestRunCascadesParentFailure(t *testing.T) {
	h := newHarness(t, Options{Workers: 2})

	var (
		mu    sync.Mutex
		calls []string
	)
	plan := &Plan{
		Kind:   types.JobBulkImport,
		Policy: types.ErrorPolicyContinue,
		Tasks: []*Task{
			{Ref: "doomed", Depth: 0, Seq: 0, op: failOp(types.ErrValidation)},
			{Ref: "doomed/child", ParentRef: "doomed", Depth: 1, Seq: 1, op: okOp(&calls, &mu, "doomed/child")},
			{Ref: "doomed/child/leaf", ParentRef: "doomed/child", Depth: 2, Seq: 2, op: okOp(&calls, &mu, "doomed/child/leaf")},
			{Ref: "healthy", Depth: 0, Seq: 3, op: okOp(&calls, &mu, "healthy")},
		},
	}

	job := h.submit(t, plan)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, 1, done.Completed)
	assert.Equal(t, 3, done.Failed)
	assert.Zero(t, done.Cancelled)

	// Descendants never reached upstream.
	mu.Lock()
	assert.Equal(t, []string{"healthy"}, calls)
	mu.Unlock()

	byRef := map[string]*types.ItemResult{}
	for _, res := range done.Results {
		byRef[res.Ref] = res
	}
	require.Contains(t, byRef, "doomed/child")
	assert.Equal(t, types.ActionFailed, byRef["doomed/child"].Action)
	assert.Equal(t, "parent-missing", byRef["doomed/child"].Error.Kind)
	require.Contains(t, byRef, "doomed/child/leaf")
	assert.Equal(t, "parent-missing", byRef["doomed/child/leaf"].Error.Kind)
}

func TestRunStopsOnFirstError(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})

	var (
		mu    sync.Mutex
		calls []string
	)
	plan := &Plan{
		Kind:   types.JobBulkSettings,
		Policy: types.ErrorPolicyStop,
		Tasks: []*Task{
			{Ref: "a", Seq: 0, op: failOp(types.ErrForbidden)},
			{Ref: "b", Seq: 1, op: okOp(&calls, &mu, "b")},
			{Ref: "c", Seq: 2, op: okOp(&calls, &mu, "c")},
		},
	}

	job := h.submit(t, plan)
	done := waitTerminal(t, h.reg, job.ID)

	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, 1, done.Failed)
	assert.Equal(t, 2, done.Cancelled)
	assert.Zero(t, done.Completed)

	mu.Lock()
	assert.Empty(t, calls)
	mu.Unlock()

	byRef := map[string]types.ItemAction{}
	for _, res := range done.Results {
		byRef[res.Ref] = res.Action
	}
	assert.Equal(t, types.ActionCancelled, byRef["b"])
	assert.Equal(t, types.ActionCancelled, byRef["c"])
}

func TestRunCancelDiscardsInFlightResults(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	plan := &Plan{
		Kind:   types.JobBulkDelete,
		Policy: types.ErrorPolicyContinue,
		Tasks: []*Task{
			{
				Ref: "slow",
				Seq: 0,
				op: func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
					once.Do(func() { close(started) })
					<-release
					return types.ItemResult{Ref: "slow", Action: types.ActionDeleted}, nil
				},
			},
			{Ref: "queued", Seq: 1, op: failOp(types.ErrInternal)},
		},
	}

	job := h.submit(t, plan)
	<-started
	require.NoError(t, h.reg.Cancel(job.ID))
	close(release)

	done := waitTerminal(t, h.reg, job.ID)
	assert.Equal(t, types.JobStateCancelled, done.State)
	assert.Equal(t, 2, done.Cancelled)
	assert.Zero(t, done.Completed)
	assert.Zero(t, done.Failed)

	for _, res := range done.Results {
		assert.Equal(t, types.ActionCancelled, res.Action, "item %s", res.Ref)
	}
}

func TestRunFailsFastWhenSessionRevoked(t *testing.T) {
	h := newHarness(t, Options{Workers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	plan := &Plan{
		Kind:   types.JobBulkMembers,
		Policy: types.ErrorPolicyContinue,
		Tasks: []*Task{
			{
				Ref: "first",
				Seq: 0,
				op: func(ctx context.Context, ex *execContext) (types.ItemResult, error) {
					once.Do(func() { close(started) })
					<-release
					return types.ItemResult{Ref: "first", Action: types.ActionCreated}, nil
				},
			},
			{Ref: "second", Seq: 1, op: failOp(types.ErrInternal)},
			{Ref: "third", Seq: 2, op: failOp(types.ErrInternal)},
		},
	}

	job := h.submit(t, plan)
	<-started
	h.sessions.Revoke(h.session)
	close(release)

	done := waitTerminal(t, h.reg, job.ID)

	// The unsealed token finishes its call; the next task hits the revoked
	// session and the job dies with bad credentials.
	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, 1, done.Completed)
	assert.Equal(t, 1, done.Failed)
	assert.Equal(t, 1, done.Cancelled)
	require.NotNil(t, done.Error)
	assert.Equal(t, "bad-credentials", done.Error.Kind)
}

func TestRunRejectsJobWithoutPlan(t *testing.T) {
	h := newHarness(t, Options{})

	job, err := h.reg.Submit(h.session, types.JobBulkImport, 1, "not a plan")
	require.NoError(t, err)

	done := waitTerminal(t, h.reg, job.ID)
	assert.Equal(t, types.JobStateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, "internal", done.Error.Kind)
}
