package bulk

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/ratelimit"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/session"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

const (
	defaultWorkers     = 5
	defaultAPIDelay    = 200 * time.Millisecond
	defaultDeadline    = 30 * time.Minute
	defaultCallTimeout = 30 * time.Second

	// maxAttempts bounds how often one task runs before its error sticks.
	maxAttempts = 3
)

// Options tunes a bulk engine. Zero values take defaults.
type Options struct {
	Workers     int
	APIDelay    time.Duration
	Deadline    time.Duration
	CallTimeout time.Duration
}

// Engine executes bulk plans against GitLab. One engine serves every bulk
// job kind; per-job state lives on the run, so concurrent jobs do not
// interfere.
type Engine struct {
	sessions *session.Store
	limiter  *ratelimit.Limiter
	opts     Options
	logger   zerolog.Logger
}

// NewEngine wires the engine to the session vault and the shared upstream
// limiter.
func NewEngine(sessions *session.Store, limiter *ratelimit.Limiter, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.APIDelay <= 0 {
		opts.APIDelay = defaultAPIDelay
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
		opts:     opts,
		logger:   log.WithComponent("bulk"),
	}
}

// Run executes the plan attached to the job. It satisfies registry.Runner.
func (e *Engine) Run(ctx context.Context, h *registry.Handle) error {
	job, err := h.Job()
	if err != nil {
		return err
	}
	plan, ok := job.Params.(*Plan)
	if !ok || plan == nil {
		return fmt.Errorf("job %s carries no bulk plan: %w", job.ID, types.ErrInternal)
	}

	sess, err := e.sessions.Get(job.SessionID)
	if err != nil {
		return fmt.Errorf("bulk job %s: %w", job.ID, err)
	}

	r := &planRun{
		engine:    e,
		handle:    h,
		plan:      plan,
		sessionID: job.SessionID,
		baseURL:   sess.BaseURL,
		state:     newPlanState(),
		ready:     newTaskQueue(),
		blocked:   make(map[string][]*Task),
		logger:    e.logger.With().Str("job_id", job.ID).Str("kind", string(plan.Kind)).Logger(),
	}
	return r.execute(ctx)
}

// outcome carries one finished task application back to the dispatcher.
type outcome struct {
	task *Task
	res  types.ItemResult
	err  error
}

// planRun is the per-job execution state. Only the dispatcher goroutine
// touches ready, blocked and the counters; workers communicate through
// channels.
type planRun struct {
	engine    *Engine
	handle    *registry.Handle
	plan      *Plan
	sessionID string
	baseURL   string
	state     *planState
	logger    zerolog.Logger

	ready    *taskQueue
	blocked  map[string][]*Task
	inFlight int

	// stopped halts dispatch; ctxDone marks the stop as a cancellation or
	// deadline rather than an error-policy stop.
	stopped bool
	ctxDone bool
	fatal   error
}

func (r *planRun) execute(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, r.engine.opts.Deadline)
	defer cancel()

	for _, t := range r.plan.Tasks {
		if t.ParentRef == "" {
			heap.Push(r.ready, t)
			continue
		}
		r.blocked[t.ParentRef] = append(r.blocked[t.ParentRef], t)
	}

	workCh := make(chan *Task)
	outCh := make(chan outcome)
	var wg sync.WaitGroup
	for i := 0; i < r.engine.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(runCtx, workCh, outCh)
		}()
	}

	pending := len(r.plan.Tasks)
	done := runCtx.Done()
	for pending > 0 {
		if r.stopped && r.inFlight == 0 {
			pending -= r.flushUnattempted()
			continue
		}

		var (
			dispatch chan *Task
			next     *Task
		)
		if !r.stopped && r.ready.Len() > 0 {
			next = r.ready.peek()
			dispatch = workCh
		}

		select {
		case dispatch <- next:
			heap.Pop(r.ready)
			r.inFlight++
		case out := <-outCh:
			r.inFlight--
			if !r.ctxDone && runCtx.Err() != nil {
				r.stopped = true
				r.ctxDone = true
				done = nil
			}
			pending -= r.resolve(out)
		case <-done:
			r.stopped = true
			r.ctxDone = true
			done = nil
		}
	}

	close(workCh)
	wg.Wait()

	switch {
	case r.fatal != nil:
		return r.fatal
	case r.ctxDone && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("bulk run exceeded %s: %w", r.engine.opts.Deadline, types.ErrDeadline)
	case r.ctxDone:
		return types.ErrCancelled
	}
	return nil
}

// worker applies tasks until the dispatcher closes the channel. Successive
// calls from one worker are spaced by the API delay.
func (r *planRun) worker(ctx context.Context, workCh <-chan *Task, outCh chan<- outcome) {
	first := true
	for t := range workCh {
		if !first {
			select {
			case <-time.After(r.engine.opts.APIDelay):
			case <-ctx.Done():
			}
		}
		first = false

		res, err := r.apply(ctx, t)
		outCh <- outcome{task: t, res: res, err: err}
	}
}

// apply runs one task under the session's current token. The token is
// looked up per task so a revoked session fails the next call, not some
// cached client.
func (r *planRun) apply(ctx context.Context, t *Task) (types.ItemResult, error) {
	if ctx.Err() != nil {
		return types.ItemResult{}, types.ErrCancelled
	}

	var res types.ItemResult
	err := r.engine.sessions.WithToken(r.sessionID, func(token string) error {
		api, err := gitlab.NewAPIClient(r.baseURL, token, r.engine.limiter, r.engine.opts.CallTimeout)
		if err != nil {
			return err
		}
		res, err = t.op(ctx, &execContext{api: api, st: r.state})
		return err
	})
	return res, err
}

// resolve folds one outcome into the run and returns how many tasks it
// settled (retries settle none; failures settle the task plus every
// descendant it orphans).
func (r *planRun) resolve(out outcome) int {
	t := out.task

	// Once cancelled, in-flight calls finish upstream but their results
	// are discarded; the item reports cancelled either way.
	if r.ctxDone {
		r.handle.Record(types.ItemResult{Ref: t.Ref, Action: types.ActionCancelled})
		return 1
	}

	if out.err == nil {
		r.handle.Record(out.res)
		r.unblock(t.Ref)
		return 1
	}

	if retryable(out.err) && t.attempts < maxAttempts-1 {
		t.attempts++
		r.logger.Debug().
			Str("ref", t.Ref).
			Int("attempt", t.attempts+1).
			Str("reason", types.Kind(out.err)).
			Msg("Requeueing task")
		heap.Push(r.ready, t)
		return 0
	}

	r.handle.Record(types.ItemResult{
		Ref:    t.Ref,
		Action: types.ActionFailed,
		Error:  types.NewErrorInfo(out.err),
	})
	settled := 1 + r.cascadeFail(t.Ref)

	switch {
	case errors.Is(out.err, types.ErrBadCredentials):
		r.stopped = true
		r.fatal = out.err
	case r.plan.Policy == types.ErrorPolicyStop:
		r.stopped = true
	}
	return settled
}

// unblock releases children gated on a successful parent.
func (r *planRun) unblock(ref string) {
	for _, child := range r.blocked[ref] {
		heap.Push(r.ready, child)
	}
	delete(r.blocked, ref)
}

// cascadeFail settles every descendant of a failed parent without touching
// upstream. Returns how many tasks it recorded.
func (r *planRun) cascadeFail(ref string) int {
	children := r.blocked[ref]
	if len(children) == 0 {
		return 0
	}
	delete(r.blocked, ref)

	n := 0
	for _, child := range children {
		r.handle.Record(types.ItemResult{
			Ref:    child.Ref,
			Action: types.ActionFailed,
			Error:  types.NewErrorInfo(fmt.Errorf("parent %s failed: %w", ref, types.ErrParentMissing)),
		})
		n += 1 + r.cascadeFail(child.Ref)
	}
	return n
}

// flushUnattempted marks everything still queued or gated as cancelled.
// Runs only after in-flight work has drained.
func (r *planRun) flushUnattempted() int {
	n := 0
	for r.ready.Len() > 0 {
		t := heap.Pop(r.ready).(*Task)
		r.handle.Record(types.ItemResult{Ref: t.Ref, Action: types.ActionCancelled})
		n++
	}
	for ref, children := range r.blocked {
		for _, child := range children {
			r.handle.Record(types.ItemResult{Ref: child.Ref, Action: types.ActionCancelled})
			n++
		}
		delete(r.blocked, ref)
	}
	return n
}

// retryable reports whether the error is transient enough to requeue.
func retryable(err error) bool {
	return errors.Is(err, types.ErrRateLimited) ||
		errors.Is(err, types.ErrUpstreamUnavailable) ||
		errors.Is(err, types.ErrTimeout)
}
