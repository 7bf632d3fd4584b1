package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bus"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// Runner executes jobs of one kind. The registry starts one goroutine per
// job; the runner reports everything through the Handle and returns when
// the job is done, failed, or gave in to cancellation.
type Runner interface {
	Run(ctx context.Context, h *Handle) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, h *Handle) error

func (f RunnerFunc) Run(ctx context.Context, h *Handle) error { return f(ctx, h) }

// Topic names the progress bus topic for a job.
func Topic(jobID string) string { return "job:" + jobID }

type jobEntry struct {
	job      *types.Job
	cancel   context.CancelFunc
	resumeCh chan any
}

// Registry owns all job state. Every mutation flows through it, and every
// mutation that changes what a watcher would see publishes onto the job's
// bus topic. Engines and handlers only ever receive copies.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*jobEntry
	bySession map[string]map[string]struct{}
	runners   map[types.JobKind]Runner

	bus        *bus.Bus
	resultRing int
	retain     time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates the registry. retain bounds how long terminal jobs stay
// listable; the reaper runs at sweepInterval.
func New(b *bus.Bus, resultRing int, retain, sweepInterval time.Duration) *Registry {
	r := &Registry{
		jobs:       make(map[string]*jobEntry),
		bySession:  make(map[string]map[string]struct{}),
		runners:    make(map[types.JobKind]Runner),
		bus:        b,
		resultRing: resultRing,
		retain:     retain,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("registry"),
	}
	if sweepInterval > 0 {
		go r.reapLoop(sweepInterval)
	}
	return r
}

// RegisterRunner binds an engine to a job kind. Must complete before the
// first Submit of that kind; typically done once at startup.
func (r *Registry) RegisterRunner(kind types.JobKind, runner Runner) {
	r.mu.Lock()
	r.runners[kind] = runner
	r.mu.Unlock()
}

// Submit creates a job and starts its runner. total may be zero when the
// engine discovers the workload later (migrations count revisions during
// clone). The job context is detached from the submitting request, so
// jobs outlive the HTTP call that created them.
func (r *Registry) Submit(sessionID string, kind types.JobKind, total int, params any) (*types.Job, error) {
	return r.submit(sessionID, kind, total, params, "")
}

// SubmitChild creates a job owned by a parent job. Bulk migrations fan out
// this way; children are regular jobs with their own topics and lifecycle.
func (r *Registry) SubmitChild(sessionID string, kind types.JobKind, total int, params any, parentID string) (*types.Job, error) {
	return r.submit(sessionID, kind, total, params, parentID)
}

func (r *Registry) submit(sessionID string, kind types.JobKind, total int, params any, parentID string) (*types.Job, error) {
	r.mu.Lock()
	runner, ok := r.runners[kind]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("no engine registered for kind %q: %w", kind, types.ErrInternal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &types.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		State:     types.JobStatePending,
		CreatedAt: time.Now(),
		Total:     total,
		Params:    params,
		ParentID:  parentID,
	}
	entry := &jobEntry{job: job, cancel: cancel}
	r.jobs[job.ID] = entry
	if sessionID != "" {
		ids, ok := r.bySession[sessionID]
		if !ok {
			ids = make(map[string]struct{})
			r.bySession[sessionID] = ids
		}
		ids[job.ID] = struct{}{}
	}
	snapshot := copyJob(job)
	r.mu.Unlock()

	r.publishState(job.ID, types.JobStatePending)
	r.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Int("total", total).
		Msg("Job submitted")

	r.wg.Add(1)
	go r.execute(ctx, job.ID, runner)

	return snapshot, nil
}

func (r *Registry) execute(ctx context.Context, id string, runner Runner) {
	defer r.wg.Done()

	kind := r.markRunning(id)
	timer := metrics.NewTimer()

	err := runner.Run(ctx, &Handle{reg: r, id: id})

	timer.ObserveDurationVec(metrics.JobDuration, string(kind))
	r.finish(id, err)
}

func (r *Registry) markRunning(id string) types.JobKind {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	kind := e.job.Kind
	// A cancel can land before the runner gets going; keep cancelling.
	if e.job.State == types.JobStatePending {
		e.job.State = types.JobStateRunning
		now := time.Now()
		e.job.StartedAt = &now
	}
	state := e.job.State
	r.mu.Unlock()

	if state == types.JobStateRunning {
		r.publishState(id, types.JobStateRunning)
	}
	return kind
}

// finish resolves the terminal state from the runner's outcome and the
// item counters, then closes the topic.
func (r *Registry) finish(id string, runErr error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok || e.job.State.Terminal() {
		r.mu.Unlock()
		return
	}

	var state types.JobState
	var info *types.ErrorInfo
	switch {
	case runErr == nil:
		if e.job.Failed > 0 || e.job.Cancelled > 0 {
			state = types.JobStateFailed
		} else {
			state = types.JobStateSucceeded
		}
	case errors.Is(runErr, types.ErrCancelled) || errors.Is(runErr, context.Canceled):
		state = types.JobStateCancelled
	default:
		state = types.JobStateFailed
		info = types.NewErrorInfo(runErr)
	}

	now := time.Now()
	e.job.State = state
	e.job.EndedAt = &now
	e.job.Error = info
	summary := map[string]any{
		"total":     e.job.Total,
		"completed": e.job.Completed,
		"failed":    e.job.Failed,
		"cancelled": e.job.Cancelled,
	}
	kind := e.job.Kind
	r.mu.Unlock()

	r.publishState(id, state)
	r.bus.Publish(Topic(id), types.Event{
		Kind:  types.EventTerminal,
		JobID: id,
		Data:  map[string]any{"state": string(state), "summary": summary},
	})
	r.bus.CloseTopic(Topic(id))

	evt := r.logger.Info()
	if state == types.JobStateFailed {
		evt = r.logger.Warn()
	}
	evt.Str("job_id", id).
		Str("kind", string(kind)).
		Str("state", string(state)).
		Msg("Job finished")

	if runErr != nil && state == types.JobStateFailed {
		log.Errorf("job runner failed", runErr)
	}
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (*types.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	return copyJob(e.job), nil
}

// List returns copies of the session's jobs, newest first. Empty filters
// match everything.
func (r *Registry) List(sessionID string, kinds []types.JobKind, states []types.JobState) []*types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Job
	for id := range r.bySession[sessionID] {
		e, ok := r.jobs[id]
		if !ok {
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, e.job.Kind) {
			continue
		}
		if len(states) > 0 && !containsState(states, e.job.State) {
			continue
		}
		out = append(out, copyJob(e.job))
	}
	sortJobsNewestFirst(out)
	return out
}

// Cancel requests cooperative cancellation. Terminal jobs conflict.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if e.job.State.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("job %s already %s: %w", id, e.job.State, types.ErrConflict)
	}
	already := e.job.State == types.JobStateCancelling
	if !already {
		e.job.State = types.JobStateCancelling
	}
	cancel := e.cancel
	r.mu.Unlock()

	if already {
		return nil
	}

	r.publishState(id, types.JobStateCancelling)
	cancel()
	r.logger.Info().Str("job_id", id).Msg("Job cancellation requested")
	return nil
}

// Pause parks a running migration until Resume. missing lists the author
// identities the job is waiting on.
func (r *Registry) Pause(id string, missing []string) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if e.job.State != types.JobStateRunning {
		r.mu.Unlock()
		return fmt.Errorf("job %s is %s, not running: %w", id, e.job.State, types.ErrConflict)
	}
	e.job.State = types.JobStatePaused
	if e.resumeCh == nil {
		e.resumeCh = make(chan any, 1)
	}
	if e.job.Migration != nil {
		e.job.Migration.MissingAuthors = missing
	}
	r.mu.Unlock()

	r.publishState(id, types.JobStatePaused)
	r.bus.Publish(Topic(id), types.Event{
		Kind:  types.EventNeedsAuthors,
		JobID: id,
		Data:  map[string]any{"missing": missing},
	})
	return nil
}

// Resume unparks a paused job, handing payload to the waiting runner.
func (r *Registry) Resume(id string, payload any) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if e.job.State != types.JobStatePaused {
		r.mu.Unlock()
		return fmt.Errorf("job %s is %s, not paused: %w", id, e.job.State, types.ErrConflict)
	}
	e.job.State = types.JobStateRunning
	if e.job.Migration != nil {
		e.job.Migration.MissingAuthors = nil
	}
	ch := e.resumeCh
	r.mu.Unlock()

	r.publishState(id, types.JobStateRunning)
	if ch != nil {
		// buffered; the state check above guarantees a single sender
		ch <- payload
	}
	return nil
}

// JobCounts feeds the metrics collector.
func (r *Registry) JobCounts() map[types.JobKind]map[types.JobState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[types.JobKind]map[types.JobState]int)
	for _, e := range r.jobs {
		byState, ok := counts[e.job.Kind]
		if !ok {
			byState = make(map[types.JobState]int)
			counts[e.job.Kind] = byState
		}
		byState[e.job.State]++
	}
	return counts
}

// Shutdown cancels every non-terminal job and waits for runners to drain,
// bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	for id, e := range r.jobs {
		if !e.job.State.Terminal() {
			if e.job.State != types.JobStateCancelling {
				e.job.State = types.JobStateCancelling
			}
			e.cancel()
			r.logger.Debug().Str("job_id", id).Msg("Cancelling job for shutdown")
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job drain interrupted: %w", ctx.Err())
	}
}

func (r *Registry) publishState(id string, state types.JobState) {
	r.bus.Publish(Topic(id), types.Event{
		Kind:  types.EventState,
		JobID: id,
		Data:  map[string]any{"state": string(state)},
	})
}

func (r *Registry) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// reap drops terminal jobs past the retention window.
func (r *Registry) reap(now time.Time) {
	r.mu.Lock()
	removed := 0
	for id, e := range r.jobs {
		if !e.job.State.Terminal() || e.job.EndedAt == nil {
			continue
		}
		if now.Sub(*e.job.EndedAt) < r.retain {
			continue
		}
		delete(r.jobs, id)
		if ids, ok := r.bySession[e.job.SessionID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.bySession, e.job.SessionID)
			}
		}
		removed++
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("Reaped terminal jobs")
	}
}

func copyJob(j *types.Job) *types.Job {
	out := *j
	if j.Results != nil {
		out.Results = make([]*types.ItemResult, len(j.Results))
		copy(out.Results, j.Results)
	}
	if j.Migration != nil {
		m := *j.Migration
		if j.Migration.MissingAuthors != nil {
			m.MissingAuthors = append([]string(nil), j.Migration.MissingAuthors...)
		}
		if j.Migration.LogTail != nil {
			m.LogTail = append([]string(nil), j.Migration.LogTail...)
		}
		out.Migration = &m
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

func containsKind(kinds []types.JobKind, k types.JobKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsState(states []types.JobState, s types.JobState) bool {
	for _, state := range states {
		if state == s {
			return true
		}
	}
	return false
}

func sortJobsNewestFirst(jobs []*types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
