package registry

import (
	"context"
	"fmt"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// Handle is the reporting surface a runner gets for its job. All methods
// route through the registry, which keeps it the sole mutator and turns
// every report into bus events for watchers.
type Handle struct {
	reg *Registry
	id  string
}

// ID returns the job ID.
func (h *Handle) ID() string { return h.id }

// Job returns a snapshot copy of the job, Params included.
func (h *Handle) Job() (*types.Job, error) {
	h.reg.mu.RLock()
	defer h.reg.mu.RUnlock()

	e, ok := h.reg.jobs[h.id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", h.id, types.ErrNotFound)
	}
	return copyJob(e.job), nil
}

// Record reports the terminal outcome of one planned item. It bumps the
// matching counter, appends to the bounded result ring and publishes a
// progress event carrying the item.
func (h *Handle) Record(res types.ItemResult) {
	r := h.reg

	r.mu.Lock()
	e, ok := r.jobs[h.id]
	if !ok {
		r.mu.Unlock()
		return
	}
	switch res.Action {
	case types.ActionFailed:
		e.job.Failed++
	case types.ActionCancelled:
		e.job.Cancelled++
	default:
		e.job.Completed++
	}
	stored := res
	e.job.Results = append(e.job.Results, &stored)
	if r.resultRing > 0 && len(e.job.Results) > r.resultRing {
		e.job.Results = e.job.Results[len(e.job.Results)-r.resultRing:]
	}
	kind := e.job.Kind
	data := progressData(e.job)
	r.mu.Unlock()

	metrics.JobItemsTotal.WithLabelValues(string(kind), string(res.Action)).Inc()

	item := map[string]any{"ref": res.Ref, "action": string(res.Action)}
	if res.UpstreamID != 0 {
		item["upstreamId"] = res.UpstreamID
	}
	if res.Error != nil {
		item["error"] = map[string]any{"kind": res.Error.Kind, "message": res.Error.Message}
	}
	data["currentItem"] = res.Ref
	data["item"] = item

	r.bus.Publish(Topic(h.id), types.Event{
		Kind:  types.EventProgress,
		JobID: h.id,
		Data:  data,
	})
}

// SetTotal fixes the workload size once the engine has discovered it.
func (h *Handle) SetTotal(total int) {
	r := h.reg

	r.mu.Lock()
	e, ok := r.jobs[h.id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.job.Total = total
	data := progressData(e.job)
	r.mu.Unlock()

	r.bus.Publish(Topic(h.id), types.Event{
		Kind:  types.EventProgress,
		JobID: h.id,
		Data:  data,
	})
}

// SetProgress reports absolute progress for jobs without discrete items,
// such as a migration walking revisions.
func (h *Handle) SetProgress(completed int, current string) {
	r := h.reg

	r.mu.Lock()
	e, ok := r.jobs[h.id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.job.Completed = completed
	data := progressData(e.job)
	r.mu.Unlock()

	if current != "" {
		data["currentItem"] = current
	}
	r.bus.Publish(Topic(h.id), types.Event{
		Kind:  types.EventProgress,
		JobID: h.id,
		Data:  data,
	})
}

// Log publishes a log event onto the job topic.
func (h *Handle) Log(level, message string) {
	h.reg.bus.Publish(Topic(h.id), types.Event{
		Kind:  types.EventLog,
		JobID: h.id,
		Data:  map[string]any{"level": level, "message": message},
	})
}

// SetMigration replaces the job's migration status block.
func (h *Handle) SetMigration(st types.MigrationStatus) {
	r := h.reg

	r.mu.Lock()
	if e, ok := r.jobs[h.id]; ok {
		copied := st
		if st.MissingAuthors != nil {
			copied.MissingAuthors = append([]string(nil), st.MissingAuthors...)
		}
		if st.LogTail != nil {
			copied.LogTail = append([]string(nil), st.LogTail...)
		}
		e.job.Migration = &copied
	}
	r.mu.Unlock()
}

// Pause parks the job and reports which author identities are missing.
func (h *Handle) Pause(missing []string) error {
	return h.reg.Pause(h.id, missing)
}

// AwaitResume blocks until Resume delivers a payload or ctx ends.
func (h *Handle) AwaitResume(ctx context.Context) (any, error) {
	r := h.reg

	r.mu.RLock()
	e, ok := r.jobs[h.id]
	var ch chan any
	if ok {
		ch = e.resumeCh
	}
	r.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("job %s has no pending pause: %w", h.id, types.ErrConflict)
	}

	select {
	case payload := <-ch:
		r.mu.Lock()
		if e, ok := r.jobs[h.id]; ok && e.resumeCh == ch {
			e.resumeCh = nil
		}
		r.mu.Unlock()
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// progressData builds the counters payload. Caller holds the registry lock.
func progressData(j *types.Job) map[string]any {
	return map[string]any{
		"completed": j.Completed,
		"failed":    j.Failed,
		"cancelled": j.Cancelled,
		"total":     j.Total,
	}
}
