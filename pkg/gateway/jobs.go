package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// ownedJob resolves {id} to a job owned by the calling session. Foreign jobs
// answer not-found rather than forbidden so ids cannot be probed.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*types.Job, bool) {
	sess := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	job, err := s.reg.Get(id)
	if err != nil || job.SessionID != sess.ID {
		writeError(w, r, fmt.Errorf("job %s: %w", id, types.ErrNotFound))
		return nil, false
	}
	return job, true
}

// queryList gathers a repeatable query parameter, also splitting on commas,
// so ?kind=a&kind=b and ?kind=a,b read the same.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	var kinds []types.JobKind
	for _, v := range queryList(r, "kind") {
		kinds = append(kinds, types.JobKind(v))
	}
	var states []types.JobState
	for _, v := range queryList(r, "state") {
		states = append(states, types.JobState(v))
	}

	jobs := s.reg.List(sess.ID, kinds, states)
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, map[string][]*types.Job{"jobs": jobs})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.reg.Cancel(job.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info().Str("job_id", job.ID).Msg("job cancel requested")
	w.WriteHeader(http.StatusNoContent)
}
