package gateway

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bulk"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// submitPlan turns a validated plan into a queued job and answers 202 with
// the job id, which is also the event topic suffix for the websocket feed.
func (s *Server) submitPlan(w http.ResponseWriter, r *http.Request, plan *bulk.Plan) {
	sess := sessionFrom(r.Context())
	job, err := s.reg.Submit(sess.ID, plan.Kind, len(plan.Tasks), plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("tasks", len(plan.Tasks)).
		Msg("bulk job accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	var req types.ImportPlan
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	plan, err := bulk.PlanImport(&req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.submitPlan(w, r, plan)
}

func (s *Server) handleBulkSettings(w http.ResponseWriter, r *http.Request) {
	scope := types.SettingsKind(chi.URLParam(r, "scope"))

	var req types.SettingsPlan
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	// The route scope is the default patch kind; an explicit kind must agree
	// with it so one request never mixes setting families.
	for _, target := range req.Targets {
		if target == nil || target.Patch == nil {
			continue
		}
		switch target.Patch.Kind {
		case "":
			target.Patch.Kind = scope
		case scope:
		default:
			writeError(w, r, fmt.Errorf("target %q: patch kind %q conflicts with route scope %q: %w",
				target.Ref, target.Patch.Kind, scope, types.ErrValidation))
			return
		}
	}
	plan, err := bulk.PlanSettings(&req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.submitPlan(w, r, plan)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req types.DeletePlan
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	plan, err := bulk.PlanDelete(&req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.submitPlan(w, r, plan)
}

func (s *Server) handleBulkMembers(w http.ResponseWriter, r *http.Request) {
	var req types.MembersPlan
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	plan, err := bulk.PlanMembers(&req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.submitPlan(w, r, plan)
}
