package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// svnConnectionRequest is the wire form of SVN credentials. The typed
// SvnConnection never serializes its password, so the handlers own the one
// place a password crosses the boundary.
type svnConnectionRequest struct {
	SvnURL   string `json:"svnUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c svnConnectionRequest) conn() types.SvnConnection {
	return types.SvnConnection{URL: c.SvnURL, Username: c.Username, Password: c.Password}
}

// migrationConnection mirrors SvnConnection field for field but accepts the
// password, for use inside migration params bodies.
type migrationConnection struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// migrationRequest shadows the embedded connection so request bodies can
// carry a password that the typed params deliberately cannot.
type migrationRequest struct {
	types.MigrationParams
	Connection migrationConnection `json:"connection"`
}

func (m *migrationRequest) params() *types.MigrationParams {
	p := m.MigrationParams
	p.Connection = types.SvnConnection{
		URL:      m.Connection.URL,
		Username: m.Connection.Username,
		Password: m.Connection.Password,
	}
	return &p
}

type bulkMigrationRequest struct {
	Migrations []*migrationRequest    `json:"migrations"`
	Options    types.MigrationOptions `json:"options"`
}

func (s *Server) handleSvnTest(w http.ResponseWriter, r *http.Request) {
	var req svnConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	info, err := s.svn.TestConnection(r.Context(), req.conn())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSvnUsers(w http.ResponseWriter, r *http.Request) {
	var req svnConnectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	users, err := s.svn.ExtractAuthors(r.Context(), req.conn())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

func (s *Server) handleMigrationPreview(w http.ResponseWriter, r *http.Request) {
	var req migrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	preview, err := s.svn.PreviewMigration(r.Context(), req.params())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleMigrationStart(w http.ResponseWriter, r *http.Request) {
	var req migrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	params := req.params()
	if err := s.svn.ValidateParams(params); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svn.Preflight(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	s.submitMigration(w, r, types.JobSvnMigration, 0, params)
}

func (s *Server) handleMigrationBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkMigrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Migrations) == 0 {
		writeError(w, r, fmt.Errorf("at least one migration is required: %w", types.ErrValidation))
		return
	}
	bulk := &types.BulkMigrationParams{
		Migrations: make([]*types.MigrationParams, 0, len(req.Migrations)),
		Options:    req.Options,
	}
	for i, m := range req.Migrations {
		if m == nil {
			writeError(w, r, fmt.Errorf("migration %d is empty: %w", i, types.ErrValidation))
			return
		}
		params := m.params()
		if err := s.svn.ValidateParams(params); err != nil {
			writeError(w, r, fmt.Errorf("migration %d: %w", i, err))
			return
		}
		bulk.Migrations = append(bulk.Migrations, params)
	}
	if err := s.svn.Preflight(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	s.submitMigration(w, r, types.JobSvnBulk, len(bulk.Migrations), bulk)
}

// handleMigrationList reports the persisted migration records. This is how
// clients find sync targets once the originating jobs have aged out of the
// registry; the records themselves never contain credentials.
func (s *Server) handleMigrationList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svn.ListMigrations()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*store.MigrationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string][]*store.MigrationRecord{"migrations": recs})
}

// handleMigrationSync starts an svn-sync job against a previous migration.
// The body is optional; passwords are never persisted, so private
// repositories need fresh credentials here.
func (s *Server) handleMigrationSync(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")

	// When the prior job is still known to the registry it must belong to
	// the caller; once it has aged out, the persistent index decides.
	if prior, err := s.reg.Get(id); err == nil && prior.SessionID != sess.ID {
		writeError(w, r, fmt.Errorf("job %s: %w", id, types.ErrNotFound))
		return
	}

	var req svnConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, fmt.Errorf("invalid request body: %w", types.ErrValidation))
		return
	}
	if err := s.svn.Preflight(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	s.submitMigration(w, r, types.JobSvnSync, 0, &types.SyncParams{
		MigrationID: id,
		Connection:  req.conn(),
	})
}

// handleMigrationAuthors completes a paused migration's author map.
func (s *Server) handleMigrationAuthors(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	var req struct {
		Authors map[string]types.Author `json:"authors"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Authors) == 0 {
		writeError(w, r, fmt.Errorf("authors map is empty: %w", types.ErrValidation))
		return
	}
	if err := s.reg.Resume(job.ID, req.Authors); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitMigration(w http.ResponseWriter, r *http.Request, kind types.JobKind, total int, params any) {
	sess := sessionFrom(r.Context())
	job, err := s.reg.Submit(sess.ID, kind, total, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Msg("migration job accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}
