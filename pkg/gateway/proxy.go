package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// pageHeaders are forwarded to the caller verbatim so UI pagination works
// exactly as against GitLab directly.
var pageHeaders = []string{
	"Content-Type",
	"X-Total",
	"X-Total-Pages",
	"X-Per-Page",
	"X-Page",
	"X-Next-Page",
	"X-Prev-Page",
}

// handleProxy forwards a single call to the session's GitLab instance.
// Upstream 4xx pass through untouched; 429 and 5xx have already been
// retried by the raw client by the time they land here.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())

	path := strings.TrimPrefix(r.URL.Path, "/api/gitlab")
	if path == "" || path == "/" {
		writeError(w, r, fmt.Errorf("no upstream path given: %w", types.ErrValidation))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit),
				"kind":  "validation",
			})
			return
		}
		writeError(w, r, fmt.Errorf("read request body: %w", types.ErrInternal))
		return
	}

	call := &gitlab.Call{
		Method:      r.Method,
		BaseURL:     sess.BaseURL,
		Path:        path,
		Query:       r.URL.Query(),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Accept:      r.Header.Get("Accept"),
	}

	var resp *gitlab.Response
	err = s.sessions.WithToken(sess.ID, func(token string) error {
		call.Token = token
		defer func() { call.Token = "" }()
		var derr error
		resp, derr = s.raw.Do(r.Context(), call)
		return derr
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	for _, name := range pageHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
