package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a classified error onto its status and the uniform
// error body. Unclassified errors surface as 500 internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, types.HTTPStatus(err), map[string]string{
		"error":     err.Error(),
		"kind":      types.Kind(err),
		"requestId": chimw.GetReqID(r.Context()),
	})
}

// decodeJSON reads the request body into v. Oversized bodies get their
// own status; everything else malformed is a validation failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error":     fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit),
			"kind":      "validation",
			"requestId": chimw.GetReqID(r.Context()),
		})
		return err
	}
	writeError(w, r, fmt.Errorf("invalid request body: %w", types.ErrValidation))
	return err
}
