package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/vaultodo/sync-api/internal/auth"
)

type putBundleReq struct {
	ExpectedBundleVersion int64          `json:"expectedBundleVersion"`
	Bundle                map[string]any `json:"bundle"`
}

// handleGetKeyBundle returns the user's wrapped-key bundle, 404 if none
// was ever written.
func (s *Server) handleGetKeyBundle(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	bundle, err := s.Svc.GetKeyBundle(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundle": bundle})
}

// handlePutKeyBundle replaces the bundle under compare-and-swap
// versioning; a stale expectedBundleVersion gets a 409.
func (s *Server) handlePutKeyBundle(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req putBundleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Bundle == nil {
		writeError(w, r, http.StatusBadRequest, "bundle is required")
		return
	}

	bundle, err := s.Svc.PutKeyBundle(r.Context(), userID, req.ExpectedBundleVersion, req.Bundle)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundle": bundle})
}
