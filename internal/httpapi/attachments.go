package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vaultodo/sync-api/internal/auth"
	"github.com/vaultodo/sync-api/internal/service/syncservice"
)

type refsReq struct {
	Refs []syncservice.AttachmentRef `json:"refs"`
}

// handleUpsertRefs records which todo owns which attachment. Ghost GC
// trusts these pairs, so clients send them with every attachment upload.
func (s *Server) handleUpsertRefs(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req refsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Refs) > syncservice.MaxAttachmentRefs {
		writeError(w, r, http.StatusBadRequest,
			"too many refs, max "+strconv.Itoa(syncservice.MaxAttachmentRefs))
		return
	}

	if err := s.Svc.UpsertAttachmentRefs(r.Context(), userID, req.Refs); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleGhostGC runs attachment garbage collection for the calling user.
// Fallback mode is on: a user who deleted every todo gets all attachment
// bytes back even when refs were never reported.
func (s *Server) handleGhostGC(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	stats, err := s.Svc.GCGhostFiles(r.Context(), userID, syncservice.GhostGCOptions{
		IncludeUnreferencedWhenNoLiveTodo: true,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"deletedAttachments": stats.DeletedAttachments,
		"deletedRecords":     stats.DeletedRecords,
		"freedBytes":         stats.StoredBefore - stats.StoredAfter,
		"storedBytes":        stats.StoredAfter,
	})
}
