package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/auth"
	"github.com/vaultodo/sync-api/internal/metrics"
	"github.com/vaultodo/sync-api/internal/service/syncservice"
)

type pushReq struct {
	Records []syncservice.Envelope `json:"records"`
}

// handlePush applies one batch of encrypted envelopes.
// Per-record failures come back in the rejected list with a 200; only
// request-level conditions (banned, over quota, oversized batch) fail
// the whole call.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req pushReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, _, err := s.Svc.Push(r.Context(), userID, req.Records)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to encode response")
		return
	}

	// Push responses count against the monthly outbound allowance without
	// a cap check: the batch already committed, the bytes are owed.
	if err := s.Svc.ChargeOutbound(r.Context(), userID, len(body)); err != nil {
		log.Error().Err(err).Int64("userId", userID).Msg("outbound accounting failed")
	}
	metrics.OutboundBytes.Add(float64(len(body)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handlePull serves one page of the committed log.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	q := r.URL.Query()

	since := parseInt64(q.Get("since"), 0)
	limit := parseInt64(q.Get("limit"), syncservice.DefaultPullLimit)
	excludeDeviceID := q.Get("excludeDeviceId")

	result, quota, err := s.Svc.Pull(r.Context(), userID, since, limit, excludeDeviceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to encode response")
		return
	}

	// Pull charging is conditional: if sending this page would cross the
	// outbound cap, the page is withheld.
	ok, err := s.Svc.ChargeOutboundCAS(r.Context(), userID, len(body), quota.AllowedOutboundBytes)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "outbound accounting failed")
		return
	}
	if !ok {
		writeError(w, r, http.StatusPaymentRequired, "quota_exceeded")
		return
	}
	metrics.OutboundBytes.Add(float64(len(body)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeServiceError maps service sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncservice.ErrBatchTooLarge):
		writeError(w, r, http.StatusBadRequest, "too many records in batch")
	case errors.Is(err, syncservice.ErrOverQuota):
		writeError(w, r, http.StatusPaymentRequired, "quota_exceeded")
	case errors.Is(err, syncservice.ErrBanned):
		writeError(w, r, http.StatusForbidden, "account banned")
	case errors.Is(err, syncservice.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, syncservice.ErrBundleConflict):
		writeError(w, r, http.StatusConflict, "bundle version mismatch")
	case errors.Is(err, syncservice.ErrBundleNotFound):
		writeError(w, r, http.StatusNotFound, "key bundle not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
