package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/engagement-tracker/internal/tracking"
)

// HandleCampaignStats serves the aggregate query surface: rollup row when
// the refresher has materialized one, live aggregate otherwise. Raw and
// confirmed-human rates are reported side by side; privacy-proxy prefetches
// make any single "true" open rate statistically unjustifiable.
func (s *Server) HandleCampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	stats, err := s.store.RollupStats(r.Context(), campaignID)
	if err == nil && stats == nil {
		stats, err = s.store.ComputeCampaignStats(r.Context(), campaignID)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleCampaignEvents lists a campaign's recorded events, paged, for the
// dashboard collaborator.
func (s *Server) HandleCampaignEvents(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	events, total, err := s.store.CampaignEvents(r.Context(), campaignID, q.Get("type"), limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "events unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type optOutRequest struct {
	Recipient  string   `json:"recipient"`
	EventTypes []string `json:"event_types"`
}

// HandleOptOut records an explicit recipient suppression request. The raw
// address is hashed immediately and never stored.
func (s *Server) HandleOptOut(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if err := decodeJSON(r, &req); err != nil || req.Recipient == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recipient is required"})
		return
	}

	types := make([]tracking.EventType, 0, len(req.EventTypes))
	for _, t := range req.EventTypes {
		types = append(types, tracking.EventType(t))
	}
	if len(types) == 0 {
		types = []tracking.EventType{tracking.EventOpen, tracking.EventClick}
	}

	hash := s.hasher.HashRecipient(req.Recipient)
	if err := s.store.Suppress(r.Context(), hash, types); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "optout failed"})
		return
	}
	s.meta.MarkSuppressed(r.Context(), hash, types...)

	writeJSON(w, http.StatusOK, map[string]string{"status": "suppressed"})
}
