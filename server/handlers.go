package server

import (
	"encoding/json"
	"net/http"
)

// --- audit HTTP handlers ---

// handleFetchHandHistory serves the stored hand results for one room:
// GET /handhistory?room=<roomID>
func (s *Server) handleFetchHandHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room parameter", http.StatusBadRequest)
		return
	}

	recs, err := s.db.FetchHandResults(r.Context(), roomID)
	if err != nil {
		s.log.Errorf("Failed to fetch hand history for room %s: %v", roomID, err)
		http.Error(w, "failed to fetch hand history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		s.log.Errorf("Failed to encode hand history response: %v", err)
	}
}

// handleFetchSessions serves the session open/close audit trail:
// GET /sessions?room=<roomID>
func (s *Server) handleFetchSessions(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room parameter", http.StatusBadRequest)
		return
	}

	recs, err := s.db.FetchSessionEvents(r.Context(), roomID)
	if err != nil {
		s.log.Errorf("Failed to fetch session events for room %s: %v", roomID, err)
		http.Error(w, "failed to fetch session events", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(recs); err != nil {
		s.log.Errorf("Failed to encode session events response: %v", err)
	}
}
