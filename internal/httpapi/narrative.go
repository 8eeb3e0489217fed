package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/events"
)

// handleAppendEvent is the satellites' write path into the narrative log.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string                 `json:"user_id"`
		EventType string                 `json:"event_type"`
		AppSource string                 `json:"app_source"`
		EventData map[string]interface{} `json:"event_data,omitempty"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	// The deployment ceiling may be tighter than the store's hard cap.
	if err := events.CheckDataSize(req.EventData, s.cfg.Security.MaxEventBytes); err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.eventsS.Append(r.Context(), req.UserID, req.EventType, req.AppSource, req.EventData, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	if err := requireSelf(r, userID); err != nil {
		writeError(w, err)
		return
	}
	packet, err := s.analyzer.Analyze(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packet)
}

// handleRateLimitReset clears limiter state for one identifier. Requires
// the admin grant in the caller's scope.
func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	if !claims.HasPermission("admin") {
		writeError(w, core.NewError(core.CodeInsufficientScope, "admin scope required"))
		return
	}
	var req struct {
		Identifier string `json:"identifier"`
		Scope      string `json:"scope"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.limiter.Reset(r.Context(), req.Identifier, req.Scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}
