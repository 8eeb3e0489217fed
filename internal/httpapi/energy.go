package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/luna-platform/hub/internal/core"
	"github.com/luna-platform/hub/internal/orchestrator"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	if err := requireSelf(r, userID); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.ledger.CheckBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCanPerform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		ActionName string `json:"action_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	check, err := s.ledger.CanPerform(r.Context(), req.UserID, req.ActionName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// handleConsume commits energy for work a satellite already performed. The
// satellite calls this after delivering its result.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string                 `json:"user_id"`
		ActionName string                 `json:"action_name"`
		Context    map[string]interface{} `json:"context,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	if claims := ClaimsFrom(r.Context()); claims.IsChild() && !claims.HasPermission(req.ActionName) {
		writeError(w, orchestratorScopeError(claims.SpecialistName, req.ActionName))
		return
	}
	result, err := s.ledger.Consume(r.Context(), req.UserID, req.ActionName, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"user_id"`
		ActionEventID string `json:"action_event_id"`
		Reason        string `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.orch.RequestRefund(r.Context(), orchestrator.RefundRequest{
		UserID:        req.UserID,
		ActionEventID: req.ActionEventID,
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefundEligibility(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, eventID := vars["user"], vars["event"]
	if err := requireSelf(r, userID); err != nil {
		writeError(w, err)
		return
	}
	eligibility, err := s.orch.RefundEligibility(r.Context(), userID, eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

// handleOrchestrate runs the full metered pipeline for a hub-orchestrated
// action: the work unit assembles the narrative context packet that the
// caller forwards to the LLM gateway.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string                 `json:"user_id"`
		ActionName string                 `json:"action_name"`
		Context    map[string]interface{} `json:"context,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.orch.MeteredAction(r.Context(), orchestrator.ActionRequest{
		UserID:        req.UserID,
		ActionName:    req.ActionName,
		Token:         bearerToken(r, s.cfg.Auth.CookieName),
		IP:            clientIP(r, s.cfg.Security.TrustProxyFor),
		CorrelationID: CorrelationIDFrom(r.Context()),
		Context:       req.Context,
	}, func(ctx context.Context) (map[string]interface{}, error) {
		packet, err := s.analyzer.Analyze(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return packetAsMap(packet)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func orchestratorScopeError(specialist, action string) error {
	return core.NewErrorf(core.CodeInsufficientScope, "specialist %s lacks permission %q", specialist, action)
}

func packetAsMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
