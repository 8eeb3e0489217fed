package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		PackCode string `json:"pack_code"`
		Nonce    string `json:"nonce"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.orch.CreateIntent(r.Context(), req.UserID, req.PackCode, req.Nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		IntentID string `json:"intent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireSelf(r, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.orch.ConfirmPayment(r.Context(), req.UserID, req.IntentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBillingHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user"]
	if err := requireSelf(r, userID); err != nil {
		writeError(w, err)
		return
	}
	records, err := s.orch.PurchaseHistory(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": records})
}
