package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"ringtrade/internal/engine"
	"ringtrade/internal/models"
)

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps the engine's sentinel kinds onto HTTP statuses.
// Anything unclassified is a bug; it logs and returns an opaque 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, engine.ErrResourceExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Data-plane handlers ---

func (s *Server) handleSubmitInventory(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	var req models.SubmitInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.SubmitInventory(t.ID, req); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "accepted",
		"walletId": req.WalletID,
		"count":    len(req.NFTs),
	})
}

func (s *Server) handleSubmitWants(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	var req models.SubmitWantsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.SubmitWants(t.ID, req); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "accepted",
		"walletId": req.WalletID,
		"count":    len(req.WantedNFTs) + len(req.WantedCollections),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	var req models.DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WalletID == "" {
		writeError(w, http.StatusBadRequest, "walletId is required")
		return
	}

	res, err := s.engine.Discover(r.Context(), t.ID, req.WalletID, req.NFTID, req.Settings)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	loops := make([]models.LoopPayload, 0, len(res.Loops))
	for _, l := range res.Loops {
		loops = append(loops, engine.LoopPayload(l))
	}
	writeJSON(w, http.StatusOK, models.DiscoverResponse{
		Loops:     loops,
		Truncated: res.Truncated,
		FromCache: res.FromCache,
	})
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	view, err := t.WalletView(mux.Vars(r)["walletId"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveNFT(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	if err := s.engine.RemoveNFT(t.ID, mux.Vars(r)["nftId"]); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveWant(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	vars := mux.Vars(r)
	if err := s.engine.RemoveWant(t.ID, vars["walletId"], vars["id"]); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	t := TenantFromContext(r.Context())
	if t == nil {
		writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	if err := s.engine.RemoveWallet(t.ID, mux.Vars(r)["walletId"]); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
