package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"ringtrade/internal/models"
)

func (s *Server) handleAdminCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTenantRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	resp, err := s.engine.CreateTenant(req.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAdminListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.engine.ListTenants()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": tenants,
		"count": len(tenants),
	})
}

func (s *Server) handleAdminGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Tenant(mux.Vars(r)["tenantId"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Stats())
}

func (s *Server) handleAdminDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTenant(mux.Vars(r)["tenantId"]); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
