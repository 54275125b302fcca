package api

import "github.com/gorilla/mux"

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws/status", s.handleStatusWebSocket).Methods("GET", "OPTIONS")
}

func registerTradeRoutes(r *mux.Router, s *Server) {
	authed := r.NewRoute().Subrouter()
	authed.Use(s.auth.Middleware)

	authed.HandleFunc("/inventory/submit", s.handleSubmitInventory).Methods("POST", "OPTIONS")
	authed.HandleFunc("/inventory/{nftId}", s.handleRemoveNFT).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/wants/submit", s.handleSubmitWants).Methods("POST", "OPTIONS")
	authed.HandleFunc("/wants/{walletId}/{id}", s.handleRemoveWant).Methods("DELETE", "OPTIONS")
	authed.HandleFunc("/trade/discover", s.handleDiscover).Methods("POST", "OPTIONS")
	authed.HandleFunc("/wallets/{walletId}", s.handleGetWallet).Methods("GET", "OPTIONS")
	authed.HandleFunc("/wallets/{walletId}", s.handleRemoveWallet).Methods("DELETE", "OPTIONS")
}

func registerAdminRoutes(r *mux.Router, s *Server) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuthMiddleware)

	admin.HandleFunc("/tenants", s.handleAdminCreateTenant).Methods("POST", "OPTIONS")
	admin.HandleFunc("/tenants", s.handleAdminListTenants).Methods("GET", "OPTIONS")
	admin.HandleFunc("/tenants/{tenantId}", s.handleAdminGetTenant).Methods("GET", "OPTIONS")
	admin.HandleFunc("/tenants/{tenantId}", s.handleAdminDeleteTenant).Methods("DELETE", "OPTIONS")
}
