package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"ringtrade/internal/engine"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// Server is the HTTP front of the engine: tenant data-plane routes,
// admin routes, the status page and the WebSocket feed.
type Server struct {
	engine     *engine.Engine
	hub        *Hub
	auth       *AuthMiddleware
	limiter    *ipLimiter
	adminKey   string
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

// WithAdminKey overrides the ADMIN_API_KEY env value.
func WithAdminKey(key string) func(*Server) {
	return func(s *Server) { s.adminKey = key }
}

// WithAuth overrides the middleware built from JWT_SECRET, used by
// tests to pin a known secret.
func WithAuth(a *AuthMiddleware) func(*Server) {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter overrides the limiter built from the environment.
func WithRateLimiter(l *ipLimiter) func(*Server) {
	return func(s *Server) { s.limiter = l }
}

func NewServer(eng *engine.Engine, hub *Hub, port string, opts ...func(*Server)) *Server {
	r := mux.NewRouter()

	s := &Server{
		engine:   eng,
		hub:      hub,
		adminKey: os.Getenv("ADMIN_API_KEY"),
		limiter:  newIPLimiterFromEnv(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = NewAuthMiddleware(os.Getenv("JWT_SECRET"), eng)
	}

	r.Use(commonMiddleware)
	r.Use(s.rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerTradeRoutes(r, s)
	registerAdminRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus serves aggregate engine statistics. The payload is
// cached for a few seconds; building it walks every tenant.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(now)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(10 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(now time.Time) ([]byte, error) {
	st := s.engine.Stats()

	wallets, nfts, loops := 0, 0, 0
	for _, t := range s.engine.ListTenants() {
		wallets += t.Wallets
		nfts += t.NFTs
		loops += t.Loops
	}

	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}

	resp := map[string]interface{}{
		"status":         "ok",
		"commit":         BuildCommit,
		"tenants":        st.Tenants,
		"total_wallets":  wallets,
		"total_nfts":     nfts,
		"cached_loops":   loops,
		"ws_clients":     wsClients,
		"started_at":     st.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": st.UptimeSeconds,
		"generated_at":   now.UTC().Format(time.RFC3339),
	}

	return json.Marshal(resp)
}
