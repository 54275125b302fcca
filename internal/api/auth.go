package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"ringtrade/internal/engine"
)

type contextKey string

const tenantCtxKey contextKey = "ringtrade_tenant"

// TenantResolver maps credentials to tenants. *engine.Engine satisfies it.
type TenantResolver interface {
	ResolveKey(key string) (*engine.Tenant, error)
	Tenant(id string) (*engine.Tenant, error)
}

// AuthMiddleware authenticates tenant requests. X-API-Key is checked
// first; a Bearer JWT signed with the shared secret and carrying a
// "tid" claim is the fallback for dashboard sessions.
type AuthMiddleware struct {
	jwtSecret []byte
	resolver  TenantResolver
}

func NewAuthMiddleware(jwtSecret string, resolver TenantResolver) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		resolver:  resolver,
	}
}

func (a *AuthMiddleware) ExtractTenant(r *http.Request) (*engine.Tenant, error) {
	// Try API Key first
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return a.resolver.ResolveKey(apiKey)
	}

	// Try JWT
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("%w: missing Authorization header or X-API-Key", engine.ErrUnauthorized)
	}
	if len(a.jwtSecret) == 0 {
		return nil, fmt.Errorf("%w: bearer auth not configured", engine.ErrUnauthorized)
	}

	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JWT: %s", engine.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid JWT claims", engine.ErrUnauthorized)
	}

	tid, ok := claims["tid"].(string)
	if !ok || tid == "" {
		return nil, fmt.Errorf("%w: JWT missing tid claim", engine.ErrUnauthorized)
	}

	t, err := a.resolver.Tenant(tid)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown tenant %s", engine.ErrUnauthorized, tid)
	}
	return t, nil
}

func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}

		t, err := a.ExtractTenant(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), tenantCtxKey, t)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFromContext returns the authenticated tenant, or nil outside
// the authed subrouter.
func TenantFromContext(ctx context.Context) *engine.Tenant {
	t, _ := ctx.Value(tenantCtxKey).(*engine.Tenant)
	return t
}

// adminAuthMiddleware checks for the admin key in the Authorization
// header or X-Admin-Key. The key is read from ADMIN_API_KEY at startup;
// an empty key disables the admin API.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}
		if s.adminKey == "" {
			writeError(w, http.StatusForbidden, "admin API is disabled (no ADMIN_API_KEY configured)")
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			key = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if key != s.adminKey {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
