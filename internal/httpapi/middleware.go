package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
)

type ctxKey int

const ctxRequestIDKey ctxKey = iota

// claims is the tenant/role claim shape a bearer JWT carries, grounded on
// internal/app/httpapi/auth.go's Supabase claim extraction.
type claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// withRequestID stamps every request with an opaque id (reused from
// X-Request-ID if the caller already set one), surfaced both in the
// error envelope and as a response header.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxRequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestIDKey).(string)
	return id
}

// withCORS allows cross-origin dashboard clients and short-circuits
// preflight requests, mirroring internal/app/httpapi/service.go's
// wrapWithCORS.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Tenant-ID, X-Agent-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth extracts the caller's tenant id and role onto the request
// context, per spec §6: a bearer JWT carries both claims; absent a
// token, the bare X-Tenant-ID header is honoured with viewer-only
// ("public-scope") access. Missing tenant information entirely is not
// rejected here; the handlers reject it via Server.requireIdentity,
// which answers FORBIDDEN.
func withAuth(secret string, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if token := bearerToken(r); token != "" && secret != "" {
				c := &claims{}
				parsed, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected jwt signing method %v", t.Header["alg"])
					}
					return []byte(secret), nil
				})
				if err == nil && parsed.Valid {
					ctx = tenant.WithTenantID(ctx, c.TenantID)
					ctx = tenant.WithRole(ctx, tenant.Role(c.Role))
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				log.WithError(err).Debug("rejected invalid bearer token, falling back to tenant header")
			}

			if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenantID != "" {
				ctx = tenant.WithTenantID(ctx, tenantID)
				ctx = tenant.WithRole(ctx, tenant.RoleViewer)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
