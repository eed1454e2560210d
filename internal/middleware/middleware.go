package middleware

import (
	"context"
	"net/http"
	"strings"

	"ai_gateway/internal/auth"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// CallerKey is the context key for the authenticated caller
	CallerKey ContextKey = "caller"

	// KeyRecordKey is the context key for the resolved API key record
	KeyRecordKey ContextKey = "keyRecord"

	// AdminClaimsKey is the context key for admin JWT claims
	AdminClaimsKey ContextKey = "adminClaims"
)

// bearerOrAPIKey pulls the credential from X-API-Key or a Bearer header.
func bearerOrAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// CallerMiddleware authenticates gateway requests by API key and stores the
// resolved caller identity in the request context.
func CallerMiddleware(store auth.KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := bearerOrAPIKey(r)
			if plaintext == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing API key", "unauthorized")
				return
			}

			key, err := store.Lookup(r.Context(), plaintext)
			if err != nil {
				if err == auth.ErrKeyNotFound {
					utils.RespondWithError(w, http.StatusUnauthorized, "Invalid API key", "unauthorized")
					return
				}
				utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key", "internal_error")
				return
			}
			if key.Revoked {
				utils.RespondWithError(w, http.StatusUnauthorized, "API key has been revoked", "unauthorized")
				return
			}

			caller := usage.Caller{UserID: key.UserID, OrganizationID: key.OrganizationID}
			ctx := context.WithValue(r.Context(), CallerKey, caller)
			ctx = context.WithValue(ctx, KeyRecordKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller retrieves the authenticated caller from the request context.
func GetCaller(ctx context.Context) (usage.Caller, bool) {
	caller, ok := ctx.Value(CallerKey).(usage.Caller)
	return caller, ok
}

// GetKeyRecord retrieves the resolved API key record from the request context.
func GetKeyRecord(ctx context.Context) (*auth.Key, bool) {
	key, ok := ctx.Value(KeyRecordKey).(*auth.Key)
	return key, ok
}

// AdminJWTMiddleware validates admin JWT tokens and enforces role-based
// access for the management endpoints.
func AdminJWTMiddleware(secret []byte, requiredRoles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token", "unauthorized")
				return
			}

			claims, err := auth.ValidateAdminJWT(tokenString, secret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token", "unauthorized")
				return
			}

			if len(requiredRoles) > 0 && !hasAnyPermission(claims.Roles, requiredRoles) {
				utils.RespondWithError(w, http.StatusForbidden, "Insufficient permissions", "forbidden")
				return
			}

			ctx := context.WithValue(r.Context(), AdminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasAnyPermission(held []string, required []auth.Role) bool {
	for _, want := range required {
		for _, have := range held {
			if auth.Role(have).HasPermission(want) {
				return true
			}
		}
	}
	return false
}

// GetAdminClaims retrieves the admin claims from the request context.
func GetAdminClaims(ctx context.Context) (*auth.AdminClaims, bool) {
	claims, ok := ctx.Value(AdminClaimsKey).(*auth.AdminClaims)
	return claims, ok
}
