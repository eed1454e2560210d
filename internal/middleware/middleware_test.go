package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_gateway/internal/auth"
)

func callerHandler(t *testing.T, store auth.KeyStore, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	var sawCaller bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		sawCaller = ok
		if ok {
			w.Header().Set("X-Test-User", caller.UserID)
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	CallerMiddleware(store)(inner).ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		require.True(t, sawCaller)
	}
	return rec
}

func newKeyStore() *auth.MemoryKeyStore {
	store := auth.NewMemoryKeyStore()
	store.Register("sk-valid", &auth.Key{ID: "k1", UserID: "u1", OrganizationID: "acme"})
	store.Register("sk-revoked", &auth.Key{ID: "k2", UserID: "u2", Revoked: true})
	return store
}

func TestCallerMiddlewareValidKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set("X-API-Key", "sk-valid")

	rec := callerHandler(t, newKeyStore(), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Header().Get("X-Test-User"))
}

func TestCallerMiddlewareBearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")

	rec := callerHandler(t, newKeyStore(), req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallerMiddlewareMissingKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)

	rec := callerHandler(t, newKeyStore(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing API key")
}

func TestCallerMiddlewareInvalidKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set("X-API-Key", "sk-bogus")

	rec := callerHandler(t, newKeyStore(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallerMiddlewareRevokedKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.Header.Set("X-API-Key", "sk-revoked")

	rec := callerHandler(t, newKeyStore(), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "revoked")
}

func adminRequest(t *testing.T, secret []byte, roles []string) *http.Request {
	t.Helper()
	token, _, err := auth.GenerateAdminJWT("admin-1", "a@b.c", roles, secret, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/admin/thing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func runAdmin(secret []byte, req *http.Request, required ...auth.Role) *httptest.ResponseRecorder {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	AdminJWTMiddleware(secret, required...)(inner).ServeHTTP(rec, req)
	return rec
}

func TestAdminJWTMiddlewareValid(t *testing.T) {
	secret := []byte("secret")
	rec := runAdmin(secret, adminRequest(t, secret, []string{"admin"}), auth.RoleAdmin)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminJWTMiddlewareAdminCoversViewer(t *testing.T) {
	secret := []byte("secret")
	rec := runAdmin(secret, adminRequest(t, secret, []string{"admin"}), auth.RoleViewer)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminJWTMiddlewareInsufficientRole(t *testing.T) {
	secret := []byte("secret")
	rec := runAdmin(secret, adminRequest(t, secret, []string{"viewer"}), auth.RoleAdmin)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminJWTMiddlewareMissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/thing", nil)
	rec := runAdmin([]byte("secret"), req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminJWTMiddlewareBadToken(t *testing.T) {
	rec := runAdmin([]byte("other-secret"), adminRequest(t, []byte("secret"), []string{"admin"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
