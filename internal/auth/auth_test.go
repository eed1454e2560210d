package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminJWTRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, expiresAt, err := GenerateAdminJWT("admin-1", "admin@example.com", []string{"admin"}, secret, 15*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, time.Minute)

	claims, err := ValidateAdminJWT(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", claims.AdminID)
	assert.Equal(t, "admin@example.com", claims.Email)
	assert.Equal(t, []string{"admin"}, claims.Roles)
}

func TestAdminJWTWrongSecret(t *testing.T) {
	token, _, err := GenerateAdminJWT("admin-1", "a@b.c", nil, []byte("right"), time.Minute)
	require.NoError(t, err)

	_, err = ValidateAdminJWT(token, []byte("wrong"))
	assert.Error(t, err)
}

func TestAdminJWTExpired(t *testing.T) {
	token, _, err := GenerateAdminJWT("admin-1", "a@b.c", nil, []byte("secret"), -time.Minute)
	require.NoError(t, err)

	_, err = ValidateAdminJWT(token, []byte("secret"))
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
}

func TestMemoryKeyStore(t *testing.T) {
	store := NewMemoryKeyStore()
	store.Register("sk-test-1", &Key{ID: "k1", UserID: "u1", OrganizationID: "acme"})
	ctx := context.Background()

	key, err := store.Lookup(ctx, "sk-test-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", key.UserID)
	assert.Equal(t, "acme", key.OrganizationID)

	_, err = store.Lookup(ctx, "sk-wrong")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleViewer))
	assert.True(t, RoleAdmin.HasPermission(RoleAdmin))
	assert.True(t, RoleViewer.HasPermission(RoleViewer))
	assert.False(t, RoleViewer.HasPermission(RoleAdmin))
	assert.False(t, Role("bogus").IsValid())
}
