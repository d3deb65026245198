package service

import (
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/auth"
	"github.com/CloudcraftTeche/cog-sub003/internal/config"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
}

func TestUserService_RegisterAndLogin(t *testing.T) {
	gdb := newTestDB(t)
	cfg := testConfig()
	s := NewUserService(gdb, cfg)

	u, err := s.Register("alice", "password123", "")
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, u.Role)

	_, err = s.Register("alice", "other", models.RoleTeacher)
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = s.Register("mallory", "pw", "superuser")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = s.Login("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login("nobody", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := s.Login("alice", "password123")
	require.NoError(t, err)
	claims, err := auth.ParseAccessToken(res.AccessToken, cfg.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestUserService_RefreshRotates(t *testing.T) {
	gdb := newTestDB(t)
	s := NewUserService(gdb, testConfig())
	_, err := s.Register("teacher", "password123", models.RoleTeacher)
	require.NoError(t, err)
	login, err := s.Login("teacher", "password123")
	require.NoError(t, err)

	next, err := s.RefreshTokens(login.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, next.RefreshToken)

	_, err = s.RefreshTokens(login.RefreshToken)
	assert.Error(t, err, "a rotated refresh token cannot be reused")
}

func TestUserService_EnsureAdminAndGet(t *testing.T) {
	gdb := newTestDB(t)
	s := NewUserService(gdb, testConfig())

	require.NoError(t, s.EnsureAdmin("root", "password123"))
	require.NoError(t, s.EnsureAdmin("root", "password123"))

	var admins int64
	require.NoError(t, gdb.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&admins).Error)
	assert.Equal(t, int64(1), admins)

	_, err := s.Get(42)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
