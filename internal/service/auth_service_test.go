package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-attendance-sync/internal/models"
	appErrors "github.com/noah-isme/sma-attendance-sync/pkg/errors"
)

func TestAuthServiceIssueAndValidate(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret"})

	token, expiresAt, err := svc.IssueToken("kiosk-1", models.RoleScanner, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", claims.UserID)
	assert.Equal(t, models.RoleScanner, claims.Role)
	assert.Equal(t, "sma-attendance-sync", claims.Issuer)
}

func TestAuthServiceDefaultExpiry(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: 30 * time.Minute})

	_, expiresAt, err := svc.IssueToken("admin", models.RoleAdmin, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), expiresAt, 5*time.Second)
}

func TestAuthServiceRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthService(AuthConfig{AccessTokenSecret: "other"})
	token, _, err := issuer.IssueToken("teacher", models.RoleTeacher, time.Hour)
	require.NoError(t, err)

	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret"})
	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret"})
	past := time.Now().Add(-2 * time.Hour)
	claims := &models.JWTClaims{
		UserID: "teacher",
		Role:   models.RoleTeacher,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(past),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestAuthServiceRejectsOtherAlgorithms(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret"})
	claims := &models.JWTClaims{UserID: "x", Role: models.RoleAdmin}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestAuthServiceRejectsUnknownRole(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret"})
	_, _, err := svc.IssueToken("kiosk-1", models.UserRole("JANITOR"), time.Hour)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	claims := &models.JWTClaims{
		UserID: "kiosk-1",
		Role:   models.UserRole("JANITOR"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sma-attendance-sync",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestAuthServiceToleratesClockDrift(t *testing.T) {
	svc := NewAuthService(AuthConfig{AccessTokenSecret: "secret", Leeway: time.Minute})
	token, expiresAt, err := svc.IssueToken("kiosk-1", models.RoleScanner, time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return expiresAt.Add(30 * time.Second) }
	_, err = svc.ValidateToken(token)
	require.NoError(t, err)

	svc.now = func() time.Time { return expiresAt.Add(2 * time.Minute) }
	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")
}
