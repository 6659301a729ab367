package storage

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadSignerRoundTrip(t *testing.T) {
	signer := NewDownloadSigner("secret", time.Hour)
	token, expiresAt, err := signer.Sign("export-1", "2024/09/02/attendance_7A.csv")
	require.NoError(t, err)

	exportID, path, parsedExpiry, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "export-1", exportID)
	assert.Equal(t, "2024/09/02/attendance_7A.csv", path)
	assert.WithinDuration(t, expiresAt, parsedExpiry, time.Second)
}

func TestDownloadSignerExpired(t *testing.T) {
	signer := NewDownloadSigner("secret", time.Minute)
	token, _, err := signer.Sign("export-1", "a.csv")
	require.NoError(t, err)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, _, _, err = signer.Verify(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestDownloadSignerRejectsForeignTokens(t *testing.T) {
	signer := NewDownloadSigner("secret", time.Minute)
	token, _, err := signer.Sign("export-1", "a.csv")
	require.NoError(t, err)

	_, _, _, err = NewDownloadSigner("other", time.Minute).Verify(token)
	require.Error(t, err)

	// An access token signed with the same secret is not a download grant.
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        "export-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, _, _, err = signer.Verify(access)
	require.Error(t, err)
}

func TestDownloadSignerRequiresInputs(t *testing.T) {
	_, _, err := NewDownloadSigner("secret", 0).Sign("", "a.csv")
	require.Error(t, err)
	_, _, err = NewDownloadSigner("", 0).Sign("export-1", "a.csv")
	require.Error(t, err)
}
