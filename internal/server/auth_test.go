package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/froz-husain/sketchsync/internal/config"
)

func testAuthConfig(t *testing.T, username, password string) config.AuthConfig {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return config.AuthConfig{
		Accounts:    []config.Account{{Username: username, PasswordHash: string(hash)}},
		TokenSecret: "test-secret",
		TokenTTL:    time.Minute,
	}
}

func TestVerifyPassword(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t, "sync", "s3cret"))

	assert.True(t, auth.VerifyPassword("sync", "s3cret"))
	assert.False(t, auth.VerifyPassword("sync", "wrong"))
	assert.False(t, auth.VerifyPassword("ghost", "s3cret"))
}

func TestFeedTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t, "sync", "s3cret"))

	token, err := auth.IssueFeedToken("sync", "sketchsync_tenant-alice")
	require.NoError(t, err)

	subject, err := auth.VerifyFeedToken(token, "sketchsync_tenant-alice")
	require.NoError(t, err)
	assert.Equal(t, "sync", subject)
}

func TestFeedTokenBoundToDatabase(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t, "sync", "s3cret"))

	token, err := auth.IssueFeedToken("sync", "sketchsync_tenant-alice")
	require.NoError(t, err)

	_, err = auth.VerifyFeedToken(token, "sketchsync_tenant-bob")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFeedTokenRejectsGarbage(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t, "sync", "s3cret"))

	_, err := auth.VerifyFeedToken("not-a-token", "db")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFeedTokenRejectsForeignSecret(t *testing.T) {
	auth := NewAuthenticator(testAuthConfig(t, "sync", "s3cret"))

	other := NewAuthenticator(config.AuthConfig{TokenSecret: "other-secret", TokenTTL: time.Minute})
	token, err := other.IssueFeedToken("sync", "db")
	require.NoError(t, err)

	_, err = auth.VerifyFeedToken(token, "db")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFeedTokenExpires(t *testing.T) {
	cfg := testAuthConfig(t, "sync", "s3cret")
	cfg.TokenTTL = -time.Minute
	auth := NewAuthenticator(cfg)

	token, err := auth.IssueFeedToken("sync", "db")
	require.NoError(t, err)

	_, err = auth.VerifyFeedToken(token, "db")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
