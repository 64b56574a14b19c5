package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/dendrite-core/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAccessTokenFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.org/x", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	tok, ok := ExtractAccessToken(req)
	require.True(t, ok)
	assert.Equal(t, "abc123", tok)
}

func TestExtractAccessTokenFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.org/x?access_token=abc123", nil)
	tok, ok := ExtractAccessToken(req)
	require.True(t, ok)
	assert.Equal(t, "abc123", tok)
}

func TestExtractAccessTokenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.org/x", nil)
	_, ok := ExtractAccessToken(req)
	assert.False(t, ok)
}

func TestHashAndCheckPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(hash, "s3cret"))
	assert.Error(t, CheckPassword(hash, "wrong"))
}

func TestLoginSucceedsAndFails(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	_, err = db.CreateUser(ctx, "alice", "example.org", hash)
	require.NoError(t, err)

	_, err = Login(ctx, db, "alice", "example.org", "s3cret")
	require.NoError(t, err)

	_, err = Login(ctx, db, "alice", "example.org", "wrong")
	require.Error(t, err)

	_, err = Login(ctx, db, "nobody", "example.org", "s3cret")
	require.Error(t, err)
}

func TestAuthenticateResolvesDevice(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	device, err := db.CreateDevice(ctx, "@alice:example.org", NewAccessToken(), "phone")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://example.org/x", nil)
	req.Header.Set("Authorization", "Bearer "+device.AccessToken)

	got, err := Authenticate(ctx, db, req)
	require.NoError(t, err)
	assert.Equal(t, device.UserID, got.UserID)
}

func TestAuthenticateMissingToken(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	req := httptest.NewRequest(http.MethodGet, "http://example.org/x", nil)
	_, err := Authenticate(ctx, db, req)
	assert.Error(t, err)
}
