package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmark/tripsync/internal/common"
)

var secret = []byte("test-secret")

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("user-1", secret, time.Minute)
	require.NoError(t, err)

	userID, err := UserIDFromToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestExpiredToken(t *testing.T) {
	token, err := GenerateToken("user-1", secret, -time.Minute)
	require.NoError(t, err)

	_, err = UserIDFromToken(token, secret)
	assert.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", []byte("other"), time.Minute)
	require.NoError(t, err)

	_, err = UserIDFromToken(token, secret)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestMissingUserID(t *testing.T) {
	token, err := GenerateToken("", secret, time.Minute)
	require.NoError(t, err)

	_, err = UserIDFromToken(token, secret)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestGarbageToken(t *testing.T) {
	_, err := UserIDFromToken("not-a-token", secret)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}
