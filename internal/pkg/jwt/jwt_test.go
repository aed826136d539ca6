package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := GenerateToken("u1", secret, time.Hour)
	require.NoError(t, err)
	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)

	_, err = ParseToken(token, []byte("other"))
	require.Error(t, err)

	_, err = GenerateToken("", secret, time.Hour)
	require.Error(t, err)
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("s3cret")
	expired, err := GenerateToken("u1", secret, -time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(expired, secret)
	require.Error(t, err)

	noExp, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{UserID: "u1"}).SignedString(secret)
	require.NoError(t, err)
	_, err = ParseToken(noExp, secret)
	require.Error(t, err)

	hs512, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS512, Claims{
		UserID:           "u1",
		RegisteredClaims: jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = ParseToken(hs512, secret)
	require.Error(t, err)
}

func TestParseTokenFallsBackToSubject(t *testing.T) {
	secret := []byte("s3cret")
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "u9",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)
	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	require.Equal(t, "u9", claims.UserID)
}
