package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret-32bytes-padded!!"

func signed(t *testing.T, method jwt.SigningMethod, key interface{}, claims *Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	t1, err := GenerateToken(5, testSecret, time.Hour)
	require.NoError(t, err)
	t2, err := GenerateToken(5, testSecret, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2, "tokens issued in the same second differ")

	c, err := ParseToken(t1, testSecret)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.AccountID)
	assert.Equal(t, TokenIssuer, c.Issuer)
	assert.Equal(t, "5", c.Subject)
	assert.NotEmpty(t, c.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.ExpiresAt.Time, 5*time.Second)
}

func TestParseToken_Rejects(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	expired, err := GenerateToken(1, testSecret, -time.Second)
	require.NoError(t, err)
	valid, err := GenerateToken(1, testSecret, time.Hour)
	require.NoError(t, err)

	cases := map[string]struct {
		token  string
		secret string
	}{
		"empty":        {"", testSecret},
		"malformed":    {"not.a.jwt", testSecret},
		"wrong secret": {valid, "wrong-secret"},
		"expired":      {expired, testSecret},
		"foreign issuer": {signed(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{
			AccountID:        1,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: future},
		}), testSecret},
		"no expiry": {signed(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{
			AccountID:        1,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer},
		}), testSecret},
		"zero account": {signed(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer, ExpiresAt: future},
		}), testSecret},
		"hs512": {signed(t, jwt.SigningMethodHS512, []byte(testSecret), &Claims{
			AccountID:        1,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: TokenIssuer, ExpiresAt: future},
		}), testSecret},
	}
	for name, tc := range cases {
		_, err := ParseToken(tc.token, tc.secret)
		assert.Error(t, err, name)
	}
}
