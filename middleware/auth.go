package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/gin-gonic/gin"
)

const AccountIDKey = "account_id"

const (
	// AuthSessionPrefix prefixes the cache key that marks a login token as live.
	AuthSessionPrefix = "auth:"
	// BlockedPrefix marks a banned account. Tokens issued before the ban stay
	// valid JWTs, so every authenticated entry point checks this key.
	BlockedPrefix = "auth:blocked:"
)

// BlockAccount rejects the account's existing tokens until UnblockAccount.
func BlockAccount(ctx context.Context, c cache.Cache, accountID int64) error {
	return c.Set(ctx, BlockedPrefix+strconv.FormatInt(accountID, 10), "1", 0)
}

// UnblockAccount lifts BlockAccount.
func UnblockAccount(ctx context.Context, c cache.Cache, accountID int64) error {
	return c.Del(ctx, BlockedPrefix+strconv.FormatInt(accountID, 10))
}

// AccountBlocked reports whether the account is banned. Cache errors count
// as not blocked; the session check still applies.
func AccountBlocked(ctx context.Context, c cache.Cache, accountID int64) bool {
	blocked, err := c.Exists(ctx, BlockedPrefix+strconv.FormatInt(accountID, 10))
	return err == nil && blocked
}

// AuthError is a rejected credential. Status is the HTTP code to answer with.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string { return e.Msg }

var (
	ErrMissingToken   = &AuthError{http.StatusUnauthorized, "missing token"}
	ErrInvalidToken   = &AuthError{http.StatusUnauthorized, "invalid token"}
	ErrSessionExpired = &AuthError{http.StatusUnauthorized, "session expired"}
	ErrAccountBanned  = &AuthError{http.StatusForbidden, "account banned"}
)

// Verify checks a raw token: signature and expiry, a live login session,
// and no ban on the account. Every authenticated entry point goes through it.
func Verify(ctx context.Context, sec config.SecurityConfig, c cache.Cache, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if live, err := c.Exists(ctx, AuthSessionPrefix+token); err != nil || !live {
		return nil, ErrSessionExpired
	}
	if AccountBlocked(ctx, c, claims.AccountID) {
		return nil, ErrAccountBanned
	}
	return claims, nil
}

// Reject aborts the request with the status carried by err.
func Reject(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	var ae *AuthError
	if errors.As(err, &ae) {
		status = ae.Status
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// BearerToken returns the token from an "Authorization: Bearer" header, or "".
func BearerToken(c *gin.Context) string {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// Auth requires a verified Bearer token.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := Verify(ctx.Request.Context(), sec, c, BearerToken(ctx))
		if err != nil {
			Reject(ctx, err)
			return
		}
		ctx.Set(AccountIDKey, claims.AccountID)
		ctx.Next()
	}
}

// OptionalAuth sets the account ID when a verified Bearer token is present
// and lets every other request through as anonymous.
func OptionalAuth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if token := BearerToken(ctx); token != "" {
			if claims, err := Verify(ctx.Request.Context(), sec, c, token); err == nil {
				ctx.Set(AccountIDKey, claims.AccountID)
			}
		}
		ctx.Next()
	}
}

// GetAccountID retrieves the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) int64 {
	if v, exists := c.Get(AccountIDKey); exists {
		return v.(int64)
	}
	return 0
}
