package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	bcryptCost = 12

	// A username is locked out of password checks after loginMaxFailures
	// wrong passwords inside loginFailWindow.
	loginMaxFailures = 5
	loginFailWindow  = 15 * time.Minute
	loginFailPrefix  = "auth:fail:"
)

// AuthHandler handles login for both the dashboard and MS11 bots.
type AuthHandler struct {
	db    *gorm.DB
	cache cache.Cache
	sec   config.SecurityConfig
	audit *audit.Service
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig) *AuthHandler {
	return &AuthHandler{db: db, cache: c, sec: sec}
}

// SetAudit records registrations in the audit trail.
func (h *AuthHandler) SetAudit(svc *audit.Service) {
	h.audit = svc
}

type loginRequest struct {
	Username  string `json:"username" binding:"required,min=2,max=32"`
	Password  string `json:"password" binding:"required,min=4,max=64"`
	DiscordID string `json:"discord_id" binding:"omitempty,numeric,max=32"`
}

// Login handles POST /api/auth/login. An unknown username is registered on
// the spot. A discord_id is linked when the account has none yet.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failKey := loginFailPrefix + strings.ToLower(req.Username)
	if h.failures(ctx, failKey) >= loginMaxFailures {
		c.Header("Retry-After", strconv.Itoa(int(loginFailWindow.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many failed logins"})
		return
	}

	var acc model.Account
	err := h.db.Where("username = ?", req.Username).First(&acc).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if !h.register(c, &acc, req) {
			return
		}
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	default:
		if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)); err != nil {
			h.recordFailure(ctx, failKey)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if acc.Banned() {
			c.JSON(http.StatusForbidden, gin.H{"error": "account banned", "reason": acc.BanReason})
			return
		}
		_ = h.cache.Del(ctx, failKey)
	}

	token, expires, err := h.issue(ctx, acc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}

	updates := map[string]interface{}{
		"last_login_at": time.Now(),
		"last_login_ip": c.ClientIP(),
	}
	if acc.DiscordID == "" && req.DiscordID != "" {
		updates["discord_id"] = req.DiscordID
		acc.DiscordID = req.DiscordID
	}
	_ = h.db.Model(&acc).Updates(updates)

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"account_id": acc.ID,
		"username":   acc.Username,
		"discord_id": acc.DiscordID,
		"expires_at": expires,
	})
}

func (h *AuthHandler) register(c *gin.Context, acc *model.Account, req loginRequest) bool {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return false
	}
	*acc = model.Account{
		Username:     req.Username,
		PasswordHash: string(hash),
		DiscordID:    req.DiscordID,
		Status:       model.AccountActive,
	}
	err = h.db.Create(acc).Error
	auditLog(c, h.audit, audit.ActionAccountRegister, req.Username, nil, err)
	if err != nil {
		// Lost a race with a concurrent registration of the same name.
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return false
	}
	return true
}

// issue signs a token and marks it live in the cache.
func (h *AuthHandler) issue(ctx context.Context, accountID int64) (string, time.Time, error) {
	token, err := mw.GenerateToken(accountID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		return "", time.Time{}, err
	}
	_ = h.cache.Set(ctx, mw.AuthSessionPrefix+token, strconv.FormatInt(accountID, 10), h.sec.JWTTTLH)
	return token, time.Now().Add(h.sec.JWTTTLH), nil
}

func (h *AuthHandler) failures(ctx context.Context, key string) int {
	v, err := h.cache.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (h *AuthHandler) recordFailure(ctx context.Context, key string) {
	n := h.failures(ctx, key) + 1
	_ = h.cache.Set(ctx, key, strconv.Itoa(n), loginFailWindow)
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	tokenStr := mw.BearerToken(c)
	if tokenStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.AuthSessionPrefix+tokenStr)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The presented token is revoked.
func (h *AuthHandler) Refresh(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	if accountID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.AuthSessionPrefix+mw.BearerToken(c))

	token, expires, err := h.issue(ctx, accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires})
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(c *gin.Context) {
	var acc model.Account
	if err := h.db.First(&acc, mw.GetAccountID(c)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, acc)
}

// isUniqueViolation detects duplicate-key errors from SQLite and MySQL.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
