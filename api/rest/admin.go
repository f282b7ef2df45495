package rest

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/api/ws"
	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/scheduler"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db       *gorm.DB
	cache    cache.Cache
	registry *ws.Registry
	sessions *session.Service
	sched    *scheduler.Scheduler
	audit    *audit.Service
	logger   *zap.Logger
}

// NewAdminHandler creates an AdminHandler. auditSvc may be nil.
func NewAdminHandler(
	db *gorm.DB,
	c cache.Cache,
	registry *ws.Registry,
	sessions *session.Service,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		db:       db,
		cache:    c,
		registry: registry,
		sessions: sessions,
		sched:    sched,
		audit:    auditSvc,
		logger:   logger,
	}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	active, err := h.sessions.CountActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	out := gin.H{
		"bots_online":     h.registry.Count(),
		"active_sessions": active,
		"goroutines":      runtime.NumGoroutine(),
		"scheduler_tasks": h.sched.Tasks(),
		"rows":            h.rowCounts(c),
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		out["memory"] = gin.H{
			"total":        vm.Total,
			"used":         vm.Used,
			"used_percent": vm.UsedPercent,
		}
	} else {
		h.logger.Debug("host memory unavailable", zap.Error(err))
	}
	c.JSON(http.StatusOK, out)
}

// rowCounts sizes every managed table. A table that fails to count is
// reported as -1 rather than failing the whole response.
func (h *AdminHandler) rowCounts(c *gin.Context) map[string]int64 {
	rows := make(map[string]int64)
	for _, table := range model.Tables(h.db) {
		var n int64
		if err := h.db.WithContext(c.Request.Context()).Table(table).Count(&n).Error; err != nil {
			h.logger.Warn("row count failed", zap.String("table", table), zap.Error(err))
			n = -1
		}
		rows[table] = n
	}
	return rows
}

// ListBots returns a snapshot of all connected bots.
// GET /api/admin/bots
func (h *AdminHandler) ListBots(c *gin.Context) {
	bots := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"bots": bots, "count": len(bots)})
}

// KickBot forcibly disconnects a bot by connection ID.
// POST /api/admin/bots/:id/kick
func (h *AdminHandler) KickBot(c *gin.Context) {
	connID := c.Param("id")
	if !h.registry.Kick(connID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not connected"})
		return
	}
	auditLog(c, h.audit, audit.ActionAdminKick, "conn:"+connID, nil, nil)
	h.logger.Info("admin kicked bot", zap.String("conn_id", connID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BanAccount bans or unbans an account. Banning also drops its bots.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	accountID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Ban    bool   `json:"ban"`
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	updates := map[string]interface{}{"status": model.AccountActive, "ban_reason": "", "banned_at": nil}
	if req.Ban {
		updates = map[string]interface{}{"status": model.AccountBanned, "ban_reason": req.Reason, "banned_at": time.Now()}
	}
	result := h.db.Model(&model.Account{}).Where("id = ?", accountID).Updates(updates)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	ctx := c.Request.Context()
	kicked := 0
	if req.Ban {
		_ = mw.BlockAccount(ctx, h.cache, accountID)
		kicked = h.registry.KickAccount(accountID)
	} else {
		_ = mw.UnblockAccount(ctx, h.cache, accountID)
	}
	auditLog(c, h.audit, audit.ActionAdminBan, "account:"+strconv.FormatInt(accountID, 10), req, nil)
	h.logger.Info("admin changed account status",
		zap.Int64("account_id", accountID),
		zap.Bool("ban", req.Ban),
		zap.Int("kicked", kicked))
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": updates["status"], "kicked": kicked})
}

// ListSchedulerTasks returns every registered ticker with its run stats.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// AuditLog queries the audit trail.
// GET /api/admin/audit?action=&account_id=&target=&failed=1&since=&limit=
func (h *AdminHandler) AuditLog(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit disabled"})
		return
	}
	accountID, _ := strconv.ParseInt(c.Query("account_id"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.audit.Query(c.Request.Context(), audit.Filter{
		Action:    c.Query("action"),
		AccountID: accountID,
		Target:    c.Query("target"),
		Failed:    c.Query("failed") == "1",
		Since:     queryTime(c, "since"),
		Limit:     limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
