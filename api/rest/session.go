package rest

import (
	"errors"
	"net/http"
	"strconv"

	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"github.com/gin-gonic/gin"
)

// SessionHandler handles bot session REST endpoints.
type SessionHandler struct {
	svc *session.Service
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(svc *session.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Start handles POST /api/sessions.
func (h *SessionHandler) Start(c *gin.Context) {
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.svc.Start(c.Request.Context(), mw.GetAccountID(c), req)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// Heartbeat handles POST /api/sessions/:id/heartbeat.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	var hb session.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.svc.Heartbeat(c.Request.Context(), mw.GetAccountID(c), c.Param("id"), hb)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// RecordEvent handles POST /api/sessions/:id/events.
func (h *SessionHandler) RecordEvent(c *gin.Context) {
	var ev session.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.svc.RecordEvent(c.Request.Context(), mw.GetAccountID(c), c.Param("id"), ev)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// End handles POST /api/sessions/:id/end.
func (h *SessionHandler) End(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"max=64"`
	}
	// body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s, err := h.svc.End(c.Request.Context(), mw.GetAccountID(c), c.Param("id"), req.Reason)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// List handles GET /api/sessions. Filters: status, character, mode, since.
func (h *SessionHandler) List(c *gin.Context) {
	limit, offset := paging(c, 20, 100)
	f := session.Filter{
		AccountID: mw.GetAccountID(c),
		Status:    c.Query("status"),
		Character: c.Query("character"),
		Mode:      c.Query("mode"),
		Since:     queryTime(c, "since"),
		Limit:     limit,
		Offset:    offset,
	}
	list, total, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": total})
}

// Detail handles GET /api/sessions/:id?events=N.
func (h *SessionHandler) Detail(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("events", "50"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid events"})
		return
	}
	d, err := h.svc.Get(c.Request.Context(), mw.GetAccountID(c), c.Param("id"), n)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Summary handles GET /api/sessions/summary.
func (h *SessionHandler) Summary(c *gin.Context) {
	sum, err := h.svc.Summary(c.Request.Context(), mw.GetAccountID(c))
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
