package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/quest"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// QuestHandler handles quest and heroic lockout REST endpoints. Progress is
// tracked per profile; the caller must own the profile.
type QuestHandler struct {
	db  *gorm.DB
	svc *quest.Service
}

// NewQuestHandler creates a new QuestHandler.
func NewQuestHandler(db *gorm.DB, svc *quest.Service) *QuestHandler {
	return &QuestHandler{db: db, svc: svc}
}

// Defs handles GET /api/quests/defs.
func (h *QuestHandler) Defs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"quests": h.svc.Defs()})
}

type questRequest struct {
	ProfileID int64  `json:"profile_id" binding:"required"`
	QuestID   string `json:"quest_id"   binding:"required"`
}

// Start handles POST /api/quests/start.
func (h *QuestHandler) Start(c *gin.Context) {
	var req questRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.owns(c, req.ProfileID) {
		return
	}
	st, err := h.svc.Start(c.Request.Context(), req.ProfileID, req.QuestID)
	if err != nil {
		questError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

type advanceRequest struct {
	ProfileID int64  `json:"profile_id" binding:"required"`
	Type      string `json:"type"       binding:"required"`
	Target    string `json:"target"     binding:"required"`
	Amount    int    `json:"amount"`
}

// Advance handles POST /api/quests/advance. Every active quest with a
// matching step moves forward.
func (h *QuestHandler) Advance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.owns(c, req.ProfileID) {
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	updated, err := h.svc.Advance(c.Request.Context(), req.ProfileID, quest.StepType(req.Type), req.Target, req.Amount)
	if err != nil {
		questError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// Abandon handles POST /api/quests/abandon.
func (h *QuestHandler) Abandon(c *gin.Context) {
	var req questRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.owns(c, req.ProfileID) {
		return
	}
	if err := h.svc.Abandon(c.Request.Context(), req.ProfileID, req.QuestID); err != nil {
		questError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "abandoned"})
}

// Progress handles GET /api/quests/progress?profile_id=&status=.
func (h *QuestHandler) Progress(c *gin.Context) {
	profileID, ok := h.queryProfile(c)
	if !ok {
		return
	}
	var status *int
	if v := c.Query("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		status = &n
	}
	list, err := h.svc.List(c.Request.Context(), profileID, status)
	if err != nil {
		questError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": list})
}

// RecordHeroic handles POST /api/quests/heroic.
func (h *QuestHandler) RecordHeroic(c *gin.Context) {
	var req struct {
		ProfileID int64  `json:"profile_id" binding:"required"`
		Instance  string `json:"instance"   binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.owns(c, req.ProfileID) {
		return
	}
	run, err := h.svc.RecordHeroic(c.Request.Context(), req.ProfileID, req.Instance)
	if err != nil {
		questError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// Lockouts handles GET /api/quests/heroic?profile_id=.
func (h *QuestHandler) Lockouts(c *gin.Context) {
	profileID, ok := h.queryProfile(c)
	if !ok {
		return
	}
	list, err := h.svc.Lockouts(c.Request.Context(), profileID)
	if err != nil {
		questError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lockouts": list})
}

func (h *QuestHandler) queryProfile(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Query("profile_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile_id"})
		return 0, false
	}
	return id, h.owns(c, id)
}

func (h *QuestHandler) owns(c *gin.Context, profileID int64) bool {
	if ownedProfileID(h.db, mw.GetAccountID(c), profileID) == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your profile"})
		return false
	}
	return true
}

func questError(c *gin.Context, err error) {
	var lockout *quest.LockoutError
	switch {
	case errors.As(err, &lockout):
		c.JSON(http.StatusConflict, gin.H{
			"error":        err.Error(),
			"available_at": lockout.AvailableAt.Format(time.RFC3339),
		})
	case errors.Is(err, quest.ErrUnknownQuest), errors.Is(err, quest.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, quest.ErrAlreadyActive), errors.Is(err, quest.ErrAlreadyCompleted),
		errors.Is(err, quest.ErrNotActive), errors.Is(err, quest.ErrLockedOut):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, quest.ErrInvalidStep):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
