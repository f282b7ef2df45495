package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const maxProfiles = 10

// ProfileHandler handles character profile REST endpoints.
type ProfileHandler struct {
	db      *gorm.DB
	audit   *audit.Service
	ranking *RankingHandler
}

// NewProfileHandler creates a new ProfileHandler. auditSvc may be nil.
func NewProfileHandler(db *gorm.DB, auditSvc *audit.Service) *ProfileHandler {
	return &ProfileHandler{db: db, audit: auditSvc}
}

// SetRanking lets Delete evict profiles from the cached level board.
func (h *ProfileHandler) SetRanking(r *RankingHandler) {
	h.ranking = r
}

// List handles GET /api/profiles.
// Filters: name (substring), server, profession, faction, level_min, level_max,
// guild_id, mine=1; paging with limit/offset.
func (h *ProfileHandler) List(c *gin.Context) {
	q := h.db.Model(&model.CharacterProfile{})
	if v := strings.TrimSpace(c.Query("name")); v != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(v)+"%")
	}
	for _, col := range []string{"server", "profession", "faction"} {
		if v := c.Query(col); v != "" {
			q = q.Where(col+" = ?", v)
		}
	}
	if v, err := strconv.Atoi(c.Query("level_min")); err == nil {
		q = q.Where("level >= ?", v)
	}
	if v, err := strconv.Atoi(c.Query("level_max")); err == nil {
		q = q.Where("level <= ?", v)
	}
	if v, err := strconv.ParseInt(c.Query("guild_id"), 10, 64); err == nil {
		q = q.Where("guild_id = ?", v)
	}
	if c.Query("mine") == "1" {
		q = q.Where("account_id = ?", mw.GetAccountID(c))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	limit, offset := paging(c, 20, 100)
	var profiles []model.CharacterProfile
	if err := q.Order("level DESC, id ASC").Limit(limit).Offset(offset).Find(&profiles).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "total": total})
}

// Get handles GET /api/profiles/:id.
func (h *ProfileHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var p model.CharacterProfile
	if err := h.db.First(&p, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

type profileRequest struct {
	Name       string `json:"name"       binding:"required,min=2,max=32"`
	Server     string `json:"server"     binding:"required,max=32"`
	Species    string `json:"species"    binding:"max=32"`
	Profession string `json:"profession" binding:"max=32"`
	Faction    string `json:"faction"    binding:"omitempty,oneof=neutral imperial rebel"`
	Level      int    `json:"level"      binding:"min=0,max=90"`
	Planet     string `json:"planet"     binding:"max=32"`
	Bio        string `json:"bio"        binding:"max=2000"`
}

// Create handles POST /api/profiles.
func (h *ProfileHandler) Create(c *gin.Context) {
	accountID := mw.GetAccountID(c)

	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var n int64
	if err := h.db.Model(&model.CharacterProfile{}).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if n >= maxProfiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max profiles reached"})
		return
	}

	p := &model.CharacterProfile{
		AccountID:  accountID,
		Name:       req.Name,
		Server:     req.Server,
		Species:    req.Species,
		Profession: req.Profession,
		Faction:    req.Faction,
		Level:      req.Level,
		Planet:     req.Planet,
		Bio:        req.Bio,
	}
	if p.Faction == "" {
		p.Faction = model.FactionNeutral
	}
	if p.Level == 0 {
		p.Level = 1
	}

	if err := h.db.Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "profile name already taken on this server"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	auditLog(c, h.audit, audit.ActionProfileCreate, strconv.FormatInt(p.ID, 10), req, nil)
	c.JSON(http.StatusCreated, p)
}

// Update handles PUT /api/profiles/:id. Only the owner may edit.
func (h *ProfileHandler) Update(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updates := map[string]interface{}{
		"name":       req.Name,
		"server":     req.Server,
		"species":    req.Species,
		"profession": req.Profession,
		"level":      req.Level,
		"planet":     req.Planet,
		"bio":        req.Bio,
	}
	if req.Faction != "" {
		updates["faction"] = req.Faction
	}
	if req.Level == 0 {
		delete(updates, "level")
	}
	err := h.db.Model(p).Updates(updates).Error
	auditLog(c, h.audit, audit.ActionProfileUpdate, strconv.FormatInt(p.ID, 10), req, err)
	if err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "profile name already taken on this server"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	h.db.First(p, p.ID)
	c.JSON(http.StatusOK, p)
}

// Delete handles DELETE /api/profiles/:id. Guild memberships go with it.
func (h *ProfileHandler) Delete(c *gin.Context) {
	p, ok := h.owned(c)
	if !ok {
		return
	}
	var led int64
	h.db.Model(&model.Guild{}).Where("leader_id = ?", p.ID).Count(&led)
	if led > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "profile leads a guild"})
		return
	}
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", p.ID).Delete(&model.GuildMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(p).Error
	})
	auditLog(c, h.audit, audit.ActionProfileDelete, strconv.FormatInt(p.ID, 10), nil, err)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if h.ranking != nil {
		_ = h.ranking.Forget(c.Request.Context(), p.ID)
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// owned loads the :id profile and checks it belongs to the caller.
func (h *ProfileHandler) owned(c *gin.Context) (*model.CharacterProfile, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	var p model.CharacterProfile
	if err := h.db.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return nil, false
	}
	if p.AccountID != mw.GetAccountID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your profile"})
		return nil, false
	}
	return &p, true
}

// ownedProfileID returns id if the profile exists and belongs to accountID, else 0.
func ownedProfileID(db *gorm.DB, accountID, id int64) int64 {
	var p model.CharacterProfile
	if err := db.Select("id").Where("id = ? AND account_id = ?", id, accountID).First(&p).Error; err != nil {
		return 0
	}
	return p.ID
}
