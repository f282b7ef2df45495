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

// GuildHandler handles guild (player association) REST endpoints. Members
// are character profiles; the acting profile is named in the request.
type GuildHandler struct {
	db    *gorm.DB
	audit *audit.Service
}

// NewGuildHandler creates a new GuildHandler. auditSvc may be nil.
func NewGuildHandler(db *gorm.DB, auditSvc *audit.Service) *GuildHandler {
	return &GuildHandler{db: db, audit: auditSvc}
}

type createGuildRequest struct {
	ProfileID int64  `json:"profile_id" binding:"required"`
	Name      string `json:"name"       binding:"required,min=2,max=32"`
	Tag       string `json:"tag"        binding:"max=8"`
	Faction   string `json:"faction"    binding:"omitempty,oneof=neutral imperial rebel"`
	Notice    string `json:"notice"     binding:"max=200"`
}

// Create handles POST /api/guilds.
func (h *GuildHandler) Create(c *gin.Context) {
	var req createGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	leader, ok := h.actingProfile(c, req.ProfileID)
	if !ok {
		return
	}
	if leader.GuildID != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "profile already in a guild"})
		return
	}
	if req.Faction == "" {
		req.Faction = model.FactionNeutral
	}

	// All three writes must succeed atomically; partial failure would leave an
	// orphaned guild with no members or a profile with a stale guild_id.
	var guild model.Guild
	err := h.db.Transaction(func(tx *gorm.DB) error {
		guild = model.Guild{
			Name:     req.Name,
			Tag:      req.Tag,
			Server:   leader.Server,
			Faction:  req.Faction,
			Notice:   req.Notice,
			LeaderID: leader.ID,
		}
		if err := tx.Create(&guild).Error; err != nil {
			return err
		}
		if err := tx.Create(&model.GuildMember{GuildID: guild.ID, ProfileID: leader.ID, Rank: model.GuildRankLeader}).Error; err != nil {
			return err
		}
		return tx.Model(&model.CharacterProfile{}).Where("id = ?", leader.ID).Update("guild_id", guild.ID).Error
	})
	auditLog(c, h.audit, audit.ActionGuildCreate, req.Name, req, err)
	if err != nil {
		if isUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "guild name already taken"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, guild)
}

// List handles GET /api/guilds?name=&server=&faction=.
func (h *GuildHandler) List(c *gin.Context) {
	q := h.db.Model(&model.Guild{})
	if v := strings.TrimSpace(c.Query("name")); v != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(v)+"%")
	}
	if v := c.Query("server"); v != "" {
		q = q.Where("server = ?", v)
	}
	if v := c.Query("faction"); v != "" {
		q = q.Where("faction = ?", v)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	limit, offset := paging(c, 20, 100)
	var guilds []model.Guild
	if err := q.Order("name ASC").Limit(limit).Offset(offset).Find(&guilds).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guilds": guilds, "total": total})
}

// Detail handles GET /api/guilds/:id.
func (h *GuildHandler) Detail(c *gin.Context) {
	guildID, ok := paramID(c, "id")
	if !ok {
		return
	}

	g, ok := h.guild(c, guildID)
	if !ok {
		return
	}
	var members []model.GuildMember
	if err := h.db.Where("guild_id = ?", guildID).Order("`rank` ASC, joined_at ASC").Find(&members).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild": g, "members": members})
}

type memberRequest struct {
	ProfileID int64 `json:"profile_id" binding:"required"`
}

// Join handles POST /api/guilds/:id/join.
func (h *GuildHandler) Join(c *gin.Context) {
	guildID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, ok := h.actingProfile(c, req.ProfileID)
	if !ok {
		return
	}
	if p.GuildID != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "profile already in a guild"})
		return
	}

	if _, ok := h.guild(c, guildID); !ok {
		return
	}

	// Open membership: no leader approval step.
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model.GuildMember{GuildID: guildID, ProfileID: p.ID, Rank: model.GuildRankMember}).Error; err != nil {
			return err
		}
		return tx.Model(&model.CharacterProfile{}).Where("id = ?", p.ID).Update("guild_id", guildID).Error
	})
	switch {
	case isUniqueViolation(err):
		c.JSON(http.StatusConflict, gin.H{"error": "already a member"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "joined"})
	}
}

// Leave handles POST /api/guilds/:id/leave. The leader cannot leave.
func (h *GuildHandler) Leave(c *gin.Context) {
	guildID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, ok := h.actingProfile(c, req.ProfileID)
	if !ok {
		return
	}
	m, err := h.member(guildID, p.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not a guild member"})
		return
	}
	if m.Rank == model.GuildRankLeader {
		c.JSON(http.StatusConflict, gin.H{"error": "leader cannot leave"})
		return
	}
	if err := h.removeMember(guildID, p.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left"})
}

// KickMember handles DELETE /api/guilds/:id/members/:pid?profile_id=<acting>.
func (h *GuildHandler) KickMember(c *gin.Context) {
	guildID, err1 := strconv.ParseInt(c.Param("id"), 10, 64)
	targetID, err2 := strconv.ParseInt(c.Param("pid"), 10, 64)
	actingID, err3 := strconv.ParseInt(c.Query("profile_id"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	acting, ok := h.actingProfile(c, actingID)
	if !ok {
		return
	}

	// Verify requester is guild leader or officer.
	requester, err := h.member(guildID, acting.ID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a guild member"})
		return
	}
	if requester.Rank > model.GuildRankOfficer {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient rank"})
		return
	}
	target, err := h.member(guildID, targetID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}
	if target.Rank <= requester.Rank {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient rank"})
		return
	}

	err = h.removeMember(guildID, targetID)
	auditLog(c, h.audit, audit.ActionGuildKick, strconv.FormatInt(targetID, 10), gin.H{"guild_id": guildID}, err)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "kicked"})
}

// UpdateNotice handles PUT /api/guilds/:id/notice.
func (h *GuildHandler) UpdateNotice(c *gin.Context) {
	guildID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ProfileID int64  `json:"profile_id" binding:"required"`
		Notice    string `json:"notice"     binding:"max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, ok := h.actingProfile(c, req.ProfileID)
	if !ok {
		return
	}

	g, ok := h.guild(c, guildID)
	if !ok {
		return
	}
	if g.LeaderID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the leader can edit the notice"})
		return
	}
	if err := h.db.Model(g).Update("notice", req.Notice).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notice": req.Notice})
}

// actingProfile loads a profile the caller owns.
func (h *GuildHandler) actingProfile(c *gin.Context, id int64) (*model.CharacterProfile, bool) {
	var p model.CharacterProfile
	err := h.db.Where("id = ? AND account_id = ?", id, mw.GetAccountID(c)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your profile"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	return &p, true
}

// guild loads a guild by id, answering 404 or 500 itself on failure.
func (h *GuildHandler) guild(c *gin.Context, id int64) (*model.Guild, bool) {
	var g model.Guild
	err := h.db.First(&g, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "guild not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, false
	}
	return &g, true
}

func (h *GuildHandler) member(guildID, profileID int64) (*model.GuildMember, error) {
	var m model.GuildMember
	err := h.db.Where("guild_id = ? AND profile_id = ?", guildID, profileID).First(&m).Error
	return &m, err
}

func (h *GuildHandler) removeMember(guildID, profileID int64) error {
	return h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ? AND profile_id = ?", guildID, profileID).Delete(&model.GuildMember{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.CharacterProfile{}).Where("id = ?", profileID).Update("guild_id", nil).Error
	})
}
