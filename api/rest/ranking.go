package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/vote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RankingHandler handles leaderboard REST endpoints.
type RankingHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	votes  *vote.Service
	audit  *audit.Service
	logger *zap.Logger
}

// NewRankingHandler creates a RankingHandler.
func NewRankingHandler(db *gorm.DB, c cache.Cache, votes *vote.Service, logger *zap.Logger) *RankingHandler {
	return &RankingHandler{db: db, cache: c, votes: votes, logger: logger}
}

// SetAudit records manual refreshes to svc.
func (h *RankingHandler) SetAudit(svc *audit.Service) {
	h.audit = svc
}

const rankingZKey = "ranking:level"
const rankingTop = 100

// RankEntry is one row in the level leaderboard.
type RankEntry struct {
	Rank       int    `json:"rank"`
	ProfileID  int64  `json:"profile_id"`
	Name       string `json:"name"`
	Server     string `json:"server"`
	Profession string `json:"profession"`
	Level      int    `json:"level"`
}

// TopLevel returns the highest level profiles.
// GET /api/ranking/level?limit=20
func (h *RankingHandler) TopLevel(c *gin.Context) {
	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= rankingTop {
		limit = l
	}

	// Try cached ranking from sorted set.
	ctx := c.Request.Context()
	members, err := h.cache.ZRevRangeWithScores(ctx, rankingZKey, 0, int64(limit-1))
	if err == nil && len(members) > 0 {
		entries := make([]RankEntry, 0, len(members))
		for _, m := range members {
			id, err := strconv.ParseInt(m.Member, 10, 64)
			if err != nil {
				continue
			}
			entries = append(entries, RankEntry{Rank: len(entries) + 1, ProfileID: id, Level: int(m.Score)})
		}
		h.enrichNames(entries)
		c.JSON(http.StatusOK, gin.H{"ranking": entries})
		return
	}

	// Fall back to DB query.
	var profiles []model.CharacterProfile
	h.db.Select("id, name, server, profession, level").
		Order("level DESC, id ASC").
		Limit(limit).
		Find(&profiles)

	entries := make([]RankEntry, len(profiles))
	for i, p := range profiles {
		entries[i] = rankEntry(i+1, p)
		_ = h.cache.ZAdd(ctx, rankingZKey, float64(p.Level), strconv.FormatInt(p.ID, 10))
	}
	c.JSON(http.StatusOK, gin.H{"ranking": entries})
}

// TopVoted returns the vote leaderboard for a target type (profile by default).
// GET /api/ranking/voted?type=guild&limit=20
func (h *RankingHandler) TopVoted(c *gin.Context) {
	limit, _ := paging(c, 20, rankingTop)
	list, err := h.votes.Leaderboard(c.Request.Context(), c.DefaultQuery("type", model.VoteTargetProfile), limit)
	if err != nil {
		voteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ranking": list})
}

// Refresh rebuilds the level sorted set from the DB. Run by the scheduler.
func (h *RankingHandler) Refresh(ctx context.Context) (int, error) {
	var profiles []model.CharacterProfile
	if err := h.db.WithContext(ctx).Select("id, level").Order("level DESC").Limit(rankingTop).Find(&profiles).Error; err != nil {
		return 0, err
	}
	_ = h.cache.Del(ctx, rankingZKey)
	for _, p := range profiles {
		_ = h.cache.ZAdd(ctx, rankingZKey, float64(p.Level), strconv.FormatInt(p.ID, 10))
	}
	return len(profiles), nil
}

// Forget drops a deleted profile from the level board.
func (h *RankingHandler) Forget(ctx context.Context, profileID int64) error {
	return h.cache.ZRem(ctx, rankingZKey, strconv.FormatInt(profileID, 10))
}

// RefreshRanking handles POST /api/admin/ranking/refresh: the level board
// and every vote board.
func (h *RankingHandler) RefreshRanking(c *gin.Context) {
	n, err := h.Refresh(c.Request.Context())
	if err == nil && h.votes != nil {
		err = h.votes.Rebuild(c.Request.Context())
	}
	if err != nil {
		h.logger.Error("ranking refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	auditLog(c, h.audit, audit.ActionAdminRefresh, "ranking", nil, nil)
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}

func rankEntry(rank int, p model.CharacterProfile) RankEntry {
	return RankEntry{Rank: rank, ProfileID: p.ID, Name: p.Name, Server: p.Server, Profession: p.Profession, Level: p.Level}
}

func (h *RankingHandler) enrichNames(entries []RankEntry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ProfileID
	}
	var profiles []model.CharacterProfile
	h.db.Select("id, name, server, profession, level").Where("id IN ?", ids).Find(&profiles)
	byID := make(map[int64]model.CharacterProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	for i := range entries {
		if p, ok := byID[entries[i].ProfileID]; ok {
			entries[i] = rankEntry(entries[i].Rank, p)
		}
	}
}
