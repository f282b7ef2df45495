package rest

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/vote"
	"github.com/gin-gonic/gin"
)

// DiscordIDHeader carries the voter's Discord ID when the vote comes through
// the community Discord integration.
const DiscordIDHeader = "X-Discord-ID"

// VoteHandler handles vote REST endpoints. Voting does not require login.
type VoteHandler struct {
	svc   *vote.Service
	audit *audit.Service
}

// NewVoteHandler creates a new VoteHandler. auditSvc may be nil.
func NewVoteHandler(svc *vote.Service, auditSvc *audit.Service) *VoteHandler {
	return &VoteHandler{svc: svc, audit: auditSvc}
}

type voteRequest struct {
	TargetType string `json:"target_type" binding:"required"`
	TargetID   int64  `json:"target_id"   binding:"required"`
	Value      int    `json:"value"       binding:"required"`
}

// Submit handles POST /api/votes.
func (h *VoteHandler) Submit(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b := vote.Ballot{
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Value:      req.Value,
		IP:         c.ClientIP(),
		DiscordID:  c.GetHeader(DiscordIDHeader),
		AccountID:  mw.GetAccountID(c),
	}
	res, err := h.svc.Submit(c.Request.Context(), b)
	auditLog(c, h.audit, audit.ActionVote, fmt.Sprintf("%s:%d", req.TargetType, req.TargetID), req, err)

	var rl *vote.RateLimitError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, res)
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       err.Error(),
			"scope":       rl.Scope,
			"retry_after": int(math.Ceil(rl.RetryAfter.Seconds())),
		})
	default:
		voteError(c, err)
	}
}

// Tally handles GET /api/votes/tally?type=&id=.
func (h *VoteHandler) Tally(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	t, err := h.svc.Tally(c.Request.Context(), c.Query("type"), id)
	if err != nil {
		voteError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Leaderboard handles GET /api/votes/leaderboard?type=&limit=.
func (h *VoteHandler) Leaderboard(c *gin.Context) {
	limit, _ := paging(c, 20, 100)
	list, err := h.svc.Leaderboard(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		voteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": list})
}

func voteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vote.ErrInvalidBallot):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, vote.ErrTargetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, vote.ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, vote.ErrRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
