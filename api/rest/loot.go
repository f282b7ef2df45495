package rest

import (
	"errors"
	"net/http"
	"time"

	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/gin-gonic/gin"
)

// LootHandler handles loot log REST endpoints. Every query is scoped to the
// caller's account.
type LootHandler struct {
	svc *loot.Service
}

// NewLootHandler creates a new LootHandler.
func NewLootHandler(svc *loot.Service) *LootHandler {
	return &LootHandler{svc: svc}
}

type ingestRequest struct {
	Character string    `json:"character" binding:"required,max=32"`
	Planet    string    `json:"planet"    binding:"max=32"`
	Date      time.Time `json:"date"`
	Lines     []string  `json:"lines"     binding:"required"`
}

// Ingest handles POST /api/loot/ingest: raw chat log lines from the bot.
func (h *LootHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.Ingest(c.Request.Context(), loot.IngestRequest{
		AccountID: mw.GetAccountID(c),
		Character: req.Character,
		Planet:    req.Planet,
		Date:      req.Date,
		Lines:     req.Lines,
	})
	if err != nil {
		lootError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type createLootRequest struct {
	Character string    `json:"character" binding:"required,max=32"`
	Item      string    `json:"item"      binding:"required,max=128"`
	Quantity  int64     `json:"quantity"`
	Category  string    `json:"category"`
	Rarity    string    `json:"rarity"`
	Source    string    `json:"source"    binding:"max=128"`
	Planet    string    `json:"planet"    binding:"max=32"`
	LootedAt  time.Time `json:"looted_at"`
}

// Create handles POST /api/loot.
func (h *LootHandler) Create(c *gin.Context) {
	var req createLootRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e := &model.LootEntry{
		AccountID: mw.GetAccountID(c),
		Character: req.Character,
		Item:      req.Item,
		Quantity:  req.Quantity,
		Category:  req.Category,
		Rarity:    req.Rarity,
		Source:    req.Source,
		Planet:    req.Planet,
		LootedAt:  req.LootedAt,
	}
	if err := h.svc.Create(c.Request.Context(), e); err != nil {
		lootError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// Search handles GET /api/loot.
// Filters: item, category, rarity, character, source, planet, from, to (RFC 3339).
func (h *LootHandler) Search(c *gin.Context) {
	f := lootFilter(c)
	f.Limit, f.Offset = paging(c, 50, 200)
	entries, total, err := h.svc.Search(c.Request.Context(), f)
	if err != nil {
		lootError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

// Stats handles GET /api/loot/stats with the same filters as Search.
func (h *LootHandler) Stats(c *gin.Context) {
	f := lootFilter(c)
	f.Limit, _ = paging(c, 10, 50)
	st, err := h.svc.Stats(c.Request.Context(), f)
	if err != nil {
		lootError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Delete handles DELETE /api/loot/:id.
func (h *LootHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), mw.GetAccountID(c), id); err != nil {
		lootError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

func lootFilter(c *gin.Context) loot.Filter {
	return loot.Filter{
		AccountID: mw.GetAccountID(c),
		Item:      c.Query("item"),
		Category:  c.Query("category"),
		Rarity:    c.Query("rarity"),
		Character: c.Query("character"),
		Source:    c.Query("source"),
		Planet:    c.Query("planet"),
		From:      queryTime(c, "from"),
		To:        queryTime(c, "to"),
	}
}

func lootError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, loot.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "loot entry not found"})
	case errors.Is(err, loot.ErrInvalidEntry):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
