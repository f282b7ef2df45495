package rest_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/api/rest"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/R21Digital/Project-MorningStar-sub014/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLootRouter(t *testing.T) *gin.Engine {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}

	cl, err := loot.NewClassifier(nil, nil, nopLogger())
	require.NoError(t, err)
	h := rest.NewLootHandler(loot.NewService(db, cl, nil, nil, nil, nopLogger()))

	r := gin.New()
	r.POST("/api/auth/login", rest.NewAuthHandler(db, c, sec).Login)
	g := r.Group("/api/loot", mw.Auth(sec, c))
	g.POST("/ingest", h.Ingest)
	g.POST("", h.Create)
	g.GET("", h.Search)
	g.GET("/stats", h.Stats)
	g.DELETE("/:id", h.Delete)
	return r
}

var sampleLog = []string{
	"[10:00:01] You looted 3 Rancor Hide from a rancor.",
	"[10:00:05] You loot 1,500 credits from a rancor.",
	"[10:02:11] You have looted a Krayt Dragon Pearl.",
	"[10:03:00] Hanlo says: anyone selling hides?",
	"[Loot] Vexhan looted Vibroblade (x2)",
}

func TestLootIngest(t *testing.T) {
	r := newLootRouter(t)
	token := loginAndGetToken(t, r, "looter", "pass1234")

	w := doRequest(r, http.MethodPost, "/api/loot/ingest", map[string]interface{}{
		"character": "Hanlo", "planet": "tatooine", "lines": sampleLog,
	}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res loot.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 4, res.Stored)
	assert.Equal(t, 1, res.Skipped)

	w = doRequest(r, http.MethodPost, "/api/loot/ingest", map[string]interface{}{"lines": sampleLog}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLootSearchAndStats(t *testing.T) {
	r := newLootRouter(t)
	token := loginAndGetToken(t, r, "looter", "pass1234")
	doRequest(r, http.MethodPost, "/api/loot/ingest", map[string]interface{}{
		"character": "Hanlo", "planet": "tatooine", "lines": sampleLog,
	}, token)

	search := func(query string) []model.LootEntry {
		w := doRequest(r, http.MethodGet, "/api/loot"+query, nil, token)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Entries []model.LootEntry `json:"entries"`
			Total   int               `json:"total"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp.Entries
	}

	assert.Len(t, search(""), 4)
	hides := search("?item=hide")
	require.Len(t, hides, 1)
	assert.Equal(t, int64(3), hides[0].Quantity)
	assert.Equal(t, loot.CategoryResource, hides[0].Category)
	assert.Len(t, search("?category=credits"), 1)
	assert.Len(t, search("?rarity=legendary"), 1)
	assert.Len(t, search("?character=Vexhan"), 1)

	w := doRequest(r, http.MethodGet, "/api/loot/stats", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	var st loot.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, int64(4), st.Entries)
	assert.Equal(t, int64(1500), st.TotalCredits)
	require.NotEmpty(t, st.TopItems)
	assert.Equal(t, "Rancor Hide", st.TopItems[0].Item)
}

func TestLoot_ScopedToAccount(t *testing.T) {
	r := newLootRouter(t)
	alice := loginAndGetToken(t, r, "alice", "pass1234")
	bob := loginAndGetToken(t, r, "bob", "pass1234")

	w := doRequest(r, http.MethodPost, "/api/loot", map[string]interface{}{
		"character": "Hanlo", "item": "Bantha Hide", "quantity": 4,
	}, alice)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var e model.LootEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, loot.CategoryResource, e.Category)

	w = doRequest(r, http.MethodGet, "/api/loot", nil, bob)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)

	// Bob cannot delete Alice's entry.
	w = doRequest(r, http.MethodDelete, fmt.Sprintf("/api/loot/%d", e.ID), nil, bob)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodDelete, fmt.Sprintf("/api/loot/%d", e.ID), nil, alice)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLootCreate_Invalid(t *testing.T) {
	r := newLootRouter(t)
	token := loginAndGetToken(t, r, "looter", "pass1234")

	w := doRequest(r, http.MethodPost, "/api/loot", map[string]interface{}{
		"character": "Hanlo", "item": "Bantha Hide", "category": "spaceship",
	}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, http.MethodPost, "/api/loot", map[string]interface{}{"character": "Hanlo"}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
