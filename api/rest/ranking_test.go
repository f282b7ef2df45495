package rest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/R21Digital/Project-MorningStar-sub014/api/rest"
	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/vote"
	"github.com/R21Digital/Project-MorningStar-sub014/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type rankingSetup struct {
	r     *gin.Engine
	db    *gorm.DB
	cache cache.Cache
	votes *vote.Service
	h     *rest.RankingHandler
}

func newRankingRouter(t *testing.T) *rankingSetup {
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	votes := vote.NewService(db, c, config.VoteConfig{}, nil, nil, nil, nopLogger())
	rankH := rest.NewRankingHandler(db, c, votes, nopLogger())

	r := gin.New()
	r.GET("/api/ranking/level", rankH.TopLevel)
	r.GET("/api/ranking/voted", rankH.TopVoted)
	r.POST("/api/admin/ranking/refresh", rankH.RefreshRanking)

	// Five profiles at levels 10..50.
	for i := 1; i <= 5; i++ {
		p := &model.CharacterProfile{
			AccountID:  int64(i),
			Name:       fmt.Sprintf("Hero%d", i),
			Server:     "Basilisk",
			Profession: "Commando",
			Level:      i * 10,
		}
		require.NoError(t, db.Create(p).Error)
	}
	return &rankingSetup{r: r, db: db, cache: c, votes: votes, h: rankH}
}

func rankingOf(t *testing.T, r *gin.Engine, path string) []rest.RankEntry {
	t.Helper()
	w := doRequest(r, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Ranking []rest.RankEntry `json:"ranking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Ranking
}

func TestRanking_TopLevel_FromDB(t *testing.T) {
	s := newRankingRouter(t)
	ranking := rankingOf(t, s.r, "/api/ranking/level")
	require.Len(t, ranking, 5)

	// First entry should be the highest level (Hero5 at 50).
	assert.Equal(t, 1, ranking[0].Rank)
	assert.Equal(t, 50, ranking[0].Level)
	assert.Equal(t, "Hero5", ranking[0].Name)
	assert.Equal(t, "Commando", ranking[0].Profession)
}

func TestRanking_TopLevel_LimitParam(t *testing.T) {
	s := newRankingRouter(t)
	assert.Len(t, rankingOf(t, s.r, "/api/ranking/level?limit=3"), 3)
}

func TestRanking_TopLevel_FromCache(t *testing.T) {
	s := newRankingRouter(t)
	_, err := s.h.Refresh(context.Background())
	require.NoError(t, err)

	// A level change is not visible until the next refresh.
	require.NoError(t, s.db.Model(&model.CharacterProfile{}).Where("name = ?", "Hero1").Update("level", 90).Error)
	ranking := rankingOf(t, s.r, "/api/ranking/level")
	require.Len(t, ranking, 5)
	assert.Equal(t, "Hero5", ranking[0].Name)

	_, err = s.h.Refresh(context.Background())
	require.NoError(t, err)
	ranking = rankingOf(t, s.r, "/api/ranking/level")
	assert.Equal(t, "Hero1", ranking[0].Name)
	assert.Equal(t, 90, ranking[0].Level)
}

func TestRanking_RefreshRanking(t *testing.T) {
	s := newRankingRouter(t)
	w := doRequest(s.r, http.MethodPost, "/api/admin/ranking/refresh", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(5), resp["refreshed"])

	members, err := s.cache.ZRevRange(context.Background(), "ranking:level", 0, -1)
	require.NoError(t, err)
	assert.Len(t, members, 5)
}

func TestRanking_TopVoted(t *testing.T) {
	s := newRankingRouter(t)
	ctx := context.Background()
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := s.votes.Submit(ctx, vote.Ballot{TargetType: model.VoteTargetProfile, TargetID: 3, Value: 1, IP: ip})
		require.NoError(t, err, i)
	}
	_, err := s.votes.Submit(ctx, vote.Ballot{TargetType: model.VoteTargetProfile, TargetID: 1, Value: 1, IP: "10.0.0.3"})
	require.NoError(t, err)

	w := doRequest(s.r, http.MethodGet, "/api/ranking/voted", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Ranking []vote.Standing `json:"ranking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Ranking, 2)
	assert.Equal(t, "Hero3", resp.Ranking[0].Name)
	assert.Equal(t, int64(2), resp.Ranking[0].Score)

	w = doRequest(s.r, http.MethodGet, "/api/ranking/voted?type=planet", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRanking_ForgetDropsProfile(t *testing.T) {
	s := newRankingRouter(t)
	ctx := context.Background()
	_, err := s.h.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, s.h.Forget(ctx, 5))
	ranking := rankingOf(t, s.r, "/api/ranking/level")
	require.Len(t, ranking, 4)
	assert.Equal(t, "Hero4", ranking[0].Name)
	assert.Equal(t, 40, ranking[0].Level)
}
