package vote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, cfg config.VoteConfig) (*Service, *gorm.DB, *fakeClock) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	svc := NewService(db, c, cfg, hook.NewHookCenter(), nil, nil, zap.NewNop())
	clk := &fakeClock{t: time.Now()}
	svc.now = clk.now
	return svc, db, clk
}

func seedGuilds(t *testing.T, db *gorm.DB, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := range ids {
		g := &model.Guild{Name: fmt.Sprintf("Guild %d", i), LeaderID: 1}
		require.NoError(t, db.Create(g).Error)
		ids[i] = g.ID
	}
	return ids
}

func guildBallot(id int64, value int, ip string) Ballot {
	return Ballot{TargetType: model.VoteTargetGuild, TargetID: id, Value: value, IP: ip}
}

func TestSubmit_AcceptsAndTallies(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 10})
	ids := seedGuilds(t, db, 1)
	ctx := context.Background()

	res, err := svc.Submit(ctx, guildBallot(ids[0], 1, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tally.Up)
	assert.Equal(t, int64(1), res.Tally.Score)
	assert.Equal(t, 9, res.RemainingIP)

	res, err = svc.Submit(ctx, guildBallot(ids[0], -1, "10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tally.Up)
	assert.Equal(t, int64(1), res.Tally.Down)
	assert.Equal(t, int64(0), res.Tally.Score)

	var votes int64
	db.Model(&model.Vote{}).Count(&votes)
	assert.Equal(t, int64(2), votes)

	tally, err := svc.Tally(ctx, model.VoteTargetGuild, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally.Score)
}

func TestSubmit_Invalid(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{})
	ids := seedGuilds(t, db, 1)
	ctx := context.Background()

	cases := []Ballot{
		{TargetType: "planet", TargetID: 1, Value: 1, IP: "1.1.1.1"},
		{TargetType: model.VoteTargetGuild, TargetID: ids[0], Value: 2, IP: "1.1.1.1"},
		{TargetType: model.VoteTargetGuild, TargetID: ids[0], Value: 0, IP: "1.1.1.1"},
		{TargetType: model.VoteTargetGuild, TargetID: 0, Value: 1, IP: "1.1.1.1"},
		{TargetType: model.VoteTargetGuild, TargetID: ids[0], Value: 1},
	}
	for _, b := range cases {
		_, err := svc.Submit(ctx, b)
		assert.ErrorIs(t, err, ErrInvalidBallot, "%+v", b)
	}

	_, err := svc.Submit(ctx, guildBallot(9999, 1, "1.1.1.1"))
	assert.ErrorIs(t, err, ErrTargetNotFound)

	// Builds are not backed by a table.
	_, err = svc.Submit(ctx, Ballot{TargetType: model.VoteTargetBuild, TargetID: 42, Value: 1, IP: "1.1.1.1"})
	assert.NoError(t, err)
}

func TestSubmit_DuplicateWithinCooldown(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 10, CooldownPerTarget: 80 * time.Millisecond})
	svc.now = time.Now
	ids := seedGuilds(t, db, 1)
	ctx := context.Background()

	_, err := svc.Submit(ctx, guildBallot(ids[0], 1, "10.0.0.1"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, guildBallot(ids[0], -1, "10.0.0.1"))
	assert.ErrorIs(t, err, ErrDuplicateVote)

	// Discord identity takes precedence over IP for cooldowns.
	b := guildBallot(ids[0], 1, "10.0.0.9")
	b.DiscordID = "123"
	_, err = svc.Submit(ctx, b)
	require.NoError(t, err)
	b.IP = "10.0.0.10"
	_, err = svc.Submit(ctx, b)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	time.Sleep(120 * time.Millisecond)
	_, err = svc.Submit(ctx, guildBallot(ids[0], 1, "10.0.0.1"))
	assert.NoError(t, err)
}

func TestSubmit_IPSlidingWindow(t *testing.T) {
	svc, db, clk := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 3, MaxPerDiscord: 10})
	ids := seedGuilds(t, db, 6)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, guildBallot(ids[i], 1, "10.0.0.1"))
		require.NoError(t, err)
		clk.advance(10 * time.Minute)
	}

	_, err := svc.Submit(ctx, guildBallot(ids[3], 1, "10.0.0.1"))
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "ip", rl.Scope)
	// First vote was 30m ago, so it leaves the window in 30m.
	assert.Equal(t, 30*time.Minute, rl.RetryAfter)

	// Another IP is unaffected.
	_, err = svc.Submit(ctx, guildBallot(ids[3], 1, "10.0.0.2"))
	require.NoError(t, err)

	// Once the first vote slides out, one more fits.
	clk.advance(30*time.Minute + time.Second)
	_, err = svc.Submit(ctx, guildBallot(ids[4], 1, "10.0.0.1"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, guildBallot(ids[5], 1, "10.0.0.1"))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSubmit_DiscordWindowAcrossIPs(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 10, MaxPerDiscord: 2})
	ids := seedGuilds(t, db, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b := guildBallot(ids[i], 1, fmt.Sprintf("10.0.1.%d", i))
		b.DiscordID = "alt-farmer"
		_, err := svc.Submit(ctx, b)
		require.NoError(t, err)
	}
	b := guildBallot(ids[2], 1, "10.0.1.99")
	b.DiscordID = "alt-farmer"
	_, err := svc.Submit(ctx, b)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "discord", rl.Scope)
}

func TestSubmit_HookCanReject(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{})
	ids := seedGuilds(t, db, 1)
	svc.hooks.Register(hook.BeforeVoteCast, 0, "blocklist", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		if data.(*Ballot).IP == "6.6.6.6" {
			return data, hook.ErrInterrupt
		}
		return data, nil
	})

	_, err := svc.Submit(context.Background(), guildBallot(ids[0], 1, "6.6.6.6"))
	assert.ErrorIs(t, err, ErrRejected)
	_, err = svc.Submit(context.Background(), guildBallot(ids[0], 1, "7.7.7.7"))
	assert.NoError(t, err)
}

func TestLeaderboard_CacheAndFallback(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 100})
	ids := seedGuilds(t, db, 3)
	ctx := context.Background()

	// ids[1]: +3, ids[0]: +1, ids[2]: -1
	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, guildBallot(ids[1], 1, fmt.Sprintf("10.1.0.%d", i)))
		require.NoError(t, err)
	}
	_, err := svc.Submit(ctx, guildBallot(ids[0], 1, "10.1.1.1"))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, guildBallot(ids[2], -1, "10.1.1.2"))
	require.NoError(t, err)

	board, err := svc.Leaderboard(ctx, model.VoteTargetGuild, 10)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, ids[1], board[0].TargetID)
	assert.Equal(t, int64(3), board[0].Score)
	assert.Equal(t, "Guild 1", board[0].Name)
	assert.Equal(t, ids[2], board[2].TargetID)

	// Cold cache falls back to the tally table.
	require.NoError(t, svc.cache.Del(ctx, boardKey(model.VoteTargetGuild)))
	board, err = svc.Leaderboard(ctx, model.VoteTargetGuild, 2)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, ids[1], board[0].TargetID)
	assert.Equal(t, ids[0], board[1].TargetID)

	_, err = svc.Leaderboard(ctx, "nope", 10)
	assert.ErrorIs(t, err, ErrInvalidBallot)
}

func TestRebuild(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{})
	ids := seedGuilds(t, db, 2)
	ctx := context.Background()
	require.NoError(t, db.Create(&model.VoteTally{TargetType: model.VoteTargetGuild, TargetID: ids[0], Up: 5, Score: 5}).Error)
	require.NoError(t, db.Create(&model.VoteTally{TargetType: model.VoteTargetGuild, TargetID: ids[1], Up: 9, Score: 9}).Error)
	// Stale cache entry for a target that no longer has a tally.
	_, _ = svc.cache.ZIncrBy(ctx, boardKey(model.VoteTargetGuild), 50, "777")

	require.NoError(t, svc.Rebuild(ctx))
	members, err := svc.cache.ZRevRange(ctx, boardKey(model.VoteTargetGuild), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{warmMember, fmt.Sprint(ids[1]), fmt.Sprint(ids[0])}, members)
}

func TestLeaderboard_VoteOnColdBoardReloads(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 100})
	ids := seedGuilds(t, db, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, guildBallot(ids[0], 1, fmt.Sprintf("10.2.0.%d", i)))
		require.NoError(t, err)
	}
	_, err := svc.Submit(ctx, guildBallot(ids[1], 1, "10.2.1.1"))
	require.NoError(t, err)

	// A flushed cache followed by one vote leaves a set holding only ids[2].
	require.NoError(t, svc.cache.Del(ctx, boardKey(model.VoteTargetGuild)))
	_, err = svc.Submit(ctx, guildBallot(ids[2], 1, "10.2.2.1"))
	require.NoError(t, err)

	board, err := svc.Leaderboard(ctx, model.VoteTargetGuild, 10)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, ids[0], board[0].TargetID)
	assert.Equal(t, int64(3), board[0].Score)
	assert.Equal(t, 1, board[0].Rank)
	assert.ElementsMatch(t, []int64{ids[1], ids[2]}, []int64{board[1].TargetID, board[2].TargetID})

	// Votes on a warm board land in the set directly.
	_, err = svc.Submit(ctx, guildBallot(ids[2], 1, "10.2.2.2"))
	require.NoError(t, err)
	board, err = svc.Leaderboard(ctx, model.VoteTargetGuild, 10)
	require.NoError(t, err)
	assert.Equal(t, ids[2], board[1].TargetID)
	assert.Equal(t, int64(2), board[1].Score)
}

func TestLeaderboard_SmallLimitDoesNotTruncateBoard(t *testing.T) {
	svc, db, _ := newTestService(t, config.VoteConfig{})
	ids := seedGuilds(t, db, 3)
	ctx := context.Background()
	for i, id := range ids {
		require.NoError(t, db.Create(&model.VoteTally{TargetType: model.VoteTargetGuild, TargetID: id, Up: int64(3 - i), Score: int64(3 - i)}).Error)
	}

	board, err := svc.Leaderboard(ctx, model.VoteTargetGuild, 1)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, ids[0], board[0].TargetID)

	board, err = svc.Leaderboard(ctx, model.VoteTargetGuild, 10)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, []int64{ids[0], ids[1], ids[2]}, []int64{board[0].TargetID, board[1].TargetID, board[2].TargetID})
}

func TestLeaderboard_EmptyBoardStaysWarm(t *testing.T) {
	svc, _, _ := newTestService(t, config.VoteConfig{})
	ctx := context.Background()

	board, err := svc.Leaderboard(ctx, model.VoteTargetBuild, 5)
	require.NoError(t, err)
	assert.Empty(t, board)
	score, err := svc.cache.ZScore(ctx, boardKey(model.VoteTargetBuild), warmMember)
	require.NoError(t, err)
	assert.Equal(t, float64(warmScore), score)
}

func TestPruneWindows(t *testing.T) {
	svc, db, clk := newTestService(t, config.VoteConfig{Window: time.Hour, MaxPerIP: 1})
	ids := seedGuilds(t, db, 2)
	ctx := context.Background()

	_, err := svc.Submit(ctx, guildBallot(ids[0], 1, "10.0.0.1"))
	require.NoError(t, err)

	require.NoError(t, svc.PruneWindows(ctx))
	keys, _ := svc.cache.SMembers(ctx, windowKeysSet)
	assert.Len(t, keys, 1)

	clk.advance(2 * time.Hour)
	require.NoError(t, svc.PruneWindows(ctx))
	keys, _ = svc.cache.SMembers(ctx, windowKeysSet)
	assert.Empty(t, keys)

	_, err = svc.Submit(ctx, guildBallot(ids[1], 1, "10.0.0.1"))
	assert.NoError(t, err)
}
