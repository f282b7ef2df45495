package quest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testDefs() map[string]*Def {
	defs := map[string]*Def{
		"jawa": {ID: "jawa", Name: "Jawa Trouble", Planet: "tatooine", Steps: []Step{
			{Type: StepGoto, Target: "Mos Eisley", Count: 1},
			{Type: StepKill, Target: "jawa", Count: 3},
		}},
		"womp": {ID: "womp", Name: "Womp Rats", Steps: []Step{
			{Type: StepKill, Target: "Womp Rat", Count: 2},
		}},
	}
	return defs
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *gorm.DB, *hook.HookCenter, *clock) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	hc := hook.NewHookCenter()
	svc := NewService(db, testDefs(), 24*time.Hour, hc, nil, zap.NewNop())
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clk.now
	return svc, db, hc, clk
}

func seedProfile(t *testing.T, db *gorm.DB, name string) int64 {
	t.Helper()
	p := &model.CharacterProfile{AccountID: 1, Name: name, Server: "legends"}
	require.NoError(t, db.Create(p).Error)
	return p.ID
}

func TestStart(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	ctx := context.Background()
	pid := seedProfile(t, db, "Hanlo")

	st, err := svc.Start(ctx, pid, "jawa")
	require.NoError(t, err)
	assert.Equal(t, "Jawa Trouble", st.Name)
	assert.Equal(t, model.QuestStatusInProgress, st.Status)
	require.Len(t, st.Steps, 2)
	assert.Zero(t, st.Steps[1].Current)

	_, err = svc.Start(ctx, pid, "jawa")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	_, err = svc.Start(ctx, pid, "nope")
	assert.ErrorIs(t, err, ErrUnknownQuest)
	_, err = svc.Start(ctx, 999, "jawa")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestAdvance_Completes(t *testing.T) {
	svc, db, hc, _ := newTestService(t)
	ctx := context.Background()
	pid := seedProfile(t, db, "Hanlo")

	var completed []string
	hc.Register(hook.OnQuestComplete, 0, "t", func(ctx context.Context, event string, data interface{}) (interface{}, error) {
		completed = append(completed, data.(*Status).QuestID)
		return data, nil
	})

	_, err := svc.Start(ctx, pid, "jawa")
	require.NoError(t, err)

	changed, err := svc.Advance(ctx, pid, StepKill, "JAWA", 2)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, 2, changed[0].Steps[1].Current)
	assert.Equal(t, model.QuestStatusInProgress, changed[0].Status)

	// over-counting is clamped
	changed, err = svc.Advance(ctx, pid, StepKill, "jawa", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, changed[0].Steps[1].Current)

	changed, err = svc.Advance(ctx, pid, StepKill, "jawa", 1)
	require.NoError(t, err)
	assert.Empty(t, changed, "step already full")

	changed, err = svc.Advance(ctx, pid, StepGoto, "mos eisley", 0)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, model.QuestStatusCompleted, changed[0].Status)
	assert.NotNil(t, changed[0].CompletedAt)
	assert.Equal(t, []string{"jawa"}, completed)

	_, err = svc.Start(ctx, pid, "jawa")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestAdvance_ConcurrentCreditsAllLand(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	svc.defs["rats"] = &Def{ID: "rats", Name: "Rat Cull", Steps: []Step{
		{Type: StepKill, Target: "Womp Rat", Count: 100},
	}}
	ctx := context.Background()
	pid := seedProfile(t, db, "Hanlo")
	_, err := svc.Start(ctx, pid, "rats")
	require.NoError(t, err)

	const kills = 20
	var wg sync.WaitGroup
	errs := make(chan error, kills)
	for i := 0; i < kills; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Advance(ctx, pid, StepKill, "womp rat", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := svc.List(ctx, pid, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kills, list[0].Steps[0].Current)
}

func TestAdvance_OnlyActiveQuests(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	ctx := context.Background()
	pid := seedProfile(t, db, "Hanlo")

	changed, err := svc.Advance(ctx, pid, StepKill, "womp rat", 1)
	require.NoError(t, err)
	assert.Empty(t, changed)

	_, err = svc.Advance(ctx, pid, "dance", "x", 1)
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestAbandonAndRestart(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	ctx := context.Background()
	pid := seedProfile(t, db, "Hanlo")

	_, err := svc.Start(ctx, pid, "womp")
	require.NoError(t, err)
	_, err = svc.Advance(ctx, pid, StepKill, "womp rat", 1)
	require.NoError(t, err)

	require.NoError(t, svc.Abandon(ctx, pid, "womp"))
	assert.ErrorIs(t, svc.Abandon(ctx, pid, "womp"), ErrNotActive)

	abandoned := model.QuestStatusAbandoned
	list, err := svc.List(ctx, pid, &abandoned)
	require.NoError(t, err)
	require.Len(t, list, 1)

	st, err := svc.Start(ctx, pid, "womp")
	require.NoError(t, err)
	assert.Zero(t, st.Steps[0].Current, "restart resets progress")

	all, err := svc.List(ctx, pid, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHeroicLockout(t *testing.T) {
	svc, db, _, clk := newTestService(t)
	ctx := context.Background()
	pid := seedProfile(t, db, "Hanlo")

	avail, err := svc.HeroicAvailableAt(ctx, pid, "axkva_min")
	require.NoError(t, err)
	assert.True(t, avail.IsZero())

	run, err := svc.RecordHeroic(ctx, pid, "axkva_min")
	require.NoError(t, err)
	assert.True(t, clk.t.Equal(run.CompletedAt))

	clk.t = clk.t.Add(23 * time.Hour)
	_, err = svc.RecordHeroic(ctx, pid, "axkva_min")
	require.ErrorIs(t, err, ErrLockedOut)
	var le *LockoutError
	require.ErrorAs(t, err, &le)
	assert.True(t, run.CompletedAt.Add(24*time.Hour).Equal(le.AvailableAt))

	// other instances are unaffected
	_, err = svc.RecordHeroic(ctx, pid, "ig88")
	require.NoError(t, err)

	lockouts, err := svc.Lockouts(ctx, pid)
	require.NoError(t, err)
	require.Len(t, lockouts, 2)
	assert.Equal(t, "axkva_min", lockouts[0].Instance)
	assert.True(t, lockouts[0].Locked)

	clk.t = clk.t.Add(time.Hour)
	_, err = svc.RecordHeroic(ctx, pid, "axkva_min")
	assert.NoError(t, err, "lockout expired")
}

func TestDefs_Sorted(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	defs := svc.Defs()
	require.Len(t, defs, 2)
	assert.Equal(t, "jawa", defs[0].ID)
	_, ok := svc.Def("womp")
	assert.True(t, ok)
}
