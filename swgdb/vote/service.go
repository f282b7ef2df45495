// Package vote implements community voting on character profiles, guilds
// and builds, with sliding-window rate limiting per IP and Discord ID.
package vote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/metrics"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidBallot  = errors.New("vote: invalid ballot")
	ErrTargetNotFound = errors.New("vote: target not found")
	ErrRateLimited    = errors.New("vote: rate limited")
	ErrDuplicateVote  = errors.New("vote: already voted for this target")
	ErrRejected       = errors.New("vote: rejected")
)

// RateLimitError carries which limit tripped and when the caller may retry.
// It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	Scope      string // "ip" or "discord"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("vote: rate limited by %s, retry in %s", e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Ballot is one vote request.
type Ballot struct {
	TargetType string `json:"target_type"`
	TargetID   int64  `json:"target_id"`
	Value      int    `json:"value"`
	IP         string `json:"-"`
	DiscordID  string `json:"-"`
	AccountID  int64  `json:"-"`
}

// VoterKey identifies the voter for cooldowns: Discord ID when given, else IP.
func (b *Ballot) VoterKey() string {
	if b.DiscordID != "" {
		return "discord:" + b.DiscordID
	}
	return "ip:" + b.IP
}

func (b *Ballot) validate() error {
	if !ValidTargetType(b.TargetType) || b.TargetID <= 0 || (b.Value != 1 && b.Value != -1) || b.IP == "" {
		return ErrInvalidBallot
	}
	return nil
}

// ValidTargetType reports whether t can be voted on.
func ValidTargetType(t string) bool {
	switch t {
	case model.VoteTargetProfile, model.VoteTargetGuild, model.VoteTargetBuild:
		return true
	}
	return false
}

// Result is returned for an accepted vote.
type Result struct {
	Tally       model.VoteTally `json:"tally"`
	RemainingIP int             `json:"remaining_ip"`
}

// Standing is one leaderboard row.
type Standing struct {
	Rank     int    `json:"rank"`
	TargetID int64  `json:"target_id"`
	Name     string `json:"name,omitempty"`
	Score    int64  `json:"score"`
}

// Service accepts and tallies votes.
type Service struct {
	db      *gorm.DB
	cache   cache.Cache
	cfg     config.VoteConfig
	win     slidingWindow
	hooks   *hook.HookCenter
	feed    *feed.Feed
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// serialises check-then-record on the rate limit windows and keeps
	// leaderboard reloads apart from vote increments
	mu sync.Mutex
}

// NewService creates a vote Service. hooks, f and m may be nil.
func NewService(db *gorm.DB, c cache.Cache, cfg config.VoteConfig, hooks *hook.HookCenter, f *feed.Feed, m *metrics.Metrics, logger *zap.Logger) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = 10
	}
	if cfg.MaxPerDiscord <= 0 {
		cfg.MaxPerDiscord = 5
	}
	return &Service{
		db:      db,
		cache:   c,
		cfg:     cfg,
		win:     slidingWindow{c: c, window: cfg.Window},
		hooks:   hooks,
		feed:    f,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func ipKey(ip string) string      { return "vote:win:ip:" + ip }
func discordKey(id string) string { return "vote:win:discord:" + id }
func boardKey(t string) string    { return "votes:" + t }

func cooldownKey(b *Ballot) string {
	return fmt.Sprintf("vote:cd:%s:%d:%s", b.TargetType, b.TargetID, b.VoterKey())
}

// Submit validates, rate limits and records a ballot.
func (s *Service) Submit(ctx context.Context, b Ballot) (*Result, error) {
	res, err := s.submit(ctx, &b)
	s.metrics.Vote(b.TargetType, outcome(err))
	return res, err
}

func (s *Service) submit(ctx context.Context, b *Ballot) (*Result, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := s.targetExists(ctx, b.TargetType, b.TargetID); err != nil {
		return nil, err
	}
	if s.hooks != nil {
		if _, err := s.hooks.Trigger(ctx, hook.BeforeVoteCast, b); errors.Is(err, hook.ErrInterrupt) {
			return nil, ErrRejected
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	ok, retry, remaining, err := s.win.check(ctx, ipKey(b.IP), s.cfg.MaxPerIP, now)
	if err != nil {
		return nil, fmt.Errorf("vote: ip window: %w", err)
	}
	if !ok {
		return nil, &RateLimitError{Scope: "ip", RetryAfter: retry}
	}
	if b.DiscordID != "" {
		ok, retry, _, err := s.win.check(ctx, discordKey(b.DiscordID), s.cfg.MaxPerDiscord, now)
		if err != nil {
			return nil, fmt.Errorf("vote: discord window: %w", err)
		}
		if !ok {
			return nil, &RateLimitError{Scope: "discord", RetryAfter: retry}
		}
	}

	if dup, err := s.onCooldown(ctx, b, now); err != nil {
		return nil, err
	} else if dup {
		return nil, ErrDuplicateVote
	}

	tally, err := s.record(ctx, b, now)
	if err != nil {
		_ = s.cache.Del(ctx, cooldownKey(b))
		return nil, err
	}

	if err := s.win.record(ctx, ipKey(b.IP), s.cfg.MaxPerIP, now); err != nil {
		s.logger.Warn("vote window record failed", zap.String("scope", "ip"), zap.Error(err))
	}
	if b.DiscordID != "" {
		if err := s.win.record(ctx, discordKey(b.DiscordID), s.cfg.MaxPerDiscord, now); err != nil {
			s.logger.Warn("vote window record failed", zap.String("scope", "discord"), zap.Error(err))
		}
	}
	if _, err := s.cache.ZIncrBy(ctx, boardKey(b.TargetType), float64(b.Value), strconv.FormatInt(b.TargetID, 10)); err != nil {
		s.logger.Warn("leaderboard increment failed", zap.Error(err))
	}

	if s.hooks != nil {
		_, _ = s.hooks.Trigger(ctx, hook.OnVoteCast, tally)
	}
	s.feed.Publish(ctx, feed.KindVote, tally)
	return &Result{Tally: *tally, RemainingIP: remaining}, nil
}

// onCooldown claims the per-target cooldown for this voter. The cache key
// is the fast path; the vote table is checked too so a cache flush does not
// reopen the cooldown.
func (s *Service) onCooldown(ctx context.Context, b *Ballot, now time.Time) (bool, error) {
	if s.cfg.CooldownPerTarget <= 0 {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Vote{}).
		Where("target_type = ? AND target_id = ? AND voter_key = ? AND created_at > ?",
			b.TargetType, b.TargetID, b.VoterKey(), now.Add(-s.cfg.CooldownPerTarget)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("vote: cooldown lookup: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	claimed, err := s.cache.SetNX(ctx, cooldownKey(b), "1", s.cfg.CooldownPerTarget)
	if err != nil {
		return false, fmt.Errorf("vote: cooldown claim: %w", err)
	}
	return !claimed, nil
}

func (s *Service) record(ctx context.Context, b *Ballot, now time.Time) (*model.VoteTally, error) {
	v := &model.Vote{
		TargetType: b.TargetType,
		TargetID:   b.TargetID,
		Value:      b.Value,
		VoterKey:   b.VoterKey(),
		IP:         b.IP,
		DiscordID:  b.DiscordID,
		CreatedAt:  now,
	}
	if b.AccountID > 0 {
		id := b.AccountID
		v.AccountID = &id
	}
	up, down := 0, 0
	if b.Value > 0 {
		up = 1
	} else {
		down = 1
	}

	var tally model.VoteTally
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(v).Error; err != nil {
			return err
		}
		seed := model.VoteTally{TargetType: b.TargetType, TargetID: b.TargetID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.VoteTally{}).
			Where("target_type = ? AND target_id = ?", b.TargetType, b.TargetID).
			Updates(map[string]interface{}{
				"up":    gorm.Expr("up + ?", up),
				"down":  gorm.Expr("down + ?", down),
				"score": gorm.Expr("score + ?", b.Value),
			}).Error; err != nil {
			return err
		}
		return tx.Where("target_type = ? AND target_id = ?", b.TargetType, b.TargetID).First(&tally).Error
	})
	if err != nil {
		return nil, fmt.Errorf("vote: record: %w", err)
	}
	return &tally, nil
}

func (s *Service) targetExists(ctx context.Context, targetType string, id int64) error {
	var m interface{}
	switch targetType {
	case model.VoteTargetProfile:
		m = &model.CharacterProfile{}
	case model.VoteTargetGuild:
		m = &model.Guild{}
	default:
		// builds are free-form ids published by the community site
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(m).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// Tally returns the counters for one target; zero counters if never voted.
func (s *Service) Tally(ctx context.Context, targetType string, id int64) (*model.VoteTally, error) {
	if !ValidTargetType(targetType) {
		return nil, ErrInvalidBallot
	}
	tally := model.VoteTally{TargetType: targetType, TargetID: id}
	err := s.db.WithContext(ctx).Where("target_type = ? AND target_id = ?", targetType, id).First(&tally).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &tally, nil
}

// A board loaded from the tally table carries warmMember above every real
// score. A board without it was started by a vote on an empty key and only
// holds part of the standings, so it is reloaded before being served.
const (
	warmMember = "_warm"
	warmScore  = 1 << 52
)

// Leaderboard returns the top targets by score, served from the sorted set
// when it holds the full board and from the tally table otherwise.
func (s *Service) Leaderboard(ctx context.Context, targetType string, limit int) ([]Standing, error) {
	if !ValidTargetType(targetType) {
		return nil, ErrInvalidBallot
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	out, ok := s.cachedBoard(ctx, targetType, limit)
	if !ok {
		s.mu.Lock()
		if out, ok = s.cachedBoard(ctx, targetType, limit); !ok {
			if err := s.loadBoard(ctx, targetType); err != nil {
				s.logger.Warn("leaderboard reload failed", zap.String("type", targetType), zap.Error(err))
			} else {
				out, ok = s.cachedBoard(ctx, targetType, limit)
			}
		}
		s.mu.Unlock()
	}
	if !ok {
		var err error
		if out, err = s.tableBoard(ctx, targetType, limit); err != nil {
			return nil, err
		}
	}
	s.enrichNames(ctx, targetType, out)
	return out, nil
}

func (s *Service) cachedBoard(ctx context.Context, targetType string, limit int) ([]Standing, bool) {
	members, err := s.cache.ZRevRangeWithScores(ctx, boardKey(targetType), 0, int64(limit))
	if err != nil || len(members) == 0 || members[0].Member != warmMember {
		return nil, false
	}
	out := make([]Standing, 0, len(members)-1)
	for _, m := range members[1:] {
		id, err := strconv.ParseInt(m.Member, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Standing{Rank: len(out) + 1, TargetID: id, Score: int64(m.Score)})
	}
	return out, true
}

func (s *Service) tableBoard(ctx context.Context, targetType string, limit int) ([]Standing, error) {
	var tallies []model.VoteTally
	if err := s.db.WithContext(ctx).Where("target_type = ?", targetType).
		Order("score DESC, target_id ASC").Limit(limit).Find(&tallies).Error; err != nil {
		return nil, err
	}
	out := make([]Standing, len(tallies))
	for i, t := range tallies {
		out[i] = Standing{Rank: i + 1, TargetID: t.TargetID, Score: t.Score}
	}
	return out, nil
}

// loadBoard replaces the sorted set for targetType with every tally row.
// Callers hold s.mu so no vote increments the set mid-load.
func (s *Service) loadBoard(ctx context.Context, targetType string) error {
	var tallies []model.VoteTally
	if err := s.db.WithContext(ctx).Where("target_type = ?", targetType).Find(&tallies).Error; err != nil {
		return fmt.Errorf("vote: load board %s: %w", targetType, err)
	}
	key := boardKey(targetType)
	if err := s.cache.Del(ctx, key); err != nil {
		return err
	}
	for _, t := range tallies {
		if err := s.cache.ZAdd(ctx, key, float64(t.Score), strconv.FormatInt(t.TargetID, 10)); err != nil {
			return err
		}
	}
	return s.cache.ZAdd(ctx, key, warmScore, warmMember)
}

// Rebuild reloads every leaderboard sorted set from the tally table. It runs
// at startup and as a scheduler ticker.
func (s *Service) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []string{model.VoteTargetProfile, model.VoteTargetGuild, model.VoteTargetBuild} {
		if err := s.loadBoard(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// PruneWindows removes rate limit logs with nothing left in the window.
func (s *Service) PruneWindows(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.win.gc(ctx, s.now())
	if n > 0 {
		s.logger.Debug("vote windows pruned", zap.Int("count", n))
	}
	return err
}

func (s *Service) enrichNames(ctx context.Context, targetType string, rows []Standing) {
	if len(rows) == 0 {
		return
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.TargetID
	}
	names := make(map[int64]string, len(rows))
	switch targetType {
	case model.VoteTargetProfile:
		var ps []model.CharacterProfile
		s.db.WithContext(ctx).Select("id, name").Where("id IN ?", ids).Find(&ps)
		for _, p := range ps {
			names[p.ID] = p.Name
		}
	case model.VoteTargetGuild:
		var gs []model.Guild
		s.db.WithContext(ctx).Select("id, name").Where("id IN ?", ids).Find(&gs)
		for _, g := range gs {
			names[g.ID] = g.Name
		}
	default:
		return
	}
	for i := range rows {
		rows[i].Name = names[rows[i].TargetID]
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, ErrInvalidBallot), errors.Is(err, ErrTargetNotFound):
		return "invalid"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
