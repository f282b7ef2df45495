// Package session keeps the dashboard view of running MS11 bot sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/metrics"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/feed"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("session: not found")
	ErrSessionClosed = errors.New("session: already closed")
	ErrInvalid       = errors.New("session: invalid request")
)

// Event kinds.
const (
	EventStuck    = "stuck"
	EventRecovery = "recovery"
	EventWatchdog = "watchdog"
	EventInfo     = "info"
)

const reasonHeartbeatTimeout = "heartbeat timeout"

// StartRequest opens a session.
type StartRequest struct {
	Character string  `json:"character" binding:"required"`
	Mode      string  `json:"mode"`
	Planet    string  `json:"planet"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Heartbeat carries counter deltas since the previous heartbeat and the
// current position.
type Heartbeat struct {
	XP      int64   `json:"xp"`
	Credits int64   `json:"credits"`
	Loot    int64   `json:"loot"`
	Planet  string  `json:"planet"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Event is a notable occurrence during a session. Data keys used for
// metrics: "kind" for stuck, "action" and "outcome" for recovery, "level"
// for watchdog.
type Event struct {
	Kind    string                 `json:"kind" binding:"required"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// Filter narrows List.
type Filter struct {
	AccountID int64
	Status    string
	Character string
	Mode      string
	Since     time.Time
	Limit     int
	Offset    int
}

// Summary aggregates an account's sessions.
type Summary struct {
	Sessions       int64   `json:"sessions"`
	Active         int64   `json:"active"`
	TotalXP        int64   `json:"total_xp"`
	TotalCredits   int64   `json:"total_credits"`
	TotalLoot      int64   `json:"total_loot"`
	StuckIncidents int64   `json:"stuck_incidents"`
	Recoveries     int64   `json:"recoveries"`
	PvPAlerts      int64   `json:"pvp_alerts"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
}

// Detail is a session with its recent events.
type Detail struct {
	Session model.BotSession     `json:"session"`
	Events  []model.SessionEvent `json:"events"`
}

// Service manages bot sessions.
type Service struct {
	db      *gorm.DB
	timeout time.Duration
	hooks   *hook.HookCenter
	feed    *feed.Feed
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a session Service. Sessions without a heartbeat for
// timeout are reaped as lost. hooks, f and m may be nil.
func NewService(db *gorm.DB, timeout time.Duration, hooks *hook.HookCenter, f *feed.Feed, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{db: db, timeout: timeout, hooks: hooks, feed: f, metrics: m, logger: logger, now: time.Now}
}

// Start opens a new session for accountID.
func (svc *Service) Start(ctx context.Context, accountID int64, req StartRequest) (*model.BotSession, error) {
	req.Character = strings.TrimSpace(req.Character)
	if req.Character == "" {
		return nil, fmt.Errorf("%w: character required", ErrInvalid)
	}
	if req.Mode == "" {
		req.Mode = "default"
	}
	now := svc.now()
	s := &model.BotSession{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Character:     req.Character,
		Mode:          req.Mode,
		Planet:        req.Planet,
		X:             req.X,
		Y:             req.Y,
		Status:        model.SessionActive,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := svc.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, fmt.Errorf("session: start: %w", err)
	}
	svc.logger.Info("bot session started",
		zap.String("session_id", s.ID),
		zap.Int64("account_id", accountID),
		zap.String("character", s.Character),
		zap.String("mode", s.Mode))
	svc.trigger(ctx, hook.OnSessionStart, s)
	svc.feed.Publish(ctx, feed.KindSession, map[string]interface{}{"state": "started", "session": s})
	svc.refreshGauge(ctx)
	return s, nil
}

// scoped loads a session. accountID 0 skips the ownership check.
func (svc *Service) scoped(ctx context.Context, accountID int64, id string) (*model.BotSession, error) {
	q := svc.db.WithContext(ctx).Where("id = ?", id)
	if accountID > 0 {
		q = q.Where("account_id = ?", accountID)
	}
	var s model.BotSession
	err := q.First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (svc *Service) active(ctx context.Context, accountID int64, id string) (*model.BotSession, error) {
	s, err := svc.scoped(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionActive {
		return nil, ErrSessionClosed
	}
	return s, nil
}

// Heartbeat accumulates counters and refreshes position and liveness.
func (svc *Service) Heartbeat(ctx context.Context, accountID int64, id string, hb Heartbeat) (*model.BotSession, error) {
	if hb.XP < 0 || hb.Credits < 0 || hb.Loot < 0 {
		return nil, fmt.Errorf("%w: negative delta", ErrInvalid)
	}
	if _, err := svc.active(ctx, accountID, id); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"xp":             gorm.Expr("xp + ?", hb.XP),
		"credits":        gorm.Expr("credits + ?", hb.Credits),
		"loot_count":     gorm.Expr("loot_count + ?", hb.Loot),
		"x":              hb.X,
		"y":              hb.Y,
		"last_heartbeat": svc.now(),
	}
	if hb.Planet != "" {
		updates["planet"] = hb.Planet
	}
	res := svc.db.WithContext(ctx).Model(&model.BotSession{}).
		Where("id = ? AND status = ?", id, model.SessionActive).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// reaped or ended between the check and the update
		return nil, ErrSessionClosed
	}
	return svc.scoped(ctx, 0, id)
}

// RecordEvent stores ev and bumps the matching session counter.
func (svc *Service) RecordEvent(ctx context.Context, accountID int64, id string, ev Event) (*model.SessionEvent, error) {
	counter := ""
	switch ev.Kind {
	case EventStuck:
		counter = "stuck_count"
	case EventRecovery:
		counter = "recovery_count"
	case EventWatchdog:
		counter = "pvp_alerts"
	case EventInfo:
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalid, ev.Kind)
	}
	if _, err := svc.active(ctx, accountID, id); err != nil {
		return nil, err
	}

	var data datatypes.JSON
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		data = datatypes.JSON(b)
	}
	row := &model.SessionEvent{SessionID: id, Kind: ev.Kind, Message: ev.Message, Data: data}

	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if counter == "" {
			return nil
		}
		return tx.Model(&model.BotSession{}).Where("id = ?", id).
			Update(counter, gorm.Expr(counter+" + 1")).Error
	})
	if err != nil {
		return nil, fmt.Errorf("session: record event: %w", err)
	}

	switch ev.Kind {
	case EventStuck:
		svc.metrics.StuckDetected(dataString(ev.Data, "kind"))
		svc.trigger(ctx, hook.OnStuckDetected, row)
	case EventRecovery:
		svc.metrics.RecoveryAction(dataString(ev.Data, "action"), dataString(ev.Data, "outcome"))
		svc.trigger(ctx, hook.OnRecovery, row)
	case EventWatchdog:
		svc.metrics.WatchdogAlert(dataString(ev.Data, "level"))
		svc.trigger(ctx, hook.OnWatchdogAlert, row)
	}
	svc.feed.Publish(ctx, feed.KindSession, map[string]interface{}{"state": "event", "event": row})
	return row, nil
}

func dataString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// End closes an active session.
func (svc *Service) End(ctx context.Context, accountID int64, id, reason string) (*model.BotSession, error) {
	if _, err := svc.active(ctx, accountID, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "stopped"
	}
	now := svc.now()
	res := svc.db.WithContext(ctx).Model(&model.BotSession{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]interface{}{"status": model.SessionEnded, "ended_at": now, "end_reason": reason})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSessionClosed
	}
	s, err := svc.scoped(ctx, 0, id)
	if err != nil {
		return nil, err
	}
	svc.logger.Info("bot session ended", zap.String("session_id", id), zap.String("reason", reason))
	svc.trigger(ctx, hook.OnSessionEnd, s)
	svc.feed.Publish(ctx, feed.KindSession, map[string]interface{}{"state": "ended", "session": s})
	svc.refreshGauge(ctx)
	return s, nil
}

// Get returns a session with its latest events.
func (svc *Service) Get(ctx context.Context, accountID int64, id string, events int) (*Detail, error) {
	s, err := svc.scoped(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if events <= 0 || events > 500 {
		events = 100
	}
	d := &Detail{Session: *s}
	if err := svc.db.WithContext(ctx).Where("session_id = ?", id).
		Order("id DESC").Limit(events).Find(&d.Events).Error; err != nil {
		return nil, err
	}
	return d, nil
}

func (svc *Service) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := svc.db.WithContext(ctx).Model(&model.BotSession{})
	if f.AccountID > 0 {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Character != "" {
		q = q.Where(map[string]interface{}{"character": f.Character})
	}
	if f.Mode != "" {
		q = q.Where("mode = ?", f.Mode)
	}
	if !f.Since.IsZero() {
		q = q.Where("started_at >= ?", f.Since)
	}
	return q
}

// List returns sessions newest first with the total match count.
func (svc *Service) List(ctx context.Context, f Filter) ([]model.BotSession, int64, error) {
	var total int64
	if err := svc.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []model.BotSession
	err := svc.filtered(ctx, f).Order("started_at DESC").Limit(limit).Offset(f.Offset).Find(&out).Error
	return out, total, err
}

// Summary aggregates every session of accountID.
func (svc *Service) Summary(ctx context.Context, accountID int64) (*Summary, error) {
	var rows []model.BotSession
	if err := svc.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	now := svc.now()
	sum := &Summary{Sessions: int64(len(rows))}
	for _, s := range rows {
		if s.Status == model.SessionActive {
			sum.Active++
		}
		sum.TotalXP += s.XP
		sum.TotalCredits += s.Credits
		sum.TotalLoot += s.LootCount
		sum.StuckIncidents += int64(s.StuckCount)
		sum.Recoveries += int64(s.RecoveryCount)
		sum.PvPAlerts += int64(s.PvPAlerts)
		end := now
		switch {
		case s.EndedAt != nil:
			end = *s.EndedAt
		case s.Status != model.SessionActive:
			end = s.LastHeartbeat
		}
		if d := end.Sub(s.StartedAt); d > 0 {
			sum.RuntimeSeconds += d.Seconds()
		}
	}
	return sum, nil
}

// CountActive returns the number of active sessions across all accounts.
func (svc *Service) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := svc.db.WithContext(ctx).Model(&model.BotSession{}).Where("status = ?", model.SessionActive).Count(&n).Error
	return n, err
}

// ReapStale marks active sessions whose last heartbeat is older than the
// heartbeat timeout as lost, returning how many were reaped.
func (svc *Service) ReapStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-svc.timeout)
	var stale []model.BotSession
	if err := svc.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", model.SessionActive, cutoff).
		Find(&stale).Error; err != nil {
		return 0, err
	}
	reaped := 0
	for i := range stale {
		s := &stale[i]
		res := svc.db.WithContext(ctx).Model(&model.BotSession{}).
			Where("id = ? AND status = ? AND last_heartbeat < ?", s.ID, model.SessionActive, cutoff).
			Updates(map[string]interface{}{"status": model.SessionLost, "ended_at": now, "end_reason": reasonHeartbeatTimeout})
		if res.Error != nil {
			return reaped, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		reaped++
		s.Status, s.EndedAt, s.EndReason = model.SessionLost, &now, reasonHeartbeatTimeout
		svc.logger.Warn("bot session lost",
			zap.String("session_id", s.ID),
			zap.String("character", s.Character),
			zap.Time("last_heartbeat", s.LastHeartbeat))
		svc.trigger(ctx, hook.OnSessionLost, s)
		svc.feed.Publish(ctx, feed.KindSession, map[string]interface{}{"state": "lost", "session": s})
	}
	svc.refreshGauge(ctx)
	return reaped, nil
}

func (svc *Service) trigger(ctx context.Context, event string, data interface{}) {
	if svc.hooks != nil {
		_, _ = svc.hooks.Trigger(ctx, event, data)
	}
}

func (svc *Service) refreshGauge(ctx context.Context) {
	if svc.metrics == nil {
		return
	}
	if n, err := svc.CountActive(ctx); err == nil {
		svc.metrics.SetActiveSessions(n)
	}
}
