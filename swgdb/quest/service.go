// Package quest tracks quest progress and heroic instance lockouts for
// character profiles.
package quest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/feed"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrUnknownQuest     = errors.New("quest: unknown quest")
	ErrProfileNotFound  = errors.New("quest: profile not found")
	ErrAlreadyActive    = errors.New("quest: already in progress")
	ErrAlreadyCompleted = errors.New("quest: already completed")
	ErrNotActive        = errors.New("quest: not in progress")
	ErrInvalidStep      = errors.New("quest: invalid step")
	ErrLockedOut        = errors.New("quest: heroic instance locked out")
)

// LockoutError reports when a heroic instance becomes available again.
// It matches ErrLockedOut with errors.Is.
type LockoutError struct {
	Instance    string
	AvailableAt time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("quest: %s locked out until %s", e.Instance, e.AvailableAt.Format(time.RFC3339))
}

func (e *LockoutError) Unwrap() error { return ErrLockedOut }

// StepState is a step with its current count.
type StepState struct {
	Step
	Current int `json:"current"`
}

// Status is a quest progress row joined with its definition.
type Status struct {
	QuestID     string      `json:"quest_id"`
	Name        string      `json:"name"`
	Planet      string      `json:"planet"`
	Status      int         `json:"status"`
	Steps       []StepState `json:"steps"`
	AcceptedAt  time.Time   `json:"accepted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Lockout is the heroic state of one instance for a profile.
type Lockout struct {
	Instance    string    `json:"instance"`
	LastRun     time.Time `json:"last_run"`
	AvailableAt time.Time `json:"available_at"`
	Locked      bool      `json:"locked"`
}

// Service handles all quest operations.
type Service struct {
	db      *gorm.DB
	defs    map[string]*Def
	lockout time.Duration
	hooks   *hook.HookCenter
	feed    *feed.Feed
	logger  *zap.Logger
	now     func() time.Time

	// serialises progress read-modify-write in Advance
	mu sync.Mutex
}

// NewService creates a quest Service with the given definitions. hooks and
// f may be nil.
func NewService(db *gorm.DB, defs map[string]*Def, lockout time.Duration, hooks *hook.HookCenter, f *feed.Feed, logger *zap.Logger) *Service {
	if defs == nil {
		defs = make(map[string]*Def)
	}
	return &Service{db: db, defs: defs, lockout: lockout, hooks: hooks, feed: f, logger: logger, now: time.Now}
}

// Defs returns all definitions ordered by id.
func (svc *Service) Defs() []*Def {
	out := make([]*Def, 0, len(svc.defs))
	for _, d := range svc.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Def returns one definition.
func (svc *Service) Def(id string) (*Def, bool) {
	d, ok := svc.defs[id]
	return d, ok
}

func (svc *Service) profileExists(ctx context.Context, profileID int64) error {
	var n int64
	if err := svc.db.WithContext(ctx).Model(&model.CharacterProfile{}).Where("id = ?", profileID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// Start accepts a quest. An abandoned quest is restarted from scratch.
func (svc *Service) Start(ctx context.Context, profileID int64, questID string) (*Status, error) {
	def, ok := svc.defs[questID]
	if !ok {
		return nil, ErrUnknownQuest
	}
	if err := svc.profileExists(ctx, profileID); err != nil {
		return nil, err
	}

	empty, _ := json.Marshal(map[string]int{})
	now := svc.now()

	var qp model.QuestProgress
	err := svc.db.WithContext(ctx).Where("profile_id = ? AND quest_id = ?", profileID, questID).First(&qp).Error
	switch {
	case err == nil:
		switch qp.Status {
		case model.QuestStatusInProgress:
			return nil, ErrAlreadyActive
		case model.QuestStatusCompleted:
			return nil, ErrAlreadyCompleted
		}
		qp.Status = model.QuestStatusInProgress
		qp.Progress = datatypes.JSON(empty)
		qp.AcceptedAt = now
		qp.CompletedAt = nil
		if err := svc.db.WithContext(ctx).Save(&qp).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		qp = model.QuestProgress{
			ProfileID:  profileID,
			QuestID:    questID,
			Progress:   datatypes.JSON(empty),
			Status:     model.QuestStatusInProgress,
			AcceptedAt: now,
		}
		if err := svc.db.WithContext(ctx).Create(&qp).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return buildStatus(def, &qp), nil
}

// Advance credits amount towards every active step of the profile matching
// stepType and target (case-insensitive). It returns the quests that changed.
func (svc *Service) Advance(ctx context.Context, profileID int64, stepType StepType, target string, amount int) ([]*Status, error) {
	if !stepType.Valid() || strings.TrimSpace(target) == "" {
		return nil, ErrInvalidStep
	}
	if amount <= 0 {
		amount = 1
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	type completion struct {
		def *Def
		st  *Status
	}
	var (
		changed []*Status
		done    []completion
	)
	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, done = nil, nil
		var quests []model.QuestProgress
		if err := tx.Where("profile_id = ? AND status = ?", profileID, model.QuestStatusInProgress).
			Find(&quests).Error; err != nil {
			return err
		}
		for i := range quests {
			qp := &quests[i]
			def, ok := svc.defs[qp.QuestID]
			if !ok {
				continue
			}
			progress := decodeProgress(qp.Progress)
			if !credit(def, progress, stepType, target, amount) {
				continue
			}

			b, _ := json.Marshal(progress)
			qp.Progress = datatypes.JSON(b)
			completed := isComplete(def, progress)
			if completed {
				now := svc.now()
				qp.Status = model.QuestStatusCompleted
				qp.CompletedAt = &now
			}
			if err := tx.Save(qp).Error; err != nil {
				return err
			}
			st := buildStatus(def, qp)
			changed = append(changed, st)
			if completed {
				done = append(done, completion{def: def, st: st})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range done {
		svc.completed(ctx, profileID, c.def, c.st)
	}
	return changed, nil
}

// credit adds amount to every unfinished step of def matching stepType and
// target, reporting whether any step moved.
func credit(def *Def, progress map[string]int, stepType StepType, target string, amount int) bool {
	moved := false
	for j, step := range def.Steps {
		if step.Type != stepType || !strings.EqualFold(step.Target, target) {
			continue
		}
		key := strconv.Itoa(j)
		if current := progress[key]; current < step.Count {
			progress[key] = min(current+amount, step.Count)
			moved = true
		}
	}
	return moved
}

func (svc *Service) completed(ctx context.Context, profileID int64, def *Def, st *Status) {
	svc.logger.Info("quest completed",
		zap.Int64("profile_id", profileID),
		zap.String("quest_id", def.ID))
	if svc.hooks != nil {
		_, _ = svc.hooks.Trigger(ctx, hook.OnQuestComplete, st)
	}
	svc.feed.Publish(ctx, feed.KindQuest, map[string]interface{}{
		"profile_id":     profileID,
		"quest_id":       def.ID,
		"name":           def.Name,
		"reward_credits": def.RewardCredits,
		"reward_xp":      def.RewardXP,
	})
}

// Abandon stops an in-progress quest.
func (svc *Service) Abandon(ctx context.Context, profileID int64, questID string) error {
	res := svc.db.WithContext(ctx).Model(&model.QuestProgress{}).
		Where("profile_id = ? AND quest_id = ? AND status = ?", profileID, questID, model.QuestStatusInProgress).
		Update("status", model.QuestStatusAbandoned)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotActive
	}
	return nil
}

// List returns the profile's quests, optionally filtered by status.
func (svc *Service) List(ctx context.Context, profileID int64, status *int) ([]*Status, error) {
	q := svc.db.WithContext(ctx).Where("profile_id = ?", profileID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var rows []model.QuestProgress
	if err := q.Order("accepted_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(rows))
	for i := range rows {
		def, ok := svc.defs[rows[i].QuestID]
		if !ok {
			def = &Def{ID: rows[i].QuestID, Name: rows[i].QuestID}
		}
		out = append(out, buildStatus(def, &rows[i]))
	}
	return out, nil
}

// RecordHeroic stores a completed heroic run, refusing it while the
// instance is locked out for the profile.
func (svc *Service) RecordHeroic(ctx context.Context, profileID int64, instance string) (*model.HeroicRun, error) {
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil, ErrInvalidStep
	}
	if err := svc.profileExists(ctx, profileID); err != nil {
		return nil, err
	}
	now := svc.now()
	avail, err := svc.HeroicAvailableAt(ctx, profileID, instance)
	if err != nil {
		return nil, err
	}
	if now.Before(avail) {
		return nil, &LockoutError{Instance: instance, AvailableAt: avail}
	}
	run := &model.HeroicRun{ProfileID: profileID, Instance: instance, CompletedAt: now}
	if err := svc.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	if svc.hooks != nil {
		_, _ = svc.hooks.Trigger(ctx, hook.OnHeroicComplete, run)
	}
	svc.feed.Publish(ctx, feed.KindQuest, run)
	return run, nil
}

// HeroicAvailableAt returns when the profile may run instance again. The
// zero time means it never ran it.
func (svc *Service) HeroicAvailableAt(ctx context.Context, profileID int64, instance string) (time.Time, error) {
	var last model.HeroicRun
	err := svc.db.WithContext(ctx).
		Where("profile_id = ? AND instance = ?", profileID, instance).
		Order("completed_at DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.CompletedAt.Add(svc.lockout), nil
}

// Lockouts returns the latest run of every instance the profile has done.
func (svc *Service) Lockouts(ctx context.Context, profileID int64) ([]Lockout, error) {
	var runs []model.HeroicRun
	if err := svc.db.WithContext(ctx).Where("profile_id = ?", profileID).
		Order("completed_at DESC").Find(&runs).Error; err != nil {
		return nil, err
	}
	now := svc.now()
	seen := make(map[string]bool)
	var out []Lockout
	for _, r := range runs {
		if seen[r.Instance] {
			continue
		}
		seen[r.Instance] = true
		avail := r.CompletedAt.Add(svc.lockout)
		out = append(out, Lockout{
			Instance:    r.Instance,
			LastRun:     r.CompletedAt,
			AvailableAt: avail,
			Locked:      now.Before(avail),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func decodeProgress(raw datatypes.JSON) map[string]int {
	progress := make(map[string]int)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &progress)
	}
	return progress
}

func isComplete(def *Def, progress map[string]int) bool {
	for j, step := range def.Steps {
		if progress[strconv.Itoa(j)] < step.Count {
			return false
		}
	}
	return true
}

func buildStatus(def *Def, qp *model.QuestProgress) *Status {
	progress := decodeProgress(qp.Progress)
	steps := make([]StepState, len(def.Steps))
	for j, s := range def.Steps {
		steps[j] = StepState{Step: s, Current: progress[strconv.Itoa(j)]}
	}
	return &Status{
		QuestID:     qp.QuestID,
		Name:        def.Name,
		Planet:      def.Planet,
		Status:      qp.Status,
		Steps:       steps,
		AcceptedAt:  qp.AcceptedAt,
		UpdatedAt:   qp.UpdatedAt,
		CompletedAt: qp.CompletedAt,
	}
}
