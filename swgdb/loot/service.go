// Package loot parses in-game chat logs for loot messages, classifies the
// items and keeps a searchable loot history per character.
package loot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/metrics"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("loot: entry not found")
	ErrInvalidEntry = errors.New("loot: invalid entry")
)

const maxIngestLines = 5000

// IngestRequest is a batch of raw chat log lines from one character.
type IngestRequest struct {
	AccountID int64     `json:"-"`
	Character string    `json:"character"`
	Planet    string    `json:"planet"`
	Date      time.Time `json:"date"` // date for [HH:MM:SS] stamps; today when zero
	Lines     []string  `json:"lines"`
}

// IngestResult summarises an Ingest call.
type IngestResult struct {
	Parsed  int               `json:"parsed"`
	Skipped int               `json:"skipped"`
	Stored  int               `json:"stored"`
	Entries []model.LootEntry `json:"entries"`
}

// Filter narrows Search and Stats.
type Filter struct {
	AccountID int64
	Item      string // substring, case-insensitive
	Category  string
	Rarity    string
	Character string
	Source    string // substring
	Planet    string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ItemCount is one row of Stats.TopItems.
type ItemCount struct {
	Item     string `json:"item"`
	Quantity int64  `json:"quantity"`
}

// Stats summarises the entries matching a filter.
type Stats struct {
	Entries      int64            `json:"entries"`
	ByCategory   map[string]int64 `json:"by_category"`
	ByRarity     map[string]int64 `json:"by_rarity"`
	TotalCredits int64            `json:"total_credits"`
	TopItems     []ItemCount      `json:"top_items"`
}

// Service stores and queries loot entries.
type Service struct {
	db         *gorm.DB
	classifier *Classifier
	hooks      *hook.HookCenter
	feed       *feed.Feed
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewService creates a loot Service. hooks, f and m may be nil.
func NewService(db *gorm.DB, classifier *Classifier, hooks *hook.HookCenter, f *feed.Feed, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{db: db, classifier: classifier, hooks: hooks, feed: f, metrics: m, logger: logger}
}

// Ingest parses, classifies and stores every loot line in req. Lines that
// are not loot messages are counted as skipped.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if len(req.Lines) > maxIngestLines {
		return nil, fmt.Errorf("%w: at most %d lines per batch", ErrInvalidEntry, maxIngestLines)
	}
	p := Parser{Date: req.Date}
	res := &IngestResult{}
	entries := make([]*model.LootEntry, 0, len(req.Lines))
	now := time.Now()

	for _, line := range req.Lines {
		ev, err := p.ParseLine(line)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Parsed++
		e := &model.LootEntry{
			AccountID: req.AccountID,
			Character: req.Character,
			Item:      ev.Item,
			Quantity:  ev.Quantity,
			Source:    ev.Source,
			Planet:    req.Planet,
			Raw:       ev.Raw,
			LootedAt:  ev.Time,
		}
		if ev.Character != "" {
			e.Character = ev.Character
		}
		if e.LootedAt.IsZero() {
			e.LootedAt = now
		}
		if ev.Kind == KindCredits {
			e.Category, e.Rarity = CategoryCredits, RarityCommon
		} else {
			cl := s.classifier.Classify(ctx, e.Item)
			e.Category, e.Rarity = cl.Category, cl.Rarity
		}
		if !s.accept(ctx, e) {
			continue
		}
		entries = append(entries, e)
	}

	if len(entries) > 0 {
		if err := s.db.WithContext(ctx).CreateInBatches(entries, 200).Error; err != nil {
			return nil, fmt.Errorf("loot: store batch: %w", err)
		}
	}
	res.Stored = len(entries)
	res.Entries = make([]model.LootEntry, len(entries))
	for i, e := range entries {
		res.Entries[i] = *e
		s.stored(ctx, e)
	}
	return res, nil
}

// Create stores a manually entered entry, classifying it when no category
// is given.
func (s *Service) Create(ctx context.Context, e *model.LootEntry) error {
	e.Item = strings.TrimSpace(e.Item)
	if e.Item == "" || e.Quantity < 0 {
		return ErrInvalidEntry
	}
	if e.Quantity == 0 {
		e.Quantity = 1
	}
	if e.Category != "" && !ValidCategory(e.Category) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidEntry, e.Category)
	}
	if e.Rarity != "" && !ValidRarity(e.Rarity) {
		return fmt.Errorf("%w: unknown rarity %q", ErrInvalidEntry, e.Rarity)
	}
	if e.Category == "" || e.Rarity == "" {
		cl := s.classifier.Classify(ctx, e.Item)
		if e.Category == "" {
			e.Category = cl.Category
		}
		if e.Rarity == "" {
			e.Rarity = cl.Rarity
		}
	}
	if e.LootedAt.IsZero() {
		e.LootedAt = time.Now()
	}
	if !s.accept(ctx, e) {
		return fmt.Errorf("%w: rejected", ErrInvalidEntry)
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("loot: create: %w", err)
	}
	s.stored(ctx, e)
	return nil
}

// accept runs the before-store hooks; an interrupt drops the entry.
func (s *Service) accept(ctx context.Context, e *model.LootEntry) bool {
	if s.hooks == nil {
		return true
	}
	_, err := s.hooks.Trigger(ctx, hook.BeforeLootStore, e)
	return !errors.Is(err, hook.ErrInterrupt)
}

func (s *Service) stored(ctx context.Context, e *model.LootEntry) {
	s.metrics.LootStored(e.Category)
	if s.hooks != nil {
		_, _ = s.hooks.Trigger(ctx, hook.OnLootLogged, e)
	}
	s.feed.Publish(ctx, feed.KindLoot, e)
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id int64) (*model.LootEntry, error) {
	var e model.LootEntry
	err := s.db.WithContext(ctx).First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &e, err
}

// Delete removes an entry owned by accountID.
func (s *Service) Delete(ctx context.Context, accountID, id int64) error {
	res := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).Delete(&model.LootEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&model.LootEntry{})
	if f.AccountID > 0 {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Item != "" {
		q = q.Where("LOWER(item) LIKE ?", "%"+strings.ToLower(f.Item)+"%")
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Rarity != "" {
		q = q.Where("rarity = ?", f.Rarity)
	}
	if f.Character != "" {
		q = q.Where(map[string]interface{}{"character": f.Character})
	}
	if f.Source != "" {
		q = q.Where("LOWER(source) LIKE ?", "%"+strings.ToLower(f.Source)+"%")
	}
	if f.Planet != "" {
		q = q.Where("planet = ?", f.Planet)
	}
	if !f.From.IsZero() {
		q = q.Where("looted_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("looted_at < ?", f.To)
	}
	return q
}

// Search returns matching entries newest first, plus the total match count.
func (s *Service) Search(ctx context.Context, f Filter) ([]model.LootEntry, int64, error) {
	var total int64
	if err := s.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []model.LootEntry
	err := s.filtered(ctx, f).Order("looted_at DESC, id DESC").
		Limit(limit).Offset(f.Offset).Find(&entries).Error
	return entries, total, err
}

// Stats aggregates the entries matching f.
func (s *Service) Stats(ctx context.Context, f Filter) (*Stats, error) {
	st := &Stats{ByCategory: map[string]int64{}, ByRarity: map[string]int64{}}

	var cats []struct {
		Category string
		N        int64
		Qty      int64
	}
	if err := s.filtered(ctx, f).Select("category, COUNT(*) AS n, SUM(quantity) AS qty").
		Group("category").Scan(&cats).Error; err != nil {
		return nil, err
	}
	for _, c := range cats {
		st.ByCategory[c.Category] = c.N
		st.Entries += c.N
		if c.Category == CategoryCredits {
			st.TotalCredits = c.Qty
		}
	}

	var rars []struct {
		Rarity string
		N      int64
	}
	if err := s.filtered(ctx, f).Select("rarity, COUNT(*) AS n").Group("rarity").Scan(&rars).Error; err != nil {
		return nil, err
	}
	for _, r := range rars {
		st.ByRarity[r.Rarity] = r.N
	}

	limit := f.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	if err := s.filtered(ctx, f).Where("category <> ?", CategoryCredits).
		Select("item, SUM(quantity) AS quantity").Group("item").
		Order("quantity DESC, item ASC").Limit(limit).Scan(&st.TopItems).Error; err != nil {
		return nil, err
	}
	return st, nil
}
