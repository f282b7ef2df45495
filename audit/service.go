package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Action names written by the API layer.
const (
	ActionVote            = "vote"
	ActionProfileCreate   = "profile.create"
	ActionProfileUpdate   = "profile.update"
	ActionProfileDelete   = "profile.delete"
	ActionGuildCreate     = "guild.create"
	ActionGuildKick       = "guild.kick"
	ActionAdminKick       = "admin.kick_bot"
	ActionAdminBan        = "admin.ban"
	ActionAdminRefresh    = "admin.refresh"
	ActionAccountRegister = "account.register"
)

// Entry holds one audit event to be logged.
type Entry struct {
	TraceID    string
	AccountID  *int64
	Action     string
	Target     string
	Request    interface{}
	Error      string
	IP         string
	DurationMs int
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db     *gorm.DB
	ch     chan *model.AuditLog
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an entry for async DB write. Entries are dropped with a
// warning when the queue is full.
func (svc *Service) Log(entry Entry) {
	var req datatypes.JSON
	if entry.Request != nil {
		b, _ := json.Marshal(entry.Request)
		req = datatypes.JSON(b)
	}
	record := &model.AuditLog{
		TraceID:    entry.TraceID,
		AccountID:  entry.AccountID,
		Action:     entry.Action,
		Target:     entry.Target,
		Request:    req,
		Error:      entry.Error,
		IP:         entry.IP,
		DurationMs: entry.DurationMs,
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit queue full, dropping entry",
			zap.String("action", entry.Action))
	}
}

// Filter narrows Query results.
type Filter struct {
	Action    string
	AccountID int64
	// Target matches exactly, or as a prefix when it ends in ':'.
	Target string
	Failed bool
	Since  time.Time
	Limit  int
}

// Query returns persisted entries, newest first.
func (svc *Service) Query(ctx context.Context, f Filter) ([]model.AuditLog, error) {
	q := svc.db.WithContext(ctx).Model(&model.AuditLog{})
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.AccountID > 0 {
		q = q.Where("account_id = ?", f.AccountID)
	}
	switch {
	case strings.HasSuffix(f.Target, ":"):
		q = q.Where("target LIKE ?", f.Target+"%")
	case f.Target != "":
		q = q.Where("target = ?", f.Target)
	}
	if f.Failed {
		q = q.Where("error <> ?", "")
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []model.AuditLog
	err := q.Order("id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.once.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Error(err), zap.Int("size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
