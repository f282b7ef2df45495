package ws

import (
	"sort"
	"sync"

	"github.com/R21Digital/Project-MorningStar-sub014/metrics"
	"go.uber.org/zap"
)

// Registry maintains the set of connected bots.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*BotConn // conn id → connection
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates a new Registry. m may be nil.
func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		conns:   make(map[string]*BotConn),
		metrics: m,
		logger:  logger,
	}
}

// Register adds a connection.
func (r *Registry) Register(b *BotConn) {
	r.mu.Lock()
	r.conns[b.ID] = b
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetBotsOnline(n)
	r.logger.Info("bot connected",
		zap.String("conn_id", b.ID),
		zap.Int64("account_id", b.AccountID))
}

// Unregister removes a connection.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.SetBotsOnline(n)
	r.logger.Info("bot disconnected", zap.String("conn_id", id))
}

// Get returns the connection for id, or nil if not found.
func (r *Registry) Get(id string) *BotConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Count returns the number of connected bots.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists every connected bot, oldest connection first.
func (r *Registry) Snapshot() []BotInfo {
	r.mu.RLock()
	out := make([]BotInfo, 0, len(r.conns))
	for _, b := range r.conns {
		out = append(out, b.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Kick closes the connection with id. It reports whether one was found.
func (r *Registry) Kick(id string) bool {
	b := r.Get(id)
	if b == nil {
		return false
	}
	b.Close()
	return true
}

// KickAccount closes every connection of accountID and returns how many.
func (r *Registry) KickAccount(accountID int64) int {
	r.mu.RLock()
	var victims []*BotConn
	for _, b := range r.conns {
		if b.AccountID == accountID {
			victims = append(victims, b)
		}
	}
	r.mu.RUnlock()
	for _, b := range victims {
		b.Close()
	}
	return len(victims)
}
