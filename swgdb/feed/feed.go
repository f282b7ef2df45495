// Package feed publishes dashboard activity (loot, votes, session events)
// to the pub/sub channel streamed by the SSE endpoint.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"go.uber.org/zap"
)

// Channel is the pub/sub channel carrying feed events.
const Channel = "feed"

// Event kinds.
const (
	KindLoot     = "loot"
	KindVote     = "vote"
	KindSession  = "session"
	KindQuest    = "quest"
	KindAnnounce = "announce"
)

// Event is one feed item as delivered to subscribers.
type Event struct {
	Kind string      `json:"kind"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Feed publishes events. A nil *Feed discards everything.
type Feed struct {
	ps     cache.PubSub
	logger *zap.Logger
}

// New creates a Feed on ps.
func New(ps cache.PubSub, logger *zap.Logger) *Feed {
	return &Feed{ps: ps, logger: logger}
}

// Publish marshals data under kind and publishes it. Failures are logged,
// never returned: the feed is best effort.
func (f *Feed) Publish(ctx context.Context, kind string, data interface{}) {
	if f == nil {
		return
	}
	b, err := json.Marshal(Event{Kind: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		f.logger.Warn("feed marshal failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := f.ps.Publish(ctx, Channel, string(b)); err != nil {
		f.logger.Warn("feed publish failed", zap.String("kind", kind), zap.Error(err))
	}
}
