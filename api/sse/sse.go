// Package sse streams the dashboard activity feed as server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/feed"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultKeepalive = 30 * time.Second

type Handler struct {
	ps        cache.PubSub
	c         cache.Cache
	sec       config.SecurityConfig
	feed      *feed.Feed
	keepalive time.Duration
	log       *zap.Logger
}

func NewHandler(ps cache.PubSub, c cache.Cache, sec config.SecurityConfig, log *zap.Logger) *Handler {
	return &Handler{
		ps:        ps,
		c:         c,
		sec:       sec,
		feed:      feed.New(ps, log),
		keepalive: defaultKeepalive,
		log:       log,
	}
}

// SetKeepalive overrides the interval between keepalive comments.
func (h *Handler) SetKeepalive(d time.Duration) {
	if d > 0 {
		h.keepalive = d
	}
}

// ServeSSE handles GET /sse?token=<jwt>[&kinds=loot,vote].
// Each feed event goes out with its kind as the event name. kinds, when
// given, limits the stream to those kinds.
func (h *Handler) ServeSSE(c *gin.Context) {
	// EventSource cannot send headers, so the token rides in the query.
	claims, err := mw.Verify(c.Request.Context(), h.sec, h.c, c.Query("token"))
	if err != nil {
		mw.Reject(c, err)
		return
	}
	want := kindFilter(c.Query("kinds"))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	msgs, unsub, err := h.ps.Subscribe(ctx, feed.Channel)
	if err != nil {
		h.log.Error("feed subscribe failed", zap.Int64("account_id", claims.AccountID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed unavailable"})
		return
	}
	defer unsub()

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeEvent(c.Writer, "connected", "{}")
	c.Writer.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepalive.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case msg, open := <-msgs:
			if !open {
				return false
			}
			kind := eventName(msg.Payload)
			if want != nil && !want[kind] {
				return true
			}
			return writeEvent(w, kind, msg.Payload) == nil
		}
	})
}

func writeEvent(w io.Writer, name, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// kindFilter parses a comma list into a set. Empty input means no filter.
func kindFilter(raw string) map[string]bool {
	var set map[string]bool
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			if set == nil {
				set = map[string]bool{}
			}
			set[k] = true
		}
	}
	return set
}

// eventName pulls the kind out of a feed payload, "feed" if it has none.
func eventName(payload string) string {
	var ev struct {
		Kind string `json:"kind"`
	}
	if json.Unmarshal([]byte(payload), &ev) != nil || ev.Kind == "" {
		return "feed"
	}
	return ev.Kind
}

// Announce pushes an admin message to every open stream.
// POST /api/admin/announce
func (h *Handler) Announce(c *gin.Context) {
	var body struct {
		Message string `json:"message" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.feed.Publish(c.Request.Context(), feed.KindAnnounce, gin.H{"message": body.Message})
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
