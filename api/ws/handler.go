package ws

import (
	"context"
	"net/http"
	"slices"

	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades GET /ws/bot and runs the read side of each bot socket.
type Handler struct {
	c        cache.Cache
	sec      config.SecurityConfig
	registry *Registry
	router   *Router
	hooks    *hook.HookCenter
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the upgrade endpoint. hooks may be nil.
func NewHandler(c cache.Cache, sec config.SecurityConfig, registry *Registry, router *Router, hooks *hook.HookCenter, log *zap.Logger) *Handler {
	return &Handler{
		c:        c,
		sec:      sec,
		registry: registry,
		router:   router,
		hooks:    hooks,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			CheckOrigin:     originAllowed(sec.AllowedOrigins),
		},
	}
}

// originAllowed accepts any origin when allowed is empty. Requests without
// an Origin header always pass: MS11 is not a browser.
func originAllowed(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || slices.Contains(allowed, origin)
	}
}

// ServeWS handles GET /ws/bot?token=<jwt>. It blocks for the life of the
// connection.
func (h *Handler) ServeWS(c *gin.Context) {
	claims, err := mw.Verify(c.Request.Context(), h.sec, h.c, c.Query("token"))
	if err != nil {
		mw.Reject(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.log.Warn("ws upgrade failed", zap.Int64("account_id", claims.AccountID), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessage)

	b := NewBotConn(claims.AccountID, c.ClientIP(), conn, h.log)
	h.registry.Register(b)
	h.fire(hook.OnBotConnect, b.Info())
	defer h.disconnect(b)

	h.read(b)
}

func (h *Handler) read(b *BotConn) {
	b.SetReadDeadline()
	b.Conn.SetPongHandler(func(string) error {
		b.SetReadDeadline()
		return nil
	})
	for !b.IsClosed() {
		_, raw, err := b.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Warn("bot socket closed abnormally",
					zap.String("conn_id", b.ID),
					zap.Int64("account_id", b.AccountID),
					zap.Error(err))
			}
			return
		}
		b.SetReadDeadline()
		h.router.Dispatch(b, raw)
	}
}

// disconnect drops the connection. A still-bound session stays active; the
// reaper marks it lost once heartbeats stop.
func (h *Handler) disconnect(b *BotConn) {
	b.Close()
	h.registry.Unregister(b.ID)
	info := b.Info()
	h.fire(hook.OnBotDisconnect, info)
	if info.SessionID != "" {
		h.log.Info("bot dropped with open session",
			zap.String("conn_id", info.ConnID),
			zap.String("session_id", info.SessionID))
	}
}

func (h *Handler) fire(event string, info BotInfo) {
	if h.hooks != nil {
		_, _ = h.hooks.Trigger(context.Background(), event, info)
	}
}
