package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"go.uber.org/zap"
)

// Message types sent by MS11.
const (
	MsgSessionStart = "session_start"
	MsgHeartbeat    = "heartbeat"
	MsgEvent        = "event"
	MsgLootLines    = "loot_lines"
	MsgSessionEnd   = "session_end"
)

var (
	ErrNoSession    = errors.New("no session bound to this connection")
	ErrSessionBound = errors.New("a session is already bound to this connection")
)

// TelemetryHandlers serves the bot telemetry messages.
type TelemetryHandlers struct {
	sessions *session.Service
	loot     *loot.Service
	logger   *zap.Logger
}

// NewTelemetryHandlers creates TelemetryHandlers.
func NewTelemetryHandlers(sessions *session.Service, lootSvc *loot.Service, logger *zap.Logger) *TelemetryHandlers {
	return &TelemetryHandlers{sessions: sessions, loot: lootSvc, logger: logger}
}

// RegisterHandlers registers all telemetry message handlers on r.
func (th *TelemetryHandlers) RegisterHandlers(r *Router) {
	r.On(MsgSessionStart, th.HandleSessionStart)
	r.On(MsgHeartbeat, th.HandleHeartbeat)
	r.On(MsgEvent, th.HandleEvent)
	r.On(MsgLootLines, th.HandleLootLines)
	r.On(MsgSessionEnd, th.HandleSessionEnd)
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	return nil
}

// HandleSessionStart opens a dashboard session and binds it to the connection.
func (th *TelemetryHandlers) HandleSessionStart(ctx context.Context, b *BotConn, payload json.RawMessage) (interface{}, error) {
	if b.SessionID() != "" {
		return nil, ErrSessionBound
	}
	var req session.StartRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	s, err := th.sessions.Start(ctx, b.AccountID, req)
	if err != nil {
		return nil, err
	}
	b.Bind(s.ID, s.Character)
	th.logger.Info("bot session bound",
		zap.String("conn_id", b.ID),
		zap.String("session_id", s.ID),
		zap.String("trace_id", TraceIDFromCtx(ctx)))
	return map[string]string{"session_id": s.ID}, nil
}

// HandleHeartbeat applies counter deltas to the bound session.
func (th *TelemetryHandlers) HandleHeartbeat(ctx context.Context, b *BotConn, payload json.RawMessage) (interface{}, error) {
	id := b.SessionID()
	if id == "" {
		return nil, ErrNoSession
	}
	var hb session.Heartbeat
	if err := decode(payload, &hb); err != nil {
		return nil, err
	}
	return th.sessions.Heartbeat(ctx, b.AccountID, id, hb)
}

// HandleEvent records a stuck, recovery, watchdog or info event.
func (th *TelemetryHandlers) HandleEvent(ctx context.Context, b *BotConn, payload json.RawMessage) (interface{}, error) {
	id := b.SessionID()
	if id == "" {
		return nil, ErrNoSession
	}
	var ev session.Event
	if err := decode(payload, &ev); err != nil {
		return nil, err
	}
	return th.sessions.RecordEvent(ctx, b.AccountID, id, ev)
}

// HandleLootLines ingests raw chat log lines. No session is required.
func (th *TelemetryHandlers) HandleLootLines(ctx context.Context, b *BotConn, payload json.RawMessage) (interface{}, error) {
	var req loot.IngestRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	req.AccountID = b.AccountID
	if req.Character == "" {
		req.Character = b.Info().Character
	}
	if req.Character == "" {
		return nil, errors.New("character required")
	}
	res, err := th.loot.Ingest(ctx, req)
	if err != nil {
		return nil, err
	}
	// the bot does not need the stored rows echoed back
	res.Entries = nil
	return res, nil
}

// HandleSessionEnd closes the bound session and unbinds it.
func (th *TelemetryHandlers) HandleSessionEnd(ctx context.Context, b *BotConn, payload json.RawMessage) (interface{}, error) {
	id := b.SessionID()
	if id == "" {
		return nil, ErrNoSession
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if len(payload) > 0 {
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
	}
	s, err := th.sessions.End(ctx, b.AccountID, id, req.Reason)
	if err != nil && !errors.Is(err, session.ErrSessionClosed) {
		return nil, err
	}
	b.Unbind()
	return s, nil
}
