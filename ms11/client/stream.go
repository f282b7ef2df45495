package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamSendBuf      = 64
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var ErrStreamClosed = errors.New("client: stream closed")

// Packet is the telemetry envelope shared with the dashboard.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StreamError is an "error" reply to a packet.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("client: %s rejected: %s", e.Type, e.Message)
}

type reply struct {
	ok      bool
	payload json.RawMessage
}

// Streamer sends telemetry over a single WebSocket connection. Each
// request carries a fresh monotonic seq and waits for the matching ack.
type Streamer struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	seq    atomic.Uint64
	logger *zap.Logger

	mu      sync.Mutex
	pending map[uint64]chan reply
	err     error
}

// Dial opens the telemetry stream at baseURL (http or https) with token.
func Dial(ctx context.Context, baseURL, token string, logger *zap.Logger) (*Streamer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws/bot")
	if err != nil {
		return nil, fmt.Errorf("client: stream url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial stream: %w", err)
	}
	s := &Streamer{
		conn:    conn,
		send:    make(chan []byte, streamSendBuf),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan reply),
		logger:  logger,
	}
	go s.writePump()
	go s.readPump()
	return s, nil
}

func (s *Streamer) writePump() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	defer s.conn.Close()
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.fail(err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.fail(err)
				return
			}
		case <-s.done:
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Streamer) readPump() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		var pkt Packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			s.logger.Warn("malformed stream reply", zap.Error(err))
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[pkt.Seq]
		delete(s.pending, pkt.Seq)
		s.mu.Unlock()
		if !ok {
			continue
		}
		ch <- reply{ok: pkt.Type == "ack", payload: pkt.Payload}
	}
}

// fail records the first transport error and releases every waiter.
func (s *Streamer) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	for seq, ch := range s.pending {
		close(ch)
		delete(s.pending, seq)
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Request sends a packet and waits for its ack. The ack payload is decoded
// into out when out is non-nil.
func (s *Streamer) Request(ctx context.Context, msgType string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", msgType, err)
	}
	seq := s.seq.Add(1)
	data, err := json.Marshal(&Packet{Seq: seq, Type: msgType, Payload: body})
	if err != nil {
		return err
	}

	ch := make(chan reply, 1)
	s.mu.Lock()
	if s.err != nil || s.closed() {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.pending[seq] = ch
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}

	select {
	case s.send <- data:
	case <-s.done:
		cleanup()
		return ErrStreamClosed
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return ErrStreamClosed
		}
		if !r.ok {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(r.payload, &e)
			return &StreamError{Type: msgType, Message: e.Error}
		}
		if out != nil && len(r.payload) > 0 {
			return json.Unmarshal(r.payload, out)
		}
		return nil
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

func (s *Streamer) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// StartSession binds the connection to a new dashboard session and returns its id.
func (s *Streamer) StartSession(ctx context.Context, req session.StartRequest) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := s.Request(ctx, "session_start", req, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Heartbeat reports counter deltas for the bound session.
func (s *Streamer) Heartbeat(ctx context.Context, hb session.Heartbeat) error {
	return s.Request(ctx, "heartbeat", hb, nil)
}

// Event reports an event for the bound session.
func (s *Streamer) Event(ctx context.Context, ev session.Event) error {
	return s.Request(ctx, "event", ev, nil)
}

// LootLines uploads chat log lines.
func (s *Streamer) LootLines(ctx context.Context, req loot.IngestRequest) (*loot.IngestResult, error) {
	var out loot.IngestResult
	if err := s.Request(ctx, "loot_lines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession closes the bound session.
func (s *Streamer) EndSession(ctx context.Context, reason string) error {
	return s.Request(ctx, "session_end", map[string]string{"reason": reason}, nil)
}

// Close shuts the connection down.
func (s *Streamer) Close() {
	s.fail(ErrStreamClosed)
}
