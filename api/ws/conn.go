package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 64
	writeDeadline = 10 * time.Second
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
	maxMessage    = 1 << 20
)

// Reply packet types.
const (
	TypeAck   = "ack"
	TypeError = "error"
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BotInfo is a snapshot of one connected bot.
type BotInfo struct {
	ConnID      string    `json:"conn_id"`
	AccountID   int64     `json:"account_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Character   string    `json:"character,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Packets     int64     `json:"packets"`
}

// BotConn is one connected MS11 client.
type BotConn struct {
	ID          string
	AccountID   int64
	RemoteAddr  string
	ConnectedAt time.Time

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	TraceID  string
	LastSeq  uint64

	mu        sync.Mutex
	sessionID string
	character string
	lastSeen  time.Time
	packets   int64
	logger    *zap.Logger
}

// NewBotConn creates a BotConn and starts its write goroutine. conn may be
// nil in tests, in which case packets stay in SendChan.
func NewBotConn(accountID int64, remoteAddr string, conn *websocket.Conn, logger *zap.Logger) *BotConn {
	now := time.Now()
	b := &BotConn{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		Conn:        conn,
		SendChan:    make(chan []byte, sendChanBuf),
		Done:        make(chan struct{}),
		lastSeen:    now,
		logger:      logger,
	}
	if conn != nil {
		go b.writePump()
	}
	return b
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (b *BotConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer b.Conn.Close()
	for {
		select {
		case data := <-b.SendChan:
			_ = b.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := b.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Warn("ws write error",
					zap.String("conn_id", b.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = b.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := b.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-b.Done:
			_ = b.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or closed.
func (b *BotConn) Send(pkt *Packet) {
	if b.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	select {
	case b.SendChan <- data:
	case <-b.Done:
	default:
		b.logger.Warn("send channel full, dropping packet",
			zap.String("conn_id", b.ID),
			zap.String("type", pkt.Type))
	}
}

// Ack answers packet seq with result as payload.
func (b *BotConn) Ack(seq uint64, result interface{}) {
	var payload json.RawMessage
	if result != nil {
		p, err := json.Marshal(result)
		if err != nil {
			b.Fail(seq, "encode reply failed")
			return
		}
		payload = p
	}
	b.Send(&Packet{Seq: seq, Type: TypeAck, Payload: payload})
}

// Fail answers packet seq with an error.
func (b *BotConn) Fail(seq uint64, msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	b.Send(&Packet{Seq: seq, Type: TypeError, Payload: payload})
}

// Close signals the writePump to shut down.
func (b *BotConn) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.Done:
	default:
		close(b.Done)
	}
}

// IsClosed returns true if the connection has been closed.
func (b *BotConn) IsClosed() bool {
	select {
	case <-b.Done:
		return true
	default:
		return false
	}
}

// SetReadDeadline pushes the read deadline out by readDeadline.
func (b *BotConn) SetReadDeadline() {
	_ = b.Conn.SetReadDeadline(time.Now().Add(readDeadline))
}

// Bind attaches the connection to a dashboard session.
func (b *BotConn) Bind(sessionID, character string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionID = sessionID
	b.character = character
}

// Unbind detaches the session, returning the previous id.
func (b *BotConn) Unbind() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.sessionID
	b.sessionID, b.character = "", ""
	return id
}

// SessionID returns the bound session id, or "".
func (b *BotConn) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *BotConn) touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = time.Now()
	b.packets++
}

// Info returns a snapshot of the connection.
func (b *BotConn) Info() BotInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BotInfo{
		ConnID:      b.ID,
		AccountID:   b.AccountID,
		SessionID:   b.sessionID,
		Character:   b.character,
		RemoteAddr:  b.RemoteAddr,
		ConnectedAt: b.ConnectedAt,
		LastSeen:    b.lastSeen,
		Packets:     b.packets,
	}
}
