package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// handlerTimeout bounds one message's DB work.
const handlerTimeout = 10 * time.Second

// HandlerFunc serves one message type. A non-nil result is sent back as the
// ack payload; an error is sent back as an error packet with the same seq.
type HandlerFunc func(ctx context.Context, b *BotConn, payload json.RawMessage) (interface{}, error)

// Router maps packet types to handlers. Register everything with On before
// the first Dispatch; the table is not locked.
type Router struct {
	routes map[string]HandlerFunc
	log    *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{routes: map[string]HandlerFunc{}, log: log}
}

// On sets the handler for msgType, replacing any earlier one.
func (r *Router) On(msgType string, fn HandlerFunc) { r.routes[msgType] = fn }

// Dispatch decodes one frame and answers it. Frames carrying a seq at or
// below the last accepted one are dropped silently; seq 0 opts out.
func (r *Router) Dispatch(b *BotConn, raw []byte) {
	var pkt Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.log.Warn("undecodable frame", zap.String("conn_id", b.ID), zap.Error(err))
		return
	}
	if !r.accept(b, pkt.Seq) {
		return
	}
	b.touch()

	fn, ok := r.routes[pkt.Type]
	if !ok {
		b.Fail(pkt.Seq, "unknown message type "+pkt.Type)
		return
	}

	b.TraceID = uuid.NewString()
	ctx, cancel := context.WithTimeout(mw.WithTraceID(context.Background(), b.TraceID), handlerTimeout)
	defer cancel()

	result, err := r.call(ctx, fn, b, pkt)
	if err != nil {
		r.log.Warn("bot message rejected",
			zap.String("type", pkt.Type),
			zap.Int64("account_id", b.AccountID),
			zap.String("trace_id", b.TraceID),
			zap.Error(err))
		b.Fail(pkt.Seq, err.Error())
		return
	}
	b.Ack(pkt.Seq, result)
}

func (r *Router) accept(b *BotConn, seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq <= b.LastSeq {
		r.log.Warn("stale seq dropped",
			zap.String("conn_id", b.ID),
			zap.Uint64("seq", seq),
			zap.Uint64("last_seq", b.LastSeq))
		return false
	}
	b.LastSeq = seq
	return true
}

// call runs fn, turning a panic into an error reply so one bad payload
// cannot take the socket down.
func (r *Router) call(ctx context.Context, fn HandlerFunc, b *BotConn, pkt Packet) (res interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("bot handler panicked", zap.String("type", pkt.Type), zap.Any("panic", p))
			res, err = nil, fmt.Errorf("internal error handling %s", pkt.Type)
		}
	}()
	return fn(ctx, b, pkt.Payload)
}

// TraceIDFromCtx returns the per-message trace ID set by Dispatch.
func TraceIDFromCtx(ctx context.Context) string {
	return mw.TraceIDFrom(ctx)
}
