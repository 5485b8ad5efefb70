// Package giftchat implements the chat:message handler and the gift
// optimistic-broadcast-plus-batched-persistence pipeline described for the
// gift and chat events.
package giftchat

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/apierrors"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatMessageRequest is the chat:message payload.
type ChatMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// GiftSendRequest is the gift:send payload.
type GiftSendRequest struct {
	RoomID      string `json:"roomId"`
	RecipientID int64  `json:"recipientId"`
	GiftID      int64  `json:"giftId"`
	Quantity    int64  `json:"quantity"`
}

// GiftPrepareRequest is the gift:prepare payload.
type GiftPrepareRequest struct {
	RoomID      string `json:"roomId"`
	GiftID      int64  `json:"giftId"`
	RecipientID int64  `json:"recipientId"`
}

type pendingGift struct {
	txn bizclient.GiftTransaction
}

// Handlers implements the chat and gift event bodies, owning the in-memory
// gift buffer and its background flush loop.
type Handlers struct {
	rooms    *room.Manager
	registry *registry.Registry
	bus      *bus.Service
	biz      *bizclient.Client
	limiter  *ratelimit.RateLimiter

	flushInterval time.Duration
	batchCap      int
	highWater     int

	mu     sync.Mutex
	buffer *list.List // of pendingGift
}

// Options configures Handlers.
type Options struct {
	Rooms         *room.Manager
	Registry      *registry.Registry
	Bus           *bus.Service
	Biz           *bizclient.Client
	Limiter       *ratelimit.RateLimiter
	FlushInterval time.Duration
	BatchCap      int
	HighWater     int
}

// New constructs Handlers. Callers must invoke Run in a goroutine to start
// the background flush loop and Shutdown to drain it before exit.
func New(opts Options) *Handlers {
	return &Handlers{
		rooms:         opts.Rooms,
		registry:      opts.Registry,
		bus:           opts.Bus,
		biz:           opts.Biz,
		limiter:       opts.Limiter,
		flushInterval: opts.FlushInterval,
		batchCap:      opts.BatchCap,
		highWater:     opts.HighWater,
		buffer:        list.New(),
	}
}

// ChatMessage validates, rate-limits, and broadcasts a chat message,
// including back to the sender so every client reconciles from one stream.
func (h *Handlers) ChatMessage(ctx context.Context, conn *registry.Connection, req ChatMessageRequest) (any, error) {
	if err := types.ValidateChatContent(req.Content); err != nil {
		return nil, apierrors.ErrInvalidPayload
	}
	allowed, err := h.limiter.Allow(ctx, ratelimit.ClassChat, strconv.FormatInt(int64(conn.UserID), 10))
	if err != nil {
		logging.Warn(ctx, "chat rate limit check failed", zap.Error(err))
	}
	if !allowed {
		return nil, apierrors.ErrTooManyMessages
	}

	msg := types.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    int64(conn.UserID),
		Content:   req.Content,
		Type:      req.Type,
		Timestamp: types.Timestamp(time.Now().UnixMilli()),
	}
	if conn.Profile != nil {
		msg.UserName = conn.Profile.Name
		msg.Avatar = conn.Profile.Avatar
	}

	h.rooms.RecordActivity(ctx, conn.RoomID())
	if err := h.bus.PublishRoom(ctx, req.RoomID, "chat:message", msg, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast chat:message", zap.Error(err))
		return nil, apierrors.ErrInternal
	}
	return msg, nil
}

// GiftPrepare is a pure broadcast preload hint with no server state change.
func (h *Handlers) GiftPrepare(ctx context.Context, conn *registry.Connection, req GiftPrepareRequest) error {
	return h.bus.PublishRoom(ctx, req.RoomID, "gift:prepare",
		map[string]any{"roomId": req.RoomID, "giftId": req.GiftID, "recipientId": req.RecipientID}, "", nil)
}

// GiftSend rate-limits, optimistically broadcasts, and enqueues a gift
// transaction for batched settlement against the business backend.
func (h *Handlers) GiftSend(ctx context.Context, conn *registry.Connection, req GiftSendRequest) (any, error) {
	allowed, err := h.limiter.Allow(ctx, ratelimit.ClassGift, strconv.FormatInt(int64(conn.UserID), 10))
	if err != nil {
		logging.Warn(ctx, "gift rate limit check failed", zap.Error(err))
	}
	if !allowed {
		return nil, apierrors.ErrTooManyGifts
	}

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	txn := bizclient.GiftTransaction{
		TransactionID: uuid.NewString(),
		RoomID:        req.RoomID,
		SenderID:      int64(conn.UserID),
		RecipientID:   req.RecipientID,
		GiftID:        req.GiftID,
		Quantity:      quantity,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.bus.PublishRoom(ctx, req.RoomID, "gift:received", map[string]any{
		"transactionId": txn.TransactionID,
		"senderId":      txn.SenderID,
		"recipientId":   txn.RecipientID,
		"giftId":        txn.GiftID,
		"quantity":      txn.Quantity,
	}, string(conn.ID), nil); err != nil {
		logging.Warn(ctx, "failed to broadcast gift:received", zap.Error(err))
	}
	h.rooms.RecordActivity(ctx, conn.RoomID())

	if !h.enqueue(txn) {
		return nil, apierrors.ErrOverloaded
	}
	return map[string]string{"transactionId": txn.TransactionID}, nil
}

func (h *Handlers) enqueue(txn bizclient.GiftTransaction) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.buffer.Len() >= h.highWater {
		return false
	}
	h.buffer.PushBack(pendingGift{txn: txn})
	return true
}

// Run starts the periodic flush loop. It blocks until ctx is cancelled.
func (h *Handlers) Run(ctx context.Context) {
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.flush(context.Background())
		}
	}
}

// Shutdown performs a final synchronous flush, draining whatever remains.
func (h *Handlers) Shutdown(ctx context.Context) {
	for {
		h.mu.Lock()
		remaining := h.buffer.Len()
		h.mu.Unlock()
		if remaining == 0 {
			return
		}
		h.flush(ctx)
	}
}

func (h *Handlers) flush(ctx context.Context) {
	batch, items := h.takeBatch()
	if len(batch) == 0 {
		return
	}

	result, err := h.biz.SubmitGiftBatch(ctx, batch)
	if err != nil {
		logging.Warn(ctx, "gift batch flush failed, re-queuing", zap.Int("count", len(batch)), zap.Error(err))
		h.requeue(items)
		return
	}

	for _, failure := range result.Failed {
		h.notifySenderFailure(ctx, failure.SenderID, failure.TransactionID, failure.Error)
	}
}

// takeBatch pops up to batchCap entries off the front of the buffer,
// preserving FIFO order.
func (h *Handlers) takeBatch() ([]bizclient.GiftTransaction, []*list.Element) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.buffer.Len()
	if n > h.batchCap {
		n = h.batchCap
	}
	batch := make([]bizclient.GiftTransaction, 0, n)
	elems := make([]*list.Element, 0, n)
	e := h.buffer.Front()
	for i := 0; i < n && e != nil; i++ {
		pg := e.Value.(pendingGift)
		batch = append(batch, pg.txn)
		elems = append(elems, e)
		next := e.Next()
		h.buffer.Remove(e)
		e = next
	}
	return batch, elems
}

func (h *Handlers) requeue(elems []*list.Element) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(elems) - 1; i >= 0; i-- {
		h.buffer.PushFront(elems[i].Value)
	}
}

func (h *Handlers) notifySenderFailure(ctx context.Context, senderID int64, transactionID, reason string) {
	conns := h.registry.GetByUserID(types.UserIDType(senderID))
	if len(conns) == 0 {
		return
	}
	if err := h.bus.PublishUser(ctx, strconv.FormatInt(senderID, 10), "gift:error",
		map[string]any{"transactionId": transactionID, "error": reason}, ""); err != nil {
		logging.Warn(ctx, "failed to deliver gift:error", zap.Error(err))
	}
}
