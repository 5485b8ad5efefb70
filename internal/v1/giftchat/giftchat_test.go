package giftchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
	"github.com/flylive/msab/internal/v1/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{}

func (f *fakeBackend) CreateRouter(ctx context.Context) (worker.RouterInfo, error) {
	return worker.RouterInfo{ID: "router-1"}, nil
}
func (f *fakeBackend) CreateTransport(ctx context.Context, routerID, role string) (worker.TransportInfo, error) {
	return worker.TransportInfo{}, nil
}
func (f *fakeBackend) ConnectTransport(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return nil
}
func (f *fakeBackend) CreateProducer(ctx context.Context, transportID, kind string) (worker.ProducerInfo, error) {
	return worker.ProducerInfo{}, nil
}
func (f *fakeBackend) CreateConsumer(ctx context.Context, transportID, producerID string, rtpCaps json.RawMessage) (worker.ConsumerInfo, error) {
	return worker.ConsumerInfo{}, nil
}
func (f *fakeBackend) PauseProducer(ctx context.Context, producerID string) error  { return nil }
func (f *fakeBackend) ResumeProducer(ctx context.Context, producerID string) error { return nil }
func (f *fakeBackend) ResumeConsumer(ctx context.Context, consumerID string) error { return nil }
func (f *fakeBackend) Close(ctx context.Context, id string) error                 { return nil }
func (f *fakeBackend) ObserveActiveSpeaker(ctx context.Context, routerID string) (<-chan string, error) {
	return make(chan string), nil
}
func (f *fakeBackend) PID() int    { return 1 }
func (f *fakeBackend) Alive() bool { return true }

type fakePool struct{ handle *worker.Handle }

func (p *fakePool) PickWorker() (*worker.Handle, error) { return p.handle, nil }

func newTestHandlers(t *testing.T, bizHandler http.HandlerFunc, highWater int) (*Handlers, *registry.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kvClient, err := kv.New(kv.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvClient.Close() })

	if bizHandler == nil {
		bizHandler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	bizSrv := httptest.NewServer(bizHandler)
	t.Cleanup(bizSrv.Close)
	bizCli := bizclient.New(bizSrv.URL, "secret")

	reg := registry.New()
	handle := worker.NewHandle("worker-1", &fakeBackend{})
	rooms := room.NewManager(room.Options{
		Pool:     &fakePool{handle: handle},
		Registry: reg,
		Bus:      bus.New(nil, nil, ""),
		KV:       kvClient,
		Biz:      bizCli,
	})
	_, err = rooms.GetOrCreateRoom(context.Background(), "room-1")
	require.NoError(t, err)

	cfg := &config.Config{RateLimitChatPerMin: 5, RateLimitGiftPerMin: 5}
	rl, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	h := New(Options{
		Rooms:         rooms,
		Registry:      reg,
		Bus:           bus.New(nil, nil, ""),
		Biz:           bizCli,
		Limiter:       rl,
		FlushInterval: time.Hour,
		BatchCap:      10,
		HighWater:     highWater,
	})
	return h, reg
}

func newConn(t *testing.T, reg *registry.Registry, userID int64) *registry.Connection {
	c := registry.NewConnection("conn-1", types.UserIDType(userID), &types.UserProfile{ID: userID, Name: "alice"})
	reg.Register(c)
	reg.SetRoom(c.ID, "room-1")
	return c
}

func TestChatMessage_RejectsEmptyContent(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 100)
	conn := newConn(t, reg, 1)
	_, err := h.ChatMessage(context.Background(), conn, ChatMessageRequest{RoomID: "room-1", Content: ""})
	assert.Error(t, err)
}

func TestChatMessage_BroadcastsOnSuccess(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 100)
	conn := newConn(t, reg, 1)
	out, err := h.ChatMessage(context.Background(), conn, ChatMessageRequest{RoomID: "room-1", Content: "hello"})
	require.NoError(t, err)
	msg := out.(types.ChatMessage)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "alice", msg.UserName)
}

func TestChatMessage_RateLimited(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 100)
	conn := newConn(t, reg, 1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := h.ChatMessage(ctx, conn, ChatMessageRequest{RoomID: "room-1", Content: "hello"})
		require.NoError(t, err)
	}
	_, err := h.ChatMessage(ctx, conn, ChatMessageRequest{RoomID: "room-1", Content: "hello"})
	assert.Error(t, err)
}

func TestGiftSend_EnqueuesAndReturnsTransactionID(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 100)
	conn := newConn(t, reg, 1)
	out, err := h.GiftSend(context.Background(), conn, GiftSendRequest{RoomID: "room-1", RecipientID: 2, GiftID: 9, Quantity: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, out.(map[string]string)["transactionId"])

	h.mu.Lock()
	assert.Equal(t, 1, h.buffer.Len())
	h.mu.Unlock()
}

func TestGiftSend_RejectsWhenOverloaded(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 0)
	conn := newConn(t, reg, 1)
	_, err := h.GiftSend(context.Background(), conn, GiftSendRequest{RoomID: "room-1", RecipientID: 2, GiftID: 9})
	assert.Error(t, err)
}

func TestFlush_DoesNotRequeueOnLogicalFailure(t *testing.T) {
	var called int32
	bizHandler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		var body struct {
			Transactions []bizclient.GiftTransaction `json:"transactions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		result := bizclient.GiftBatchResult{Processed: 0}
		result.Failed = append(result.Failed, struct {
			TransactionID string `json:"transaction_id"`
			Error         string `json:"error"`
			SenderID      int64  `json:"sender_id"`
		}{TransactionID: body.Transactions[0].TransactionID, Error: "insufficient_balance", SenderID: body.Transactions[0].SenderID})
		_ = json.NewEncoder(w).Encode(result)
	}
	h, reg := newTestHandlers(t, bizHandler, 100)
	conn := newConn(t, reg, 1)

	_, err := h.GiftSend(context.Background(), conn, GiftSendRequest{RoomID: "room-1", RecipientID: 2, GiftID: 9})
	require.NoError(t, err)

	h.flush(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&called))

	h.mu.Lock()
	assert.Equal(t, 0, h.buffer.Len())
	h.mu.Unlock()
}

func TestFlush_RequeuesOnTransportFailure(t *testing.T) {
	bizHandler := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }
	h, reg := newTestHandlers(t, bizHandler, 100)
	conn := newConn(t, reg, 1)

	_, err := h.GiftSend(context.Background(), conn, GiftSendRequest{RoomID: "room-1", RecipientID: 2, GiftID: 9})
	require.NoError(t, err)

	h.flush(context.Background())

	h.mu.Lock()
	assert.Equal(t, 1, h.buffer.Len())
	h.mu.Unlock()
}

func TestShutdown_DrainsBuffer(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 100)
	conn := newConn(t, reg, 1)
	for i := 0; i < 3; i++ {
		_, err := h.GiftSend(context.Background(), conn, GiftSendRequest{RoomID: "room-1", RecipientID: 2, GiftID: 9})
		require.NoError(t, err)
	}
	h.Shutdown(context.Background())
	h.mu.Lock()
	assert.Equal(t, 0, h.buffer.Len())
	h.mu.Unlock()
}

func TestGiftPrepare_IsPureBroadcast(t *testing.T) {
	h, reg := newTestHandlers(t, nil, 100)
	conn := newConn(t, reg, 1)
	err := h.GiftPrepare(context.Background(), conn, GiftPrepareRequest{RoomID: "room-1", GiftID: 9, RecipientID: 2})
	assert.NoError(t, err)
}
