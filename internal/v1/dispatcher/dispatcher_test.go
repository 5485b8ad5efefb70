package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/auth"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/giftchat"
	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/ratelimit"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/seat"
	"github.com/flylive/msab/internal/v1/types"
	"github.com/flylive/msab/internal/v1/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{}

func (f *fakeBackend) CreateRouter(ctx context.Context) (worker.RouterInfo, error) {
	return worker.RouterInfo{ID: "router-1", RTPCapabilities: json.RawMessage(`{"codecs":[]}`)}, nil
}
func (f *fakeBackend) CreateTransport(ctx context.Context, routerID, role string) (worker.TransportInfo, error) {
	return worker.TransportInfo{ID: "transport-1"}, nil
}
func (f *fakeBackend) ConnectTransport(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return nil
}
func (f *fakeBackend) CreateProducer(ctx context.Context, transportID, kind string) (worker.ProducerInfo, error) {
	return worker.ProducerInfo{ID: "producer-1"}, nil
}
func (f *fakeBackend) CreateConsumer(ctx context.Context, transportID, producerID string, rtpCaps json.RawMessage) (worker.ConsumerInfo, error) {
	return worker.ConsumerInfo{ID: "consumer-1"}, nil
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

// testRig bundles a fully-wired Dispatcher over a miniredis-backed KV store,
// mirroring the construction every other subsystem's test suite uses.
type testRig struct {
	d    *Dispatcher
	reg  *registry.Registry
	room *room.Manager
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kvClient, err := kv.New(kv.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvClient.Close() })

	bizSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
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

	seatMgr := seat.NewManager(seat.Options{
		KV:       kvClient,
		Bus:      bus.New(nil, nil, ""),
		Rooms:    rooms,
		Biz:      bizCli,
		Registry: reg,
	})
	mediaHandlers := media.New(rooms, reg, bus.New(nil, nil, ""))
	limiter, err := ratelimit.NewRateLimiter(&config.Config{RateLimitChatPerMin: 60, RateLimitGiftPerMin: 330}, nil)
	require.NoError(t, err)
	giftHandlers := giftchat.New(giftchat.Options{
		Rooms:    rooms,
		Registry: reg,
		Bus:      bus.New(nil, nil, ""),
		Biz:      bizCli,
		Limiter:  limiter,
	})

	validator := auth.NewValidator(kvClient, bizSrv.URL, "secret")

	d := New(Options{
		Auth:             validator,
		Registry:         reg,
		Rooms:            rooms,
		Seats:            seatMgr,
		Media:            mediaHandlers,
		GiftChat:         giftHandlers,
		Biz:              bizCli,
		Bus:              bus.New(nil, nil, ""),
		SeatDefaultCount: 15,
	})
	return &testRig{d: d, reg: reg, room: rooms}
}

func newTestSocket(rig *testRig, userID int64) *socket {
	conn := registry.NewConnection(types.ConnIDType("conn-1"), types.UserIDType(userID), &types.UserProfile{ID: userID})
	rig.reg.Register(conn)
	return &socket{
		d:     rig.d,
		rconn: conn,
		send:  make(chan []byte, sendBufferSize),
		inbox: make(chan inboundFrame, inboxSize),
	}
}

func TestAckHandler_InvalidPayloadAcksError(t *testing.T) {
	rig := newTestRig(t)
	s := newTestSocket(rig, 1)

	handler := ackHandler(func(ctx context.Context, d *Dispatcher, s *socket, req roomJoinRequest) (any, error) {
		t.Fatal("handler should not run on malformed payload")
		return nil, nil
	})
	handler(context.Background(), rig.d, s, json.RawMessage(`{"roomId":`), "ack-1")

	select {
	case data := <-s.send:
		var frame ackFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "ack-1", frame.AckID)
		assert.NotEmpty(t, frame.Error)
	default:
		t.Fatal("expected an ack frame")
	}
}

func TestAckHandler_SuccessAcksPayload(t *testing.T) {
	rig := newTestRig(t)
	s := newTestSocket(rig, 1)

	handler := ackHandler(func(ctx context.Context, d *Dispatcher, s *socket, req roomJoinRequest) (any, error) {
		return map[string]any{"roomId": req.RoomID}, nil
	})
	handler(context.Background(), rig.d, s, json.RawMessage(`{"roomId":"room-1"}`), "ack-2")

	data := <-s.send
	var frame ackFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "ack-2", frame.AckID)
	assert.Empty(t, frame.Error)
}

func TestFireHandler_SuccessNeverAcks(t *testing.T) {
	rig := newTestRig(t)
	s := newTestSocket(rig, 1)

	handler := fireHandler(func(ctx context.Context, d *Dispatcher, s *socket, req roomLeaveRequest) error {
		return nil
	})
	handler(context.Background(), rig.d, s, nil, "ack-3")

	select {
	case <-s.send:
		t.Fatal("fire-and-forget success must not ack")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventHandlers_AckVsFireClassification(t *testing.T) {
	ackEvents := []string{
		"room:join", "seat:take", "seat:assign", "seat:remove", "seat:lock",
		"seat:unlock", "seat:mute", "seat:unmute", "seat:invite",
		"seat:invite:accept", "seat:invite:decline", "seat:invite-response",
		"transport:create", "transport:connect", "audio:produce",
		"audio:consume", "consumer:resume", "chat:message", "gift:send",
		"user:get-room",
	}
	fireEvents := []string{
		"room:leave", "seat:leave", "audio:selfmute", "audio:selfunmute", "gift:prepare",
	}
	for _, ev := range ackEvents {
		_, ok := eventHandlers[ev]
		require.Truef(t, ok, "missing handler for %s", ev)
	}
	for _, ev := range fireEvents {
		_, ok := eventHandlers[ev]
		require.Truef(t, ok, "missing handler for %s", ev)
	}
	assert.Len(t, eventHandlers, len(ackEvents)+len(fireEvents))
}

func TestRoomJoinThenLeave_ClearsSeatAndRoomAssociation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	s := newTestSocket(rig, 42)

	joinPayload, err := json.Marshal(roomJoinRequest{RoomID: "room-1"})
	require.NoError(t, err)
	eventHandlers["room:join"](ctx, rig.d, s, joinPayload, "ack-join")
	<-s.send // drain the join ack

	require.Equal(t, types.RoomIDType("room-1"), s.rconn.RoomID())

	takePayload, err := json.Marshal(seatTakeRequest{SeatIndex: 2})
	require.NoError(t, err)
	eventHandlers["seat:take"](ctx, rig.d, s, takePayload, "ack-take")
	<-s.send // drain the take ack

	eventHandlers["room:leave"](ctx, rig.d, s, nil, "")

	assert.Equal(t, types.RoomIDType(""), s.rconn.RoomID())
	_, _, err = rig.room.UserRoom(ctx, s.rconn.UserID)
	require.NoError(t, err)

	// The seat must be free again for someone else to take it.
	idx, err := rig.d.seats.Take(ctx, "room-1", 99, 2, 15)
	require.NoError(t, err)
	assert.Equal(t, types.SeatIndex(2), idx)
}

func TestDisconnect_UnregistersConnection(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	s := newTestSocket(rig, 7)

	joinPayload, err := json.Marshal(roomJoinRequest{RoomID: "room-2"})
	require.NoError(t, err)
	eventHandlers["room:join"](ctx, rig.d, s, joinPayload, "")

	rig.d.disconnect(ctx, s)

	_, ok := rig.reg.GetByConnID(s.rconn.ID)
	assert.False(t, ok)
}

func TestUserGetRoom_ReflectsCurrentAssociation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	s := newTestSocket(rig, 55)

	resp, err := handleUserGetRoom(ctx, rig.d, s, userGetRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"roomId": nil}, resp)

	joinPayload, err := json.Marshal(roomJoinRequest{RoomID: "room-3"})
	require.NoError(t, err)
	eventHandlers["room:join"](ctx, rig.d, s, joinPayload, "")

	resp, err = handleUserGetRoom(ctx, rig.d, s, userGetRoomRequest{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"roomId": "room-3"}, resp)
}

func TestSeatInviteResponse_DispatchesToAcceptOrDecline(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	host := newTestSocket(rig, 1)
	invitee := registry.NewConnection(types.ConnIDType("conn-invitee"), types.UserIDType(2), &types.UserProfile{ID: 2})
	rig.reg.Register(invitee)
	inviteeSocket := &socket{d: rig.d, rconn: invitee, send: make(chan []byte, sendBufferSize), inbox: make(chan inboundFrame, inboxSize)}

	ownerID := int64(1)
	hostJoinPayload, err := json.Marshal(roomJoinRequest{RoomID: "room-4", OwnerID: &ownerID})
	require.NoError(t, err)
	joinPayload, err := json.Marshal(roomJoinRequest{RoomID: "room-4"})
	require.NoError(t, err)
	eventHandlers["room:join"](ctx, rig.d, host, hostJoinPayload, "")
	eventHandlers["room:join"](ctx, rig.d, inviteeSocket, joinPayload, "")

	invitePayload, err := json.Marshal(seatInviteRequest{UserID: 2, SeatIndex: 1})
	require.NoError(t, err)
	eventHandlers["seat:invite"](ctx, rig.d, host, invitePayload, "ack-invite")

	acceptPayload, err := json.Marshal(seatInviteResponseRequest{Accept: true})
	require.NoError(t, err)
	eventHandlers["seat:invite-response"](ctx, rig.d, inviteeSocket, acceptPayload, "ack-resp")

	idx, ok, err := rig.room.UserRoom(ctx, invitee.UserID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RoomIDType("room-4"), idx)

	// Accepting through the legacy event seats the invitee on the invited seat.
	seats, _, err := rig.d.seats.Snapshot(ctx, "room-4", 15)
	require.NoError(t, err)
	require.NotNil(t, seats[1].User)
	assert.Equal(t, int64(2), seats[1].User.ID)
}
