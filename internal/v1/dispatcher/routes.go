package dispatcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flylive/msab/internal/v1/apierrors"
	"github.com/flylive/msab/internal/v1/giftchat"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/media"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, d *Dispatcher, s *socket, raw json.RawMessage, ackID string)

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

// ackHandler wraps a request/response handler. An unparseable payload or a
// handler error is delivered through the ack; a nil ackID (the caller didn't
// ask for one) makes both a silent no-op.
func ackHandler[T any](fn func(ctx context.Context, d *Dispatcher, s *socket, req T) (any, error)) handlerFunc {
	return func(ctx context.Context, d *Dispatcher, s *socket, raw json.RawMessage, ackID string) {
		req, err := decode[T](raw)
		if err != nil {
			s.ack(ackID, nil, apierrors.ErrInvalidPayload)
			return
		}
		payload, err := fn(ctx, d, s, req)
		s.ack(ackID, payload, err)
	}
}

// fireHandler wraps a fire-and-forget handler. A malformed payload still acks
// an error if the client supplied a callback; a handler error is logged, not
// surfaced, since these events never ack on success.
func fireHandler[T any](fn func(ctx context.Context, d *Dispatcher, s *socket, req T) error) handlerFunc {
	return func(ctx context.Context, d *Dispatcher, s *socket, raw json.RawMessage, ackID string) {
		req, err := decode[T](raw)
		if err != nil {
			s.ack(ackID, nil, apierrors.ErrInvalidPayload)
			return
		}
		if err := fn(ctx, d, s, req); err != nil {
			logging.Warn(ctx, "fire-and-forget handler failed", zap.Error(err))
		}
	}
}

// route looks up and runs the handler for one decoded inbound frame.
func (d *Dispatcher) route(ctx context.Context, s *socket, frame inboundFrame) {
	handler, ok := eventHandlers[frame.Event]
	if !ok {
		logging.Warn(ctx, "unrecognized event", zap.String("event", frame.Event))
		s.ack(frame.AckID, nil, apierrors.ErrInvalidPayload)
		return
	}
	handler(ctx, d, s, frame.Payload, frame.AckID)
}

var eventHandlers = map[string]handlerFunc{
	"room:join":  ackHandler(handleRoomJoin),
	"room:leave": fireHandler(handleRoomLeave),

	"seat:take":                ackHandler(handleSeatTake),
	"seat:leave":               fireHandler(handleSeatLeave),
	"seat:assign":              ackHandler(handleSeatAssign),
	"seat:remove":              ackHandler(handleSeatRemove),
	"seat:lock":                ackHandler(handleSeatLock),
	"seat:unlock":              ackHandler(handleSeatUnlock),
	"seat:mute":                ackHandler(handleSeatMute),
	"seat:unmute":              ackHandler(handleSeatUnmute),
	"seat:invite":              ackHandler(handleSeatInvite),
	"seat:invite:accept":       ackHandler(handleSeatInviteAccept),
	"seat:invite:decline":      ackHandler(handleSeatInviteDecline),
	"seat:invite-response":     ackHandler(handleSeatInviteResponse),

	"transport:create":  ackHandler(handleTransportCreate),
	"transport:connect": ackHandler(handleTransportConnect),
	"audio:produce":     ackHandler(handleAudioProduce),
	"audio:consume":     ackHandler(handleAudioConsume),
	"audio:selfmute":    fireHandler(handleSelfMute),
	"audio:selfunmute":  fireHandler(handleSelfUnmute),
	"consumer:resume":   ackHandler(handleConsumerResume),

	"chat:message": ackHandler(handleChatMessage),

	"gift:prepare": fireHandler(handleGiftPrepare),
	"gift:send":    ackHandler(handleGiftSend),

	"user:get-room": ackHandler(handleUserGetRoom),
}

// --- room:join / room:leave ---

type roomJoinRequest struct {
	RoomID  string `json:"roomId"`
	OwnerID *int64 `json:"ownerId,omitempty"`
}

func handleRoomJoin(ctx context.Context, d *Dispatcher, s *socket, req roomJoinRequest) (any, error) {
	if req.RoomID == "" {
		return nil, apierrors.ErrInvalidPayload
	}
	roomID := types.RoomIDType(req.RoomID)
	r, err := d.rooms.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "failed to create/fetch room", zap.String("room_id", req.RoomID), zap.Error(err))
		return nil, apierrors.ErrInternal
	}
	d.registry.SetRoom(s.rconn.ID, roomID)
	d.watchSpeakers(roomID, r)

	seats, locked, err := d.seats.Snapshot(ctx, roomID, d.seatDefaultCount)
	if err != nil {
		logging.Warn(ctx, "failed to read seat snapshot on join", zap.String("room_id", req.RoomID), zap.Error(err))
	}
	snap := d.rooms.BuildJoinSnapshot(roomID, s.rconn.ID, seats, locked)

	if _, err := d.rooms.OnJoin(ctx, roomID, s.rconn.UserID, s.rconn.ID, s.rconn.Profile, req.OwnerID); err != nil {
		logging.Error(ctx, "failed to record room join", zap.String("room_id", req.RoomID), zap.Error(err))
		return nil, apierrors.ErrInternal
	}
	return snap, nil
}

// watchSpeakers starts the active-speaker broadcast loop the first time any
// connection joins a given room, since the worker's observer channel is
// shared by the whole room rather than per-connection.
func (d *Dispatcher) watchSpeakers(roomID types.RoomIDType, r *room.Room) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if d.watchedRooms[roomID] {
		return
	}
	d.watchedRooms[roomID] = true
	go d.media.WatchActiveSpeaker(context.Background(), roomID, r.Speakers)
}

type roomLeaveRequest struct{}

func handleRoomLeave(ctx context.Context, d *Dispatcher, s *socket, _ roomLeaveRequest) error {
	conn := s.rconn
	roomID := conn.RoomID()
	if roomID == "" {
		return nil
	}
	if _, err := d.seats.Leave(ctx, roomID, conn.UserID); err != nil && !errors.Is(err, apierrors.ErrNotSeated) {
		logging.Warn(ctx, "failed to vacate seat on room:leave", zap.Error(err))
	}
	d.releaseMediaResources(ctx, conn, roomID)
	if _, err := d.rooms.OnLeave(ctx, roomID, conn.UserID, conn.ID, d.autoCloseRoom); err != nil {
		logging.Warn(ctx, "failed to record room leave", zap.Error(err))
	}
	if err := d.rooms.ClearUserRoom(ctx, conn.UserID); err != nil {
		logging.Warn(ctx, "failed to clear user room mapping", zap.Error(err))
	}
	d.registry.SetRoom(conn.ID, "")
	return nil
}

// --- seat events ---

type seatTakeRequest struct {
	SeatIndex int `json:"seatIndex"`
}

func handleSeatTake(ctx context.Context, d *Dispatcher, s *socket, req seatTakeRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	idx, err := d.seats.Take(ctx, roomID, s.rconn.UserID, types.SeatIndex(req.SeatIndex), d.seatDefaultCount)
	if err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true, "seatIndex": int(idx)}, nil
}

type seatLeaveRequest struct{}

func handleSeatLeave(ctx context.Context, d *Dispatcher, s *socket, _ seatLeaveRequest) error {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil
	}
	if _, err := d.seats.Leave(ctx, roomID, s.rconn.UserID); err != nil && !errors.Is(err, apierrors.ErrNotSeated) {
		return err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return nil
}

type seatAssignRequest struct {
	UserID    int64 `json:"userId"`
	SeatIndex int   `json:"seatIndex"`
}

func handleSeatAssign(ctx context.Context, d *Dispatcher, s *socket, req seatAssignRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := d.seats.Assign(ctx, roomID, s.rconn.UserID, types.UserIDType(req.UserID), types.SeatIndex(req.SeatIndex), d.seatDefaultCount); err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true}, nil
}

type seatRemoveRequest struct {
	UserID int64 `json:"userId"`
}

func handleSeatRemove(ctx context.Context, d *Dispatcher, s *socket, req seatRemoveRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	idx, err := d.seats.Remove(ctx, roomID, s.rconn.UserID, types.UserIDType(req.UserID))
	if err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true, "seatIndex": int(idx)}, nil
}

type seatLockRequest struct {
	SeatIndex int `json:"seatIndex"`
}

func handleSeatLock(ctx context.Context, d *Dispatcher, s *socket, req seatLockRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	kicked, err := d.seats.Lock(ctx, roomID, s.rconn.UserID, types.SeatIndex(req.SeatIndex))
	if err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true, "kickedUserId": kicked}, nil
}

type seatUnlockRequest struct {
	SeatIndex int `json:"seatIndex"`
}

func handleSeatUnlock(ctx context.Context, d *Dispatcher, s *socket, req seatUnlockRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := d.seats.Unlock(ctx, roomID, s.rconn.UserID, types.SeatIndex(req.SeatIndex)); err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true}, nil
}

type seatMuteRequest struct {
	SeatIndex int `json:"seatIndex"`
}

func handleSeatMute(ctx context.Context, d *Dispatcher, s *socket, req seatMuteRequest) (any, error) {
	return seatSetMute(ctx, d, s, req, true)
}

func handleSeatUnmute(ctx context.Context, d *Dispatcher, s *socket, req seatMuteRequest) (any, error) {
	return seatSetMute(ctx, d, s, req, false)
}

func seatSetMute(ctx context.Context, d *Dispatcher, s *socket, req seatMuteRequest, muted bool) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := d.seats.SetMute(ctx, roomID, s.rconn.UserID, types.SeatIndex(req.SeatIndex), muted); err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true}, nil
}

type seatInviteRequest struct {
	UserID    int64 `json:"userId"`
	SeatIndex int   `json:"seatIndex"`
}

func handleSeatInvite(ctx context.Context, d *Dispatcher, s *socket, req seatInviteRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := d.seats.Invite(ctx, roomID, s.rconn.UserID, types.UserIDType(req.UserID), types.SeatIndex(req.SeatIndex), d.seatDefaultCount); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

type seatInviteAcceptRequest struct{}

func handleSeatInviteAccept(ctx context.Context, d *Dispatcher, s *socket, _ seatInviteAcceptRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	idx, err := d.seats.AcceptInvite(ctx, roomID, s.rconn.UserID, d.seatDefaultCount)
	if err != nil {
		return nil, err
	}
	d.rooms.RecordActivity(ctx, roomID)
	return map[string]any{"success": true, "seatIndex": int(idx)}, nil
}

type seatInviteDeclineRequest struct{}

func handleSeatInviteDecline(ctx context.Context, d *Dispatcher, s *socket, _ seatInviteDeclineRequest) (any, error) {
	roomID := s.rconn.RoomID()
	if roomID == "" {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := d.seats.DeclineInvite(ctx, roomID, s.rconn.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// seatInviteResponseRequest is the legacy combined accept/decline event, kept
// for older clients that haven't migrated to the split accept/decline events.
type seatInviteResponseRequest struct {
	Accept bool `json:"accept"`
}

func handleSeatInviteResponse(ctx context.Context, d *Dispatcher, s *socket, req seatInviteResponseRequest) (any, error) {
	if req.Accept {
		return handleSeatInviteAccept(ctx, d, s, seatInviteAcceptRequest{})
	}
	return handleSeatInviteDecline(ctx, d, s, seatInviteDeclineRequest{})
}

// --- media events ---

func handleTransportCreate(ctx context.Context, d *Dispatcher, s *socket, req media.TransportCreateRequest) (any, error) {
	return d.media.TransportCreate(ctx, s.rconn, req)
}

func handleTransportConnect(ctx context.Context, d *Dispatcher, s *socket, req media.TransportConnectRequest) (any, error) {
	return d.media.TransportConnect(ctx, s.rconn, req)
}

func handleAudioProduce(ctx context.Context, d *Dispatcher, s *socket, req media.AudioProduceRequest) (any, error) {
	return d.media.AudioProduce(ctx, s.rconn, req)
}

func handleAudioConsume(ctx context.Context, d *Dispatcher, s *socket, req media.AudioConsumeRequest) (any, error) {
	return d.media.AudioConsume(ctx, s.rconn, req)
}

func handleConsumerResume(ctx context.Context, d *Dispatcher, s *socket, req media.ConsumerResumeRequest) (any, error) {
	return d.media.ConsumerResume(ctx, s.rconn, req)
}

// selfMuteRequest carries no fields: the spec's self-mute events apply to the
// caller's own (sole) audio producer, so there is nothing to address.
type selfMuteRequest struct{}

func handleSelfMute(ctx context.Context, d *Dispatcher, s *socket, _ selfMuteRequest) error {
	return d.media.SelfMute(ctx, s.rconn, "audio")
}

func handleSelfUnmute(ctx context.Context, d *Dispatcher, s *socket, _ selfMuteRequest) error {
	return d.media.SelfUnmute(ctx, s.rconn, "audio")
}

// --- chat / gift events ---

func handleChatMessage(ctx context.Context, d *Dispatcher, s *socket, req giftchat.ChatMessageRequest) (any, error) {
	return d.gift.ChatMessage(ctx, s.rconn, req)
}

func handleGiftPrepare(ctx context.Context, d *Dispatcher, s *socket, req giftchat.GiftPrepareRequest) error {
	return d.gift.GiftPrepare(ctx, s.rconn, req)
}

func handleGiftSend(ctx context.Context, d *Dispatcher, s *socket, req giftchat.GiftSendRequest) (any, error) {
	return d.gift.GiftSend(ctx, s.rconn, req)
}

// --- misc queries ---

type userGetRoomRequest struct{}

func handleUserGetRoom(ctx context.Context, d *Dispatcher, s *socket, _ userGetRoomRequest) (any, error) {
	roomID, ok, err := d.rooms.UserRoom(ctx, s.rconn.UserID)
	if err != nil {
		return nil, apierrors.ErrInternal
	}
	if !ok {
		return map[string]any{"roomId": nil}, nil
	}
	return map[string]any{"roomId": string(roomID)}, nil
}
