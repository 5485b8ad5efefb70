// Package media implements the five synchronous media events: transport
// creation/connection and producer/consumer creation and resume, plus the
// active-speaker observer's broadcast loop.
package media

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flylive/msab/internal/v1/apierrors"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
	"go.uber.org/zap"
)

const speakerDebounce = 200 * time.Millisecond

// Handlers implements the transport:create/connect and audio:produce/consume/
// resume event bodies.
type Handlers struct {
	rooms    *room.Manager
	registry *registry.Registry
	bus      *bus.Service
}

// New constructs a Handlers.
func New(rooms *room.Manager, reg *registry.Registry, busSvc *bus.Service) *Handlers {
	return &Handlers{rooms: rooms, registry: reg, bus: busSvc}
}

// TransportCreateRequest is the transport:create payload.
type TransportCreateRequest struct {
	RoomID string `json:"roomId"`
	Role   string `json:"role"` // "send" or "receive"
}

// TransportCreate creates a WebRTC transport of the requested role on the
// room's router.
func (h *Handlers) TransportCreate(ctx context.Context, conn *registry.Connection, req TransportCreateRequest) (any, error) {
	r, ok := h.rooms.Get(types.RoomIDType(req.RoomID))
	if !ok {
		return nil, apierrors.ErrRoomNotFound
	}
	info, err := r.Worker.Backend().CreateTransport(ctx, r.RouterID, req.Role)
	if err != nil {
		logging.Warn(ctx, "transport:create failed", zap.Error(err))
		return nil, apierrors.ErrConnectFailed
	}
	role := registry.RoleSend
	if req.Role == string(registry.RoleReceive) {
		role = registry.RoleReceive
	}
	conn.AddTransport(info.ID, role)
	return info, nil
}

// TransportConnectRequest is the transport:connect payload.
type TransportConnectRequest struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// TransportConnect passes DTLS parameters to the worker for an existing transport.
func (h *Handlers) TransportConnect(ctx context.Context, conn *registry.Connection, req TransportConnectRequest) (any, error) {
	roomID := conn.RoomID()
	r, ok := h.rooms.Get(roomID)
	if !ok {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := r.Worker.Backend().ConnectTransport(ctx, req.TransportID, req.DTLSParameters); err != nil {
		logging.Warn(ctx, "transport:connect failed", zap.Error(err))
		return nil, apierrors.ErrConnectFailed
	}
	return map[string]bool{"success": true}, nil
}

// AudioProduceRequest is the audio:produce payload.
type AudioProduceRequest struct {
	TransportID string `json:"transportId"`
	Kind        string `json:"kind"`
}

// AudioProduce creates a producer on the caller's send transport, registers
// it, and broadcasts audio:newProducer to the rest of the room.
func (h *Handlers) AudioProduce(ctx context.Context, conn *registry.Connection, req AudioProduceRequest) (any, error) {
	if req.Kind != "audio" {
		return nil, apierrors.ErrInvalidPayload
	}
	roomID := conn.RoomID()
	r, ok := h.rooms.Get(roomID)
	if !ok {
		return nil, apierrors.ErrRoomNotFound
	}
	info, err := r.Worker.Backend().CreateProducer(ctx, req.TransportID, req.Kind)
	if err != nil {
		logging.Warn(ctx, "audio:produce failed", zap.Error(err))
		return nil, apierrors.ErrProduceFailed
	}
	conn.AddProducer(req.Kind, info.ID)

	payload := types.ProducerSnapshot{ProducerID: info.ID, UserID: int64(conn.UserID)}
	if err := h.bus.PublishRoom(ctx, string(roomID), "audio:newProducer", payload, string(conn.ID), nil); err != nil {
		logging.Warn(ctx, "failed to broadcast audio:newProducer", zap.Error(err))
	}
	return map[string]string{"id": info.ID}, nil
}

// AudioConsumeRequest is the audio:consume payload.
type AudioConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// AudioConsume creates a paused consumer for an existing producer.
func (h *Handlers) AudioConsume(ctx context.Context, conn *registry.Connection, req AudioConsumeRequest) (any, error) {
	roomID := conn.RoomID()
	r, ok := h.rooms.Get(roomID)
	if !ok {
		return nil, apierrors.ErrRoomNotFound
	}
	info, err := r.Worker.Backend().CreateConsumer(ctx, req.TransportID, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		logging.Warn(ctx, "audio:consume failed", zap.Error(err))
		return nil, apierrors.ErrCannotConsume
	}
	conn.AddConsumer(req.ProducerID, info.ID)
	return info, nil
}

// ConsumerResumeRequest is the consumer:resume payload.
type ConsumerResumeRequest struct {
	ConsumerID string `json:"consumerId"`
}

// ConsumerResume unpauses a previously-created consumer.
func (h *Handlers) ConsumerResume(ctx context.Context, conn *registry.Connection, req ConsumerResumeRequest) (any, error) {
	roomID := conn.RoomID()
	r, ok := h.rooms.Get(roomID)
	if !ok {
		return nil, apierrors.ErrRoomNotFound
	}
	if err := r.Worker.Backend().ResumeConsumer(ctx, req.ConsumerID); err != nil {
		logging.Warn(ctx, "consumer:resume failed", zap.Error(err))
		return nil, apierrors.ErrResumeFailed
	}
	return map[string]bool{"success": true}, nil
}

// SelfMute pauses the caller's own producer for kind without touching seat state.
func (h *Handlers) SelfMute(ctx context.Context, conn *registry.Connection, kind string) error {
	return h.toggleSelfMute(ctx, conn, kind, true)
}

// SelfUnmute resumes the caller's own producer for kind.
func (h *Handlers) SelfUnmute(ctx context.Context, conn *registry.Connection, kind string) error {
	return h.toggleSelfMute(ctx, conn, kind, false)
}

func (h *Handlers) toggleSelfMute(ctx context.Context, conn *registry.Connection, kind string, mute bool) error {
	producerID, ok := conn.ProducerID(kind)
	if !ok {
		return nil // fire-and-forget: no producer to mute is a silent no-op
	}
	roomID := conn.RoomID()
	r, ok := h.rooms.Get(roomID)
	if !ok {
		return nil
	}
	var err error
	if mute {
		err = r.Worker.Backend().PauseProducer(ctx, producerID)
	} else {
		err = r.Worker.Backend().ResumeProducer(ctx, producerID)
	}
	if err != nil {
		logging.Warn(ctx, "self-mute toggle failed", zap.Bool("mute", mute), zap.Error(err))
	}
	return err
}

// WatchActiveSpeaker drains a room's active-speaker channel and broadcasts
// speaker:active, debounced here to at most one broadcast per speakerDebounce
// (200ms); events arriving sooner than that after the last broadcast are dropped.
func (h *Handlers) WatchActiveSpeaker(ctx context.Context, roomID types.RoomIDType, speakers <-chan string) {
	if speakers == nil {
		return
	}
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case producerID, ok := <-speakers:
			if !ok {
				return
			}
			if time.Since(last) < speakerDebounce {
				continue
			}
			last = time.Now()
			userID := h.producerOwner(roomID, producerID)
			payload := map[string]any{"userId": userID, "volume": 0, "timestamp": time.Now().UnixMilli()}
			if err := h.bus.PublishRoom(ctx, string(roomID), "speaker:active", payload, "", nil); err != nil {
				logging.Warn(ctx, "failed to broadcast speaker:active", zap.Error(err))
			}
		}
	}
}

func (h *Handlers) producerOwner(roomID types.RoomIDType, producerID string) int64 {
	for _, c := range h.registry.GetByRoomID(roomID) {
		_, producers, _ := c.Resources()
		for _, id := range producers {
			if id == producerID {
				return int64(c.UserID)
			}
		}
	}
	return 0
}
