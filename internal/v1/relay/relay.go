// Package relay implements the backend-event relay: a single process-wide
// subscription to the shared pub/sub channel that fans inbound backend
// events out to client sockets per the user_id/room_id routing policy.
package relay

import (
	"context"
	"strconv"
	"sync"

	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// allowedEvents is the compile-time allowlist of backend-originated event
// names. Anything else arriving on the relay channel is discarded with a
// warning rather than forwarded to clients.
var allowedEvents = set.New[string](
	"room:userJoined", "room:userLeft", "room:closed",
	"seat:updated", "seat:cleared", "seat:locked", "seat:userMuted",
	"seat:invite-pending", "seat:invite-received",
	"audio:newProducer", "speaker:active",
	"chat:message", "gift:received", "gift:error",
)

// Relay subscribes to the backend event channel and routes each message to
// the sockets named by the routing policy.
type Relay struct {
	bus      *bus.Service
	registry *registry.Registry
}

// New constructs a Relay.
func New(busSvc *bus.Service, reg *registry.Registry) *Relay {
	return &Relay{bus: busSvc, registry: reg}
}

// Run subscribes to the relay channel and blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, wg *sync.WaitGroup) {
	r.bus.SubscribeRelay(ctx, wg, r.handle)
}

func (r *Relay) handle(env bus.RelayEnvelope) {
	if !allowedEvents.Has(env.Event) {
		logging.Warn(context.Background(), "discarding relay event not in allowlist", zap.String("event", env.Event))
		return
	}

	ctx := context.Background()
	switch {
	case env.UserID != nil && env.RoomID == nil:
		r.deliverToUser(ctx, *env.UserID, env)
	case env.UserID == nil && env.RoomID != nil:
		r.deliverToRoom(ctx, *env.RoomID, env)
	case env.UserID != nil && env.RoomID != nil:
		r.deliverToUserInRoom(ctx, *env.UserID, *env.RoomID, env)
	default:
		r.deliverToAll(ctx, env)
	}
}

func (r *Relay) deliverToUser(ctx context.Context, userID int64, env bus.RelayEnvelope) {
	conns := r.registry.GetByUserID(types.UserIDType(userID))
	for _, c := range conns {
		r.publishTo(ctx, c, env)
	}
}

func (r *Relay) deliverToRoom(ctx context.Context, roomID int64, env bus.RelayEnvelope) {
	conns := r.registry.GetByRoomID(types.RoomIDType(strconv.FormatInt(roomID, 10)))
	for _, c := range conns {
		r.publishTo(ctx, c, env)
	}
}

func (r *Relay) deliverToUserInRoom(ctx context.Context, userID, roomID int64, env bus.RelayEnvelope) {
	roomIDStr := types.RoomIDType(strconv.FormatInt(roomID, 10))
	for _, c := range r.registry.GetByUserID(types.UserIDType(userID)) {
		if c.RoomID() == roomIDStr {
			r.publishTo(ctx, c, env)
		}
	}
}

func (r *Relay) deliverToAll(ctx context.Context, env bus.RelayEnvelope) {
	for _, c := range r.registry.All() {
		r.publishTo(ctx, c, env)
	}
}

// publishTo re-publishes a relay envelope onto the user's personal channel so
// every instance holding one of that user's sockets delivers it locally.
func (r *Relay) publishTo(ctx context.Context, c *registry.Connection, env bus.RelayEnvelope) {
	if err := r.bus.PublishUser(ctx, strconv.FormatInt(int64(c.UserID), 10), env.Event, env.Payload, ""); err != nil {
		logging.Warn(ctx, "failed to deliver relay event", zap.String("event", env.Event), zap.Error(err))
	}
}
