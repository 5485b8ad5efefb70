// Package room implements the Room Manager: one WebRTC router per room,
// join/leave snapshots and side-effects, and the auto-close grace timer.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/types"
	"github.com/flylive/msab/internal/v1/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ownerCacheTTL = 5 * time.Minute

// Room is one live room's in-process state: its router placement and
// auto-close bookkeeping. Seat and media state live in their own
// subsystems, keyed by room id, not embedded here.
type Room struct {
	ID              types.RoomIDType
	RouterID        string
	RTPCapabilities json.RawMessage
	Worker          *worker.Handle
	Speakers        <-chan string

	createdAt time.Time

	mu          sync.Mutex
	closeTimer  *time.Timer
	ownerID     int64
	ownerSetAt  time.Time
}

// Owner returns the cached owner id, if still fresh.
func (r *Room) Owner() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownerID == 0 || time.Since(r.ownerSetAt) > ownerCacheTTL {
		return 0, false
	}
	return r.ownerID, true
}

// SetOwner caches the owner id for ownerCacheTTL.
func (r *Room) SetOwner(ownerID int64) {
	r.mu.Lock()
	r.ownerID = ownerID
	r.ownerSetAt = time.Now()
	r.mu.Unlock()
}

// WorkerPool is the subset of worker.Pool's surface the room manager needs,
// satisfied directly by *worker.Pool.
type WorkerPool interface {
	PickWorker() (*worker.Handle, error)
}

// Manager owns the room table and the per-room router lifecycle.
type Manager struct {
	pool     WorkerPool
	registry *registry.Registry
	bus      *bus.Service
	kv       *kv.Client
	biz      *bizclient.Client

	autoCloseGrace time.Duration
	activityWindow time.Duration

	mu          sync.Mutex
	rooms       map[types.RoomIDType]*Room
	creating    map[types.RoomIDType]*sync.Mutex
}

// Options configures a Manager.
type Options struct {
	Pool           WorkerPool
	Registry       *registry.Registry
	Bus            *bus.Service
	KV             *kv.Client
	Biz            *bizclient.Client
	AutoCloseGrace time.Duration
	ActivityWindow time.Duration
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	grace := opts.AutoCloseGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	window := opts.ActivityWindow
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Manager{
		pool:           opts.Pool,
		registry:       opts.Registry,
		bus:            opts.Bus,
		kv:             opts.KV,
		biz:            opts.Biz,
		autoCloseGrace: grace,
		activityWindow: window,
		rooms:          make(map[types.RoomIDType]*Room),
		creating:       make(map[types.RoomIDType]*sync.Mutex),
	}
}

func participantsKey(roomID types.RoomIDType) string { return fmt.Sprintf("room:%s:participants", roomID) }
func activityKey(roomID types.RoomIDType) string      { return fmt.Sprintf("room:%s:activity", roomID) }
func userRoomKey(userID types.UserIDType) string      { return fmt.Sprintf("user:%d:room", userID) }

// lockFor returns the per-room creation lock, creating it if absent.
func (m *Manager) lockFor(roomID types.RoomIDType) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.creating[roomID]
	if !ok {
		l = &sync.Mutex{}
		m.creating[roomID] = l
	}
	return l
}

// GetOrCreateRoom returns roomID's Room, creating its router on a worker if
// this is the first caller. Concurrent callers for the same room-id block on
// a per-room lock and converge on the same Room.
func (m *Manager) GetOrCreateRoom(ctx context.Context, roomID types.RoomIDType) (*Room, error) {
	m.mu.Lock()
	if room, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return room, nil
	}
	m.mu.Unlock()

	lock := m.lockFor(roomID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if room, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return room, nil
	}
	m.mu.Unlock()

	handle, err := m.pool.PickWorker()
	if err != nil {
		return nil, fmt.Errorf("pick worker for room %s: %w", roomID, err)
	}
	routerInfo, err := handle.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("create router for room %s: %w", roomID, err)
	}
	speakers, err := handle.Backend().ObserveActiveSpeaker(ctx, routerInfo.ID)
	if err != nil {
		logging.Warn(ctx, "failed to start active-speaker observer", zap.String("room_id", string(roomID)), zap.Error(err))
	}

	room := &Room{
		ID:              roomID,
		RouterID:        routerInfo.ID,
		RTPCapabilities: routerInfo.RTPCapabilities,
		Worker:          handle,
		Speakers:        speakers,
		createdAt:       time.Now(),
	}

	m.mu.Lock()
	m.rooms[roomID] = room
	delete(m.creating, roomID)
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "room created", zap.String("room_id", string(roomID)), zap.String("router_id", routerInfo.ID), zap.String("worker_id", handle.ID))
	return room, nil
}

// Get returns the in-process Room if it exists, without creating one.
func (m *Manager) Get(roomID types.RoomIDType) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// Rooms returns a snapshot of every in-process room, used by the
// housekeeping sweeper to find zero-participant rooms that have gone idle.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room)
	}
	return out
}

// ParticipantCount reads the authoritative KV participant counter for roomID.
func (m *Manager) ParticipantCount(ctx context.Context, roomID types.RoomIDType) (int64, error) {
	v, err := m.kv.Get(ctx, participantsKey(roomID))
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// LastActivity reads the room's sliding activity timestamp. ok is false if no
// activity has ever been recorded (or the key has expired), which the
// sweeper treats as eligible for closure.
func (m *Manager) LastActivity(ctx context.Context, roomID types.RoomIDType) (time.Time, bool, error) {
	v, err := m.kv.Get(ctx, activityKey(roomID))
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// UserRoom reads a user's current room from the user→room KV mapping. ok is
// false if the user has no recorded room (never joined, or already cleared).
func (m *Manager) UserRoom(ctx context.Context, userID types.UserIDType) (types.RoomIDType, bool, error) {
	v, err := m.kv.Get(ctx, userRoomKey(userID))
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	return types.RoomIDType(v), true, nil
}

// ClearUserRoom removes the user→room KV mapping, part of the mandatory
// disconnect/leave cleanup sequence.
func (m *Manager) ClearUserRoom(ctx context.Context, userID types.UserIDType) error {
	return m.kv.Del(ctx, userRoomKey(userID))
}

// CloseRoomsOnWorker closes every room whose router was placed on workerID,
// with reason "worker_crash". Used as the worker pool's crash hook.
func (m *Manager) CloseRoomsOnWorker(ctx context.Context, workerID string) {
	m.mu.Lock()
	var affected []types.RoomIDType
	for id, room := range m.rooms {
		if room.Worker != nil && room.Worker.ID == workerID {
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	for _, roomID := range affected {
		if err := m.Close(ctx, roomID, "worker_crash"); err != nil {
			logging.Warn(ctx, "failed to close room after worker crash", zap.String("room_id", string(roomID)), zap.String("worker_id", workerID), zap.Error(err))
		}
	}
}

// JoinSnapshot is the normative room:join ack body. Seat-related fields are
// supplied by the caller (the seat subsystem owns that state); this method
// fills in the router, participant list, and existing producers.
type JoinSnapshot struct {
	RTPCapabilities   json.RawMessage           `json:"rtpCapabilities"`
	Participants      []*types.UserProfile      `json:"participants"`
	Seats             []types.SeatSnapshot      `json:"seats"`
	LockedSeats       []types.SeatIndex         `json:"lockedSeats"`
	ExistingProducers []types.ProducerSnapshot  `json:"existingProducers"`
}

// BuildJoinSnapshot assembles the room:join ack body for a joining
// connection, excluding that connection from the participant list.
func (m *Manager) BuildJoinSnapshot(roomID types.RoomIDType, excludeConnID types.ConnIDType, seats []types.SeatSnapshot, lockedSeats []types.SeatIndex) *JoinSnapshot {
	room, _ := m.Get(roomID)

	conns := m.registry.GetByRoomID(roomID)
	participants := make([]*types.UserProfile, 0, len(conns))
	producers := make([]types.ProducerSnapshot, 0)
	for _, c := range conns {
		if c.ID == excludeConnID {
			continue
		}
		participants = append(participants, c.Profile)
		_, producerMap, _ := c.Resources()
		for _, producerID := range producerMap {
			producers = append(producers, types.ProducerSnapshot{ProducerID: producerID, UserID: int64(c.UserID)})
		}
	}

	snap := &JoinSnapshot{
		Participants:      participants,
		Seats:             seats,
		LockedSeats:       lockedSeats,
		ExistingProducers: producers,
	}
	if room != nil {
		snap.RTPCapabilities = room.RTPCapabilities
	}
	return snap
}

// RecordActivity bumps the room's sliding activity timestamp and cancels any
// armed auto-close timer.
func (m *Manager) RecordActivity(ctx context.Context, roomID types.RoomIDType) {
	if err := m.kv.Set(ctx, activityKey(roomID), fmt.Sprintf("%d", time.Now().UnixMilli()), m.activityWindow); err != nil {
		logging.Warn(ctx, "failed to record room activity", zap.String("room_id", string(roomID)), zap.Error(err))
	}
	if room, ok := m.Get(roomID); ok {
		room.mu.Lock()
		if room.closeTimer != nil {
			room.closeTimer.Stop()
			room.closeTimer = nil
		}
		room.mu.Unlock()
	}
}

// OnJoin performs the join side-effects: +1 participant count, activity
// record, user→room mapping, optional owner cache seed, backend liveness
// notification, and the room:userJoined broadcast (excluding the joiner's own
// socket via senderID). It returns the new participant count.
func (m *Manager) OnJoin(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, connID types.ConnIDType, profile *types.UserProfile, ownerID *int64) (int64, error) {
	count, err := m.kv.Incr(ctx, participantsKey(roomID))
	if err != nil {
		return 0, fmt.Errorf("increment participant count: %w", err)
	}
	m.RecordActivity(ctx, roomID)
	if err := m.kv.Set(ctx, userRoomKey(userID), string(roomID), 0); err != nil {
		logging.Warn(ctx, "failed to set user room mapping", zap.Int64("user_id", int64(userID)), zap.Error(err))
	}
	if ownerID != nil {
		if room, ok := m.Get(roomID); ok {
			room.SetOwner(*ownerID)
		}
	}
	metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(count))
	go m.biz.ReportRoomStatus(context.Background(), string(roomID), true, int(count), nil)

	if err := m.bus.PublishRoom(ctx, string(roomID), "room:userJoined", map[string]any{"user": profile}, string(connID), nil); err != nil {
		logging.Warn(ctx, "failed to broadcast room:userJoined", zap.String("room_id", string(roomID)), zap.Error(err))
	}
	return count, nil
}

// OnLeave performs the leave side-effects: -1 participant count, backend
// notification, the room:userLeft broadcast, and arming the auto-close grace
// timer if the room is now empty. onAutoClose is invoked if the grace period
// elapses with the count still at zero.
func (m *Manager) OnLeave(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, connID types.ConnIDType, onAutoClose func(types.RoomIDType)) (int64, error) {
	count, err := m.kv.Decr(ctx, participantsKey(roomID))
	if err != nil {
		return 0, fmt.Errorf("decrement participant count: %w", err)
	}
	if count < 0 {
		count = 0
	}
	metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(count))
	go m.biz.ReportRoomStatus(context.Background(), string(roomID), count > 0, int(count), nil)

	if err := m.bus.PublishRoom(ctx, string(roomID), "room:userLeft", map[string]any{"userId": int64(userID)}, string(connID), nil); err != nil {
		logging.Warn(ctx, "failed to broadcast room:userLeft", zap.String("room_id", string(roomID)), zap.Error(err))
	}

	if count == 0 {
		m.armAutoClose(roomID, onAutoClose)
	}
	return count, nil
}

func (m *Manager) armAutoClose(roomID types.RoomIDType, onAutoClose func(types.RoomIDType)) {
	room, ok := m.Get(roomID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closeTimer != nil {
		room.closeTimer.Stop()
	}
	room.closeTimer = time.AfterFunc(m.autoCloseGrace, func() {
		onAutoClose(roomID)
	})
}

// Close releases a room's router, clears its in-process entry, and notifies
// the backend that it is no longer live. Callers are responsible for seat
// and media state cleanup before invoking this.
func (m *Manager) Close(ctx context.Context, roomID types.RoomIDType, reason string) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	room.mu.Lock()
	if room.closeTimer != nil {
		room.closeTimer.Stop()
	}
	room.mu.Unlock()

	if err := m.bus.PublishRoom(ctx, string(roomID), "room:closed", map[string]any{"reason": reason}, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast room:closed", zap.String("room_id", string(roomID)), zap.Error(err))
	}

	if err := room.Worker.Backend().Close(ctx, room.RouterID); err != nil {
		logging.Warn(ctx, "failed to close router on worker", zap.String("room_id", string(roomID)), zap.Error(err))
	}
	room.Worker.ReleaseRouter()

	if err := m.kv.Del(ctx, participantsKey(roomID), activityKey(roomID)); err != nil {
		logging.Warn(ctx, "failed to clear room kv state", zap.String("room_id", string(roomID)), zap.Error(err))
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(roomID))

	now := time.Now()
	go m.biz.ReportRoomStatus(context.Background(), string(roomID), false, 0, &now)

	logging.Info(ctx, "room closed", zap.String("room_id", string(roomID)), zap.String("reason", reason))
	return nil
}
