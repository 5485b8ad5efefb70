// Package seat implements the seat subsystem: KV-authoritative seat
// occupancy, locking, mute flags, and the seat-invite state machine. All
// mutating operations run as atomic Lua scripts against the KV store so that
// concurrent take/assign/lock calls across instances never race.
package seat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flylive/msab/internal/v1/apierrors"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
	"go.uber.org/zap"
)

var inviteTTL = time.Duration(types.InviteTTLSeconds) * time.Second

// seatEntry is the JSON shape stored in the seats hash.
type seatEntry struct {
	UserID int64 `json:"userId"`
	Muted  bool  `json:"muted"`
}

// inviteRecord is the JSON shape stored at both invite keys for a pending invite.
type inviteRecord struct {
	FromUserID int64 `json:"fromUserId"`
	ToUserID   int64 `json:"toUserId"`
	SeatIndex  int   `json:"seatIndex"`
}

// Manager owns seat occupancy, locking, and invites for every room.
type Manager struct {
	kv    *kv.Client
	bus   *bus.Service
	rooms *room.Manager
	biz   *bizclient.Client
	reg   *registry.Registry

	mu           sync.Mutex
	inviteTimers map[string]*time.Timer
}

// Options configures a Manager.
type Options struct {
	KV       *kv.Client
	Bus      *bus.Service
	Rooms    *room.Manager
	Biz      *bizclient.Client
	Registry *registry.Registry
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	return &Manager{
		kv:           opts.KV,
		bus:          opts.Bus,
		rooms:        opts.Rooms,
		biz:          opts.Biz,
		reg:          opts.Registry,
		inviteTimers: make(map[string]*time.Timer),
	}
}

func seatsKey(roomID types.RoomIDType) string       { return fmt.Sprintf("room:%s:seats", roomID) }
func lockedKey(roomID types.RoomIDType) string       { return fmt.Sprintf("room:%s:locked_seats", roomID) }
func userSeatPrefix(roomID types.RoomIDType) string  { return fmt.Sprintf("room:%s:seat:user:", roomID) }

func userSeatKey(roomID types.RoomIDType, userID types.UserIDType) string {
	return userSeatPrefix(roomID) + strconv.FormatInt(int64(userID), 10)
}

func inviteSeatKey(roomID types.RoomIDType, seatIndex types.SeatIndex) string {
	return fmt.Sprintf("room:%s:invite:%d", roomID, seatIndex)
}

func inviteUserKey(roomID types.RoomIDType, userID types.UserIDType) string {
	return fmt.Sprintf("room:%s:invite:user:%d", roomID, userID)
}

func inviteTimerKey(roomID types.RoomIDType, userID types.UserIDType) string {
	return string(roomID) + ":" + strconv.FormatInt(int64(userID), 10)
}

// classifyScriptErr maps a Lua script's error reply to the matching stable
// apierrors value. Anything unrecognized collapses to ErrInternal.
func classifyScriptErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "SEAT_ALREADY_LOCKED"):
		return apierrors.ErrSeatAlreadyLocked
	case contains(msg, "SEAT_NOT_LOCKED"):
		return apierrors.ErrSeatNotLocked
	case contains(msg, "SEAT_INVALID"):
		return apierrors.ErrSeatInvalid
	case contains(msg, "SEAT_LOCKED"):
		return apierrors.ErrSeatLocked
	case contains(msg, "SEAT_TAKEN"):
		return apierrors.ErrSeatTaken
	case contains(msg, "NOT_SEATED"):
		return apierrors.ErrNotSeated
	default:
		return apierrors.ErrInternal
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func scriptIndex(res any) (types.SeatIndex, error) {
	s, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected seat script result type %T", res)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return types.SeatIndex(n), nil
}

// authorize verifies actorUserID is the cached or freshly-fetched owner of
// roomID. A cache miss falls back to a bizclient lookup with the spec's 5s
// timeout, re-seeding the room's owner cache on success.
func (m *Manager) authorize(ctx context.Context, roomID types.RoomIDType, actorUserID types.UserIDType) error {
	r, ok := m.rooms.Get(roomID)
	if !ok {
		return apierrors.ErrRoomNotFound
	}
	if owner, ok := r.Owner(); ok {
		if owner == int64(actorUserID) {
			return nil
		}
		return apierrors.ErrNotAuthorized
	}
	info, err := m.biz.GetRoom(ctx, string(roomID))
	if err != nil {
		return apierrors.ErrAuthorizationCheckFailed
	}
	r.SetOwner(info.OwnerID)
	if info.OwnerID != int64(actorUserID) {
		return apierrors.ErrNotAuthorized
	}
	return nil
}

func (m *Manager) seatOccupant(ctx context.Context, roomID types.RoomIDType, seatIndex types.SeatIndex) (types.UserIDType, bool) {
	raw, err := m.kv.Raw().HGet(ctx, seatsKey(roomID), strconv.Itoa(int(seatIndex))).Result()
	if err != nil {
		return 0, false
	}
	var e seatEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return 0, false
	}
	return types.UserIDType(e.UserID), true
}

// Take seats the caller directly, vacating any prior seat they held.
func (m *Manager) Take(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, seatIndex types.SeatIndex, seatCount int) (types.SeatIndex, error) {
	res, err := m.kv.Eval(ctx, takeScript,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID, userID)},
		int(seatIndex), int64(userID), seatCount)
	if err != nil {
		return 0, classifyScriptErr(err)
	}
	idx, convErr := scriptIndex(res)
	if convErr != nil {
		return 0, apierrors.ErrInternal
	}
	if err := m.broadcastSeatUpdated(ctx, roomID, idx, userID, false); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:updated", zap.Error(err))
	}
	return idx, nil
}

// Leave vacates the caller's seat, if any.
func (m *Manager) Leave(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) (types.SeatIndex, error) {
	res, err := m.kv.Eval(ctx, leaveScript,
		[]string{seatsKey(roomID), userSeatKey(roomID, userID)}, int64(userID))
	if err != nil {
		return 0, classifyScriptErr(err)
	}
	idx, convErr := scriptIndex(res)
	if convErr != nil {
		return 0, apierrors.ErrInternal
	}
	m.broadcastSeatCleared(ctx, roomID, idx)
	return idx, nil
}

// Assign places targetUserID into seatIndex on the owner's behalf.
func (m *Manager) Assign(ctx context.Context, roomID types.RoomIDType, actorUserID, targetUserID types.UserIDType, seatIndex types.SeatIndex, seatCount int) error {
	if err := m.authorize(ctx, roomID, actorUserID); err != nil {
		return err
	}
	res, err := m.kv.Eval(ctx, assignScript,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID, targetUserID)},
		int(seatIndex), int64(targetUserID), seatCount, userSeatPrefix(roomID))
	if err != nil {
		return classifyScriptErr(err)
	}
	idx, convErr := scriptIndex(res)
	if convErr != nil {
		return apierrors.ErrInternal
	}
	if err := m.broadcastSeatUpdated(ctx, roomID, idx, targetUserID, false); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:updated", zap.Error(err))
	}
	return nil
}

// Remove vacates targetUserID's seat on the owner's behalf.
func (m *Manager) Remove(ctx context.Context, roomID types.RoomIDType, actorUserID, targetUserID types.UserIDType) (types.SeatIndex, error) {
	if err := m.authorize(ctx, roomID, actorUserID); err != nil {
		return 0, err
	}
	res, err := m.kv.Eval(ctx, leaveScript,
		[]string{seatsKey(roomID), userSeatKey(roomID, targetUserID)}, int64(targetUserID))
	if err != nil {
		return 0, classifyScriptErr(err)
	}
	idx, convErr := scriptIndex(res)
	if convErr != nil {
		return 0, apierrors.ErrInternal
	}
	m.broadcastSeatCleared(ctx, roomID, idx)
	return idx, nil
}

// SetMute toggles the seat-level mute flag for whoever occupies seatIndex. On
// mute, the occupant's audio producer (if any) is paused at the worker; on
// unmute it's resumed, matching the server-side mute semantics used when a
// room owner/manager mutes a seated user.
func (m *Manager) SetMute(ctx context.Context, roomID types.RoomIDType, actorUserID types.UserIDType, seatIndex types.SeatIndex, muted bool) error {
	if err := m.authorize(ctx, roomID, actorUserID); err != nil {
		return err
	}
	occupant, ok := m.seatOccupant(ctx, roomID, seatIndex)
	if !ok {
		return apierrors.ErrNotSeated
	}
	res, err := m.kv.Eval(ctx, setMuteScript, []string{seatsKey(roomID)}, int(seatIndex), strconv.FormatBool(muted))
	if err != nil {
		return classifyScriptErr(err)
	}
	if n, _ := res.(int64); n == 0 {
		return apierrors.ErrNotSeated
	}
	m.toggleOccupantProducer(ctx, roomID, occupant, muted)
	return m.broadcastUserMuted(ctx, roomID, occupant, muted)
}

// toggleOccupantProducer pauses or resumes the occupant's audio producer at
// the worker. A missing connection, producer, or room is a silent no-op: the
// seat-level mute flag is authoritative regardless of whether the occupant
// currently has live media.
func (m *Manager) toggleOccupantProducer(ctx context.Context, roomID types.RoomIDType, occupant types.UserIDType, muted bool) {
	r, ok := m.rooms.Get(roomID)
	if !ok {
		return
	}
	for _, conn := range m.reg.GetByUserID(occupant) {
		if conn.RoomID() != roomID {
			continue
		}
		producerID, ok := conn.ProducerID("audio")
		if !ok {
			continue
		}
		var err error
		if muted {
			err = r.Worker.Backend().PauseProducer(ctx, producerID)
		} else {
			err = r.Worker.Backend().ResumeProducer(ctx, producerID)
		}
		if err != nil {
			logging.Warn(ctx, "seat mute producer toggle failed", zap.Bool("muted", muted), zap.Error(err))
		}
	}
}

// Lock locks seatIndex, evicting its occupant if any. It returns the evicted
// user id, or 0 if the seat was empty.
func (m *Manager) Lock(ctx context.Context, roomID types.RoomIDType, actorUserID types.UserIDType, seatIndex types.SeatIndex) (int64, error) {
	if err := m.authorize(ctx, roomID, actorUserID); err != nil {
		return 0, err
	}
	res, err := m.kv.Eval(ctx, lockScript,
		[]string{seatsKey(roomID), lockedKey(roomID)}, int(seatIndex), userSeatPrefix(roomID))
	if err != nil {
		return 0, classifyScriptErr(err)
	}
	kickedStr, _ := res.(string)
	var kicked int64
	if kickedStr != "" {
		kicked, _ = strconv.ParseInt(kickedStr, 10, 64)
		m.broadcastSeatCleared(ctx, roomID, seatIndex)
	}
	m.broadcastSeatLocked(ctx, roomID, seatIndex, true)
	return kicked, nil
}

// Unlock unlocks a previously-locked seat.
func (m *Manager) Unlock(ctx context.Context, roomID types.RoomIDType, actorUserID types.UserIDType, seatIndex types.SeatIndex) error {
	if err := m.authorize(ctx, roomID, actorUserID); err != nil {
		return err
	}
	if _, err := m.kv.Eval(ctx, unlockScript, []string{lockedKey(roomID)}, int(seatIndex)); err != nil {
		return classifyScriptErr(err)
	}
	m.broadcastSeatLocked(ctx, roomID, seatIndex, false)
	return nil
}

// Snapshot builds the per-seat array and locked-seat list for the room:join ack.
func (m *Manager) Snapshot(ctx context.Context, roomID types.RoomIDType, seatCount int) ([]types.SeatSnapshot, []types.SeatIndex, error) {
	raw, err := m.kv.Raw().HGetAll(ctx, seatsKey(roomID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read seat state: %w", err)
	}
	entries := make(map[int]seatEntry, len(raw))
	for k, v := range raw {
		idx, convErr := strconv.Atoi(k)
		if convErr != nil {
			continue
		}
		var e seatEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries[idx] = e
	}

	lockedMembers, err := m.kv.SMembers(ctx, lockedKey(roomID))
	if err != nil {
		return nil, nil, fmt.Errorf("read locked seats: %w", err)
	}
	lockedSet := make(map[int]bool, len(lockedMembers))
	for _, s := range lockedMembers {
		if idx, convErr := strconv.Atoi(s); convErr == nil {
			lockedSet[idx] = true
		}
	}

	seats := make([]types.SeatSnapshot, seatCount)
	locked := make([]types.SeatIndex, 0, len(lockedSet))
	for i := 0; i < seatCount; i++ {
		seats[i] = types.SeatSnapshot{SeatIndex: types.SeatIndex(i)}
		if e, ok := entries[i]; ok {
			seats[i].IsMuted = e.Muted
			seats[i].User = m.profileFor(e.UserID)
		}
		if lockedSet[i] {
			locked = append(locked, types.SeatIndex(i))
		}
	}
	return seats, locked, nil
}

func (m *Manager) profileFor(userID int64) *types.UserProfile {
	if m.reg != nil {
		if conns := m.reg.GetByUserID(types.UserIDType(userID)); len(conns) > 0 {
			return conns[0].Profile
		}
	}
	return &types.UserProfile{ID: userID}
}

// Invite places a pending invite for targetUserID on seatIndex, owner/manager only.
func (m *Manager) Invite(ctx context.Context, roomID types.RoomIDType, actorUserID, targetUserID types.UserIDType, seatIndex types.SeatIndex, seatCount int) error {
	if err := m.authorize(ctx, roomID, actorUserID); err != nil {
		return err
	}
	if int(seatIndex) < 0 || int(seatIndex) >= seatCount {
		return apierrors.ErrSeatInvalid
	}
	locked, err := m.kv.SIsMember(ctx, lockedKey(roomID), strconv.Itoa(int(seatIndex)))
	if err != nil {
		return apierrors.ErrInternal
	}
	if locked {
		return apierrors.ErrSeatLocked
	}
	if _, occupied := m.seatOccupant(ctx, roomID, seatIndex); occupied {
		return apierrors.ErrSeatTaken
	}

	seatKey := inviteSeatKey(roomID, seatIndex)
	userKey := inviteUserKey(roomID, targetUserID)
	if exists, _ := m.kv.Exists(ctx, seatKey); exists {
		return apierrors.ErrInvitePending
	}
	if exists, _ := m.kv.Exists(ctx, userKey); exists {
		return apierrors.ErrInvitePending
	}

	rec := inviteRecord{FromUserID: int64(actorUserID), ToUserID: int64(targetUserID), SeatIndex: int(seatIndex)}
	payload, err := json.Marshal(rec)
	if err != nil {
		return apierrors.ErrInternal
	}
	if err := m.kv.Set(ctx, seatKey, string(payload), inviteTTL); err != nil {
		return apierrors.ErrInternal
	}
	if err := m.kv.Set(ctx, userKey, string(payload), inviteTTL); err != nil {
		return apierrors.ErrInternal
	}
	m.armInviteExpiry(roomID, targetUserID, seatIndex)

	if err := m.bus.PublishUser(ctx, strconv.FormatInt(int64(targetUserID), 10), "seat:invite:received",
		map[string]any{"seatIndex": int(seatIndex), "fromUserId": int64(actorUserID)}, ""); err != nil {
		logging.Warn(ctx, "failed to notify invite target", zap.Error(err))
	}
	if err := m.bus.PublishRoom(ctx, string(roomID), "seat:invite:pending",
		map[string]any{"seatIndex": int(seatIndex), "userId": int64(targetUserID)}, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:invite:pending", zap.Error(err))
	}
	return nil
}

// AcceptInvite converts the caller's pending invite into an occupied seat.
func (m *Manager) AcceptInvite(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, seatCount int) (types.SeatIndex, error) {
	rec, ok := m.readInvite(ctx, roomID, userID)
	if !ok {
		return 0, apierrors.ErrNoPendingInvite
	}
	m.clearInvite(ctx, roomID, userID, types.SeatIndex(rec.SeatIndex))

	res, err := m.kv.Eval(ctx, assignScript,
		[]string{seatsKey(roomID), lockedKey(roomID), userSeatKey(roomID, userID)},
		rec.SeatIndex, int64(userID), seatCount, userSeatPrefix(roomID))
	if err != nil {
		cls := classifyScriptErr(err)
		if cls == apierrors.ErrSeatLocked || cls == apierrors.ErrSeatTaken {
			return 0, apierrors.ErrSeatNoLongerOpen
		}
		return 0, cls
	}
	idx, convErr := scriptIndex(res)
	if convErr != nil {
		return 0, apierrors.ErrInternal
	}
	if err := m.broadcastSeatUpdated(ctx, roomID, idx, userID, false); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:updated after invite accept", zap.Error(err))
	}
	return idx, nil
}

// DeclineInvite cancels the caller's pending invite.
func (m *Manager) DeclineInvite(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) error {
	rec, ok := m.readInvite(ctx, roomID, userID)
	if !ok {
		return apierrors.ErrNoPendingInvite
	}
	m.clearInvite(ctx, roomID, userID, types.SeatIndex(rec.SeatIndex))
	if err := m.bus.PublishRoom(ctx, string(roomID), "seat:invite:declined",
		map[string]any{"seatIndex": rec.SeatIndex, "userId": int64(userID)}, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:invite:declined", zap.Error(err))
	}
	return nil
}

func (m *Manager) readInvite(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) (inviteRecord, bool) {
	raw, err := m.kv.Get(ctx, inviteUserKey(roomID, userID))
	if err != nil {
		return inviteRecord{}, false
	}
	var rec inviteRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return inviteRecord{}, false
	}
	return rec, true
}

func (m *Manager) clearInvite(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, seatIndex types.SeatIndex) {
	m.cancelInviteTimer(roomID, userID)
	if err := m.kv.Del(ctx, inviteUserKey(roomID, userID), inviteSeatKey(roomID, seatIndex)); err != nil {
		logging.Warn(ctx, "failed to clear invite state", zap.Error(err))
	}
}

func (m *Manager) armInviteExpiry(roomID types.RoomIDType, userID types.UserIDType, seatIndex types.SeatIndex) {
	key := inviteTimerKey(roomID, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.inviteTimers[key]; ok {
		t.Stop()
	}
	m.inviteTimers[key] = time.AfterFunc(inviteTTL, func() {
		m.expireInvite(roomID, userID, seatIndex)
	})
}

func (m *Manager) cancelInviteTimer(roomID types.RoomIDType, userID types.UserIDType) {
	key := inviteTimerKey(roomID, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.inviteTimers[key]; ok {
		t.Stop()
		delete(m.inviteTimers, key)
	}
}

// expireInvite fires when the in-process timer mirrors the KV TTL's expiry.
// If accept/decline already cancelled the timer this never runs, so the
// event fires exactly once.
func (m *Manager) expireInvite(roomID types.RoomIDType, userID types.UserIDType, seatIndex types.SeatIndex) {
	m.mu.Lock()
	delete(m.inviteTimers, inviteTimerKey(roomID, userID))
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.kv.Del(ctx, inviteUserKey(roomID, userID), inviteSeatKey(roomID, seatIndex)); err != nil {
		logging.Warn(ctx, "failed to clear expired invite state", zap.Error(err))
	}
	if err := m.bus.PublishRoom(ctx, string(roomID), "seat:invite:expired",
		map[string]any{"seatIndex": int(seatIndex), "userId": int64(userID)}, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:invite:expired", zap.Error(err))
	}
}

func (m *Manager) broadcastSeatUpdated(ctx context.Context, roomID types.RoomIDType, seatIndex types.SeatIndex, userID types.UserIDType, muted bool) error {
	return m.bus.PublishRoom(ctx, string(roomID), "seat:updated",
		map[string]any{"seatIndex": int(seatIndex), "userId": int64(userID), "isMuted": muted}, "", nil)
}

func (m *Manager) broadcastSeatCleared(ctx context.Context, roomID types.RoomIDType, seatIndex types.SeatIndex) {
	if err := m.bus.PublishRoom(ctx, string(roomID), "seat:cleared",
		map[string]any{"seatIndex": int(seatIndex)}, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:cleared", zap.Error(err))
	}
}

func (m *Manager) broadcastSeatLocked(ctx context.Context, roomID types.RoomIDType, seatIndex types.SeatIndex, locked bool) {
	if err := m.bus.PublishRoom(ctx, string(roomID), "seat:locked",
		map[string]any{"seatIndex": int(seatIndex), "isLocked": locked}, "", nil); err != nil {
		logging.Warn(ctx, "failed to broadcast seat:locked", zap.Error(err))
	}
}

func (m *Manager) broadcastUserMuted(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, muted bool) error {
	return m.bus.PublishRoom(ctx, string(roomID), "seat:userMuted",
		map[string]any{"userId": int64(userID), "isMuted": muted}, "", nil)
}
