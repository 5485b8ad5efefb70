// Package housekeeping runs the auto-close sweeper: a periodic scan of
// zero-participant rooms that closes any whose activity has gone stale
// longer than the grace period, independent of and in addition to the
// per-instance in-memory timer armed by the room manager on OnLeave.
//
// The room manager's timer only protects the instance that happened to be
// holding the last participant when it left; if that instance crashes or
// restarts before the timer fires, the room would otherwise sit open
// forever. The sweeper re-derives staleness from the KV-stored participant
// count and activity timestamp, so it closes orphaned rooms regardless of
// which instance created them.
package housekeeping

import (
	"context"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/room"
	"github.com/flylive/msab/internal/v1/types"
	"go.uber.org/zap"
)

// Sweeper periodically closes idle, empty rooms.
type Sweeper struct {
	rooms    *room.Manager
	interval time.Duration
	grace    time.Duration
}

// Options configures a Sweeper.
type Options struct {
	Rooms    *room.Manager
	Interval time.Duration
	Grace    time.Duration
}

// New constructs a Sweeper.
func New(opts Options) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Sweeper{rooms: opts.Rooms, interval: interval, grace: grace}
}

// Run blocks, sweeping at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep inspects every in-process room once and closes the ones eligible
// for auto-close: zero participants and an activity timestamp older than
// the grace period (or no activity timestamp at all).
func (s *Sweeper) sweep(ctx context.Context) {
	for _, r := range s.rooms.Rooms() {
		if s.eligible(ctx, r.ID) {
			if err := s.rooms.Close(ctx, r.ID, "auto_close_idle"); err != nil {
				logging.Warn(ctx, "housekeeping sweep failed to close room", zap.String("room_id", string(r.ID)), zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) eligible(ctx context.Context, roomID types.RoomIDType) bool {
	count, err := s.rooms.ParticipantCount(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "housekeeping sweep failed to read participant count", zap.String("room_id", string(roomID)), zap.Error(err))
		return false
	}
	if count > 0 {
		return false
	}

	lastActivity, ok, err := s.rooms.LastActivity(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "housekeeping sweep failed to read activity timestamp", zap.String("room_id", string(roomID)), zap.Error(err))
		return false
	}
	if !ok {
		return true
	}
	return time.Since(lastActivity) > s.grace
}
