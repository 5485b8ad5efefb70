// Package bus implements the pub/sub fan-out used for two purposes: cluster
// broadcast of room/user events (so every instance delivers to its own local
// sockets) and subscription to the external backend-event relay channel.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Envelope is the wire shape carried on the room/user broadcast channels.
type Envelope struct {
	RoomID   string          `json:"roomId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId,omitempty"`
	Roles    []string        `json:"roles,omitempty"`
}

// RelayEnvelope is the wire shape of the external backend-event relay channel (§4.8, §6).
type RelayEnvelope struct {
	Event         string          `json:"event"`
	UserID        *int64          `json:"user_id"`
	RoomID        *int64          `json:"room_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// Service handles all pub/sub interaction with the cluster fan-out channels
// and the backend relay channel.
type Service struct {
	client    *redis.Client // broadcast fan-out (room/user channels)
	relay     *redis.Client // separate-DB connection for the relay channel
	cb        *gobreaker.CircuitBreaker
	relayName string
}

// New constructs a Service. relayClient may point at a distinct KV database
// (default DB 3, per §6) from client.
func New(client, relayClient *redis.Client, relayChannel string) *Service {
	st := gobreaker.Settings{
		Name: "bus",
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(v)
		},
	}
	return &Service{client: client, relay: relayClient, cb: gobreaker.NewCircuitBreaker(st), relayName: relayChannel}
}

func roomChannel(roomID string) string { return fmt.Sprintf("msab:room:%s", roomID) }
func userChannel(userID string) string { return fmt.Sprintf("msab:user:%s", userID) }

const (
	roomChannelPrefix = "msab:room:"
	userChannelPrefix = "msab:user:"
)

// PublishRoom broadcasts an event to every instance's local sockets for roomID.
func (s *Service) PublishRoom(ctx context.Context, roomID, event string, payload any, senderID string, roles []string) error {
	return s.publish(ctx, roomChannel(roomID), Envelope{RoomID: roomID, Event: event, SenderID: senderID, Roles: roles}, payload)
}

// PublishUser sends an event to every instance's sockets for a single user.
func (s *Service) PublishUser(ctx context.Context, userID, event string, payload any, senderID string) error {
	return s.publish(ctx, userChannel(userID), Envelope{Event: event, SenderID: senderID}, payload)
}

func (s *Service) publish(ctx context.Context, channel string, env Envelope, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = raw
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
		logging.Warn(ctx, "bus circuit breaker open, dropping publish", zap.String("channel", channel))
		return nil
	}
	return err
}

// SubscribeRoom delivers every message published to roomID's channel to handler
// until ctx is cancelled.
func (s *Service) SubscribeRoom(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	s.subscribe(ctx, s.client, roomChannel(roomID), wg, func(data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Error(ctx, "failed to unmarshal room bus message", zap.Error(err))
			return
		}
		handler(env)
	})
}

// SubscribeAllRooms subscribes once per process to every room broadcast
// channel via a pattern subscription, delivering each message along with the
// room ID extracted from the channel name. Used by the dispatcher so a
// single subscription fans out to whichever local sockets are in that room,
// rather than creating and tearing down a subscription per room join/leave.
func (s *Service) SubscribeAllRooms(ctx context.Context, wg *sync.WaitGroup, handler func(roomID string, env Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	s.psubscribe(ctx, s.client, roomChannelPrefix+"*", wg, func(channel string, data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Error(ctx, "failed to unmarshal room bus message", zap.Error(err))
			return
		}
		handler(strings.TrimPrefix(channel, roomChannelPrefix), env)
	})
}

// SubscribeAllUsers is SubscribeAllRooms's counterpart for the per-user
// broadcast channels.
func (s *Service) SubscribeAllUsers(ctx context.Context, wg *sync.WaitGroup, handler func(userID string, env Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	s.psubscribe(ctx, s.client, userChannelPrefix+"*", wg, func(channel string, data []byte) {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Error(ctx, "failed to unmarshal user bus message", zap.Error(err))
			return
		}
		handler(strings.TrimPrefix(channel, userChannelPrefix), env)
	})
}

func (s *Service) psubscribe(ctx context.Context, client *redis.Client, pattern string, wg *sync.WaitGroup, handle func(channel string, data []byte)) {
	pubsub := client.PSubscribe(ctx, pattern)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		logging.Info(ctx, "subscribed to bus pattern", zap.String("pattern", pattern))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "bus pattern subscription closed", zap.String("pattern", pattern))
					return
				}
				handle(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
}

// SubscribeRelay subscribes once per process to the backend-event relay
// channel on the distinct KV database.
func (s *Service) SubscribeRelay(ctx context.Context, wg *sync.WaitGroup, handler func(RelayEnvelope)) {
	if s == nil || s.relay == nil {
		return
	}
	s.subscribe(ctx, s.relay, s.relayName, wg, func(data []byte) {
		var env RelayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Error(ctx, "failed to unmarshal relay message", zap.Error(err))
			return
		}
		handler(env)
	})
}

func (s *Service) subscribe(ctx context.Context, client *redis.Client, channel string, wg *sync.WaitGroup, handle func([]byte)) {
	pubsub := client.Subscribe(ctx, channel)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		logging.Info(ctx, "subscribed to bus channel", zap.String("channel", channel))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "bus subscription channel closed", zap.String("channel", channel))
					return
				}
				handle([]byte(msg.Payload))
			}
		}
	}()
}

// Close releases both underlying connections.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.relay != nil {
		if rerr := s.relay.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
