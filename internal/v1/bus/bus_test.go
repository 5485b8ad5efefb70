package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	relay := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 3})
	return New(client, relay, "flylive:msab:events"), mr
}

func TestPublishAndSubscribeRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	var wg sync.WaitGroup
	svc.SubscribeRoom(ctx, "42", &wg, func(e Envelope) { received <- e })

	time.Sleep(50 * time.Millisecond) // allow subscription to establish

	err := svc.PublishRoom(ctx, "42", "seat:updated", map[string]int{"seatIndex": 3}, "sender-1", nil)
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, "seat:updated", env.Event)
		assert.Equal(t, "sender-1", env.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room broadcast")
	}
}

func TestSubscribeRelay(t *testing.T) {
	svc, mr := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan RelayEnvelope, 1)
	var wg sync.WaitGroup
	svc.SubscribeRelay(ctx, &wg, func(e RelayEnvelope) { received <- e })

	time.Sleep(50 * time.Millisecond)

	uid := int64(1)
	raw := `{"event":"balance.updated","user_id":1,"room_id":null,"payload":{"coins":"15000.000"},"timestamp":"now","correlation_id":"c1"}`
	n, err := mr.Publish("flylive:msab:events", raw)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case env := <-received:
		assert.Equal(t, "balance.updated", env.Event)
		require.NotNil(t, env.UserID)
		assert.Equal(t, uid, *env.UserID)
		assert.Nil(t, env.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay message")
	}
}
