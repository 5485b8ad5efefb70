package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/bizclient"
	"github.com/flylive/msab/internal/v1/bus"
	"github.com/flylive/msab/internal/v1/kv"
	"github.com/flylive/msab/internal/v1/registry"
	"github.com/flylive/msab/internal/v1/types"
	"github.com/flylive/msab/internal/v1/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{ pid int }

func (f *fakeBackend) CreateRouter(ctx context.Context) (worker.RouterInfo, error) {
	return worker.RouterInfo{ID: "router-1", RTPCapabilities: json.RawMessage(`{"codecs":[]}`)}, nil
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
func (f *fakeBackend) PID() int    { return f.pid }
func (f *fakeBackend) Alive() bool { return true }

type fakePool struct{ handle *worker.Handle }

func (p *fakePool) PickWorker() (*worker.Handle, error) { return p.handle, nil }

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	kvClient, err := kv.New(kv.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvClient.Close() })

	bizSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	t.Cleanup(bizSrv.Close)

	handle := worker.NewHandle("worker-1", &fakeBackend{pid: 1})
	pool := &fakePool{handle: handle}

	m := NewManager(Options{
		Pool:           pool,
		Registry:       registry.New(),
		Bus:            bus.New(nil, nil, ""),
		KV:             kvClient,
		Biz:            bizclient.New(bizSrv.URL, "secret"),
		AutoCloseGrace: 50 * time.Millisecond,
		ActivityWindow: time.Minute,
	})
	return m, mr
}

func TestGetOrCreateRoom_CreatesRouterOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	r1, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "router-1", r1.RouterID)

	r2, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Same(t, r1, r2)
}

func TestOnJoin_IncrementsParticipantCount(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)

	count, err := m.OnJoin(ctx, "room-1", 42, "conn-1", &types.UserProfile{ID: 42}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = m.OnJoin(ctx, "room-1", 43, "conn-2", &types.UserProfile{ID: 43}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestOnJoin_SeedsOwnerCache(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)

	owner := int64(7)
	_, err = m.OnJoin(ctx, "room-1", 42, "conn-1", &types.UserProfile{ID: 42}, &owner)
	require.NoError(t, err)

	room, ok := m.Get("room-1")
	require.True(t, ok)
	gotOwner, ok := room.Owner()
	require.True(t, ok)
	assert.Equal(t, int64(7), gotOwner)
}

func TestOnLeave_ArmsAutoCloseWhenEmpty(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)
	_, err = m.OnJoin(ctx, "room-1", 42, "conn-1", &types.UserProfile{ID: 42}, nil)
	require.NoError(t, err)

	closed := make(chan types.RoomIDType, 1)
	count, err := m.OnLeave(ctx, "room-1", 42, "conn-1", func(id types.RoomIDType) { closed <- id })
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	select {
	case id := <-closed:
		assert.Equal(t, types.RoomIDType("room-1"), id)
	case <-time.After(time.Second):
		t.Fatal("auto-close callback was not invoked")
	}
}

func TestRecordActivity_CancelsArmedTimer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)
	_, err = m.OnJoin(ctx, "room-1", 42, "conn-1", &types.UserProfile{ID: 42}, nil)
	require.NoError(t, err)

	fired := make(chan struct{}, 1)
	_, err = m.OnLeave(ctx, "room-1", 42, "conn-1", func(types.RoomIDType) { fired <- struct{}{} })
	require.NoError(t, err)

	m.RecordActivity(ctx, "room-1")

	select {
	case <-fired:
		t.Fatal("auto-close fired despite activity cancelling the timer")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBuildJoinSnapshot_ExcludesCaller(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)

	c1 := registry.NewConnection("conn-1", 42, &types.UserProfile{ID: 42})
	c2 := registry.NewConnection("conn-2", 43, &types.UserProfile{ID: 43})
	m.registry.Register(c1)
	m.registry.Register(c2)
	m.registry.SetRoom("conn-1", "room-1")
	m.registry.SetRoom("conn-2", "room-1")
	c2.AddProducer("audio", "producer-1")

	snap := m.BuildJoinSnapshot("room-1", "conn-1", nil, nil)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, int64(43), snap.Participants[0].ID)
	require.Len(t, snap.ExistingProducers, 1)
	assert.Equal(t, "producer-1", snap.ExistingProducers[0].ProducerID)
	assert.NotNil(t, snap.RTPCapabilities)
}

func TestClose_ReleasesRouterAndClearsState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r, err := m.GetOrCreateRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Worker.RouterCount())

	require.NoError(t, m.Close(ctx, "room-1", "auto_close"))

	_, ok := m.Get("room-1")
	assert.False(t, ok)
	assert.Equal(t, int64(0), r.Worker.RouterCount())
}
