package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend lets pool-selection logic be tested without spawning a real subprocess.
type fakeBackend struct{ pid int }

func (f *fakeBackend) CreateRouter(ctx context.Context) (RouterInfo, error) {
	return RouterInfo{ID: "router-1"}, nil
}
func (f *fakeBackend) CreateTransport(ctx context.Context, routerID, role string) (TransportInfo, error) {
	return TransportInfo{}, nil
}
func (f *fakeBackend) ConnectTransport(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return nil
}
func (f *fakeBackend) CreateProducer(ctx context.Context, transportID, kind string) (ProducerInfo, error) {
	return ProducerInfo{}, nil
}
func (f *fakeBackend) CreateConsumer(ctx context.Context, transportID, producerID string, rtpCaps json.RawMessage) (ConsumerInfo, error) {
	return ConsumerInfo{}, nil
}
func (f *fakeBackend) PauseProducer(ctx context.Context, producerID string) error  { return nil }
func (f *fakeBackend) ResumeProducer(ctx context.Context, producerID string) error { return nil }
func (f *fakeBackend) ResumeConsumer(ctx context.Context, consumerID string) error { return nil }
func (f *fakeBackend) Close(ctx context.Context, id string) error                 { return nil }
func (f *fakeBackend) ObserveActiveSpeaker(ctx context.Context, routerID string) (<-chan string, error) {
	return make(chan string), nil
}
func (f *fakeBackend) PID() int   { return f.pid }
func (f *fakeBackend) Alive() bool { return true }

func newFakeHandle(id string, pid int, routers int64) *Handle {
	h := &Handle{ID: id, proc: &fakeBackend{pid: pid}, cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{})}
	h.routerCount.Store(routers)
	return h
}

func newTestPool() *Pool {
	return &Pool{workers: make(map[string]*Handle)}
}

func TestPickWorker_LeastLoaded(t *testing.T) {
	p := newTestPool()
	p.workers["a"] = newFakeHandle("a", 100, 3)
	p.workers["b"] = newFakeHandle("b", 200, 1)
	p.workers["c"] = newFakeHandle("c", 300, 5)

	picked, err := p.PickWorker()
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

func TestPickWorker_TieBreakByLowestPID(t *testing.T) {
	p := newTestPool()
	p.workers["a"] = newFakeHandle("a", 500, 2)
	p.workers["b"] = newFakeHandle("b", 100, 2)

	picked, err := p.PickWorker()
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

func TestPickWorker_NoWorkers(t *testing.T) {
	p := newTestPool()
	_, err := p.PickWorker()
	assert.Error(t, err)
}

func TestWorkerCount(t *testing.T) {
	p := newTestPool()
	assert.Equal(t, 0, p.WorkerCount())
	p.workers["a"] = newFakeHandle("a", 1, 0)
	assert.Equal(t, 1, p.WorkerCount())
}

func TestHandle_CreateAndReleaseRouter(t *testing.T) {
	h := newFakeHandle("a", 1, 0)
	info, err := h.CreateRouter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "router-1", info.ID)
	assert.Equal(t, int64(1), h.RouterCount())

	h.ReleaseRouter()
	assert.Equal(t, int64(0), h.RouterCount())
}
