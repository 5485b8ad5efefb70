package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Handle is the opaque worker reference returned to callers outside this package.
type Handle struct {
	ID string

	proc        Backend
	cb          *gobreaker.CircuitBreaker
	routerCount atomic.Int64
}

// NewHandle wraps an already-constructed Backend in a circuit-breaker
// protected Handle. Used by tests and by callers that source workers from
// something other than the subprocess Pool (e.g. an in-process backend).
func NewHandle(id string, backend Backend) *Handle {
	return &Handle{ID: id, proc: backend, cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "worker:" + id})}
}

func (h *Handle) pid() int { return h.proc.PID() }

// RouterCount returns the number of routers currently placed on this worker.
func (h *Handle) RouterCount() int64 { return h.routerCount.Load() }

func (h *Handle) execute(fn func() (any, error)) (any, error) {
	res, err := h.cb.Execute(fn)
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("worker").Inc()
	}
	return res, err
}

// CreateRouter places a new router on this worker and bumps its load counter.
// Callers (the room manager) are responsible for calling ReleaseRouter on teardown.
func (h *Handle) CreateRouter(ctx context.Context) (RouterInfo, error) {
	res, err := h.execute(func() (any, error) { return h.proc.CreateRouter(ctx) })
	if err != nil {
		return RouterInfo{}, err
	}
	n := h.routerCount.Add(1)
	metrics.WorkerLoad.WithLabelValues(h.ID).Set(float64(n))
	return res.(RouterInfo), nil
}

// ReleaseRouter decrements this worker's load counter after a room closes.
func (h *Handle) ReleaseRouter() {
	n := h.routerCount.Add(-1)
	metrics.WorkerLoad.WithLabelValues(h.ID).Set(float64(n))
}

// Backend exposes the underlying subprocess capability surface directly. Calls
// made through it do not pass through the handle's circuit breaker, which
// guards CreateRouter only.
func (h *Handle) Backend() Backend { return h.proc }

// OnCrash is invoked with the id of a worker that exited unexpectedly, before
// its replacement is spawned. Implementations enumerate affected rooms.
type OnCrash func(workerID string)

// Pool owns a fixed-size set of media-forwarding subprocess workers.
type Pool struct {
	binary         string
	args           []string
	spawnBackoff   time.Duration
	maxBackoff     time.Duration
	onCrash        OnCrash

	mu      sync.RWMutex
	workers map[string]*Handle
	closed  atomic.Bool
}

// Options configures a Pool.
type Options struct {
	Binary       string
	Args         []string
	Count        int // 0 means runtime.NumCPU()
	SpawnBackoff time.Duration
	MaxBackoff   time.Duration
	OnCrash      OnCrash
}

// NewPool spawns Count workers (or NumCPU if zero) and begins crash/restart supervision.
func NewPool(ctx context.Context, opts Options) (*Pool, error) {
	count := opts.Count
	if count <= 0 {
		count = runtime.NumCPU()
	}
	backoff := opts.SpawnBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	p := &Pool{
		binary:       opts.Binary,
		args:         opts.Args,
		spawnBackoff: backoff,
		maxBackoff:   maxBackoff,
		onCrash:      opts.OnCrash,
		workers:      make(map[string]*Handle),
	}

	for i := 0; i < count; i++ {
		if err := p.spawnAndSupervise(ctx); err != nil {
			return nil, fmt.Errorf("spawn worker %d/%d: %w", i+1, count, err)
		}
	}
	return p, nil
}

func (p *Pool) spawnAndSupervise(ctx context.Context) error {
	proc, err := Spawn(p.binary, p.args...)
	if err != nil {
		return err
	}

	id := fmt.Sprintf("worker-%d", proc.PID())
	st := gobreaker.Settings{
		Name:        "worker:" + id,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			if to == gobreaker.StateOpen {
				v = 1
			} else if to == gobreaker.StateHalfOpen {
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("worker").Set(v)
		},
	}
	handle := &Handle{ID: id, proc: proc, cb: gobreaker.NewCircuitBreaker(st)}
	metrics.WorkerLoad.WithLabelValues(id).Set(0)

	p.mu.Lock()
	p.workers[id] = handle
	p.mu.Unlock()

	go p.supervise(ctx, id, proc)
	return nil
}

// supervise waits for the subprocess to exit, notifies onCrash, removes the
// worker, and respawns a replacement with exponential backoff.
func (p *Pool) supervise(ctx context.Context, id string, proc *Process) {
	_ = proc.Wait()
	if p.closed.Load() {
		return
	}

	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
	metrics.WorkerRestartsTotal.Inc()

	logging.Warn(ctx, "worker exited unexpectedly", zap.String("worker_id", id))
	if p.onCrash != nil {
		p.onCrash(id)
	}

	backoff := p.spawnBackoff
	for {
		if ctx.Err() != nil || p.closed.Load() {
			return
		}
		if err := p.spawnAndSupervise(ctx); err == nil {
			return
		}
		logging.Error(ctx, "failed to respawn worker, retrying", zap.Duration("backoff", backoff))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

// PickWorker returns the least-loaded live worker, ties broken by lowest PID.
func (p *Pool) PickWorker() (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Handle
	for _, w := range p.workers {
		if best == nil {
			best = w
			continue
		}
		if w.RouterCount() < best.RouterCount() ||
			(w.RouterCount() == best.RouterCount() && w.pid() < best.pid()) {
			best = w
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no live workers available")
	}
	return best, nil
}

// WorkerCount returns the number of currently live workers. Implements
// health.WorkerPoolChecker.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Close marks the pool as shutting down and kills every live worker.
func (p *Pool) Close() error {
	p.closed.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if proc, ok := w.proc.(*Process); ok {
			_ = proc.Kill()
		}
	}
	return nil
}
