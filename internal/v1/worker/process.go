package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/flylive/msab/internal/v1/logging"
	"go.uber.org/zap"
)

// rpcRequest is one line written to a subprocess's stdin.
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is one line read from a subprocess's stdout. Lines carrying a
// non-zero "event" method instead of an id are unsolicited observer events
// (active-speaker notifications).
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Event  string          `json:"event,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Process drives one media-forwarding subprocess over its stdin/stdout pipes
// with a line-delimited JSON request/response protocol.
type Process struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	nextID uint64
	alive  atomic.Bool

	mu      sync.Mutex
	pending map[uint64]chan rpcResponse

	speakersMu sync.Mutex
	speakers   map[string]chan string // routerID -> channel
}

// Spawn starts binary as a subprocess and begins reading its stdout.
func Spawn(binary string, args ...string) (*Process, error) {
	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker subprocess: %w", err)
	}

	p := &Process{
		cmd:      cmd,
		stdin:    json.NewEncoder(stdin),
		pending:  make(map[uint64]chan rpcResponse),
		speakers: make(map[string]chan string),
	}
	p.alive.Store(true)

	go p.readLoop(bufio.NewScanner(stdout))
	return p, nil
}

func (p *Process) readLoop(scanner *bufio.Scanner) {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			logging.Warn(context.Background(), "worker emitted unparseable line", zap.Error(err))
			continue
		}
		if resp.Event == "activeSpeaker" {
			p.dispatchSpeaker(resp.Result)
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		if ok {
			delete(p.pending, resp.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	p.alive.Store(false)
}

func (p *Process) dispatchSpeaker(raw json.RawMessage) {
	var payload struct {
		RouterID   string `json:"routerId"`
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	p.speakersMu.Lock()
	ch, ok := p.speakers[payload.RouterID]
	p.speakersMu.Unlock()
	if ok {
		select {
		case ch <- payload.ProducerID:
		default:
		}
	}
}

// Call sends a request and blocks until the matching response arrives or ctx
// is cancelled.
func (p *Process) Call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&p.nextID, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal worker request: %w", err)
	}

	ch := make(chan rpcResponse, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.stdin.Encode(rpcRequest{ID: id, Method: method, Params: raw}); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return fmt.Errorf("write worker request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("worker error: %s", resp.Error)
		}
		if out != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

func (p *Process) Alive() bool { return p.alive.Load() }

// Wait blocks until the subprocess exits.
func (p *Process) Wait() error { return p.cmd.Wait() }

// Kill terminates the subprocess.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) CreateRouter(ctx context.Context) (RouterInfo, error) {
	var out RouterInfo
	err := p.Call(ctx, "router.create", nil, &out)
	return out, err
}

func (p *Process) CreateTransport(ctx context.Context, routerID, role string) (TransportInfo, error) {
	var out TransportInfo
	err := p.Call(ctx, "transport.create", map[string]string{"routerId": routerID, "role": role}, &out)
	return out, err
}

func (p *Process) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	return p.Call(ctx, "transport.connect", map[string]any{"transportId": transportID, "dtlsParameters": dtlsParameters}, nil)
}

func (p *Process) CreateProducer(ctx context.Context, transportID, kind string) (ProducerInfo, error) {
	var out ProducerInfo
	err := p.Call(ctx, "producer.create", map[string]string{"transportId": transportID, "kind": kind}, &out)
	return out, err
}

func (p *Process) CreateConsumer(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (ConsumerInfo, error) {
	var out ConsumerInfo
	err := p.Call(ctx, "consumer.create", map[string]any{
		"transportId": transportID, "producerId": producerID, "rtpCapabilities": rtpCapabilities,
	}, &out)
	return out, err
}

func (p *Process) PauseProducer(ctx context.Context, producerID string) error {
	return p.Call(ctx, "producer.pause", map[string]string{"producerId": producerID}, nil)
}

func (p *Process) ResumeProducer(ctx context.Context, producerID string) error {
	return p.Call(ctx, "producer.resume", map[string]string{"producerId": producerID}, nil)
}

func (p *Process) ResumeConsumer(ctx context.Context, consumerID string) error {
	return p.Call(ctx, "consumer.resume", map[string]string{"consumerId": consumerID}, nil)
}

func (p *Process) Close(ctx context.Context, id string) error {
	return p.Call(ctx, "close", map[string]string{"id": id}, nil)
}

// ObserveActiveSpeaker registers routerID for unsolicited activeSpeaker events
// and returns a channel of producer-ids, at most one delivery per 200ms per
// the worker's own debouncing.
func (p *Process) ObserveActiveSpeaker(ctx context.Context, routerID string) (<-chan string, error) {
	ch := make(chan string, 1)
	p.speakersMu.Lock()
	p.speakers[routerID] = ch
	p.speakersMu.Unlock()
	err := p.Call(ctx, "router.observeActiveSpeaker", map[string]string{"routerId": routerID}, nil)
	return ch, err
}
