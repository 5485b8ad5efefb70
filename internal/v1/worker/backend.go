// Package worker manages the pool of media-forwarding subprocess workers and
// the request/response protocol used to drive each one.
package worker

import (
	"context"
	"encoding/json"
)

// Backend is the capability surface exposed by a single media-forwarding
// subprocess, per the process boundary described for the worker pool: create
// a router, create a transport on it, connect DTLS, create a producer/consumer,
// pause/resume either side, close any of the above, and observe the active
// speaker on a router. The wire encoding between this process and the
// subprocess is this package's own concern; only this surface matters to callers.
type Backend interface {
	CreateRouter(ctx context.Context) (RouterInfo, error)
	CreateTransport(ctx context.Context, routerID, role string) (TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	CreateProducer(ctx context.Context, transportID, kind string) (ProducerInfo, error)
	CreateConsumer(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (ConsumerInfo, error)
	PauseProducer(ctx context.Context, producerID string) error
	ResumeProducer(ctx context.Context, producerID string) error
	ResumeConsumer(ctx context.Context, consumerID string) error
	Close(ctx context.Context, id string) error
	ObserveActiveSpeaker(ctx context.Context, routerID string) (<-chan string, error)
	PID() int
	Alive() bool
}

// RouterInfo is returned from router.create: the router id and its opaque
// RTP capabilities blob, passed through verbatim to the room:join ack.
type RouterInfo struct {
	ID              string          `json:"routerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// TransportInfo is returned from transport:create.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ProducerInfo is returned from audio:produce.
type ProducerInfo struct {
	ID string `json:"id"`
}

// ConsumerInfo is returned from audio:consume.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}
