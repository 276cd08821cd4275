// Package engine wraps the external media engine behind a set of narrow
// interfaces and keeps the authoritative resource tables (transports,
// producers, consumers) the control plane relies on. The engine itself
// (ICE, DTLS, RTP forwarding) is an external collaborator; this package
// owns worker pooling, per-room routers, resource registration, and the
// normalized lifecycle events the rest of the system consumes.
package engine

import (
	"context"
	"encoding/json"

	"github.com/meetmesh/signaling/internal/v1/config"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// RtpCodecCapability describes one codec a room router is created with.
type RtpCodecCapability struct {
	Kind       types.MediaKind `json:"kind"`
	MimeType   string          `json:"mimeType"`
	ClockRate  int             `json:"clockRate"`
	Channels   int             `json:"channels,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
}

// DefaultCodecs is the codec list every room router is created with.
func DefaultCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:      types.MediaKindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      types.MediaKindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
		},
		{
			Kind:      types.MediaKindVideo,
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

// WebRtcTransportOptions parameterize transport creation on a router.
type WebRtcTransportOptions struct {
	ListenIPs []config.ListenIP
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
}

// Worker is one media engine worker process. Worker death is unrecoverable:
// the registered died callback fires at most once.
type Worker interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	OnDied(fn func(err error))
	Close()
}

// Router is a per-room RTP routing domain on a worker.
type Router interface {
	ID() string
	RtpCapabilities() json.RawMessage
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	Close()
}

// Transport is a client<->server media conduit. The close callback fires
// once, for both direct closure and router closure.
type Transport interface {
	ID() string
	ICEParameters() json.RawMessage
	ICECandidates() json.RawMessage
	DTLSParameters() json.RawMessage
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind types.MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	OnClose(fn func(reason string))
	Close()
}

// Producer is a server-side sink for one inbound track.
type Producer interface {
	ID() string
	Kind() types.MediaKind
	RtpParameters() json.RawMessage
	OnClose(fn func(reason string))
	Close()
}

// Consumer is a server-side source for one outbound track, bound to exactly
// one producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() types.MediaKind
	RtpParameters() json.RawMessage
	Resume(ctx context.Context) error
	OnClose(fn func(reason string))
	Close()
}

// WorkerFactory spawns one engine worker.
type WorkerFactory func(ctx context.Context) (Worker, error)
