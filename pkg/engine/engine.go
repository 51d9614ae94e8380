// Package engine defines the capability surface of the underlying media
// routing engine: workers, routers, transports, producers and consumers.
// The engine itself (ICE/DTLS/SRTP/RTP mechanics) is an external dependency;
// the session server only orchestrates the handles declared here.
package engine

import (
	"github.com/pion/webrtc/v4"
)

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// CodecCapability is one negotiated codec of a router, tagged with its kind.
type CodecCapability struct {
	Kind MediaKind `json:"kind"`
	webrtc.RTPCodecCapability
}

// RTPCapabilities is the set of codecs a router or a receiving peer supports.
type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// CodecForKind returns the first codec matching kind, or false when none is
// negotiated for that kind.
func (c RTPCapabilities) CodecForKind(kind MediaKind) (CodecCapability, bool) {
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return codec, true
		}
	}

	return CodecCapability{}, false
}

// TransportAppData is attached to a WebRTC transport at creation time. The
// consuming/producing roles are fixed here and never change afterwards.
type TransportAppData struct {
	PeerID    string `json:"peerId"`
	Consuming bool   `json:"consuming"`
	Producing bool   `json:"producing"`
}

// ProducerAppData travels with a producer and is forwarded to consumers.
type ProducerAppData struct {
	PeerID      string    `json:"peerId"`
	Kind        MediaKind `json:"kind"`
	DisplayName string    `json:"displayName"`
	Share       bool      `json:"share,omitempty"`
}

// Worker is one engine worker process. Rooms are placed on workers by the
// session registry; the engine's own worker internals are opaque.
type Worker interface {
	// NewRouter creates a router negotiating the given codecs.
	NewRouter(codecs []CodecCapability) (Router, error)
}

// WebRTCTransportOptions mirror the engine's transport creation parameters.
type WebRTCTransportOptions struct {
	EnableUDP                       bool
	EnableTCP                       bool
	EnableSCTP                      bool
	InitialAvailableOutgoingBitrate uint32
	AppData                         TransportAppData
}

// PlainTransportOptions create a non-ICE transport used to bridge media to an
// external process over plain RTP.
type PlainTransportOptions struct {
	ListenIP string
	RTCPMux  bool
}

// Router fans producers out to consumers inside one room.
type Router interface {
	RTPCapabilities() RTPCapabilities
	NewWebRTCTransport(opts WebRTCTransportOptions) (WebRTCTransport, error)
	NewPlainTransport(opts PlainTransportOptions) (PlainTransport, error)
	Close() error
}

// ConsumeOptions restrict a new consumer to the given receive capabilities.
type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
	EnableRTX       bool
}

// Transport is the shared surface of WebRTC and plain transports.
type Transport interface {
	ID() string
	Consume(opts ConsumeOptions) (Consumer, error)
	Close() error
}

// WebRTCTransport is an ICE/DTLS transport owned by a peer.
type WebRTCTransport interface {
	Transport

	AppData() TransportAppData
	ICEParameters() webrtc.ICEParameters
	ICECandidates() []webrtc.ICECandidate
	DTLSParameters() webrtc.DTLSParameters
	SCTPCapabilities() webrtc.SCTPCapabilities
	DTLSState() webrtc.DTLSTransportState
	Connect(dtlsParameters webrtc.DTLSParameters) error
	RestartICE() (webrtc.ICEParameters, error)
	Produce(opts ProduceOptions) (Producer, error)
}

// PlainTransport is a non-ICE transport bound to a fixed address pair, used
// for recording bridges.
type PlainTransport interface {
	Transport

	// Connect points the transport at the remote RTP/RTCP ports.
	Connect(ip string, rtpPort, rtcpPort int) error
}

// ProduceOptions carry the parameters of a client-published stream.
type ProduceOptions struct {
	Kind          MediaKind
	RTPParameters webrtc.RTPParameters
	AppData       ProducerAppData
}

// Producer is an inbound media stream published into the router.
//
// Callback registrations return a cancel func; callers must cancel on
// teardown so closed handles are never invoked.
type Producer interface {
	ID() string
	Kind() MediaKind
	AppData() ProducerAppData
	Paused() bool
	Pause() error
	Resume() error
	Close() error
	OnClose(fn func()) (cancel func())
}

// Consumer is an outbound forwarded copy of a producer.
type Consumer interface {
	ID() string
	Kind() MediaKind
	ProducerID() string
	Type() string
	RTPParameters() webrtc.RTPParameters
	ProducerPaused() bool
	Pause() error
	Resume() error
	Close() error
	RequestKeyFrame() error
	OnClose(fn func()) (cancel func())
	OnProducerClose(fn func()) (cancel func())
	OnProducerPause(fn func()) (cancel func())
	OnProducerResume(fn func()) (cancel func())
}
