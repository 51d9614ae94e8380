package meet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/waveroom/meet/pkg/engine"
)

// chat messages allowed per peer: a small sustained rate with a short burst.
const (
	chatRatePerSecond = 2
	chatBurst         = 5
)

// Peer is one connected participant. It exclusively owns its id-indexed
// transport/producer/consumer collections; other entities reference them by
// id only.
type Peer struct {
	id   string
	conn PeerConn

	mu              sync.RWMutex
	waiting         bool
	info            PeerInfo
	device          string
	rtpCapabilities engine.RTPCapabilities

	transports map[string]engine.WebRTCTransport
	producers  map[string]engine.Producer
	consumers  map[string]*consumerHandle

	chatLimiter *rate.Limiter
}

// consumerHandle bundles a consumer with its callback cancellations so the
// registrations are removed on teardown.
type consumerHandle struct {
	consumer engine.Consumer
	cancels  []func()
}

func newPeer(id string, conn PeerConn, info PeerInfo) *Peer {
	return &Peer{
		id:          id,
		conn:        conn,
		waiting:     true,
		info:        info,
		transports:  make(map[string]engine.WebRTCTransport),
		producers:   make(map[string]engine.Producer),
		consumers:   make(map[string]*consumerHandle),
		chatLimiter: rate.NewLimiter(rate.Every(time.Second/chatRatePerSecond), chatBurst),
	}
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.info
}

// Waiting reports whether the peer connected but has not joined yet.
func (p *Peer) Waiting() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.waiting
}

// join flips the waiting flag exactly once and records the declared device
// and receive capabilities.
func (p *Peer) join(displayName, device string, rtpCapabilities engine.RTPCapabilities) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.waiting {
		return ErrPeerAlreadyJoined
	}

	p.waiting = false
	p.device = device
	p.rtpCapabilities = rtpCapabilities

	if p.info.DisplayName == "" {
		p.info.DisplayName = displayName
	}

	return nil
}

// DisplayName returns the peer's display name, falling back to a name derived
// from its id.
func (p *Peer) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.info.DisplayName != "" {
		return p.info.DisplayName
	}

	return "peer - " + p.id
}

// RTPCapabilities returns the receive capabilities declared at join time.
func (p *Peer) RTPCapabilities() engine.RTPCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.rtpCapabilities
}

// Descriptor is the peer's presence payload used in notifications and join
// results.
func (p *Peer) Descriptor() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	displayName := p.info.DisplayName
	if displayName == "" {
		displayName = "peer - " + p.id
	}

	return map[string]any{
		"id":          p.id,
		"displayName": displayName,
		"device":      p.device,
		"isGuest":     p.info.IsGuest,
		"isHost":      p.info.IsHost,
		"avatarUrl":   p.info.AvatarURL,
	}
}

func (p *Peer) AddTransport(t engine.WebRTCTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transports[t.ID()] = t
}

func (p *Peer) Transport(id string) (engine.WebRTCTransport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.transports[id]

	return t, ok
}

// ConsumingTransport returns the transport flagged for consuming at creation
// time, if the peer created one already.
func (p *Peer) ConsumingTransport() (engine.WebRTCTransport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, t := range p.transports {
		if t.AppData().Consuming {
			return t, true
		}
	}

	return nil, false
}

func (p *Peer) Transports() []engine.WebRTCTransport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]engine.WebRTCTransport, 0, len(p.transports))
	for _, t := range p.transports {
		out = append(out, t)
	}

	return out
}

func (p *Peer) AddProducer(producer engine.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.producers[producer.ID()] = producer
}

func (p *Peer) Producer(id string) (engine.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	producer, ok := p.producers[id]

	return producer, ok
}

func (p *Peer) RemoveProducer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.producers, id)
}

func (p *Peer) Producers() []engine.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]engine.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		out = append(out, producer)
	}

	return out
}

// ProducerOfKind returns the peer's first producer of the given kind.
func (p *Peer) ProducerOfKind(kind engine.MediaKind) (engine.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, producer := range p.producers {
		if producer.Kind() == kind {
			return producer, true
		}
	}

	return nil, false
}

func (p *Peer) AddConsumer(consumer engine.Consumer, cancels ...func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consumers[consumer.ID()] = &consumerHandle{consumer: consumer, cancels: cancels}
}

// RemoveConsumer drops the consumer from the peer's map and cancels its
// callback registrations. Removing an absent consumer is a no-op.
func (p *Peer) RemoveConsumer(id string) {
	p.mu.Lock()
	handle, ok := p.consumers[id]
	delete(p.consumers, id)
	p.mu.Unlock()

	if !ok {
		return
	}

	for _, cancel := range handle.cancels {
		cancel()
	}
}

func (p *Peer) ConsumerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.consumers)
}

// Notify pushes a notification to the peer's connection.
func (p *Peer) Notify(method string, data any) error {
	return p.conn.Notify(method, data)
}

// AllowChat applies the per-peer chat rate limit.
func (p *Peer) AllowChat() bool {
	return p.chatLimiter.Allow()
}
