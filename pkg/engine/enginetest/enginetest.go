// Package enginetest provides in-memory fakes of the engine interfaces for
// tests. The fakes track lifecycle state and fire the same callbacks a real
// engine would, without any network or media machinery.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/waveroom/meet/pkg/engine"
)

var ErrClosed = errors.New("enginetest: handle closed")

var idCounter atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// callbacks is a cancelable listener set.
type callbacks struct {
	mu   sync.Mutex
	fns  map[int]func()
	next int
}

func (c *callbacks) add(fn func()) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fns == nil {
		c.fns = make(map[int]func())
	}

	id := c.next
	c.next++
	c.fns[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.fns, id)
	}
}

func (c *callbacks) fire() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Worker is a fake engine worker.
type Worker struct {
	mu      sync.Mutex
	routers []*Router

	// RouterErr, when set, fails every NewRouter call.
	RouterErr error
}

func NewWorker() *Worker {
	return &Worker{}
}

func (w *Worker) NewRouter(codecs []engine.CodecCapability) (engine.Router, error) {
	if w.RouterErr != nil {
		return nil, w.RouterErr
	}

	router := &Router{codecs: codecs, producers: make(map[string]*Producer)}

	w.mu.Lock()
	w.routers = append(w.routers, router)
	w.mu.Unlock()

	return router, nil
}

func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]*Router(nil), w.routers...)
}

// Router is a fake router. Producers register here so consumers can observe
// their lifecycle.
type Router struct {
	mu        sync.Mutex
	codecs    []engine.CodecCapability
	producers map[string]*Producer
	closed    bool

	plainTransports  []*PlainTransport
	webRTCTransports []*WebRTCTransport
}

func (r *Router) RTPCapabilities() engine.RTPCapabilities {
	return engine.RTPCapabilities{Codecs: r.codecs}
}

func (r *Router) NewWebRTCTransport(opts engine.WebRTCTransportOptions) (engine.WebRTCTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	transport := &WebRTCTransport{id: nextID("wt"), router: r, appData: opts.AppData}
	r.webRTCTransports = append(r.webRTCTransports, transport)

	return transport, nil
}

func (r *Router) NewPlainTransport(opts engine.PlainTransportOptions) (engine.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	transport := &PlainTransport{id: nextID("pt"), router: r, listenIP: opts.ListenIP}
	r.plainTransports = append(r.plainTransports, transport)

	return transport, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	return nil
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func (r *Router) PlainTransports() []*PlainTransport {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*PlainTransport(nil), r.plainTransports...)
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.producers[p.id] = p
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[id]

	return p, ok
}

func (r *Router) consume(opts engine.ConsumeOptions) (engine.Consumer, error) {
	producer, ok := r.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("enginetest: unknown producer %s", opts.ProducerID)
	}

	consumer := &Consumer{
		id:       nextID("c"),
		producer: producer,
		paused:   opts.Paused,
	}

	producer.mu.Lock()
	producer.consumers = append(producer.consumers, consumer)
	producer.mu.Unlock()

	return consumer, nil
}

// WebRTCTransport is a fake ICE/DTLS transport.
type WebRTCTransport struct {
	mu        sync.Mutex
	id        string
	router    *Router
	appData   engine.TransportAppData
	dtlsState webrtc.DTLSTransportState
	closed    bool
}

func (t *WebRTCTransport) ID() string { return t.id }

func (t *WebRTCTransport) AppData() engine.TransportAppData { return t.appData }

func (t *WebRTCTransport) ICEParameters() webrtc.ICEParameters { return webrtc.ICEParameters{} }

func (t *WebRTCTransport) ICECandidates() []webrtc.ICECandidate { return nil }

func (t *WebRTCTransport) DTLSParameters() webrtc.DTLSParameters { return webrtc.DTLSParameters{} }

func (t *WebRTCTransport) SCTPCapabilities() webrtc.SCTPCapabilities {
	return webrtc.SCTPCapabilities{}
}

func (t *WebRTCTransport) DTLSState() webrtc.DTLSTransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dtlsState
}

func (t *WebRTCTransport) Connect(webrtc.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	t.dtlsState = webrtc.DTLSTransportStateConnected

	return nil
}

func (t *WebRTCTransport) RestartICE() (webrtc.ICEParameters, error) {
	return webrtc.ICEParameters{}, nil
}

func (t *WebRTCTransport) Produce(opts engine.ProduceOptions) (engine.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	producer := &Producer{
		id:      nextID("p"),
		kind:    opts.Kind,
		appData: opts.AppData,
	}

	t.router.registerProducer(producer)

	return producer, nil
}

func (t *WebRTCTransport) Consume(opts engine.ConsumeOptions) (engine.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	return t.router.consume(opts)
}

func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true

	return nil
}

func (t *WebRTCTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

// PlainTransport is a fake RTP bridge transport.
type PlainTransport struct {
	mu       sync.Mutex
	id       string
	router   *Router
	listenIP string
	closed   bool

	RemoteIP  string
	RTPPort   int
	RTCPPort  int
	connected bool
}

func (t *PlainTransport) ID() string { return t.id }

func (t *PlainTransport) Connect(ip string, rtpPort, rtcpPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	t.RemoteIP = ip
	t.RTPPort = rtpPort
	t.RTCPPort = rtcpPort
	t.connected = true

	return nil
}

func (t *PlainTransport) Consume(opts engine.ConsumeOptions) (engine.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	return t.router.consume(opts)
}

func (t *PlainTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true

	return nil
}

func (t *PlainTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

// Producer is a fake inbound stream. Closing or pausing it fires the matching
// callbacks on every consumer created from it.
type Producer struct {
	mu        sync.Mutex
	id        string
	kind      engine.MediaKind
	appData   engine.ProducerAppData
	paused    bool
	closed    bool
	consumers []*Consumer
	onClose   callbacks
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() engine.MediaKind { return p.kind }

func (p *Producer) AppData() engine.ProducerAppData { return p.appData }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.paused
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	p.paused = true
	consumers := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.setProducerPaused(true)
		c.onProducerPause.fire()
	}

	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	p.paused = false
	consumers := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.setProducerPaused(false)
		c.onProducerResume.fire()
	}

	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := append([]*Consumer(nil), p.consumers...)
	p.mu.Unlock()

	p.onClose.fire()

	for _, c := range consumers {
		c.onProducerClose.fire()
	}

	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func (p *Producer) OnClose(fn func()) (cancel func()) {
	return p.onClose.add(fn)
}

// Consumer is a fake outbound stream handle.
type Consumer struct {
	mu             sync.Mutex
	id             string
	producer       *Producer
	paused         bool
	producerPaused bool
	closed         bool

	keyFrameRequests int

	onClose          callbacks
	onProducerClose  callbacks
	onProducerPause  callbacks
	onProducerResume callbacks
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Kind() engine.MediaKind { return c.producer.kind }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) Type() string { return "simple" }

func (c *Consumer) RTPParameters() webrtc.RTPParameters { return webrtc.RTPParameters{} }

func (c *Consumer) ProducerPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.producerPaused
}

func (c *Consumer) setProducerPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.producerPaused = paused
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused = true

	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paused = false

	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.onClose.fire()

	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Consumer) RequestKeyFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keyFrameRequests++

	return nil
}

func (c *Consumer) KeyFrameRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.keyFrameRequests
}

func (c *Consumer) OnClose(fn func()) (cancel func()) {
	return c.onClose.add(fn)
}

func (c *Consumer) OnProducerClose(fn func()) (cancel func()) {
	return c.onProducerClose.add(fn)
}

func (c *Consumer) OnProducerPause(fn func()) (cancel func()) {
	return c.onProducerPause.add(fn)
}

func (c *Consumer) OnProducerResume(fn func()) (cancel func()) {
	return c.onProducerResume.add(fn)
}
