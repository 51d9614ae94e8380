// Package meet implements a real-time meeting session server on top of an
// external media routing engine: rooms dispatch a JSON RPC protocol from
// peers and orchestrate transport, producer and consumer lifecycles, with
// optional recording handled by a room extension.
package meet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/waveroom/meet/pkg/engine"
)

const (
	StateRoomOpen   = "open"
	StateRoomClosed = "closed"
)

// Presenter is the non-owning reference to the peer currently holding the
// exclusive screen-share slot.
type Presenter struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
}

// RoomOptions configure transports created by the room.
type RoomOptions struct {
	// InitialAvailableOutgoingBitrate seeds the engine's bandwidth estimation
	// on new transports.
	InitialAvailableOutgoingBitrate uint32 `json:"initial_available_outgoing_bitrate"`
	EnableUDP                       bool   `json:"enable_udp"`
	EnableTCP                       bool   `json:"enable_tcp"`
	EnableSCTP                      bool   `json:"enable_sctp"`
}

func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		InitialAvailableOutgoingBitrate: 1_000_000,
		EnableUDP:                       true,
		EnableTCP:                       true,
		EnableSCTP:                      true,
	}
}

// RoomHooks are the extension points a specialized room implements. The core
// invokes them synchronously; the default implementation does nothing.
type RoomHooks interface {
	// OnProduce runs after a producer was created and fanned out.
	OnProduce(peer *Peer, producer engine.Producer)
	// OnRemovePeer runs after a peer and its resources were removed.
	OnRemovePeer(peer *Peer)
	// OnClose runs when the room shuts down, before the router closes.
	OnClose()
	// JoinInfo is merged into the join RPC result.
	JoinInfo() map[string]any
}

type noopHooks struct{}

func (noopHooks) OnProduce(*Peer, engine.Producer) {}
func (noopHooks) OnRemovePeer(*Peer)               {}
func (noopHooks) OnClose()                         {}
func (noopHooks) JoinInfo() map[string]any         { return nil }

// HandlerFunc is one RPC method implementation. Returned errors are converted
// to error-string results at the dispatch boundary.
type HandlerFunc func(peer *Peer, payload []byte) (any, error)

// Room is a generic peer session: a peer registry, an explicit RPC dispatch
// table and the transport/producer/consumer orchestration on the room's
// router. Rooms are independent units of concurrency.
type Room struct {
	id      string
	context context.Context
	cancel  context.CancelFunc

	mu        sync.RWMutex
	peers     map[string]*Peer
	presenter *Presenter
	state     string

	router   engine.Router
	handlers map[string]HandlerFunc
	hooks    RoomHooks
	opts     RoomOptions
	log      logging.LeveledLogger
}

// NewRoom creates a room on the given router. The RPC method table is built
// here, explicitly; there is no reflective dispatch.
func NewRoom(ctx context.Context, id string, router engine.Router, opts RoomOptions, loggerFactory logging.LoggerFactory) *Room {
	localCtx, cancel := context.WithCancel(ctx)

	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	room := &Room{
		id:      id,
		context: localCtx,
		cancel:  cancel,
		peers:   make(map[string]*Peer),
		state:   StateRoomOpen,
		router:  router,
		hooks:   noopHooks{},
		opts:    opts,
		log:     loggerFactory.NewLogger("room"),
	}

	room.handlers = map[string]HandlerFunc{
		"join":                     room.join,
		"getRouterRtpCapabilities": room.getRouterRtpCapabilities,
		"createWebRtcTransport":    room.createWebRtcTransport,
		"connectWebRtcTransport":   room.connectWebRtcTransport,
		"produce":                  room.produce,
		"restartIce":               room.restartIce,
		"pauseProducer":            room.pauseProducer,
		"resumeProducer":           room.resumeProducer,
		"closeProducer":            room.closeProducer,
		"chat":                     room.chat,
	}

	return room
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Context() context.Context {
	return r.context
}

// SetHooks installs the room extension. Must be called before the room
// serves events.
func (r *Room) SetHooks(hooks RoomHooks) {
	r.hooks = hooks
}

// RegisterHandler adds an RPC method to the dispatch table. Specialized rooms
// use this during construction.
func (r *Room) RegisterHandler(method string, handler HandlerFunc) {
	r.handlers[method] = handler
}

// HandleEvent routes one RPC envelope into the method table. The boundary
// never raises: unknown methods and handler failures (including panics)
// become error strings.
func (r *Room) HandleEvent(peerID, method string, payload []byte) (result any, errMsg string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("room %s: handler %s panicked: %v", r.id, method, rec)
			result, errMsg = nil, fmt.Sprintf("%s handler failed", method)
		}
	}()

	handler, ok := r.handlers[method]
	if !ok {
		return nil, fmt.Sprintf("no handler for method %q", method)
	}

	peer, err := r.Peer(peerID)
	if err != nil {
		return nil, err.Error()
	}

	res, err := handler(peer, payload)
	if err != nil {
		r.log.Warnf("room %s: %s failed for peer %s: %v", r.id, method, peerID, err)
		return nil, err.Error()
	}

	return res, ""
}

// AddPeer registers a connected peer in waiting state. The peer only becomes
// visible to others after its join RPC.
func (r *Room) AddPeer(id string, conn PeerConn, info PeerInfo) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRoomClosed {
		return nil, ErrRoomIsClosed
	}

	if _, ok := r.peers[id]; ok {
		return nil, ErrPeerExists
	}

	peer := newPeer(id, conn, info)
	r.peers[id] = peer

	return peer, nil
}

func (r *Room) Peer(id string) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}

	return peer, nil
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// JoinedPeers returns every non-waiting peer except excludeID.
func (r *Room) JoinedPeers(excludeID string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.ID() == excludeID || peer.Waiting() {
			continue
		}

		peers = append(peers, peer)
	}

	return peers
}

// CurrentPresenter returns the presenter reference, nil when nobody shares.
func (r *Room) CurrentPresenter() *Presenter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.presenter == nil {
		return nil
	}

	presenter := *r.presenter

	return &presenter
}

// claimPresenter reserves the share slot for peerID before its producer
// exists. The reservation is atomic: a second claim fails with ErrShareBusy
// while the first is still pending or live.
func (r *Room) claimPresenter(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.presenter != nil {
		return ErrShareBusy
	}

	r.presenter = &Presenter{PeerID: peerID}

	return nil
}

// finalizePresenter records the producer id on a reservation made by peerID.
func (r *Room) finalizePresenter(peerID, producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.presenter != nil && r.presenter.PeerID == peerID {
		r.presenter.ProducerID = producerID
	}
}

// releasePresenter frees the share slot if peerID holds it. Releasing a slot
// held by someone else is a no-op, so a straggling teardown cannot wipe a
// claim another peer just made.
func (r *Room) releasePresenter(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.presenter != nil && r.presenter.PeerID == peerID {
		r.presenter = nil
	}
}

// Broadcast notifies every joined peer except exceptID. An empty exceptID
// reaches everyone.
func (r *Room) Broadcast(exceptID, method string, data any) {
	for _, peer := range r.JoinedPeers(exceptID) {
		if err := peer.Notify(method, data); err != nil {
			r.log.Warnf("room %s: failed to notify peer %s: %v", r.id, peer.ID(), err)
		}
	}
}

// ---- RPC handlers ----

type joinRequest struct {
	DisplayName     string                 `json:"displayName"`
	Device          string                 `json:"device"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

func (r *Room) join(peer *Peer, payload []byte) (any, error) {
	var req joinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed join request: %w", err)
	}

	if err := peer.join(req.DisplayName, req.Device, req.RTPCapabilities); err != nil {
		return nil, err
	}

	r.handleNewPeer(peer)

	peerInfos := make([]map[string]any, 0)
	for _, other := range r.JoinedPeers(peer.ID()) {
		peerInfos = append(peerInfos, other.Descriptor())
	}

	result := map[string]any{
		"peers":     peerInfos,
		"isHost":    peer.Info().IsHost,
		"presenter": r.CurrentPresenter(),
	}

	for k, v := range r.hooks.JoinInfo() {
		result[k] = v
	}

	return result, nil
}

// handleNewPeer broadcasts the newcomer's presence and fans every existing
// producer out to it, so it starts consuming the room immediately.
func (r *Room) handleNewPeer(peer *Peer) {
	r.Broadcast(peer.ID(), "newPeer", peer.Descriptor())

	for _, other := range r.JoinedPeers(peer.ID()) {
		for _, producer := range other.Producers() {
			r.createConsumer(peer, other, producer)
		}
	}
}

func (r *Room) getRouterRtpCapabilities(_ *Peer, _ []byte) (any, error) {
	return r.router.RTPCapabilities(), nil
}

type createTransportRequest struct {
	Consuming bool `json:"consuming"`
	Producing bool `json:"producing"`
}

func (r *Room) createWebRtcTransport(peer *Peer, payload []byte) (any, error) {
	var req createTransportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed createWebRtcTransport request: %w", err)
	}

	transport, err := r.router.NewWebRTCTransport(engine.WebRTCTransportOptions{
		EnableUDP:                       r.opts.EnableUDP,
		EnableTCP:                       r.opts.EnableTCP,
		EnableSCTP:                      r.opts.EnableSCTP,
		InitialAvailableOutgoingBitrate: r.opts.InitialAvailableOutgoingBitrate,
		AppData: engine.TransportAppData{
			PeerID:    peer.ID(),
			Consuming: req.Consuming,
			Producing: req.Producing,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	peer.AddTransport(transport)

	return map[string]any{
		"id":               transport.ID(),
		"iceParameters":    transport.ICEParameters(),
		"iceCandidates":    transport.ICECandidates(),
		"dtlsParameters":   transport.DTLSParameters(),
		"sctpCapabilities": transport.SCTPCapabilities(),
	}, nil
}

type connectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

func (r *Room) connectWebRtcTransport(peer *Peer, payload []byte) (any, error) {
	var req connectTransportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed connectWebRtcTransport request: %w", err)
	}

	transport, ok := peer.Transport(req.TransportID)
	if !ok {
		return nil, ErrTransportNotFound
	}

	// A peer may retry connecting the same transport; only connect fresh ones.
	switch transport.DTLSState() {
	case webrtc.DTLSTransportStateConnected, webrtc.DTLSTransportStateConnecting:
		r.log.Infof("room %s: transport %s already connecting", r.id, req.TransportID)
	default:
		if err := transport.Connect(req.DTLSParameters); err != nil {
			return nil, fmt.Errorf("failed to connect transport: %w", err)
		}
	}

	return map[string]any{"ok": true}, nil
}

type produceRequest struct {
	TransportID   string               `json:"transportId"`
	Kind          engine.MediaKind     `json:"kind"`
	RTPParameters webrtc.RTPParameters `json:"rtpParameters"`
	AppData       struct {
		Share bool `json:"share"`
	} `json:"appData"`
}

// produce creates an engine producer on the named transport and fans it out
// to every other joined peer. A share request atomically claims the presenter
// slot first, so concurrent shares fail before any producer is created; the
// claim is rolled back when producing fails.
func (r *Room) produce(peer *Peer, payload []byte) (any, error) {
	var req produceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed produce request: %w", err)
	}

	if req.AppData.Share {
		if err := r.claimPresenter(peer.ID()); err != nil {
			return nil, err
		}
	}

	transport, ok := peer.Transport(req.TransportID)
	if !ok {
		if req.AppData.Share {
			r.releasePresenter(peer.ID())
		}

		return nil, ErrTransportNotFound
	}

	producer, err := transport.Produce(engine.ProduceOptions{
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
		AppData: engine.ProducerAppData{
			PeerID:      peer.ID(),
			Kind:        req.Kind,
			DisplayName: peer.DisplayName(),
			Share:       req.AppData.Share,
		},
	})
	if err != nil {
		if req.AppData.Share {
			r.releasePresenter(peer.ID())
		}

		return nil, fmt.Errorf("failed to produce: %w", err)
	}

	peer.AddProducer(producer)

	if req.AppData.Share {
		r.finalizePresenter(peer.ID(), producer.ID())
	}

	for _, other := range r.JoinedPeers(peer.ID()) {
		r.createConsumer(other, peer, producer)
	}

	r.hooks.OnProduce(peer, producer)

	return map[string]any{"id": producer.ID()}, nil
}

// createConsumer forwards a producer to consumerPeer. When the peer has no
// consuming transport yet this logs and skips; the peer re-requests once its
// transport is ready. The consumer starts paused, the peer is notified of the
// descriptor, then it is resumed.
func (r *Room) createConsumer(consumerPeer, producerPeer *Peer, producer engine.Producer) {
	transport, ok := consumerPeer.ConsumingTransport()
	if !ok {
		r.log.Warnf("room %s: no consuming transport on peer %s yet", r.id, consumerPeer.ID())
		return
	}

	consumer, err := transport.Consume(engine.ConsumeOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: consumerPeer.RTPCapabilities(),
		EnableRTX:       true,
		Paused:          true,
	})
	if err != nil {
		r.log.Warnf("room %s: failed to consume producer %s for peer %s: %v",
			r.id, producer.ID(), consumerPeer.ID(), err)
		return
	}

	if err := consumerPeer.Notify("newConsumer", map[string]any{
		"peerId":         producerPeer.ID(),
		"producerId":     producer.ID(),
		"id":             consumer.ID(),
		"kind":           consumer.Kind(),
		"rtpParameters":  consumer.RTPParameters(),
		"type":           consumer.Type(),
		"appData":        producer.AppData(),
		"producerPaused": consumer.ProducerPaused(),
	}); err != nil {
		r.log.Warnf("room %s: failed to announce consumer to peer %s: %v", r.id, consumerPeer.ID(), err)
	}

	consumerID := consumer.ID()

	cancelTransportClose := consumer.OnClose(func() {
		consumerPeer.RemoveConsumer(consumerID)
	})

	cancelProducerClose := consumer.OnProducerClose(func() {
		consumerPeer.RemoveConsumer(consumerID)

		_ = consumerPeer.Notify("consumerClosed", map[string]any{
			"consumerId": consumerID,
			"appData":    producer.AppData(),
		})
	})

	cancelPause := consumer.OnProducerPause(func() {
		_ = consumerPeer.Notify("consumerPaused", map[string]any{"consumerId": consumerID})
	})

	cancelResume := consumer.OnProducerResume(func() {
		_ = consumerPeer.Notify("consumerResumed", map[string]any{"consumerId": consumerID})
	})

	consumerPeer.AddConsumer(consumer, cancelTransportClose, cancelProducerClose, cancelPause, cancelResume)

	if err := consumer.Resume(); err != nil {
		r.log.Warnf("room %s: failed to resume consumer %s: %v", r.id, consumerID, err)
	}
}

type restartICERequest struct {
	TransportID string `json:"transportId"`
}

func (r *Room) restartIce(peer *Peer, payload []byte) (any, error) {
	var req restartICERequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed restartIce request: %w", err)
	}

	transport, ok := peer.Transport(req.TransportID)
	if !ok {
		return nil, ErrTransportNotFound
	}

	iceParameters, err := transport.RestartICE()
	if err != nil {
		return nil, fmt.Errorf("failed to restart ICE: %w", err)
	}

	return iceParameters, nil
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

func (r *Room) pauseProducer(peer *Peer, payload []byte) (any, error) {
	producer, err := r.peerProducer(peer, payload)
	if err != nil {
		return nil, err
	}

	if err := producer.Pause(); err != nil {
		return nil, err
	}

	return map[string]any{"done": true}, nil
}

func (r *Room) resumeProducer(peer *Peer, payload []byte) (any, error) {
	producer, err := r.peerProducer(peer, payload)
	if err != nil {
		return nil, err
	}

	if err := producer.Resume(); err != nil {
		return nil, err
	}

	return map[string]any{"done": true}, nil
}

func (r *Room) closeProducer(peer *Peer, payload []byte) (any, error) {
	producer, err := r.peerProducer(peer, payload)
	if err != nil {
		return nil, err
	}

	if producer.AppData().Share {
		r.releasePresenter(peer.ID())
	}

	if err := producer.Close(); err != nil {
		return nil, err
	}

	peer.RemoveProducer(producer.ID())

	return map[string]any{"done": true}, nil
}

func (r *Room) peerProducer(peer *Peer, payload []byte) (engine.Producer, error) {
	var req producerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed producer request: %w", err)
	}

	producer, ok := peer.Producer(req.ProducerID)
	if !ok {
		return nil, ErrProducerNotFound
	}

	return producer, nil
}

type chatRequest struct {
	Content string `json:"content"`
}

func (r *Room) chat(peer *Peer, payload []byte) (any, error) {
	var req chatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed chat request: %w", err)
	}

	if peer.Waiting() {
		return nil, ErrUnauthorized
	}

	if !peer.AllowChat() {
		return nil, fmt.Errorf("chat rate limit exceeded")
	}

	r.Broadcast(peer.ID(), "chat", map[string]any{
		"peerId":  peer.ID(),
		"content": req.Content,
		"sentAt":  time.Now().UTC(),
	})

	return map[string]any{"done": true}, nil
}

// ---- lifecycle ----

// RemovePeer closes all of the peer's producers and transports and removes it
// from the registry, clearing the presenter reference when one of its
// producers held the share. Removing an absent peer is a no-op.
func (r *Room) RemovePeer(peerID string) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	delete(r.peers, peerID)
	r.mu.Unlock()

	if !ok {
		return
	}

	for _, producer := range peer.Producers() {
		if producer.AppData().Share {
			r.releasePresenter(peer.ID())
		}

		if err := producer.Close(); err != nil {
			r.log.Warnf("room %s: failed to close producer %s: %v", r.id, producer.ID(), err)
		}

		peer.RemoveProducer(producer.ID())
	}

	for _, transport := range peer.Transports() {
		if err := transport.Close(); err != nil {
			r.log.Warnf("room %s: failed to close transport %s: %v", r.id, transport.ID(), err)
		}
	}

	r.hooks.OnRemovePeer(peer)
}

// HandleLeave removes a disconnected peer and announces the departure.
func (r *Room) HandleLeave(peerID string) {
	r.RemovePeer(peerID)
	r.Broadcast("", "peerClosed", map[string]any{"peerId": peerID})
}

// Close shuts the room down: extension hooks first, then the router. Closing
// a closed room returns ErrRoomIsClosed.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.state == StateRoomClosed {
		r.mu.Unlock()
		return ErrRoomIsClosed
	}

	r.state = StateRoomClosed
	r.mu.Unlock()

	r.hooks.OnClose()

	if err := r.router.Close(); err != nil {
		r.log.Warnf("room %s: failed to close router: %v", r.id, err)
	}

	r.cancel()

	return nil
}
