package meet

import (
	"context"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/waveroom/meet/pkg/engine"
)

// RegistryConfig wires the registry to its worker pool and collaborators.
type RegistryConfig struct {
	Workers  []engine.Worker
	Verifier IdentityVerifier

	// RouterCodecs are negotiated on every router the registry creates.
	// Defaults to DefaultRouterCodecs when empty.
	RouterCodecs []engine.CodecCapability

	RoomOptions RoomOptions
	MeetingRoom MeetingRoomConfig
}

// DefaultRouterCodecs returns the codec set rooms negotiate by default:
// stereo opus and VP8.
func DefaultRouterCodecs() []engine.CodecCapability {
	return []engine.CodecCapability{
		{
			Kind: engine.MediaKindAudio,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
		},
		{
			Kind: engine.MediaKindVideo,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
		},
	}
}

type workerSlot struct {
	worker  engine.Worker
	clients int
}

type roomEntry struct {
	room *MeetingRoom
	slot *workerSlot
}

// Registry owns every live room and places new rooms on the least loaded
// worker. Rooms are created lazily on the first connection naming them and
// torn down when their last peer leaves.
type Registry struct {
	ctx context.Context
	cfg RegistryConfig
	log logging.LeveledLogger

	loggerFactory logging.LoggerFactory

	mu    sync.Mutex
	slots []*workerSlot
	rooms map[string]*roomEntry
}

func NewRegistry(ctx context.Context, cfg RegistryConfig, loggerFactory logging.LoggerFactory) *Registry {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	slots := make([]*workerSlot, 0, len(cfg.Workers))
	for _, worker := range cfg.Workers {
		slots = append(slots, &workerSlot{worker: worker})
	}

	return &Registry{
		ctx:           ctx,
		cfg:           cfg,
		log:           loggerFactory.NewLogger("registry"),
		loggerFactory: loggerFactory,
		slots:         slots,
		rooms:         make(map[string]*roomEntry),
	}
}

// RoomCount returns the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.rooms)
}

// leastLoadedSlot picks the worker with the fewest clients; ties resolve to
// pool order. Callers hold g.mu.
func (g *Registry) leastLoadedSlot() *workerSlot {
	var best *workerSlot
	for _, slot := range g.slots {
		if best == nil || slot.clients < best.clients {
			best = slot
		}
	}

	return best
}

// getOrCreateRoom returns the live room with the given id, creating it on the
// least loaded worker when absent. The slot carrying this connection is
// returned alongside so the caller can release exactly the load it added,
// regardless of what happens to the room meanwhile.
func (g *Registry) getOrCreateRoom(id string) (*MeetingRoom, *workerSlot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.rooms[id]; ok {
		entry.slot.clients++
		return entry.room, entry.slot, nil
	}

	slot := g.leastLoadedSlot()
	if slot == nil {
		return nil, nil, ErrNoWorkers
	}

	codecs := g.cfg.RouterCodecs
	if len(codecs) == 0 {
		codecs = DefaultRouterCodecs()
	}

	router, err := slot.worker.NewRouter(codecs)
	if err != nil {
		return nil, nil, err
	}

	room := NewMeetingRoom(g.ctx, id, router, g.cfg.RoomOptions, g.cfg.MeetingRoom, g.loggerFactory)

	g.rooms[id] = &roomEntry{room: room, slot: slot}
	slot.clients++

	g.log.Infof("created room %s on worker with %d clients", id, slot.clients)

	return room, slot, nil
}

// releaseRoom gives back the connection's worker load and tears the room down
// once its last peer is gone. The slot is decremented unconditionally, even
// when the room was already closed and dropped by a concurrent release; the
// registry entry is only removed when it still names this room instance.
func (g *Registry) releaseRoom(id string, room *MeetingRoom, slot *workerSlot) {
	g.mu.Lock()
	slot.clients--

	var empty *MeetingRoom
	if entry, ok := g.rooms[id]; ok && entry.room == room && room.PeerCount() == 0 {
		delete(g.rooms, id)
		empty = room
	}
	g.mu.Unlock()

	if empty == nil {
		return
	}

	g.log.Infof("room %s is empty, closing", id)

	if err := empty.Close(); err != nil {
		g.log.Warnf("failed to close room %s: %v", id, err)
	}
}

// HandleConnection authenticates the credential, binds the connection to its
// room as a waiting peer and serves RPC envelopes until the connection drops.
// It blocks for the lifetime of the connection.
func (g *Registry) HandleConnection(ctx context.Context, conn PeerConn, credential Credential) error {
	info, err := g.cfg.Verifier.Verify(ctx, credential)
	if err != nil {
		_ = conn.Close()
		return err
	}

	room, slot, err := g.getOrCreateRoom(credential.RoomID)
	if err != nil {
		_ = conn.Close()
		return err
	}

	peer, err := room.AddPeer(conn.ID(), conn, *info)
	if err != nil {
		g.releaseRoom(credential.RoomID, room, slot)
		_ = conn.Close()
		return err
	}

	g.serve(room, peer, conn)

	room.HandleLeave(peer.ID())
	g.releaseRoom(credential.RoomID, room, slot)

	return nil
}

func (g *Registry) serve(room *MeetingRoom, peer *Peer, conn PeerConn) {
	for {
		envelope, err := conn.ReadEnvelope()
		if err != nil {
			g.log.Infof("room %s: peer %s disconnected: %v", room.ID(), peer.ID(), err)
			return
		}

		result, errMsg := room.HandleEvent(peer.ID(), envelope.Method, envelope.Raw)

		if err := conn.Reply(envelope.CID, result, errMsg); err != nil {
			g.log.Warnf("room %s: failed to reply to peer %s: %v", room.ID(), peer.ID(), err)
			return
		}
	}
}
