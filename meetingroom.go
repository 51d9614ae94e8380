package meet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/waveroom/meet/pkg/engine"
	"github.com/waveroom/meet/pkg/recording"
)

// MeetingRoomConfig carries the recording and post-processing collaborators
// of a meeting room. Rooms in the same registry share the allocator and the
// process factory.
type MeetingRoomConfig struct {
	Allocator *recording.PortAllocator
	Processes recording.ProcessFactory

	// TargetIP and ListenIP are passed through to recording sessions.
	TargetIP string
	ListenIP string
	// KeyframeDelay is how long a bridged consumer stays paused after the
	// transcoder starts.
	KeyframeDelay time.Duration
	// OutputDir is the root directory capture files and scripts land in.
	OutputDir string
	// ComposeGraceDelay is how long a stopped recording waits before
	// composition starts, leaving time for trailing capture data to flush.
	ComposeGraceDelay time.Duration
	// APIDomain is the public base URL record links are built from.
	APIDomain string

	Composer ComposeInvoker
	Mailer   Mailer
	Rooms    RoomLookup
	Users    UserLookup
}

// MeetingRoom extends Room with host controls and per-room recording. At most
// one recording session exists at a time; the peer that requested it is the
// recorder and its departure stops the recording.
type MeetingRoom struct {
	*Room

	cfg MeetingRoomConfig
	log logging.LeveledLogger

	mu      sync.Mutex
	session *recording.Session

	composeMu     sync.Mutex
	composeCancel context.CancelFunc
}

// NewMeetingRoom wraps a new Room with recording and host-control handlers.
func NewMeetingRoom(ctx context.Context, id string, router engine.Router, opts RoomOptions, cfg MeetingRoomConfig, loggerFactory logging.LoggerFactory) *MeetingRoom {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	room := &MeetingRoom{
		Room: NewRoom(ctx, id, router, opts, loggerFactory),
		cfg:  cfg,
		log:  loggerFactory.NewLogger("meetingroom"),
	}

	room.SetHooks(room)

	room.RegisterHandler("requestRecord", room.requestRecord)
	room.RegisterHandler("stopRecord", room.stopRecord)
	room.RegisterHandler("mutePeer", room.mutePeer)
	room.RegisterHandler("removePeerByHost", room.removePeerByHost)

	return room
}

// Recording reports whether a recording session is active.
func (m *MeetingRoom) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session != nil
}

// ---- RPC handlers ----

// requestRecord starts a recording session owned by the requesting peer. The
// session is seeded with the requester's camera and microphone producers and,
// when somebody is sharing, the presenter's screen producer.
func (m *MeetingRoom) requestRecord(peer *Peer, _ []byte) (any, error) {
	if peer.Info().IsGuest {
		return nil, ErrUnauthorized
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrRecordingActive
	}

	session := recording.NewSession(m.Context(), recording.Config{
		RoomID: m.ID(),
		PeerID: peer.ID(),
		Recorder: recording.RecorderInfo{
			Name:   peer.DisplayName(),
			UserID: peer.Info().UserID,
		},
		Router:        m.router,
		Allocator:     m.cfg.Allocator,
		Processes:     m.cfg.Processes,
		TargetIP:      m.cfg.TargetIP,
		ListenIP:      m.cfg.ListenIP,
		KeyframeDelay: m.cfg.KeyframeDelay,
		OutputDir:     m.cfg.OutputDir,
		Log:           m.log,
	})
	m.session = session
	m.mu.Unlock()

	if producer, ok := peer.ProducerOfKind(engine.MediaKindVideo); ok {
		if err := session.Bridge(producer, recording.StreamVideo); err != nil {
			m.log.Warnf("room %s: failed to bridge recorder video: %v", m.ID(), err)
		}
	}

	if producer, ok := peer.ProducerOfKind(engine.MediaKindAudio); ok {
		if err := session.Bridge(producer, recording.StreamAudio); err != nil {
			m.log.Warnf("room %s: failed to bridge recorder audio: %v", m.ID(), err)
		}
	}

	if presenter := m.CurrentPresenter(); presenter != nil {
		if producer, ok := m.presenterProducer(presenter); ok {
			if err := session.Bridge(producer, recording.StreamScreen); err != nil {
				m.log.Warnf("room %s: failed to bridge presenter screen: %v", m.ID(), err)
			}
		}
	}

	m.Broadcast(peer.ID(), "startRecord", map[string]any{"peerId": peer.ID()})

	return map[string]any{"recording": true}, nil
}

func (m *MeetingRoom) presenterProducer(presenter *Presenter) (engine.Producer, bool) {
	sharer, err := m.Peer(presenter.PeerID)
	if err != nil {
		return nil, false
	}

	return sharer.Producer(presenter.ProducerID)
}

func (m *MeetingRoom) stopRecord(peer *Peer, _ []byte) (any, error) {
	if peer.Info().IsGuest {
		return nil, ErrUnauthorized
	}

	if err := m.stopRecording(); err != nil {
		return nil, err
	}

	m.Broadcast(peer.ID(), "stopRecording", map[string]any{"peerId": peer.ID()})

	return map[string]any{"recording": false}, nil
}

type targetPeerRequest struct {
	PeerID string `json:"peerId"`
}

// mutePeer pauses every audio producer of the target peer. Host only; the
// target is notified so its UI can reflect the forced mute.
func (m *MeetingRoom) mutePeer(peer *Peer, payload []byte) (any, error) {
	if !peer.Info().IsHost {
		return nil, ErrUnauthorized
	}

	var req targetPeerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed mutePeer request: %w", err)
	}

	target, err := m.Peer(req.PeerID)
	if err != nil {
		return nil, err
	}

	for _, producer := range target.Producers() {
		if producer.Kind() != engine.MediaKindAudio {
			continue
		}

		if err := producer.Pause(); err != nil {
			m.log.Warnf("room %s: failed to pause producer %s: %v", m.ID(), producer.ID(), err)
		}
	}

	if err := target.Notify("muted", map[string]any{"peerId": peer.ID()}); err != nil {
		m.log.Warnf("room %s: failed to notify muted peer %s: %v", m.ID(), target.ID(), err)
	}

	return map[string]any{"done": true}, nil
}

// removePeerByHost kicks a peer out of the meeting. Host only.
func (m *MeetingRoom) removePeerByHost(peer *Peer, payload []byte) (any, error) {
	if !peer.Info().IsHost {
		return nil, ErrUnauthorized
	}

	var req targetPeerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed removePeerByHost request: %w", err)
	}

	target, err := m.Peer(req.PeerID)
	if err != nil {
		return nil, err
	}

	if err := target.Notify("kicked", map[string]any{"peerId": peer.ID()}); err != nil {
		m.log.Warnf("room %s: failed to notify kicked peer %s: %v", m.ID(), target.ID(), err)
	}

	m.RemovePeer(target.ID())
	m.Broadcast("", "removedPeer", map[string]any{"peerId": target.ID()})

	return map[string]any{"done": true}, nil
}

// ---- Room hooks ----

// OnProduce keeps an active recording tracking the room: a new screen share
// replaces the bridged screen capture, and a new camera producer from the
// recorder replaces the bridged video capture.
func (m *MeetingRoom) OnProduce(peer *Peer, producer engine.Producer) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return
	}

	switch {
	case producer.AppData().Share:
		if err := session.Bridge(producer, recording.StreamScreen); err != nil {
			m.log.Warnf("room %s: failed to bridge new screen share: %v", m.ID(), err)
		}
	case peer.ID() == session.PeerID() && producer.Kind() == engine.MediaKindVideo:
		if err := session.Bridge(producer, recording.StreamVideo); err != nil {
			m.log.Warnf("room %s: failed to bridge recorder video: %v", m.ID(), err)
		}
	}
}

// OnRemovePeer stops the recording when the recorder leaves.
func (m *MeetingRoom) OnRemovePeer(peer *Peer) {
	m.mu.Lock()
	recorderLeft := m.session != nil && m.session.PeerID() == peer.ID()
	m.mu.Unlock()

	if !recorderLeft {
		return
	}

	if err := m.stopRecording(); err != nil {
		m.log.Warnf("room %s: failed to stop recording after recorder left: %v", m.ID(), err)
		return
	}

	m.Broadcast("", "stopRecording", map[string]any{"peerId": peer.ID()})
}

// OnClose stops any active recording and cancels a pending composition.
func (m *MeetingRoom) OnClose() {
	if err := m.stopRecording(); err != nil && err != ErrNoRecording {
		m.log.Warnf("room %s: failed to stop recording on close: %v", m.ID(), err)
	}
}

func (m *MeetingRoom) JoinInfo() map[string]any {
	return map[string]any{"isRecording": m.Recording()}
}

// ---- recording teardown ----

// stopRecording tears the session down and kicks off post-processing in the
// background. Callers broadcast the stop notification themselves.
func (m *MeetingRoom) stopRecording() error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()

	if session == nil {
		return ErrNoRecording
	}

	scriptPath, err := session.Stop()
	if err != nil {
		return err
	}

	// Post-processing outlives the room, so it runs on a fresh context tied
	// to the room id for logging only.
	ctx, cancel := context.WithCancel(context.Background())

	m.composeMu.Lock()
	if m.composeCancel != nil {
		m.composeCancel()
	}
	m.composeCancel = cancel
	m.composeMu.Unlock()

	go m.postProcess(ctx, scriptPath, session.Script().Recorder)

	return nil
}

// postProcess emails the participants, waits out the grace delay so trailing
// capture data flushes, composes the record and emails the final link.
func (m *MeetingRoom) postProcess(ctx context.Context, scriptPath string, recorder recording.RecorderInfo) {
	email, err := m.recordEmail(ctx, recorder)
	if err != nil {
		m.log.Warnf("room %s: failed to resolve record recipients: %v", m.ID(), err)
	} else if m.cfg.Mailer != nil {
		if err := m.cfg.Mailer.SendRecordProcessing(ctx, email); err != nil {
			m.log.Warnf("room %s: failed to send processing email: %v", m.ID(), err)
		}
	}

	select {
	case <-time.After(m.cfg.ComposeGraceDelay):
	case <-ctx.Done():
		m.log.Infof("room %s: composition canceled before start", m.ID())
		return
	}

	if m.cfg.Composer == nil {
		m.log.Warnf("room %s: no composer configured, record left raw at %s", m.ID(), scriptPath)
		return
	}

	if err := m.cfg.Composer.Compose(ctx, scriptPath); err != nil {
		m.log.Errorf("room %s: composition failed: %v", m.ID(), err)
		return
	}

	if m.cfg.Mailer != nil && len(email.To) > 0 {
		email.RecordLink = m.cfg.APIDomain + "records/" + m.ID() + ".mp4"
		if err := m.cfg.Mailer.SendRecordFinished(ctx, email); err != nil {
			m.log.Warnf("room %s: failed to send finished email: %v", m.ID(), err)
		}
	}
}

// recordEmail resolves the meeting metadata and the recipients: the meeting
// creator plus the recorder, deduplicated.
func (m *MeetingRoom) recordEmail(ctx context.Context, recorder recording.RecorderInfo) (RecordEmail, error) {
	email := RecordEmail{Date: time.Now().Format("2006-01-02")}

	if m.cfg.Rooms == nil || m.cfg.Users == nil {
		return email, fmt.Errorf("room or user lookup not configured")
	}

	record, err := m.cfg.Rooms.Room(ctx, m.ID())
	if err != nil {
		return email, fmt.Errorf("failed to look up room %s: %w", m.ID(), err)
	}

	email.MeetingName = record.Name
	email.Date = record.StartTime.Format("2006-01-02")

	recipients := make(map[string]struct{})
	for _, userID := range []string{record.CreatorID, recorder.UserID} {
		if userID == "" {
			continue
		}

		if _, ok := recipients[userID]; ok {
			continue
		}
		recipients[userID] = struct{}{}

		user, err := m.cfg.Users.User(ctx, userID)
		if err != nil {
			m.log.Warnf("room %s: failed to look up user %s: %v", m.ID(), userID, err)
			continue
		}

		if user.Email != "" {
			email.To = append(email.To, user.Email)
		}
	}

	return email, nil
}
