// Package recording bridges live producers into external transcoder
// processes and persists a session script describing the captured files.
package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/waveroom/meet/pkg/engine"
)

var (
	ErrSessionStopped = errors.New("recording: session already stopped")
	ErrNoCodec        = errors.New("recording: router has no codec for kind")
)

// StreamKind is the logical slot a capture occupies. A session holds at most
// one capture per slot; bridging into an occupied slot replaces the capture.
type StreamKind string

const (
	StreamVideo  StreamKind = "video"
	StreamAudio  StreamKind = "audio"
	StreamScreen StreamKind = "screen"
)

// MediaKind maps the logical slot to the engine media kind.
func (k StreamKind) MediaKind() engine.MediaKind {
	if k == StreamAudio {
		return engine.MediaKindAudio
	}

	return engine.MediaKindVideo
}

// Config wires a Session to its room, engine router and shared resources.
type Config struct {
	RoomID   string
	PeerID   string
	Recorder RecorderInfo

	Router    engine.Router
	Allocator *PortAllocator
	Processes ProcessFactory

	// TargetIP is the address the plain transports send RTP to, normally the
	// host running the transcoders.
	TargetIP string
	// ListenIP is the local address plain transports bind to.
	ListenIP string
	// KeyframeDelay is how long after process start the bridge consumer is
	// resumed. The delay gives the transcoder time to attach its input
	// pipeline before media flows, so leading frames are not lost.
	KeyframeDelay time.Duration
	// OutputDir is the root directory the session script is persisted under.
	OutputDir string

	Log logging.LeveledLogger
}

type capture struct {
	kind          StreamKind
	rtpPort       int
	rtcpPort      int
	transport     engine.PlainTransport
	consumer      engine.Consumer
	process       Process
	resumeTimer   *time.Timer
	cancelOnClose func()
}

// Session is one active recording, owned exclusively by its room. At most one
// exists per room at a time.
type Session struct {
	mu         sync.Mutex
	cfg        Config
	ctx        context.Context
	cancel     context.CancelFunc
	captures   map[StreamKind]*capture
	script     Script
	stopped    bool
	scriptPath string
	log        logging.LeveledLogger
}

// NewSession creates a recording session for the given peer. No capture is
// started yet; callers bridge producers one by one.
func NewSession(ctx context.Context, cfg Config) *Session {
	localCtx, cancel := context.WithCancel(ctx)

	return &Session{
		cfg:      cfg,
		ctx:      localCtx,
		cancel:   cancel,
		captures: make(map[StreamKind]*capture),
		script: Script{
			SessionID:      uuid.NewString(),
			MeetingID:      cfg.RoomID,
			StartTimeEpoch: time.Now().UnixMilli(),
			Recorder:       cfg.Recorder,
			Videos:         []string{},
			Audios:         []string{},
			Screens:        []string{},
		},
		log: cfg.Log,
	}
}

// PeerID returns the id of the peer that owns the recording.
func (s *Session) PeerID() string {
	return s.cfg.PeerID
}

// Script returns a snapshot of the session script.
func (s *Session) Script() Script {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.script
}

// Bridge captures one producer: it allocates an RTP/RTCP port pair, creates a
// plain transport on the room's router pointed at those ports, consumes the
// producer paused with the router codec matching its kind, starts the paired
// transcoder, and only after KeyframeDelay resumes the consumer and requests
// a fresh keyframe. An existing capture in the same slot is torn down first.
func (s *Session) Bridge(producer engine.Producer, kind StreamKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionStopped
	}

	// Screen-share or camera swap replaces the active capture.
	s.closeCaptureLocked(kind)

	mediaKind := kind.MediaKind()

	rtpPort, rtcpPort, err := s.cfg.Allocator.AllocatePair()
	if err != nil {
		return err
	}

	transport, err := s.cfg.Router.NewPlainTransport(engine.PlainTransportOptions{
		ListenIP: s.cfg.ListenIP,
		RTCPMux:  false,
	})
	if err != nil {
		s.releasePair(rtpPort, rtcpPort)
		return fmt.Errorf("failed to create bridge transport: %w", err)
	}

	if err := transport.Connect(s.cfg.TargetIP, rtpPort, rtcpPort); err != nil {
		_ = transport.Close()
		s.releasePair(rtpPort, rtcpPort)
		return fmt.Errorf("failed to connect bridge transport: %w", err)
	}

	// The codec passed to the bridge consumer must match the codec negotiated
	// by the router for this kind.
	codec, ok := s.cfg.Router.RTPCapabilities().CodecForKind(mediaKind)
	if !ok {
		_ = transport.Close()
		s.releasePair(rtpPort, rtcpPort)
		return fmt.Errorf("%w %q", ErrNoCodec, mediaKind)
	}

	consumer, err := transport.Consume(engine.ConsumeOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: engine.RTPCapabilities{Codecs: []engine.CodecCapability{codec}},
		Paused:          true,
	})
	if err != nil {
		_ = transport.Close()
		s.releasePair(rtpPort, rtcpPort)
		return fmt.Errorf("failed to create bridge consumer: %w", err)
	}

	process, err := s.cfg.Processes.Start(s.ctx, s.cfg.RoomID, mediaKind, rtpPort)
	if err != nil {
		consumer.Close()
		_ = transport.Close()
		s.releasePair(rtpPort, rtcpPort)
		return fmt.Errorf("failed to start transcoder: %w", err)
	}

	switch kind {
	case StreamAudio:
		s.script.Audios = append(s.script.Audios, process.OutputPath())
	case StreamScreen:
		s.script.Screens = append(s.script.Screens, process.OutputPath())
	default:
		s.script.Videos = append(s.script.Videos, process.OutputPath())
	}

	c := &capture{
		kind:      kind,
		rtpPort:   rtpPort,
		rtcpPort:  rtcpPort,
		transport: transport,
		consumer:  consumer,
		process:   process,
	}

	c.resumeTimer = time.AfterFunc(s.cfg.KeyframeDelay, func() {
		if err := consumer.Resume(); err != nil {
			s.log.Warnf("recording: failed to resume bridge consumer: %v", err)
			return
		}

		if err := consumer.RequestKeyFrame(); err != nil {
			s.log.Warnf("recording: failed to request keyframe: %v", err)
		}
	})

	// Source producer going away tears this capture down; an explicit stop
	// may race with it, so teardown must stay idempotent.
	c.cancelOnClose = consumer.OnProducerClose(func() {
		s.CloseCapture(kind)
	})

	s.captures[kind] = c

	s.log.Infof("recording: bridged producer %s [room:%s slot:%s rtp:%d rtcp:%d]",
		producer.ID(), s.cfg.RoomID, kind, rtpPort, rtcpPort)

	return nil
}

// CloseCapture tears down the capture in the given slot: transcoder killed,
// consumer and transport closed, ports released. Closing an empty slot is a
// no-op.
func (s *Session) CloseCapture(kind StreamKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCaptureLocked(kind)
}

func (s *Session) closeCaptureLocked(kind StreamKind) {
	c, ok := s.captures[kind]
	if !ok {
		return
	}

	delete(s.captures, kind)

	c.resumeTimer.Stop()
	c.cancelOnClose()
	c.process.Kill()
	c.consumer.Close()

	if err := c.transport.Close(); err != nil {
		s.log.Warnf("recording: failed to close bridge transport: %v", err)
	}

	s.releasePair(c.rtpPort, c.rtcpPort)

	s.log.Infof("recording: capture closed [room:%s slot:%s]", s.cfg.RoomID, kind)
}

func (s *Session) releasePair(rtpPort, rtcpPort int) {
	s.cfg.Allocator.Release(rtpPort)
	s.cfg.Allocator.Release(rtcpPort)
}

// Stop tears down every capture and persists the session script. The first
// call wins; subsequent calls return the already persisted script path.
func (s *Session) Stop() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return s.scriptPath, nil
	}

	s.stopped = true

	for kind := range s.captures {
		s.closeCaptureLocked(kind)
	}

	s.cancel()

	s.scriptPath = filepath.Join(s.cfg.OutputDir, s.cfg.RoomID, "script.json")
	if err := s.script.Save(s.scriptPath); err != nil {
		return "", err
	}

	s.log.Infof("recording: session stopped [room:%s script:%s]", s.cfg.RoomID, s.scriptPath)

	return s.scriptPath, nil
}
