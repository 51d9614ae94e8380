package meet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroom/meet/pkg/engine"
	"github.com/waveroom/meet/pkg/recording"
)

type startedProcess struct {
	kind   engine.MediaKind
	killed bool
}

func (p *startedProcess) OutputPath() string {
	return fmt.Sprintf("/tmp/%s.webm", p.kind)
}

func (p *startedProcess) Kill() { p.killed = true }

type fakeProcessFactory struct {
	mu      sync.Mutex
	started []*startedProcess
}

func (f *fakeProcessFactory) Start(_ context.Context, _ string, kind engine.MediaKind, _ int) (recording.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	process := &startedProcess{kind: kind}
	f.started = append(f.started, process)

	return process, nil
}

func (f *fakeProcessFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.started)
}

type fakeComposer struct {
	mu      sync.Mutex
	scripts []string
	done    chan struct{}
}

func newFakeComposer() *fakeComposer {
	return &fakeComposer{done: make(chan struct{}, 4)}
}

func (c *fakeComposer) Compose(_ context.Context, scriptPath string) error {
	c.mu.Lock()
	c.scripts = append(c.scripts, scriptPath)
	c.mu.Unlock()

	c.done <- struct{}{}

	return nil
}

type fakeMailer struct {
	mu         sync.Mutex
	processing []RecordEmail
	finished   []RecordEmail
}

func (m *fakeMailer) SendRecordProcessing(_ context.Context, email RecordEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processing = append(m.processing, email)

	return nil
}

func (m *fakeMailer) SendRecordFinished(_ context.Context, email RecordEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finished = append(m.finished, email)

	return nil
}

type fakeRoomLookup struct{ record RoomRecord }

func (l *fakeRoomLookup) Room(context.Context, string) (*RoomRecord, error) {
	record := l.record

	return &record, nil
}

type fakeUserLookup struct{ users map[string]UserRecord }

func (l *fakeUserLookup) User(_ context.Context, id string) (*UserRecord, error) {
	user, ok := l.users[id]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", id)
	}

	return &user, nil
}

type meetingFixture struct {
	room     *MeetingRoom
	factory  *fakeProcessFactory
	composer *fakeComposer
	mailer   *fakeMailer
}

func newMeetingFixture(t *testing.T) *meetingFixture {
	t.Helper()

	factory := &fakeProcessFactory{}
	composer := newFakeComposer()
	mailer := &fakeMailer{}

	cfg := MeetingRoomConfig{
		Allocator:         recording.NewPortAllocator(50000, 50099),
		Processes:         factory,
		TargetIP:          "127.0.0.1",
		ListenIP:          "127.0.0.1",
		OutputDir:         t.TempDir(),
		ComposeGraceDelay: time.Millisecond,
		APIDomain:         "https://meet.example.com/",
		Composer:          composer,
		Mailer:            mailer,
		Rooms: &fakeRoomLookup{record: RoomRecord{
			ID:        "room1",
			Name:      "Weekly sync",
			CreatorID: "creator",
			StartTime: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		}},
		Users: &fakeUserLookup{users: map[string]UserRecord{
			"creator": {ID: "creator", Email: "creator@example.com"},
			"u1":      {ID: "u1", Email: "alice@example.com"},
		}},
	}

	room := NewMeetingRoom(context.Background(), "room1", newTestRouter(t), DefaultRoomOptions(), cfg, nil)

	return &meetingFixture{room: room, factory: factory, composer: composer, mailer: mailer}
}

func (f *meetingFixture) request(t *testing.T, peerID, method string, payload any) (any, string) {
	t.Helper()

	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	return f.room.HandleEvent(peerID, method, raw)
}

func TestMeetingRoomRecordingLifecycle(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	host, _ := joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true, UserID: "u1"})
	_, connB := joinedPeer(t, f.room.Room, "b", "Bob", PeerInfo{})

	produce(t, f.room.Room, host, engine.MediaKindVideo, false)
	produce(t, f.room.Room, host, engine.MediaKindAudio, false)

	_, errMsg := f.request(t, "host", "requestRecord", nil)
	require.Empty(t, errMsg)

	assert.True(t, f.room.Recording())
	assert.Equal(t, 2, f.factory.count())
	assert.True(t, connB.hasNotification("startRecord"))

	// A later joiner learns recording is on.
	info := f.room.JoinInfo()
	assert.Equal(t, true, info["isRecording"])

	// A second session cannot start while one runs.
	_, errMsg = f.request(t, "host", "requestRecord", nil)
	assert.Equal(t, ErrRecordingActive.Error(), errMsg)

	_, errMsg = f.request(t, "host", "stopRecord", nil)
	require.Empty(t, errMsg)

	assert.False(t, f.room.Recording())
	assert.True(t, connB.hasNotification("stopRecording"))

	select {
	case <-f.composer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("composition never ran")
	}

	// The finished email goes out only after the composition returns.
	require.Eventually(t, func() bool {
		f.mailer.mu.Lock()
		defer f.mailer.mu.Unlock()
		return len(f.mailer.finished) == 1
	}, time.Second, 5*time.Millisecond)

	f.mailer.mu.Lock()
	defer f.mailer.mu.Unlock()
	require.Len(t, f.mailer.processing, 1)
	assert.ElementsMatch(t, []string{"creator@example.com", "alice@example.com"}, f.mailer.processing[0].To)
	assert.Equal(t, "Weekly sync", f.mailer.processing[0].MeetingName)
	assert.Equal(t, "https://meet.example.com/records/room1.mp4", f.mailer.finished[0].RecordLink)
}

func TestMeetingRoomGuestCannotRecord(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "guest", "Eve", PeerInfo{IsGuest: true})

	_, errMsg := f.request(t, "guest", "requestRecord", nil)
	assert.Equal(t, ErrUnauthorized.Error(), errMsg)

	_, errMsg = f.request(t, "guest", "stopRecord", nil)
	assert.Equal(t, ErrUnauthorized.Error(), errMsg)
}

func TestMeetingRoomStopWithoutSession(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true})

	_, errMsg := f.request(t, "host", "stopRecord", nil)
	assert.Equal(t, ErrNoRecording.Error(), errMsg)
}

func TestMeetingRoomRecorderLeaveStopsRecording(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true, UserID: "u1"})
	_, connB := joinedPeer(t, f.room.Room, "b", "Bob", PeerInfo{})

	_, errMsg := f.request(t, "host", "requestRecord", nil)
	require.Empty(t, errMsg)

	f.room.HandleLeave("host")

	assert.False(t, f.room.Recording())
	assert.True(t, connB.hasNotification("stopRecording"))
}

func TestMeetingRoomShareBridgedWhileRecording(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true, UserID: "u1"})
	peerB, _ := joinedPeer(t, f.room.Room, "b", "Bob", PeerInfo{})

	_, errMsg := f.request(t, "host", "requestRecord", nil)
	require.Empty(t, errMsg)
	require.Equal(t, 0, f.factory.count())

	// A screen-share started mid-recording is captured.
	produce(t, f.room.Room, peerB, engine.MediaKindVideo, true)

	require.Equal(t, 1, f.factory.count())
	assert.Equal(t, engine.MediaKindVideo, f.factory.started[0].kind)
}

func TestMeetingRoomPresenterBridgedAtRecordStart(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true, UserID: "u1"})
	peerB, _ := joinedPeer(t, f.room.Room, "b", "Bob", PeerInfo{})

	// Bob is already sharing when the recording starts.
	produce(t, f.room.Room, peerB, engine.MediaKindVideo, true)

	_, errMsg := f.request(t, "host", "requestRecord", nil)
	require.Empty(t, errMsg)

	assert.Equal(t, 1, f.factory.count())
}

func TestMeetingRoomMutePeer(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true})
	peerB, connB := joinedPeer(t, f.room.Room, "b", "Bob", PeerInfo{})

	producerID := produce(t, f.room.Room, peerB, engine.MediaKindAudio, false)

	_, errMsg := f.request(t, "host", "mutePeer", map[string]any{"peerId": "b"})
	require.Empty(t, errMsg)

	producer, ok := peerB.Producer(producerID)
	require.True(t, ok)
	assert.True(t, producer.Paused())
	assert.True(t, connB.hasNotification("muted"))

	// Non-hosts cannot mute.
	_, errMsg = f.request(t, "b", "mutePeer", map[string]any{"peerId": "host"})
	assert.Equal(t, ErrUnauthorized.Error(), errMsg)
}

func TestMeetingRoomRemovePeerByHost(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true})
	_, connB := joinedPeer(t, f.room.Room, "b", "Bob", PeerInfo{})

	_, errMsg := f.request(t, "host", "removePeerByHost", map[string]any{"peerId": "b"})
	require.Empty(t, errMsg)

	assert.True(t, connB.hasNotification("kicked"))
	assert.Equal(t, 1, f.room.PeerCount())

	_, err := f.room.Peer("b")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestMeetingRoomCloseStopsRecording(t *testing.T) {
	t.Parallel()

	f := newMeetingFixture(t)

	joinedPeer(t, f.room.Room, "host", "Alice", PeerInfo{IsHost: true, UserID: "u1"})

	_, errMsg := f.request(t, "host", "requestRecord", nil)
	require.Empty(t, errMsg)

	require.NoError(t, f.room.Close())

	assert.False(t, f.room.Recording())
}
