package meet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waveroom/meet/pkg/engine"
	"github.com/waveroom/meet/pkg/engine/enginetest"
)

type notification struct {
	method string
	data   any
}

// fakeConn is an in-memory PeerConn recording everything pushed to the peer.
type fakeConn struct {
	id string

	mu            sync.Mutex
	notifications []notification
	replies       []replyMessage
	closed        bool

	envelopes chan Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, envelopes: make(chan Envelope, 16)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) ReadEnvelope() (Envelope, error) {
	envelope, ok := <-c.envelopes
	if !ok {
		return Envelope{}, errors.New("connection closed")
	}

	return envelope, nil
}

func (c *fakeConn) Reply(cid uint64, result any, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.replies = append(c.replies, replyMessage{CID: cid, OK: errMsg == "", Data: result, Error: errMsg})

	return nil
}

func (c *fakeConn) Notify(method string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notifications = append(c.notifications, notification{method: method, data: data})

	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *fakeConn) send(cid uint64, method string, payload any) {
	raw, _ := json.Marshal(payload)
	c.envelopes <- Envelope{CID: cid, Method: method, Raw: raw}
}

func (c *fakeConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	methods := make([]string, 0, len(c.notifications))
	for _, n := range c.notifications {
		methods = append(methods, n.method)
	}

	return methods
}

func (c *fakeConn) hasNotification(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.notifications {
		if n.method == method {
			return true
		}
	}

	return false
}

func newTestRouter(t *testing.T) engine.Router {
	t.Helper()

	router, err := enginetest.NewWorker().NewRouter(DefaultRouterCodecs())
	require.NoError(t, err)

	return router
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()

	return NewRoom(context.Background(), "room1", newTestRouter(t), DefaultRoomOptions(), nil)
}

// joinedPeer adds a peer to the room, joins it over the RPC surface and
// returns it with a producing and a consuming transport already created.
func joinedPeer(t *testing.T, room *Room, id, displayName string, info PeerInfo) (*Peer, *fakeConn) {
	t.Helper()

	conn := newFakeConn(id)

	peer, err := room.AddPeer(id, conn, info)
	require.NoError(t, err)

	// Clients create their transports before joining, so the join fan-out
	// finds a consuming transport ready.
	for _, consuming := range []bool{false, true} {
		payload, err := json.Marshal(map[string]any{"consuming": consuming, "producing": !consuming})
		require.NoError(t, err)

		_, errMsg := room.HandleEvent(id, "createWebRtcTransport", payload)
		require.Empty(t, errMsg)
	}

	payload, err := json.Marshal(map[string]any{
		"displayName":     displayName,
		"device":          "test",
		"rtpCapabilities": room.router.RTPCapabilities(),
	})
	require.NoError(t, err)

	_, errMsg := room.HandleEvent(id, "join", payload)
	require.Empty(t, errMsg)

	return peer, conn
}

// produce publishes a stream for the peer over the RPC surface and returns
// the producer id.
func produce(t *testing.T, room *Room, peer *Peer, kind engine.MediaKind, share bool) string {
	t.Helper()

	var producingTransport engine.WebRTCTransport
	for _, transport := range peer.Transports() {
		if transport.AppData().Producing {
			producingTransport = transport
		}
	}
	require.NotNil(t, producingTransport)

	payload, err := json.Marshal(map[string]any{
		"transportId": producingTransport.ID(),
		"kind":        kind,
		"appData":     map[string]any{"share": share},
	})
	require.NoError(t, err)

	result, errMsg := room.HandleEvent(peer.ID(), "produce", payload)
	require.Empty(t, errMsg)

	id, ok := result.(map[string]any)["id"].(string)
	require.True(t, ok)

	return id
}
