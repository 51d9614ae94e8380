package meet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroom/meet/pkg/engine/enginetest"
	"github.com/waveroom/meet/pkg/recording"
)

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) Verify(_ context.Context, credential Credential) (*PeerInfo, error) {
	if v.err != nil {
		return nil, v.err
	}

	return &PeerInfo{DisplayName: "user", RoomID: credential.RoomID}, nil
}

func newTestRegistry(t *testing.T, workers ...*enginetest.Worker) *Registry {
	t.Helper()

	cfg := RegistryConfig{
		Verifier:    &fakeVerifier{},
		RoomOptions: DefaultRoomOptions(),
		MeetingRoom: MeetingRoomConfig{
			Allocator: recording.NewPortAllocator(50000, 50019),
			Processes: &fakeProcessFactory{},
			OutputDir: t.TempDir(),
		},
	}

	for _, worker := range workers {
		cfg.Workers = append(cfg.Workers, worker)
	}

	return NewRegistry(context.Background(), cfg, nil)
}

func TestRegistryLeastLoadedPlacement(t *testing.T) {
	t.Parallel()

	workerA := enginetest.NewWorker()
	workerB := enginetest.NewWorker()

	registry := newTestRegistry(t, workerA, workerB)

	_, _, err := registry.getOrCreateRoom("room1")
	require.NoError(t, err)
	_, _, err = registry.getOrCreateRoom("room2")
	require.NoError(t, err)
	_, _, err = registry.getOrCreateRoom("room3")
	require.NoError(t, err)

	// room1 lands on A, room2 balances to B, room3 breaks the tie by pool
	// order back to A.
	assert.Len(t, workerA.Routers(), 2)
	assert.Len(t, workerB.Routers(), 1)
}

func TestRegistryReusesLiveRoom(t *testing.T) {
	t.Parallel()

	worker := enginetest.NewWorker()
	registry := newTestRegistry(t, worker)

	room1, _, err := registry.getOrCreateRoom("room1")
	require.NoError(t, err)
	room2, _, err := registry.getOrCreateRoom("room1")
	require.NoError(t, err)

	assert.Same(t, room1, room2)
	assert.Len(t, worker.Routers(), 1)
	assert.Equal(t, 1, registry.RoomCount())
}

func TestRegistryNoWorkers(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)

	_, _, err := registry.getOrCreateRoom("room1")
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestRegistryReleaseAfterRoomClosed(t *testing.T) {
	t.Parallel()

	worker := enginetest.NewWorker()
	registry := newTestRegistry(t, worker)

	room, slotA, err := registry.getOrCreateRoom("room1")
	require.NoError(t, err)
	_, slotB, err := registry.getOrCreateRoom("room1")
	require.NoError(t, err)
	require.Same(t, slotA, slotB)

	// Neither connection got a peer, so the first release already sees an
	// empty room and tears it down. The second release must still hand its
	// worker load back even though the registry entry is gone.
	registry.releaseRoom("room1", room, slotA)
	assert.Equal(t, 0, registry.RoomCount())

	registry.releaseRoom("room1", room, slotB)

	registry.mu.Lock()
	defer registry.mu.Unlock()
	require.Len(t, registry.slots, 1)
	assert.Equal(t, 0, registry.slots[0].clients)
}

func TestRegistryVerifierRejectsConnection(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, enginetest.NewWorker())
	registry.cfg.Verifier = &fakeVerifier{err: errors.New("bad token")}

	conn := newFakeConn("c1")

	err := registry.HandleConnection(context.Background(), conn, Credential{RoomID: "room1"})
	require.Error(t, err)

	assert.True(t, conn.closed)
	assert.Equal(t, 0, registry.RoomCount())
}

func TestRegistryConnectionLifecycle(t *testing.T) {
	t.Parallel()

	worker := enginetest.NewWorker()
	registry := newTestRegistry(t, worker)

	conn := newFakeConn("c1")

	done := make(chan error, 1)
	go func() {
		done <- registry.HandleConnection(context.Background(), conn, Credential{RoomID: "room1"})
	}()

	// The room exists once the connection is bound.
	require.Eventually(t, func() bool {
		return registry.RoomCount() == 1
	}, time.Second, 5*time.Millisecond)

	conn.send(1, "getRouterRtpCapabilities", nil)

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.replies) == 1
	}, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	assert.True(t, conn.replies[0].OK)
	assert.Equal(t, uint64(1), conn.replies[0].CID)
	conn.mu.Unlock()

	// Disconnecting the last peer tears the room down.
	close(conn.envelopes)

	require.NoError(t, <-done)

	assert.Equal(t, 0, registry.RoomCount())

	routers := worker.Routers()
	require.Len(t, routers, 1)
	assert.True(t, routers[0].Closed())
}

func TestRegistryUnknownMethodReply(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, enginetest.NewWorker())

	conn := newFakeConn("c1")

	done := make(chan error, 1)
	go func() {
		done <- registry.HandleConnection(context.Background(), conn, Credential{RoomID: "room1"})
	}()

	conn.send(7, "bogus", nil)
	close(conn.envelopes)

	require.NoError(t, <-done)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.replies, 1)
	assert.False(t, conn.replies[0].OK)
	assert.NotEmpty(t, conn.replies[0].Error)
}
