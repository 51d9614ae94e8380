package recording

import (
	"errors"
	"math/rand"
	"sync"
)

var ErrPortExhausted = errors.New("recording: port range exhausted")

// randomAttempts bounds the random draws before falling back to a linear scan,
// so allocation stays O(range) even on a nearly full pool.
const randomAttempts = 64

// PortAllocator issues ephemeral UDP ports for RTP bridges from a fixed range.
// It is shared process-wide between all recording sessions and is safe for
// concurrent use.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	taken map[int]struct{}
}

// NewPortAllocator creates an allocator for the inclusive range [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	if max < min {
		min, max = max, min
	}

	return &PortAllocator{
		min:   min,
		max:   max,
		taken: make(map[int]struct{}),
	}
}

// Allocate draws a random free port from the range and marks it used. It
// returns ErrPortExhausted when every port in the range is already taken.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	if len(a.taken) >= size {
		return 0, ErrPortExhausted
	}

	for i := 0; i < randomAttempts; i++ {
		port := a.min + rand.Intn(size)
		if _, ok := a.taken[port]; !ok {
			a.taken[port] = struct{}{}
			return port, nil
		}
	}

	// The pool is crowded enough that random draws keep colliding. A free
	// port exists, find it deterministically.
	for port := a.min; port <= a.max; port++ {
		if _, ok := a.taken[port]; !ok {
			a.taken[port] = struct{}{}
			return port, nil
		}
	}

	return 0, ErrPortExhausted
}

// AllocatePair allocates an RTP/RTCP port pair. On failure neither port stays
// allocated.
func (a *PortAllocator) AllocatePair() (rtp, rtcp int, err error) {
	rtp, err = a.Allocate()
	if err != nil {
		return 0, 0, err
	}

	rtcp, err = a.Allocate()
	if err != nil {
		a.Release(rtp)
		return 0, 0, err
	}

	return rtp, rtcp, nil
}

// Release returns a port to the pool. Releasing an unallocated port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.taken, port)
}

// InUse reports how many ports are currently allocated.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.taken)
}
