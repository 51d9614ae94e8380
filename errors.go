package meet

import "errors"

var (
	ErrRoomIsClosed      = errors.New("room: already closed")
	ErrPeerNotFound      = errors.New("room: peer not found")
	ErrPeerExists        = errors.New("room: peer already exists")
	ErrPeerAlreadyJoined = errors.New("room: peer already joined")
	ErrTransportNotFound = errors.New("room: transport not found")
	ErrProducerNotFound  = errors.New("room: producer not found")
	ErrUnauthorized      = errors.New("room: unauthorized")
	ErrRecordingActive   = errors.New("room: a recording is already active")
	ErrNoRecording       = errors.New("room: no active recording")
	ErrNoWorkers         = errors.New("registry: no workers available")

	// ErrShareBusy is returned verbatim to clients attempting to share while
	// another peer holds the presenter slot.
	ErrShareBusy = errors.New("Can not share while other is sharing screen")
)
