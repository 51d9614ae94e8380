package meet

import (
	"context"
	"time"
)

// The session server treats user/room persistence, authentication and
// outbound email as external collaborators. Only their capability surfaces
// are declared here; implementations live with the embedding application.

// PeerInfo is the verified identity of a connecting peer.
type PeerInfo struct {
	UserID      string `json:"userId,omitempty"`
	IsHost      bool   `json:"isHost"`
	IsGuest     bool   `json:"isGuest"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	RoomID      string `json:"roomId"`
}

// Credential is what a client presents when connecting. An empty AccessToken
// is a guest connection.
type Credential struct {
	RoomID      string
	AccessToken string
}

// IdentityVerifier validates a connection credential. A returned error
// rejects the connection and disconnects the client.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential Credential) (*PeerInfo, error)
}

// RoomRecord is the persisted room entity.
type RoomRecord struct {
	ID        string
	Name      string
	CreatorID string
	Status    string
	StartTime time.Time
}

// RoomLookup resolves persisted room records.
type RoomLookup interface {
	Room(ctx context.Context, id string) (*RoomRecord, error)
}

// UserRecord is the persisted user entity.
type UserRecord struct {
	ID    string
	Name  string
	Email string
}

// UserLookup resolves persisted user records.
type UserLookup interface {
	User(ctx context.Context, id string) (*UserRecord, error)
}

// RecordEmail is the context of a recording notification email.
type RecordEmail struct {
	To          []string
	MeetingName string
	Date        string
	RecordLink  string
}

// Mailer sends recording lifecycle emails. Delivery is best effort; failures
// are logged, never retried.
type Mailer interface {
	SendRecordProcessing(ctx context.Context, email RecordEmail) error
	SendRecordFinished(ctx context.Context, email RecordEmail) error
}

// ComposeInvoker triggers the offline composer on a persisted script. The
// composer normally runs out of process; in-process implementations wrap
// pkg/composer.
type ComposeInvoker interface {
	Compose(ctx context.Context, scriptPath string) error
}
