package services

import (
	"context"
	"time"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
)

// MatrixAPI is the subset of the chat backend client used by the services.
// *matrix.Client implements it.
type MatrixAPI interface {
	ServerName() string
	UserID(localpart string) string
	ServerVersions(ctx context.Context) (*matrix.VersionsResponse, error)
	Register(ctx context.Context, username, password string) (*matrix.AuthResponse, error)
	Login(ctx context.Context, username, password string) (*matrix.AuthResponse, error)
	SetDisplayName(ctx context.Context, token, userID, name string) error
	CreateRoom(ctx context.Context, token string, req matrix.CreateRoomRequest) (string, error)
	JoinRoom(ctx context.Context, token, roomID string) error
	InviteUser(ctx context.Context, token, roomID, userID string) error
	JoinedRooms(ctx context.Context, token string) ([]string, error)
	JoinedMembers(ctx context.Context, token, roomID string) ([]string, error)
	SendMessage(ctx context.Context, token, roomID string, content map[string]any) (string, error)
	SendStateEvent(ctx context.Context, token, roomID, eventType, stateKey string, content map[string]any) (string, error)
	RoomMessages(ctx context.Context, token, roomID string, q matrix.MessagesQuery) (*matrix.MessagesResponse, error)
	UploadMedia(ctx context.Context, token, contentType, filename string, data []byte) (string, error)
	DownloadMedia(ctx context.Context, token, server, mediaID string) (*matrix.Media, error)
	Sync(ctx context.Context, token, since string, timeout time.Duration) (*matrix.SyncResponse, error)
}

// Cipher seals credentials at rest. *vault.Vault implements it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}

// Actor is an identity acting on the chat backend with its decrypted credential.
type Actor struct {
	ExternalID string
	AccountID  string
	Token      string
}

// CredentialSource turns a provisioned mapping into an Actor.
type CredentialSource interface {
	Actor(m *domain.IdentityMapping) (Actor, error)
}

// Publisher fans events out to live client streams. *events.Broker implements it.
type Publisher interface {
	Publish(userID string, ev events.Event) int
	Broadcast(ev events.Event) int
}
