package matrix

import json "github.com/goccy/go-json"

// AuthResponse is returned by register and login.
type AuthResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

// Room presets.
const (
	PresetPublicChat  = "public_chat"
	PresetPrivateChat = "private_chat"
	PresetTrusted     = "trusted_private_chat"
)

// StateEvent is an initial state entry for room creation.
type StateEvent struct {
	Type     string         `json:"type"`
	StateKey string         `json:"state_key"`
	Content  map[string]any `json:"content"`
}

// CreateRoomRequest is the body of POST /createRoom.
type CreateRoomRequest struct {
	Name            string         `json:"name,omitempty"`
	Topic           string         `json:"topic,omitempty"`
	Preset          string         `json:"preset,omitempty"`
	Visibility      string         `json:"visibility,omitempty"`
	Invite          []string       `json:"invite,omitempty"`
	IsDirect        bool           `json:"is_direct,omitempty"`
	CreationContent map[string]any `json:"creation_content,omitempty"`
	InitialState    []StateEvent   `json:"initial_state,omitempty"`
}

// Event is a room timeline event.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	RoomID         string         `json:"room_id,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// MessagesQuery pages through a room timeline.
type MessagesQuery struct {
	From  string
	Dir   string // "b" (default) or "f"
	Limit int
}

// MessagesResponse is the body of GET /rooms/{id}/messages.
type MessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end,omitempty"`
	Chunk []Event `json:"chunk"`
}

// VersionsResponse is the body of GET /_matrix/client/versions.
type VersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// SyncResponse keeps the sync payload opaque apart from the batch token.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	Rooms     json.RawMessage `json:"rooms,omitempty"`
}

// Media is a downloaded content repository object.
type Media struct {
	ContentType string
	Body        []byte
}

// Message types used by the bridge.
const (
	MsgText  = "m.text"
	MsgImage = "m.image"
	MsgAudio = "m.audio"
	MsgVideo = "m.video"
	MsgFile  = "m.file"
)
