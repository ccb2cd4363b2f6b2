// Package services – MessageService
//
// MessageService sends and reads room messages on behalf of an identity,
// uploads attachments, proxies media, and fans every sent message out to the
// live streams of the room's members.

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventTypeMessage = "m.room.message"

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Message is a room message as returned to clients.
type Message struct {
	EventID           string    `json:"event_id"`
	RoomID            string    `json:"room_id"`
	Sender            string    `json:"sender"`
	SenderDisplayName string    `json:"sender_display_name,omitempty"`
	Body              string    `json:"body"`
	MsgType           string    `json:"msg_type"`
	Timestamp         time.Time `json:"timestamp"`
	FileURL           string    `json:"file_url,omitempty"`
	Filename          string    `json:"filename,omitempty"`
	FileSize          int64     `json:"file_size,omitempty"`
}

// History is one page of a room timeline, newest first.
type History struct {
	Messages []Message `json:"messages"`
	EndToken string    `json:"end_token,omitempty"`
	HasMore  bool      `json:"has_more"`
}

// Upload is an attachment to send.
type Upload struct {
	RoomID      string
	Filename    string
	ContentType string
	Caption     string
	Data        []byte
}

// MessageService coordinates message traffic for identities.
type MessageService struct {
	DB          *gorm.DB
	Matrix      MatrixAPI
	Credentials CredentialSource
	Broker      Publisher

	// now is overridable in tests.
	now func() time.Time
}

func (s *MessageService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Send posts a text message to roomID as sender.
func (s *MessageService) Send(ctx context.Context, sender *domain.IdentityMapping, roomID, body, msgType string) (*Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: room_id and body are required", ErrInvalidInput)
	}
	if msgType == "" {
		msgType = matrix.MsgText
	}
	actor, err := s.Credentials.Actor(sender)
	if err != nil {
		return nil, err
	}
	eventID, err := s.Matrix.SendMessage(ctx, actor.Token, roomID, map[string]any{"msgtype": msgType, "body": body})
	if err != nil {
		return nil, upstream("send", err)
	}

	msg := &Message{
		EventID:           eventID,
		RoomID:            roomID,
		Sender:            sender.MatrixUserID,
		SenderDisplayName: sender.DisplayName,
		Body:              body,
		MsgType:           msgType,
		Timestamp:         s.clock(),
	}
	s.fanOut(ctx, actor, msg)
	return msg, nil
}

// Upload stores an attachment in the content repository and posts it to the room.
func (s *MessageService) Upload(ctx context.Context, sender *domain.IdentityMapping, up Upload) (*Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Upload", trace.WithAttributes(
		attribute.String("room.id", up.RoomID),
		attribute.Int("file.size", len(up.Data)),
	))
	defer span.End()

	if strings.TrimSpace(up.RoomID) == "" || len(up.Data) == 0 {
		return nil, fmt.Errorf("%w: room_id and a non-empty file are required", ErrInvalidInput)
	}
	if up.ContentType == "" {
		up.ContentType = "application/octet-stream"
	}
	if up.Filename == "" {
		up.Filename = "file"
	}
	actor, err := s.Credentials.Actor(sender)
	if err != nil {
		return nil, err
	}

	uri, err := s.Matrix.UploadMedia(ctx, actor.Token, up.ContentType, up.Filename, up.Data)
	if err != nil {
		return nil, upstream("upload", err)
	}
	body := up.Caption
	if body == "" {
		body = up.Filename
	}
	msgType := MsgTypeFor(up.ContentType)
	eventID, err := s.Matrix.SendMessage(ctx, actor.Token, up.RoomID, map[string]any{
		"msgtype":  msgType,
		"body":     body,
		"filename": up.Filename,
		"url":      uri,
		"info":     map[string]any{"mimetype": up.ContentType, "size": len(up.Data)},
	})
	if err != nil {
		return nil, upstream("send", err)
	}
	log.Info().Str("room", up.RoomID).Str("uri", uri).Int("size", len(up.Data)).Msg("attachment sent")

	msg := &Message{
		EventID:           eventID,
		RoomID:            up.RoomID,
		Sender:            sender.MatrixUserID,
		SenderDisplayName: sender.DisplayName,
		Body:              body,
		MsgType:           msgType,
		Timestamp:         s.clock(),
		FileURL:           uri,
		Filename:          up.Filename,
		FileSize:          int64(len(up.Data)),
	}
	s.fanOut(ctx, actor, msg)
	return msg, nil
}

// MsgTypeFor picks the message type of an attachment from its content type.
func MsgTypeFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return matrix.MsgImage
	case strings.HasPrefix(contentType, "audio/"):
		return matrix.MsgAudio
	case strings.HasPrefix(contentType, "video/"):
		return matrix.MsgVideo
	default:
		return matrix.MsgFile
	}
}

// History returns up to limit messages of roomID, older than from when set.
// Senders are resolved to display names where an identity is known.
func (s *MessageService) History(ctx context.Context, reader *domain.IdentityMapping, roomID string, limit int, from string) (*History, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "History", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	actor, err := s.Credentials.Actor(reader)
	if err != nil {
		return nil, err
	}
	page, err := s.Matrix.RoomMessages(ctx, actor.Token, roomID, matrix.MessagesQuery{From: from, Dir: "b", Limit: limit})
	if err != nil {
		return nil, upstream("messages", err)
	}

	var senders []string
	seen := map[string]bool{}
	for _, ev := range page.Chunk {
		if ev.Type == eventTypeMessage && ev.Sender != "" && !seen[ev.Sender] {
			seen[ev.Sender] = true
			senders = append(senders, ev.Sender)
		}
	}
	names, err := repo.ListIdentitiesByMatrixIDs(ctx, s.DB, senders)
	if err != nil {
		return nil, err
	}

	out := &History{Messages: []Message{}, EndToken: page.End}
	for _, ev := range page.Chunk {
		if ev.Type != eventTypeMessage {
			continue
		}
		msg := Message{
			EventID:   ev.EventID,
			RoomID:    roomID,
			Sender:    ev.Sender,
			Body:      stringField(ev.Content, "body"),
			MsgType:   stringField(ev.Content, "msgtype"),
			Timestamp: time.UnixMilli(ev.OriginServerTS).UTC(),
		}
		if msg.MsgType == "" {
			msg.MsgType = matrix.MsgText
		}
		if m, ok := names[ev.Sender]; ok {
			msg.SenderDisplayName = displayOr(&m)
		}
		if url := stringField(ev.Content, "url"); url != "" {
			msg.FileURL = url
			msg.Filename = stringField(ev.Content, "filename")
			if msg.Filename == "" {
				msg.Filename = msg.Body
			}
			if info, ok := ev.Content["info"].(map[string]any); ok {
				if size, ok := info["size"].(float64); ok {
					msg.FileSize = int64(size)
				}
			}
		}
		out.Messages = append(out.Messages, msg)
	}
	out.HasMore = len(out.Messages) == limit
	return out, nil
}

// Media downloads a content repository object with the reader's credential.
func (s *MessageService) Media(ctx context.Context, reader *domain.IdentityMapping, server, mediaID string) (*matrix.Media, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Media", trace.WithAttributes(attribute.String("media.id", mediaID)))
	defer span.End()

	actor, err := s.Credentials.Actor(reader)
	if err != nil {
		return nil, err
	}
	m, err := s.Matrix.DownloadMedia(ctx, actor.Token, server, mediaID)
	if matrix.IsMatrixError(err, matrix.ErrCodeNotFound) {
		return nil, fmt.Errorf("%w: media %s/%s", ErrNotFound, server, mediaID)
	}
	if err != nil {
		return nil, upstream("download", err)
	}
	return m, nil
}

// Sync runs one long-poll sync for the identity.
func (s *MessageService) Sync(ctx context.Context, reader *domain.IdentityMapping, since string, timeout time.Duration) (*matrix.SyncResponse, error) {
	actor, err := s.Credentials.Actor(reader)
	if err != nil {
		return nil, err
	}
	resp, err := s.Matrix.Sync(ctx, actor.Token, since, timeout)
	return resp, upstream("sync", err)
}

// fanOut publishes msg to the streams of the room's members. Direct rooms
// use their stored participants; other rooms ask the backend for the joined
// members. Failures only cost the live update.
func (s *MessageService) fanOut(ctx context.Context, sender Actor, msg *Message) {
	if s.Broker == nil {
		return
	}
	ev := events.Event{
		"type":                events.TypeMessage,
		"room_id":             msg.RoomID,
		"event_id":            msg.EventID,
		"sender":              msg.Sender,
		"sender_display_name": msg.SenderDisplayName,
		"body":                msg.Body,
		"msg_type":            msg.MsgType,
	}
	if msg.FileURL != "" {
		ev["file_url"] = msg.FileURL
		ev["filename"] = msg.Filename
		ev["file_size"] = msg.FileSize
	}

	var members []string
	if room, err := repo.GetRoomByRoomID(ctx, s.DB, msg.RoomID); err == nil && room.Kind == domain.RoomDirect {
		members = room.Participants()
	} else {
		members, err = s.Matrix.JoinedMembers(ctx, sender.Token, msg.RoomID)
		if err != nil {
			log.Warn().Err(err).Str("room", msg.RoomID).Msg("member lookup for live update failed")
			return
		}
	}

	identities, err := repo.ListIdentitiesByMatrixIDs(ctx, s.DB, members)
	if err != nil {
		log.Warn().Err(err).Str("room", msg.RoomID).Msg("identity lookup for live update failed")
		return
	}
	delivered := 0
	for _, m := range identities {
		delivered += s.Broker.Publish(m.ExternalID, ev)
	}
	log.Debug().Str("room", msg.RoomID).Int("members", len(identities)).Int("delivered", delivered).Msg("message fanned out")
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
