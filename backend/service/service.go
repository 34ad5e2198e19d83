package service

import (
	"context"
	"errors"
	"strings"

	"github.com/adwski/coursechat/backend/metrics"
	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/storage"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxContentSize  = 4000
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("you can only edit your own messages")
	ErrInvalid       = errors.New("invalid request")
	ErrEmptyContent  = errors.New("content is required")
	ErrContentTooBig = errors.New("content is too long")
	ErrGet           = errors.New("unable to get room")
	ErrPost          = errors.New("unable to post message")
	ErrEdit          = errors.New("unable to edit message")
	ErrSubscribe     = errors.New("unable to subscribe to room")
)

type (
	Switch interface {
		Connect(room string, endpoint string, wire model.Wire) error
		Disconnect(room string, endpoint string) error
		Broadcast(ctx context.Context, ev model.RoomEvent) error
	}

	Service struct {
		store  storage.Store
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		Store  storage.Store
		Switch Switch
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.Store,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "chat").Logger(),
	}
}

// Authenticate resolves a bearer token to its user.
func (svc *Service) Authenticate(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	user, err := svc.store.UserByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return user, nil
}

func (svc *Service) Rooms(ctx context.Context) ([]model.Room, error) {
	return svc.store.ListRooms(ctx)
}

func (svc *Service) CreateRoom(ctx context.Context, room model.Room) (*model.Room, error) {
	room.ID = strings.TrimSpace(room.ID)
	room.Name = strings.TrimSpace(room.Name)
	if room.ID == "" || room.Name == "" {
		return nil, errors.Join(ErrInvalid, errors.New("id and name are required"))
	}
	if room.Kind == "" {
		room.Kind = model.RoomKindGroup
	}
	if !room.Kind.Valid() {
		return nil, errors.Join(ErrInvalid, errors.New("unknown room kind"))
	}
	created, err := svc.store.CreateRoom(ctx, room)
	if err != nil {
		return nil, err
	}
	svc.logger.Debug().Str("roomID", created.ID).Str("kind", string(created.Kind)).Msg("room created")
	return created, nil
}

// Messages returns up to limit most recent messages, newest first.
func (svc *Service) Messages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	msgs, err := svc.store.ListMessages(ctx, roomID, limit)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return msgs, nil
}

func (svc *Service) PostMessage(ctx context.Context, user *model.User, roomID, content string) (*model.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	room, err := svc.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, errors.Join(ErrPost, err)
	}
	msg, err := svc.store.AddMessage(ctx, model.Message{
		RoomID:   roomID,
		UserID:   user.ID,
		UserName: user.Name,
		Content:  content,
	})
	if err != nil {
		return nil, errors.Join(ErrPost, err)
	}
	metrics.MessagesPosted.WithLabelValues(string(room.Kind)).Inc()
	svc.logger.Debug().
		Str("userID", user.ID).
		Str("roomID", roomID).
		Int64("messageID", msg.ID).
		Msg("message posted")

	svc.announce(model.RoomEvent{Type: model.RoomEventMessage, RoomID: roomID, MessageID: msg.ID})
	return msg, nil
}

func (svc *Service) EditMessage(ctx context.Context, user *model.User, messageID int64, content string) (*model.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	orig, err := svc.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errors.Join(ErrEdit, err)
	}
	if orig.UserID != user.ID {
		return nil, ErrForbidden
	}
	msg, err := svc.store.EditMessage(ctx, messageID, content)
	if err != nil {
		return nil, errors.Join(ErrEdit, err)
	}
	metrics.MessagesEdited.Inc()
	svc.logger.Debug().
		Str("userID", user.ID).
		Int64("messageID", messageID).
		Msg("message edited")

	svc.announce(model.RoomEvent{Type: model.RoomEventEdit, RoomID: msg.RoomID, MessageID: msg.ID})
	return msg, nil
}

// Subscribe attaches wire to the room's event stream until the returned
// func is called.
func (svc *Service) Subscribe(ctx context.Context, roomID, endpoint string, wire model.Wire) (func(), error) {
	if _, err := svc.store.GetRoom(ctx, roomID); err != nil {
		return nil, errors.Join(ErrSubscribe, err)
	}
	if err := svc.sw.Connect(roomID, endpoint, wire); err != nil {
		return nil, errors.Join(ErrSubscribe, err)
	}
	metrics.StreamSubscribers.Inc()
	return func() {
		_ = svc.sw.Disconnect(roomID, endpoint)
		metrics.StreamSubscribers.Dec()
	}, nil
}

func (svc *Service) announce(ev model.RoomEvent) {
	go func() {
		_ = svc.sw.Broadcast(context.Background(), ev)
	}()
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > maxContentSize {
		return ErrContentTooBig
	}
	return nil
}
