package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "coursechat:"
	keyRooms    = keyPrefix + "rooms"
	keySequence = keyPrefix + "messages:seq"
	keyIndex    = keyPrefix + "messages:room"
)

func userKey(token string) string {
	return keyPrefix + "user:" + token
}

func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:messages", keyPrefix, roomID)
}

// Store keeps chat data in Redis. Messages of a room live in a sorted set
// scored by message id.
type Store struct {
	client *redis.Client
}

func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) AddUser(ctx context.Context, token string, user model.User) error {
	b, err := json.Marshal(&user)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, userKey(token), b, 0).Err()
}

func (s *Store) UserByToken(ctx context.Context, token string) (*model.User, error) {
	b, err := s.client.Get(ctx, userKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	var user model.User
	if err = json.Unmarshal(b, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateRoom(ctx context.Context, room model.Room) (*model.Room, error) {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(&room)
	if err != nil {
		return nil, err
	}
	created, err := s.client.HSetNX(ctx, keyRooms, room.ID, b).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, storage.ErrRoomExists
	}
	return &room, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	b, err := s.client.HGet(ctx, keyRooms, roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var room model.Room
	if err = json.Unmarshal(b, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]model.Room, error) {
	all, err := s.client.HGetAll(ctx, keyRooms).Result()
	if err != nil {
		return nil, err
	}
	rooms := make([]model.Room, 0, len(all))
	for _, v := range all {
		var room model.Room
		if err = json.Unmarshal([]byte(v), &room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (s *Store) AddMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if _, err := s.GetRoom(ctx, msg.RoomID); err != nil {
		return nil, err
	}
	id, err := s.client.Incr(ctx, keySequence).Result()
	if err != nil {
		return nil, err
	}
	msg.ID = id
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err = s.put(ctx, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) put(ctx context.Context, msg model.Message) error {
	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	score := strconv.FormatInt(msg.ID, 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, roomMessagesKey(msg.RoomID), score, score)
		pipe.ZAdd(ctx, roomMessagesKey(msg.RoomID), redis.Z{Score: float64(msg.ID), Member: b})
		pipe.HSet(ctx, keyIndex, score, msg.RoomID)
		return nil
	})
	return err
}

func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.ZRevRange(ctx, roomMessagesKey(roomID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(raw))
	for _, v := range raw {
		var msg model.Message
		if err = json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (*model.Message, error) {
	score := strconv.FormatInt(messageID, 10)
	roomID, err := s.client.HGet(ctx, keyIndex, score).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := s.client.ZRangeByScore(ctx, roomMessagesKey(roomID), &redis.ZRangeBy{
		Min: score,
		Max: score,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, storage.ErrMessageNotFound
	}
	var msg model.Message
	if err = json.Unmarshal([]byte(raw[0]), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) EditMessage(ctx context.Context, messageID int64, content string) (*model.Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &now
	if err = s.put(ctx, *msg); err != nil {
		return nil, err
	}
	return msg, nil
}
