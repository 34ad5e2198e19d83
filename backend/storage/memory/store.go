package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/storage"
)

type MemStore struct {
	mx       *sync.Mutex
	users    map[string]model.User // by token
	rooms    map[string]*model.Room
	messages map[string][]model.Message // by room, ascending id
	index    map[int64]string           // message id -> room id
	seq      int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		users:    make(map[string]model.User),
		rooms:    make(map[string]*model.Room),
		messages: make(map[string][]model.Message),
		index:    make(map[int64]string),
	}
}

func (ms *MemStore) AddUser(_ context.Context, token string, user model.User) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	ms.users[token] = user
	return nil
}

func (ms *MemStore) UserByToken(_ context.Context, token string) (*model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	user, ok := ms.users[token]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &user, nil
}

func (ms *MemStore) CreateRoom(_ context.Context, room model.Room) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.rooms[room.ID]; ok {
		return nil, storage.ErrRoomExists
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	ms.rooms[room.ID] = &room
	out := room
	return &out, nil
}

func (ms *MemStore) GetRoom(_ context.Context, roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	out := *room
	return &out, nil
}

func (ms *MemStore) ListRooms(_ context.Context) ([]model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.Room, 0, len(ms.rooms))
	for _, r := range ms.rooms {
		rooms = append(rooms, *r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (ms *MemStore) AddMessage(_ context.Context, msg model.Message) (*model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.rooms[msg.RoomID]; !ok {
		return nil, storage.ErrRoomNotFound
	}
	ms.seq++
	msg.ID = ms.seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	ms.messages[msg.RoomID] = append(ms.messages[msg.RoomID], msg)
	ms.index[msg.ID] = msg.RoomID
	return &msg, nil
}

// ListMessages returns up to limit most recent messages, newest first.
func (ms *MemStore) ListMessages(_ context.Context, roomID string, limit int) ([]model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.rooms[roomID]; !ok {
		return nil, storage.ErrRoomNotFound
	}
	all := ms.messages[roomID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]model.Message, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (ms *MemStore) GetMessage(_ context.Context, messageID int64) (*model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	i, roomID, ok := ms.locate(messageID)
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	out := ms.messages[roomID][i]
	return &out, nil
}

func (ms *MemStore) EditMessage(_ context.Context, messageID int64, content string) (*model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	i, roomID, ok := ms.locate(messageID)
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	now := time.Now().UTC()
	msg := &ms.messages[roomID][i]
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &now
	out := *msg
	return &out, nil
}

func (ms *MemStore) locate(messageID int64) (int, string, bool) {
	roomID, ok := ms.index[messageID]
	if !ok {
		return 0, "", false
	}
	msgs := ms.messages[roomID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= messageID })
	if i == len(msgs) || msgs[i].ID != messageID {
		return 0, "", false
	}
	return i, roomID, true
}
