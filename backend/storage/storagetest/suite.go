// Package storagetest checks storage.Store implementations against the
// behavior the chat service relies on.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/storage"
)

// Run exercises an empty store produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("users", func(t *testing.T) {
		testUsers(t, newStore(t))
	})
	t.Run("rooms", func(t *testing.T) {
		testRooms(t, newStore(t))
	})
	t.Run("messages", func(t *testing.T) {
		testMessages(t, newStore(t))
	})
	t.Run("edit", func(t *testing.T) {
		testEdit(t, newStore(t))
	})
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.AddUser(ctx, "tok", model.User{ID: "u1", Name: "Ann"}); err != nil {
		t.Fatal(err)
	}
	user, err := s.UserByToken(ctx, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" || user.Name != "Ann" {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err = s.UserByToken(ctx, "nope"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func testRooms(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, r := range []model.Room{
		{ID: "b", Name: "B", Kind: model.RoomKindProject},
		{ID: "a", Name: "A", Kind: model.RoomKindClass},
	} {
		created, err := s.CreateRoom(ctx, r)
		if err != nil {
			t.Fatal(err)
		}
		if created.CreatedAt.IsZero() {
			t.Fatal("creation time was not set")
		}
	}
	if _, err := s.CreateRoom(ctx, model.Room{ID: "a", Name: "again"}); !errors.Is(err, storage.ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0].ID != "a" || rooms[1].ID != "b" {
		t.Fatalf("expected rooms a, b; got %+v", rooms)
	}

	room, err := s.GetRoom(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "A" || room.Kind != model.RoomKindClass {
		t.Fatalf("unexpected room %+v", room)
	}
	if _, err = s.GetRoom(ctx, "c"); !errors.Is(err, storage.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := s.CreateRoom(ctx, model.Room{ID: id, Name: id, Kind: model.RoomKindGroup}); err != nil {
			t.Fatal(err)
		}
	}

	var last int64
	for i, room := range []string{"a", "b", "a", "a", "b"} {
		msg, err := s.AddMessage(ctx, model.Message{RoomID: room, UserID: "u1", Content: "m"})
		if err != nil {
			t.Fatal(err)
		}
		if msg.ID <= last {
			t.Fatalf("message %d: id %d is not above %d", i, msg.ID, last)
		}
		last = msg.ID
	}
	if _, err := s.AddMessage(ctx, model.Message{RoomID: "zzz", Content: "m"}); !errors.Is(err, storage.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	all, err := s.ListMessages(ctx, "a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages in a, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID >= all[i-1].ID {
			t.Fatalf("messages are not newest first: %+v", all)
		}
	}

	page, err := s.ListMessages(ctx, "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != all[0].ID || page[1].ID != all[1].ID {
		t.Fatalf("expected the 2 newest messages, got %+v", page)
	}

	got, err := s.GetMessage(ctx, all[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RoomID != "a" || got.ID != all[2].ID {
		t.Fatalf("unexpected message %+v", got)
	}
	if _, err = s.GetMessage(ctx, last+100); !errors.Is(err, storage.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err = s.ListMessages(ctx, "zzz", 10); !errors.Is(err, storage.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func testEdit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.CreateRoom(ctx, model.Room{ID: "a", Name: "A", Kind: model.RoomKindGroup}); err != nil {
		t.Fatal(err)
	}
	msg, err := s.AddMessage(ctx, model.Message{RoomID: "a", UserID: "u1", Content: "helo"})
	if err != nil {
		t.Fatal(err)
	}

	edited, err := s.EditMessage(ctx, msg.ID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !edited.Edited || edited.EditedAt == nil || edited.Content != "hello" {
		t.Fatalf("unexpected edit result %+v", edited)
	}

	page, err := s.ListMessages(ctx, "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Content != "hello" || page[0].ID != msg.ID {
		t.Fatalf("edit was not persisted in place: %+v", page)
	}
	if _, err = s.EditMessage(ctx, msg.ID+1, "x"); !errors.Is(err, storage.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}
