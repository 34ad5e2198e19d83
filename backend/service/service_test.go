package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/storage"
	"github.com/adwski/coursechat/backend/storage/memory"
	sw "github.com/adwski/coursechat/backend/switch"
	"github.com/rs/zerolog"
)

var (
	ann = model.User{ID: "ann", Name: "Ann"}
	bob = model.User{ID: "bob", Name: "Bob"}
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	_ = store.AddUser(ctx, "ann-token", ann)
	_ = store.AddUser(ctx, "bob-token", bob)
	if _, err := store.CreateRoom(ctx, model.Room{ID: "general", Name: "General", Kind: model.RoomKindGroup}); err != nil {
		t.Fatal(err)
	}
	return NewService(Config{
		Store:  store,
		Switch: sw.NewSwitch(&logger),
		Logger: &logger,
	})
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)

	user, err := svc.Authenticate(context.Background(), "ann-token")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != ann.ID {
		t.Fatalf("unexpected user %+v", user)
	}
	for _, token := range []string{"", "wrong"} {
		if _, err = svc.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
	}
}

func TestCreateRoom(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, model.Room{ID: " cs101 ", Name: "Intro"})
	if err != nil {
		t.Fatal(err)
	}
	if room.ID != "cs101" || room.Kind != model.RoomKindGroup {
		t.Fatalf("unexpected room %+v", room)
	}

	tests := []struct {
		name string
		room model.Room
		want error
	}{
		{"missing name", model.Room{ID: "x"}, ErrInvalid},
		{"unknown kind", model.Room{ID: "x", Name: "X", Kind: "lecture"}, ErrInvalid},
		{"duplicate", model.Room{ID: "cs101", Name: "Again"}, storage.ErrRoomExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateRoom(ctx, tt.room); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPostAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		msg, err := svc.PostMessage(ctx, &ann, "general", content)
		if err != nil {
			t.Fatal(err)
		}
		if msg.UserID != ann.ID || msg.UserName != ann.Name {
			t.Fatalf("author not recorded: %+v", msg)
		}
	}

	msgs, err := svc.Messages(ctx, "general", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "three" || msgs[1].Content != "two" {
		t.Fatalf("expected the two newest messages first, got %+v", msgs)
	}

	if _, err = svc.PostMessage(ctx, &ann, "nowhere", "hi"); !errors.Is(err, storage.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err = svc.PostMessage(ctx, &ann, "general", " \n "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err = svc.PostMessage(ctx, &ann, "general", strings.Repeat("x", maxContentSize+1)); !errors.Is(err, ErrContentTooBig) {
		t.Fatalf("expected ErrContentTooBig, got %v", err)
	}
}

func TestEditIsAuthorOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	msg, err := svc.PostMessage(ctx, &ann, "general", "helo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = svc.EditMessage(ctx, &bob, msg.ID, "hijacked"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	edited, err := svc.EditMessage(ctx, &ann, msg.ID, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if edited.Content != "hello" || !edited.Edited {
		t.Fatalf("unexpected edit result %+v", edited)
	}
	if _, err = svc.EditMessage(ctx, &ann, msg.ID+10, "x"); !errors.Is(err, storage.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, "nowhere", "e", model.NewWire()); !errors.Is(err, storage.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	wire := model.NewWire()
	unsubscribe, err := svc.Subscribe(ctx, "general", "e", wire)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	msg, err := svc.PostMessage(ctx, &ann, "general", "hi")
	if err != nil {
		t.Fatal(err)
	}
	expectEvent(t, wire, model.RoomEvent{Type: model.RoomEventMessage, RoomID: "general", MessageID: msg.ID})

	if _, err = svc.EditMessage(ctx, &ann, msg.ID, "hey"); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, wire, model.RoomEvent{Type: model.RoomEventEdit, RoomID: "general", MessageID: msg.ID})
}

func expectEvent(t *testing.T, wire model.Wire, want model.RoomEvent) {
	t.Helper()
	select {
	case got := <-wire.TX:
		if got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event %+v was not delivered", want)
	}
}
