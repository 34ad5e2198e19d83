package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/coursechat/backend/chat"
	"github.com/adwski/coursechat/backend/config"
	"github.com/adwski/coursechat/backend/model"
	"github.com/rs/zerolog"
)

var errRelayDown = errors.New("relay is down")

type flakyAPI struct {
	mx     sync.Mutex
	fail   bool
	posted []string
}

func (a *flakyAPI) setFail(fail bool) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.fail = fail
}

func (a *flakyAPI) sent() []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	return append([]string(nil), a.posted...)
}

func (a *flakyAPI) Me(context.Context) (*model.User, error) {
	return &model.User{ID: "ann", Name: "Ann"}, nil
}

func (a *flakyAPI) ListMessages(context.Context, string, int) ([]model.Message, error) {
	return nil, nil
}

func (a *flakyAPI) PostMessage(_ context.Context, roomID, content string) (*model.Message, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.fail {
		return nil, errRelayDown
	}
	a.posted = append(a.posted, content)
	return &model.Message{ID: int64(len(a.posted)), RoomID: roomID, Content: content}, nil
}

func newTestTerminal(t *testing.T, api chat.API) (*terminal, *bytes.Buffer) {
	t.Helper()
	logger := zerolog.Nop()
	client := chat.NewClient(chat.Config{
		Logger:  &logger,
		NewAPI:  func(string, string) chat.API { return api },
		Trigger: chat.IntervalTrigger{Interval: time.Hour},
	})
	t.Cleanup(client.Disconnect)

	out := &bytes.Buffer{}
	term := &terminal{
		client: client,
		cfg:    &config.ChatClient{ServerURL: "http://chat", Token: "ann-token"},
		out:    out,
		logger: &logger,
	}
	ctx := context.Background()
	term.connect(ctx)
	term.join("general")
	return term, out
}

func TestFailedSendIsKeptForResend(t *testing.T) {
	api := &flakyAPI{}
	term, out := newTestTerminal(t, api)
	ctx := context.Background()

	api.setFail(true)
	term.handle(ctx, "hello there")
	if term.pending != "hello there" {
		t.Fatalf("failed content was dropped, pending %q", term.pending)
	}
	if !strings.Contains(out.String(), "/resend") {
		t.Fatalf("expected a resend hint, got %q", out.String())
	}

	// Still failing: the content stays.
	term.handle(ctx, "/resend")
	if term.pending != "hello there" {
		t.Fatalf("pending lost after a second failure: %q", term.pending)
	}

	api.setFail(false)
	term.handle(ctx, "/resend")
	if term.pending != "" {
		t.Fatalf("pending must clear after a successful send, got %q", term.pending)
	}
	if sent := api.sent(); len(sent) != 1 || sent[0] != "hello there" {
		t.Fatalf("expected one delivery of the kept content, got %v", sent)
	}
}

func TestRetryResendsPending(t *testing.T) {
	api := &flakyAPI{}
	term, _ := newTestTerminal(t, api)
	ctx := context.Background()

	api.setFail(true)
	term.handle(ctx, "draft")

	api.setFail(false)
	term.handle(ctx, "/retry")
	if term.pending != "" {
		t.Fatalf("retry did not resend, pending %q", term.pending)
	}
	if sent := api.sent(); len(sent) != 1 || sent[0] != "draft" {
		t.Fatalf("expected [draft], got %v", sent)
	}
	if term.client.ActiveRoom() != "general" {
		t.Fatalf("retry did not rejoin, active room %q", term.client.ActiveRoom())
	}
}

func TestResendWithNothingPending(t *testing.T) {
	api := &flakyAPI{}
	term, out := newTestTerminal(t, api)

	term.handle(context.Background(), "/resend")
	if !strings.Contains(out.String(), "nothing to resend") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if sent := api.sent(); len(sent) != 0 {
		t.Fatalf("nothing should be sent, got %v", sent)
	}
}
