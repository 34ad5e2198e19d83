package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/relay"
	"github.com/rs/zerolog"
)

// fakeAPI serves per-room pages the way the backend does: newest first,
// limited. Pages can be overridden verbatim to simulate odd responses.
type fakeAPI struct {
	mx       sync.Mutex
	me       *model.User
	meErr    error
	rooms    map[string][]model.Message
	raw      map[string][]model.Message
	listErr  error
	postErr  error
	block    chan struct{}
	entered  chan struct{}
	lists    int
	nextID   int64
	lastPost string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		me:     &model.User{ID: "u1", Name: "Ann"},
		rooms:  make(map[string][]model.Message),
		raw:    make(map[string][]model.Message),
		nextID: 100,
	}
}

func (a *fakeAPI) add(room string, ids ...int64) {
	a.mx.Lock()
	defer a.mx.Unlock()
	for _, id := range ids {
		a.rooms[room] = append(a.rooms[room], model.Message{ID: id, RoomID: room, Content: "m"})
	}
}

func (a *fakeAPI) setRaw(room string, ids ...int64) {
	a.mx.Lock()
	defer a.mx.Unlock()
	page := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		page = append(page, model.Message{ID: id, RoomID: room, Content: "m"})
	}
	a.raw[room] = page
}

func (a *fakeAPI) edit(room string, id int64, content string) {
	a.mx.Lock()
	defer a.mx.Unlock()
	for i := range a.rooms[room] {
		if a.rooms[room][i].ID == id {
			a.rooms[room][i].Content = content
			a.rooms[room][i].Edited = true
		}
	}
}

func (a *fakeAPI) Me(context.Context) (*model.User, error) {
	if a.meErr != nil {
		return nil, a.meErr
	}
	return a.me, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	a.mx.Lock()
	a.lists++
	block, entered := a.block, a.entered
	a.mx.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mx.Lock()
	defer a.mx.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	if raw, ok := a.raw[roomID]; ok {
		return append([]model.Message(nil), raw...), nil
	}
	msgs := a.rooms[roomID]
	out := make([]model.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (a *fakeAPI) PostMessage(_ context.Context, roomID, content string) (*model.Message, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.postErr != nil {
		return nil, a.postErr
	}
	a.nextID++
	msg := model.Message{ID: a.nextID, RoomID: roomID, Content: content}
	a.rooms[roomID] = append(a.rooms[roomID], msg)
	a.lastPost = content
	return &msg, nil
}

// manualTrigger never polls on its own; tests drive pollOnce directly.
type manualTrigger struct{}

func (manualTrigger) Watch(ctx context.Context, _ string, _ func(context.Context)) {
	<-ctx.Done()
}

type call struct {
	id     int64
	room   string
	isEdit bool
}

type recorder struct {
	mx    sync.Mutex
	calls []call
}

func (r *recorder) handle(msg model.Message, isEdit bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, call{id: msg.ID, room: msg.RoomID, isEdit: isEdit})
}

func (r *recorder) ids() []int64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]int64, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.id)
	}
	return out
}

func newTestClient(t *testing.T, api *fakeAPI, trackEdits bool) (*Client, *recorder) {
	t.Helper()
	logger := zerolog.Nop()
	c := NewClient(Config{
		Logger:       &logger,
		NewAPI:       func(string, string) API { return api },
		Trigger:      manualTrigger{},
		RefreshDelay: 10 * time.Millisecond,
		TrackEdits:   trackEdits,
	})
	rec := &recorder{}
	c.OnMessage(rec.handle)
	if _, err := c.Connect(context.Background(), "http://chat", "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c, rec
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEmptyBaselineLeavesCursorUnseen(t *testing.T) {
	api := newFakeAPI()
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("42"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	if _, ok := c.Cursor("42"); ok {
		t.Fatal("cursor must stay unseen after an empty page")
	}
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("expected no deliveries, got %v", ids)
	}

	// The first non-empty page is the baseline, not new messages.
	api.add("42", 1, 2, 3)
	c.pollOnce(context.Background())
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("unseen room delivered history: %v", ids)
	}
	if id, ok := c.Cursor("42"); !ok || id != 3 {
		t.Fatalf("expected cursor 3, got %d (%v)", id, ok)
	}

	api.add("42", 4)
	c.pollOnce(context.Background())
	if ids := rec.ids(); !equalIDs(ids, []int64{4}) {
		t.Fatalf("expected [4], got %v", ids)
	}
}

func TestRejoinUnseenRoomBaselinesAgain(t *testing.T) {
	api := newFakeAPI()
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("42"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	c.LeaveRoom("42")

	api.add("42", 5, 6)
	if err := c.JoinRoom("42"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("expected no deliveries, got %v", ids)
	}
	if id, ok := c.Cursor("42"); !ok || id != 6 {
		t.Fatalf("expected cursor 6, got %d (%v)", id, ok)
	}
}

func TestBaselineThenDeliverNew(t *testing.T) {
	api := newFakeAPI()
	api.add("7", 10, 11, 12)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("7"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	if id, ok := c.Cursor("7"); !ok || id != 12 {
		t.Fatalf("expected cursor 12, got %d (%v)", id, ok)
	}
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("baseline must not deliver, got %v", ids)
	}

	api.setRaw("7", 11, 12, 13)
	c.pollOnce(context.Background())

	if ids := rec.ids(); !equalIDs(ids, []int64{13}) {
		t.Fatalf("expected [13], got %v", ids)
	}
	if id, _ := c.Cursor("7"); id != 13 {
		t.Fatalf("expected cursor 13, got %d", id)
	}
}

func TestSendTriggersRefresh(t *testing.T) {
	api := newFakeAPI()
	api.add("7", 10, 11, 12)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("7"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	msg, err := c.SendMessage(context.Background(), "7", "hi")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(rec.ids()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("refresh poll did not deliver the sent message")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mx.Lock()
	defer rec.mx.Unlock()
	if len(rec.calls) != 1 || rec.calls[0].id != msg.ID || rec.calls[0].isEdit {
		t.Fatalf("expected one non-edit delivery of %d, got %+v", msg.ID, rec.calls)
	}
}

func TestPollErrorChangesNothing(t *testing.T) {
	api := newFakeAPI()
	api.add("7", 10, 11, 12)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("7"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	api.add("7", 13)
	api.listErr = &relay.RemoteError{Message: "HTTP 500: Internal Server Error"}
	c.pollOnce(context.Background())

	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("expected no deliveries on error, got %v", ids)
	}
	if id, _ := c.Cursor("7"); id != 12 {
		t.Fatalf("cursor moved on error: %d", id)
	}

	// The next tick still works.
	api.listErr = nil
	c.pollOnce(context.Background())
	if ids := rec.ids(); !equalIDs(ids, []int64{13}) {
		t.Fatalf("expected [13], got %v", ids)
	}
}

func TestConnectFailureKeepsDisconnected(t *testing.T) {
	api := newFakeAPI()
	api.meErr = &relay.RemoteError{Message: "invalid session token"}

	logger := zerolog.Nop()
	c := NewClient(Config{
		Logger:  &logger,
		NewAPI:  func(string, string) API { return api },
		Trigger: manualTrigger{},
	})

	_, err := c.Connect(context.Background(), "http://chat", "bad")
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	var re *relay.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected the remote error to be preserved, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if err = c.JoinRoom("7"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err = c.SendMessage(context.Background(), "7", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestOrderingAndDedup(t *testing.T) {
	api := newFakeAPI()
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	api.setRaw("r", 3, 1, 2)
	c.pollOnce(context.Background())

	pages := [][]int64{
		{7, 5, 4, 6, 5},
		{4, 5, 6, 7},
		{9, 8, 7, 8},
		{9, 10, 6},
	}
	for _, p := range pages {
		api.setRaw("r", p...)
		c.pollOnce(context.Background())
	}

	want := []int64{4, 5, 6, 7, 8, 9, 10}
	if ids := rec.ids(); !equalIDs(ids, want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
}

func TestCursorMonotonic(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 5, 6)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	// History moved backwards: nothing old is redelivered and the cursor
	// holds.
	api.setRaw("r", 2, 3)
	c.pollOnce(context.Background())
	if id, _ := c.Cursor("r"); id != 6 {
		t.Fatalf("cursor moved backwards to %d", id)
	}
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("expected no deliveries, got %v", ids)
	}

	api.setRaw("r", 3, 7)
	c.pollOnce(context.Background())
	if ids := rec.ids(); !equalIDs(ids, []int64{7}) {
		t.Fatalf("expected [7], got %v", ids)
	}
}

func TestRoomIsolation(t *testing.T) {
	api := newFakeAPI()
	api.add("a", 1, 2)
	api.add("b", 50)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("a"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	api.add("a", 3)
	c.pollOnce(context.Background())

	if err := c.JoinRoom("b"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	if id, _ := c.Cursor("b"); id != 50 {
		t.Fatalf("expected b cursor 50, got %d", id)
	}
	if id, _ := c.Cursor("a"); id != 3 {
		t.Fatalf("room b poll touched room a cursor: %d", id)
	}

	api.add("a", 4)
	api.add("b", 51)
	c.pollOnce(context.Background())

	rec.mx.Lock()
	defer rec.mx.Unlock()
	want := []call{{id: 3, room: "a"}, {id: 51, room: "b"}}
	if len(rec.calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, rec.calls)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, rec.calls)
		}
	}
}

func TestRejoinDoesNotRedeliver(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1, 2)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	c.LeaveRoom("r")

	api.add("r", 3)
	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	// The room was seen before, so the first poll after rejoin delivers
	// what arrived meanwhile.
	if ids := rec.ids(); !equalIDs(ids, []int64{3}) {
		t.Fatalf("expected [3], got %v", ids)
	}
}

func TestStalePollIsDiscarded(t *testing.T) {
	api := newFakeAPI()
	api.add("a", 1)
	api.add("b", 10)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("a"); err != nil {
		t.Fatal(err)
	}

	api.block = make(chan struct{})
	api.entered = make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		c.pollOnce(context.Background())
		close(done)
	}()
	<-api.entered

	// The subscription changes while the poll is in flight.
	c.LeaveRoom("a")
	if err := c.JoinRoom("b"); err != nil {
		t.Fatal(err)
	}
	api.mx.Lock()
	api.entered = nil
	api.mx.Unlock()
	close(api.block)
	<-done

	if _, ok := c.Cursor("a"); ok {
		t.Fatal("stale poll moved room a cursor")
	}
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("stale poll delivered %v", ids)
	}

	c.pollOnce(context.Background())
	if id, _ := c.Cursor("b"); id != 10 {
		t.Fatalf("expected b baseline 10, got %d", id)
	}
}

func TestPollsDoNotOverlap(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1)
	c, _ := newTestClient(t, api, false)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}

	api.block = make(chan struct{})
	api.entered = make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		c.pollOnce(context.Background())
		close(done)
	}()
	<-api.entered

	// A second poll while the first is in flight is skipped.
	c.pollOnce(context.Background())

	close(api.block)
	<-done

	api.mx.Lock()
	defer api.mx.Unlock()
	if api.lists != 1 {
		t.Fatalf("expected a single fetch, got %d", api.lists)
	}
}

func TestEditTracking(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1, 2)
	c, rec := newTestClient(t, api, true)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())

	api.edit("r", 2, "fixed typo")
	api.add("r", 3)
	c.pollOnce(context.Background())

	rec.mx.Lock()
	calls := append([]call(nil), rec.calls...)
	rec.mx.Unlock()

	want := []call{{id: 2, room: "r", isEdit: true}, {id: 3, room: "r"}}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
	if id, _ := c.Cursor("r"); id != 3 {
		t.Fatalf("edits must not move the cursor past new messages, got %d", id)
	}

	// An unchanged page reports nothing.
	c.pollOnce(context.Background())
	if n := len(rec.ids()); n != 2 {
		t.Fatalf("expected no further deliveries, got %d total", n)
	}
}

func TestEditsIgnoredByDefault(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1, 2)
	c, rec := newTestClient(t, api, false)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	api.edit("r", 2, "changed")
	c.pollOnce(context.Background())

	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("expected no deliveries, got %v", ids)
	}
}

func TestHistoryLeavesCursor(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1, 2, 3)
	c, rec := newTestClient(t, api, false)

	msgs, err := c.History(context.Background(), "r", 2)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	if !equalIDs(got, []int64{2, 3}) {
		t.Fatalf("expected [2 3], got %v", got)
	}
	if _, ok := c.Cursor("r"); ok {
		t.Fatal("history must not set a cursor")
	}
	if ids := rec.ids(); len(ids) != 0 {
		t.Fatalf("history must not deliver, got %v", ids)
	}
}

func TestSendFailures(t *testing.T) {
	api := newFakeAPI()
	c, _ := newTestClient(t, api, false)

	if _, err := c.SendMessage(context.Background(), "r", "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}

	api.postErr = relay.ErrNoResponse
	_, err := c.SendMessage(context.Background(), "r", "hello")
	if !errors.Is(err, ErrSend) || !relay.IsNoResponse(err) {
		t.Fatalf("expected ErrSend wrapping no-response, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1)
	c, rec := newTestClient(t, api, false)

	other := &recorder{}
	unsubscribe := c.OnMessage(other.handle)

	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}
	c.pollOnce(context.Background())
	api.add("r", 2)
	c.pollOnce(context.Background())
	unsubscribe()
	api.add("r", 3)
	c.pollOnce(context.Background())

	if ids := rec.ids(); !equalIDs(ids, []int64{2, 3}) {
		t.Fatalf("expected [2 3], got %v", ids)
	}
	if ids := other.ids(); !equalIDs(ids, []int64{2}) {
		t.Fatalf("expected [2] before unsubscribe, got %v", ids)
	}
}

func TestIntervalTriggerPolls(t *testing.T) {
	api := newFakeAPI()
	api.add("r", 1)
	logger := zerolog.Nop()
	c := NewClient(Config{
		Logger:       &logger,
		NewAPI:       func(string, string) API { return api },
		PollInterval: 10 * time.Millisecond,
	})
	rec := &recorder{}
	c.OnMessage(rec.handle)
	if _, err := c.Connect(context.Background(), "http://chat", "t"); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.JoinRoom("r"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := c.Cursor("r"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("baseline poll never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	api.add("r", 3, 2)

	for len(rec.ids()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("interval polls did not deliver, got %v", rec.ids())
		}
		time.Sleep(5 * time.Millisecond)
	}
	ids := rec.ids()
	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		t.Fatalf("deliveries out of order: %v", ids)
	}
}
