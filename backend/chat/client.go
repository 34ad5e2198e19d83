// Package chat keeps a live, deduplicated and ordered view of one chat
// room's transcript at a time.
//
// The client polls the backend for the most recent page of messages and
// tracks a per-room delivery cursor: the highest message id already handed
// to observers. The first poll after a room is joined for the first time
// only establishes the cursor. Later polls deliver messages with ids above
// the cursor, in ascending id order, exactly once.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize     = 50
	defaultRefreshDelay = 100 * time.Millisecond
)

var (
	ErrNotConnected = errors.New("chat client is not connected")
	ErrConnect      = errors.New("unable to connect to chat server")
	ErrSend         = errors.New("unable to send message")
	ErrEmptyContent = errors.New("message content is empty")
	ErrEmptyRoom    = errors.New("room id is empty")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler observes delivered messages. isEdit is true when an already
// delivered message changed.
type Handler func(msg model.Message, isEdit bool)

type (
	Config struct {
		Logger *zerolog.Logger
		// NewAPI binds the backend API on Connect.
		NewAPI APIFactory
		// Trigger defaults to an IntervalTrigger with PollInterval.
		Trigger      Trigger
		PollInterval time.Duration
		PageSize     int
		RefreshDelay time.Duration
		// TrackEdits enables isEdit notifications for messages at or below
		// the cursor whose content changed.
		TrackEdits bool
	}

	Client struct {
		newAPI       APIFactory
		trigger      Trigger
		pageSize     int
		refreshDelay time.Duration
		trackEdits   bool
		logger       zerolog.Logger

		mx       *sync.Mutex
		state    State
		api      API
		identity *model.User
		room     string
		cursors  map[string]*cursor
		// sub identifies the current subscription; it changes on every
		// join, leave and disconnect so stale polls can be recognized.
		sub        uint64
		inflight   bool
		inflightOf uint64
		stopWatch  context.CancelFunc
		refresh    *time.Timer

		handlers    []subscriber
		nextHandler uint64
	}

	subscriber struct {
		id uint64
		fn Handler
	}

	// cursor is the per-room delivery state.
	cursor struct {
		last int64
		set  bool
		seen map[int64]model.Message
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		newAPI:       cfg.NewAPI,
		trigger:      cfg.Trigger,
		pageSize:     cfg.PageSize,
		refreshDelay: cfg.RefreshDelay,
		trackEdits:   cfg.TrackEdits,
		logger:       cfg.Logger.With().Str("component", "chat-client").Logger(),
		mx:           &sync.Mutex{},
		cursors:      make(map[string]*cursor),
	}
	if c.trigger == nil {
		c.trigger = IntervalTrigger{Interval: cfg.PollInterval}
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.refreshDelay <= 0 {
		c.refreshDelay = defaultRefreshDelay
	}
	return c
}

// Connect verifies the session against the identity endpoint. On failure
// the client stays disconnected and the error is returned; there is no
// automatic retry.
func (c *Client) Connect(ctx context.Context, serverURL, token string) (*model.User, error) {
	api := c.newAPI(serverURL, token)

	c.mx.Lock()
	c.stopLocked()
	c.room = ""
	c.state = StateConnecting
	c.mx.Unlock()

	user, err := api.Me(ctx)

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != StateConnecting {
		// Disconnect won the race.
		return nil, errors.Join(ErrConnect, ErrNotConnected)
	}
	if err != nil {
		c.state = StateDisconnected
		c.logger.Error().Err(err).Str("server", serverURL).Msg("connection failed")
		return nil, errors.Join(ErrConnect, err)
	}
	c.api = api
	c.identity = user
	c.state = StateConnected
	c.logger.Info().Str("server", serverURL).Str("userID", user.ID).Msg("connected")
	return user, nil
}

// JoinRoom makes roomID the active room and starts polling it. Any
// previously active room stops being polled.
func (c *Client) JoinRoom(roomID string) error {
	if roomID == "" {
		return ErrEmptyRoom
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state != StateConnected {
		c.logger.Error().Str("roomID", roomID).Msg("cannot join room: not connected")
		return ErrNotConnected
	}

	c.stopLocked()
	c.room = roomID
	if _, ok := c.cursors[roomID]; !ok {
		c.cursors[roomID] = &cursor{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	go c.trigger.Watch(ctx, roomID, c.pollOnce)

	c.logger.Debug().Str("roomID", roomID).Msg("joined room")
	return nil
}

// LeaveRoom stops polling roomID if it is the active room. Its cursor is
// kept so a later join does not redeliver.
func (c *Client) LeaveRoom(roomID string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.room != roomID {
		return
	}
	c.stopLocked()
	c.room = ""
	c.logger.Debug().Str("roomID", roomID).Msg("left room")
}

// Disconnect stops polling and marks the client disconnected. Cursors
// are kept for the lifetime of the client.
func (c *Client) Disconnect() {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.stopLocked()
	if c.refresh != nil {
		c.refresh.Stop()
		c.refresh = nil
	}
	c.room = ""
	c.api = nil
	c.identity = nil
	c.state = StateDisconnected
	c.logger.Debug().Msg("disconnected")
}

// stopLocked cancels the current subscription. Polls already in flight
// will find a different subscription id and discard their results.
func (c *Client) stopLocked() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	c.sub++
}

// SendMessage posts content to roomID. On success the active room is
// polled again shortly so the sender sees the message without waiting for
// the next tick. The message itself only shows up through a poll.
func (c *Client) SendMessage(ctx context.Context, roomID, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	c.mx.Lock()
	if c.state != StateConnected {
		c.mx.Unlock()
		c.logger.Error().Str("roomID", roomID).Msg("cannot send message: not connected")
		return nil, ErrNotConnected
	}
	api := c.api
	c.mx.Unlock()

	msg, err := api.PostMessage(ctx, roomID, content)
	if err != nil {
		c.logger.Error().Err(err).Str("roomID", roomID).Msg("error sending message")
		return nil, errors.Join(ErrSend, err)
	}
	c.logger.Debug().Str("roomID", roomID).Int64("messageID", msg.ID).Msg("message sent")

	c.mx.Lock()
	if c.state == StateConnected {
		if c.refresh != nil {
			c.refresh.Stop()
		}
		c.refresh = time.AfterFunc(c.refreshDelay, func() {
			c.pollOnce(context.Background())
		})
	}
	c.mx.Unlock()
	return msg, nil
}

// OnMessage registers an observer. The returned func unregisters it.
func (c *Client) OnMessage(h Handler) (unsubscribe func()) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.nextHandler++
	id := c.nextHandler
	c.handlers = append(c.handlers, subscriber{id: id, fn: h})

	return func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		for i, s := range c.handlers {
			if s.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// History loads the most recent messages of roomID in ascending order.
// It does not touch delivery cursors.
func (c *Client) History(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	c.mx.Lock()
	if c.state != StateConnected {
		c.mx.Unlock()
		return nil, ErrNotConnected
	}
	api := c.api
	c.mx.Unlock()

	if limit <= 0 {
		limit = c.pageSize
	}
	page, err := api.ListMessages(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	return sortPage(page), nil
}

func (c *Client) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Client) Identity() *model.User {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.identity
}

func (c *Client) ActiveRoom() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.room
}

// Cursor returns the delivery cursor of roomID. ok is false while the room
// is unseen.
func (c *Client) Cursor(roomID string) (id int64, ok bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	cur, found := c.cursors[roomID]
	if !found || !cur.set {
		return 0, false
	}
	return cur.last, true
}

type delivery struct {
	msg    model.Message
	isEdit bool
}

// pollOnce fetches the latest page of the active room and delivers what is
// new. Failures are logged; the next trigger retries.
func (c *Client) pollOnce(ctx context.Context) {
	c.mx.Lock()
	if c.state != StateConnected || c.room == "" {
		c.mx.Unlock()
		return
	}
	if c.inflight && c.inflightOf == c.sub {
		c.mx.Unlock()
		return
	}
	var (
		sub  = c.sub
		room = c.room
		api  = c.api
	)
	c.inflight, c.inflightOf = true, sub
	c.mx.Unlock()

	defer func() {
		c.mx.Lock()
		if c.inflightOf == sub {
			c.inflight = false
		}
		c.mx.Unlock()
	}()

	page, err := api.ListMessages(ctx, room, c.pageSize)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error().Err(err).Str("roomID", room).Msg("error polling messages")
		}
		return
	}

	c.mx.Lock()
	if sub != c.sub {
		c.mx.Unlock()
		c.logger.Debug().Str("roomID", room).Msg("discarding stale poll")
		return
	}
	out := c.advanceLocked(room, page)
	handlers := make([]Handler, 0, len(c.handlers))
	for _, s := range c.handlers {
		handlers = append(handlers, s.fn)
	}
	c.mx.Unlock()

	// The in-flight flag stays set until delivery completes, so batches
	// never interleave.
	for _, d := range out {
		for _, h := range handlers {
			h(d.msg, d.isEdit)
		}
	}
}

// advanceLocked moves the room cursor over page and returns what must be
// delivered, in ascending id order.
func (c *Client) advanceLocked(room string, page []model.Message) []delivery {
	cur := c.cursors[room]
	if cur == nil {
		cur = &cursor{}
		c.cursors[room] = cur
	}

	page = sortPage(page)
	if len(page) == 0 {
		// An unseen room stays unseen: the first non-empty page is the baseline.
		return nil
	}
	latest := page[len(page)-1].ID

	if !cur.set {
		cur.last, cur.set = latest, true
		c.remember(cur, page)
		c.logger.Debug().Str("roomID", room).Int64("cursor", latest).Msg("baseline established")
		return nil
	}

	if latest < cur.last {
		c.logger.Warn().
			Str("roomID", room).
			Int64("cursor", cur.last).
			Int64("latest", latest).
			Msg("server history moved backwards, keeping cursor")
	}

	var out []delivery
	for _, m := range page {
		if m.ID > cur.last {
			out = append(out, delivery{msg: m})
			continue
		}
		if c.trackEdits {
			if prev, ok := cur.seen[m.ID]; ok && (prev.Content != m.Content || prev.Edited != m.Edited) {
				out = append(out, delivery{msg: m, isEdit: true})
			}
		}
	}

	for _, d := range out {
		if !d.isEdit {
			cur.last, cur.set = d.msg.ID, true
		}
	}
	c.remember(cur, page)
	return out
}

func (c *Client) remember(cur *cursor, page []model.Message) {
	if !c.trackEdits {
		return
	}
	if cur.seen == nil {
		cur.seen = make(map[int64]model.Message)
	}
	for _, m := range page {
		cur.seen[m.ID] = m
	}
	// Keep the cache bounded to what a page can still show.
	if len(cur.seen) > 4*c.pageSize {
		oldest := page[0].ID
		for id := range cur.seen {
			if id < oldest {
				delete(cur.seen, id)
			}
		}
	}
}

// sortPage returns page sorted by id with duplicate ids removed.
func sortPage(page []model.Message) []model.Message {
	out := make([]model.Message, len(page))
	copy(out, page)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	n := 0
	for i, m := range out {
		if i > 0 && m.ID == out[n-1].ID {
			continue
		}
		out[n] = m
		n++
	}
	return out[:n]
}
