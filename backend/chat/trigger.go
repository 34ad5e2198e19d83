package chat

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval     = time.Second
	defaultStreamFallback   = 15 * time.Second
	defaultStreamRetryDelay = time.Second
	defaultStreamMaxDelay   = 30 * time.Second
)

// Trigger decides when the active room is polled. Watch polls once right
// away and keeps polling until ctx is done. Calls to poll are sequential.
type Trigger interface {
	Watch(ctx context.Context, roomID string, poll func(context.Context))
}

// IntervalTrigger polls on a fixed period.
type IntervalTrigger struct {
	Interval time.Duration
}

func (t IntervalTrigger) Watch(ctx context.Context, _ string, poll func(context.Context)) {
	interval := t.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll(ctx)
		}
	}
}

type StreamTriggerConfig struct {
	Logger    *zerolog.Logger
	ServerURL string
	Token     string
	// Fallback is the safety poll period used whether or not the stream
	// is up.
	Fallback time.Duration
	// NewBackOff builds the reconnect policy for one Watch call.
	NewBackOff func() backoff.BackOff
}

// StreamTrigger polls whenever the backend pushes a room event over the
// room stream. Events only wake the poller; ordering and deduplication stay
// with the poll, so observers see the same semantics as with polling.
type StreamTrigger struct {
	serverURL  string
	header     http.Header
	fallback   time.Duration
	newBackOff func() backoff.BackOff
	dialer     *websocket.Dialer
	logger     zerolog.Logger
}

func NewStreamTrigger(cfg StreamTriggerConfig) *StreamTrigger {
	t := &StreamTrigger{
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		header:     http.Header{},
		fallback:   cfg.Fallback,
		newBackOff: cfg.NewBackOff,
		dialer:     &websocket.Dialer{HandshakeTimeout: 3 * time.Second},
		logger:     cfg.Logger.With().Str("component", "stream-trigger").Logger(),
	}
	if cfg.Token != "" {
		t.header.Set("Authorization", "Bearer "+cfg.Token)
	}
	if t.fallback <= 0 {
		t.fallback = defaultStreamFallback
	}
	if t.newBackOff == nil {
		t.newBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = defaultStreamRetryDelay
			bo.MaxInterval = defaultStreamMaxDelay
			bo.MaxElapsedTime = 0
			return bo
		}
	}
	return t
}

func (t *StreamTrigger) Watch(ctx context.Context, roomID string, poll func(context.Context)) {
	wake := make(chan struct{}, 1)
	go t.listen(ctx, roomID, wake)

	poll(ctx)

	safety := time.NewTicker(t.fallback)
	defer safety.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			poll(ctx)
		case <-safety.C:
			poll(ctx)
		}
	}
}

func (t *StreamTrigger) streamURL(roomID string) string {
	u := t.serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/rooms/" + url.PathEscape(roomID) + "/stream"
}

func (t *StreamTrigger) listen(ctx context.Context, roomID string, wake chan<- struct{}) {
	var (
		bo     = t.newBackOff()
		target = t.streamURL(roomID)
		logger = t.logger.With().Str("roomID", roomID).Logger()
	)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	for {
		conn, _, err := t.dialer.DialContext(ctx, target, t.header)
		if err == nil {
			bo.Reset()
			logger.Debug().Msg("room stream connected")
			// Events may have been missed while disconnected.
			signal()
			err = t.read(ctx, conn, signal)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			logger.Error().Err(err).Msg("room stream gave up, relying on fallback polling")
			return
		}
		logger.Warn().Err(err).Dur("retryIn", delay).Msg("room stream lost")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *StreamTrigger) read(ctx context.Context, conn *websocket.Conn, signal func()) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		signal()
	}
}
