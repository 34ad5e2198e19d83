package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultChannelHandshakeTimeout = 3 * time.Second
	defaultChannelWriteDeadline    = 5 * time.Second
)

type (
	ChannelTransportConfig struct {
		Logger *zerolog.Logger
		// HostURL is the relay host base address, http(s) or ws(s).
		HostURL string
		Header  http.Header
	}

	// ChannelTransport multiplexes relay requests over a single websocket
	// channel, correlating responses by request id. The socket is dialed
	// lazily and redialed after it fails.
	ChannelTransport struct {
		url    string
		header http.Header
		dialer *websocket.Dialer
		logger zerolog.Logger

		mx   *sync.Mutex
		sess *channelSession
	}

	channelSession struct {
		conn    *websocket.Conn
		writeMx *sync.Mutex

		mx      *sync.Mutex
		pending map[string]chan model.RelayResponse
		closed  bool
	}
)

func NewChannelTransport(cfg ChannelTransportConfig) *ChannelTransport {
	return &ChannelTransport{
		url:    ChannelURL(cfg.HostURL, model.ChannelRelay),
		header: cfg.Header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultChannelHandshakeTimeout,
		},
		logger: cfg.Logger.With().Str("component", "relay-channel").Logger(),
		mx:     &sync.Mutex{},
	}
}

// ChannelURL builds the websocket address of a named relay channel.
func ChannelURL(hostURL, name string) string {
	u := strings.TrimRight(hostURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/channel/" + name
}

func (t *ChannelTransport) RoundTrip(ctx context.Context, req model.RelayRequest) (model.RelayResponse, error) {
	sess, err := t.session(ctx)
	if err != nil {
		return model.RelayResponse{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	respCh, err := sess.register(req.ID)
	if err != nil {
		return model.RelayResponse{}, err
	}

	if err = sess.write(&req); err != nil {
		sess.unregister(req.ID)
		t.drop(sess, err)
		return model.RelayResponse{}, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return resp, ErrNoResponse
		}
		return resp, nil
	case <-ctx.Done():
		sess.unregister(req.ID)
		return model.RelayResponse{}, fmt.Errorf("%w: %w", ErrNoResponse, ctx.Err())
	}
}

// Close tears down the current channel. Pending calls fail with ErrNoResponse.
func (t *ChannelTransport) Close() error {
	t.mx.Lock()
	sess := t.sess
	t.sess = nil
	t.mx.Unlock()
	if sess == nil {
		return nil
	}
	sess.fail()
	return sess.conn.Close()
}

func (t *ChannelTransport) session(ctx context.Context) (*channelSession, error) {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.sess != nil {
		return t.sess, nil
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, err
	}
	sess := &channelSession{
		conn:    conn,
		writeMx: &sync.Mutex{},
		mx:      &sync.Mutex{},
		pending: make(map[string]chan model.RelayResponse),
	}
	t.sess = sess
	t.logger.Debug().Str("url", t.url).Msg("relay channel established")

	go t.receive(sess)
	return sess, nil
}

func (t *ChannelTransport) receive(sess *channelSession) {
	for {
		var resp model.RelayResponse
		if err := sess.conn.ReadJSON(&resp); err != nil {
			t.drop(sess, err)
			return
		}
		if !sess.deliver(resp) {
			t.logger.Debug().Str("id", resp.ID).Msg("dropping uncorrelated relay response")
		}
	}
}

func (t *ChannelTransport) drop(sess *channelSession, err error) {
	t.mx.Lock()
	if t.sess == sess {
		t.sess = nil
	}
	t.mx.Unlock()

	if sess.fail() {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			t.logger.Debug().Err(err).Msg("relay channel closed")
		} else {
			t.logger.Warn().Err(err).Msg("relay channel lost")
		}
		_ = sess.conn.Close()
	}
}

func (s *channelSession) register(id string) (<-chan model.RelayResponse, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, ErrNoResponse
	}
	ch := make(chan model.RelayResponse, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *channelSession) unregister(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.pending, id)
}

func (s *channelSession) deliver(resp model.RelayResponse) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	ch, ok := s.pending[resp.ID]
	if !ok {
		return false
	}
	delete(s.pending, resp.ID)
	ch <- resp
	return true
}

// fail closes every pending response channel. It reports whether this
// call was the one that closed the session.
func (s *channelSession) fail() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	return true
}

func (s *channelSession) write(v any) error {
	s.writeMx.Lock()
	defer s.writeMx.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultChannelWriteDeadline)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}
