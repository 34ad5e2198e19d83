package keepalive

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/relay"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
)

// WebSocketDialer opens the host's keepAlive channel.
type WebSocketDialer struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

func NewWebSocketDialer(hostURL string, header http.Header) *WebSocketDialer {
	return &WebSocketDialer{
		url:    relay.ChannelURL(hostURL, model.ChannelKeepAlive),
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, d.header)
	if err != nil {
		return nil, err
	}
	ch := &wsChannel{
		conn: conn,
		mx:   &sync.Mutex{},
		done: make(chan struct{}),
	}
	go ch.drain()
	return ch, nil
}

type wsChannel struct {
	conn *websocket.Conn
	mx   *sync.Mutex
	once sync.Once
	done chan struct{}
}

// drain reads until the connection fails. Reading keeps control frames
// flowing, so the host's websocket pings get answered.
func (c *wsChannel) drain() {
	defer c.closeDone()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsChannel) Ping(_ context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(&model.ChannelMessage{Action: model.ActionPing})
}

func (c *wsChannel) Done() <-chan struct{} {
	return c.done
}

func (c *wsChannel) Close() error {
	c.mx.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWriteDeadline))
	c.mx.Unlock()
	return c.conn.Close()
}

func (c *wsChannel) closeDone() {
	c.once.Do(func() { close(c.done) })
}
