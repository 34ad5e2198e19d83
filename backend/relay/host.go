package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/metrics"
	"github.com/adwski/coursechat/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultMaxBodyLength = 4 << 20
)

var (
	ErrUnsupportedAction = errors.New("unsupported relay action")
	ErrEmptyURL          = errors.New("relay request has no url")
)

type (
	HostConfig struct {
		Logger *zerolog.Logger
		// HTTPClient performs outbound requests. A client with
		// FetchTimeout is created when nil.
		HTTPClient   *http.Client
		FetchTimeout time.Duration
	}

	// Host executes network requests on behalf of relay clients and
	// tracks channels attached to it.
	Host struct {
		client *http.Client
		logger zerolog.Logger

		mx       *sync.Mutex
		channels map[string]int
	}
)

func NewHost(cfg HostConfig) *Host {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.FetchTimeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Host{
		client:   client,
		logger:   cfg.Logger.With().Str("component", "relay-host").Logger(),
		mx:       &sync.Mutex{},
		channels: make(map[string]int),
	}
}

// Handle performs the request and normalizes the outcome. It always
// returns a result.
func (h *Host) Handle(ctx context.Context, req model.RelayRequest) (res Result) {
	logger := h.logger.With().
		Str("id", req.ID).
		Str("url", req.URL).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("relay fetch panicked")
			res = Failed(fmt.Sprintf("relay host failure: %v", p))
		}
	}()

	if req.Action != model.ActionFetch {
		return Failed(fmt.Sprintf("%s %q", ErrUnsupportedAction, req.Action))
	}
	if req.URL == "" {
		return Failed(ErrEmptyURL.Error())
	}

	start := time.Now()
	res = h.fetch(ctx, req, &logger)
	metrics.RelayRequestDuration.Observe(time.Since(start).Seconds())

	if res.Ok() {
		logger.Debug().Msg("relay fetch succeeded")
	} else {
		logger.Debug().Str("error", res.Error()).Msg("relay fetch failed")
	}
	return res
}

func (h *Host) fetch(ctx context.Context, req model.RelayRequest, logger *zerolog.Logger) Result {
	method := strings.ToUpper(req.Options.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Options.Body != "" {
		body = strings.NewReader(req.Options.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Failed(err.Error())
	}
	for k, v := range req.Options.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Failed(err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodyLength))
	if err != nil {
		return Failed(err.Error())
	}
	logger.Trace().
		Int("status", resp.StatusCode).
		Int("length", len(raw)).
		Msg("upstream responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Failed(errorMessage(resp.StatusCode, raw))
	}
	if json.Valid(raw) {
		return OK(raw)
	}
	text, _ := json.Marshal(string(raw))
	return OK(text)
}

// errorMessage extracts the best message from a non-success body:
// the error field, then the message field, then a status line.
func errorMessage(status int, raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, field := range []string{"error", "message"} {
			if s, ok := body[field].(string); ok && s != "" {
				return s
			}
		}
		return fmt.Sprintf("HTTP %d: Request failed", status)
	}
	if json.Valid(raw) {
		return fmt.Sprintf("HTTP %d: Request failed", status)
	}
	msg := fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	if len(raw) > 0 {
		msg += " - " + string(raw)
	}
	return msg
}

// Count records the outcome of a request served over the named transport.
func Count(transport string, res Result) {
	outcome := "data"
	if !res.Ok() {
		outcome = "error"
	}
	metrics.RelayRequestsTotal.WithLabelValues(transport, outcome).Inc()
}

// Accept registers a channel with the given name. The returned func
// removes it and is safe to call more than once.
func (h *Host) Accept(name string) (release func()) {
	h.mx.Lock()
	h.channels[name]++
	n := h.channels[name]
	h.mx.Unlock()

	metrics.RelayChannelsActive.WithLabelValues(name).Inc()
	h.logger.Debug().Str("channel", name).Int("active", n).Msg("channel attached")

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			h.mx.Lock()
			h.channels[name]--
			n := h.channels[name]
			if n <= 0 {
				delete(h.channels, name)
			}
			h.mx.Unlock()

			metrics.RelayChannelsActive.WithLabelValues(name).Dec()
			h.logger.Debug().Str("channel", name).Int("active", n).Msg("channel detached")
		})
	}
}

// Active returns the number of attached channels with the given name.
func (h *Host) Active(name string) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.channels[name]
}

// Ping is a no-op proving the host is scheduled.
func (h *Host) Ping(name string) {
	h.logger.Trace().Str("channel", name).Msg("ping")
}
