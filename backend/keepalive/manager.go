// Package keepalive keeps a relay host resident by holding a persistent
// channel to it and pinging it periodically.
package keepalive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultPingInterval   = 20 * time.Second
	defaultReconnectDelay = time.Second
)

var (
	ErrChannelClosed  = errors.New("keep-alive channel closed")
	ErrAlreadyRunning = errors.New("keep-alive manager is already running")
)

type State int32

const (
	StateAbsent State = iota
	StateConnecting
	StateEstablished
	StateLost
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateLost:
		return "lost"
	default:
		return "absent"
	}
}

type (
	// Channel is an open keep-alive connection.
	Channel interface {
		Ping(ctx context.Context) error
		// Done is closed when the channel is closed by either side.
		Done() <-chan struct{}
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context) (Channel, error)
	}

	Config struct {
		Logger         *zerolog.Logger
		Dialer         Dialer
		PingInterval   time.Duration
		ReconnectDelay time.Duration
		// BackOff overrides the constant ReconnectDelay policy.
		BackOff backoff.BackOff
		// OnStateChange is called synchronously on every transition.
		OnStateChange func(State)
	}

	Manager struct {
		dialer       Dialer
		pingInterval time.Duration
		bo           backoff.BackOff
		onChange     func(State)
		logger       zerolog.Logger

		mx      *sync.Mutex
		state   State
		running bool
	}
)

func NewManager(cfg Config) *Manager {
	m := &Manager{
		dialer:       cfg.Dialer,
		pingInterval: cfg.PingInterval,
		bo:           cfg.BackOff,
		onChange:     cfg.OnStateChange,
		logger:       cfg.Logger.With().Str("component", "keepalive").Logger(),
		mx:           &sync.Mutex{},
	}
	if m.pingInterval <= 0 {
		m.pingInterval = defaultPingInterval
	}
	if m.bo == nil {
		delay := cfg.ReconnectDelay
		if delay <= 0 {
			delay = defaultReconnectDelay
		}
		m.bo = backoff.NewConstantBackOff(delay)
	}
	return m
}

func (m *Manager) State() State {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Start runs the manager in the background. Calling it again while the
// manager runs does nothing.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		if err := m.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
			m.logger.Error().Err(err).Msg("keep-alive manager stopped")
		}
	}()
}

// Run keeps a channel open until ctx is done. Connection attempts are
// strictly sequential.
func (m *Manager) Run(ctx context.Context) error {
	m.mx.Lock()
	if m.running {
		m.mx.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mx.Unlock()

	defer func() {
		m.mx.Lock()
		m.running = false
		m.mx.Unlock()
		m.setState(StateAbsent)
	}()

	for {
		m.setState(StateConnecting)
		ch, err := m.dialer.Dial(ctx)
		if err == nil {
			m.setState(StateEstablished)
			m.bo.Reset()
			err = m.hold(ctx, ch)
			_ = ch.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.setState(StateLost)
		delay := m.bo.NextBackOff()
		if delay == backoff.Stop {
			return errors.Join(ErrChannelClosed, err)
		}
		m.logger.Warn().Err(err).Dur("retryIn", delay).Msg("keep-alive channel lost")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) hold(ctx context.Context, ch Channel) error {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch.Done():
			return ErrChannelClosed
		case <-ticker.C:
			if err := ch.Ping(ctx); err != nil {
				return err
			}
			m.logger.Trace().Msg("ping sent")
		}
	}
}

func (m *Manager) setState(s State) {
	m.mx.Lock()
	if m.state == s {
		m.mx.Unlock()
		return
	}
	m.state = s
	m.mx.Unlock()

	m.logger.Debug().Stringer("state", s).Msg("keep-alive state changed")
	if m.onChange != nil {
		m.onChange(s)
	}
}
