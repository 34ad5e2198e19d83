package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch fans room events out to the stream subscribers of that room.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(room, endpoint string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("room", room).
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	inst, ok := sw.fwd[room]
	if ok {
		delete(inst, endpoint)
		if len(inst) == 0 {
			delete(sw.fwd, room)
		}
	}
	return nil
}

func (sw *Switch) Connect(room string, endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("room", room).
			Str("endpoint", endpoint).
			Msg("endpoint connected")
	}()

	inst, ok := sw.fwd[room]
	if !ok {
		inst = make(map[string]model.Wire)
		sw.fwd[room] = inst
	}
	inst[endpoint] = wire
	return nil
}

// Subscribers returns the number of endpoints connected to room.
func (sw *Switch) Subscribers(room string) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd[room])
}

func (sw *Switch) Broadcast(ctx context.Context, ev model.RoomEvent) error {
	if !sw.forward(ctx, ev) {
		sw.logger.Debug().
			Str("room", ev.RoomID).
			Str("type", ev.Type).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, ev model.RoomEvent) bool {
	var sent bool

	sw.mx.RLock()
	targets := make(map[string]model.Wire, len(sw.fwd[ev.RoomID]))
	for dst, wire := range sw.fwd[ev.RoomID] {
		targets[dst] = wire
	}
	sw.mx.RUnlock()

	for dst, wire := range targets {
		evSent, canceled := send(ctx, ev, wire.TX, dst, &sw.logger)
		if canceled {
			break
		}
		if evSent {
			sent = true
		}
	}
	return sent
}

func send(ctx context.Context, ev model.RoomEvent, tx chan<- model.RoomEvent, dst string, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", dst).Msg("dead endpoint")
	case tx <- ev:
		logger.Trace().Str("dst", dst).Msg("event is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
