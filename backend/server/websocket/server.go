package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	transportName = "channel"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayHost interface {
		Handle(ctx context.Context, req model.RelayRequest) relay.Result
		Accept(name string) (release func())
		Ping(name string)
	}

	Config struct {
		Logger     *zerolog.Logger
		RelayHost  RelayHost
		ListenAddr string
	}

	// Server accepts named relay channels. Every channel is registered with
	// the host for its lifetime, answers relay requests by id and treats
	// ping frames as liveness only.
	Server struct {
		host RelayHost
		ws   *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "channel-server").Logger(),
		host:   cfg.RelayHost,
		ws:     NewUpgrader(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/channel/{name}", srv.channel)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) channel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	release := srv.host.Accept(name)
	logger := srv.logger.With().Str("channel", name).Logger()
	logger.Debug().Str("remote", r.RemoteAddr).Msg("channel opened")

	go func() {
		defer release()
		srv.handleChannel(conn, name, &logger)
		logger.Debug().Msg("channel closed")
	}()
}

func (srv *Server) handleChannel(conn *websocket.Conn, name string, logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background()) // long-living channel context
	defer cancel()

	var (
		tx       = make(chan model.RelayResponse)
		inflight = &sync.WaitGroup{}
	)
	recv := func(frame []byte) {
		var msg model.ChannelMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
			return
		}
		switch msg.Action {
		case model.ActionPing:
			srv.host.Ping(name)
		case model.ActionFetch:
			var req model.RelayRequest
			if err := json.Unmarshal(frame, &req); err != nil {
				logger.Error().Err(err).Msg("failed to unmarshall relay request")
				return
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				srv.serve(ctx, req, tx)
			}()
		default:
			// Unknown actions still get exactly one reply when correlated.
			if msg.ID == "" {
				logger.Debug().Str("action", msg.Action).Msg("ignoring uncorrelated frame")
				return
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				srv.serve(ctx, model.RelayRequest{ID: msg.ID, Action: msg.Action}, tx)
			}()
		}
	}

	Pump(ctx, conn, recv, tx, logger)
	cancel()
	inflight.Wait()
}

func (srv *Server) serve(ctx context.Context, req model.RelayRequest, tx chan<- model.RelayResponse) {
	res := srv.host.Handle(ctx, req)
	relay.Count(transportName, res)
	select {
	case tx <- res.Response(req.ID):
	case <-ctx.Done():
	}
}
