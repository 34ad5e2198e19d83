package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/coursechat/backend/model"
	wsserver "github.com/adwski/coursechat/backend/server/websocket"
	"github.com/adwski/coursechat/backend/service"
	"github.com/adwski/coursechat/backend/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 16 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type ChatService interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
	Rooms(ctx context.Context) ([]model.Room, error)
	CreateRoom(ctx context.Context, room model.Room) (*model.Room, error)
	Messages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	PostMessage(ctx context.Context, user *model.User, roomID, content string) (*model.Message, error)
	EditMessage(ctx context.Context, user *model.User, messageID int64, content string) (*model.Message, error)
	Subscribe(ctx context.Context, roomID, endpoint string, wire model.Wire) (func(), error)
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type (
	contentRequest struct {
		Content string `json:"content"`
	}

	roomRequest struct {
		ID   string         `json:"id"`
		Name string         `json:"name"`
		Kind model.RoomKind `json:"room_type"`
	}
)

// Server is the chat backend REST API.
type Server struct {
	logger zerolog.Logger
	svc    ChatService
	ws     *websocket.Upgrader
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	ChatService ChatService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.ChatService,
		ws:     wsserver.NewUpgrader(),
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return srv
}

func (srv *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(collectMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(srv.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(srv.requireAuth)

		r.Get("/users/me", srv.me)
		r.Get("/rooms", srv.rooms)
		r.Post("/rooms", srv.createRoom)
		r.Get("/rooms/{roomID}/messages", srv.messages)
		r.Post("/rooms/{roomID}/messages", srv.postMessage)
		r.Get("/rooms/{roomID}/stream", srv.stream)
		r.Patch("/messages/{messageID}", srv.editMessage)
	})
	return r
}

func (srv *Server) me(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, http.StatusOK, userFrom(r.Context()))
}

func (srv *Server) rooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := srv.svc.Rooms(r.Context())
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, rooms)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !srv.decode(w, r, &req) {
		return
	}
	room, err := srv.svc.CreateRoom(r.Context(), model.Room{ID: req.ID, Name: req.Name, Kind: req.Kind})
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusCreated, room)
}

func (srv *Server) messages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			srv.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := srv.svc.Messages(r.Context(), chi.URLParam(r, "roomID"), limit)
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, msgs)
}

func (srv *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if !srv.decode(w, r, &req) {
		return
	}
	msg, err := srv.svc.PostMessage(r.Context(), userFrom(r.Context()), chi.URLParam(r, "roomID"), req.Content)
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusCreated, msg)
}

func (srv *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		srv.writeError(w, http.StatusBadRequest, "malformed message id")
		return
	}
	var req contentRequest
	if !srv.decode(w, r, &req) {
		return
	}
	msg, err := srv.svc.EditMessage(r.Context(), userFrom(r.Context()), id, req.Content)
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, msg)
}

func (srv *Server) stream(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	wire := model.NewWire()
	endpoint := uuid.NewString()

	unsubscribe, err := srv.svc.Subscribe(r.Context(), roomID, endpoint, wire)
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("endpoint", endpoint).
		Logger()
	logger.Debug().Msg("stream opened")

	go func() {
		defer unsubscribe()
		wsserver.Pump(context.Background(), conn, nil, wire.TX, &logger)
		logger.Debug().Msg("stream closed")
	}()
}

func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		srv.writeError(w, http.StatusBadRequest, "unable to read request body")
		return false
	}
	if err = json.Unmarshal(body, v); err != nil {
		srv.writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (srv *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		srv.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrForbidden):
		srv.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrRoomNotFound), errors.Is(err, storage.ErrMessageNotFound):
		srv.writeError(w, http.StatusNotFound, rootMessage(err))
	case errors.Is(err, storage.ErrRoomExists):
		srv.writeError(w, http.StatusConflict, storage.ErrRoomExists.Error())
	case errors.Is(err, service.ErrInvalid),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrContentTooBig):
		srv.writeError(w, http.StatusBadRequest, err.Error())
	default:
		srv.logger.Error().Err(err).Msg("request failed")
		srv.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func rootMessage(err error) string {
	for _, target := range []error{storage.ErrRoomNotFound, storage.ErrMessageNotFound} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func (srv *Server) writeError(w http.ResponseWriter, code int, msg string) {
	srv.writeJSON(w, code, &GenericResponse{Error: msg})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
