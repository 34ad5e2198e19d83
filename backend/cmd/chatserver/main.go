package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/coursechat/backend/config"
	"github.com/adwski/coursechat/backend/server/api"
	"github.com/adwski/coursechat/backend/service"
	"github.com/adwski/coursechat/backend/storage"
	"github.com/adwski/coursechat/backend/storage/memory"
	"github.com/adwski/coursechat/backend/storage/redis"
	sw "github.com/adwski/coursechat/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var cfg config.ChatServer
	if err := config.Load(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("chatserver", pflag.ContinueOnError)
	fs.StringVarP(&cfg.ListenAddr, "listen-addr", "a", cfg.ListenAddr, "api listen address")
	fs.StringVarP(&cfg.RedisURL, "redis-url", "r", cfg.RedisURL, "redis url, in-memory storage is used when empty")
	fs.StringVar(&cfg.Users, "users", cfg.Users, "seed users as token=id:Name,...")
	fs.StringVar(&cfg.Rooms, "rooms", cfg.Rooms, "seed rooms as id=Name:kind,...")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store storage.Store
	if cfg.RedisURL != "" {
		rs, rErr := redis.NewStore(ctx, cfg.RedisURL)
		if rErr != nil {
			logger.Fatal().Err(rErr).Msg("failed to connect to redis")
		}
		defer func() {
			_ = rs.Close()
		}()
		store = rs
		logger.Info().Msg("using redis storage")
	} else {
		store = memory.NewMemStore()
		logger.Info().Msg("using in-memory storage")
	}

	if err = seed(ctx, store, &cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed storage")
	}

	svc := service.NewService(service.Config{
		Store:  store,
		Switch: sw.NewSwitch(&logger),
		Logger: &logger,
	})
	apiSrv := api.NewServer(api.Config{
		Logger:      &logger,
		ChatService: svc,
		ListenAddr:  cfg.ListenAddr,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go apiSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func seed(ctx context.Context, store storage.Store, cfg *config.ChatServer) error {
	users, err := config.ParseUsers(cfg.Users)
	if err != nil {
		return err
	}
	rooms, err := config.ParseRooms(cfg.Rooms)
	if err != nil {
		return err
	}
	for _, u := range users {
		if err = store.AddUser(ctx, u.Token, u.User); err != nil {
			return err
		}
	}
	for _, room := range rooms {
		if _, err = store.CreateRoom(ctx, room); err != nil && !errors.Is(err, storage.ErrRoomExists) {
			return err
		}
	}
	return nil
}
