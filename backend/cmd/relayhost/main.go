package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/coursechat/backend/config"
	"github.com/adwski/coursechat/backend/relay"
	httpServer "github.com/adwski/coursechat/backend/server/http"
	websocketServer "github.com/adwski/coursechat/backend/server/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type runner interface {
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var cfg config.RelayHost
	if err := config.Load(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("relayhost", pflag.ContinueOnError)
	fs.StringVarP(&cfg.ListenAddr, "listen-addr", "a", cfg.ListenAddr, "relay listen address")
	fs.StringVarP(&cfg.ChannelListenAddr, "channel-listen-addr", "w", cfg.ChannelListenAddr,
		"separate listen address for websocket channels, served on listen-addr when empty")
	fs.DurationVarP(&cfg.FetchTimeout, "fetch-timeout", "t", cfg.FetchTimeout, "upstream fetch timeout")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	host := relay.NewHost(relay.HostConfig{
		Logger:       &logger,
		FetchTimeout: cfg.FetchTimeout,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		RelayHost:  host,
		ListenAddr: cfg.ChannelListenAddr,
	})

	httpCfg := httpServer.Config{
		Logger:     &logger,
		RelayHost:  host,
		ListenAddr: cfg.ListenAddr,
	}
	servers := []runner{}
	if cfg.ChannelListenAddr == "" {
		httpCfg.Channels = wsSrv.Handler
	} else {
		servers = append(servers, wsSrv)
	}
	servers = append(servers, httpServer.NewServer(httpCfg))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, len(servers))
	)
	wg.Add(len(servers))
	for _, srv := range servers {
		go srv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
