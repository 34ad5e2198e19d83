package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/coursechat/backend/chat"
	"github.com/adwski/coursechat/backend/config"
	"github.com/adwski/coursechat/backend/keepalive"
	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/relay"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const historyLimit = 20

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var cfg config.ChatClient
	if err := config.Load(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	fs := pflag.NewFlagSet("chatclient", pflag.ContinueOnError)
	fs.StringVarP(&cfg.HostURL, "host-url", "H", cfg.HostURL, "relay host url")
	fs.StringVarP(&cfg.ServerURL, "server-url", "s", cfg.ServerURL, "chat backend url")
	fs.StringVarP(&cfg.Token, "token", "t", cfg.Token, "session token")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "relay transport: http or channel")
	fs.StringVar(&cfg.Trigger, "trigger", cfg.Trigger, "poll trigger: interval or stream")
	fs.DurationVarP(&cfg.PollInterval, "poll-interval", "p", cfg.PollInterval, "poll interval")
	fs.BoolVar(&cfg.TrackEdits, "track-edits", cfg.TrackEdits, "report edits of delivered messages")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	dump := fs.Bool("dump", false, "dump delivered messages verbatim")
	room := fs.StringP("room", "r", "", "room to join after connecting")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if cfg.Token == "" {
		logger.Fatal().Msg("session token is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ka := keepalive.NewManager(keepalive.Config{
		Logger: &logger,
		Dialer: keepalive.NewWebSocketDialer(cfg.HostURL, nil),
		OnStateChange: func(s keepalive.State) {
			logger.Debug().Str("state", s.String()).Msg("relay keep-alive")
		},
	})
	ka.Start(ctx)

	var transport relay.Transport
	switch cfg.Transport {
	case "channel":
		ct := relay.NewChannelTransport(relay.ChannelTransportConfig{
			Logger:  &logger,
			HostURL: cfg.HostURL,
		})
		defer func() {
			_ = ct.Close()
		}()
		transport = ct
	case "http":
		transport = relay.NewHTTPTransport(cfg.HostURL, &http.Client{Timeout: 35 * time.Second})
	default:
		logger.Fatal().Str("transport", cfg.Transport).Msg("unknown relay transport")
	}

	var trigger chat.Trigger
	switch cfg.Trigger {
	case "stream":
		trigger = chat.NewStreamTrigger(chat.StreamTriggerConfig{
			Logger:    &logger,
			ServerURL: cfg.ServerURL,
			Token:     cfg.Token,
		})
	case "interval":
		trigger = chat.IntervalTrigger{Interval: cfg.PollInterval}
	default:
		logger.Fatal().Str("trigger", cfg.Trigger).Msg("unknown poll trigger")
	}

	client := chat.NewClient(chat.Config{
		Logger:     &logger,
		NewAPI:     chat.RelayAPIFactory(relay.NewClient(transport)),
		Trigger:    trigger,
		TrackEdits: cfg.TrackEdits,
	})
	defer client.Disconnect()

	out := os.Stdout
	client.OnMessage(func(msg model.Message, isEdit bool) {
		if *dump {
			_, _ = fmt.Fprint(out, spew.Sdump(msg))
			return
		}
		printMessage(out, msg, isEdit)
	})

	t := &terminal{
		client: client,
		cfg:    &cfg,
		out:    out,
		logger: &logger,
	}
	t.connect(ctx)
	if *room != "" {
		t.join(*room)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			return
		case line, ok := <-lines:
			if !ok || !t.handle(ctx, line) {
				return
			}
		}
	}
}

type terminal struct {
	client   *chat.Client
	cfg      *config.ChatClient
	out      io.Writer
	logger   *zerolog.Logger
	lastRoom string
	// pending holds the content of the last failed send until it goes
	// through.
	pending string
}

func (t *terminal) connect(ctx context.Context) {
	user, err := t.client.Connect(ctx, t.cfg.ServerURL, t.cfg.Token)
	if err != nil {
		t.printf("! %v (use /retry to reconnect)\n", err)
		return
	}
	t.printf("* connected as %s (%s)\n", user.Name, user.ID)
}

func (t *terminal) join(roomID string) {
	if err := t.client.JoinRoom(roomID); err != nil {
		t.printf("! %v\n", err)
		return
	}
	t.lastRoom = roomID
	t.printf("* joined %s\n", roomID)
}

// handle executes one input line. It returns false when the client should
// exit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return false
	case "/join":
		if arg == "" {
			t.printf("! usage: /join <room>\n")
			return true
		}
		t.join(arg)
	case "/leave":
		if room := t.client.ActiveRoom(); room != "" {
			t.client.LeaveRoom(room)
			t.printf("* left %s\n", room)
		}
	case "/history":
		t.history(ctx, arg)
	case "/resend":
		t.resend(ctx)
	case "/retry":
		t.connect(ctx)
		if t.lastRoom != "" && t.client.State() == chat.StateConnected {
			t.join(t.lastRoom)
			if t.pending != "" {
				t.resend(ctx)
			}
		}
	default:
		t.printf("! unknown command %s\n", cmd)
	}
	return true
}

func (t *terminal) send(ctx context.Context, content string) {
	room := t.client.ActiveRoom()
	if room == "" {
		t.pending = content
		t.printf("! join a room first\n")
		return
	}
	if _, err := t.client.SendMessage(ctx, room, content); err != nil {
		t.pending = content
		t.printf("! %v (use /resend to try again)\n", err)
		return
	}
	if content == t.pending {
		t.pending = ""
	}
}

func (t *terminal) resend(ctx context.Context) {
	if t.pending == "" {
		t.printf("! nothing to resend\n")
		return
	}
	t.send(ctx, t.pending)
}

func (t *terminal) history(ctx context.Context, arg string) {
	room := t.client.ActiveRoom()
	if room == "" {
		t.printf("! join a room first\n")
		return
	}
	limit := historyLimit
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			t.printf("! usage: /history [count]\n")
			return
		}
		limit = n
	}
	msgs, err := t.client.History(ctx, room, limit)
	if err != nil {
		t.printf("! %v\n", err)
		return
	}
	for _, msg := range msgs {
		printMessage(t.out, msg, false)
	}
}

func (t *terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

func printMessage(w io.Writer, msg model.Message, isEdit bool) {
	name := msg.UserName
	if name == "" {
		name = msg.UserID
	}
	mark := ""
	if isEdit || msg.Edited {
		mark = " (edited)"
	}
	_, _ = fmt.Fprintf(w, "[%s] #%d %s: %s%s\n",
		msg.CreatedAt.Local().Format(time.TimeOnly), msg.ID, name, msg.Content, mark)
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}
