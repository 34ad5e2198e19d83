// Package config loads binary settings from the environment.
//
// Values come from struct tags first, then an optional .env file and the
// process environment. Binaries bind command line flags on top, using the
// loaded values as flag defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/adwski/coursechat/backend/model"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	RelayHost struct {
		ListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":8090"`
		// Empty means channels are served on ListenAddr.
		ChannelListenAddr string        `env:"RELAY_CHANNEL_LISTEN_ADDR"`
		FetchTimeout      time.Duration `env:"RELAY_FETCH_TIMEOUT" envDefault:"30s"`
		LogLevel          string        `env:"LOG_LEVEL" envDefault:"debug"`
	}

	ChatServer struct {
		ListenAddr string `env:"CHAT_LISTEN_ADDR" envDefault:":8080"`
		RedisURL   string `env:"CHAT_REDIS_URL"`
		Users      string `env:"CHAT_USERS" envDefault:"alice-token=alice:Alice,bob-token=bob:Bob"`
		Rooms      string `env:"CHAT_ROOMS" envDefault:"general=General:group,cs101=Intro to CS:class"`
		LogLevel   string `env:"LOG_LEVEL" envDefault:"debug"`
	}

	ChatClient struct {
		HostURL      string        `env:"RELAY_HOST_URL" envDefault:"http://localhost:8090"`
		ServerURL    string        `env:"CHAT_SERVER_URL" envDefault:"http://localhost:8080"`
		Token        string        `env:"CHAT_TOKEN"`
		Transport    string        `env:"RELAY_TRANSPORT" envDefault:"http"`
		Trigger      string        `env:"CHAT_TRIGGER" envDefault:"interval"`
		PollInterval time.Duration `env:"CHAT_POLL_INTERVAL" envDefault:"1s"`
		TrackEdits   bool          `env:"CHAT_TRACK_EDITS"`
		LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	}
)

// UserSeed is a user reachable by its bearer token.
type UserSeed struct {
	Token string
	User  model.User
}

var ErrSeedFormat = errors.New("malformed seed entry")

// Load fills target from .env (if present) and the environment.
func Load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseUsers reads "token=id:Name,..." entries.
func ParseUsers(s string) ([]UserSeed, error) {
	var out []UserSeed
	for _, entry := range splitEntries(s) {
		token, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSeedFormat, entry)
		}
		id, name, ok := strings.Cut(rest, ":")
		token, id, name = strings.TrimSpace(token), strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || token == "" || id == "" || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrSeedFormat, entry)
		}
		out = append(out, UserSeed{
			Token: token,
			User:  model.User{ID: id, Name: name},
		})
	}
	return out, nil
}

// ParseRooms reads "id=Name:kind,..." entries. Kind may be omitted and
// defaults to group.
func ParseRooms(s string) ([]model.Room, error) {
	var out []model.Room
	for _, entry := range splitEntries(s) {
		id, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSeedFormat, entry)
		}
		name, kind, _ := strings.Cut(rest, ":")
		room := model.Room{
			ID:   strings.TrimSpace(id),
			Name: strings.TrimSpace(name),
			Kind: model.RoomKind(strings.TrimSpace(kind)),
		}
		if room.Kind == "" {
			room.Kind = model.RoomKindGroup
		}
		if room.ID == "" || room.Name == "" || !room.Kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrSeedFormat, entry)
		}
		out = append(out, room)
	}
	return out, nil
}

func splitEntries(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
