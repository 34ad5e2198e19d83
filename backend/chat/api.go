package chat

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/adwski/coursechat/backend/model"
	"github.com/adwski/coursechat/backend/relay"
)

// API is the backend surface the client depends on.
type API interface {
	Me(ctx context.Context) (*model.User, error)
	ListMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	PostMessage(ctx context.Context, roomID, content string) (*model.Message, error)
}

// APIFactory binds an API to a server address and session token.
type APIFactory func(serverURL, token string) API

// RelayAPI calls the chat backend through the relay.
type RelayAPI struct {
	fetcher   relay.Fetcher
	serverURL string
	token     string
}

func NewRelayAPI(fetcher relay.Fetcher, serverURL, token string) *RelayAPI {
	return &RelayAPI{
		fetcher:   fetcher,
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
	}
}

// RelayAPIFactory returns a factory producing RelayAPIs over fetcher.
func RelayAPIFactory(fetcher relay.Fetcher) APIFactory {
	return func(serverURL, token string) API {
		return NewRelayAPI(fetcher, serverURL, token)
	}
}

func (a *RelayAPI) Me(ctx context.Context) (*model.User, error) {
	var user model.User
	if err := relay.FetchJSON(ctx, a.fetcher, a.serverURL+"/api/users/me", a.options("GET", ""), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *RelayAPI) ListMessages(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	u := a.roomURL(roomID) + "/messages?limit=" + strconv.Itoa(limit)
	var messages []model.Message
	if err := relay.FetchJSON(ctx, a.fetcher, u, a.options("GET", ""), &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *RelayAPI) PostMessage(ctx context.Context, roomID, content string) (*model.Message, error) {
	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: content})
	if err != nil {
		return nil, err
	}
	var msg model.Message
	if err = relay.FetchJSON(ctx, a.fetcher, a.roomURL(roomID)+"/messages", a.options("POST", string(body)), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *RelayAPI) roomURL(roomID string) string {
	return a.serverURL + "/api/rooms/" + url.PathEscape(roomID)
}

func (a *RelayAPI) options(method, body string) model.FetchOptions {
	return model.FetchOptions{
		Method: method,
		Headers: map[string]string{
			"Authorization": "Bearer " + a.token,
			"Content-Type":  "application/json",
		},
		Body: body,
	}
}
