package model

import (
	"encoding/json"
	"time"
)

type RoomKind string

const (
	RoomKindClass    RoomKind = "class"
	RoomKindProject  RoomKind = "project"
	RoomKindPersonal RoomKind = "personal"
	RoomKindGroup    RoomKind = "group"
)

// Valid reports whether k is one of the known room kinds.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindClass, RoomKindProject, RoomKindPersonal, RoomKindGroup:
		return true
	}
	return false
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      RoomKind  `json:"room_type"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Message is assigned its ID by the server. IDs grow monotonically.
type Message struct {
	ID        int64      `json:"id"`
	RoomID    string     `json:"room_id"`
	UserID    string     `json:"user_id"`
	UserName  string     `json:"user_name,omitempty"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Edited    bool       `json:"is_edited"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

// Relay envelope actions.
const (
	ActionFetch = "fetch"
	ActionPing  = "ping"
)

// Well-known relay channel names.
const (
	ChannelKeepAlive = "keepAlive"
	ChannelRelay     = "relay"
)

type FetchOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type RelayRequest struct {
	ID      string       `json:"id,omitempty"`
	Action  string       `json:"action"`
	URL     string       `json:"url,omitempty"`
	Options FetchOptions `json:"options"`
}

// RelayResponse carries exactly one of Data and Error.
type RelayResponse struct {
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ChannelMessage is an inbound channel frame. Frames with Action set to
// ActionFetch are decoded again as RelayRequest.
type ChannelMessage struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
}

// Room event types pushed over the room stream.
const (
	RoomEventMessage = "message"
	RoomEventEdit    = "edit"
)

type RoomEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

// Wire carries room events to a single stream subscriber.
type Wire struct {
	TX chan RoomEvent
}

func NewWire() Wire {
	return Wire{
		TX: make(chan RoomEvent),
	}
}
