package hub

import (
	"encoding/json"

	"github.com/echochat/backend/go/internal/v1/types"
)

// ErrorPayload is the error frame sent when a handler rejects an event.
type ErrorPayload struct {
	Event   types.Event `json:"event,omitempty"`
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
}

// ForceLogoutPayload accompanies force_logout and admin_force_logout.
type ForceLogoutPayload struct {
	Reason string `json:"reason"`
}

// --- Inbound payload shapes ---

type joinPayload struct {
	Room types.RoomName `json:"room"`
}

type sendMessagePayload struct {
	Room    types.RoomName `json:"room"`
	Message string         `json:"message,omitempty"`
	Cipher  string         `json:"cipher,omitempty"`
}

type directMessagePayload struct {
	To     string `json:"to"`
	Cipher string `json:"cipher"`
}

type reactPayload struct {
	Room      types.RoomName `json:"room"`
	MessageID int64          `json:"message_id"`
	Emoji     string         `json:"emoji"`
}

type fetchOfflinePayload struct {
	FromUser string `json:"from_user"`
	Peek     bool   `json:"peek,omitempty"`
}

type historyPayload struct {
	Room     types.RoomName `json:"room"`
	BeforeID int64          `json:"before_id,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

type usernamePayload struct {
	Username string `json:"username"`
}

type presencePayload struct {
	State        types.PresenceState `json:"state"`
	CustomStatus string              `json:"custom_status,omitempty"`
}

type groupMessagePayload struct {
	GroupID types.GroupID `json:"group_id"`
	Message string        `json:"message,omitempty"`
	Cipher  string        `json:"cipher,omitempty"`
}

type groupPayload struct {
	GroupID  types.GroupID `json:"group_id"`
	BeforeID int64         `json:"before_id,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

type dmCallPayload struct {
	To     string          `json:"to,omitempty"`
	CallID types.CallID    `json:"call_id,omitempty"`
	Reason string          `json:"reason,omitempty"`
	SDP    json.RawMessage `json:"sdp,omitempty"`
	ICE    json.RawMessage `json:"ice,omitempty"`
}

type voiceRoomPayload struct {
	Room types.RoomName  `json:"room"`
	To   string          `json:"to,omitempty"`
	SDP  json.RawMessage `json:"sdp,omitempty"`
	ICE  json.RawMessage `json:"ice,omitempty"`
}

type p2pPayload struct {
	To         string           `json:"to,omitempty"`
	TransferID types.TransferID `json:"transfer_id"`
	Meta       json.RawMessage  `json:"meta,omitempty"`
	SDP        json.RawMessage  `json:"sdp,omitempty"`
	ICE        json.RawMessage  `json:"ice,omitempty"`
}

// --- Outbound reply shapes ---

type joinReply struct {
	Room    types.RoomName `json:"room"`
	Users   []types.UserID `json:"users"`
	History any            `json:"history"`
}

type profileReply struct {
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	PublicKeyPEM string `json:"public_key,omitempty"`
	Presence     any    `json:"presence"`
}

type callReply struct {
	CallID types.CallID `json:"call_id"`
	To     string       `json:"to"`
}
