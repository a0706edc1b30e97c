package types

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// --- Core Domain Types ---

// UserID is the case-folded unique username of an account.
type UserID string

// ConnID identifies a single live realtime connection.
type ConnID string

// SessionID identifies an authenticated session record.
type SessionID string

// RoomName identifies a chat room. Autoscaled sub-rooms are named "Base(k)".
type RoomName string

// GroupID identifies a private group chat.
type GroupID int64

// CallID identifies a DM voice call.
type CallID string

// TransferID identifies a P2P file transfer handshake.
type TransferID string

// Event is a realtime event name on the wire.
type Event string

// RoomRole defines the membership hierarchy within a room.
type RoomRole string

const (
	RoomRoleOwner     RoomRole = "owner"
	RoomRoleModerator RoomRole = "moderator"
	RoomRoleMember    RoomRole = "member"
)

// PresenceState is the user-selected presence value.
type PresenceState string

const (
	PresenceOnline    PresenceState = "online"
	PresenceAway      PresenceState = "away"
	PresenceBusy      PresenceState = "busy"
	PresenceInvisible PresenceState = "invisible"
)

// MaxCustomStatusLen bounds the free-form status string.
const MaxCustomStatusLen = 128

// DefaultHistoryLimit is the number of messages delivered on join.
const DefaultHistoryLimit = 200

// CipherPlaceholder is transmitted in the plaintext field of a room
// broadcast when the payload is a ciphertext envelope.
const CipherPlaceholder = "[encrypted]"

// Envelope prefixes are client-side discriminators. The relay never parses
// envelope bodies; the only server-side use is the "not end-to-end"
// annotation for plaintext-compat DMs.
const (
	EnvelopePrefixDM       = "EC1:"
	EnvelopePrefixDMCompat = "ECP1:"
	EnvelopePrefixRoom     = "ECR1:"
	EnvelopePrefixGroup    = "ECG1:"
)

// IsPlaintextCompat reports whether a DM cipher uses the ECP1 compat mode.
func IsPlaintextCompat(cipher string) bool {
	return strings.HasPrefix(cipher, EnvelopePrefixDMCompat)
}

// AllowedReactionEmoji is the closed set of accepted reactions.
var AllowedReactionEmoji = map[string]struct{}{
	"👍": {}, "👎": {}, "❤️": {}, "😂": {}, "😮": {}, "😢": {}, "🎉": {}, "🔥": {},
}

// NormalizeUsername case-folds a username for identity comparisons.
// Display casing is preserved separately by the storage layer.
func NormalizeUsername(name string) UserID {
	return UserID(strings.ToLower(strings.TrimSpace(name)))
}

// --- Wire Envelope ---

// Message is the tagged shape every realtime frame decodes into.
// Unknown events are rejected with BadInput by the dispatcher.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrEmptyEvent is returned when a frame carries no event name.
var ErrEmptyEvent = errors.New("message event cannot be empty")

// Validate performs the shape checks shared by every inbound frame.
func (m Message) Validate() error {
	if m.Event == "" {
		return ErrEmptyEvent
	}
	return nil
}

// --- Client -> Server Events ---

const (
	EventJoin               Event = "join"
	EventLeave              Event = "leave"
	EventSendMessage        Event = "send_message"
	EventSendDirectMessage  Event = "send_direct_message"
	EventReactToMessage     Event = "react_to_message"
	EventFetchOfflinePMs    Event = "fetch_offline_pms"
	EventGetMissedPMSummary Event = "get_missed_pm_summary"
	EventGetRooms           Event = "get_rooms"
	EventGetUsersInRoom     Event = "get_users_in_room"
	EventGetRoomCounts      Event = "get_room_counts"
	EventGetFriends         Event = "get_friends"
	EventSendFriendRequest  Event = "send_friend_request"
	EventAcceptFriendReq    Event = "accept_friend_request"
	EventRejectFriendReq    Event = "reject_friend_request"
	EventBlockUser          Event = "block_user"
	EventUnblockUser        Event = "unblock_user"
	EventSetMyPresence      Event = "set_my_presence"
	EventGetMyPresence      Event = "get_my_presence"
	EventGetFriendPresence  Event = "get_friend_presence"
	EventGetUserProfile     Event = "get_user_profile"
	EventGroupMessage       Event = "group_message"
	EventJoinGroupChat      Event = "join_group_chat"
	EventGetGroupHistory    Event = "get_group_history"
	EventGetGroupMembers    Event = "get_group_members"
)

// Voice and P2P signaling events.
const (
	EventVoiceDmInvite  Event = "voice_dm_invite"
	EventVoiceDmAccept  Event = "voice_dm_accept"
	EventVoiceDmDecline Event = "voice_dm_decline"
	EventVoiceDmOffer   Event = "voice_dm_offer"
	EventVoiceDmAnswer  Event = "voice_dm_answer"
	EventVoiceDmIce     Event = "voice_dm_ice"
	EventVoiceDmEnd     Event = "voice_dm_end"

	EventVoiceRoomJoin   Event = "voice_room_join"
	EventVoiceRoomLeave  Event = "voice_room_leave"
	EventVoiceRoomOffer  Event = "voice_room_offer"
	EventVoiceRoomAnswer Event = "voice_room_answer"
	EventVoiceRoomIce    Event = "voice_room_ice"

	EventP2PFileOffer   Event = "p2p_file_offer"
	EventP2PFileAnswer  Event = "p2p_file_answer"
	EventP2PFileDecline Event = "p2p_file_decline"
	EventP2PFileIce     Event = "p2p_file_ice"
)

// --- Server -> Client Events ---

const (
	EventChatMessage          Event = "chat_message"
	EventPrivateMessage       Event = "private_message"
	EventMissedPMSummary      Event = "missed_pm_summary"
	EventFriendsList          Event = "friends_list"
	EventPendingFriendReqs    Event = "pending_friend_requests"
	EventBlockedUsersList     Event = "blocked_users_list"
	EventFriendPresenceUpdate Event = "friend_presence_update"
	EventFriendsPresence      Event = "friends_presence"
	EventMyPresence           Event = "my_presence"
	EventFriendRequest        Event = "friend_request"
	EventFriendReqAccepted    Event = "friend_request_accepted"
	EventNotification         Event = "notification"
	EventRoomList             Event = "room_list"
	EventRoomsChanged         Event = "rooms_changed"
	EventRoomCounts           Event = "room_counts"
	EventRoomUsers            Event = "room_users"
	EventRoomPolicyState      Event = "room_policy_state"
	EventRoomForcedLeave      Event = "room_forced_leave"
	EventSlowmodeState        Event = "slowmode_state"
	EventMessageReactions     Event = "message_reactions"
	EventCustomRoomInvite     Event = "custom_room_invite"
	EventRoomInvite           Event = "room_invite"
	EventVoiceRoomUserJoined  Event = "voice_room_user_joined"
	EventVoiceRoomUserLeft    Event = "voice_room_user_left"
	EventVoiceRoomForcedLeave Event = "voice_room_forced_leave"
	EventAuthError            Event = "auth_error"
	EventForceLogout          Event = "force_logout"
	EventAdminForceLogout     Event = "admin_force_logout"
	EventGlobalAnnouncement   Event = "global_announcement"
	EventErrorOut             Event = "error"
)

// --- Shared Interfaces ---

// Sender delivers server-emitted events. The hub implements it; the relay,
// voice, presence and policy packages depend only on this interface.
type Sender interface {
	// SendToUser fans an event out to every live connection of a user.
	// Returns true when at least one local connection received it.
	SendToUser(user UserID, event Event, payload any) bool
	// SendToConn targets one connection.
	SendToConn(conn ConnID, event Event, payload any)
	// BroadcastRoom sends to every connection joined to the room, skipping
	// excluded connections (e.g. the originating sender).
	BroadcastRoom(room RoomName, event Event, payload any, exclude ...ConnID)
	// BroadcastAll sends to every live connection regardless of room.
	BroadcastAll(event Event, payload any)
	// RoomOccupants snapshots the users with at least one connection in the room.
	RoomOccupants(room RoomName) []UserID
	// UserOnline reports whether the user has at least one live connection.
	UserOnline(user UserID) bool
	// Kick terminates every connection bound to the session.
	Kick(session SessionID, reason string)
}

// BridgePayload is the cross-worker envelope carried on the pub/sub bridge.
type BridgePayload struct {
	Room    RoomName        `json:"room,omitempty"`
	User    UserID          `json:"user,omitempty"`
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
	// Origin identifies the publishing worker so receivers can drop echoes.
	Origin string `json:"origin"`
}

// Bridge is the cross-worker broadcast primitive. At-least-once delivery
// with per-channel FIFO ordering; a nil Bridge means single-worker mode.
type Bridge interface {
	Publish(ctx context.Context, room RoomName, event Event, payload any) error
	PublishUser(ctx context.Context, user UserID, event Event, payload any) error
	Subscribe(ctx context.Context, room RoomName, handler func(BridgePayload))
	SubscribeUser(ctx context.Context, user UserID, handler func(BridgePayload))
	Ping(ctx context.Context) error
	Close() error
}
