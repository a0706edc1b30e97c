package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// buildHandlers wires the full client->server event surface. Handlers
// decode the payload, consult the owning engine, and reply on the same
// event name unless a dedicated server event exists.
func (h *Hub) buildHandlers() map[types.Event]handlerFunc {
	return map[types.Event]handlerFunc{
		types.EventJoin:               h.handleJoin,
		types.EventLeave:              h.handleLeave,
		types.EventSendMessage:        h.handleSendMessage,
		types.EventSendDirectMessage:  h.handleSendDirectMessage,
		types.EventReactToMessage:     h.handleReact,
		types.EventFetchOfflinePMs:    h.handleFetchOfflinePMs,
		types.EventGetMissedPMSummary: h.handleGetMissedSummary,
		types.EventGetRooms:           h.handleGetRooms,
		types.EventGetUsersInRoom:     h.handleGetUsersInRoom,
		types.EventGetRoomCounts:      h.handleGetRoomCounts,
		types.EventGetFriends:         h.handleGetFriends,
		types.EventSendFriendRequest:  h.handleSendFriendRequest,
		types.EventAcceptFriendReq:    h.handleAcceptFriendRequest,
		types.EventRejectFriendReq:    h.handleRejectFriendRequest,
		types.EventBlockUser:          h.handleBlockUser,
		types.EventUnblockUser:        h.handleUnblockUser,
		types.EventSetMyPresence:      h.handleSetMyPresence,
		types.EventGetMyPresence:      h.handleGetMyPresence,
		types.EventGetFriendPresence:  h.handleGetFriendPresence,
		types.EventGetUserProfile:     h.handleGetUserProfile,
		types.EventGroupMessage:       h.handleGroupMessage,
		types.EventJoinGroupChat:      h.handleJoinGroupChat,
		types.EventGetGroupHistory:    h.handleGetGroupHistory,
		types.EventGetGroupMembers:    h.handleGetGroupMembers,

		types.EventVoiceDmInvite:  h.handleVoiceDmInvite,
		types.EventVoiceDmAccept:  h.handleVoiceDmAccept,
		types.EventVoiceDmDecline: h.handleVoiceDmDecline,
		types.EventVoiceDmOffer:   h.handleVoiceDmOffer,
		types.EventVoiceDmAnswer:  h.handleVoiceDmAnswer,
		types.EventVoiceDmIce:     h.handleVoiceDmIce,
		types.EventVoiceDmEnd:     h.handleVoiceDmEnd,

		types.EventVoiceRoomJoin:   h.handleVoiceRoomJoin,
		types.EventVoiceRoomLeave:  h.handleVoiceRoomLeave,
		types.EventVoiceRoomOffer:  h.handleVoiceRoomSignal(types.EventVoiceRoomOffer),
		types.EventVoiceRoomAnswer: h.handleVoiceRoomSignal(types.EventVoiceRoomAnswer),
		types.EventVoiceRoomIce:    h.handleVoiceRoomSignal(types.EventVoiceRoomIce),

		types.EventP2PFileOffer:   h.handleP2PFileOffer,
		types.EventP2PFileAnswer:  h.handleP2PFileAnswer,
		types.EventP2PFileDecline: h.handleP2PFileDecline,
		types.EventP2PFileIce:     h.handleP2PFileIce,
	}
}

// reportError shapes a handler failure for the client. Authorization
// failures use the dedicated auth_error event so clients can trigger a
// token refresh or re-login.
func (h *Hub) reportError(c *Client, event types.Event, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindUnauthorized {
		c.Send(types.EventAuthError, ErrorPayload{Event: event, Kind: string(kind), Message: errs.Public(err)})
		return
	}
	c.SendError(event, string(kind), errs.Public(err))
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return errs.E(errs.KindBadInput, "missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.E(errs.KindBadInput, "malformed payload")
	}
	return nil
}

// --- rooms ---

func (h *Hub) handleJoin(ctx context.Context, c *Client, raw []byte) error {
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleRoomJoin, c.user); err != nil {
		return err
	}

	target, err := h.deps.Policy.Join(ctx, c.user, p.Room)
	if err != nil {
		return err
	}
	h.joinRoom(c, target)

	history, err := h.deps.Relay.RoomHistory(ctx, c.user, target, 0, 0)
	if err != nil {
		return err
	}
	c.Send(types.EventJoin, joinReply{Room: target, Users: h.RoomOccupants(target), History: history})
	h.BroadcastRoom(target, types.EventRoomUsers, map[string]any{
		"room": target, "users": h.RoomOccupants(target),
	}, c.id)
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, raw []byte) error {
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Policy.Leave(ctx, c.user, p.Room); err != nil {
		return err
	}
	h.leaveRoom(c, p.Room)
	h.BroadcastRoom(p.Room, types.EventRoomUsers, map[string]any{
		"room": p.Room, "users": h.RoomOccupants(p.Room),
	})
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, raw []byte) error {
	var p sendMessagePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	_, err := h.deps.Relay.SendRoom(ctx, c.user, p.Room, p.Message, p.Cipher)
	return err
}

func (h *Hub) handleReact(ctx context.Context, c *Client, raw []byte) error {
	var p reactPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	_, err := h.deps.Relay.React(ctx, c.user, p.Room, p.MessageID, p.Emoji)
	return err
}

func (h *Hub) handleGetRooms(ctx context.Context, c *Client, _ []byte) error {
	catalog, err := h.deps.Policy.Catalog(ctx, c.user)
	if err != nil {
		return err
	}
	c.Send(types.EventRoomList, catalog)
	return nil
}

func (h *Hub) handleGetUsersInRoom(_ context.Context, c *Client, raw []byte) error {
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	c.Send(types.EventRoomUsers, map[string]any{"room": p.Room, "users": h.RoomOccupants(p.Room)})
	return nil
}

func (h *Hub) handleGetRoomCounts(ctx context.Context, c *Client, _ []byte) error {
	counts, err := h.deps.Policy.Counts(ctx, c.user)
	if err != nil {
		return err
	}
	c.Send(types.EventRoomCounts, counts)
	return nil
}

// --- direct messages ---

func (h *Hub) handleSendDirectMessage(ctx context.Context, c *Client, raw []byte) error {
	var p directMessagePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Relay.SendDM(ctx, c.user, types.NormalizeUsername(p.To), p.Cipher)
}

func (h *Hub) handleFetchOfflinePMs(ctx context.Context, c *Client, raw []byte) error {
	var p fetchOfflinePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	msgs, err := h.deps.Relay.DrainOffline(ctx, c.user, types.NormalizeUsername(p.FromUser), p.Peek)
	if err != nil {
		return err
	}
	c.Send(types.EventFetchOfflinePMs, map[string]any{"from_user": p.FromUser, "messages": msgs})
	return nil
}

func (h *Hub) handleGetMissedSummary(ctx context.Context, c *Client, _ []byte) error {
	summary, err := h.deps.Relay.MissedSummary(ctx, c.user)
	if err != nil {
		return err
	}
	c.Send(types.EventMissedPMSummary, summary)
	return nil
}

// --- social ---

func (h *Hub) handleGetFriends(ctx context.Context, c *Client, _ []byte) error {
	friends, err := h.deps.Store.FriendsOf(ctx, c.user)
	if err != nil {
		return errs.Storage(err)
	}
	c.Send(types.EventFriendsList, friends)

	pending, err := h.deps.Store.PendingFriendRequests(ctx, c.user)
	if err != nil {
		return errs.Storage(err)
	}
	from := make([]string, len(pending))
	for i, r := range pending {
		from[i] = r.FromUser
	}
	c.Send(types.EventPendingFriendReqs, from)
	return nil
}

func (h *Hub) handleSendFriendRequest(ctx context.Context, c *Client, raw []byte) error {
	var p usernamePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleFriendReq, c.user); err != nil {
		return err
	}
	target := types.NormalizeUsername(p.Username)
	if target == c.user {
		return errs.E(errs.KindBadInput, "cannot befriend yourself")
	}
	if exists, err := h.deps.Store.UserExists(ctx, target); err != nil {
		return errs.Storage(err)
	} else if !exists {
		return errs.E(errs.KindNotFound, "no such user")
	}
	if blocked, err := h.deps.Store.IsBlocked(ctx, target, c.user); err != nil {
		return errs.Storage(err)
	} else if blocked {
		return errs.E(errs.KindForbidden, "cannot send a friend request to this user")
	}
	if already, err := h.deps.Store.AreFriends(ctx, c.user, target); err != nil {
		return errs.Storage(err)
	} else if already {
		return errs.E(errs.KindConflict, "already friends")
	}
	if err := h.deps.Store.CreateFriendRequest(ctx, c.user, target); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return errs.E(errs.KindConflict, "request already pending")
		}
		return errs.Storage(err)
	}

	h.emitUser(ctx, target, types.EventFriendRequest, usernamePayload{Username: string(c.user)})
	return nil
}

func (h *Hub) handleAcceptFriendRequest(ctx context.Context, c *Client, raw []byte) error {
	var p usernamePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleFriendAction, c.user); err != nil {
		return err
	}
	from := types.NormalizeUsername(p.Username)
	if err := h.deps.Store.AcceptFriendRequest(ctx, from, c.user); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotFound, "no pending request from this user")
		}
		return errs.Storage(err)
	}

	h.emitUser(ctx, from, types.EventFriendReqAccepted, usernamePayload{Username: string(c.user)})
	for _, u := range []types.UserID{c.user, from} {
		if friends, err := h.deps.Store.FriendsOf(ctx, u); err == nil {
			h.emitUser(ctx, u, types.EventFriendsList, friends)
		}
	}
	return nil
}

func (h *Hub) handleRejectFriendRequest(ctx context.Context, c *Client, raw []byte) error {
	var p usernamePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleFriendAction, c.user); err != nil {
		return err
	}
	if err := h.deps.Store.RejectFriendRequest(ctx, types.NormalizeUsername(p.Username), c.user); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotFound, "no pending request from this user")
		}
		return errs.Storage(err)
	}
	return nil
}

func (h *Hub) handleBlockUser(ctx context.Context, c *Client, raw []byte) error {
	var p usernamePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	list, err := h.deps.Relay.Block(ctx, c.user, types.NormalizeUsername(p.Username))
	if err != nil {
		return err
	}
	c.Send(types.EventBlockedUsersList, list)
	return nil
}

func (h *Hub) handleUnblockUser(ctx context.Context, c *Client, raw []byte) error {
	var p usernamePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	list, err := h.deps.Relay.Unblock(ctx, c.user, types.NormalizeUsername(p.Username))
	if err != nil {
		return err
	}
	c.Send(types.EventBlockedUsersList, list)
	return nil
}

// --- presence & profile ---

func (h *Hub) handleSetMyPresence(ctx context.Context, c *Client, raw []byte) error {
	var p presencePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Presence.Set(ctx, c.user, p.State, p.CustomStatus); err != nil {
		return err
	}
	c.Send(types.EventMyPresence, h.deps.Presence.Mine(c.user))
	return nil
}

func (h *Hub) handleGetMyPresence(_ context.Context, c *Client, _ []byte) error {
	c.Send(types.EventMyPresence, h.deps.Presence.Mine(c.user))
	return nil
}

func (h *Hub) handleGetFriendPresence(ctx context.Context, c *Client, _ []byte) error {
	snaps, err := h.deps.Presence.Friends(ctx, c.user)
	if err != nil {
		return err
	}
	c.Send(types.EventFriendsPresence, snaps)
	return nil
}

func (h *Hub) handleGetUserProfile(ctx context.Context, c *Client, raw []byte) error {
	var p usernamePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	target := types.NormalizeUsername(p.Username)
	u, err := h.deps.Store.GetUser(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotFound, "no such user")
		}
		return errs.Storage(err)
	}
	c.Send(types.EventGetUserProfile, profileReply{
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		PublicKeyPEM: u.PublicKeyPEM,
		Presence:     h.deps.Presence.Observed(target),
	})
	return nil
}

// --- groups ---

func (h *Hub) handleGroupMessage(ctx context.Context, c *Client, raw []byte) error {
	var p groupMessagePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	_, err := h.deps.Relay.SendGroup(ctx, c.user, p.GroupID, p.Message, p.Cipher)
	return err
}

func (h *Hub) handleJoinGroupChat(ctx context.Context, c *Client, raw []byte) error {
	var p groupPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Relay.JoinGroup(ctx, c.user, p.GroupID)
}

func (h *Hub) handleGetGroupHistory(ctx context.Context, c *Client, raw []byte) error {
	var p groupPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	msgs, err := h.deps.Relay.GroupHistory(ctx, c.user, p.GroupID, p.BeforeID, p.Limit)
	if err != nil {
		return err
	}
	c.Send(types.EventGetGroupHistory, map[string]any{"group_id": p.GroupID, "messages": msgs})
	return nil
}

func (h *Hub) handleGetGroupMembers(ctx context.Context, c *Client, raw []byte) error {
	var p groupPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	members, err := h.deps.Relay.GroupMembers(ctx, c.user, p.GroupID)
	if err != nil {
		return err
	}
	c.Send(types.EventGetGroupMembers, map[string]any{"group_id": p.GroupID, "members": members})
	return nil
}

// --- DM voice calls ---

func (h *Hub) handleVoiceDmInvite(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleVoiceInvite, c.user); err != nil {
		return err
	}
	id, err := h.deps.Voice.Invite(ctx, c.user, types.NormalizeUsername(p.To))
	if err != nil {
		return err
	}
	c.Send(types.EventVoiceDmInvite, callReply{CallID: id, To: p.To})
	return nil
}

func (h *Hub) handleVoiceDmAccept(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.Accept(ctx, c.user, p.CallID)
}

func (h *Hub) handleVoiceDmDecline(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.Decline(ctx, c.user, p.CallID)
}

func (h *Hub) handleVoiceDmOffer(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.Offer(ctx, c.user, p.CallID, p.SDP)
}

func (h *Hub) handleVoiceDmAnswer(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.Answer(ctx, c.user, p.CallID, p.SDP)
}

func (h *Hub) handleVoiceDmIce(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.Ice(ctx, c.user, p.CallID, p.ICE)
}

func (h *Hub) handleVoiceDmEnd(ctx context.Context, c *Client, raw []byte) error {
	var p dmCallPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.End(ctx, c.user, p.CallID, p.Reason)
}

// --- room voice ---

func (h *Hub) handleVoiceRoomJoin(ctx context.Context, c *Client, raw []byte) error {
	var p voiceRoomPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	res, err := h.deps.Voice.JoinRoom(ctx, c.user, c.id, p.Room)
	if err != nil {
		return err
	}
	c.Send(types.EventVoiceRoomJoin, res)
	return nil
}

func (h *Hub) handleVoiceRoomLeave(ctx context.Context, c *Client, raw []byte) error {
	var p voiceRoomPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.LeaveRoom(ctx, c.user, c.id, p.Room)
}

func (h *Hub) handleVoiceRoomSignal(event types.Event) handlerFunc {
	return func(ctx context.Context, c *Client, raw []byte) error {
		var p voiceRoomPayload
		if err := decode(raw, &p); err != nil {
			return err
		}
		return h.deps.Voice.RelayRoomSignal(ctx, c.user, p.Room, event, types.NormalizeUsername(p.To), p.SDP, p.ICE)
	}
}

// --- P2P file transfer ---

func (h *Hub) handleP2PFileOffer(ctx context.Context, c *Client, raw []byte) error {
	var p p2pPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleP2PSignal, c.user); err != nil {
		return err
	}
	return h.deps.Voice.OfferTransfer(ctx, c.user, types.NormalizeUsername(p.To), p.TransferID, p.Meta, p.SDP)
}

func (h *Hub) handleP2PFileAnswer(ctx context.Context, c *Client, raw []byte) error {
	var p p2pPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleP2PSignal, c.user); err != nil {
		return err
	}
	return h.deps.Voice.AnswerTransfer(ctx, c.user, p.TransferID, p.SDP)
}

func (h *Hub) handleP2PFileDecline(ctx context.Context, c *Client, raw []byte) error {
	var p p2pPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	return h.deps.Voice.DeclineTransfer(ctx, c.user, p.TransferID)
}

func (h *Hub) handleP2PFileIce(ctx context.Context, c *Client, raw []byte) error {
	var p p2pPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := h.deps.Governor.Allow(ctx, governor.RuleP2PSignal, c.user); err != nil {
		return err
	}
	return h.deps.Voice.TransferIce(ctx, c.user, p.TransferID, p.ICE)
}

// emitUser sends locally and falls back to the bridge for users connected
// to another worker.
func (h *Hub) emitUser(ctx context.Context, user types.UserID, event types.Event, payload any) {
	if h.SendToUser(user, event, payload) {
		return
	}
	if h.deps.Bridge != nil {
		_ = h.deps.Bridge.PublishUser(ctx, user, event, payload)
	}
}
