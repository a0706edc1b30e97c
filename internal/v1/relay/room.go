package relay

import (
	"context"
	"errors"
	"time"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// ChatMessage is the chat_message broadcast payload. When Cipher is set,
// Message carries the fixed placeholder so legacy clients render something.
type ChatMessage struct {
	Room      types.RoomName `json:"room"`
	Username  types.UserID   `json:"username"`
	Message   string         `json:"message,omitempty"`
	Cipher    string         `json:"cipher,omitempty"`
	Timestamp int64          `json:"timestamp"`
	MessageID int64          `json:"message_id"`
}

// ReactionBroadcast is the message_reactions payload. Counts are monotone:
// reactions are final, so a count never decreases.
type ReactionBroadcast struct {
	Room      types.RoomName   `json:"room"`
	MessageID int64            `json:"message_id"`
	Counts    map[string]int64 `json:"counts"`
}

// SendRoom relays one room message. Exactly one of message or cipher must
// be present; policy (membership, locked, read-only, slowmode) is enforced
// before anything persists.
func (r *Relay) SendRoom(ctx context.Context, sender types.UserID, room types.RoomName, message, cipher string) (*ChatMessage, error) {
	if (message == "") == (cipher == "") {
		return nil, errs.E(errs.KindBadInput, "exactly one of message or cipher is required")
	}
	if err := r.gov.Allow(ctx, governor.RuleRoomSend, sender); err != nil {
		return nil, err
	}
	if message != "" {
		if err := r.gov.ScreenPlaintext(sender, message); err != nil {
			return nil, err
		}
	}
	if err := r.policy.CheckSend(ctx, room, sender); err != nil {
		return nil, err
	}

	rec := &store.RoomMessage{
		RoomName:  string(room),
		Author:    string(sender),
		Body:      message,
		Cipher:    cipher,
		CreatedAt: time.Now().UTC(),
	}
	id, err := r.store.AppendRoomMessage(ctx, rec)
	if err != nil {
		return nil, errs.Storage(err)
	}

	out := &ChatMessage{
		Room:      room,
		Username:  sender,
		Message:   message,
		Cipher:    cipher,
		Timestamp: rec.CreatedAt.Unix(),
		MessageID: id,
	}
	if cipher != "" {
		out.Message = types.CipherPlaceholder
	}

	if r.sender != nil {
		r.sender.BroadcastRoom(room, types.EventChatMessage, out)
	}
	if r.bridge != nil {
		_ = r.bridge.Publish(ctx, room, types.EventChatMessage, out)
	}
	metrics.RelayedMessages.WithLabelValues("room", "ok").Inc()
	return out, nil
}

// RoomHistory pages a room's messages for members, oldest-first within the
// page. Ciphertext rows are returned verbatim.
func (r *Relay) RoomHistory(ctx context.Context, viewer types.UserID, room types.RoomName, beforeID int64, limit int) ([]ChatMessage, error) {
	if _, err := r.store.Membership(ctx, room, viewer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindNotInRoom, "not a member of this room")
		}
		return nil, errs.Storage(err)
	}
	rows, err := r.policy.History(ctx, room, beforeID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, len(rows))
	for i, m := range rows {
		out[i] = ChatMessage{
			Room:      room,
			Username:  types.UserID(m.Author),
			Message:   m.Body,
			Cipher:    m.Cipher,
			Timestamp: m.CreatedAt.Unix(),
			MessageID: m.ID,
		}
		if m.Cipher != "" {
			out[i].Message = types.CipherPlaceholder
		}
	}
	return out, nil
}

// React records a reaction. Reactions are final: a second reaction from the
// same user on the same message is rejected whatever the emoji, and the
// broadcast counts stay unchanged.
func (r *Relay) React(ctx context.Context, user types.UserID, room types.RoomName, messageID int64, emoji string) (*ReactionBroadcast, error) {
	if _, ok := types.AllowedReactionEmoji[emoji]; !ok {
		return nil, errs.E(errs.KindBadInput, "unsupported reaction emoji")
	}
	if _, err := r.store.Membership(ctx, room, user); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindNotInRoom, "not a member of this room")
		}
		return nil, errs.Storage(err)
	}
	msg, err := r.store.GetRoomMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindNotFound, "no such message")
		}
		return nil, errs.Storage(err)
	}
	if msg.RoomName != string(room) {
		return nil, errs.E(errs.KindNotFound, "no such message in this room")
	}

	if err := r.store.AddReaction(ctx, &store.Reaction{
		MessageID: messageID,
		UserID:    string(user),
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errs.E(errs.KindReactionFinal, "reaction already recorded")
		}
		return nil, errs.Storage(err)
	}

	counts, err := r.store.ReactionCounts(ctx, messageID)
	if err != nil {
		return nil, errs.Storage(err)
	}
	out := &ReactionBroadcast{Room: room, MessageID: messageID, Counts: make(map[string]int64, len(counts))}
	for _, c := range counts {
		out.Counts[c.Emoji] = c.Count
	}

	if r.sender != nil {
		r.sender.BroadcastRoom(room, types.EventMessageReactions, out)
	}
	if r.bridge != nil {
		_ = r.bridge.Publish(ctx, room, types.EventMessageReactions, out)
	}
	return out, nil
}
