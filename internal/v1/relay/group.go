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

// GroupMessage is the group_message fan-out payload.
type GroupMessage struct {
	GroupID   types.GroupID `json:"group_id"`
	Author    types.UserID  `json:"author"`
	Message   string        `json:"message,omitempty"`
	Cipher    string        `json:"cipher,omitempty"`
	Timestamp int64         `json:"timestamp"`
	MessageID int64         `json:"message_id"`
}

func (r *Relay) requireGroupMember(ctx context.Context, group types.GroupID, user types.UserID) error {
	ok, err := r.store.IsGroupMember(ctx, group, user)
	if err != nil {
		return errs.Storage(err)
	}
	if !ok {
		return errs.E(errs.KindForbidden, "not a member of this group")
	}
	return nil
}

// SendGroup relays one group message to every member. Groups have no room
// index, so fan-out targets each member's connections directly.
func (r *Relay) SendGroup(ctx context.Context, sender types.UserID, group types.GroupID, message, cipher string) (*GroupMessage, error) {
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
	if err := r.requireGroupMember(ctx, group, sender); err != nil {
		return nil, err
	}

	rec := &store.GroupMessage{
		GroupID:   int64(group),
		Author:    string(sender),
		Body:      message,
		Cipher:    cipher,
		CreatedAt: time.Now().UTC(),
	}
	id, err := r.store.AppendGroupMessage(ctx, rec)
	if err != nil {
		return nil, errs.Storage(err)
	}

	out := &GroupMessage{
		GroupID:   group,
		Author:    sender,
		Message:   message,
		Cipher:    cipher,
		Timestamp: rec.CreatedAt.Unix(),
		MessageID: id,
	}
	if cipher != "" {
		out.Message = types.CipherPlaceholder
	}

	members, err := r.store.GroupMembers(ctx, group)
	if err != nil {
		return nil, errs.Storage(err)
	}
	for _, m := range members {
		member := types.UserID(m)
		if member == sender {
			continue
		}
		if r.sender != nil {
			r.sender.SendToUser(member, types.EventGroupMessage, out)
		}
		if r.bridge != nil {
			_ = r.bridge.PublishUser(ctx, member, types.EventGroupMessage, out)
		}
	}
	metrics.RelayedMessages.WithLabelValues("group", "ok").Inc()
	return out, nil
}

// GroupHistory pages a group's messages for members.
func (r *Relay) GroupHistory(ctx context.Context, viewer types.UserID, group types.GroupID, beforeID int64, limit int) ([]GroupMessage, error) {
	if err := r.requireGroupMember(ctx, group, viewer); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > types.DefaultHistoryLimit {
		limit = types.DefaultHistoryLimit
	}
	rows, err := r.store.GroupHistory(ctx, group, beforeID, limit)
	if err != nil {
		return nil, errs.Storage(err)
	}
	out := make([]GroupMessage, len(rows))
	for i, m := range rows {
		out[i] = GroupMessage{
			GroupID:   group,
			Author:    types.UserID(m.Author),
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

// GroupMembers lists a group's membership for members.
func (r *Relay) GroupMembers(ctx context.Context, viewer types.UserID, group types.GroupID) ([]string, error) {
	if err := r.requireGroupMember(ctx, group, viewer); err != nil {
		return nil, err
	}
	members, err := r.store.GroupMembers(ctx, group)
	if err != nil {
		return nil, errs.Storage(err)
	}
	return members, nil
}

// JoinGroup redeems a pending invite and adds the user.
func (r *Relay) JoinGroup(ctx context.Context, user types.UserID, group types.GroupID) error {
	if ok, err := r.store.IsGroupMember(ctx, group, user); err != nil {
		return errs.Storage(err)
	} else if ok {
		return nil
	}
	if err := r.store.ConsumeGroupInvite(ctx, group, user); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindForbidden, "group is invite-only")
		}
		return errs.Storage(err)
	}
	if err := r.store.AddGroupMember(ctx, group, user); err != nil {
		return errs.Storage(err)
	}
	return nil
}
