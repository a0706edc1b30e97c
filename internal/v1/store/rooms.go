package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/echochat/backend/go/internal/v1/types"
)

// CreateRoom inserts a room. Returns ErrDuplicate if the name is taken.
func (s *Store) CreateRoom(ctx context.Context, r *Room) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

// GetRoom fetches a room by name.
func (s *Store) GetRoom(ctx context.Context, name types.RoomName) (*Room, error) {
	var r Room
	if err := s.db.WithContext(ctx).First(&r, "name = ?", string(name)).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// ListRooms returns the room catalog. Private rooms are included; the
// caller filters visibility per viewer.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	var out []Room
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

// ListSubrooms returns the overflow sub-rooms of a base room, in name order.
func (s *Store) ListSubrooms(ctx context.Context, parent types.RoomName) ([]Room, error) {
	var out []Room
	err := s.db.WithContext(ctx).Where("parent_name = ?", string(parent)).Order("name").Find(&out).Error
	return out, err
}

// DeleteRoom removes a room, its memberships, messages, reactions, and
// pending invites in one transaction.
func (s *Store) DeleteRoom(ctx context.Context, name types.RoomName) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Model(&RoomMessage{}).Where("room_name = ?", string(name)).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Where("message_id IN ?", ids).Delete(&Reaction{}).Error; err != nil {
				return err
			}
		}
		for _, model := range []any{&RoomMessage{}, &RoomMembership{}, &RoomInvite{}} {
			if err := tx.Where("room_name = ?", string(name)).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("name = ?", string(name)).Delete(&Room{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetRoomPolicy updates the moderation toggles on a room.
func (s *Store) SetRoomPolicy(ctx context.Context, name types.RoomName, locked, readOnly bool, slowmodeSeconds int) error {
	res := s.db.WithContext(ctx).Model(&Room{}).Where("name = ?", string(name)).Updates(map[string]any{
		"locked":           locked,
		"read_only":        readOnly,
		"slowmode_seconds": slowmodeSeconds,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember joins a user to a room. Re-joining is a no-op.
func (s *Store) AddMember(ctx context.Context, room types.RoomName, user types.UserID, role types.RoomRole) error {
	m := RoomMembership{RoomName: string(room), UserID: string(user), Role: string(role), JoinedAt: time.Now().UTC()}
	err := translate(s.db.WithContext(ctx).Create(&m).Error)
	if err == ErrDuplicate {
		return nil
	}
	return err
}

// RemoveMember drops a membership. Returns ErrNotFound when absent.
func (s *Store) RemoveMember(ctx context.Context, room types.RoomName, user types.UserID) error {
	res := s.db.WithContext(ctx).
		Where("room_name = ? AND user_id = ?", string(room), string(user)).
		Delete(&RoomMembership{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Membership fetches one membership row.
func (s *Store) Membership(ctx context.Context, room types.RoomName, user types.UserID) (*RoomMembership, error) {
	var m RoomMembership
	err := s.db.WithContext(ctx).
		First(&m, "room_name = ? AND user_id = ?", string(room), string(user)).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// SetMemberRole changes a member's role.
func (s *Store) SetMemberRole(ctx context.Context, room types.RoomName, user types.UserID, role types.RoomRole) error {
	res := s.db.WithContext(ctx).Model(&RoomMembership{}).
		Where("room_name = ? AND user_id = ?", string(room), string(user)).
		Update("role", string(role))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RoomMembers lists member usernames for a room.
func (s *Store) RoomMembers(ctx context.Context, room types.RoomName) ([]RoomMembership, error) {
	var out []RoomMembership
	err := s.db.WithContext(ctx).Where("room_name = ?", string(room)).Order("user_id").Find(&out).Error
	return out, err
}

// MemberCount returns the membership count of a room.
func (s *Store) MemberCount(ctx context.Context, room types.RoomName) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RoomMembership{}).Where("room_name = ?", string(room)).Count(&n).Error
	return n, err
}

// CreateRoomInvite records a pending invite.
func (s *Store) CreateRoomInvite(ctx context.Context, inv *RoomInvite) error {
	return translate(s.db.WithContext(ctx).Create(inv).Error)
}

// ConsumeRoomInvite redeems a pending invite for the invitee, exactly once.
func (s *Store) ConsumeRoomInvite(ctx context.Context, room types.RoomName, invitee types.UserID) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&RoomInvite{}).
		Where("room_name = ? AND invitee = ? AND consumed_at IS NULL", string(room), string(invitee)).
		Update("consumed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingRoomInvites lists a user's open invites.
func (s *Store) PendingRoomInvites(ctx context.Context, invitee types.UserID) ([]RoomInvite, error) {
	var out []RoomInvite
	err := s.db.WithContext(ctx).
		Where("invitee = ? AND consumed_at IS NULL", string(invitee)).
		Order("created_at").Find(&out).Error
	return out, err
}

// AppendRoomMessage persists a room message and returns its id.
func (s *Store) AppendRoomMessage(ctx context.Context, m *RoomMessage) (int64, error) {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return 0, translate(err)
	}
	return m.ID, nil
}

// RoomHistory returns up to limit messages for a room, newest last.
// beforeID pages backwards; 0 means latest page.
func (s *Store) RoomHistory(ctx context.Context, room types.RoomName, beforeID int64, limit int) ([]RoomMessage, error) {
	q := s.db.WithContext(ctx).Where("room_name = ?", string(room))
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var page []RoomMessage
	if err := q.Order("id DESC").Limit(limit).Find(&page).Error; err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// GetRoomMessage fetches one message by id.
func (s *Store) GetRoomMessage(ctx context.Context, id int64) (*RoomMessage, error) {
	var m RoomMessage
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// AddReaction records a user's reaction to a message. The composite primary
// key makes reactions final: a second insert for the same (message, user)
// returns ErrDuplicate regardless of emoji.
func (s *Store) AddReaction(ctx context.Context, r *Reaction) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

// ReactionCount holds the tally for one emoji on one message.
type ReactionCount struct {
	Emoji string
	Count int64
}

// ReactionCounts tallies reactions per emoji for a message.
func (s *Store) ReactionCounts(ctx context.Context, messageID int64) ([]ReactionCount, error) {
	var out []ReactionCount
	err := s.db.WithContext(ctx).Model(&Reaction{}).
		Select("emoji, COUNT(*) as count").
		Where("message_id = ?", messageID).
		Group("emoji").
		Order("emoji").
		Find(&out).Error
	return out, err
}
