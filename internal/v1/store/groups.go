package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/echochat/backend/go/internal/v1/types"
)

// CreateGroup inserts a group with its owner as the first member.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return translate(err)
		}
		member := GroupMember{GroupID: g.ID, UserID: g.Owner, Role: "owner", JoinedAt: time.Now().UTC()}
		return translate(tx.Create(&member).Error)
	})
}

// GetGroup fetches a group by id.
func (s *Store) GetGroup(ctx context.Context, id types.GroupID) (*Group, error) {
	var g Group
	if err := s.db.WithContext(ctx).First(&g, "id = ?", int64(id)).Error; err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

// DeleteGroup removes a group with its members, messages, and invites.
func (s *Store) DeleteGroup(ctx context.Context, id types.GroupID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&GroupMember{}, &GroupMessage{}, &GroupInvite{}} {
			if err := tx.Where("group_id = ?", int64(id)).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", int64(id)).Delete(&Group{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GroupsOf lists the groups a user belongs to.
func (s *Store) GroupsOf(ctx context.Context, user types.UserID) ([]Group, error) {
	var out []Group
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.group_id = groups.id").
		Where("group_members.user_id = ?", string(user)).
		Order("groups.id").
		Find(&out).Error
	return out, err
}

// AddGroupMember joins a user to a group. Re-joining is a no-op.
func (s *Store) AddGroupMember(ctx context.Context, id types.GroupID, user types.UserID) error {
	m := GroupMember{GroupID: int64(id), UserID: string(user), Role: "member", JoinedAt: time.Now().UTC()}
	err := translate(s.db.WithContext(ctx).Create(&m).Error)
	if err == ErrDuplicate {
		return nil
	}
	return err
}

// RemoveGroupMember drops a membership.
func (s *Store) RemoveGroupMember(ctx context.Context, id types.GroupID, user types.UserID) error {
	res := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", int64(id), string(user)).
		Delete(&GroupMember{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupMembers lists member usernames of a group.
func (s *Store) GroupMembers(ctx context.Context, id types.GroupID) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ?", int64(id)).
		Order("user_id").
		Pluck("user_id", &out).Error
	return out, err
}

// IsGroupMember reports group membership.
func (s *Store) IsGroupMember(ctx context.Context, id types.GroupID, user types.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", int64(id), string(user)).
		Count(&n).Error
	return n > 0, err
}

// CreateGroupInvite records a pending invite.
func (s *Store) CreateGroupInvite(ctx context.Context, inv *GroupInvite) error {
	return translate(s.db.WithContext(ctx).Create(inv).Error)
}

// ConsumeGroupInvite redeems a pending invite for the invitee.
func (s *Store) ConsumeGroupInvite(ctx context.Context, id types.GroupID, invitee types.UserID) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&GroupInvite{}).
		Where("group_id = ? AND invitee = ? AND consumed_at IS NULL", int64(id), string(invitee)).
		Update("consumed_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingGroupInvites lists a user's open group invites.
func (s *Store) PendingGroupInvites(ctx context.Context, invitee types.UserID) ([]GroupInvite, error) {
	var out []GroupInvite
	err := s.db.WithContext(ctx).
		Where("invitee = ? AND consumed_at IS NULL", string(invitee)).
		Order("created_at").Find(&out).Error
	return out, err
}

// AppendGroupMessage persists a group message and returns its id.
func (s *Store) AppendGroupMessage(ctx context.Context, m *GroupMessage) (int64, error) {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return 0, translate(err)
	}
	return m.ID, nil
}

// GroupHistory returns up to limit messages for a group, newest last.
func (s *Store) GroupHistory(ctx context.Context, id types.GroupID, beforeID int64, limit int) ([]GroupMessage, error) {
	q := s.db.WithContext(ctx).Where("group_id = ?", int64(id))
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var page []GroupMessage
	if err := q.Order("id DESC").Limit(limit).Find(&page).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}
