package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/echochat/backend/go/internal/v1/types"
)

// AddBlock records that blocker blocks blocked. Re-blocking is a no-op.
func (s *Store) AddBlock(ctx context.Context, blocker, blocked types.UserID) error {
	b := Block{Blocker: string(blocker), Blocked: string(blocked), CreatedAt: time.Now().UTC()}
	err := translate(s.db.WithContext(ctx).Create(&b).Error)
	if err == ErrDuplicate {
		return nil
	}
	return err
}

// RemoveBlock lifts a block.
func (s *Store) RemoveBlock(ctx context.Context, blocker, blocked types.UserID) error {
	res := s.db.WithContext(ctx).
		Where("blocker = ? AND blocked = ?", string(blocker), string(blocked)).
		Delete(&Block{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsBlocked reports whether blocker has blocked blocked.
func (s *Store) IsBlocked(ctx context.Context, blocker, blocked types.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Block{}).
		Where("blocker = ? AND blocked = ?", string(blocker), string(blocked)).
		Count(&n).Error
	return n > 0, err
}

// BlocksOf lists usernames blocked by a user.
func (s *Store) BlocksOf(ctx context.Context, blocker types.UserID) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&Block{}).
		Where("blocker = ?", string(blocker)).
		Order("blocked").
		Pluck("blocked", &out).Error
	return out, err
}

// CreateFriendRequest records a pending request. Returns ErrDuplicate when
// one is already pending in this direction.
func (s *Store) CreateFriendRequest(ctx context.Context, from, to types.UserID) error {
	r := FriendRequest{FromUser: string(from), ToUser: string(to), CreatedAt: time.Now().UTC()}
	return translate(s.db.WithContext(ctx).Create(&r).Error)
}

// HasFriendRequest reports whether a request from->to is pending.
func (s *Store) HasFriendRequest(ctx context.Context, from, to types.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&FriendRequest{}).
		Where("from_user = ? AND to_user = ?", string(from), string(to)).
		Count(&n).Error
	return n > 0, err
}

// PendingFriendRequests lists requests addressed to a user.
func (s *Store) PendingFriendRequests(ctx context.Context, to types.UserID) ([]FriendRequest, error) {
	var out []FriendRequest
	err := s.db.WithContext(ctx).
		Where("to_user = ?", string(to)).
		Order("created_at").Find(&out).Error
	return out, err
}

// AcceptFriendRequest consumes the pending request and records the
// friendship, atomically. ErrNotFound means no request was pending.
func (s *Store) AcceptFriendRequest(ctx context.Context, from, to types.UserID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("from_user = ? AND to_user = ?", string(from), string(to)).Delete(&FriendRequest{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		a, b := FriendPair(from, to)
		err := translate(tx.Create(&Friendship{UserA: a, UserB: b, CreatedAt: time.Now().UTC()}).Error)
		if err == ErrDuplicate {
			return nil
		}
		return err
	})
}

// RejectFriendRequest drops the pending request.
func (s *Store) RejectFriendRequest(ctx context.Context, from, to types.UserID) error {
	res := s.db.WithContext(ctx).
		Where("from_user = ? AND to_user = ?", string(from), string(to)).
		Delete(&FriendRequest{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveFriend dissolves a friendship.
func (s *Store) RemoveFriend(ctx context.Context, u, v types.UserID) error {
	a, b := FriendPair(u, v)
	res := s.db.WithContext(ctx).Where("user_a = ? AND user_b = ?", a, b).Delete(&Friendship{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AreFriends reports whether two users are friends.
func (s *Store) AreFriends(ctx context.Context, u, v types.UserID) (bool, error) {
	a, b := FriendPair(u, v)
	var n int64
	err := s.db.WithContext(ctx).Model(&Friendship{}).
		Where("user_a = ? AND user_b = ?", a, b).Count(&n).Error
	return n > 0, err
}

// FriendsOf lists a user's friends.
func (s *Store) FriendsOf(ctx context.Context, user types.UserID) ([]types.UserID, error) {
	var rows []Friendship
	err := s.db.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", string(user), string(user)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.UserID, 0, len(rows))
	for _, f := range rows {
		if f.UserA == string(user) {
			out = append(out, types.UserID(f.UserB))
		} else {
			out = append(out, types.UserID(f.UserA))
		}
	}
	return out, nil
}
