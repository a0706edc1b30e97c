package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// CreateSession opens a new auth session.
func (s *Store) CreateSession(ctx context.Context, sess *AuthSession) error {
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = time.Now().UTC()
	}
	return translate(s.db.WithContext(ctx).Create(sess).Error)
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*AuthSession, error) {
	var sess AuthSession
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

// TouchSession stamps activity on a live session. Terminated sessions are
// left untouched so idle sweeps stay final.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&AuthSession{}).
		Where("id = ? AND terminated_at IS NULL", id).
		Update("last_activity_at", at).Error
}

// TerminateSession ends one session and revokes its tokens. Idempotent:
// a second call on a terminated session is a no-op.
func (s *Store) TerminateSession(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AuthSession{}).
			Where("id = ? AND terminated_at IS NULL", id).
			Updates(map[string]any{"terminated_at": now, "terminate_reason": reason}).Error; err != nil {
			return err
		}
		return tx.Model(&AuthToken{}).Where("session_id = ?", id).Update("revoked", true).Error
	})
}

// TerminateUserSessions ends every live session for a user and returns the
// ids that were terminated, so the caller can disconnect matching sockets.
func (s *Store) TerminateUserSessions(ctx context.Context, userID, reason string) ([]string, error) {
	now := time.Now().UTC()
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AuthSession{}).
			Where("user_id = ? AND terminated_at IS NULL", userID).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&AuthSession{}).Where("id IN ?", ids).
			Updates(map[string]any{"terminated_at": now, "terminate_reason": reason}).Error; err != nil {
			return err
		}
		return tx.Model(&AuthToken{}).Where("session_id IN ?", ids).Update("revoked", true).Error
	})
	return ids, err
}

// IdleSessions returns live sessions whose last activity predates the cutoff.
func (s *Store) IdleSessions(ctx context.Context, cutoff time.Time) ([]AuthSession, error) {
	var out []AuthSession
	err := s.db.WithContext(ctx).
		Where("terminated_at IS NULL AND last_activity_at < ?", cutoff).
		Find(&out).Error
	return out, err
}

// SaveToken records an issued token.
func (s *Store) SaveToken(ctx context.Context, t *AuthToken) error {
	return translate(s.db.WithContext(ctx).Create(t).Error)
}

// GetToken fetches a token record by jti.
func (s *Store) GetToken(ctx context.Context, jti string) (*AuthToken, error) {
	var t AuthToken
	if err := s.db.WithContext(ctx).First(&t, "jti = ?", jti).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// ConsumeRefreshToken marks a refresh token consumed and records its
// successor, atomically. A compare-and-set guards single use: if another
// request already consumed the jti, RowsAffected is zero and ErrConsumed is
// returned, and the caller must revoke the whole session (replay signal).
func (s *Store) ConsumeRefreshToken(ctx context.Context, jti string, successor *AuthToken) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AuthToken{}).
			Where("jti = ? AND kind = ? AND revoked = ? AND consumed_at IS NULL", jti, TokenKindRefresh, false).
			Update("consumed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var t AuthToken
			if err := tx.First(&t, "jti = ?", jti).Error; err != nil {
				return translate(err)
			}
			return ErrConsumed
		}
		successor.ParentJTI = jti
		return translate(tx.Create(successor).Error)
	})
}

// RevokeToken revokes a single token.
func (s *Store) RevokeToken(ctx context.Context, jti string) error {
	return s.db.WithContext(ctx).Model(&AuthToken{}).Where("jti = ?", jti).Update("revoked", true).Error
}

// PurgeExpiredTokens removes token records past their expiry. Called from
// the background sweeper; keeps the token table bounded.
func (s *Store) PurgeExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&AuthToken{})
	return res.RowsAffected, res.Error
}

// CreatePasswordReset stores a single-use reset token.
func (s *Store) CreatePasswordReset(ctx context.Context, t *PasswordResetToken) error {
	return translate(s.db.WithContext(ctx).Create(t).Error)
}

// ConsumePasswordReset redeems a reset token exactly once, returning the
// user it belongs to. Expired or already-consumed tokens yield ErrConsumed.
func (s *Store) ConsumePasswordReset(ctx context.Context, token string) (userID string, err error) {
	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t PasswordResetToken
		if err := tx.First(&t, "token = ?", token).Error; err != nil {
			return translate(err)
		}
		if t.ConsumedAt != nil || now.After(t.ExpiresAt) {
			return ErrConsumed
		}
		res := tx.Model(&PasswordResetToken{}).
			Where("token = ? AND consumed_at IS NULL", token).
			Update("consumed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConsumed
		}
		userID = t.UserID
		return nil
	})
	return userID, err
}
