package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/echochat/backend/go/internal/v1/types"
)

// CreateUser inserts a new account. Username must already be case-folded by
// the caller; EmailCI is derived here. Returns ErrDuplicate when either the
// username or the email is taken.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.EmailCI = strings.ToLower(u.Email)
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

// GetUser fetches an account by case-folded username.
func (s *Store) GetUser(ctx context.Context, username types.UserID) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "username = ?", string(username)).Error
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// GetUserByEmail resolves an account by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "email_ci = ?", strings.ToLower(email)).Error
	if err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UserExists reports whether a username is taken.
func (s *Store) UserExists(ctx context.Context, username types.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Count(&n).Error
	return n > 0, err
}

// RecordLoginFailure increments the failure counter and, once the threshold
// is crossed, locks the account until the given time. Runs in a transaction
// so concurrent failures cannot skip the lock.
func (s *Store) RecordLoginFailure(ctx context.Context, username types.UserID, threshold int, until time.Time) (locked bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.First(&u, "username = ?", string(username)).Error; err != nil {
			return translate(err)
		}
		u.FailedLogins++
		updates := map[string]any{"failed_logins": u.FailedLogins}
		if u.FailedLogins >= threshold {
			updates["locked_until"] = until
			locked = true
		}
		return tx.Model(&User{}).Where("username = ?", string(username)).Updates(updates).Error
	})
	return locked, err
}

// RecordLoginSuccess clears lockout state and stamps the login.
func (s *Store) RecordLoginSuccess(ctx context.Context, username types.UserID, agent string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Updates(map[string]any{
		"failed_logins":    0,
		"locked_until":     nil,
		"last_login_at":    now,
		"last_login_agent": agent,
	}).Error
}

// UpdatePassword replaces the password hash and clears lockout state.
func (s *Store) UpdatePassword(ctx context.Context, username types.UserID, hash string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Updates(map[string]any{
		"password_hash": hash,
		"failed_logins": 0,
		"locked_until":  nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateKeys stores a user's public key and encrypted private key blob.
func (s *Store) UpdateKeys(ctx context.Context, username types.UserID, publicPEM, privateBlob string) error {
	return s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Updates(map[string]any{
		"public_key_pem":   publicPEM,
		"private_key_blob": privateBlob,
	}).Error
}

// PublicKey returns the stored public key PEM for a user.
func (s *Store) PublicKey(ctx context.Context, username types.UserID) (string, error) {
	var u User
	err := s.db.WithContext(ctx).Select("public_key_pem").First(&u, "username = ?", string(username)).Error
	if err != nil {
		return "", translate(err)
	}
	return u.PublicKeyPEM, nil
}

// UpdateRecoveryPin replaces the recovery PIN verifier; empty clears it.
func (s *Store) UpdateRecoveryPin(ctx context.Context, username types.UserID, hash string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Update("recovery_pin_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAdmin toggles the admin flag.
func (s *Store) SetAdmin(ctx context.Context, username types.UserID, admin bool) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Update("is_admin", admin)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRoles replaces the comma-separated role set.
func (s *Store) SetRoles(ctx context.Context, username types.UserID, roles []string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", string(username)).Update("roles", strings.Join(roles, ","))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsernames returns all usernames, for the admin directory.
func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&User{}).Order("username").Pluck("username", &names).Error
	return names, err
}

// Roles parses the stored comma-separated role set.
func (u *User) RoleSet() []string {
	if u.Roles == "" {
		return nil
	}
	return strings.Split(u.Roles, ",")
}

// Locked reports whether the account is currently locked out.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}
