package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/echochat/backend/go/internal/v1/types"
)

// EnqueueOffline spools a ciphertext DM for an offline recipient.
func (s *Store) EnqueueOffline(ctx context.Context, m *OfflineMessage) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

// DrainOffline returns the spooled messages from one sender to a recipient
// in arrival order. With peek=false the returned rows are deleted in the
// same transaction, so each message is handed out exactly once; peek=true
// leaves the spool untouched.
func (s *Store) DrainOffline(ctx context.Context, recipient, sender types.UserID, peek bool) ([]OfflineMessage, error) {
	var out []OfflineMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("recipient = ? AND sender = ?", string(recipient), string(sender)).
			Order("created_at, id").
			Find(&out).Error; err != nil {
			return err
		}
		if peek || len(out) == 0 {
			return nil
		}
		ids := make([]int64, len(out))
		for i, m := range out {
			ids[i] = m.ID
		}
		return tx.Where("id IN ?", ids).Delete(&OfflineMessage{}).Error
	})
	return out, err
}

// OfflineSummary is one row of the per-sender pending digest.
type OfflineSummary struct {
	Sender string
	Count  int64
}

// OfflineSummaries returns per-sender pending counts for a recipient, used
// in the post-login digest.
func (s *Store) OfflineSummaries(ctx context.Context, recipient types.UserID) ([]OfflineSummary, error) {
	var out []OfflineSummary
	err := s.db.WithContext(ctx).Model(&OfflineMessage{}).
		Select("sender, COUNT(*) as count").
		Where("recipient = ?", string(recipient)).
		Group("sender").
		Order("sender").
		Find(&out).Error
	return out, err
}

// OfflineCount returns the total spool depth for a recipient.
func (s *Store) OfflineCount(ctx context.Context, recipient types.UserID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&OfflineMessage{}).
		Where("recipient = ?", string(recipient)).Count(&n).Error
	return n, err
}
