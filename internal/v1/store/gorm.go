// Package store is the storage gateway: typed, transactional access to all
// durable state. PostgreSQL backs production deployments; the glebarez
// SQLite driver backs single-node setups and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Common gateway errors. Callers translate these to the typed error kinds
// at the subsystem boundary.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrConsumed  = errors.New("token already consumed")
)

// Store wraps the gorm handle. All exported operations take a context and
// never hold transactions open across calls.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the DSN. DSNs starting with
// "postgres://" or containing "host=" select PostgreSQL; anything else is
// treated as a SQLite path (":memory:" in tests).
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{db: db}, nil
}

// EnsureSchema applies the schema idempotently. A DDL failure rolls back
// its transaction without poisoning subsequent queries.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&User{},
			&AuthSession{},
			&AuthToken{},
			&PasswordResetToken{},
			&Room{},
			&RoomMembership{},
			&RoomInvite{},
			&RoomMessage{},
			&Reaction{},
			&Group{},
			&GroupMember{},
			&GroupInvite{},
			&GroupMessage{},
			&OfflineMessage{},
			&FileBlob{},
			&FileRef{},
			&Block{},
			&FriendRequest{},
			&Friendship{},
		)
	})
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps gorm errors onto the gateway sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}
