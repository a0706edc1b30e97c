package store

import (
	"time"

	"github.com/echochat/backend/go/internal/v1/types"
)

// User is an account record. Username and EmailCI are stored case-folded
// so uniqueness is case-insensitive; DisplayName preserves the original
// casing for presentation.
type User struct {
	ID              string `gorm:"primaryKey;size:36"`
	Username        string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName     string `gorm:"size:64;not null"`
	Email           string `gorm:"size:255;not null"`
	EmailCI         string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash    string `gorm:"size:255;not null"`
	RecoveryPinHash string `gorm:"size:255"`
	// RSA keypair: the public key is served to peers; the private key blob
	// is encrypted client-side and opaque to the server.
	PublicKeyPEM    string `gorm:"type:text"`
	PrivateKeyBlob  string `gorm:"type:text"`
	IsAdmin         bool
	Roles           string `gorm:"size:255"` // comma-separated small permission set
	FailedLogins    int
	LockedUntil     *time.Time
	LastLoginAt     *time.Time
	LastLoginAgent  string `gorm:"size:255"`
	CreatedAt       time.Time
}

// AuthSession is a long-lived session record; access tokens are bound to it.
type AuthSession struct {
	ID              string `gorm:"primaryKey;size:36"`
	UserID          string `gorm:"index;size:36;not null"`
	Fingerprint     string `gorm:"size:255"`
	CreatedAt       time.Time
	LastActivityAt  time.Time `gorm:"index"`
	TerminatedAt    *time.Time
	TerminateReason string `gorm:"size:64"`
}

// Token kinds.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// AuthToken records issued tokens for revocation and refresh lineage.
// ParentJTI links each rotated refresh token to the one it replaced.
type AuthToken struct {
	JTI        string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"index;size:36;not null"`
	Kind       string `gorm:"size:16;not null"`
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	ConsumedAt *time.Time
	ParentJTI  string `gorm:"size:36"`
}

// PasswordResetToken is a single-use emailed reset credential.
type PasswordResetToken struct {
	Token      string `gorm:"primaryKey;size:64"`
	UserID     string `gorm:"index;size:36;not null"`
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Room is a named channel plus its policy record.
type Room struct {
	Name            string `gorm:"primaryKey;size:128"`
	Category        string `gorm:"size:64"`
	Subcategory     string `gorm:"size:64"`
	Visibility      string `gorm:"size:16;default:public"`
	AdultOnly       bool
	NSFW            bool
	Creator         string `gorm:"size:64"`
	Locked          bool
	ReadOnly        bool
	SlowmodeSeconds int
	// ParentName is set on autoscaled overflow sub-rooms ("Base(k)").
	ParentName string `gorm:"index;size:128"`
	CreatedAt  time.Time
}

// RoomMembership joins users to rooms with a role.
type RoomMembership struct {
	RoomName string `gorm:"primaryKey;size:128"`
	UserID   string `gorm:"primaryKey;size:64"`
	Role     string `gorm:"size:16;default:member"`
	JoinedAt time.Time
}

// RoomInvite is single-use.
type RoomInvite struct {
	ID         uint   `gorm:"primaryKey"`
	RoomName   string `gorm:"index;size:128;not null"`
	Invitee    string `gorm:"index;size:64;not null"`
	Inviter    string `gorm:"size:64;not null"`
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// RoomMessage holds exactly one of Body (plaintext) or Cipher (envelope).
type RoomMessage struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	RoomName  string `gorm:"index;size:128;not null"`
	Author    string `gorm:"size:64;not null"`
	Body      string `gorm:"type:text"`
	Cipher    string `gorm:"type:text"`
	CreatedAt time.Time
}

// Reaction is insertion-only: one reaction per (message, user), final.
type Reaction struct {
	MessageID int64  `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey;size:64"`
	Emoji     string `gorm:"size:16;not null"`
	CreatedAt time.Time
}

// Group is a private multi-user chat.
type Group struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;not null"`
	Owner     string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

type GroupMember struct {
	GroupID  int64  `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey;size:64"`
	Role     string `gorm:"size:16;default:member"`
	JoinedAt time.Time
}

type GroupInvite struct {
	ID         uint   `gorm:"primaryKey"`
	GroupID    int64  `gorm:"index;not null"`
	Invitee    string `gorm:"index;size:64;not null"`
	Inviter    string `gorm:"size:64;not null"`
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

type GroupMessage struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	GroupID   int64 `gorm:"index;not null"`
	Author    string `gorm:"size:64;not null"`
	Body      string `gorm:"type:text"`
	Cipher    string `gorm:"type:text"`
	CreatedAt time.Time
}

// OfflineMessage spools ciphertext for offline recipients. Rows are removed
// on acknowledged drain, so a row's existence means "not yet delivered".
type OfflineMessage struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Recipient string `gorm:"index:idx_offline_rcpt_sender;size:64;not null"`
	Sender    string `gorm:"index:idx_offline_rcpt_sender;size:64;not null"`
	Cipher    string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// FileBlob is encrypted file metadata; ciphertext bytes live on disk.
type FileBlob struct {
	ID        string `gorm:"primaryKey;size:36"`
	Owner     string `gorm:"index;size:64;not null"`
	Scope     string `gorm:"size:16;not null"` // dm | group
	IV        string `gorm:"size:64"`
	// WrappedKeys is a JSON object mapping recipient username to the
	// per-recipient wrapped symmetric key. Opaque to the server.
	WrappedKeys string `gorm:"type:text"`
	SHA256      string `gorm:"size:64"`
	Size        int64
	Mime        string `gorm:"size:128"`
	Path        string `gorm:"size:512"`
	CreatedAt   time.Time
}

// FileRef pins a blob from a message; blobs are garbage-collected when the
// last reference is removed.
type FileRef struct {
	FileID     string `gorm:"primaryKey;size:36"`
	MessageRef string `gorm:"primaryKey;size:64"`
}

// Block prevents DMs and friend requests from Blocked to Blocker.
type Block struct {
	Blocker   string `gorm:"primaryKey;size:64"`
	Blocked   string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

// FriendRequest is pending until accepted or rejected.
type FriendRequest struct {
	FromUser  string `gorm:"primaryKey;size:64"`
	ToUser    string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

// Friendship stores one row per pair, lexicographically ordered (UserA < UserB).
type Friendship struct {
	UserA     string `gorm:"primaryKey;size:64"`
	UserB     string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

// FriendPair normalizes a pair for Friendship storage.
func FriendPair(a, b types.UserID) (string, string) {
	if string(a) < string(b) {
		return string(a), string(b)
	}
	return string(b), string(a)
}
