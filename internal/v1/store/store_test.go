package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, name string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.NewString(),
		Username:     name,
		DisplayName:  name,
		Email:        name + "@example.com",
		PasswordHash: "x",
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestCreateUser_DuplicateUsernameAndEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "alice")

	dup := &User{ID: uuid.NewString(), Username: "alice", DisplayName: "Alice", Email: "other@example.com", PasswordHash: "x"}
	assert.ErrorIs(t, s.CreateUser(ctx, dup), ErrDuplicate)

	// Email uniqueness is case-insensitive via the folded column.
	dup2 := &User{ID: uuid.NewString(), Username: "alice2", DisplayName: "Alice2", Email: "ALICE@Example.com", PasswordHash: "x"}
	assert.ErrorIs(t, s.CreateUser(ctx, dup2), ErrDuplicate)
}

func TestRecordLoginFailure_LocksAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "bob")

	until := time.Now().UTC().Add(15 * time.Minute)
	for i := 1; i < 5; i++ {
		locked, err := s.RecordLoginFailure(ctx, "bob", 5, until)
		require.NoError(t, err)
		assert.False(t, locked)
	}
	locked, err := s.RecordLoginFailure(ctx, "bob", 5, until)
	require.NoError(t, err)
	assert.True(t, locked)

	u, err := s.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, u.Locked(time.Now().UTC()))

	require.NoError(t, s.RecordLoginSuccess(ctx, "bob", "test-agent"))
	u, err = s.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, u.Locked(time.Now().UTC()))
	assert.Equal(t, 0, u.FailedLogins)
}

func TestConsumeRefreshToken_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "carol")

	sess := &AuthSession{ID: uuid.NewString(), UserID: "carol"}
	require.NoError(t, s.CreateSession(ctx, sess))

	now := time.Now().UTC()
	refresh := &AuthToken{JTI: uuid.NewString(), SessionID: sess.ID, Kind: TokenKindRefresh, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.SaveToken(ctx, refresh))

	next := &AuthToken{JTI: uuid.NewString(), SessionID: sess.ID, Kind: TokenKindRefresh, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.ConsumeRefreshToken(ctx, refresh.JTI, next))

	stored, err := s.GetToken(ctx, next.JTI)
	require.NoError(t, err)
	assert.Equal(t, refresh.JTI, stored.ParentJTI)

	// Replay of the consumed token must fail and leave no new successor.
	replay := &AuthToken{JTI: uuid.NewString(), SessionID: sess.ID, Kind: TokenKindRefresh, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	assert.ErrorIs(t, s.ConsumeRefreshToken(ctx, refresh.JTI, replay), ErrConsumed)
	_, err = s.GetToken(ctx, replay.JTI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminateUserSessions_RevokesTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "dave")

	var sessIDs []string
	for i := 0; i < 2; i++ {
		sess := &AuthSession{ID: uuid.NewString(), UserID: "dave"}
		require.NoError(t, s.CreateSession(ctx, sess))
		sessIDs = append(sessIDs, sess.ID)
		tok := &AuthToken{JTI: uuid.NewString(), SessionID: sess.ID, Kind: TokenKindAccess, ExpiresAt: time.Now().Add(time.Hour)}
		require.NoError(t, s.SaveToken(ctx, tok))
	}

	ended, err := s.TerminateUserSessions(ctx, "dave", "admin_logout")
	require.NoError(t, err)
	assert.ElementsMatch(t, sessIDs, ended)

	for _, id := range sessIDs {
		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, sess.TerminatedAt)
	}

	// Second call is a no-op.
	ended, err = s.TerminateUserSessions(ctx, "dave", "admin_logout")
	require.NoError(t, err)
	assert.Empty(t, ended)
}

func TestDrainOffline_ExactlyOnceInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, cipher := range []string{"EC1:one", "EC1:two", "EC1:three"} {
		m := &OfflineMessage{Recipient: "erin", Sender: "frank", Cipher: cipher, CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond)}
		require.NoError(t, s.EnqueueOffline(ctx, m))
	}

	sums, err := s.OfflineSummaries(ctx, "erin")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, int64(3), sums[0].Count)

	// Peek does not consume.
	peeked, err := s.DrainOffline(ctx, "erin", "frank", true)
	require.NoError(t, err)
	require.Len(t, peeked, 3)

	drained, err := s.DrainOffline(ctx, "erin", "frank", false)
	require.NoError(t, err)
	require.Len(t, drained, 3)
	assert.Equal(t, "EC1:one", drained[0].Cipher)
	assert.Equal(t, "EC1:three", drained[2].Cipher)

	again, err := s.DrainOffline(ctx, "erin", "frank", false)
	require.NoError(t, err)
	assert.Empty(t, again)

	sums, err = s.OfflineSummaries(ctx, "erin")
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestAddReaction_Final(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AppendRoomMessage(ctx, &RoomMessage{RoomName: "General", Author: "alice", Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.AddReaction(ctx, &Reaction{MessageID: id, UserID: "bob", Emoji: "👍"}))
	// Same user, different emoji: still rejected.
	assert.ErrorIs(t, s.AddReaction(ctx, &Reaction{MessageID: id, UserID: "bob", Emoji: "🔥"}), ErrDuplicate)
	require.NoError(t, s.AddReaction(ctx, &Reaction{MessageID: id, UserID: "carol", Emoji: "👍"}))

	counts, err := s.ReactionCounts(ctx, id)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(2), counts[0].Count)
}

func TestRoomHistory_PagesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{Name: "General"}))
	var ids []int64
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		id, err := s.AppendRoomMessage(ctx, &RoomMessage{RoomName: "General", Author: "alice", Body: body})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page, err := s.RoomHistory(ctx, "General", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d", page[0].Body)
	assert.Equal(t, "e", page[1].Body)

	page, err = s.RoomHistory(ctx, "General", page[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Body)
	assert.Equal(t, "c", page[1].Body)

	_ = ids
}

func TestFriendRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFriendRequest(ctx, "gina", "hank"))
	assert.ErrorIs(t, s.CreateFriendRequest(ctx, "gina", "hank"), ErrDuplicate)

	require.NoError(t, s.AcceptFriendRequest(ctx, "gina", "hank"))
	ok, err := s.AreFriends(ctx, "hank", "gina")
	require.NoError(t, err)
	assert.True(t, ok)

	// Request is consumed; accepting again finds nothing pending.
	assert.ErrorIs(t, s.AcceptFriendRequest(ctx, "gina", "hank"), ErrNotFound)

	friends, err := s.FriendsOf(ctx, "hank")
	require.NoError(t, err)
	assert.Equal(t, []types.UserID{"gina"}, friends)

	require.NoError(t, s.RemoveFriend(ctx, "gina", "hank"))
	ok, err = s.AreFriends(ctx, "gina", "hank")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoomInvite_SingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, &Room{Name: "Sanctum", Visibility: "private"}))
	require.NoError(t, s.CreateRoomInvite(ctx, &RoomInvite{RoomName: "Sanctum", Invitee: "ivy", Inviter: "alice", CreatedAt: time.Now().UTC()}))

	require.NoError(t, s.ConsumeRoomInvite(ctx, "Sanctum", "ivy"))
	assert.ErrorIs(t, s.ConsumeRoomInvite(ctx, "Sanctum", "ivy"), ErrNotFound)
}

func TestUnreferencedBlobs_GCSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pinned := &FileBlob{ID: uuid.NewString(), Owner: "alice", Scope: "dm", Path: "a"}
	orphan := &FileBlob{ID: uuid.NewString(), Owner: "alice", Scope: "dm", Path: "b"}
	require.NoError(t, s.CreateFileBlob(ctx, pinned))
	require.NoError(t, s.CreateFileBlob(ctx, orphan))
	require.NoError(t, s.AddFileRef(ctx, pinned.ID, "dm:42"))

	got, err := s.UnreferencedBlobs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orphan.ID, got[0].ID)

	assert.ErrorIs(t, s.DeleteFileBlob(ctx, pinned.ID), ErrDuplicate)
	require.NoError(t, s.RemoveFileRef(ctx, pinned.ID, "dm:42"))
	require.NoError(t, s.DeleteFileBlob(ctx, pinned.ID))
}
