package presence

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

type sentEvent struct {
	user    types.UserID
	event   types.Event
	payload any
}

type fakeSender struct {
	mu     sync.Mutex
	online map[types.UserID]bool
	sent   []sentEvent
}

func (f *fakeSender) SendToUser(user types.UserID, event types.Event, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{user: user, event: event, payload: payload})
	return f.online[user]
}

func (f *fakeSender) SendToConn(types.ConnID, types.Event, any)                      {}
func (f *fakeSender) BroadcastRoom(types.RoomName, types.Event, any, ...types.ConnID) {}
func (f *fakeSender) BroadcastAll(types.Event, any)                                  {}
func (f *fakeSender) RoomOccupants(types.RoomName) []types.UserID                    { return nil }
func (f *fakeSender) UserOnline(user types.UserID) bool                              { return f.online[user] }
func (f *fakeSender) Kick(types.SessionID, string)                                   {}

func (f *fakeSender) sentTo(user types.UserID) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.user == user {
			out = append(out, e)
		}
	}
	return out
}

func testTracker(t *testing.T) (*Tracker, *store.Store, *fakeSender) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	tr := NewTracker(st)
	s := &fakeSender{online: map[types.UserID]bool{"alice": true, "bob": true, "carol": true}}
	tr.SetSender(s)
	return tr, st, s
}

func befriend(t *testing.T, st *store.Store, a, b types.UserID) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []types.UserID{a, b} {
		_ = st.CreateUser(ctx, &store.User{ID: uuid.NewString(), Username: string(u), DisplayName: string(u), Email: string(u) + "@example.com", PasswordHash: "x"})
	}
	require.NoError(t, st.CreateFriendRequest(ctx, a, b))
	require.NoError(t, st.AcceptFriendRequest(ctx, a, b))
}

func TestPresenceFanOutReachesFriendsOnly(t *testing.T) {
	tr, st, s := testTracker(t)
	ctx := context.Background()
	befriend(t, st, "alice", "bob")

	tr.Connected(ctx, "alice")

	bobEvents := s.sentTo("bob")
	require.Len(t, bobEvents, 1)
	assert.Equal(t, types.EventFriendPresenceUpdate, bobEvents[0].event)
	snap := bobEvents[0].payload.(Snapshot)
	assert.True(t, snap.Online)
	assert.Equal(t, types.PresenceOnline, snap.State)

	// carol is not a friend and hears nothing
	assert.Empty(t, s.sentTo("carol"))
}

func TestInvisibleObservedAsOffline(t *testing.T) {
	tr, st, s := testTracker(t)
	ctx := context.Background()
	befriend(t, st, "alice", "bob")

	tr.Connected(ctx, "alice")
	require.NoError(t, tr.Set(ctx, "alice", types.PresenceInvisible, "do not disturb"))

	evs := s.sentTo("bob")
	require.Len(t, evs, 2)
	snap := evs[1].payload.(Snapshot)
	assert.False(t, snap.Online)
	assert.Empty(t, snap.CustomStatus, "custom status must not leak while invisible")

	// the user still sees their own real state
	mine := tr.Mine("alice")
	assert.Equal(t, types.PresenceInvisible, mine.State)
	assert.Equal(t, "do not disturb", mine.CustomStatus)
	assert.True(t, mine.Online)
}

func TestSetValidation(t *testing.T) {
	tr, _, _ := testTracker(t)
	ctx := context.Background()

	err := tr.Set(ctx, "alice", "sleeping", "")
	assert.Equal(t, errs.KindBadInput, errs.KindOf(err))

	err = tr.Set(ctx, "alice", types.PresenceAway, strings.Repeat("x", types.MaxCustomStatusLen+1))
	assert.Equal(t, errs.KindBadInput, errs.KindOf(err))

	assert.NoError(t, tr.Set(ctx, "alice", types.PresenceAway, strings.Repeat("x", types.MaxCustomStatusLen)))
}

func TestDisconnectedGoesOffline(t *testing.T) {
	tr, st, s := testTracker(t)
	ctx := context.Background()
	befriend(t, st, "alice", "bob")

	tr.Connected(ctx, "alice")
	require.NoError(t, tr.Set(ctx, "alice", types.PresenceBusy, "in a meeting"))
	tr.Disconnected(ctx, "alice")

	evs := s.sentTo("bob")
	require.Len(t, evs, 3)
	snap := evs[2].payload.(Snapshot)
	assert.False(t, snap.Online)
	assert.False(t, snap.LastSeen.IsZero())

	// chosen state survives for the next connection
	tr.Connected(ctx, "alice")
	assert.Equal(t, types.PresenceBusy, tr.Mine("alice").State)
}

func TestFriendsSnapshot(t *testing.T) {
	tr, st, _ := testTracker(t)
	ctx := context.Background()
	befriend(t, st, "alice", "bob")
	befriend(t, st, "alice", "carol")

	tr.Connected(ctx, "bob")
	require.NoError(t, tr.Set(ctx, "bob", types.PresenceAway, "brb"))

	snaps, err := tr.Friends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byUser := map[types.UserID]Snapshot{}
	for _, s := range snaps {
		byUser[s.User] = s
	}
	assert.True(t, byUser["bob"].Online)
	assert.Equal(t, "brb", byUser["bob"].CustomStatus)
	assert.False(t, byUser["carol"].Online, "never-seen friend reads as offline")
}
