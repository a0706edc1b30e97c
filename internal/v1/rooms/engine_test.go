package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/config"
	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// fakeSender stubs the hub: scripted occupancy plus recorded sends.
type fakeSender struct {
	mu        sync.Mutex
	occupants map[types.RoomName][]types.UserID
	sent      []sentEvent
	broadcast []broadcastEvent
	global    []sentEvent
}

type sentEvent struct {
	User    types.UserID
	Event   types.Event
	Payload any
}

type broadcastEvent struct {
	Room    types.RoomName
	Event   types.Event
	Payload any
}

func newFakeSender() *fakeSender {
	return &fakeSender{occupants: make(map[types.RoomName][]types.UserID)}
}

func (f *fakeSender) SendToUser(user types.UserID, event types.Event, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{user, event, payload})
	return true
}
func (f *fakeSender) SendToConn(types.ConnID, types.Event, any) {}
func (f *fakeSender) BroadcastRoom(room types.RoomName, event types.Event, payload any, _ ...types.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, broadcastEvent{room, event, payload})
}
func (f *fakeSender) BroadcastAll(event types.Event, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.global = append(f.global, sentEvent{Event: event, Payload: payload})
}
func (f *fakeSender) RoomOccupants(room types.RoomName) []types.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occupants[room]
}
func (f *fakeSender) UserOnline(types.UserID) bool { return true }
func (f *fakeSender) Kick(types.SessionID, string) {}

func (f *fakeSender) setOccupants(room types.RoomName, users ...types.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occupants[room] = users
}

func (f *fakeSender) broadcastsFor(room types.RoomName, event types.Event) []broadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastEvent
	for _, b := range f.broadcast {
		if b.Room == room && b.Event == event {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeSender) eventsFor(user types.UserID, event types.Event) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.User == user && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func testEngine(t *testing.T) (*Engine, *store.Store, *fakeSender) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	gov, err := governor.New(&config.Config{
		RateLimitLogin: "10-M", RateLimitRegister: "3-M", RateLimitRefresh: "30-M",
		RateLimitReset: "3-M", RateLimitUpload: "20-M", RateLimitScrape: "60-M",
		RateLimitRoomSend: "60-M", RateLimitDMSend: "60-M", RateLimitRoomJoin: "30-M",
		RateLimitRoomCreate: "5-H", RateLimitFriendReq: "20-H", RateLimitFriendAction: "60-H",
		RateLimitP2PSignal: "120-M", RateLimitVoiceInvite: "20-M", RateLimitAdminSocket: "120-M",
	}, nil)
	require.NoError(t, err)

	e := NewEngine(st, gov, Options{RoomCapacity: 2, MaxSubrooms: 2, HistoryLimit: 200})
	sender := newFakeSender()
	e.SetSender(sender)
	return e, st, sender
}

func seedUser(t *testing.T, st *store.Store, name string, admin bool) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &store.User{
		ID: uuid.NewString(), Username: name, DisplayName: name,
		Email: name + "@example.com", PasswordHash: "x", IsAdmin: admin,
	}))
}

func TestCreateAndJoin(t *testing.T) {
	e, _, sender := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Create(ctx, "alice", "General", "public", "misc", false, false))
	require.Len(t, sender.global, 1, "creation announces the catalog change to every client")
	assert.Equal(t, types.EventRoomsChanged, sender.global[0].Event)
	assert.True(t, errs.Is(e.Create(ctx, "bob", "General", "public", "", false, false), errs.KindConflict))
	assert.True(t, errs.Is(e.Create(ctx, "bob", "bad/name", "public", "", false, false), errs.KindBadInput))

	joined, err := e.Join(ctx, "bob", "General")
	require.NoError(t, err)
	assert.Equal(t, types.RoomName("General"), joined)

	_, err = e.Join(ctx, "bob", "NoSuchRoom")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestJoin_AutoscalesIntoSubrooms(t *testing.T) {
	e, st, sender := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Create(ctx, "alice", "General", "public", "", false, false))

	// Base room at live capacity (2): next join overflows into General(2).
	sender.setOccupants("General", "alice", "bob")
	joined, err := e.Join(ctx, "carol", "General")
	require.NoError(t, err)
	assert.Equal(t, types.RoomName("General(2)"), joined)

	sub, err := st.GetRoom(ctx, "General(2)")
	require.NoError(t, err)
	assert.Equal(t, "General", sub.ParentName)

	// First sub-room with free capacity is reused.
	sender.setOccupants("General(2)", "carol")
	joined, err = e.Join(ctx, "dave", "General")
	require.NoError(t, err)
	assert.Equal(t, types.RoomName("General(2)"), joined)

	// All sub-rooms full and MaxSubrooms reached: CapReached.
	sender.setOccupants("General(2)", "carol", "dave")
	joined, err = e.Join(ctx, "erin", "General")
	require.NoError(t, err)
	assert.Equal(t, types.RoomName("General(3)"), joined)

	sender.setOccupants("General(3)", "erin", "frank")
	_, err = e.Join(ctx, "gina", "General")
	assert.True(t, errs.Is(err, errs.KindCapReached))
}

func TestCheckSend_PolicyEnforcement(t *testing.T) {
	e, st, _ := testEngine(t)
	ctx := context.Background()
	seedUser(t, st, "alice", false)
	seedUser(t, st, "bob", false)
	seedUser(t, st, "root", true)

	require.NoError(t, e.Create(ctx, "alice", "News", "public", "", false, false))
	_, err := e.Join(ctx, "bob", "News")
	require.NoError(t, err)

	// Non-members cannot send.
	assert.True(t, errs.Is(e.CheckSend(ctx, "News", "carol"), errs.KindNotInRoom))

	// Read-only blocks members but not the owner or admins.
	require.NoError(t, e.SetPolicy(ctx, "alice", "News", false, true, 0))
	assert.True(t, errs.Is(e.CheckSend(ctx, "News", "bob"), errs.KindReadOnly))
	assert.NoError(t, e.CheckSend(ctx, "News", "alice"))

	_, err = e.Join(ctx, "root", "News")
	require.NoError(t, err)
	assert.NoError(t, e.CheckSend(ctx, "News", "root"))

	// Locked is its own kind.
	require.NoError(t, e.SetPolicy(ctx, "alice", "News", true, false, 0))
	assert.True(t, errs.Is(e.CheckSend(ctx, "News", "bob"), errs.KindLocked))

	// Slowmode admits one message per window for members.
	require.NoError(t, e.SetPolicy(ctx, "alice", "News", false, false, 30))
	assert.NoError(t, e.CheckSend(ctx, "News", "bob"))
	assert.True(t, errs.Is(e.CheckSend(ctx, "News", "bob"), errs.KindSlowMode))
	assert.NoError(t, e.CheckSend(ctx, "News", "alice"), "owner exempt from slowmode")
}

func TestSetPolicy_RequiresModerator(t *testing.T) {
	e, st, sender := testEngine(t)
	ctx := context.Background()
	seedUser(t, st, "alice", false)
	seedUser(t, st, "bob", false)

	require.NoError(t, e.Create(ctx, "alice", "News", "public", "", false, false))
	_, err := e.Join(ctx, "bob", "News")
	require.NoError(t, err)

	assert.True(t, errs.Is(e.SetPolicy(ctx, "bob", "News", false, true, 0), errs.KindForbidden))

	// Policy broadcast reaches occupants with per-viewer can_send.
	sender.setOccupants("News", "alice", "bob")
	require.NoError(t, e.SetPolicy(ctx, "alice", "News", false, true, 0))

	bobStates := sender.eventsFor("bob", types.EventRoomPolicyState)
	require.NotEmpty(t, bobStates)
	bobState := bobStates[len(bobStates)-1].Payload.(PolicyState)
	assert.False(t, bobState.CanSend)
	assert.Equal(t, string(errs.KindReadOnly), bobState.BlockReason)

	aliceStates := sender.eventsFor("alice", types.EventRoomPolicyState)
	require.NotEmpty(t, aliceStates)
	assert.True(t, aliceStates[len(aliceStates)-1].Payload.(PolicyState).CanSend)
}

func TestSetPolicy_AnnouncesSlowmodeChanges(t *testing.T) {
	e, st, sender := testEngine(t)
	ctx := context.Background()
	seedUser(t, st, "alice", false)

	require.NoError(t, e.Create(ctx, "alice", "News", "public", "", false, false))

	require.NoError(t, e.SetPolicy(ctx, "alice", "News", false, false, 30))
	states := sender.broadcastsFor("News", types.EventSlowmodeState)
	require.Len(t, states, 1)
	st30 := states[0].Payload.(SlowmodeState)
	assert.True(t, st30.Active)
	assert.Equal(t, 30, st30.SlowmodeSeconds)
	assert.Equal(t, "alice", st30.SetBy)

	// Toggling an unrelated flag does not re-announce slowmode.
	require.NoError(t, e.SetPolicy(ctx, "alice", "News", false, true, 30))
	assert.Len(t, sender.broadcastsFor("News", types.EventSlowmodeState), 1)

	require.NoError(t, e.SetPolicy(ctx, "alice", "News", false, true, 0))
	states = sender.broadcastsFor("News", types.EventSlowmodeState)
	require.Len(t, states, 2)
	assert.False(t, states[1].Payload.(SlowmodeState).Active)
}

func TestPrivateRoom_InviteFlow(t *testing.T) {
	e, st, sender := testEngine(t)
	ctx := context.Background()
	seedUser(t, st, "alice", false)
	seedUser(t, st, "bob", false)

	require.NoError(t, e.Create(ctx, "alice", "Sanctum", "private", "", false, false))

	// Uninvited join is rejected.
	_, err := e.Join(ctx, "bob", "Sanctum")
	assert.True(t, errs.Is(err, errs.KindForbidden))

	// A user-created room invites with the custom event plus a toast.
	require.NoError(t, e.Invite(ctx, "alice", "bob", "Sanctum"))
	assert.NotEmpty(t, sender.eventsFor("bob", types.EventCustomRoomInvite))
	assert.NotEmpty(t, sender.eventsFor("bob", types.EventNotification))

	pending, err := e.PendingInvites(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	joined, err := e.Join(ctx, "bob", "Sanctum")
	require.NoError(t, err)
	assert.Equal(t, types.RoomName("Sanctum"), joined)

	// The invite was consumed; a member re-joins without one.
	_, err = e.Join(ctx, "bob", "Sanctum")
	require.NoError(t, err)
}

func TestForceLeave(t *testing.T) {
	e, st, sender := testEngine(t)
	ctx := context.Background()
	seedUser(t, st, "alice", false)
	seedUser(t, st, "bob", false)

	require.NoError(t, e.Create(ctx, "alice", "News", "public", "", false, false))
	_, err := e.Join(ctx, "bob", "News")
	require.NoError(t, err)

	assert.True(t, errs.Is(e.ForceLeave(ctx, "bob", "alice", "News", "spam"), errs.KindForbidden))

	require.NoError(t, e.ForceLeave(ctx, "alice", "bob", "News", "spam"))
	assert.NotEmpty(t, sender.eventsFor("bob", types.EventRoomForcedLeave))
	assert.True(t, errs.Is(e.CheckSend(ctx, "News", "bob"), errs.KindNotInRoom))
}

func TestCatalog_HidesForeignPrivateRooms(t *testing.T) {
	e, st, _ := testEngine(t)
	ctx := context.Background()
	seedUser(t, st, "alice", false)

	require.NoError(t, e.Create(ctx, "alice", "General", "public", "", false, false))
	require.NoError(t, e.Create(ctx, "alice", "Sanctum", "private", "", false, false))

	names := func(entries []CatalogEntry) []types.RoomName {
		out := make([]types.RoomName, len(entries))
		for i, c := range entries {
			out[i] = c.Name
		}
		return out
	}

	cat, err := e.Catalog(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []types.RoomName{"General"}, names(cat))

	cat, err = e.Catalog(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.RoomName{"General", "Sanctum"}, names(cat))
}

func TestHistory_LimitClamped(t *testing.T) {
	e, st, _ := testEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Create(ctx, "alice", "General", "public", "", false, false))
	for i := 0; i < 5; i++ {
		_, err := st.AppendRoomMessage(ctx, &store.RoomMessage{
			RoomName: "General", Author: "alice", Body: "m", CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	msgs, err := e.History(ctx, "General", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)

	msgs, err = e.History(ctx, "General", 0, 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
