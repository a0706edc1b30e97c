package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/types"
)

type sentEvent struct {
	user    types.UserID
	conn    types.ConnID
	event   types.Event
	payload any
}

type fakeSender struct {
	mu     sync.Mutex
	online map[types.UserID]bool
	toUser []sentEvent
	toConn []sentEvent
}

func newFakeSender() *fakeSender {
	return &fakeSender{online: make(map[types.UserID]bool)}
}

func (f *fakeSender) SendToUser(user types.UserID, event types.Event, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser = append(f.toUser, sentEvent{user: user, event: event, payload: payload})
	return f.online[user]
}

func (f *fakeSender) SendToConn(conn types.ConnID, event types.Event, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toConn = append(f.toConn, sentEvent{conn: conn, event: event, payload: payload})
}

func (f *fakeSender) BroadcastRoom(types.RoomName, types.Event, any, ...types.ConnID) {}
func (f *fakeSender) BroadcastAll(types.Event, any)                                  {}
func (f *fakeSender) RoomOccupants(types.RoomName) []types.UserID                    { return nil }
func (f *fakeSender) UserOnline(user types.UserID) bool                              { return f.online[user] }
func (f *fakeSender) Kick(types.SessionID, string)                                   {}

func (f *fakeSender) userEvents(user types.UserID) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.toUser {
		if e.user == user {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSender) lastUserEvent(t *testing.T, user types.UserID) sentEvent {
	t.Helper()
	evs := f.userEvents(user)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

// fakeClock records AfterFunc callbacks so tests can fire them by hand.
type fakeClock struct {
	mu    sync.Mutex
	fns   []func()
	durs  []time.Duration
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) *time.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, f)
	c.durs = append(c.durs, d)
	return time.AfterFunc(time.Hour, func() {})
}

func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	f := c.fns[i]
	c.mu.Unlock()
	f()
}

func testManager(cap int) (*Manager, *fakeSender, *fakeClock) {
	m := NewManager(Options{
		VoiceRoomCap:     cap,
		HandshakeTimeout: 45 * time.Second,
		TransferTimeout:  30 * time.Minute,
	})
	s := newFakeSender()
	clk := &fakeClock{}
	m.SetSender(s)
	m.clk = clk
	return m, s, clk
}

func TestDmCallLifecycle(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	id, err := m.Invite(ctx, "alice", "bob")
	require.NoError(t, err)
	ev := s.lastUserEvent(t, "bob")
	assert.Equal(t, types.EventVoiceDmInvite, ev.event)

	st, ok := m.CallState(id)
	require.True(t, ok)
	assert.Equal(t, CallRinging, st)

	require.NoError(t, m.Accept(ctx, "bob", id))
	assert.Equal(t, types.EventVoiceDmAccept, s.lastUserEvent(t, "alice").event)

	require.NoError(t, m.Offer(ctx, "alice", id, []byte(`{"type":"offer"}`)))
	assert.Equal(t, types.EventVoiceDmOffer, s.lastUserEvent(t, "bob").event)

	require.NoError(t, m.Answer(ctx, "bob", id, []byte(`{"type":"answer"}`)))
	st, _ = m.CallState(id)
	assert.Equal(t, CallActive, st)

	require.NoError(t, m.Ice(ctx, "alice", id, []byte(`{"candidate":"c1"}`)))
	assert.Equal(t, types.EventVoiceDmIce, s.lastUserEvent(t, "bob").event)

	require.NoError(t, m.End(ctx, "bob", id, ""))
	end := s.lastUserEvent(t, "alice")
	assert.Equal(t, types.EventVoiceDmEnd, end.event)
	assert.Equal(t, "hangup", end.payload.(CallSignal).Reason)

	_, ok = m.CallState(id)
	assert.False(t, ok, "ended call should be forgotten")
}

func TestDmCallInvalidTransitions(t *testing.T) {
	m, _, _ := testManager(0)
	ctx := context.Background()

	id, err := m.Invite(ctx, "alice", "bob")
	require.NoError(t, err)

	// caller cannot accept their own call
	err = m.Accept(ctx, "alice", id)
	assert.Equal(t, errs.KindCallState, errs.KindOf(err))

	// offer before accept is rejected and state is untouched
	err = m.Offer(ctx, "alice", id, []byte(`{}`))
	assert.Equal(t, errs.KindCallState, errs.KindOf(err))
	st, _ := m.CallState(id)
	assert.Equal(t, CallRinging, st)

	// outsiders cannot touch the call
	err = m.End(ctx, "mallory", id, "")
	assert.Equal(t, errs.KindCallState, errs.KindOf(err))

	// the pair can hold only one live call
	_, err = m.Invite(ctx, "bob", "alice")
	assert.Equal(t, errs.KindCallState, errs.KindOf(err))
}

func TestDmCallDecline(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	id, err := m.Invite(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, m.Decline(ctx, "bob", id))
	assert.Equal(t, types.EventVoiceDmDecline, s.lastUserEvent(t, "alice").event)

	// pair is free again
	_, err = m.Invite(ctx, "alice", "bob")
	assert.NoError(t, err)
}

func TestDmCallPeerGoneOnDisconnect(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	id, err := m.Invite(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, m.Accept(ctx, "bob", id))

	m.Disconnect(ctx, "bob", "conn-bob")

	ev := s.lastUserEvent(t, "alice")
	assert.Equal(t, types.EventVoiceDmEnd, ev.event)
	assert.Equal(t, "peer_gone", ev.payload.(CallSignal).Reason)
	_, ok := m.CallState(id)
	assert.False(t, ok)
}

func TestVoiceRoomCap(t *testing.T) {
	m, s, _ := testManager(2)
	ctx := context.Background()

	res, err := m.JoinRoom(ctx, "alice", "c1", "Lobby")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Limit)

	_, err = m.JoinRoom(ctx, "bob", "c2", "Lobby")
	require.NoError(t, err)

	_, err = m.JoinRoom(ctx, "carol", "c3", "Lobby")
	assert.Equal(t, errs.KindCapReached, errs.KindOf(err))

	// lowering the cap to 1 evicts exactly one seated member
	evicted := m.SetRoomCap(ctx, "Lobby", 1)
	require.Len(t, evicted, 1)
	assert.Contains(t, []types.UserID{"alice", "bob"}, evicted[0])
	assert.Len(t, m.RosterUsers("Lobby"), 1)

	ev := s.lastUserEvent(t, evicted[0])
	assert.Equal(t, types.EventVoiceRoomForcedLeave, ev.event)
	sig := ev.payload.(RoomSignal)
	assert.Equal(t, "cap_reduced", sig.Reason)
	assert.Equal(t, 1, sig.Limit)
}

func TestVoiceRoomSignalRequiresBothSeated(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "alice", "c1", "Lobby")
	require.NoError(t, err)

	err = m.RelayRoomSignal(ctx, "alice", "Lobby", types.EventVoiceRoomOffer, "bob", []byte(`{}`), nil)
	assert.Equal(t, errs.KindNotInRoom, errs.KindOf(err))

	_, err = m.JoinRoom(ctx, "bob", "c2", "Lobby")
	require.NoError(t, err)
	require.NoError(t, m.RelayRoomSignal(ctx, "alice", "Lobby", types.EventVoiceRoomOffer, "bob", []byte(`{}`), nil))
	assert.Equal(t, types.EventVoiceRoomOffer, s.lastUserEvent(t, "bob").event)
}

func TestVoiceRoomLeaveAndDisconnect(t *testing.T) {
	m, _, _ := testManager(0)
	ctx := context.Background()

	_, err := m.JoinRoom(ctx, "alice", "c1", "Lobby")
	require.NoError(t, err)
	_, err = m.JoinRoom(ctx, "bob", "c2", "Lobby")
	require.NoError(t, err)

	err = m.LeaveRoom(ctx, "carol", "c9", "Lobby")
	assert.Equal(t, errs.KindNotInRoom, errs.KindOf(err))

	require.NoError(t, m.LeaveRoom(ctx, "alice", "c1", "Lobby"))
	assert.Equal(t, []types.UserID{"bob"}, m.RosterUsers("Lobby"))

	m.Disconnect(ctx, "bob", "c2")
	assert.Empty(t, m.RosterUsers("Lobby"))
}

func TestP2PTransferLifecycle(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	require.NoError(t, m.OfferTransfer(ctx, "alice", "bob", "t1", []byte(`{"name":"a.bin"}`), []byte(`{}`)))
	assert.Equal(t, types.EventP2PFileOffer, s.lastUserEvent(t, "bob").event)

	require.NoError(t, m.AnswerTransfer(ctx, "bob", "t1", []byte(`{}`)))
	assert.Equal(t, types.EventP2PFileAnswer, s.lastUserEvent(t, "alice").event)

	require.NoError(t, m.TransferIce(ctx, "alice", "t1", []byte(`{"candidate":"c1"}`)))
	st, ok := m.TransferStateOf("t1")
	require.True(t, ok)
	assert.Equal(t, TransferActive, st)

	require.NoError(t, m.CompleteTransfer(ctx, "bob", "t1"))
	st, _ = m.TransferStateOf("t1")
	assert.Equal(t, TransferDone, st)
}

func TestP2PDeclineDropsLateSignals(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	require.NoError(t, m.OfferTransfer(ctx, "alice", "bob", "t1", nil, []byte(`{}`)))
	require.NoError(t, m.DeclineTransfer(ctx, "bob", "t1"))
	assert.Equal(t, types.EventP2PFileDecline, s.lastUserEvent(t, "alice").event)

	before := len(s.userEvents("alice")) + len(s.userEvents("bob"))
	require.NoError(t, m.TransferIce(ctx, "alice", "t1", []byte(`{}`)))
	require.NoError(t, m.TransferIce(ctx, "bob", "t1", []byte(`{}`)))
	after := len(s.userEvents("alice")) + len(s.userEvents("bob"))
	assert.Equal(t, before, after, "post-terminal candidates must be dropped silently")
}

func TestP2PHandshakeTimeout(t *testing.T) {
	m, s, clk := testManager(0)
	ctx := context.Background()

	require.NoError(t, m.OfferTransfer(ctx, "alice", "bob", "t1", nil, []byte(`{}`)))
	// fns[0] is the handshake timer, fns[1] the overall timer
	clk.fire(0)

	st, _ := m.TransferStateOf("t1")
	assert.Equal(t, TransferFailed, st)
	sig := s.lastUserEvent(t, "alice").payload.(TransferSignal)
	assert.Equal(t, "handshake_timeout", sig.Reason)
	sig = s.lastUserEvent(t, "bob").payload.(TransferSignal)
	assert.Equal(t, TransferFailed, sig.State)
}

func TestP2PHandshakeTimerIgnoredAfterAnswer(t *testing.T) {
	m, _, clk := testManager(0)
	ctx := context.Background()

	require.NoError(t, m.OfferTransfer(ctx, "alice", "bob", "t1", nil, []byte(`{}`)))
	require.NoError(t, m.AnswerTransfer(ctx, "bob", "t1", []byte(`{}`)))
	clk.fire(0)

	st, _ := m.TransferStateOf("t1")
	assert.Equal(t, TransferAnswered, st)
}

func TestP2PFailsOnDisconnect(t *testing.T) {
	m, s, _ := testManager(0)
	ctx := context.Background()

	require.NoError(t, m.OfferTransfer(ctx, "alice", "bob", "t1", nil, []byte(`{}`)))
	m.Disconnect(ctx, "alice", "c1")

	st, _ := m.TransferStateOf("t1")
	assert.Equal(t, TransferFailed, st)
	sig := s.lastUserEvent(t, "bob").payload.(TransferSignal)
	assert.Equal(t, "peer_gone", sig.Reason)
}
