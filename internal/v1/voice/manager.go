package voice

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/echochat/backend/go/internal/v1/types"
)

// Options carries the signaling tunables from config.
type Options struct {
	VoiceRoomCap     int // 0 means unbounded
	HandshakeTimeout time.Duration
	TransferTimeout  time.Duration
}

// Manager owns all signaling state: DM calls, room voice rosters, and P2P
// transfers. One mutex guards it all; every operation is a short critical
// section with sends performed outside the lock.
type Manager struct {
	opts   Options
	sender types.Sender
	bridge types.Bridge
	clk    clock
	rng    *rand.Rand

	mu sync.Mutex

	// DM calls
	calls      map[types.CallID]*call
	callByPair map[string]types.CallID

	// room voice rosters
	rosters map[types.RoomName][]rosterEntry
	caps    map[types.RoomName]int // per-room override of opts.VoiceRoomCap

	// P2P transfers
	transfers map[types.TransferID]*transfer
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:       opts,
		clk:        realClock{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		calls:      make(map[types.CallID]*call),
		callByPair: make(map[string]types.CallID),
		rosters:    make(map[types.RoomName][]rosterEntry),
		caps:       make(map[types.RoomName]int),
		transfers:  make(map[types.TransferID]*transfer),
	}
}

// SetSender wires the realtime sender once the hub exists.
func (m *Manager) SetSender(s types.Sender) { m.sender = s }

// SetBridge wires the cross-worker bridge; nil means single-worker mode.
func (m *Manager) SetBridge(b types.Bridge) { m.bridge = b }

func (m *Manager) emitUser(ctx context.Context, user types.UserID, event types.Event, payload any) {
	delivered := false
	if m.sender != nil {
		delivered = m.sender.SendToUser(user, event, payload)
	}
	if !delivered && m.bridge != nil {
		_ = m.bridge.PublishUser(ctx, user, event, payload)
	}
}

// Disconnect tears down every piece of signaling state a vanished user
// held: DM calls end with PeerGone, voice rosters drop the connection, and
// pending transfers fail.
func (m *Manager) Disconnect(ctx context.Context, user types.UserID, conn types.ConnID) {
	m.endCallsOf(ctx, user)
	m.leaveAllRosters(ctx, user, conn)
	m.failTransfersOf(ctx, user)
}
