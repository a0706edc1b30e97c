// Package presence tracks per-user presence state and fans updates out to
// friends only. Records live in memory per worker; cross-worker propagation
// rides the bridge's per-user channels.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// Snapshot is the wire shape of one user's presence as a viewer sees it.
// An invisible user is reported as offline with no custom status.
type Snapshot struct {
	User         types.UserID        `json:"user"`
	Online       bool                `json:"online"`
	State        types.PresenceState `json:"state"`
	CustomStatus string              `json:"custom_status,omitempty"`
	LastSeen     time.Time           `json:"last_seen"`
}

type record struct {
	online       bool
	state        types.PresenceState
	customStatus string
	lastSeen     time.Time
}

// Roster is the distributed online set shared between workers. Connectivity
// only; visibility filtering stays local.
type Roster interface {
	MarkOnline(ctx context.Context, user types.UserID) error
	MarkOffline(ctx context.Context, user types.UserID) error
}

// Tracker is the presence fan-out engine.
type Tracker struct {
	store  *store.Store
	sender types.Sender
	bridge types.Bridge
	roster Roster

	mu      sync.RWMutex
	records map[types.UserID]*record
}

func NewTracker(st *store.Store) *Tracker {
	return &Tracker{store: st, records: make(map[types.UserID]*record)}
}

func (t *Tracker) SetSender(s types.Sender) { t.sender = s }
func (t *Tracker) SetBridge(b types.Bridge) { t.bridge = b }
func (t *Tracker) SetRoster(r Roster)       { t.roster = r }

// Connected marks the user online, preserving any state and custom status
// chosen during a previous session on this worker.
func (t *Tracker) Connected(ctx context.Context, user types.UserID) {
	t.mu.Lock()
	r := t.records[user]
	if r == nil {
		r = &record{state: types.PresenceOnline}
		t.records[user] = r
	}
	r.online = true
	r.lastSeen = time.Now().UTC()
	t.mu.Unlock()

	if t.roster != nil {
		_ = t.roster.MarkOnline(ctx, user)
	}
	t.fanOut(ctx, user)
}

// Disconnected is called when the user's last connection closes.
func (t *Tracker) Disconnected(ctx context.Context, user types.UserID) {
	t.mu.Lock()
	r := t.records[user]
	if r == nil {
		t.mu.Unlock()
		return
	}
	r.online = false
	r.lastSeen = time.Now().UTC()
	t.mu.Unlock()

	if t.roster != nil {
		_ = t.roster.MarkOffline(ctx, user)
	}
	t.fanOut(ctx, user)
}

// Set updates the user's chosen state and custom status and notifies friends.
func (t *Tracker) Set(ctx context.Context, user types.UserID, state types.PresenceState, customStatus string) error {
	switch state {
	case types.PresenceOnline, types.PresenceAway, types.PresenceBusy, types.PresenceInvisible:
	default:
		return errs.E(errs.KindBadInput, "unknown presence state")
	}
	if len(customStatus) > types.MaxCustomStatusLen {
		return errs.E(errs.KindBadInput, "custom status too long")
	}

	t.mu.Lock()
	r := t.records[user]
	if r == nil {
		r = &record{}
		t.records[user] = r
	}
	r.state = state
	r.customStatus = customStatus
	r.lastSeen = time.Now().UTC()
	t.mu.Unlock()

	t.fanOut(ctx, user)
	return nil
}

// Mine returns the user's own presence, unfiltered. Invisible users see
// their real state here.
func (t *Tracker) Mine(user types.UserID) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r := t.records[user]
	if r == nil {
		return Snapshot{User: user, State: types.PresenceOnline}
	}
	return Snapshot{
		User:         user,
		Online:       r.online,
		State:        r.state,
		CustomStatus: r.customStatus,
		LastSeen:     r.lastSeen,
	}
}

// Friends returns the presence snapshot of every friend as the viewer is
// allowed to see it.
func (t *Tracker) Friends(ctx context.Context, viewer types.UserID) ([]Snapshot, error) {
	friends, err := t.store.FriendsOf(ctx, viewer)
	if err != nil {
		return nil, errs.Storage(err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(friends))
	for _, f := range friends {
		out = append(out, t.observedLocked(f))
	}
	return out, nil
}

// Observed returns one user's presence as an outsider sees it.
func (t *Tracker) Observed(user types.UserID) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.observedLocked(user)
}

func (t *Tracker) observedLocked(user types.UserID) Snapshot {
	r := t.records[user]
	if r == nil {
		return Snapshot{User: user}
	}
	s := Snapshot{
		User:         user,
		Online:       r.online,
		State:        r.state,
		CustomStatus: r.customStatus,
		LastSeen:     r.lastSeen,
	}
	if !r.online || r.state == types.PresenceInvisible {
		s.Online = false
		s.State = ""
		s.CustomStatus = ""
	}
	return s
}

// fanOut pushes the user's observed presence to every friend.
func (t *Tracker) fanOut(ctx context.Context, user types.UserID) {
	friends, err := t.store.FriendsOf(ctx, user)
	if err != nil {
		logging.Warn(ctx, "presence fan-out skipped", zap.Error(err))
		return
	}
	snap := t.Observed(user)
	for _, f := range friends {
		delivered := false
		if t.sender != nil {
			delivered = t.sender.SendToUser(f, types.EventFriendPresenceUpdate, snap)
		}
		if !delivered && t.bridge != nil {
			_ = t.bridge.PublishUser(ctx, f, types.EventFriendPresenceUpdate, snap)
		}
	}
}
