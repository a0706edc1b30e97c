package voice

import (
	"context"
	"encoding/json"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/types"
)

type rosterEntry struct {
	user types.UserID
	conn types.ConnID
}

// JoinResult is the voice_room_join response. Initiator selection for
// full-mesh negotiation: the lexicographically smaller username creates
// the offer toward each peer.
type JoinResult struct {
	Room  types.RoomName `json:"room"`
	Users []types.UserID `json:"users"`
	Limit int            `json:"limit"`
}

// RoomSignal is the payload for voice_room_* relays.
type RoomSignal struct {
	Room   types.RoomName  `json:"room"`
	From   types.UserID    `json:"from"`
	To     types.UserID    `json:"to,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	SDP    json.RawMessage `json:"sdp,omitempty"`
	ICE    json.RawMessage `json:"ice,omitempty"`
}

func (m *Manager) capOf(room types.RoomName) int {
	if c, ok := m.caps[room]; ok {
		return c
	}
	return m.opts.VoiceRoomCap
}

// JoinRoom seats a connection in the room's voice roster. A full roster
// (cap > 0) rejects with CapReached and the current limit. Full-mesh offer
// glare is a client contract: the lexicographically smaller username of a
// peer pair creates the offer, the server only relays.
func (m *Manager) JoinRoom(ctx context.Context, user types.UserID, conn types.ConnID, room types.RoomName) (*JoinResult, error) {
	m.mu.Lock()
	cap := m.capOf(room)
	roster := m.rosters[room]
	for _, e := range roster {
		if e.conn == conn {
			m.mu.Unlock()
			return nil, errs.E(errs.KindCallState, "already in voice room")
		}
	}
	if cap > 0 && len(roster) >= cap {
		m.mu.Unlock()
		return nil, errs.E(errs.KindCapReached, "voice room is full")
	}
	m.rosters[room] = append(roster, rosterEntry{user: user, conn: conn})
	users := m.rosterUsersLocked(room)
	m.mu.Unlock()

	metrics.VoiceRosterSize.WithLabelValues(string(room)).Set(float64(len(users)))
	m.broadcastRoster(ctx, room, types.EventVoiceRoomUserJoined, RoomSignal{Room: room, From: user}, conn)
	return &JoinResult{Room: room, Users: users, Limit: cap}, nil
}

// LeaveRoom removes a connection from the roster and tells the others.
func (m *Manager) LeaveRoom(ctx context.Context, user types.UserID, conn types.ConnID, room types.RoomName) error {
	m.mu.Lock()
	removed := m.removeFromRosterLocked(room, conn)
	size := len(m.rosters[room])
	m.mu.Unlock()

	if !removed {
		return errs.E(errs.KindNotInRoom, "not in this voice room")
	}
	metrics.VoiceRosterSize.WithLabelValues(string(room)).Set(float64(size))
	m.broadcastRoster(ctx, room, types.EventVoiceRoomUserLeft, RoomSignal{Room: room, From: user}, conn)
	return nil
}

// RelayRoomSignal routes an SDP or ICE payload to one named peer after
// verifying both ends are seated in the roster.
func (m *Manager) RelayRoomSignal(ctx context.Context, from types.UserID, room types.RoomName, event types.Event, to types.UserID, sdp, ice json.RawMessage) error {
	m.mu.Lock()
	fromSeated, toSeated := false, false
	for _, e := range m.rosters[room] {
		if e.user == from {
			fromSeated = true
		}
		if e.user == to {
			toSeated = true
		}
	}
	m.mu.Unlock()

	if !fromSeated || !toSeated {
		return errs.E(errs.KindNotInRoom, "both peers must be in the voice room")
	}
	m.emitUser(ctx, to, event, RoomSignal{Room: room, From: from, To: to, SDP: sdp, ICE: ice})
	return nil
}

// SetRoomCap changes a room's voice capacity. Lowering it below the current
// roster size evicts uniformly random members with reason cap_reduced —
// exactly size-cap of them.
func (m *Manager) SetRoomCap(ctx context.Context, room types.RoomName, cap int) []types.UserID {
	m.mu.Lock()
	m.caps[room] = cap
	roster := m.rosters[room]
	var evicted []rosterEntry
	if cap > 0 && len(roster) > cap {
		n := len(roster) - cap
		m.rng.Shuffle(len(roster), func(i, j int) { roster[i], roster[j] = roster[j], roster[i] })
		evicted = append(evicted, roster[:n]...)
		m.rosters[room] = append([]rosterEntry(nil), roster[n:]...)
	}
	size := len(m.rosters[room])
	m.mu.Unlock()

	metrics.VoiceRosterSize.WithLabelValues(string(room)).Set(float64(size))
	out := make([]types.UserID, 0, len(evicted))
	for _, e := range evicted {
		out = append(out, e.user)
		m.emitUser(ctx, e.user, types.EventVoiceRoomForcedLeave, RoomSignal{
			Room: room, From: e.user, Reason: "cap_reduced", Limit: cap,
		})
		m.broadcastRoster(ctx, room, types.EventVoiceRoomUserLeft, RoomSignal{Room: room, From: e.user}, e.conn)
	}
	return out
}

// RosterUsers snapshots the seated users of a room.
func (m *Manager) RosterUsers(room types.RoomName) []types.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterUsersLocked(room)
}

func (m *Manager) rosterUsersLocked(room types.RoomName) []types.UserID {
	roster := m.rosters[room]
	out := make([]types.UserID, len(roster))
	for i, e := range roster {
		out[i] = e.user
	}
	return out
}

func (m *Manager) removeFromRosterLocked(room types.RoomName, conn types.ConnID) bool {
	roster := m.rosters[room]
	for i, e := range roster {
		if e.conn == conn {
			m.rosters[room] = append(roster[:i], roster[i+1:]...)
			if len(m.rosters[room]) == 0 {
				delete(m.rosters, room)
			}
			return true
		}
	}
	return false
}

// leaveAllRosters handles the disconnect cascade for voice rooms.
func (m *Manager) leaveAllRosters(ctx context.Context, user types.UserID, conn types.ConnID) {
	m.mu.Lock()
	var left []types.RoomName
	for room := range m.rosters {
		if m.removeFromRosterLocked(room, conn) {
			left = append(left, room)
		}
	}
	m.mu.Unlock()

	for _, room := range left {
		metrics.VoiceRosterSize.WithLabelValues(string(room)).Set(float64(len(m.RosterUsers(room))))
		m.broadcastRoster(ctx, room, types.EventVoiceRoomUserLeft, RoomSignal{Room: room, From: user}, conn)
	}
}

// broadcastRoster fans a roster event to every seated connection except one.
func (m *Manager) broadcastRoster(ctx context.Context, room types.RoomName, event types.Event, payload RoomSignal, exclude types.ConnID) {
	m.mu.Lock()
	roster := append([]rosterEntry(nil), m.rosters[room]...)
	m.mu.Unlock()

	if m.sender != nil {
		for _, e := range roster {
			if e.conn == exclude {
				continue
			}
			m.sender.SendToConn(e.conn, event, payload)
		}
	}
	if m.bridge != nil {
		_ = m.bridge.Publish(ctx, room, event, payload)
	}
}
