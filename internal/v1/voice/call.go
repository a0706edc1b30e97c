// Package voice is the WebRTC signaling relay: the DM call state machine,
// the room voice roster with capacity enforcement, and the P2P file
// transfer router. Media and file bytes never traverse the server.
package voice

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/types"
)

// CallState is the DM call lifecycle state.
type CallState string

const (
	CallRinging  CallState = "ringing"
	CallAccepted CallState = "accepted"
	CallActive   CallState = "active"
	CallEnded    CallState = "ended"
)

// call is one DM voice call. Mutated only under Manager.mu.
type call struct {
	id     types.CallID
	caller types.UserID
	callee types.UserID
	state  CallState
}

func (c *call) peerOf(user types.UserID) (types.UserID, bool) {
	switch user {
	case c.caller:
		return c.callee, true
	case c.callee:
		return c.caller, true
	}
	return "", false
}

// CallSignal is the payload shape for every voice_dm_* relay.
type CallSignal struct {
	CallID types.CallID    `json:"call_id"`
	From   types.UserID    `json:"from"`
	State  CallState       `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`
	SDP    json.RawMessage `json:"sdp,omitempty"`
	ICE    json.RawMessage `json:"ice,omitempty"`
}

// Invite starts a call: Idle -> Ringing. A user pair can hold at most one
// non-terminal call.
func (m *Manager) Invite(ctx context.Context, caller, callee types.UserID) (types.CallID, error) {
	if caller == callee {
		return "", errs.E(errs.KindBadInput, "cannot call yourself")
	}

	m.mu.Lock()
	if _, exists := m.callByPair[pairKey(caller, callee)]; exists {
		m.mu.Unlock()
		return "", errs.E(errs.KindCallState, "call already in progress")
	}
	c := &call{id: types.CallID(uuid.NewString()), caller: caller, callee: callee, state: CallRinging}
	m.calls[c.id] = c
	m.callByPair[pairKey(caller, callee)] = c.id
	m.mu.Unlock()

	metrics.DmCalls.WithLabelValues(string(CallRinging)).Inc()
	m.emitUser(ctx, callee, types.EventVoiceDmInvite, CallSignal{CallID: c.id, From: caller, State: CallRinging})
	logging.Debug(ctx, "dm call ringing", zap.String("call_id", string(c.id)))
	return c.id, nil
}

// Accept: Ringing -> Accepted, callee only.
func (m *Manager) Accept(ctx context.Context, callee types.UserID, id types.CallID) error {
	c, err := m.transition(id, callee, func(c *call) error {
		if callee != c.callee || c.state != CallRinging {
			return errs.E(errs.KindCallState, "call is not ringing")
		}
		c.state = CallAccepted
		return nil
	})
	if err != nil {
		return err
	}
	metrics.DmCalls.WithLabelValues(string(CallAccepted)).Inc()
	m.emitUser(ctx, c.caller, types.EventVoiceDmAccept, CallSignal{CallID: id, From: callee, State: CallAccepted})
	return nil
}

// Decline: Ringing -> Ended, callee only.
func (m *Manager) Decline(ctx context.Context, callee types.UserID, id types.CallID) error {
	c, err := m.transition(id, callee, func(c *call) error {
		if callee != c.callee || c.state != CallRinging {
			return errs.E(errs.KindCallState, "call is not ringing")
		}
		c.state = CallEnded
		return nil
	})
	if err != nil {
		return err
	}
	m.removeCall(c)
	metrics.DmCalls.WithLabelValues("declined").Inc()
	m.emitUser(ctx, c.caller, types.EventVoiceDmDecline, CallSignal{CallID: id, From: callee, State: CallEnded})
	return nil
}

// Offer relays SDP from the caller while the call is Accepted.
func (m *Manager) Offer(ctx context.Context, from types.UserID, id types.CallID, sdp json.RawMessage) error {
	c, err := m.transition(id, from, func(c *call) error {
		if from != c.caller || c.state != CallAccepted {
			return errs.E(errs.KindCallState, "offer only valid from caller on an accepted call")
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.emitUser(ctx, c.callee, types.EventVoiceDmOffer, CallSignal{CallID: id, From: from, SDP: sdp})
	return nil
}

// Answer relays SDP from the callee: Accepted -> Active.
func (m *Manager) Answer(ctx context.Context, from types.UserID, id types.CallID, sdp json.RawMessage) error {
	c, err := m.transition(id, from, func(c *call) error {
		if from != c.callee || c.state != CallAccepted {
			return errs.E(errs.KindCallState, "answer only valid from callee on an accepted call")
		}
		c.state = CallActive
		return nil
	})
	if err != nil {
		return err
	}
	metrics.DmCalls.WithLabelValues(string(CallActive)).Inc()
	m.emitUser(ctx, c.caller, types.EventVoiceDmAnswer, CallSignal{CallID: id, From: from, SDP: sdp})
	return nil
}

// Ice relays a candidate from either party while Accepted or Active.
func (m *Manager) Ice(ctx context.Context, from types.UserID, id types.CallID, candidate json.RawMessage) error {
	var peer types.UserID
	_, err := m.transition(id, from, func(c *call) error {
		if c.state != CallAccepted && c.state != CallActive {
			return errs.E(errs.KindCallState, "call not negotiating")
		}
		p, ok := c.peerOf(from)
		if !ok {
			return errs.E(errs.KindCallState, "not a call participant")
		}
		peer = p
		return nil
	})
	if err != nil {
		return err
	}
	m.emitUser(ctx, peer, types.EventVoiceDmIce, CallSignal{CallID: id, From: from, ICE: candidate})
	return nil
}

// End terminates any non-terminal call from either party.
func (m *Manager) End(ctx context.Context, from types.UserID, id types.CallID, reason string) error {
	var peer types.UserID
	c, err := m.transition(id, from, func(c *call) error {
		if c.state == CallEnded {
			return errs.E(errs.KindCallState, "call already ended")
		}
		p, ok := c.peerOf(from)
		if !ok {
			return errs.E(errs.KindCallState, "not a call participant")
		}
		peer = p
		c.state = CallEnded
		return nil
	})
	if err != nil {
		return err
	}
	m.removeCall(c)
	metrics.DmCalls.WithLabelValues(string(CallEnded)).Inc()
	if reason == "" {
		reason = "hangup"
	}
	m.emitUser(ctx, peer, types.EventVoiceDmEnd, CallSignal{CallID: id, From: from, State: CallEnded, Reason: reason})
	return nil
}

// CallState reports the current state of a call, for tests and diagnostics.
func (m *Manager) CallState(id types.CallID) (CallState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return "", false
	}
	return c.state, true
}

// transition applies fn to the call under the lock. Invalid transitions
// leave the call untouched.
func (m *Manager) transition(id types.CallID, from types.UserID, fn func(*call) error) (*call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, errs.E(errs.KindCallState, "no such call")
	}
	if _, participant := c.peerOf(from); !participant {
		return nil, errs.E(errs.KindCallState, "not a call participant")
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) removeCall(c *call) {
	m.mu.Lock()
	delete(m.calls, c.id)
	delete(m.callByPair, pairKey(c.caller, c.callee))
	m.mu.Unlock()
}

// endCallsOf terminates every call a disconnecting user participates in and
// notifies each counterpart with reason PeerGone.
func (m *Manager) endCallsOf(ctx context.Context, user types.UserID) {
	m.mu.Lock()
	var ended []*call
	for _, c := range m.calls {
		if _, ok := c.peerOf(user); ok && c.state != CallEnded {
			c.state = CallEnded
			ended = append(ended, c)
		}
	}
	for _, c := range ended {
		delete(m.calls, c.id)
		delete(m.callByPair, pairKey(c.caller, c.callee))
	}
	m.mu.Unlock()

	for _, c := range ended {
		peer, _ := c.peerOf(user)
		metrics.DmCalls.WithLabelValues(string(CallEnded)).Inc()
		m.emitUser(ctx, peer, types.EventVoiceDmEnd, CallSignal{
			CallID: c.id, From: user, State: CallEnded, Reason: "peer_gone",
		})
	}
}

func pairKey(a, b types.UserID) string {
	if string(a) < string(b) {
		return string(a) + "\x00" + string(b)
	}
	return string(b) + "\x00" + string(a)
}

// handshake/transfer timers need a clock hook for tests.
type clock interface {
	AfterFunc(d time.Duration, f func()) *time.Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) *time.Timer { return time.AfterFunc(d, f) }
