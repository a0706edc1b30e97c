package voice

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/types"
)

// TransferState is the P2P file transfer lifecycle state.
type TransferState string

const (
	TransferOffered  TransferState = "offered"
	TransferAnswered TransferState = "answered"
	TransferActive   TransferState = "active"
	TransferDone     TransferState = "done"
	TransferDeclined TransferState = "declined"
	TransferFailed   TransferState = "failed"
)

func (s TransferState) terminal() bool {
	return s == TransferDone || s == TransferDeclined || s == TransferFailed
}

// transfer is one P2P session. Mutated only under Manager.mu.
type transfer struct {
	id        types.TransferID
	sender    types.UserID
	receiver  types.UserID
	state     TransferState
	handshake *time.Timer
	overall   *time.Timer
}

// TransferSignal is the payload shape for p2p_file_* relays.
type TransferSignal struct {
	TransferID types.TransferID `json:"transfer_id"`
	From       types.UserID     `json:"from"`
	State      TransferState    `json:"state,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Meta       json.RawMessage  `json:"meta,omitempty"`
	SDP        json.RawMessage  `json:"sdp,omitempty"`
	ICE        json.RawMessage  `json:"ice,omitempty"`
}

// OfferTransfer opens a transfer and starts the handshake clock. The
// transfer id is caller-chosen so both sides can correlate.
func (m *Manager) OfferTransfer(ctx context.Context, from, to types.UserID, id types.TransferID, meta, sdp json.RawMessage) error {
	if from == to {
		return errs.E(errs.KindBadInput, "cannot transfer to yourself")
	}
	if id == "" {
		return errs.E(errs.KindBadInput, "transfer_id is required")
	}

	m.mu.Lock()
	if _, exists := m.transfers[id]; exists {
		m.mu.Unlock()
		return errs.E(errs.KindConflict, "transfer id already in use")
	}
	t := &transfer{id: id, sender: from, receiver: to, state: TransferOffered}
	t.handshake = m.clk.AfterFunc(m.opts.HandshakeTimeout, func() { m.expireTransfer(id, "handshake_timeout") })
	t.overall = m.clk.AfterFunc(m.opts.TransferTimeout, func() { m.expireTransfer(id, "transfer_timeout") })
	m.transfers[id] = t
	m.mu.Unlock()

	m.emitUser(ctx, to, types.EventP2PFileOffer, TransferSignal{
		TransferID: id, From: from, State: TransferOffered, Meta: meta, SDP: sdp,
	})
	return nil
}

// AnswerTransfer: Offered -> Answered, receiver only. Stops the handshake
// clock; the overall clock keeps running.
func (m *Manager) AnswerTransfer(ctx context.Context, from types.UserID, id types.TransferID, sdp json.RawMessage) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok || t.state.terminal() {
		m.mu.Unlock()
		return nil // post-terminal signals are dropped
	}
	if from != t.receiver || t.state != TransferOffered {
		m.mu.Unlock()
		return errs.E(errs.KindCallState, "answer only valid from receiver on an offered transfer")
	}
	t.state = TransferAnswered
	t.handshake.Stop()
	peer := t.sender
	m.mu.Unlock()

	m.emitUser(ctx, peer, types.EventP2PFileAnswer, TransferSignal{
		TransferID: id, From: from, State: TransferAnswered, SDP: sdp,
	})
	return nil
}

// DeclineTransfer: Offered -> Declined, receiver only.
func (m *Manager) DeclineTransfer(ctx context.Context, from types.UserID, id types.TransferID) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok || t.state.terminal() {
		m.mu.Unlock()
		return nil
	}
	if from != t.receiver {
		m.mu.Unlock()
		return errs.E(errs.KindCallState, "only the receiver may decline")
	}
	t.state = TransferDeclined
	m.stopTimersLocked(t)
	peer := t.sender
	m.mu.Unlock()

	m.emitUser(ctx, peer, types.EventP2PFileDecline, TransferSignal{
		TransferID: id, From: from, State: TransferDeclined,
	})
	return nil
}

// TransferIce relays a candidate between the two endpoints. The first
// candidate after Answered marks the transfer Active. Post-terminal
// candidates are dropped without error.
func (m *Manager) TransferIce(ctx context.Context, from types.UserID, id types.TransferID, candidate json.RawMessage) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok || t.state.terminal() {
		m.mu.Unlock()
		return nil
	}
	var peer types.UserID
	switch from {
	case t.sender:
		peer = t.receiver
	case t.receiver:
		peer = t.sender
	default:
		m.mu.Unlock()
		return errs.E(errs.KindCallState, "not a transfer participant")
	}
	if t.state == TransferAnswered {
		t.state = TransferActive
	}
	m.mu.Unlock()

	m.emitUser(ctx, peer, types.EventP2PFileIce, TransferSignal{TransferID: id, From: from, ICE: candidate})
	return nil
}

// CompleteTransfer marks a transfer Done and clears its timers. Either
// endpoint may report completion.
func (m *Manager) CompleteTransfer(ctx context.Context, from types.UserID, id types.TransferID) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok || t.state.terminal() {
		m.mu.Unlock()
		return nil
	}
	if from != t.sender && from != t.receiver {
		m.mu.Unlock()
		return errs.E(errs.KindCallState, "not a transfer participant")
	}
	t.state = TransferDone
	m.stopTimersLocked(t)
	m.mu.Unlock()
	return nil
}

// TransferStateOf reports the current state, for tests and diagnostics.
func (m *Manager) TransferStateOf(id types.TransferID) (TransferState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return "", false
	}
	return t.state, true
}

// expireTransfer drives timeout transitions: both sides learn the failure.
func (m *Manager) expireTransfer(id types.TransferID, reason string) {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok || t.state.terminal() {
		m.mu.Unlock()
		return
	}
	// The handshake clock only applies before the answer.
	if reason == "handshake_timeout" && t.state != TransferOffered {
		m.mu.Unlock()
		return
	}
	t.state = TransferFailed
	m.stopTimersLocked(t)
	a, b := t.sender, t.receiver
	m.mu.Unlock()

	ctx := context.Background()
	logging.Debug(ctx, "p2p transfer failed",
		zap.String("transfer_id", string(id)), zap.String("reason", reason))
	sig := TransferSignal{TransferID: id, State: TransferFailed, Reason: reason}
	m.emitUser(ctx, a, types.EventP2PFileDecline, sig)
	m.emitUser(ctx, b, types.EventP2PFileDecline, sig)
}

// failTransfersOf handles the disconnect cascade for P2P sessions.
func (m *Manager) failTransfersOf(ctx context.Context, user types.UserID) {
	m.mu.Lock()
	var failed []*transfer
	for _, t := range m.transfers {
		if t.state.terminal() {
			continue
		}
		if t.sender == user || t.receiver == user {
			t.state = TransferFailed
			m.stopTimersLocked(t)
			failed = append(failed, t)
		}
	}
	m.mu.Unlock()

	for _, t := range failed {
		peer := t.sender
		if peer == user {
			peer = t.receiver
		}
		m.emitUser(ctx, peer, types.EventP2PFileDecline, TransferSignal{
			TransferID: t.id, From: user, State: TransferFailed, Reason: "peer_gone",
		})
	}
}

func (m *Manager) stopTimersLocked(t *transfer) {
	if t.handshake != nil {
		t.handshake.Stop()
	}
	if t.overall != nil {
		t.overall.Stop()
	}
}
