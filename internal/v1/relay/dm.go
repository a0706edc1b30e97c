package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// PrivateMessage is the private_message payload. E2E is false only for
// ECP1 plaintext-compat envelopes.
type PrivateMessage struct {
	Sender types.UserID `json:"sender"`
	Cipher string       `json:"cipher"`
	E2E    bool         `json:"e2e"`
	TS     int64        `json:"ts"`
}

// SpooledMessage is one drained offline item.
type SpooledMessage struct {
	ID     int64  `json:"id"`
	Cipher string `json:"cipher"`
	TS     int64  `json:"ts"`
}

// MissedSummaryEntry is one row of missed_pm_summary.
type MissedSummaryEntry struct {
	Sender string `json:"sender"`
	Count  int64  `json:"count"`
}

// SendDM routes one ciphertext DM. Live recipients get it on every
// connection; offline recipients get it spooled. The cipher is opaque.
func (r *Relay) SendDM(ctx context.Context, sender, recipient types.UserID, cipher string) error {
	if cipher == "" {
		return errs.E(errs.KindBadInput, "empty cipher")
	}
	if err := r.gov.Allow(ctx, governor.RuleDMSend, sender); err != nil {
		return err
	}
	if exists, err := r.store.UserExists(ctx, recipient); err != nil {
		return errs.Storage(err)
	} else if !exists {
		return errs.E(errs.KindNotFound, "no such user")
	}
	if blocked, err := r.store.IsBlocked(ctx, recipient, sender); err != nil {
		return errs.Storage(err)
	} else if blocked {
		return errs.E(errs.KindForbidden, "cannot message this user")
	}

	msg := PrivateMessage{
		Sender: sender,
		Cipher: cipher,
		E2E:    !types.IsPlaintextCompat(cipher),
		TS:     time.Now().UTC().Unix(),
	}

	if r.isOnline(ctx, recipient) {
		if r.sender != nil {
			r.sender.SendToUser(recipient, types.EventPrivateMessage, msg)
		}
		if r.bridge != nil {
			_ = r.bridge.PublishUser(ctx, recipient, types.EventPrivateMessage, msg)
		}
		metrics.RelayedMessages.WithLabelValues("dm", "live").Inc()
		return nil
	}

	if err := r.store.EnqueueOffline(ctx, &store.OfflineMessage{
		Recipient: string(recipient),
		Sender:    string(sender),
		Cipher:    cipher,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return errs.Storage(err)
	}
	metrics.RelayedMessages.WithLabelValues("dm", "spooled").Inc()
	metrics.OfflineSpoolOps.WithLabelValues("enqueue").Inc()
	logging.Debug(ctx, "dm spooled for offline recipient",
		zap.String("user_id", string(recipient)))
	return nil
}

// DrainOffline returns the spooled messages from one sender, oldest first.
// With peek=false the batch is consumed atomically and the recipient's
// summary is re-pushed; a repeat call returns an empty list.
func (r *Relay) DrainOffline(ctx context.Context, recipient, from types.UserID, peek bool) ([]SpooledMessage, error) {
	rows, err := r.store.DrainOffline(ctx, recipient, from, peek)
	if err != nil {
		return nil, errs.Storage(err)
	}
	out := make([]SpooledMessage, len(rows))
	for i, m := range rows {
		out[i] = SpooledMessage{ID: m.ID, Cipher: m.Cipher, TS: m.CreatedAt.Unix()}
	}
	if !peek && len(rows) > 0 {
		metrics.OfflineSpoolOps.WithLabelValues("drain").Inc()
		r.PushMissedSummary(ctx, recipient)
	}
	return out, nil
}

// MissedSummary aggregates the spool per sender.
func (r *Relay) MissedSummary(ctx context.Context, recipient types.UserID) ([]MissedSummaryEntry, error) {
	rows, err := r.store.OfflineSummaries(ctx, recipient)
	if err != nil {
		return nil, errs.Storage(err)
	}
	out := make([]MissedSummaryEntry, len(rows))
	for i, s := range rows {
		out[i] = MissedSummaryEntry{Sender: s.Sender, Count: s.Count}
	}
	return out, nil
}

// PushMissedSummary emits the current summary to the recipient's live
// connections after a spool mutation. Fresh connections get their digest
// from the hub at registration instead.
func (r *Relay) PushMissedSummary(ctx context.Context, recipient types.UserID) {
	if r.sender == nil {
		return
	}
	summary, err := r.MissedSummary(ctx, recipient)
	if err != nil {
		logging.Warn(ctx, "missed summary push failed", zap.Error(err))
		return
	}
	r.sender.SendToUser(recipient, types.EventMissedPMSummary, summary)
}

// Block records a block and reports the updated list.
func (r *Relay) Block(ctx context.Context, blocker, blocked types.UserID) ([]string, error) {
	if blocker == blocked {
		return nil, errs.E(errs.KindBadInput, "cannot block yourself")
	}
	if exists, err := r.store.UserExists(ctx, blocked); err != nil {
		return nil, errs.Storage(err)
	} else if !exists {
		return nil, errs.E(errs.KindNotFound, "no such user")
	}
	if err := r.store.AddBlock(ctx, blocker, blocked); err != nil {
		return nil, errs.Storage(err)
	}
	return r.blockList(ctx, blocker)
}

// Unblock lifts a block and reports the updated list.
func (r *Relay) Unblock(ctx context.Context, blocker, blocked types.UserID) ([]string, error) {
	if err := r.store.RemoveBlock(ctx, blocker, blocked); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, errs.Storage(err)
	}
	return r.blockList(ctx, blocker)
}

func (r *Relay) blockList(ctx context.Context, blocker types.UserID) ([]string, error) {
	list, err := r.store.BlocksOf(ctx, blocker)
	if err != nil {
		return nil, errs.Storage(err)
	}
	return list, nil
}
