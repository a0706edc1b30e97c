// Package relay routes opaque ciphertext: direct messages with offline
// spooling, room and group sends under policy, history paging, and reaction
// bookkeeping. Payloads are never inspected beyond the envelope prefix.
package relay

import (
	"context"

	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/rooms"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// OnlineFunc reports whether a user is connected anywhere in the cluster.
// Wired from the bus online set; nil falls back to the local-only view.
type OnlineFunc func(ctx context.Context, user types.UserID) bool

// Relay is the ciphertext routing core.
type Relay struct {
	store  *store.Store
	gov    *governor.Governor
	policy *rooms.Engine
	sender types.Sender
	bridge types.Bridge
	online OnlineFunc
}

func New(st *store.Store, gov *governor.Governor, policy *rooms.Engine) *Relay {
	return &Relay{store: st, gov: gov, policy: policy}
}

// SetSender wires the realtime sender once the hub exists.
func (r *Relay) SetSender(s types.Sender) { r.sender = s }

// SetBridge wires the cross-worker bridge; nil means single-worker mode.
func (r *Relay) SetBridge(b types.Bridge) { r.bridge = b }

// SetOnlineFunc wires the cluster-wide online check.
func (r *Relay) SetOnlineFunc(f OnlineFunc) { r.online = f }

func (r *Relay) isOnline(ctx context.Context, user types.UserID) bool {
	if r.sender != nil && r.sender.UserOnline(user) {
		return true
	}
	if r.online != nil {
		return r.online(ctx, user)
	}
	return false
}
