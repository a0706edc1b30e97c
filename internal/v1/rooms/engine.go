// Package rooms is the room policy engine: membership, capacity with
// autoscaling sub-rooms, lock/read-only/slowmode enforcement, invites, and
// the catalog queries behind the realtime surface.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _\-]{1,64}$`)

// SubroomName builds the autoscaled overflow name for k >= 2.
func SubroomName(base types.RoomName, k int) types.RoomName {
	return types.RoomName(fmt.Sprintf("%s(%d)", base, k))
}

// Options are the capacity tunables from config.
type Options struct {
	RoomCapacity int // live occupants per room before overflow
	MaxSubrooms  int
	HistoryLimit int
}

// Engine owns room policy. Policy reads go through a cache invalidated on
// mutation; membership and messages go straight to the store.
type Engine struct {
	store  *store.Store
	gov    *governor.Governor
	opts   Options
	sender types.Sender
	bridge types.Bridge

	mu    sync.RWMutex
	cache map[types.RoomName]*store.Room

	// subMu serializes sub-room creation per parent.
	subMu sync.Map // base name -> *sync.Mutex
}

func NewEngine(st *store.Store, gov *governor.Governor, opts Options) *Engine {
	return &Engine{
		store: st,
		gov:   gov,
		opts:  opts,
		cache: make(map[types.RoomName]*store.Room),
	}
}

// SetSender wires the realtime sender once the hub exists.
func (e *Engine) SetSender(s types.Sender) { e.sender = s }

// SetBridge wires the cross-worker bridge; nil means single-worker mode.
func (e *Engine) SetBridge(b types.Bridge) { e.bridge = b }

// --- Policy ---

func (e *Engine) room(ctx context.Context, name types.RoomName) (*store.Room, error) {
	e.mu.RLock()
	r, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return r, nil
	}

	r, err := e.store.GetRoom(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindNotFound, "room not found")
		}
		return nil, errs.Storage(err)
	}
	e.mu.Lock()
	e.cache[name] = r
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) invalidate(name types.RoomName) {
	e.mu.Lock()
	delete(e.cache, name)
	e.mu.Unlock()
}

// PolicyState is the room_policy_state payload, shaped per viewer.
type PolicyState struct {
	Room            types.RoomName `json:"room"`
	Locked          bool           `json:"locked"`
	ReadOnly        bool           `json:"readonly"`
	SlowmodeSeconds int            `json:"slowmode_seconds"`
	CanSend         bool           `json:"can_send"`
	BlockReason     string         `json:"block_reason,omitempty"`
	SetBy           string         `json:"set_by,omitempty"`
	TS              int64          `json:"ts"`
}

// SetPolicy updates a room's moderation toggles and broadcasts the new
// policy state with per-viewer can_send. Caller must hold moderator rights.
func (e *Engine) SetPolicy(ctx context.Context, actor types.UserID, room types.RoomName, locked, readOnly bool, slowmodeSeconds int) error {
	if err := e.requireModerator(ctx, room, actor); err != nil {
		return err
	}
	if slowmodeSeconds < 0 {
		return errs.E(errs.KindBadInput, "slowmode seconds must be non-negative")
	}
	prevSlowmode := 0
	if r, err := e.room(ctx, room); err == nil {
		prevSlowmode = r.SlowmodeSeconds
	}
	if err := e.store.SetRoomPolicy(ctx, room, locked, readOnly, slowmodeSeconds); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotFound, "room not found")
		}
		return errs.Storage(err)
	}
	e.invalidate(room)
	if slowmodeSeconds == 0 {
		e.gov.ResetSlowmode(room)
	}
	logging.Info(ctx, "room policy updated",
		zap.String("room", string(room)),
		zap.Bool("locked", locked),
		zap.Bool("readonly", readOnly),
		zap.Int("slowmode_seconds", slowmodeSeconds))

	e.broadcastPolicy(ctx, room, string(actor))
	if slowmodeSeconds != prevSlowmode {
		e.broadcastSlowmode(ctx, room, slowmodeSeconds, string(actor))
	}
	return nil
}

// SlowmodeState announces a slowmode change to everyone in the room.
type SlowmodeState struct {
	Room            types.RoomName `json:"room"`
	SlowmodeSeconds int            `json:"slowmode_seconds"`
	Active          bool           `json:"active"`
	SetBy           string         `json:"set_by,omitempty"`
	TS              int64          `json:"ts"`
}

func (e *Engine) broadcastSlowmode(ctx context.Context, room types.RoomName, seconds int, setBy string) {
	st := SlowmodeState{
		Room:            room,
		SlowmodeSeconds: seconds,
		Active:          seconds > 0,
		SetBy:           setBy,
		TS:              time.Now().UTC().Unix(),
	}
	if e.sender != nil {
		e.sender.BroadcastRoom(room, types.EventSlowmodeState, st)
	}
	if e.bridge != nil {
		_ = e.bridge.Publish(ctx, room, types.EventSlowmodeState, st)
	}
}

// broadcastPolicy sends room_policy_state to every local occupant with their
// own can_send, and mirrors the mutation over the bridge.
func (e *Engine) broadcastPolicy(ctx context.Context, room types.RoomName, setBy string) {
	if e.sender == nil {
		return
	}
	r, err := e.room(ctx, room)
	if err != nil {
		return
	}
	now := time.Now().UTC().Unix()
	for _, user := range e.sender.RoomOccupants(room) {
		st := PolicyState{
			Room:            room,
			Locked:          r.Locked,
			ReadOnly:        r.ReadOnly,
			SlowmodeSeconds: r.SlowmodeSeconds,
			SetBy:           setBy,
			TS:              now,
		}
		if err := e.CanSend(ctx, room, user); err != nil {
			st.CanSend = false
			st.BlockReason = string(errs.KindOf(err))
		} else {
			st.CanSend = true
		}
		e.sender.SendToUser(user, types.EventRoomPolicyState, st)
	}
	if e.bridge != nil {
		_ = e.bridge.Publish(ctx, room, types.EventRoomPolicyState, PolicyState{
			Room: room, Locked: r.Locked, ReadOnly: r.ReadOnly,
			SlowmodeSeconds: r.SlowmodeSeconds, SetBy: setBy, TS: now,
		})
	}
}

// CheckSend enforces membership and policy for a send into a room. Owners
// and moderators override locked and read-only; slowmode applies to plain
// members only. The slowmode clock is charged here, so a passing check
// admits exactly one message.
func (e *Engine) CheckSend(ctx context.Context, room types.RoomName, user types.UserID) error {
	return e.sendCheck(ctx, room, user, true)
}

// CanSend is the non-charging variant used to derive policy-state views.
func (e *Engine) CanSend(ctx context.Context, room types.RoomName, user types.UserID) error {
	return e.sendCheck(ctx, room, user, false)
}

func (e *Engine) sendCheck(ctx context.Context, room types.RoomName, user types.UserID, charge bool) error {
	r, err := e.room(ctx, room)
	if err != nil {
		return err
	}
	m, err := e.store.Membership(ctx, room, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotInRoom, "not a member of this room")
		}
		return errs.Storage(err)
	}

	override := m.Role == string(types.RoomRoleOwner) || m.Role == string(types.RoomRoleModerator)
	if !override {
		if u, uerr := e.store.GetUser(ctx, user); uerr == nil && u.IsAdmin {
			override = true
		}
	}
	if override {
		return nil
	}
	if r.ReadOnly {
		return errs.E(errs.KindReadOnly, "room is read-only")
	}
	if r.Locked {
		return errs.E(errs.KindLocked, "room is locked")
	}
	if r.SlowmodeSeconds > 0 {
		interval := time.Duration(r.SlowmodeSeconds) * time.Second
		check := e.gov.PeekSlowmode
		if charge {
			check = e.gov.CheckSlowmode
		}
		if _, err := check(room, user, interval); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) requireModerator(ctx context.Context, room types.RoomName, user types.UserID) error {
	if u, err := e.store.GetUser(ctx, user); err == nil && u.IsAdmin {
		return nil
	}
	m, err := e.store.Membership(ctx, room, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindForbidden, "moderator rights required")
		}
		return errs.Storage(err)
	}
	if m.Role != string(types.RoomRoleOwner) && m.Role != string(types.RoomRoleModerator) {
		return errs.E(errs.KindForbidden, "moderator rights required")
	}
	return nil
}

// --- Create / Join / Leave ---

// Create registers a new room with the creator as owner.
func (e *Engine) Create(ctx context.Context, creator types.UserID, name types.RoomName, visibility, category string, adultOnly, nsfw bool) error {
	if !roomNamePattern.MatchString(string(name)) {
		return errs.E(errs.KindBadInput, "invalid room name")
	}
	if visibility != "public" && visibility != "private" {
		return errs.E(errs.KindBadInput, "visibility must be public or private")
	}
	r := &store.Room{
		Name:       string(name),
		Visibility: visibility,
		Category:   category,
		AdultOnly:  adultOnly,
		NSFW:       nsfw,
		Creator:    string(creator),
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateRoom(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return errs.E(errs.KindConflict, "room name already taken")
		}
		return errs.Storage(err)
	}
	if err := e.store.AddMember(ctx, name, creator, types.RoomRoleOwner); err != nil {
		return errs.Storage(err)
	}
	e.notifyRoomsChanged(ctx)
	return nil
}

// Join admits a user to a room, routing to an autoscaled sub-room when the
// base room's live occupancy is at capacity. Private rooms consume a pending
// invite. Returns the actually joined room.
func (e *Engine) Join(ctx context.Context, user types.UserID, room types.RoomName) (types.RoomName, error) {
	r, err := e.room(ctx, room)
	if err != nil {
		return "", err
	}

	if r.Visibility == "private" {
		member, merr := e.store.Membership(ctx, room, user)
		if merr != nil && !errors.Is(merr, store.ErrNotFound) {
			return "", errs.Storage(merr)
		}
		if member == nil {
			if ierr := e.store.ConsumeRoomInvite(ctx, room, user); ierr != nil {
				if errors.Is(ierr, store.ErrNotFound) {
					return "", errs.E(errs.KindForbidden, "room is invite-only")
				}
				return "", errs.Storage(ierr)
			}
		}
	}

	target, err := e.pickRoom(ctx, room)
	if err != nil {
		return "", err
	}
	if err := e.store.AddMember(ctx, target, user, types.RoomRoleMember); err != nil {
		return "", errs.Storage(err)
	}
	metrics.RoomOccupants.WithLabelValues(string(target)).Inc()
	return target, nil
}

// pickRoom selects the base room or the first sub-room with free live
// capacity, creating the next sub-room when all existing ones are full.
// Creation is serialized per base name.
func (e *Engine) pickRoom(ctx context.Context, base types.RoomName) (types.RoomName, error) {
	if e.opts.RoomCapacity <= 0 || e.sender == nil {
		return base, nil
	}
	if len(e.sender.RoomOccupants(base)) < e.opts.RoomCapacity {
		return base, nil
	}

	muAny, _ := e.subMu.LoadOrStore(string(base), &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	for k := 2; k <= e.opts.MaxSubrooms+1; k++ {
		sub := SubroomName(base, k)
		if _, err := e.store.GetRoom(ctx, sub); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return "", errs.Storage(err)
			}
			parent, perr := e.room(ctx, base)
			if perr != nil {
				return "", perr
			}
			sr := &store.Room{
				Name:       string(sub),
				Visibility: parent.Visibility,
				Category:   parent.Category,
				AdultOnly:  parent.AdultOnly,
				NSFW:       parent.NSFW,
				Creator:    parent.Creator,
				ParentName: string(base),
				CreatedAt:  time.Now().UTC(),
			}
			if cerr := e.store.CreateRoom(ctx, sr); cerr != nil && !errors.Is(cerr, store.ErrDuplicate) {
				return "", errs.Storage(cerr)
			}
			logging.Info(ctx, "sub-room created", zap.String("room", string(sub)))
			e.notifyRoomsChanged(ctx)
			return sub, nil
		}
		if len(e.sender.RoomOccupants(sub)) < e.opts.RoomCapacity {
			return sub, nil
		}
	}
	return "", errs.E(errs.KindCapReached, "room and all sub-rooms are full")
}

// Leave drops a membership.
func (e *Engine) Leave(ctx context.Context, user types.UserID, room types.RoomName) error {
	if err := e.store.RemoveMember(ctx, room, user); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotInRoom, "not a member of this room")
		}
		return errs.Storage(err)
	}
	metrics.RoomOccupants.WithLabelValues(string(room)).Dec()
	return nil
}

// ForceLeave removes a user by moderator action and notifies them.
func (e *Engine) ForceLeave(ctx context.Context, actor, user types.UserID, room types.RoomName, reason string) error {
	if err := e.requireModerator(ctx, room, actor); err != nil {
		return err
	}
	if err := e.store.RemoveMember(ctx, room, user); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindNotInRoom, "user is not a member")
		}
		return errs.Storage(err)
	}
	payload := map[string]any{"room": room, "reason": reason}
	if e.sender != nil {
		e.sender.SendToUser(user, types.EventRoomForcedLeave, payload)
	}
	if e.bridge != nil {
		_ = e.bridge.PublishUser(ctx, user, types.EventRoomForcedLeave, payload)
	}
	logging.Info(ctx, "forced room leave",
		zap.String("room", string(room)),
		zap.String("user_id", string(user)),
		zap.String("reason", reason))
	return nil
}

// --- Catalog queries ---

// CatalogEntry is one row of the room_list payload.
type CatalogEntry struct {
	Name       types.RoomName `json:"name"`
	Category   string         `json:"category,omitempty"`
	Visibility string         `json:"visibility"`
	AdultOnly  bool           `json:"adult_only,omitempty"`
	NSFW       bool           `json:"nsfw,omitempty"`
	Parent     types.RoomName `json:"parent,omitempty"`
	Creator    string         `json:"creator,omitempty"`
	Occupants  int            `json:"occupants"`
}

// Catalog lists rooms visible to the viewer: all public rooms plus the
// private rooms they belong to.
func (e *Engine) Catalog(ctx context.Context, viewer types.UserID) ([]CatalogEntry, error) {
	all, err := e.store.ListRooms(ctx)
	if err != nil {
		return nil, errs.Storage(err)
	}
	out := make([]CatalogEntry, 0, len(all))
	for _, r := range all {
		if r.Visibility == "private" {
			if _, merr := e.store.Membership(ctx, types.RoomName(r.Name), viewer); merr != nil {
				continue
			}
		}
		entry := CatalogEntry{
			Name:       types.RoomName(r.Name),
			Category:   r.Category,
			Visibility: r.Visibility,
			AdultOnly:  r.AdultOnly,
			NSFW:       r.NSFW,
			Parent:     types.RoomName(r.ParentName),
			Creator:    r.Creator,
		}
		if e.sender != nil {
			entry.Occupants = len(e.sender.RoomOccupants(types.RoomName(r.Name)))
		}
		out = append(out, entry)
	}
	return out, nil
}

// Counts returns live occupancy per room.
func (e *Engine) Counts(ctx context.Context, viewer types.UserID) (map[types.RoomName]int, error) {
	catalog, err := e.Catalog(ctx, viewer)
	if err != nil {
		return nil, err
	}
	out := make(map[types.RoomName]int, len(catalog))
	for _, c := range catalog {
		out[c.Name] = c.Occupants
	}
	return out, nil
}

// Users snapshots the live occupants of a room.
func (e *Engine) Users(room types.RoomName) []types.UserID {
	if e.sender == nil {
		return nil
	}
	return e.sender.RoomOccupants(room)
}

// History returns the most recent page of a room's messages for join
// delivery and paging. limit <= 0 uses the configured default.
func (e *Engine) History(ctx context.Context, room types.RoomName, beforeID int64, limit int) ([]store.RoomMessage, error) {
	if limit <= 0 || limit > e.opts.HistoryLimit {
		limit = e.opts.HistoryLimit
	}
	msgs, err := e.store.RoomHistory(ctx, room, beforeID, limit)
	if err != nil {
		return nil, errs.Storage(err)
	}
	return msgs, nil
}

// --- Invites ---

// Invite records a single-use invite to a room and notifies the invitee.
func (e *Engine) Invite(ctx context.Context, inviter, invitee types.UserID, room types.RoomName) error {
	r, err := e.room(ctx, room)
	if err != nil {
		return err
	}
	if r.Visibility == "private" {
		if err := e.requireModerator(ctx, room, inviter); err != nil {
			return err
		}
	}
	if exists, uerr := e.store.UserExists(ctx, invitee); uerr != nil {
		return errs.Storage(uerr)
	} else if !exists {
		return errs.E(errs.KindNotFound, "no such user")
	}
	inv := &store.RoomInvite{
		RoomName:  string(room),
		Invitee:   string(invitee),
		Inviter:   string(inviter),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRoomInvite(ctx, inv); err != nil {
		return errs.Storage(err)
	}
	// Custom rooms get their own event name so clients can route the
	// accept flow differently from catalog rooms.
	event := types.EventRoomInvite
	if r.Creator != "" {
		event = types.EventCustomRoomInvite
	}
	payload := map[string]any{"room": room, "inviter": inviter}
	toast := map[string]any{
		"type":    "room_invite",
		"message": string(inviter) + " invited you to " + string(room),
		"room":    room,
	}
	if e.sender != nil {
		e.sender.SendToUser(invitee, event, payload)
		e.sender.SendToUser(invitee, types.EventNotification, toast)
	}
	if e.bridge != nil {
		_ = e.bridge.PublishUser(ctx, invitee, event, payload)
		_ = e.bridge.PublishUser(ctx, invitee, types.EventNotification, toast)
	}
	return nil
}

// PendingInvites lists a user's open invites.
func (e *Engine) PendingInvites(ctx context.Context, user types.UserID) ([]store.RoomInvite, error) {
	out, err := e.store.PendingRoomInvites(ctx, user)
	if err != nil {
		return nil, errs.Storage(err)
	}
	return out, nil
}

// SystemChannel carries catalog-wide notifications on the bridge.
const SystemChannel types.RoomName = "system"

// notifyRoomsChanged nudges every connected client to refetch the catalog.
// The bridge publish covers peer workers; same-origin delivery is local.
func (e *Engine) notifyRoomsChanged(ctx context.Context) {
	if e.sender != nil {
		e.sender.BroadcastAll(types.EventRoomsChanged, nil)
	}
	if e.bridge != nil {
		_ = e.bridge.Publish(ctx, SystemChannel, types.EventRoomsChanged, nil)
	}
}
