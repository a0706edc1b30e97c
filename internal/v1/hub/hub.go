// Package hub is the realtime connection registry: it authenticates and
// upgrades websocket connections, indexes them by user, room, and session,
// dispatches inbound events to the relay, policy, voice, and presence
// engines, and implements the Sender interface those engines emit through.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/echochat/backend/go/internal/v1/auth"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/presence"
	"github.com/echochat/backend/go/internal/v1/relay"
	"github.com/echochat/backend/go/internal/v1/rooms"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
	"github.com/echochat/backend/go/internal/v1/voice"
)

// Deps bundles the engines the hub routes events into.
type Deps struct {
	Store     *store.Store
	Authority *auth.Authority
	Governor  *governor.Governor
	Relay     *relay.Relay
	Policy    *rooms.Engine
	Voice     *voice.Manager
	Presence  *presence.Tracker
	Bridge    types.Bridge // nil in single-worker mode

	AllowedOrigins []string
}

type handlerFunc func(ctx context.Context, c *Client, raw []byte) error

// Hub implements types.Sender over the local connection registry.
type Hub struct {
	deps     Deps
	handlers map[types.Event]handlerFunc

	mu        sync.RWMutex
	conns     map[types.ConnID]*Client
	byUser    map[types.UserID]map[types.ConnID]*Client
	byRoom    map[types.RoomName]map[types.ConnID]*Client
	bySession map[types.SessionID]map[types.ConnID]*Client
	joined    map[types.ConnID]set.Set[types.RoomName]

	// per-user and per-room bridge subscriptions, cancelled when the last
	// local interest disappears
	userSubs map[types.UserID]context.CancelFunc
	roomSubs map[types.RoomName]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func New(deps Deps) *Hub {
	h := &Hub{
		deps:      deps,
		conns:     make(map[types.ConnID]*Client),
		byUser:    make(map[types.UserID]map[types.ConnID]*Client),
		byRoom:    make(map[types.RoomName]map[types.ConnID]*Client),
		bySession: make(map[types.SessionID]map[types.ConnID]*Client),
		joined:    make(map[types.ConnID]set.Set[types.RoomName]),
		userSubs:  make(map[types.UserID]context.CancelFunc),
		roomSubs:  make(map[types.RoomName]context.CancelFunc),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.handlers = h.buildHandlers()
	if deps.Bridge != nil {
		// Catalog changes on other workers arrive on the system channel.
		deps.Bridge.Subscribe(h.ctx, rooms.SystemChannel, h.onBridgeSystemEvent)
	}
	return h
}

// --- websocket entry ---

// ServeWs authenticates the request and upgrades it to a websocket.
// The access token rides the "token" query parameter or the
// Sec-WebSocket-Protocol header.
func (h *Hub) ServeWs(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = tokenFromProtocolHeader(c.GetHeader("Sec-WebSocket-Protocol"))
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	identity, err := h.deps.Authority.Validate(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.deps.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.deps.AllowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, identity.User, identity.Session, identity.Admin)
}

// HandleConnection registers an established connection and starts its pumps.
func (h *Hub) HandleConnection(conn wsConnection, user types.UserID, session types.SessionID, admin bool) *Client {
	client := &Client{
		hub:     h,
		conn:    conn,
		id:      types.ConnID(uuid.NewString()),
		user:    user,
		session: session,
		admin:   admin,
		send:    make(chan []byte, sendQueueSize),
	}

	h.register(client)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.conns[c.id] = c
	if h.byUser[c.user] == nil {
		h.byUser[c.user] = make(map[types.ConnID]*Client)
	}
	first := len(h.byUser[c.user]) == 0
	h.byUser[c.user][c.id] = c
	if h.bySession[c.session] == nil {
		h.bySession[c.session] = make(map[types.ConnID]*Client)
	}
	h.bySession[c.session][c.id] = c
	h.joined[c.id] = set.New[types.RoomName]()

	if first && h.deps.Bridge != nil {
		subCtx, cancel := context.WithCancel(h.ctx)
		h.userSubs[c.user] = cancel
		h.deps.Bridge.SubscribeUser(subCtx, c.user, h.onBridgeUserEvent)
	}
	h.mu.Unlock()

	logging.Info(h.ctx, "connection registered",
		zap.String("connId", string(c.id)), zap.String("user", string(c.user)))

	if first {
		h.deps.Presence.Connected(h.ctx, c.user)
	}

	// Pending-DM digest greets every fresh connection.
	if summary, err := h.deps.Relay.MissedSummary(h.ctx, c.user); err == nil && len(summary) > 0 {
		c.Send(types.EventMissedPMSummary, summary)
	}
}

// unregister tears down every piece of state the connection held. Runs once
// per connection, from readPump's defer.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	delete(h.byUser[c.user], c.id)
	last := len(h.byUser[c.user]) == 0
	if last {
		delete(h.byUser, c.user)
		if cancel, ok := h.userSubs[c.user]; ok {
			cancel()
			delete(h.userSubs, c.user)
		}
	}
	delete(h.bySession[c.session], c.id)
	if len(h.bySession[c.session]) == 0 {
		delete(h.bySession, c.session)
	}
	joined := h.joined[c.id]
	delete(h.joined, c.id)
	for _, room := range joined.UnsortedList() {
		h.removeFromRoomLocked(room, c.id)
	}
	h.mu.Unlock()

	c.Disconnect()

	h.deps.Voice.Disconnect(h.ctx, c.user, c.id)
	if last {
		h.deps.Presence.Disconnected(h.ctx, c.user)
	}
	h.deps.Authority.RecordActivity(h.ctx, c.session)

	logging.Info(h.ctx, "connection unregistered",
		zap.String("connId", string(c.id)), zap.String("user", string(c.user)))
}

// dropConnection force-closes a connection, optionally naming the reason.
func (h *Hub) dropConnection(c *Client, reason string) {
	if reason != "" {
		logging.Warn(h.ctx, "dropping connection",
			zap.String("connId", string(c.id)), zap.String("reason", reason))
	}
	c.Disconnect()
	h.unregister(c)
}

// --- room index ---

func (h *Hub) joinRoom(c *Client, room types.RoomName) {
	h.mu.Lock()
	if h.byRoom[room] == nil {
		h.byRoom[room] = make(map[types.ConnID]*Client)
		if h.deps.Bridge != nil {
			subCtx, cancel := context.WithCancel(h.ctx)
			h.roomSubs[room] = cancel
			h.deps.Bridge.Subscribe(subCtx, room, h.onBridgeRoomEvent)
		}
	}
	h.byRoom[room][c.id] = c
	if h.joined[c.id] != nil {
		h.joined[c.id].Insert(room)
	}
	h.mu.Unlock()
}

func (h *Hub) leaveRoom(c *Client, room types.RoomName) {
	h.mu.Lock()
	h.joined[c.id].Delete(room)
	h.removeFromRoomLocked(room, c.id)
	h.mu.Unlock()
}

func (h *Hub) removeFromRoomLocked(room types.RoomName, conn types.ConnID) {
	if set, ok := h.byRoom[room]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.byRoom, room)
			if cancel, ok := h.roomSubs[room]; ok {
				cancel()
				delete(h.roomSubs, room)
			}
		}
	}
}

// --- bridge fan-in ---

func (h *Hub) onBridgeRoomEvent(msg types.BridgePayload) {
	h.localBroadcastRoom(msg.Room, msg.Event, msg.Payload)
}

func (h *Hub) onBridgeUserEvent(msg types.BridgePayload) {
	h.SendToUser(msg.User, msg.Event, msg.Payload)
}

func (h *Hub) onBridgeSystemEvent(msg types.BridgePayload) {
	h.BroadcastAll(msg.Event, msg.Payload)
}

// --- types.Sender ---

func (h *Hub) SendToUser(user types.UserID, event types.Event, payload any) bool {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byUser[user]))
	for _, c := range h.byUser[user] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
	return len(targets) > 0
}

func (h *Hub) SendToConn(conn types.ConnID, event types.Event, payload any) {
	h.mu.RLock()
	c := h.conns[conn]
	h.mu.RUnlock()
	if c != nil {
		c.Send(event, payload)
	}
}

func (h *Hub) BroadcastRoom(room types.RoomName, event types.Event, payload any, exclude ...types.ConnID) {
	skip := make(map[types.ConnID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byRoom[room]))
	for id, c := range h.byRoom[room] {
		if _, excluded := skip[id]; !excluded {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

func (h *Hub) localBroadcastRoom(room types.RoomName, event types.Event, payload any) {
	h.BroadcastRoom(room, event, payload)
}

func (h *Hub) RoomOccupants(room types.RoomName) []types.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[types.UserID]struct{})
	out := make([]types.UserID, 0, len(h.byRoom[room]))
	for _, c := range h.byRoom[room] {
		if _, dup := seen[c.user]; !dup {
			seen[c.user] = struct{}{}
			out = append(out, c.user)
		}
	}
	return out
}

func (h *Hub) UserOnline(user types.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[user]) > 0
}

// Kick terminates every connection bound to a session, e.g. on logout-all
// or password reset.
func (h *Hub) Kick(session types.SessionID, reason string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.bySession[session]))
	for _, c := range h.bySession[session] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(types.EventForceLogout, ForceLogoutPayload{Reason: reason})
		go h.dropConnection(c, reason)
	}
}

// --- dispatch ---

func (h *Hub) dispatch(ctx context.Context, c *Client, msg types.Message) {
	start := time.Now()
	handler, ok := h.handlers[msg.Event]
	if !ok {
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), "unknown").Inc()
		c.SendError(msg.Event, "bad_input", "unknown event")
		return
	}

	err := handler(ctx, c, msg.Payload)
	metrics.EventProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), "error").Inc()
		h.reportError(c, msg.Event, err)
		return
	}
	metrics.WebsocketEvents.WithLabelValues(string(msg.Event), "ok").Inc()
}

// Shutdown drains the registry: every connection receives a close frame and
// bridge subscriptions are cancelled.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "shutting down hub")
	h.cancel()

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(types.EventGlobalAnnouncement, gin.H{"message": "server shutting down"})
		c.Disconnect()
	}
	logging.Info(ctx, "all connections closed", zap.Int("count", len(targets)))
	return nil
}

// BroadcastAll pushes one event to every live local connection, for
// server-wide announcements.
func (h *Hub) BroadcastAll(event types.Event, payload any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

// ConnectionCount reports the live local connection count.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// --- helpers ---

func tokenFromProtocolHeader(header string) string {
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(p)
		if p != "" && p != "access_token" {
			return p
		}
	}
	return ""
}

// validateOrigin admits requests whose Origin matches the allowlist. An
// absent Origin header means a non-browser client and is allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowedOrigins) == 0 {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
