// Package governor is the anti-abuse layer: HTTP and realtime rate limits,
// slow-mode pacing, and content screening for plaintext traffic.
package governor

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/config"
	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/types"
)

// Realtime rule names. Each maps to a per-user window from config.
const (
	RuleRoomSend     = "room_send"
	RuleDMSend       = "dm_send"
	RuleRoomJoin     = "room_join"
	RuleRoomCreate   = "room_create"
	RuleFriendReq    = "friend_request"
	RuleFriendAction = "friend_action"
	RuleP2PSignal    = "p2p_signal"
	RuleVoiceInvite  = "voice_invite"
	RuleAdminSocket  = "admin_socket"
)

// HTTP rule names, keyed by client IP.
const (
	RuleLogin    = "login"
	RuleRegister = "register"
	RuleRefresh  = "refresh"
	RuleReset    = "reset"
	RuleUpload   = "upload"
	RuleScrape   = "scrape"
)

// Governor enforces every rate rule. Limits live in Redis when available so
// they hold across workers; otherwise an in-memory store covers the single
// worker.
type Governor struct {
	limiters map[string]*limiter.Limiter

	// slowmode pacing: last accepted send per (room, user).
	mu       sync.Mutex
	lastSend map[string]time.Time

	// duplicate suppression: last screened plaintext per sender.
	lastText map[types.UserID]lastPlaintext
}

type lastPlaintext struct {
	text string
	at   time.Time
}

// New builds the governor from config. redisClient may be nil.
func New(cfg *config.Config, redisClient *redis.Client) (*Governor, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "governor:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "governor using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "governor using memory store (redis disabled)")
	}

	rules := map[string]string{
		RuleLogin:    cfg.RateLimitLogin,
		RuleRegister: cfg.RateLimitRegister,
		RuleRefresh:  cfg.RateLimitRefresh,
		RuleReset:    cfg.RateLimitReset,
		RuleUpload:   cfg.RateLimitUpload,
		RuleScrape:   cfg.RateLimitScrape,

		RuleRoomSend:     cfg.RateLimitRoomSend,
		RuleDMSend:       cfg.RateLimitDMSend,
		RuleRoomJoin:     cfg.RateLimitRoomJoin,
		RuleRoomCreate:   cfg.RateLimitRoomCreate,
		RuleFriendReq:    cfg.RateLimitFriendReq,
		RuleFriendAction: cfg.RateLimitFriendAction,
		RuleP2PSignal:    cfg.RateLimitP2PSignal,
		RuleVoiceInvite:  cfg.RateLimitVoiceInvite,
		RuleAdminSocket:  cfg.RateLimitAdminSocket,
	}

	limiters := make(map[string]*limiter.Limiter, len(rules))
	for name, formatted := range rules {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", name, err)
		}
		limiters[name] = limiter.New(store, rate)
	}

	return &Governor{
		limiters: limiters,
		lastSend: make(map[string]time.Time),
		lastText: make(map[types.UserID]lastPlaintext),
	}, nil
}

// Middleware enforces an HTTP rule keyed by client IP. Store failures fail
// open: availability over strictness.
func (g *Governor) Middleware(rule string) gin.HandlerFunc {
	lim := g.limiters[rule]
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := lim.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.String("rule", rule), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(rule, "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}

// Allow charges one realtime event against a per-user rule. Returns a
// RateLimited error with the rule name when the window is exhausted.
func (g *Governor) Allow(ctx context.Context, rule string, user types.UserID) error {
	lim, ok := g.limiters[rule]
	if !ok {
		return nil
	}
	lctx, err := lim.Get(ctx, rule+":"+string(user))
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("rule", rule), zap.Error(err))
		return nil // fail open
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(rule, "user").Inc()
		return errs.E(errs.KindRateLimited, "rate limit exceeded: "+rule)
	}
	return nil
}

// CheckSlowmode enforces the per-room send interval for a user. Returns the
// remaining wait when the user sent too recently. Accepted sends stamp the
// clock; rejected ones do not.
func (g *Governor) CheckSlowmode(room types.RoomName, user types.UserID, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, nil
	}
	key := string(room) + "\x00" + string(user)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastSend[key]; ok {
		if wait := interval - now.Sub(last); wait > 0 {
			return wait, errs.E(errs.KindSlowMode, fmt.Sprintf("slow mode: wait %ds", int(wait.Seconds())+1))
		}
	}
	g.lastSend[key] = now
	return 0, nil
}

// PeekSlowmode reports the remaining wait without charging the clock, for
// policy-state derivation.
func (g *Governor) PeekSlowmode(room types.RoomName, user types.UserID, interval time.Duration) (time.Duration, error) {
	if interval <= 0 {
		return 0, nil
	}
	key := string(room) + "\x00" + string(user)
	g.mu.Lock()
	last, ok := g.lastSend[key]
	g.mu.Unlock()
	if !ok {
		return 0, nil
	}
	if wait := interval - time.Since(last); wait > 0 {
		return wait, errs.E(errs.KindSlowMode, fmt.Sprintf("slow mode: wait %ds", int(wait.Seconds())+1))
	}
	return 0, nil
}

// ResetSlowmode clears pacing state for a room, e.g. when slow mode is
// turned off.
func (g *Governor) ResetSlowmode(room types.RoomName) {
	prefix := string(room) + "\x00"
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.lastSend {
		if strings.HasPrefix(k, prefix) {
			delete(g.lastSend, k)
		}
	}
}

// MaxPlaintextLen bounds plaintext room messages. Ciphertext envelopes are
// opaque and skip content screening entirely.
const MaxPlaintextLen = 4096

// Plaintext spam heuristics.
const (
	duplicateWindow = 10 * time.Second
	maxLinks        = 4
	maxMagnets      = 1
	maxMentions     = 8
)

var mentionPattern = regexp.MustCompile(`@[A-Za-z0-9_]{2,}`)

// ScreenPlaintext applies content heuristics to plaintext-compat messages
// from one sender: shape checks, link/magnet/mention caps, and a repeated
// identical message within duplicateWindow. Ciphertext is never inspected,
// so this only guards the plaintext path.
func (g *Governor) ScreenPlaintext(sender types.UserID, text string) error {
	if text == "" {
		return errs.E(errs.KindBadInput, "empty message")
	}
	if len(text) > MaxPlaintextLen {
		return errs.E(errs.KindBadInput, "message too long")
	}
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' {
			return errs.E(errs.KindBadInput, "message contains control characters")
		}
	}

	lower := strings.ToLower(text)
	if strings.Count(lower, "http://")+strings.Count(lower, "https://") > maxLinks {
		return errs.E(errs.KindBadInput, "too many links")
	}
	if strings.Count(lower, "magnet:?") > maxMagnets {
		return errs.E(errs.KindBadInput, "too many magnet links")
	}
	if len(mentionPattern.FindAllStringIndex(text, maxMentions+1)) > maxMentions {
		return errs.E(errs.KindBadInput, "too many mentions")
	}

	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastText[sender]; ok && last.text == text && now.Sub(last.at) < duplicateWindow {
		metrics.RateLimitExceeded.WithLabelValues("duplicate_message", "user").Inc()
		return errs.E(errs.KindRateLimited, "duplicate message")
	}
	g.lastText[sender] = lastPlaintext{text: text, at: now}
	return nil
}
