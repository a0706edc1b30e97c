package governor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/config"
	"github.com/echochat/backend/go/internal/v1/errs"
)

func testGovernor(t *testing.T) *Governor {
	t.Helper()
	cfg := &config.Config{
		RateLimitLogin:    "3-M",
		RateLimitRegister: "3-M",
		RateLimitRefresh:  "30-M",
		RateLimitReset:    "3-M",
		RateLimitUpload:   "20-M",
		RateLimitScrape:   "60-M",

		RateLimitRoomSend:     "5-M",
		RateLimitDMSend:       "60-M",
		RateLimitRoomJoin:     "30-M",
		RateLimitRoomCreate:   "2-H",
		RateLimitFriendReq:    "20-H",
		RateLimitFriendAction: "60-H",
		RateLimitP2PSignal:    "120-M",
		RateLimitVoiceInvite:  "20-M",
		RateLimitAdminSocket:  "120-M",
	}
	g, err := New(cfg, nil)
	require.NoError(t, err)
	return g
}

func TestAllow_PerUserWindow(t *testing.T) {
	g := testGovernor(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Allow(ctx, RuleRoomSend, "alice"))
	}
	err := g.Allow(ctx, RuleRoomSend, "alice")
	assert.True(t, errs.Is(err, errs.KindRateLimited))

	// Limits are per user and per rule.
	assert.NoError(t, g.Allow(ctx, RuleRoomSend, "bob"))
	assert.NoError(t, g.Allow(ctx, RuleDMSend, "alice"))
}

func TestAllow_UnknownRulePasses(t *testing.T) {
	g := testGovernor(t)
	assert.NoError(t, g.Allow(context.Background(), "no_such_rule", "alice"))
}

func TestMiddleware_LimitsByIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := testGovernor(t)

	r := gin.New()
	r.POST("/login", g.Middleware(RuleLogin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	status := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, status())
	}
	assert.Equal(t, http.StatusTooManyRequests, status())
}

func TestCheckSlowmode(t *testing.T) {
	g := testGovernor(t)

	wait, err := g.CheckSlowmode("General", "alice", 10*time.Second)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = g.CheckSlowmode("General", "alice", 10*time.Second)
	assert.True(t, errs.Is(err, errs.KindSlowMode))
	assert.Greater(t, wait, time.Duration(0))

	// Other users and other rooms are unaffected.
	_, err = g.CheckSlowmode("General", "bob", 10*time.Second)
	assert.NoError(t, err)
	_, err = g.CheckSlowmode("Random", "alice", 10*time.Second)
	assert.NoError(t, err)

	// Zero interval means slow mode is off.
	_, err = g.CheckSlowmode("General", "alice", 0)
	assert.NoError(t, err)

	g.ResetSlowmode("General")
	_, err = g.CheckSlowmode("General", "alice", 10*time.Second)
	assert.NoError(t, err)
}

func TestScreenPlaintext(t *testing.T) {
	g := testGovernor(t)

	assert.NoError(t, g.ScreenPlaintext("alice", "hello there"))
	assert.NoError(t, g.ScreenPlaintext("alice", "multi\nline\tok"))

	assert.True(t, errs.Is(g.ScreenPlaintext("alice", ""), errs.KindBadInput))
	assert.True(t, errs.Is(g.ScreenPlaintext("alice", string(rune(0x07))), errs.KindBadInput))

	long := make([]byte, MaxPlaintextLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.True(t, errs.Is(g.ScreenPlaintext("alice", string(long)), errs.KindBadInput))
}

func TestScreenPlaintext_DuplicateSuppression(t *testing.T) {
	g := testGovernor(t)

	require.NoError(t, g.ScreenPlaintext("alice", "buy my mixtape"))
	err := g.ScreenPlaintext("alice", "buy my mixtape")
	assert.True(t, errs.Is(err, errs.KindRateLimited), "identical repeat inside the window is rejected")

	// A different message resets the sender's slot, after which the first
	// text is accepted again.
	require.NoError(t, g.ScreenPlaintext("alice", "ok, something else"))
	assert.NoError(t, g.ScreenPlaintext("alice", "buy my mixtape"))

	// Senders do not share duplicate state.
	assert.NoError(t, g.ScreenPlaintext("bob", "ok, something else"))
}

func TestScreenPlaintext_LinkAndMentionCaps(t *testing.T) {
	g := testGovernor(t)

	assert.NoError(t, g.ScreenPlaintext("alice",
		"see https://a.example https://b.example http://c.example https://d.example"))
	err := g.ScreenPlaintext("alice",
		"https://1.example https://2.example https://3.example HTTP://4.example https://5.example")
	assert.True(t, errs.Is(err, errs.KindBadInput), "more than four links is rejected")

	assert.NoError(t, g.ScreenPlaintext("bob", "magnet:?xt=urn:btih:abc"))
	err = g.ScreenPlaintext("bob", "magnet:?xt=urn:btih:abc magnet:?xt=urn:btih:def")
	assert.True(t, errs.Is(err, errs.KindBadInput), "more than one magnet link is rejected")

	mentions := strings.Repeat("@someone ", maxMentions)
	assert.NoError(t, g.ScreenPlaintext("carol", mentions+"hello"))
	err = g.ScreenPlaintext("carol", mentions+"@onemore")
	assert.True(t, errs.Is(err, errs.KindBadInput), "mention flood is rejected")
}
