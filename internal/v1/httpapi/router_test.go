package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/backend/go/internal/v1/auth"
	"github.com/echochat/backend/go/internal/v1/config"
	"github.com/echochat/backend/go/internal/v1/files"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/health"
	"github.com/echochat/backend/go/internal/v1/rooms"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
	"github.com/echochat/backend/go/internal/v1/voice"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitLogin: "100-M", RateLimitRegister: "100-M", RateLimitRefresh: "100-M",
		RateLimitReset: "100-M", RateLimitUpload: "100-M", RateLimitScrape: "100-M",
		RateLimitRoomSend: "60-M", RateLimitDMSend: "60-M", RateLimitRoomJoin: "30-M",
		RateLimitRoomCreate: "100-M", RateLimitFriendReq: "20-H", RateLimitFriendAction: "60-H",
		RateLimitP2PSignal: "120-M", RateLimitVoiceInvite: "20-M", RateLimitAdminSocket: "120-M",
	}
}

func testRouter(t *testing.T, cfg *config.Config) (*gin.Engine, Deps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	gov, err := governor.New(cfg, nil)
	require.NoError(t, err)

	authority := auth.NewAuthority(st, auth.Options{
		Secret:          "test-secret-test-secret-test-secret",
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      7 * 24 * time.Hour,
		LockoutAttempts: 5,
		LockoutWindow:   15 * time.Minute,
		IdleLogout:      30 * time.Minute,
	})
	engine := rooms.NewEngine(st, gov, rooms.Options{MaxSubrooms: 2, HistoryLimit: 50})
	fileSvc, err := files.NewService(st, t.TempDir())
	require.NoError(t, err)
	voiceMgr := voice.NewManager(voice.Options{VoiceRoomCap: 4})

	d := Deps{
		Config:    cfg,
		Store:     st,
		Authority: authority,
		Rooms:     engine,
		Voice:     voiceMgr,
		Files:     fileSvc,
		Governor:  gov,
		Health:    health.NewHandler(st, nil),
	}
	r := gin.New()
	Register(r, d)
	return r, d
}

func doJSON(r *gin.Engine, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type session struct {
	access     string
	refresh    string
	csrf       string
	csrfCookie *http.Cookie
}

// authed applies the bearer token and the CSRF cookie/header pair.
func (s *session) authed(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.access)
	req.Header.Set("X-CSRF-Token", s.csrf)
	if s.csrfCookie != nil {
		req.AddCookie(s.csrfCookie)
	}
}

func signup(t *testing.T, r *gin.Engine, username string) *session {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/register", gin.H{
		"username": username, "email": username + "@example.com", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, w.Code)
	return login(t, r, username)
}

func login(t *testing.T, r *gin.Engine, username string) *session {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/login", gin.H{
		"username": username, "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
		CSRF string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	s := &session{access: resp.Tokens.AccessToken, refresh: resp.Tokens.RefreshToken, csrf: resp.CSRF}
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "csrf_token" {
			s.csrfCookie = ck
		}
	}
	require.NotNil(t, s.csrfCookie)
	require.Equal(t, s.csrf, s.csrfCookie.Value)
	return s
}

func TestRegisterResponsesAreGeneric(t *testing.T) {
	r, _ := testRouter(t, testConfig())

	first := doJSON(r, http.MethodPost, "/register", gin.H{
		"username": "alice", "email": "alice@example.com", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, first.Code)

	// Taking the same name again must be indistinguishable from success.
	dup := doJSON(r, http.MethodPost, "/register", gin.H{
		"username": "alice", "email": "other@example.com", "password": "hunter22",
	})
	assert.Equal(t, http.StatusOK, dup.Code)
	assert.Equal(t, first.Body.String(), dup.Body.String())

	// Validation failures are still reported.
	bad := doJSON(r, http.MethodPost, "/register", gin.H{
		"username": "x", "email": "x@example.com", "password": "hunter22",
	})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	signup(t, r, "alice")

	w := doJSON(r, http.MethodPost, "/login", gin.H{"username": "alice", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	unknown := doJSON(r, http.MethodPost, "/login", gin.H{"username": "nobody", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	// Same rejection either way, no account enumeration.
	assert.Equal(t, w.Body.String(), unknown.Body.String())
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	s := signup(t, r, "alice")

	w := doJSON(r, http.MethodPost, "/token/refresh", gin.H{"refresh_token": s.refresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A replay of the rotated token is rejected outright. Only a refresh
	// racing an in-flight rotation sees Conflict.
	replay := doJSON(r, http.MethodPost, "/token/refresh", gin.H{"refresh_token": s.refresh})
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestCSRFPairRequiredOnMutations(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	s := signup(t, r, "alice")

	// Bearer token alone is not enough for a POST.
	w := doJSON(r, http.MethodPost, "/api/custom_rooms", gin.H{"name": "Lounge"},
		func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+s.access) })
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Cookie without the echoed header fails too.
	w = doJSON(r, http.MethodPost, "/api/custom_rooms", gin.H{"name": "Lounge"},
		func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+s.access)
			req.AddCookie(s.csrfCookie)
		})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, "/api/custom_rooms", gin.H{"name": "Lounge"}, s.authed)
	assert.Equal(t, http.StatusCreated, w.Code)

	// GETs need only the token.
	w = doJSON(r, http.MethodGet, "/api/rooms", nil,
		func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+s.access) })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCustomRoomsAndInvites(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	alice := signup(t, r, "alice")
	bob := signup(t, r, "bob")

	w := doJSON(r, http.MethodPost, "/api/custom_rooms", gin.H{
		"name": "Hideout", "visibility": "private",
	}, alice.authed)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Creator sees it in the custom list; bob does not (private, no invite).
	w = doJSON(r, http.MethodGet, "/api/custom_rooms", nil, alice.authed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Hideout")

	w = doJSON(r, http.MethodGet, "/api/custom_rooms", nil, bob.authed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Hideout")

	w = doJSON(r, http.MethodPost, "/api/custom_rooms/invite", gin.H{
		"room": "Hideout", "invitee": "bob",
	}, alice.authed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodGet, "/api/rooms/invites", nil, bob.authed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Hideout")
	assert.Contains(t, w.Body.String(), "alice")
}

func TestPublicKeyLookup(t *testing.T) {
	r, d := testRouter(t, testConfig())
	signup(t, r, "alice")
	require.NoError(t, d.Store.UpdateKeys(context.Background(), "alice", "-----BEGIN PUBLIC KEY-----", "blob"))

	w := doJSON(r, http.MethodGet, "/get_public_key?username=Alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BEGIN PUBLIC KEY")

	w = doJSON(r, http.MethodGet, "/get_public_key?username=nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogoutTerminatesSession(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	s := signup(t, r, "alice")

	w := doJSON(r, http.MethodPost, "/logout", nil, s.authed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The access token dies with the session.
	w = doJSON(r, http.MethodGet, "/api/rooms", nil,
		func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+s.access) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitLogin = "2-M"
	r, _ := testRouter(t, cfg)

	body := gin.H{"username": "ghost", "password": "wrong-pass"}
	for i := 0; i < 2; i++ {
		w := doJSON(r, http.MethodPost, "/login", body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := doJSON(r, http.MethodPost, "/login", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := testRouter(t, testConfig())

	w := doJSON(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func multipartUpload(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "payload.bin")
	require.NoError(t, err)
	_, err = fw.Write(file)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFileUploadMetaAndBlob(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	alice := signup(t, r, "alice")
	bob := signup(t, r, "bob")
	mallory := signup(t, r, "mallory")

	body, contentType := multipartUpload(t, map[string]string{
		"iv":           "aXY=",
		"wrapped_keys": `{"bob":"d3JhcHBlZA=="}`,
		"mime":         "application/octet-stream",
	}, []byte("ciphertext-bytes"))

	req := httptest.NewRequest(http.MethodPost, "/api/dm_files/upload", body)
	req.Header.Set("Content-Type", contentType)
	alice.authed(req)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var meta struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	require.NotEmpty(t, meta.ID)

	// Recipient fetches metadata and the exact ciphertext.
	w = doJSON(r, http.MethodGet, "/api/dm_files/"+meta.ID+"/meta", nil, bob.authed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wrapped_keys")

	w = doJSON(r, http.MethodGet, "/api/dm_files/"+meta.ID+"/blob", nil, bob.authed)
	require.Equal(t, http.StatusOK, w.Code)
	blob, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Equal(t, "ciphertext-bytes", string(blob))

	// Not a recipient.
	w = doJSON(r, http.MethodGet, "/api/dm_files/"+meta.ID+"/meta", nil, mallory.authed)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A DM blob is invisible through the group routes.
	w = doJSON(r, http.MethodGet, "/api/group_files/"+meta.ID+"/meta", nil, bob.authed)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadRejectsMissingEnvelope(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	alice := signup(t, r, "alice")

	body, contentType := multipartUpload(t, map[string]string{"iv": "aXY="}, []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/dm_files/upload", body)
	req.Header.Set("Content-Type", contentType)
	alice.authed(req)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecoverPasswordWithPin(t *testing.T) {
	r, _ := testRouter(t, testConfig())

	w := doJSON(r, http.MethodPost, "/register", gin.H{
		"username": "alice", "email": "alice@example.com", "password": "hunter22", "pin": "424242",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s := login(t, r, "alice")

	w = doJSON(r, http.MethodPost, "/register", gin.H{
		"username": "bob", "email": "bob@example.com", "password": "hunter22", "pin": "not-digits",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Wrong PIN and unknown account read the same.
	bad := doJSON(r, http.MethodPost, "/recover", gin.H{
		"username": "alice", "pin": "000000", "new_password": "electrodes9",
	})
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
	ghost := doJSON(r, http.MethodPost, "/recover", gin.H{
		"username": "ghost", "pin": "424242", "new_password": "electrodes9",
	})
	assert.Equal(t, http.StatusUnauthorized, ghost.Code)
	assert.Equal(t, bad.Body.String(), ghost.Body.String())

	w = doJSON(r, http.MethodPost, "/recover", gin.H{
		"username": "alice", "pin": "424242", "new_password": "electrodes9",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Every session opened under the old password is gone.
	w = doJSON(r, http.MethodGet, "/api/rooms", nil,
		func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+s.access) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/login", gin.H{"username": "alice", "password": "electrodes9"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// signupAdmin registers a user, flips the admin flag, and logs in so the
// access token carries the admin claim.
func signupAdmin(t *testing.T, r *gin.Engine, d Deps, username string) *session {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/register", gin.H{
		"username": username, "email": username + "@example.com", "password": "hunter22",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, d.Store.SetAdmin(context.Background(), types.NormalizeUsername(username), true))
	return login(t, r, username)
}

func TestAdminEndpointsRejectNonAdmins(t *testing.T) {
	r, _ := testRouter(t, testConfig())
	alice := signup(t, r, "alice")

	w := doJSON(r, http.MethodPost, "/api/admin/room_policy", gin.H{
		"room": "General", "readonly": true,
	}, alice.authed)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, "/api/admin/force_logout", gin.H{"username": "alice"}, alice.authed)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoomPolicy(t *testing.T) {
	r, d := testRouter(t, testConfig())
	root := signupAdmin(t, r, d, "root")
	bob := signup(t, r, "bob")

	w := doJSON(r, http.MethodPost, "/api/custom_rooms", gin.H{"name": "News"}, bob.authed)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// An admin moderates rooms they never joined.
	w = doJSON(r, http.MethodPost, "/api/admin/room_policy", gin.H{
		"room": "News", "readonly": true,
	}, root.authed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/api/admin/room_policy", gin.H{
		"room": "News", "slowmode_seconds": -1,
	}, root.authed)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/admin/room_policy", gin.H{
		"room": "NoSuchRoom", "locked": true,
	}, root.authed)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminForceLogout(t *testing.T) {
	r, d := testRouter(t, testConfig())
	root := signupAdmin(t, r, d, "root")
	bob := signup(t, r, "bob")

	w := doJSON(r, http.MethodPost, "/api/admin/force_logout", gin.H{"username": "Bob"}, root.authed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"sessions_terminated":1`)

	// The target's next request fails token validation.
	w = doJSON(r, http.MethodGet, "/api/rooms", nil,
		func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+bob.access) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminVoiceCapAndAnnounce(t *testing.T) {
	r, d := testRouter(t, testConfig())
	root := signupAdmin(t, r, d, "root")

	w := doJSON(r, http.MethodPost, "/api/admin/voice_cap", gin.H{"room": "Music", "cap": 2}, root.authed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/api/admin/voice_cap", gin.H{"room": "Music", "cap": -1}, root.authed)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No hub in this harness; announcing still succeeds.
	w = doJSON(r, http.MethodPost, "/api/admin/announce", gin.H{"message": "maintenance at noon"}, root.authed)
	assert.Equal(t, http.StatusOK, w.Code)
}
