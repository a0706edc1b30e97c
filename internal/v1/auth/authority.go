package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/errs"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/types"
)

// credentialError is the uniform rejection for bad username or password.
// One message for both cases so responses never reveal account existence.
const credentialError = "invalid username or password"

var (
	usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)
	pinPattern      = regexp.MustCompile(`^[0-9]{4,12}$`)
)

// ValidRecoveryPin reports whether a recovery PIN has an acceptable shape.
func ValidRecoveryPin(pin string) bool { return pinPattern.MatchString(pin) }

// dummyHash absorbs verification time for unknown usernames so login latency
// does not distinguish "no such account" from "wrong password".
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Options carries the tunables the authority reads from config.
type Options struct {
	Secret          string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	LockoutAttempts int
	LockoutWindow   time.Duration
	IdleLogout      time.Duration
}

// Identity is the result of validating an access token.
type Identity struct {
	User    types.UserID
	Session types.SessionID
	Admin   bool
}

// Authority owns the account, session, and token lifecycle.
type Authority struct {
	store  *store.Store
	kdf    *KDF
	minter *minter
	opts   Options

	// sender is wired after the hub exists; nil until then.
	mu     sync.RWMutex
	sender types.Sender

	// refreshMu serializes rotation per session so concurrent rotations on
	// one session cannot both succeed.
	refreshMu sync.Map // session id -> *sync.Mutex
}

func NewAuthority(st *store.Store, opts Options) *Authority {
	return &Authority{
		store:  st,
		kdf:    NewKDF(),
		minter: newMinter(opts.Secret, opts.AccessTTL, opts.RefreshTTL),
		opts:   opts,
	}
}

// SetSender wires the realtime sender used for forced-logout delivery.
func (a *Authority) SetSender(s types.Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *Authority) getSender() types.Sender {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sender
}

// Register creates a new account. Username is case-folded; the original
// casing is kept as the display name.
func (a *Authority) Register(ctx context.Context, username, email, password string) (*store.User, error) {
	folded := types.NormalizeUsername(username)
	if !usernamePattern.MatchString(string(folded)) {
		return nil, errs.E(errs.KindBadInput, "username must be 3-32 characters: letters, digits, underscore")
	}
	if len(password) < 8 {
		return nil, errs.E(errs.KindBadInput, "password must be at least 8 characters")
	}
	if email == "" {
		return nil, errs.E(errs.KindBadInput, "email is required")
	}

	hash, err := a.kdf.Hash(password)
	if err != nil {
		return nil, err
	}
	u := &store.User{
		ID:           uuid.NewString(),
		Username:     string(folded),
		DisplayName:  username,
		Email:        email,
		PasswordHash: hash,
	}
	if err := a.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			metrics.AuthOutcomes.WithLabelValues("register", "duplicate").Inc()
			return nil, errs.E(errs.KindConflict, "username or email already in use")
		}
		return nil, errs.Storage(err)
	}
	metrics.AuthOutcomes.WithLabelValues("register", "ok").Inc()
	logging.Info(ctx, "account registered", zap.String("username", string(folded)))
	return u, nil
}

// Login verifies credentials and opens a session. Lockout engages after the
// configured number of consecutive failures and is reported distinctly, but
// wrong-password and unknown-username both return the uniform rejection.
func (a *Authority) Login(ctx context.Context, username, password, agent string) (*Identity, *TokenPair, error) {
	folded := types.NormalizeUsername(username)
	u, err := a.store.GetUser(ctx, folded)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, _ = a.kdf.Verify(password, dummyHash)
			metrics.AuthOutcomes.WithLabelValues("login", "unknown_user").Inc()
			return nil, nil, errs.E(errs.KindUnauthorized, credentialError)
		}
		return nil, nil, errs.Storage(err)
	}

	now := time.Now().UTC()
	if u.Locked(now) {
		metrics.AuthOutcomes.WithLabelValues("login", "locked").Inc()
		return nil, nil, errs.E(errs.KindLoginLocked, "account temporarily locked, try again later")
	}

	ok, err := a.kdf.Verify(password, u.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		locked, ferr := a.store.RecordLoginFailure(ctx, folded, a.opts.LockoutAttempts, now.Add(a.opts.LockoutWindow))
		if ferr != nil {
			return nil, nil, errs.Storage(ferr)
		}
		if locked {
			logging.Warn(ctx, "account locked after repeated failures", zap.String("username", string(folded)))
			metrics.AuthOutcomes.WithLabelValues("login", "locked").Inc()
		} else {
			metrics.AuthOutcomes.WithLabelValues("login", "bad_password").Inc()
		}
		return nil, nil, errs.E(errs.KindUnauthorized, credentialError)
	}

	if err := a.store.RecordLoginSuccess(ctx, folded, agent); err != nil {
		return nil, nil, errs.Storage(err)
	}

	sess := &store.AuthSession{ID: uuid.NewString(), UserID: string(folded), Fingerprint: agent}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, errs.Storage(err)
	}

	pair, err := a.issuePair(ctx, folded, types.SessionID(sess.ID), u.IsAdmin)
	if err != nil {
		return nil, nil, err
	}
	metrics.AuthOutcomes.WithLabelValues("login", "ok").Inc()
	logging.Info(ctx, "login succeeded",
		zap.String("username", string(folded)),
		zap.String("session_id", sess.ID))
	return &Identity{User: folded, Session: types.SessionID(sess.ID), Admin: u.IsAdmin}, pair, nil
}

func (a *Authority) issuePair(ctx context.Context, user types.UserID, session types.SessionID, admin bool) (*TokenPair, error) {
	access, accessRec, err := a.minter.mint(user, session, store.TokenKindAccess, admin)
	if err != nil {
		return nil, err
	}
	refresh, refreshRec, err := a.minter.mint(user, session, store.TokenKindRefresh, admin)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveToken(ctx, accessRec); err != nil {
		return nil, errs.Storage(err)
	}
	if err := a.store.SaveToken(ctx, refreshRec); err != nil {
		return nil, errs.Storage(err)
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessRec.ExpiresAt,
		RefreshExpiresAt: refreshRec.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old token is consumed and a new pair
// is issued. Presenting an already-consumed token is treated as replay and
// terminates the whole session.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := a.minter.parse(refreshToken)
	if err != nil {
		metrics.AuthOutcomes.WithLabelValues("refresh", "invalid").Inc()
		return nil, err
	}
	if claims.Kind != store.TokenKindRefresh {
		metrics.AuthOutcomes.WithLabelValues("refresh", "wrong_kind").Inc()
		return nil, errs.E(errs.KindUnauthorized, "not a refresh token")
	}

	muAny, _ := a.refreshMu.LoadOrStore(claims.SessionID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		// Another rotation on this session is in flight. Only the loser of
		// that race sees Conflict; it retries with the winner's pair.
		metrics.AuthOutcomes.WithLabelValues("refresh", "race").Inc()
		return nil, errs.E(errs.KindConflict, "refresh already in progress")
	}
	defer mu.Unlock()

	sess, err := a.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindUnauthorized, "session not found")
		}
		return nil, errs.Storage(err)
	}
	if sess.TerminatedAt != nil {
		metrics.AuthOutcomes.WithLabelValues("refresh", "terminated").Inc()
		return nil, errs.E(errs.KindUnauthorized, "session terminated")
	}

	user := types.UserID(claims.Subject)
	newRefresh, refreshRec, err := a.minter.mint(user, types.SessionID(claims.SessionID), store.TokenKindRefresh, claims.IsAdmin)
	if err != nil {
		return nil, err
	}

	if err := a.store.ConsumeRefreshToken(ctx, claims.ID, refreshRec); err != nil {
		if errors.Is(err, store.ErrConsumed) {
			// The in-flight race is handled by the session lock above, so a
			// consumed token here is a replay: reject it outright.
			logging.Warn(ctx, "consumed refresh token presented",
				zap.String("session_id", claims.SessionID),
				zap.String("user_id", claims.Subject))
			metrics.AuthOutcomes.WithLabelValues("refresh", "replay").Inc()
			return nil, errs.E(errs.KindUnauthorized, "refresh token already used")
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindUnauthorized, "unknown refresh token")
		}
		return nil, errs.Storage(err)
	}

	access, accessRec, err := a.minter.mint(user, types.SessionID(claims.SessionID), store.TokenKindAccess, claims.IsAdmin)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveToken(ctx, accessRec); err != nil {
		return nil, errs.Storage(err)
	}
	if err := a.store.TouchSession(ctx, claims.SessionID, time.Now().UTC()); err != nil {
		return nil, errs.Storage(err)
	}

	metrics.AuthOutcomes.WithLabelValues("refresh", "ok").Inc()
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     newRefresh,
		AccessExpiresAt:  accessRec.ExpiresAt,
		RefreshExpiresAt: refreshRec.ExpiresAt,
	}, nil
}

// Validate checks an access token against signature, expiry, revocation, and
// session liveness, and stamps session activity.
func (a *Authority) Validate(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := a.minter.parse(accessToken)
	if err != nil {
		metrics.AuthOutcomes.WithLabelValues("validate", "invalid").Inc()
		return nil, err
	}
	if claims.Kind != store.TokenKindAccess {
		return nil, errs.E(errs.KindUnauthorized, "not an access token")
	}

	rec, err := a.store.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindUnauthorized, "unknown token")
		}
		return nil, errs.Storage(err)
	}
	if rec.Revoked {
		metrics.AuthOutcomes.WithLabelValues("validate", "revoked").Inc()
		return nil, errs.E(errs.KindUnauthorized, "token revoked")
	}

	sess, err := a.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.E(errs.KindUnauthorized, "session not found")
		}
		return nil, errs.Storage(err)
	}
	if sess.TerminatedAt != nil {
		return nil, errs.E(errs.KindUnauthorized, "session terminated")
	}

	_ = a.store.TouchSession(ctx, claims.SessionID, time.Now().UTC())
	metrics.AuthOutcomes.WithLabelValues("validate", "ok").Inc()
	return &Identity{
		User:    types.UserID(claims.Subject),
		Session: types.SessionID(claims.SessionID),
		Admin:   claims.IsAdmin,
	}, nil
}

// RecordActivity stamps session activity from realtime traffic.
func (a *Authority) RecordActivity(ctx context.Context, session types.SessionID) {
	if err := a.store.TouchSession(ctx, string(session), time.Now().UTC()); err != nil {
		logging.Warn(ctx, "activity stamp failed", zap.Error(err))
	}
}

// Logout ends one session and disconnects its sockets.
func (a *Authority) Logout(ctx context.Context, session types.SessionID) error {
	return a.terminate(ctx, session, "logout")
}

// LogoutAll ends every session of a user, for admin force-logout and
// password resets. Returns the terminated session ids.
func (a *Authority) LogoutAll(ctx context.Context, user types.UserID, reason string) ([]types.SessionID, error) {
	ids, err := a.store.TerminateUserSessions(ctx, string(user), reason)
	if err != nil {
		return nil, errs.Storage(err)
	}
	if s := a.getSender(); s != nil {
		for _, id := range ids {
			s.Kick(types.SessionID(id), reason)
		}
	}
	out := make([]types.SessionID, len(ids))
	for i, id := range ids {
		out[i] = types.SessionID(id)
	}
	return out, nil
}

func (a *Authority) terminate(ctx context.Context, session types.SessionID, reason string) error {
	if err := a.store.TerminateSession(ctx, string(session), reason); err != nil {
		return errs.Storage(err)
	}
	if s := a.getSender(); s != nil {
		s.Kick(session, reason)
	}
	return nil
}

// SetRecoveryPin stores a recovery PIN verifier for an account; an empty
// pin clears it. The PIN substitutes for email reset when no mailbox is
// reachable.
func (a *Authority) SetRecoveryPin(ctx context.Context, user types.UserID, pin string) error {
	if pin == "" {
		if err := a.store.UpdateRecoveryPin(ctx, user, ""); err != nil {
			return errs.Storage(err)
		}
		return nil
	}
	if !ValidRecoveryPin(pin) {
		return errs.E(errs.KindBadInput, "recovery pin must be 4-12 digits")
	}
	hash, err := a.kdf.Hash(pin)
	if err != nil {
		return err
	}
	if err := a.store.UpdateRecoveryPin(ctx, user, hash); err != nil {
		return errs.Storage(err)
	}
	return nil
}

// RecoverPassword resets a password against the account's recovery PIN.
// Rejections are uniform: unknown account, no PIN on file, and wrong PIN
// all read the same. Every existing session dies with the old password.
func (a *Authority) RecoverPassword(ctx context.Context, username, pin, newPassword string) error {
	if len(newPassword) < 8 {
		return errs.E(errs.KindBadInput, "password must be at least 8 characters")
	}
	folded := types.NormalizeUsername(username)
	u, err := a.store.GetUser(ctx, folded)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, _ = a.kdf.Verify(pin, dummyHash)
			metrics.AuthOutcomes.WithLabelValues("recover", "unknown_user").Inc()
			return errs.E(errs.KindUnauthorized, credentialError)
		}
		return errs.Storage(err)
	}
	if u.RecoveryPinHash == "" {
		_, _ = a.kdf.Verify(pin, dummyHash)
		metrics.AuthOutcomes.WithLabelValues("recover", "no_pin").Inc()
		return errs.E(errs.KindUnauthorized, credentialError)
	}
	ok, err := a.kdf.Verify(pin, u.RecoveryPinHash)
	if err != nil {
		return err
	}
	if !ok {
		metrics.AuthOutcomes.WithLabelValues("recover", "bad_pin").Inc()
		return errs.E(errs.KindUnauthorized, credentialError)
	}

	hash, err := a.kdf.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := a.store.UpdatePassword(ctx, folded, hash); err != nil {
		return errs.Storage(err)
	}
	metrics.AuthOutcomes.WithLabelValues("recover", "ok").Inc()
	_, err = a.LogoutAll(ctx, folded, "password_reset")
	return err
}

// ForgotPassword issues a reset token for the account behind an email. The
// token is returned for delivery; unknown emails report success upstream so
// the endpoint does not reveal account existence.
func (a *Authority) ForgotPassword(ctx context.Context, email string) (token string, err error) {
	u, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", errs.E(errs.KindNotFound, "no such account")
		}
		return "", errs.Storage(err)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.KindInternal, "token generation failed", err)
	}
	token = hex.EncodeToString(buf)
	rec := &store.PasswordResetToken{
		Token:     token,
		UserID:    u.Username,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := a.store.CreatePasswordReset(ctx, rec); err != nil {
		return "", errs.Storage(err)
	}
	return token, nil
}

// ResetPassword redeems a reset token, replaces the password, and logs out
// every existing session of the account.
func (a *Authority) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return errs.E(errs.KindBadInput, "password must be at least 8 characters")
	}
	userID, err := a.store.ConsumePasswordReset(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrConsumed) || errors.Is(err, store.ErrNotFound) {
			return errs.E(errs.KindUnauthorized, "invalid or expired reset token")
		}
		return errs.Storage(err)
	}
	hash, err := a.kdf.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := a.store.UpdatePassword(ctx, types.UserID(userID), hash); err != nil {
		return errs.Storage(err)
	}
	_, err = a.LogoutAll(ctx, types.UserID(userID), "password_reset")
	return err
}

// RunIdleSweeper terminates sessions idle past the configured threshold and
// purges expired token records. Blocks until ctx is canceled.
func (a *Authority) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *Authority) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-a.opts.IdleLogout)
	idle, err := a.store.IdleSessions(ctx, cutoff)
	if err != nil {
		logging.Error(ctx, "idle session sweep failed", zap.Error(err))
		return
	}
	for _, sess := range idle {
		if err := a.terminate(ctx, types.SessionID(sess.ID), "idle_timeout"); err != nil {
			logging.Error(ctx, "idle termination failed",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		a.refreshMu.Delete(sess.ID)
		logging.Info(ctx, "idle session terminated",
			zap.String("session_id", sess.ID),
			zap.String("user_id", sess.UserID))
	}
	if n, err := a.store.PurgeExpiredTokens(ctx, time.Now().UTC()); err == nil && n > 0 {
		logging.Debug(ctx, "expired tokens purged", zap.Int64("count", n))
	}
}
