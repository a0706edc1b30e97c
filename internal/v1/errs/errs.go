// Package errs defines the typed error kinds every subsystem reports with.
// Recoverable failures carry a Kind plus a short human string that must not
// leak account-existence information.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller and for response shaping.
type Kind string

const (
	KindBadInput           Kind = "bad_input"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindLoginLocked        Kind = "login_locked"
	KindReadOnly           Kind = "read_only"
	KindLocked             Kind = "locked"
	KindSlowMode           Kind = "slow_mode"
	KindNotInRoom          Kind = "not_in_room"
	KindCapReached         Kind = "cap_reached"
	KindReactionFinal      Kind = "reaction_final"
	KindCallState          Kind = "call_state_error"
	KindPeerGone           Kind = "peer_gone"
	KindSlowConsumer       Kind = "slow_consumer"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindInternal           Kind = "internal"
)

// Error is the concrete error type carried between subsystems.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error. The message is user-visible; wrap internal causes
// with Wrap instead of embedding them in the message.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches an internal cause to a typed error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from any error chain. Unclassified errors are
// reported as Internal so they never leak raw driver messages to clients.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Public returns the caller-safe message for an error chain.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// Storage wraps a storage-layer failure. The failing transaction has been
// rolled back by the gateway; the connection stays usable.
func Storage(err error) *Error {
	return Wrap(KindStorageUnavailable, "storage unavailable", err)
}
