// Package mcperr defines the wire-stable error taxonomy shared by every
// component of the daemon: sessions, the pool, the dispatcher, and the
// transparent client all report failures as a *mcperr.Error so a single
// switch at the IPC boundary can turn them into the wire "kind" field.
package mcperr

import (
	"errors"
	"fmt"
	"log/slog"
)

// Kind is the exhaustive, stable-over-the-wire error taxonomy of the daemon.
type Kind string

const (
	KindSpawnError     Kind = "spawn_error"
	KindProtocolError  Kind = "protocol_error"
	KindToolError      Kind = "tool_error"
	KindNotFound       Kind = "not_found"
	KindChildDead      Kind = "child_dead"
	KindTimeout        Kind = "timeout"
	KindOversize       Kind = "oversize"
	KindAlreadyRunning Kind = "already_running"
	KindBadRequest     Kind = "bad_request"
)

// Error is the daemon's structured error type. It wraps an optional
// underlying cause and always carries a stable Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, mcperr.New(mcperr.KindTimeout, "")) style checks, or
// more idiomatically compare via KindOf below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// LogValue lets slog render the error as a structured group instead of a
// bare string, so handlers can log "error", err and get kind/message/cause
// as separate attributes.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// KindOf extracts the Kind from err, defaulting to KindBadRequest's sibling
// "internal" classification (represented here as an empty Kind check by
// callers) when err is not a *Error. Daemon-internal callers that need a
// guaranteed Kind should construct one explicitly instead of relying on
// fallback classification.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
