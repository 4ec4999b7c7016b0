package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a handler failure and decides the reply kind.
type ErrorKind int

const (
	// KindProtocol covers malformed frames, unknown kinds and missing fields. Replies ERROR.
	KindProtocol ErrorKind = iota
	// KindAuth covers bad credentials, missing authentication and wrong actor ids. Replies DENIED.
	KindAuth
	// KindNotFound covers absent room or client ids. Replies ERROR naming the id.
	KindNotFound
	// KindState covers requests invalid for the current state. Replies DENIED.
	KindState
	// KindInternal covers persistence and I/O faults. Replies ERROR with generic text.
	KindInternal
)

// Error codes for domain errors.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeWrongActor     = "wrong_actor"
	ErrCodeForbidden      = "forbidden"
	ErrCodeBanned         = "banned"
	ErrCodeRoomNotFound   = "room_not_found"
	ErrCodeClientNotFound = "client_not_found"
	ErrCodeAlreadyJoined  = "already_joined"
	ErrCodeNotInRoom      = "not_in_room"
	ErrCodeAlreadyBanned  = "already_banned"
	ErrCodeNotBanned      = "not_banned"
	ErrCodeInvalidUntil   = "invalid_until"
	ErrCodeLoginTaken     = "login_taken"
	ErrCodeAlreadyFriends = "already_friends"
	ErrCodeInternal       = "internal"
)

// errEvicted signals that a resident room or client was unloaded while the
// caller held a pointer to it; the caller reloads and retries.
var errEvicted = errors.New("evicted from registry")

// CoreError wraps a kind, a code and a human-readable message.
type CoreError struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Until is set on ban denials.
	Until time.Time
	Err   error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func coreError(kind ErrorKind, code, msg string) *CoreError {
	return &CoreError{Kind: kind, Code: code, Message: msg}
}

func protocolError(format string, args ...any) *CoreError {
	return coreError(KindProtocol, ErrCodeBadRequest, fmt.Sprintf(format, args...))
}

func authError(code, msg string) *CoreError {
	return coreError(KindAuth, code, msg)
}

func stateError(code, msg string) *CoreError {
	return coreError(KindState, code, msg)
}

func roomNotFound(id int64) *CoreError {
	return coreError(KindNotFound, ErrCodeRoomNotFound, fmt.Sprintf("room %d not found", id))
}

func clientNotFound(id int64) *CoreError {
	return coreError(KindNotFound, ErrCodeClientNotFound, fmt.Sprintf("client %d not found", id))
}

func internalError(op string, err error) *CoreError {
	return &CoreError{Kind: KindInternal, Code: ErrCodeInternal, Message: op, Err: err}
}

// AsCoreError extracts a CoreError from err, treating anything else as internal.
func AsCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return internalError("internal error", err)
}
