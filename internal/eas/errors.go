package eas

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol failure. The engine consults it to decide
// teardown scope; callers consult it to decide retry policy.
type Kind int

const (
	// KindNoCredentials means no account is configured.
	KindNoCredentials Kind = iota
	// KindInvalidServerURL means the configured server URL is unusable.
	KindInvalidServerURL
	// KindNetwork is a transport-level failure (timeout, reset, HTTP 5xx).
	// Transient: the caller may retry under its own policy.
	KindNetwork
	// KindServer is a protocol-level fault reported in the response body or
	// an unexpected HTTP status. Terminal for the current call; Code tells
	// the engine whether a resync or rediscovery recovers it.
	KindServer
	// KindAuthentication is HTTP 401/403. Terminal; local state and
	// credentials must be cleared.
	KindAuthentication
	// KindCalendarFolderNotFound means the folder hierarchy contains no
	// calendar-typed folder. A configuration problem, not an auth problem:
	// credentials are retained.
	KindCalendarFolderNotFound
	// KindParse means the response body could not be understood at all.
	// Individual malformed items inside an otherwise valid response are
	// dropped by the codec and never surface as this.
	KindParse
)

// String returns the taxonomy name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNoCredentials:
		return "NoCredentials"
	case KindInvalidServerURL:
		return "InvalidServerURL"
	case KindNetwork:
		return "NetworkError"
	case KindServer:
		return "ServerError"
	case KindAuthentication:
		return "AuthenticationFailed"
	case KindCalendarFolderNotFound:
		return "CalendarFolderNotFound"
	case KindParse:
		return "ParseError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Protocol status codes embedded in response bodies.
const (
	// StatusOK is the success status for both FolderSync and Sync.
	StatusOK = 1
	// StatusInvalidSyncKey means the presented item sync key is stale or
	// unknown. Recovery: reset the item cursor and resync from scratch.
	StatusInvalidSyncKey = 3
	// StatusInvalidFolderSyncKey is the FolderSync equivalent of a stale key.
	StatusInvalidFolderSyncKey = 9
	// StatusFolderHierarchyChanged means the folder layout changed server-side.
	// Recovery: re-run FolderSync before the next Sync.
	StatusFolderHierarchyChanged = 12
)

// Error is a classified protocol failure. All errors crossing the
// client/engine boundary are of this type.
type Error struct {
	Kind    Kind
	Code    int    // protocol status code for KindServer, else 0
	Message string // human-readable detail, may carry server message text
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ShouldClearCredentials reports whether the failure invalidates the stored
// account and requires a full local teardown.
func (e *Error) ShouldClearCredentials() bool {
	return e.Kind == KindAuthentication
}

// Transient reports whether the failure may succeed on a plain retry.
// Only network-layer failures qualify; protocol and auth errors never do.
func (e *Error) Transient() bool {
	return e.Kind == KindNetwork
}

// RequiresItemResync reports whether the failure is recovered by resetting
// the item cursor to the full-resync sentinel.
func (e *Error) RequiresItemResync() bool {
	return e.Kind == KindServer &&
		(e.Code == StatusInvalidSyncKey || e.Code == StatusInvalidFolderSyncKey)
}

// RequiresFolderRediscovery reports whether the failure is recovered by
// re-running folder discovery before the next sync.
func (e *Error) RequiresFolderRediscovery() bool {
	return e.Kind == KindServer && e.Code == StatusFolderHierarchyChanged
}

// newError builds an *Error with a formatted message.
func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// serverError builds a KindServer *Error carrying the protocol status code.
func serverError(code int, format string, args ...any) *Error {
	return &Error{Kind: KindServer, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the typed error from err, or wraps err as a generic
// server error when it is of some other type.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindServer, Message: err.Error(), Err: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
