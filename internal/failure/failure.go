package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed capture, transport or flow attempt.
type Kind int

const (
	PermissionDenied Kind = iota + 1
	EmptyRecording
	DeviceError
	ServerRejected
	ProximityUnavailable
	ChallengeInvalidated
	NetworkFailure
)

// String returns the snake_case name used in logs and metrics labels
func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case EmptyRecording:
		return "empty_recording"
	case DeviceError:
		return "device_error"
	case ServerRejected:
		return "server_rejected"
	case ProximityUnavailable:
		return "proximity_unavailable"
	case ChallengeInvalidated:
		return "challenge_invalidated"
	case NetworkFailure:
		return "network_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Every attempt that does not succeed in the
// capture, transport and flow layers surfaces as an *Error.
type Error struct {
	Kind Kind
	// Code is the HTTP status for ServerRejected, zero otherwise.
	Code int
	// Message is the backend-supplied or component-supplied description.
	Message string
	// Stage names the proximity step that failed (discover, connect, lookup, write).
	Stage string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s at %s", msg, e.Stage)
	}
	if e.Message != "" {
		msg = msg + ": " + e.Message
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so errors.Is(err, failure.Of(failure.EmptyRecording))
// works without comparing codes or messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Code == 0 && t.Message == "" && t.Cause == nil
}

// Of returns a bare error of the given kind, suitable as an errors.Is target.
func Of(kind Kind) error {
	return &Error{Kind: kind}
}

// New builds a classified failure wrapping cause.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Rejected builds a ServerRejected failure. An empty message falls back to a
// generic description of the status code.
func Rejected(code int, message string) *Error {
	if message == "" {
		message = GenericStatusMessage(code)
	}
	return &Error{Kind: ServerRejected, Code: code, Message: message}
}

// Proximity builds a ProximityUnavailable failure for the given stage.
func Proximity(stage string, cause error) *Error {
	return &Error{Kind: ProximityUnavailable, Stage: stage, Cause: cause}
}

// GenericStatusMessage describes an HTTP status when the backend sent no usable error body.
func GenericStatusMessage(code int) string {
	return fmt.Sprintf("HTTP error! status: %d", code)
}

// KindOf returns the kind of a classified failure, or 0 when err is not one.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsKind reports whether err is a classified failure of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusCode returns the HTTP status carried by a ServerRejected failure.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == ServerRejected {
		return fe.Code
	}
	return 0
}

var defaultMessages = map[Kind]string{
	PermissionDenied:     "Microphone access was denied. Allow microphone access and try again.",
	EmptyRecording:       "Recorded audio is empty. Please check your microphone.",
	DeviceError:          "The microphone stopped unexpectedly. Please try again.",
	ProximityUnavailable: "No nearby receiver could be reached over Bluetooth.",
	ChallengeInvalidated: "This challenge phrase is no longer valid. Request a new one.",
	NetworkFailure:       "Could not reach the server. Check your connection and try again.",
}

// UserMessage derives the text shown to the user for err. Backend messages are
// surfaced verbatim; fallback is used when the backend supplied none.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		if fallback != "" {
			return fallback
		}
		return err.Error()
	}
	if fe.Kind == ServerRejected {
		if fe.Message != "" && fe.Message != GenericStatusMessage(fe.Code) {
			return fe.Message
		}
		if fallback != "" {
			return fallback
		}
		if text := http.StatusText(fe.Code); text != "" {
			return text
		}
		return GenericStatusMessage(fe.Code)
	}
	if msg, ok := defaultMessages[fe.Kind]; ok {
		return msg
	}
	return fallback
}
