// Package apperr defines the closed error taxonomy shared by every component
// of the session daemon. Handlers never return a bare error across a package
// boundary; they return *apperr.Error so the dispatcher can serialize a
// {code,message} pair onto the IPC wire without caring which handler failed.
package apperr

import (
	"encoding/json"
	"fmt"
)

// Code is one of the fixed error kinds a conforming daemon may report.
type Code string

const (
	NotConnected         Code = "not_connected"
	AlreadyConnected     Code = "already_connected"
	ConnectionFailed     Code = "connection_failed"
	AuthenticationFailed Code = "authentication_failed"
	Timeout              Code = "timeout"
	InvalidRequest       Code = "invalid_request"
	NotSupported         Code = "not_supported"
	InternalError        Code = "internal_error"
	SessionNotFound      Code = "session_not_found"
	IPCError             Code = "ipc_error"
	DaemonNotRunning     Code = "daemon_not_running"
	ClipboardError       Code = "clipboard_error"
	DriveError           Code = "drive_error"
	AutomationNotEnabled Code = "automation_not_enabled"
	AutomationError      Code = "automation_error"
	ElementNotFound      Code = "element_not_found"
	StaleRef             Code = "stale_ref"
	CommandFailed        Code = "command_failed"
	ChannelClosed        Code = "channel_closed"
)

// Error is the typed error every handler boundary returns. It implements the
// standard error interface and serializes to the dispatcher's wire shape.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error carrying no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error, preserving it for
// Unwrap/errors.Is/errors.As while giving the boundary a stable taxonomy kind.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is reports whether err is an *Error of the given code.
func Is(err error, code Code) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code == code
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Wire is the {code,message} JSON shape the dispatcher and streaming fan-out
// write onto their respective wires (spec.md §4.7 response envelope).
type Wire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToWire converts an error into the wire shape. An error that is not an
// *Error is reported as internal_error, with its Error() text as the
// message.
func ToWire(err error) *Wire {
	if err == nil {
		return nil
	}
	var e *Error
	if asError(err, &e) {
		return &Wire{Code: string(e.Code), Message: e.Message}
	}
	return &Wire{Code: string(InternalError), Message: err.Error()}
}

// MarshalJSON lets *Error participate directly in response envelopes.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(Wire{Code: string(e.Code), Message: e.Message})
}
