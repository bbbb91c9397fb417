// Package lferrors is the error taxonomy for the core: a single typed Error
// carrying enough context (WU id, lane, path, suggested commands) for a
// calling agent to act on without re-parsing a message string. Wrapping is
// plain stdlib errors.Is/As.
package lferrors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	WUNotFound          Code = "WU_NOT_FOUND"
	WUAlreadyClaimed    Code = "WU_ALREADY_CLAIMED"
	StateError          Code = "STATE_ERROR"
	InvalidWUID         Code = "INVALID_WU_ID"
	InvalidLane         Code = "INVALID_LANE"
	WorktreeError       Code = "WORKTREE_ERROR"
	BranchError         Code = "BRANCH_ERROR"
	LockError           Code = "LOCK_ERROR"
	TransactionError    Code = "TRANSACTION_ERROR"
	RetryExhaustion     Code = "RETRY_EXHAUSTION"
	MergeExhaustion     Code = "MERGE_EXHAUSTION"
	RebaseConflict      Code = "REBASE_CONFLICT"
	DelegationNotFound  Code = "DELEGATION_NOT_FOUND"
	SignalUnavailable   Code = "SIGNAL_UNAVAILABLE"
	FileNotFound        Code = "FILE_NOT_FOUND"
	YAMLParseError      Code = "YAML_PARSE_ERROR"
	RecoveryError       Code = "RECOVERY_ERROR"
	ProcessExit         Code = "PROCESS_EXIT"
	HeadlessRefused     Code = "HEADLESS_REFUSED"
)

// Error is the single error type every LumenFlow component returns.
type Error struct {
	Code              Code
	Op                string
	WUID              string
	Lane              string
	Path              string
	SuggestedCommands []string
	ExitCode          int
	cause             error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.WUID != "" {
		msg += fmt.Sprintf(" wu=%s", e.WUID)
	}
	if e.Lane != "" {
		msg += fmt.Sprintf(" lane=%s", e.Lane)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the given code and op, wrapping cause (which may
// be nil).
func New(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, cause: cause}
}

// WithWU attaches a WU id.
func (e *Error) WithWU(wuID string) *Error {
	e.WUID = wuID
	return e
}

// WithLane attaches a lane name.
func (e *Error) WithLane(lane string) *Error {
	e.Lane = lane
	return e
}

// WithPath attaches a file path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithSuggestions attaches agent-facing follow-up commands.
func (e *Error) WithSuggestions(cmds ...string) *Error {
	e.SuggestedCommands = cmds
	return e
}

// CodeOf extracts the Code of err, or "" if err is not (or does not wrap) an
// *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
