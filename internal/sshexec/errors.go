package sshexec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error codes carried as the "CODE: message" prefix of SSH failures.
const (
	CodeNotConfigured  = "SSH_NOT_CONFIGURED"
	CodeCommandBlocked = "SSH_COMMAND_BLOCKED"
	CodeConnectFailed  = "SSH_CONNECT_FAILED"
	CodeAuthFailed     = "SSH_AUTH_FAILED"
	CodeHostKey        = "SSH_HOST_KEY"
	CodeTimeout        = "SSH_TIMEOUT"
	CodeCommandFailed  = "SSH_COMMAND_FAILED"
	CodeUnknown        = "SSH_ERROR"
)

// ErrNotConfigured is returned when no SSH target or credentials are set.
var ErrNotConfigured = &Error{Code: CodeNotConfigured, Message: "ssh is not configured for this agent"}

// Error is a classified SSH failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

var codePrefix = regexp.MustCompile(`^([A-Z][A-Z0-9_]+):\s*(.*)$`)

// ParseCode splits a "CODE: message" string. ok is false when msg carries
// no code prefix.
func ParseCode(msg string) (code, rest string, ok bool) {
	m := codePrefix.FindStringSubmatch(strings.TrimSpace(msg))
	if m == nil {
		return "", msg, false
	}
	return m[1], m[2], true
}

// CodeOf classifies err. Typed errors keep their code, other errors are
// parsed for a "CODE: message" prefix and fall back to CodeUnknown.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var sshErr *Error
	if errors.As(err, &sshErr) {
		return sshErr.Code
	}
	if code, _, ok := ParseCode(err.Error()); ok {
		return code
	}
	return CodeUnknown
}
