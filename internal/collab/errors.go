package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthInvalidUser means the user is unknown or the response did not match.
	ErrAuthInvalidUser = errors.New("invalid user or password")

	// ErrAuthInvalidProtocol means the authentication exchange itself was malformed.
	// It is not a password guess and does not count toward the retry limit.
	ErrAuthInvalidProtocol = errors.New("malformed authentication request")

	ErrProjectNotFound = errors.New("project not found")
	ErrSnapshotJoin    = errors.New("can't join a snapshot, you MUST fork a snapshot")
	ErrNotSnapshot     = errors.New("project is not a snapshot")
	ErrInvalidUpdateID = errors.New("update id must be greater than zero")
	ErrNotSupported    = errors.New("operation not supported in this mode")
	ErrNotOwner        = errors.New("not the project owner")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrProjectExists   = errors.New("project with this global id already exists")
	ErrSessionClosed   = errors.New("session closed")
	ErrSlowConsumer    = errors.New("outbound buffer full")
)

// ProtocolError reports a message that is missing a required field or
// carries one of the wrong type.
type ProtocolError struct {
	Type  string
	Field string
}

func (e *ProtocolError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s message", e.Type)
	}
	return fmt.Sprintf("malformed %s message: bad or missing %q", e.Type, e.Field)
}

func missingField(msgType, field string) error {
	return &ProtocolError{Type: msgType, Field: field}
}
