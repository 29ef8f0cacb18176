package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth rejects a connection or request whose token did not resolve.
	ErrAuth = errors.New("unauthorized")
	// ErrForbidden is returned when the caller may not access a conversation.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned for unknown conversations.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited is returned when the sender exceeded the ingestion rate.
	ErrRateLimited = errors.New("rate limited")
	// ErrAgent marks a completion service failure. It never leaves the agent
	// pipeline.
	ErrAgent = errors.New("agent completion failed")
)

// ValidationError reports a missing or malformed field. Nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError reports that the store rejected a write or read on the
// critical path.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SummarySyncError reports a failed chat-list update for one owner. It is
// logged and queued for retry, never returned to the sender.
type SummarySyncError struct {
	OwnerID   string
	MessageID string
	Err       error
}

func (e *SummarySyncError) Error() string {
	return fmt.Sprintf("sync summary of %s for message %s: %v", e.OwnerID, e.MessageID, e.Err)
}

func (e *SummarySyncError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPersistence reports whether err is a *PersistenceError.
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
