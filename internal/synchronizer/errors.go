package synchronizer

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/sessionsync/internal/model"
)

var (
	ErrConfirmationRequired = errors.New("resending discards later messages and must be confirmed")
	ErrNotCustomerMessage   = errors.New("message was not sent by the customer")
	ErrNotAgentMessage      = errors.New("message was not sent by the agent")
	ErrNoCustomerMessage    = errors.New("no customer message precedes the agent message")
	ErrIndexOutOfRange      = errors.New("message index out of range")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrSessionClosed        = errors.New("session is no longer active")
	ErrNoActiveSession      = errors.New("no active session")
)

// AgentProcessingError is the failure reported by an error status event for
// a message.
type AgentProcessingError struct {
	Offset int
	Detail string
}

func (e *AgentProcessingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent failed to process message at offset %d", e.Offset)
	}
	return fmt.Sprintf("agent failed to process message at offset %d: %s", e.Offset, e.Detail)
}

// InvariantViolation describes fetched data that contradicts what is already
// merged. The record that was merged first is kept.
type InvariantViolation struct {
	Offset int
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation at offset %d: %s", e.Offset, e.Reason)
}

// Failure returns the agent processing error for a message whose derived
// status is error, or nil.
func Failure(m model.Message) error {
	if m.Status.Tag != model.StatusError {
		return nil
	}
	return &AgentProcessingError{Offset: m.Offset, Detail: m.Status.Error}
}
