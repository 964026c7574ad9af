package entity

import (
	"errors"
	"fmt"
)

// Domain errors for messaging
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyMessage         = errors.New("message must have text or media")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrTooManyMedia         = errors.New("message has too many media attachments")
	ErrInvalidChannel       = errors.New("invalid channel")
	ErrInvalidAddress       = errors.New("invalid phone address")
	ErrInvalidSortOrder     = errors.New("invalid sort order")
	ErrInvalidSort          = errors.New("invalid conversation sort")
	ErrUnknownStatus        = errors.New("unknown message status")
	ErrInvalidConvStatus    = errors.New("invalid conversation status")
	ErrDuplicateWebhook     = errors.New("duplicate webhook delivery")
	ErrAlreadyExists        = errors.New("record already exists")
	ErrProviderIDConflict   = errors.New("provider message id already assigned")
	ErrUnauthorized         = errors.New("unauthorized to perform this action")
	ErrForbidden            = errors.New("forbidden for this role")
)

// ConfigurationError is returned when a channel has no provisioned sender line.
// It is never retried.
type ConfigurationError struct {
	Channel Channel
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("channel %s is not configured: %s", e.Channel, e.Reason)
}

// ProviderError is a transport, auth or validation failure reported by the provider
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PartialWriteError means the normalized ledger and the legacy table disagree
// after all convergence attempts
type PartialWriteError struct {
	MessageID string
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write for message %s: %v", e.MessageID, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Retryable reports that the caller may retry the operation
func (e *PartialWriteError) Retryable() bool { return true }
