package core

import (
	"context"
	"errors"
	"fmt"
)

type OperationErrorType string

const (
	// OperationErrorNetwork is a transport failure or an unexpected server error.
	OperationErrorNetwork OperationErrorType = "network"
	// OperationErrorWaiting means the remote party is not ready yet.
	OperationErrorWaiting OperationErrorType = "waiting"
	// OperationErrorInternal is a local failure, retried like network errors.
	OperationErrorInternal OperationErrorType = "internal"
	// OperationErrorBug marks an invariant violation.
	OperationErrorBug OperationErrorType = "bug"
	// OperationErrorProtocol is a rejection by the remote party or a failed
	// signature check. It is fatal for the record.
	OperationErrorProtocol OperationErrorType = "protocol"
)

var (
	ErrReserveBalanceDecreased = errors.New("exchange reports less reserve balance than expected")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrNoDenominations         = errors.New("no denominations available for withdrawal")
	ErrProposalNotReady        = errors.New("proposal is not ready to be paid")
	ErrProposalRefused         = errors.New("proposal was refused")
)

// OperationError is the error persisted into a record's LastError field.
type OperationError struct {
	Type    OperationErrorType `json:"type"`
	Message string             `json:"message"`
	Details map[string]any     `json:"details,omitempty"`

	cause error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.cause
}

// Fatal reports whether the record should stop retrying automatically.
func (e *OperationError) Fatal() bool {
	return e.Type == OperationErrorProtocol
}

func NewOperationError(typ OperationErrorType, message string, details map[string]any) *OperationError {
	return &OperationError{Type: typ, Message: message, Details: details}
}

// WrapOperationError builds an OperationError that unwraps to cause.
func WrapOperationError(typ OperationErrorType, cause error, details map[string]any) *OperationError {
	return &OperationError{Type: typ, Message: cause.Error(), Details: details, cause: cause}
}

func NetworkError(err error, details map[string]any) *OperationError {
	return WrapOperationError(OperationErrorNetwork, err, details)
}

func ProtocolError(message string, details map[string]any) *OperationError {
	return NewOperationError(OperationErrorProtocol, message, details)
}

func WaitingError(message string, details map[string]any) *OperationError {
	return NewOperationError(OperationErrorWaiting, message, details)
}

// AsOperationError classifies any error. Errors that are not already an
// OperationError become internal errors.
func AsOperationError(err error) *OperationError {
	if err == nil {
		return nil
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return WrapOperationError(OperationErrorNetwork, err, nil)
	}

	return WrapOperationError(OperationErrorInternal, err, nil)
}
