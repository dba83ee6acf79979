package errors

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerPanic       = fmt.Errorf("worker panic")
	ErrOnlyCensoredFiles = fmt.Errorf("censored directory contains directories")
	ErrEmptyWords        = fmt.Errorf("no words have been found")

	// Negotiation and authorization errors are always returned to the caller.
	ErrIllegalTransition = fmt.Errorf("illegal transition")
	ErrUnauthorized      = fmt.Errorf("unauthorized")
	ErrValidation        = fmt.Errorf("validation error")

	// Transport and telemetry errors stay local to the component that hit them.
	ErrTransportFailure = fmt.Errorf("transport failure")
	ErrTelemetryFailure = fmt.Errorf("telemetry failure")

	ErrVersionConflict       = fmt.Errorf("thread version conflict")
	ErrConversationNotFound  = fmt.Errorf("conversation not found")
	ErrConversationExists    = fmt.Errorf("conversation already exists")
	ErrUnknownCommand        = fmt.Errorf("unknown command")
	ErrInvalidToken          = fmt.Errorf("invalid or expired token")
	ErrMailboxClosed         = fmt.Errorf("mailbox closed")
	ErrUnsupportedLedgerKind = fmt.Errorf("unsupported ledger driver")
	ErrOrchestratorStopped   = fmt.Errorf("orchestrator is not running")
)

// Is and As forward to the standard library so callers importing this
// package under its short name don't need a second alias.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// Validation wraps ErrValidation with a field level reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Join(errs ...error) error { return errors.Join(errs...) }
