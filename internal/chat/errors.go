package chat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrTurnInFlight = errors.New("chat: a turn is already in flight")
	ErrClosed       = errors.New("chat: pipeline closed")
)

// AdmissionError is returned when the local request window is full.
type AdmissionError struct {
	WaitSeconds int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("chat: too many messages, retry in %ds", e.WaitSeconds)
}

// Failure classifies why a turn did not produce a response.
type Failure int

const (
	FailureGeneric Failure = iota
	FailureRateLimited
	FailurePaymentRequired
	FailureTimeout
	// FailureCanceled means the pipeline was torn down or reset mid-turn.
	FailureCanceled
)

func (f Failure) String() string {
	switch f {
	case FailureRateLimited:
		return "rate_limited"
	case FailurePaymentRequired:
		return "payment_required"
	case FailureTimeout:
		return "timeout"
	case FailureCanceled:
		return "canceled"
	default:
		return "failed"
	}
}

// TurnError describes a failed turn. Status is the HTTP status when the
// chat function answered with a non-2xx response.
type TurnError struct {
	Failure Failure
	Status  int
	Err     error
}

func (e *TurnError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chat turn %s (status %d): %v", e.Failure, e.Status, e.Err)
	}
	return fmt.Sprintf("chat turn %s: %v", e.Failure, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
