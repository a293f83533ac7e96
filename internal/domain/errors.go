package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOptionDisabled    = errors.New("option disabled")
	ErrUnknownActionType = errors.New("unknown action type")
	ErrNoActiveGoal      = errors.New("no active goal")
	ErrNotFound          = errors.New("not found")
	ErrSensorUnavailable = errors.New("sensor unavailable")
	ErrChoiceRejected    = errors.New("choice rejected")
)

// EnforcementAbortedError is returned when a window action's
// verify-before-and-after check fails. No trust or economy effect is applied.
type EnforcementAbortedError struct {
	Action ActionType
	Reason string
}

func (e *EnforcementAbortedError) Error() string {
	return fmt.Sprintf("%s aborted: %s", e.Action, e.Reason)
}

// IsEnforcementAborted reports whether err is an EnforcementAbortedError.
func IsEnforcementAborted(err error) bool {
	var ea *EnforcementAbortedError
	return errors.As(err, &ea)
}

// JudgmentErrorKind classifies judgment backend failures.
type JudgmentErrorKind string

const (
	TransientNetwork  JudgmentErrorKind = "transient_network"
	MalformedResponse JudgmentErrorKind = "malformed_response"
	Authentication    JudgmentErrorKind = "authentication"
	RateLimit         JudgmentErrorKind = "rate_limit"
	QuotaExceeded     JudgmentErrorKind = "quota_exceeded"
)

// JudgmentError wraps a backend failure with its classification.
type JudgmentError struct {
	Kind       JudgmentErrorKind
	Err        error
	RetryAfter time.Duration // only set for RateLimit
}

func (e *JudgmentError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *JudgmentError) Unwrap() error { return e.Err }

// NewJudgmentError builds a classified error.
func NewJudgmentError(kind JudgmentErrorKind, err error) *JudgmentError {
	return &JudgmentError{Kind: kind, Err: err}
}

// JudgmentErrorKindOf returns the classification of err. Unclassified errors
// count as transient.
func JudgmentErrorKindOf(err error) JudgmentErrorKind {
	var je *JudgmentError
	if errors.As(err, &je) {
		return je.Kind
	}
	return TransientNetwork
}

// IsFatalJudgmentError reports whether err disables the judgment path for the session.
func IsFatalJudgmentError(err error) bool {
	switch JudgmentErrorKindOf(err) {
	case Authentication, QuotaExceeded:
		return true
	}
	return false
}
