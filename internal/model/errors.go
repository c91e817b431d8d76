package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDefinitionNotFound is returned for an unknown exam ID.
	ErrDefinitionNotFound = errors.New("exam definition not found")
	// ErrAttemptNotFound is returned for an unknown attempt ID.
	ErrAttemptNotFound = errors.New("exam attempt not found")
	// ErrQuestionNotFound is returned when a question is not part of the attempt's exam.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAttemptClosed is returned when an attempt no longer accepts submissions.
	ErrAttemptClosed = errors.New("exam already finished")
	// ErrTimeExpired is returned when a submission arrives after the time budget ran out.
	ErrTimeExpired = errors.New("time expired")
	// ErrSandboxUnavailable marks a transient execution environment failure.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrDataIntegrity marks stored exam data that cannot be graded correctly.
	ErrDataIntegrity = errors.New("data integrity error")
)

// IntegrityError describes a data-integrity violation. It matches ErrDataIntegrity.
type IntegrityError struct {
	Subject string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("data integrity error: %s: %s", e.Subject, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrDataIntegrity
}

// Integrityf builds an IntegrityError with a formatted reason.
func Integrityf(subject, format string, args ...any) error {
	return &IntegrityError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}
