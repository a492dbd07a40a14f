// Package shared holds the domain vocabulary that crosses package lines:
// error classification, the event contract with its concrete event types,
// and the handful of value objects the read and ranking paths share.
// The domain packages own their specific errors and types; only what two
// or more of them need lives here.
package shared

import (
	"errors"
	"fmt"
)

// Classification roots. Layers wrap their failures onto one of these so
// the HTTP and CLI surfaces can map any error to a response without
// knowing which layer produced it.
var (
	// ErrNotFound marks lookups of data that does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrValidation marks requests the caller must fix before retrying.
	ErrValidation = errors.New("validation error")

	// ErrRepository marks persistence faults on otherwise valid requests.
	ErrRepository = errors.New("repository error")
)

// DomainError attaches origin and classification to a failure. The Kind
// carries one of the classification roots, so errors.Is sees through any
// number of DomainError layers.
type DomainError struct {
	Domain  string // originating area, e.g. "query", "leaderboard"
	Op      string // failed operation, e.g. "GetSnapshot"
	Kind    error  // classification root for errors.Is
	Message string
	Err     error // wrapped cause, optional
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches against both the classification and the wrapped cause, so
// errors.Is(err, ErrNotFound) and errors.Is(err, pgxErr) both work.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	return e.Err != nil && errors.Is(e.Err, target)
}

// NewDomainError builds a classified error without a wrapped cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError classifies an underlying error.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// ErrPartialWrite reports a snapshot publication that did not land all
// four timeframes. The write runs in one transaction, so seeing this
// means the transaction reported fewer rows than timeframes.
var ErrPartialWrite = NewDomainError("leaderboard", "SaveAll", ErrRepository, "partial snapshot write detected")

// IsNotFound reports whether err is classified as missing data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is the caller's to fix.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
