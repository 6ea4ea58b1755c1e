package domain

import (
	"errors"
	"fmt"
)

// ErrEngineNotReady is returned when the frozen model artifacts are not
// loaded. Scoring is refused outright in this state, never approximated.
// Callers may retry once artifacts are restored.
var ErrEngineNotReady = errors.New("scoring engine not ready: model artifacts unavailable")

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// ErrDuplicateClaim is returned when a claim_id has already been scored.
// Verdicts are immutable; a re-score is a caller error.
var ErrDuplicateClaim = errors.New("claim already scored")

// ValidationError reports a malformed claim field. These are client errors:
// the claim is rejected before feature computation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid claim: %s", e.Reason)
}

// IntegrityError reports a disagreement between a derived value and its
// recomputation. It is fatal for the request and must not be retried
// without investigation.
type IntegrityError struct {
	Field    string
	Got      string
	Expected string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("computation integrity mismatch: %s (got %s, expected %s)", e.Field, e.Got, e.Expected)
}

// IsValidation reports whether err is a claim validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIntegrity reports whether err is a computation integrity failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
