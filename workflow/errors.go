/*
errors.go - Centralized error types for the approval workflow

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these to HTTP statuses; the sweep only logs them.

ERROR CATEGORIES:
  1. Validation errors - rejected before any state change
  2. Availability conflicts - carry an error code (NO_ROOMS_AVAILABLE, ...)
  3. Transition errors - the state machine refused a move
  4. Store errors - not found, optimistic lock conflicts

USAGE:
  if errors.Is(err, workflow.ErrConcurrentModification) {
      // someone else updated the request first, reload and retry
  }

  var coded *workflow.CodedError
  if errors.As(err, &coded) {
      log.Println(coded.Code)
  }

SEE ALSO:
  - statemachine.go: Produces TransitionError
  - api/handlers.go: Maps errors to HTTP responses
*/
package workflow

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR CODES - Surfaced to providers and agents
// =============================================================================

const (
	CodeNoRoomsAvailable     = "NO_ROOMS_AVAILABLE"
	CodeSelectedRoomUnavail  = "SELECTED_ROOM_UNAVAILABLE"
	CodeBookingFailedNoRooms = "BOOKING_FAILED_NO_ROOMS"
	CodeRoomNotAvailable     = "ROOM_NOT_AVAILABLE"
	CodeDatabaseError        = "DATABASE_ERROR"
	CodeBookingError         = "BOOKING_ERROR"
	CodeRequestExpired       = "REQUEST_EXPIRED"
	CodeValidation           = "VALIDATION_ERROR"
	CodeConflict             = "CONFLICT"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrRequestNotFound    = errors.New("service request not found")
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrBookingNotFound    = errors.New("booking not found")

	// ErrInvalidTransition is returned when the state machine refuses a move.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentModification is returned when the version check on update fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrActiveAllocationExists enforces at most one active allocation per request.
	ErrActiveAllocationExists = errors.New("request already has an active allocation")

	ErrResourceUnavailable = errors.New("resource not available for the requested dates")
	ErrRequestExpired      = errors.New("service request has expired")
	ErrNotRequestProvider  = errors.New("actor is not the provider of this request")
	ErrNotRequestAgent     = errors.New("actor is not the agent of this request")
	ErrInvalidDateRange    = errors.New("invalid date range: end before start")
	ErrValidation          = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CodedError carries one of the Code* constants together with its cause.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

func newCodedError(code, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// ErrorCode extracts the code of a CodedError in the chain, or "".
func ErrorCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// TransitionError describes a refused state change.
type TransitionError struct {
	From    RequestStatus
	To      RequestStatus
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move request from %s to %s on %s", e.From, e.To, e.Trigger)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// FieldError is a single failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every failed field of an input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed: %d error(s)", len(e.Fields))
	for i, f := range e.Fields {
		if i == 0 {
			msg += ": "
		} else {
			msg += "; "
		}
		msg += f.Field + " " + f.Message
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsAvailabilityConflict reports whether a booking error code means the
// reserved capacity is gone, which is the only case that undoes an approval.
func IsAvailabilityConflict(code string) bool {
	switch code {
	case CodeRoomNotAvailable, CodeNoRoomsAvailable, CodeSelectedRoomUnavail, CodeBookingFailedNoRooms:
		return true
	}
	return false
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRequestExpired) ||
		errors.Is(err, ErrNotRequestProvider) ||
		errors.Is(err, ErrNotRequestAgent) ||
		errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrActiveAllocationExists)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrBookingNotFound)
}
