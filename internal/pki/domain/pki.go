// Package domain holds the PKI enrollment entities.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
)

var (
	ErrNotFound          = errors.New("enrollment not found")
	ErrIDAlreadyUsed     = errors.New("enrollment id already used")
	ErrNoLongerAvailable = errors.New("enrollment is no longer available")
)

// AlreadySubmittedError is returned when an enrollment for the same
// certificate is still pending and force was not requested.
type AlreadySubmittedError struct {
	Since time.Time
}

func (e *AlreadySubmittedError) Error() string {
	return fmt.Sprintf("certificate already submitted on %s", e.Since.Format(time.RFC3339))
}

// AlreadyEnrolledError is returned when the certificate already produced
// an accepted, non-revoked user.
type AlreadyEnrolledError struct {
	Since time.Time
}

func (e *AlreadyEnrolledError) Error() string {
	return fmt.Sprintf("certificate already enrolled on %s", e.Since.Format(time.RFC3339))
}

// State of an enrollment. SUBMITTED is the only open state.
type State string

const (
	StateSubmitted State = "SUBMITTED"
	StateCancelled State = "CANCELLED"
	StateRejected  State = "REJECTED"
	StateAccepted  State = "ACCEPTED"
)

// Enrollment is one X.509-signed user-creation request.
type Enrollment struct {
	EnrollmentID uuid.UUID
	X509Der      []byte
	X509Email    string
	Signature    []byte
	Payload      []byte
	SubmittedOn  time.Time
	State        State

	CancelledOn *time.Time
	RejectedOn  *time.Time

	AcceptedOn      *time.Time
	AccepterDer     []byte
	AcceptSignature []byte
	AcceptPayload   []byte
	AcceptedUser    *apitypes.UserID
}
