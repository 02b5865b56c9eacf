// Package pki implements the PKI enrollment flow: X.509-signed
// user-creation requests and their accept/reject lifecycle.
package pki

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	"parsec/backend/internal/pki/domain"
	"parsec/backend/internal/pki/repository"
	"parsec/backend/internal/platform/orglock"
	userdomain "parsec/backend/internal/user/domain"
)

// UserDirectory is the slice of the user registry the enrollment flow
// needs. Implemented by the user component; CreateUserLocked expects the
// caller to hold the organization lock.
type UserDirectory interface {
	GetUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*userdomain.User, error)
	GetUserByEmail(ctx context.Context, org apitypes.OrganizationID, email string) (*userdomain.User, error)
	CreateUserLocked(ctx context.Context, org apitypes.OrganizationID, user *userdomain.User, firstDevice *userdomain.Device) error
}

// Component is the enrollment registry.
type Component struct {
	repo  repository.Repository
	bus   *event.Bus
	locks *orglock.Registry

	users UserDirectory
}

func NewComponent(repo repository.Repository, bus *event.Bus, locks *orglock.Registry) *Component {
	return &Component{repo: repo, bus: bus, locks: locks}
}

func (c *Component) Register(users UserDirectory) { c.users = users }

// Submission is a pki_enrollment_submit request.
type Submission struct {
	EnrollmentID uuid.UUID
	Force        bool
	X509Der      []byte
	X509Email    string
	Signature    []byte
	Payload      []byte
	SubmittedOn  time.Time
}

// Submit appends a new SUBMITTED enrollment. A pending enrollment for
// the same certificate blocks the submission unless Force, in which case
// it is cancelled first.
func (c *Component) Submit(ctx context.Context, org apitypes.OrganizationID, sub Submission) error {
	unlock := c.locks.Lock(org)
	defer unlock()

	if _, err := c.repo.Get(ctx, org, sub.EnrollmentID); err == nil {
		return domain.ErrIDAlreadyUsed
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	prior, err := c.repo.LatestForCertificate(ctx, org, sub.X509Der)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		prior = nil
	default:
		return err
	}
	if prior != nil {
		switch prior.State {
		case domain.StateSubmitted:
			if !sub.Force {
				return &domain.AlreadySubmittedError{Since: prior.SubmittedOn}
			}
			on := sub.SubmittedOn
			prior.State = domain.StateCancelled
			prior.CancelledOn = &on
			if err := c.repo.Update(ctx, org, prior); err != nil {
				return err
			}
		case domain.StateAccepted:
			enrolled, err := c.users.GetUser(ctx, org, *prior.AcceptedUser)
			if err != nil && !errors.Is(err, userdomain.ErrNotFound) {
				return err
			}
			if err == nil && !enrolled.IsRevoked() {
				return &domain.AlreadyEnrolledError{Since: *prior.AcceptedOn}
			}
		}
	}

	if sub.X509Email != "" {
		_, err := c.users.GetUserByEmail(ctx, org, sub.X509Email)
		switch {
		case err == nil:
			return userdomain.ErrEmailAlreadyUsed
		case errors.Is(err, userdomain.ErrNotFound):
		default:
			return err
		}
	}

	e := &domain.Enrollment{
		EnrollmentID: sub.EnrollmentID,
		X509Der:      sub.X509Der,
		X509Email:    sub.X509Email,
		Signature:    sub.Signature,
		Payload:      sub.Payload,
		SubmittedOn:  apitypes.TruncateTime(sub.SubmittedOn),
		State:        domain.StateSubmitted,
	}
	if err := c.repo.Insert(ctx, org, e); err != nil {
		return err
	}
	c.bus.Publish(event.PkiEnrollmentsUpdated{Organization: org})
	return nil
}

// Reject closes a pending enrollment without creating a user.
func (c *Component) Reject(ctx context.Context, org apitypes.OrganizationID, id uuid.UUID, on time.Time) error {
	unlock := c.locks.Lock(org)
	defer unlock()

	e, err := c.repo.Get(ctx, org, id)
	if err != nil {
		return err
	}
	if e.State != domain.StateSubmitted {
		return domain.ErrNoLongerAvailable
	}
	e.State = domain.StateRejected
	e.RejectedOn = &on
	if err := c.repo.Update(ctx, org, e); err != nil {
		return err
	}
	c.bus.Publish(event.PkiEnrollmentsUpdated{Organization: org})
	return nil
}

// Acceptance carries the accepter's answer to an enrollment.
type Acceptance struct {
	AccepterDer     []byte
	AcceptSignature []byte
	AcceptPayload   []byte
	AcceptedOn      time.Time
}

// Accept creates the enrolled user and transitions the enrollment to
// ACCEPTED in one critical section, so the user-registry invariants and
// the enrollment state cannot diverge.
func (c *Component) Accept(ctx context.Context, org apitypes.OrganizationID, id uuid.UUID, acc Acceptance, user *userdomain.User, firstDevice *userdomain.Device) error {
	unlock := c.locks.Lock(org)
	defer unlock()

	e, err := c.repo.Get(ctx, org, id)
	if err != nil {
		return err
	}
	if e.State != domain.StateSubmitted {
		return domain.ErrNoLongerAvailable
	}
	if err := c.users.CreateUserLocked(ctx, org, user, firstDevice); err != nil {
		return err
	}
	on := acc.AcceptedOn
	e.State = domain.StateAccepted
	e.AcceptedOn = &on
	e.AccepterDer = acc.AccepterDer
	e.AcceptSignature = acc.AcceptSignature
	e.AcceptPayload = acc.AcceptPayload
	uid := user.UserID
	e.AcceptedUser = &uid
	if err := c.repo.Update(ctx, org, e); err != nil {
		return err
	}
	c.bus.Publish(event.PkiEnrollmentsUpdated{Organization: org})
	return nil
}

// Info returns the enrollment regardless of state; claimers poll it to
// learn the outcome.
func (c *Component) Info(ctx context.Context, org apitypes.OrganizationID, id uuid.UUID) (*domain.Enrollment, error) {
	return c.repo.Get(ctx, org, id)
}

// List returns the currently pending enrollments.
func (c *Component) List(ctx context.Context, org apitypes.OrganizationID) ([]*domain.Enrollment, error) {
	return c.repo.ListSubmitted(ctx, org)
}
