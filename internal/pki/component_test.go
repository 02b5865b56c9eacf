package pki

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/event"
	"parsec/backend/internal/pki/domain"
	"parsec/backend/internal/pki/repository"
	"parsec/backend/internal/platform/orglock"
	userdomain "parsec/backend/internal/user/domain"

	"parsec/backend/internal/apitypes"
)

type stubUsers struct {
	users     map[apitypes.UserID]*userdomain.User
	createErr error
	created   []apitypes.UserID
}

func (s *stubUsers) GetUser(_ context.Context, _ apitypes.OrganizationID, id apitypes.UserID) (*userdomain.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, userdomain.ErrNotFound
}

func (s *stubUsers) GetUserByEmail(_ context.Context, _ apitypes.OrganizationID, email string) (*userdomain.User, error) {
	for _, u := range s.users {
		if u.HumanHandle != nil && u.HumanHandle.Email == email && !u.IsRevoked() {
			return u, nil
		}
	}
	return nil, userdomain.ErrNotFound
}

func (s *stubUsers) CreateUserLocked(_ context.Context, _ apitypes.OrganizationID, user *userdomain.User, _ *userdomain.Device) error {
	if s.createErr != nil {
		return s.createErr
	}
	if s.users == nil {
		s.users = make(map[apitypes.UserID]*userdomain.User)
	}
	s.users[user.UserID] = user
	s.created = append(s.created, user.UserID)
	return nil
}

func newTestComponent(users *stubUsers) (*Component, *event.Bus) {
	bus := event.NewBus()
	c := NewComponent(repository.NewMemoryRepository(), bus, orglock.NewRegistry())
	c.Register(users)
	return c, bus
}

func submission(id uuid.UUID, der string, email string) Submission {
	return Submission{
		EnrollmentID: id,
		X509Der:      []byte(der),
		X509Email:    email,
		Signature:    []byte("sig"),
		Payload:      []byte("payload"),
		SubmittedOn:  time.Now().UTC(),
	}
}

func TestSubmit(t *testing.T) {
	users := &stubUsers{}
	c, bus := newTestComponent(users)
	var published int
	bus.Connect(func(event.Event) { published++ })
	ctx := context.Background()

	first := uuid.New()
	if err := c.Submit(ctx, "acme", submission(first, "der-1", "zack@example.com")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if published != 1 {
		t.Errorf("events after submit = %d, want 1", published)
	}

	if err := c.Submit(ctx, "acme", submission(first, "der-other", "")); !errors.Is(err, domain.ErrIDAlreadyUsed) {
		t.Errorf("reused enrollment id = %v, want ErrIDAlreadyUsed", err)
	}

	var submitted *domain.AlreadySubmittedError
	err := c.Submit(ctx, "acme", submission(uuid.New(), "der-1", ""))
	if !errors.As(err, &submitted) {
		t.Fatalf("same certificate resubmitted = %v, want AlreadySubmittedError", err)
	}
	if submitted.Since.IsZero() {
		t.Errorf("AlreadySubmittedError.Since is zero")
	}

	forced := uuid.New()
	sub := submission(forced, "der-1", "")
	sub.Force = true
	if err := c.Submit(ctx, "acme", sub); err != nil {
		t.Fatalf("forced Submit: %v", err)
	}
	prior, err := c.Info(ctx, "acme", first)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if prior.State != domain.StateCancelled || prior.CancelledOn == nil {
		t.Errorf("forced-over enrollment = %+v, want CANCELLED", prior)
	}

	pending, err := c.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 || pending[0].EnrollmentID != forced {
		t.Errorf("List = %+v, want only the forced enrollment", pending)
	}
}

func TestSubmitEmailAlreadyUsed(t *testing.T) {
	users := &stubUsers{users: map[apitypes.UserID]*userdomain.User{
		"zack": {UserID: "zack", HumanHandle: &apitypes.HumanHandle{Email: "zack@example.com", Label: "Zack"}},
	}}
	c, _ := newTestComponent(users)
	ctx := context.Background()

	err := c.Submit(ctx, "acme", submission(uuid.New(), "der-1", "zack@example.com"))
	if !errors.Is(err, userdomain.ErrEmailAlreadyUsed) {
		t.Errorf("Submit with taken email = %v, want ErrEmailAlreadyUsed", err)
	}

	now := time.Now()
	users.users["zack"].RevokedOn = &now
	if err := c.Submit(ctx, "acme", submission(uuid.New(), "der-1", "zack@example.com")); err != nil {
		t.Errorf("Submit after revocation = %v, want nil", err)
	}
}

func TestRejectRequiresSubmitted(t *testing.T) {
	c, _ := newTestComponent(&stubUsers{})
	ctx := context.Background()

	id := uuid.New()
	if err := c.Submit(ctx, "acme", submission(id, "der-1", "")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Reject(ctx, "acme", id, time.Now()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := c.Reject(ctx, "acme", id, time.Now()); !errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Errorf("second Reject = %v, want ErrNoLongerAvailable", err)
	}
	if err := c.Reject(ctx, "acme", uuid.New(), time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Reject unknown = %v, want ErrNotFound", err)
	}

	e, err := c.Info(ctx, "acme", id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if e.State != domain.StateRejected || e.RejectedOn == nil {
		t.Errorf("rejected enrollment = %+v", e)
	}
}

func TestAcceptCreatesUser(t *testing.T) {
	users := &stubUsers{}
	c, _ := newTestComponent(users)
	ctx := context.Background()

	id := uuid.New()
	if err := c.Submit(ctx, "acme", submission(id, "der-1", "zack@example.com")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	newUser := &userdomain.User{
		UserID:      "zack",
		HumanHandle: &apitypes.HumanHandle{Email: "zack@example.com", Label: "Zack"},
	}
	newDevice := &userdomain.Device{DeviceID: "zack/laptop"}
	acc := Acceptance{
		AccepterDer:     []byte("admin-der"),
		AcceptSignature: []byte("accept-sig"),
		AcceptPayload:   []byte("accept-payload"),
		AcceptedOn:      time.Now().UTC(),
	}
	if err := c.Accept(ctx, "acme", id, acc, newUser, newDevice); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if len(users.created) != 1 || users.created[0] != "zack" {
		t.Fatalf("created users = %v, want [zack]", users.created)
	}

	e, err := c.Info(ctx, "acme", id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if e.State != domain.StateAccepted || e.AcceptedUser == nil || *e.AcceptedUser != "zack" {
		t.Errorf("accepted enrollment = %+v", e)
	}
	if string(e.AcceptPayload) != "accept-payload" || string(e.AccepterDer) != "admin-der" {
		t.Errorf("accept data = %+v", e)
	}

	if err := c.Accept(ctx, "acme", id, acc, newUser, newDevice); !errors.Is(err, domain.ErrNoLongerAvailable) {
		t.Errorf("second Accept = %v, want ErrNoLongerAvailable", err)
	}

	var enrolled *domain.AlreadyEnrolledError
	err = c.Submit(ctx, "acme", submission(uuid.New(), "der-1", ""))
	if !errors.As(err, &enrolled) {
		t.Fatalf("resubmit after accept = %v, want AlreadyEnrolledError", err)
	}

	now := time.Now()
	users.users["zack"].RevokedOn = &now
	if err := c.Submit(ctx, "acme", submission(uuid.New(), "der-1", "")); err != nil {
		t.Errorf("resubmit after revocation = %v, want nil", err)
	}
}

func TestAcceptUserCreationFailureLeavesSubmitted(t *testing.T) {
	users := &stubUsers{createErr: userdomain.ErrActiveUsersLimitReached}
	c, _ := newTestComponent(users)
	ctx := context.Background()

	id := uuid.New()
	if err := c.Submit(ctx, "acme", submission(id, "der-1", "")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := c.Accept(ctx, "acme", id, Acceptance{AcceptedOn: time.Now()}, &userdomain.User{UserID: "zack"}, &userdomain.Device{DeviceID: "zack/laptop"})
	if !errors.Is(err, userdomain.ErrActiveUsersLimitReached) {
		t.Fatalf("Accept over limit = %v, want ErrActiveUsersLimitReached", err)
	}
	e, err := c.Info(ctx, "acme", id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if e.State != domain.StateSubmitted {
		t.Errorf("enrollment after failed accept = %v, want SUBMITTED", e.State)
	}
}
