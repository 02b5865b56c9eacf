package realm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	"parsec/backend/internal/realm/domain"
	"parsec/backend/internal/realm/repository"
	userdomain "parsec/backend/internal/user/domain"
)

type stubUsers struct {
	users map[apitypes.UserID]*userdomain.User
}

func (s *stubUsers) GetUser(_ context.Context, _ apitypes.OrganizationID, id apitypes.UserID) (*userdomain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, userdomain.ErrNotFound
	}
	return u, nil
}

type stubVlobs struct {
	lastUpdate map[apitypes.UserID]time.Time
	started    []int64
	done       bool
	vlobCount  int64
	vlobSize   int64
}

func (s *stubVlobs) LastVlobUpdate(_ context.Context, _ apitypes.OrganizationID, _ uuid.UUID, author apitypes.UserID) (time.Time, bool, error) {
	t, ok := s.lastUpdate[author]
	return t, ok, nil
}

func (s *stubVlobs) StartReencryption(_ context.Context, _ apitypes.OrganizationID, _ uuid.UUID, revision int64) error {
	s.started = append(s.started, revision)
	return nil
}

func (s *stubVlobs) ReencryptionDone(context.Context, apitypes.OrganizationID, uuid.UUID, int64) (bool, error) {
	return s.done, nil
}

func (s *stubVlobs) RealmVlobStats(context.Context, apitypes.OrganizationID, uuid.UUID) (int64, int64, error) {
	return s.vlobCount, s.vlobSize, nil
}

type stubBlocks struct{ count, size int64 }

func (s stubBlocks) RealmBlockStats(context.Context, apitypes.OrganizationID, uuid.UUID) (int64, int64, error) {
	return s.count, s.size, nil
}

type sentMessage struct {
	Recipient apitypes.UserID
	Body      []byte
}

type stubMessages struct{ sent []sentMessage }

func (s *stubMessages) Send(_ context.Context, _ apitypes.OrganizationID, _ apitypes.DeviceID, recipient apitypes.UserID, _ time.Time, body []byte) error {
	s.sent = append(s.sent, sentMessage{recipient, body})
	return nil
}

type fixture struct {
	c        *Component
	users    *stubUsers
	vlobs    *stubVlobs
	messages *stubMessages
	bus      *event.Bus
}

func newFixture() *fixture {
	bus := event.NewBus()
	c := NewComponent(repository.NewMemoryRepository(), bus)
	users := &stubUsers{users: map[apitypes.UserID]*userdomain.User{
		"alice": {UserID: "alice", Profile: apitypes.ProfileAdmin},
		"bob":   {UserID: "bob", Profile: apitypes.ProfileStandard},
		"carl":  {UserID: "carl", Profile: apitypes.ProfileStandard},
		"zoe":   {UserID: "zoe", Profile: apitypes.ProfileOutsider},
	}}
	vlobs := &stubVlobs{lastUpdate: map[apitypes.UserID]time.Time{}}
	messages := &stubMessages{}
	c.Register(users, vlobs, stubBlocks{count: 2, size: 1000}, messages)
	return &fixture{c: c, users: users, vlobs: vlobs, messages: messages, bus: bus}
}

func grant(user apitypes.UserID, role *apitypes.RealmRole, by apitypes.DeviceID, on time.Time) *domain.RoleGrant {
	return &domain.RoleGrant{
		UserID:      user,
		Role:        role,
		Certificate: []byte("grant:" + user),
		GrantedBy:   by,
		GrantedOn:   on,
	}
}

func mustCreateRealm(t *testing.T, f *fixture, realmID uuid.UUID, on time.Time) {
	t.Helper()
	g := grant("alice", apitypes.RoleRef(apitypes.RealmRoleOwner), "alice/dev1", on)
	if err := f.c.Create(context.Background(), "acme", "alice/dev1", realmID, g); err != nil {
		t.Fatalf("Create realm: %v", err)
	}
}

func TestCreateRequiresSelfGrantedOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	realmID := uuid.New()
	now := time.Now().UTC()

	badTarget := grant("bob", apitypes.RoleRef(apitypes.RealmRoleOwner), "alice/dev1", now)
	if err := f.c.Create(ctx, "acme", "alice/dev1", realmID, badTarget); err != domain.ErrNotAllowed {
		t.Errorf("foreign grant err = %v, want ErrNotAllowed", err)
	}
	badRole := grant("alice", apitypes.RoleRef(apitypes.RealmRoleManager), "alice/dev1", now)
	if err := f.c.Create(ctx, "acme", "alice/dev1", realmID, badRole); err != domain.ErrNotAllowed {
		t.Errorf("non-owner grant err = %v, want ErrNotAllowed", err)
	}

	mustCreateRealm(t, f, realmID, now)
	dup := grant("alice", apitypes.RoleRef(apitypes.RealmRoleOwner), "alice/dev1", now)
	if err := f.c.Create(ctx, "acme", "alice/dev1", realmID, dup); err != domain.ErrAlreadyExists {
		t.Errorf("duplicate realm err = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateRolesChecks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	realmID := uuid.New()
	t0 := time.Now().UTC()
	mustCreateRealm(t, f, realmID, t0)

	reader := apitypes.RoleRef(apitypes.RealmRoleReader)
	manager := apitypes.RoleRef(apitypes.RealmRoleManager)

	// own role cannot be self-managed
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("alice", reader, "alice/dev1", t0.Add(time.Second)), nil); err != domain.ErrNotAllowed {
		t.Errorf("self grant err = %v, want ErrNotAllowed", err)
	}
	// outsiders cannot hold management roles
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("zoe", manager, "alice/dev1", t0.Add(time.Second)), nil); err != domain.ErrIncompatibleProfile {
		t.Errorf("outsider manager err = %v, want ErrIncompatibleProfile", err)
	}
	// revoked users are not grantable
	rev := t0
	f.users.users["carl"].RevokedOn = &rev
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("carl", reader, "alice/dev1", t0.Add(time.Second)), nil); err != domain.ErrUserRevoked {
		t.Errorf("revoked target err = %v, want ErrUserRevoked", err)
	}

	// owner grants manager to bob, message delivered
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", manager, "alice/dev1", t0.Add(time.Second)), []byte("realm-key")); err != nil {
		t.Fatalf("grant manager: %v", err)
	}
	if len(f.messages.sent) != 1 || f.messages.sent[0].Recipient != "bob" {
		t.Fatalf("messages = %+v, want one to bob", f.messages.sent)
	}

	// same role again
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", manager, "alice/dev1", t0.Add(2*time.Second)), nil); err != domain.ErrAlreadyGranted {
		t.Errorf("same role err = %v, want ErrAlreadyGranted", err)
	}
	// manager cannot touch management roles
	if err := f.c.UpdateRoles(ctx, "acme", "bob/dev1", realmID, grant("alice", nil, "bob/dev1", t0.Add(2*time.Second)), nil); err != domain.ErrNotAllowed {
		t.Errorf("manager demoting owner err = %v, want ErrNotAllowed", err)
	}
	// grant timestamps must move forward; the reply tells the client
	// what to sign past
	err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", reader, "alice/dev1", t0.Add(time.Second)), nil)
	var tsErr *domain.TimestampError
	if !errors.As(err, &tsErr) {
		t.Fatalf("stale grant err = %v, want TimestampError", err)
	}
	if !tsErr.StrictlyGreaterThan.Equal(t0.Add(time.Second)) {
		t.Errorf("strictly greater than = %v, want %v", tsErr.StrictlyGreaterThan, t0.Add(time.Second))
	}
}

func TestUpdateRolesRejectsOutsiderAuthor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	realmID := uuid.New()
	t0 := time.Now().UTC()

	// an outsider may own its private realm but cannot share it
	g := grant("zoe", apitypes.RoleRef(apitypes.RealmRoleOwner), "zoe/dev1", t0)
	if err := f.c.Create(ctx, "acme", "zoe/dev1", realmID, g); err != nil {
		t.Fatalf("Create realm: %v", err)
	}
	reader := apitypes.RoleRef(apitypes.RealmRoleReader)
	if err := f.c.UpdateRoles(ctx, "acme", "zoe/dev1", realmID, grant("bob", reader, "zoe/dev1", t0.Add(time.Second)), nil); err != domain.ErrNotAllowed {
		t.Errorf("outsider author err = %v, want ErrNotAllowed", err)
	}
}

func TestUpdateRolesWriteRemovalRespectsVlobTimeline(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	realmID := uuid.New()
	t0 := time.Now().UTC()
	mustCreateRealm(t, f, realmID, t0)

	contributor := apitypes.RoleRef(apitypes.RealmRoleContributor)
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", contributor, "alice/dev1", t0.Add(time.Second)), nil); err != nil {
		t.Fatalf("grant contributor: %v", err)
	}

	// bob wrote a vlob after the demotion certificate was signed
	f.vlobs.lastUpdate["bob"] = t0.Add(10 * time.Second)
	reader := apitypes.RoleRef(apitypes.RealmRoleReader)
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", reader, "alice/dev1", t0.Add(5*time.Second)), nil); !errors.Is(err, domain.ErrRequireGreaterTimestamp) {
		t.Errorf("demote before last write err = %v, want ErrRequireGreaterTimestamp", err)
	}
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", reader, "alice/dev1", t0.Add(15*time.Second)), nil); err != nil {
		t.Errorf("demote after last write: %v", err)
	}
}

func TestReencryptionLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	realmID := uuid.New()
	t0 := time.Now().UTC()
	mustCreateRealm(t, f, realmID, t0)

	reader := apitypes.RoleRef(apitypes.RealmRoleReader)
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("bob", reader, "alice/dev1", t0.Add(time.Second)), nil); err != nil {
		t.Fatalf("grant reader: %v", err)
	}

	msgs := map[apitypes.UserID][]byte{"alice": []byte("k1"), "bob": []byte("k2")}

	if err := f.c.StartReencryption(ctx, "acme", "bob/dev1", realmID, 2, t0.Add(2*time.Second), msgs); err != domain.ErrNotAllowed {
		t.Errorf("non-owner start err = %v, want ErrNotAllowed", err)
	}
	if err := f.c.StartReencryption(ctx, "acme", "alice/dev1", realmID, 3, t0.Add(2*time.Second), msgs); err != domain.ErrBadEncryptionRevision {
		t.Errorf("bad revision err = %v, want ErrBadEncryptionRevision", err)
	}
	if err := f.c.StartReencryption(ctx, "acme", "alice/dev1", realmID, 2, t0.Add(2*time.Second), map[apitypes.UserID][]byte{"alice": []byte("k1")}); err != domain.ErrParticipantsMismatch {
		t.Errorf("missing participant err = %v, want ErrParticipantsMismatch", err)
	}

	if err := f.c.StartReencryption(ctx, "acme", "alice/dev1", realmID, 2, t0.Add(2*time.Second), msgs); err != nil {
		t.Fatalf("StartReencryption: %v", err)
	}
	if len(f.vlobs.started) != 1 || f.vlobs.started[0] != 2 {
		t.Errorf("vlob reencryption started = %v, want [2]", f.vlobs.started)
	}
	if len(f.messages.sent) != 2 {
		t.Errorf("messages sent = %d, want 2", len(f.messages.sent))
	}

	if err := f.c.StartReencryption(ctx, "acme", "alice/dev1", realmID, 2, t0.Add(3*time.Second), msgs); err != domain.ErrInMaintenance {
		t.Errorf("double start err = %v, want ErrInMaintenance", err)
	}
	// reads are refused during maintenance at the vlob layer; roles too
	if err := f.c.UpdateRoles(ctx, "acme", "alice/dev1", realmID, grant("carl", reader, "alice/dev1", t0.Add(3*time.Second)), nil); err != domain.ErrInMaintenance {
		t.Errorf("grant during maintenance err = %v, want ErrInMaintenance", err)
	}

	if err := f.c.FinishReencryption(ctx, "acme", "alice/dev1", realmID, 2); err != domain.ErrMaintenanceError {
		t.Errorf("finish with pending batch err = %v, want ErrMaintenanceError", err)
	}
	f.vlobs.done = true
	if err := f.c.FinishReencryption(ctx, "acme", "alice/dev1", realmID, 2); err != nil {
		t.Fatalf("FinishReencryption: %v", err)
	}

	status, err := f.c.GetStatus(ctx, "acme", "alice", realmID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.InMaintenance || status.EncryptionRevision != 2 {
		t.Errorf("status = %+v, want revision 2 out of maintenance", status)
	}

	if err := f.c.FinishReencryption(ctx, "acme", "alice/dev1", realmID, 2); err != domain.ErrNotInMaintenance {
		t.Errorf("second finish err = %v, want ErrNotInMaintenance", err)
	}
}

func TestGetStatusAndStatsNeedRole(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	realmID := uuid.New()
	t0 := time.Now().UTC()
	mustCreateRealm(t, f, realmID, t0)

	if _, err := f.c.GetStatus(ctx, "acme", "bob", realmID); err != domain.ErrNotAllowed {
		t.Errorf("GetStatus without role err = %v, want ErrNotAllowed", err)
	}
	if _, err := f.c.GetRoleCertificates(ctx, "acme", "bob", realmID, time.Time{}); err != domain.ErrNotAllowed {
		t.Errorf("GetRoleCertificates without role err = %v, want ErrNotAllowed", err)
	}

	f.vlobs.vlobSize = 4000
	stats, err := f.c.GetStats(ctx, "acme", "alice", realmID)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.VlobsSize != 4000 || stats.BlocksSize != 1000 {
		t.Errorf("stats = %+v", stats)
	}

	certs, err := f.c.GetRoleCertificates(ctx, "acme", "alice", realmID, time.Time{})
	if err != nil {
		t.Fatalf("GetRoleCertificates: %v", err)
	}
	if len(certs) != 1 || string(certs[0]) != "grant:alice" {
		t.Errorf("certificates = %q", certs)
	}
}
