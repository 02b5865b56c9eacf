package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/invite"
	invdomain "parsec/backend/internal/invite/domain"
	orgdomain "parsec/backend/internal/organization/domain"
	userdomain "parsec/backend/internal/user/domain"
)

type stubOrgs struct {
	orgs map[apitypes.OrganizationID]*orgdomain.Organization
}

func (s *stubOrgs) Get(_ context.Context, id apitypes.OrganizationID) (*orgdomain.Organization, error) {
	if o, ok := s.orgs[id]; ok {
		return o, nil
	}
	return nil, orgdomain.ErrNotFound
}

type stubUsers struct {
	users   map[apitypes.UserID]*userdomain.User
	devices map[apitypes.DeviceID]*userdomain.Device
}

func (s *stubUsers) GetUser(_ context.Context, _ apitypes.OrganizationID, id apitypes.UserID) (*userdomain.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, userdomain.ErrNotFound
}

func (s *stubUsers) GetDevice(_ context.Context, _ apitypes.OrganizationID, id apitypes.DeviceID) (*userdomain.Device, error) {
	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	return nil, userdomain.ErrNotFound
}

type stubInvites struct {
	infos map[uuid.UUID]*invite.InvitationInfo
}

func (s *stubInvites) Info(_ context.Context, _ apitypes.OrganizationID, token uuid.UUID) (*invite.InvitationInfo, error) {
	if i, ok := s.infos[token]; ok {
		return i, nil
	}
	return nil, invdomain.ErrNotFound
}

func testFixture(t *testing.T) (*Authenticator, ed25519.PrivateKey, uuid.UUID) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bootstrapped := time.Now()
	orgs := &stubOrgs{orgs: map[apitypes.OrganizationID]*orgdomain.Organization{
		"acme": {
			ID:             "acme",
			RootVerifyKey:  []byte("rvk-acme-root-verify-key-32bytes"),
			BootstrappedOn: &bootstrapped,
		},
		"gone":  {ID: "gone", IsExpired: true},
		"fresh": {ID: "fresh"},
	}}
	users := &stubUsers{
		users: map[apitypes.UserID]*userdomain.User{
			"alice": {UserID: "alice", Profile: apitypes.ProfileAdmin},
			"mallory": {
				UserID:    "mallory",
				RevokedOn: &bootstrapped,
			},
		},
		devices: map[apitypes.DeviceID]*userdomain.Device{
			"alice/laptop":   {DeviceID: "alice/laptop", VerifyKey: pub},
			"mallory/laptop": {DeviceID: "mallory/laptop", VerifyKey: pub},
		},
	}
	token := uuid.New()
	invites := &stubInvites{infos: map[uuid.UUID]*invite.InvitationInfo{
		token: {
			Invitation: invdomain.Invitation{
				Token:        token,
				Type:         apitypes.InvitationUser,
				Greeter:      "alice",
				ClaimerEmail: "zack@example.com",
			},
			Status: apitypes.InvitationIdle,
		},
	}}
	return NewAuthenticator("s3cr3t", orgs, users, invites), priv, token
}

func answerAuthenticated(t *testing.T, priv ed25519.PrivateKey, challenge []byte, org, device string, rvk []byte) []byte {
	t.Helper()
	raw, err := AnswerFrame(KindAuthenticated, org, device, "", rvk, ed25519.Sign(priv, challenge))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestAdministrationHandshake(t *testing.T) {
	a, _, _ := testFixture(t)
	ctx := context.Background()

	raw, _ := AnswerFrame(KindAdministration, "", "", "s3cr3t", nil, nil)
	cc, err := a.ProcessAnswer(ctx, nil, raw)
	if err != nil {
		t.Fatalf("ProcessAnswer: %v", err)
	}
	if cc.Kind != KindAdministration {
		t.Errorf("kind = %v", cc.Kind)
	}

	raw, _ = AnswerFrame(KindAdministration, "", "", "wrong", nil, nil)
	if _, err := a.ProcessAnswer(ctx, nil, raw); !errors.Is(err, ErrBadAdministrationToken) {
		t.Errorf("bad token = %v, want ErrBadAdministrationToken", err)
	}
}

func TestAnonymousHandshake(t *testing.T) {
	a, _, _ := testFixture(t)
	ctx := context.Background()

	raw, _ := AnswerFrame(KindAnonymous, "fresh", "", "", nil, nil)
	cc, err := a.ProcessAnswer(ctx, nil, raw)
	if err != nil {
		t.Fatalf("ProcessAnswer: %v", err)
	}
	if cc.Kind != KindAnonymous || cc.Organization != "fresh" {
		t.Errorf("context = %+v", cc)
	}

	raw, _ = AnswerFrame(KindAnonymous, "nope", "", "", nil, nil)
	if _, err := a.ProcessAnswer(ctx, nil, raw); !errors.Is(err, ErrBadIdentity) {
		t.Errorf("unknown org = %v, want ErrBadIdentity", err)
	}

	raw, _ = AnswerFrame(KindAnonymous, "gone", "", "", nil, nil)
	_, err = a.ProcessAnswer(ctx, nil, raw)
	if !errors.Is(err, orgdomain.ErrExpired) {
		t.Errorf("expired org = %v, want ErrExpired", err)
	}
	if kind := ResultKind(err); kind != "organization_expired" {
		t.Errorf("ResultKind = %q", kind)
	}
}

func TestInvitedHandshake(t *testing.T) {
	a, _, token := testFixture(t)
	ctx := context.Background()

	raw, _ := AnswerFrame(KindInvited, "acme", "", token.String(), nil, nil)
	cc, err := a.ProcessAnswer(ctx, nil, raw)
	if err != nil {
		t.Fatalf("ProcessAnswer: %v", err)
	}
	if cc.Kind != KindInvited || cc.InvitationToken != token || cc.InvitationGreeter != "alice" || cc.InvitationType != apitypes.InvitationUser {
		t.Errorf("context = %+v", cc)
	}

	raw, _ = AnswerFrame(KindInvited, "acme", "", uuid.New().String(), nil, nil)
	if _, err := a.ProcessAnswer(ctx, nil, raw); !errors.Is(err, ErrBadIdentity) {
		t.Errorf("unknown token = %v, want ErrBadIdentity", err)
	}

	raw, _ = AnswerFrame(KindInvited, "acme", "", "not-a-uuid", nil, nil)
	if _, err := a.ProcessAnswer(ctx, nil, raw); !errors.Is(err, ErrBadIdentity) {
		t.Errorf("malformed token = %v, want ErrBadIdentity", err)
	}
}

func TestAuthenticatedHandshake(t *testing.T) {
	a, priv, _ := testFixture(t)
	ctx := context.Background()
	rvk := []byte("rvk-acme-root-verify-key-32bytes")

	challenge, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}

	cc, err := a.ProcessAnswer(ctx, challenge, answerAuthenticated(t, priv, challenge, "acme", "alice/laptop", rvk))
	if err != nil {
		t.Fatalf("ProcessAnswer: %v", err)
	}
	if cc.Kind != KindAuthenticated || cc.DeviceID != "alice/laptop" || cc.Profile != apitypes.ProfileAdmin {
		t.Errorf("context = %+v", cc)
	}

	if _, err := a.ProcessAnswer(ctx, challenge, answerAuthenticated(t, priv, challenge, "acme", "alice/laptop", []byte("other"))); !errors.Is(err, ErrRvkMismatch) {
		t.Errorf("rvk mismatch = %v, want ErrRvkMismatch", err)
	}

	if _, err := a.ProcessAnswer(ctx, challenge, answerAuthenticated(t, priv, challenge, "acme", "mallory/laptop", rvk)); !errors.Is(err, ErrRevokedDevice) {
		t.Errorf("revoked user = %v, want ErrRevokedDevice", err)
	}

	if _, err := a.ProcessAnswer(ctx, challenge, answerAuthenticated(t, priv, challenge, "acme", "nobody/laptop", rvk)); !errors.Is(err, ErrBadIdentity) {
		t.Errorf("unknown device = %v, want ErrBadIdentity", err)
	}

	// answer signed over a different challenge
	stale, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.ProcessAnswer(ctx, challenge, answerAuthenticated(t, priv, stale, "acme", "alice/laptop", rvk)); !errors.Is(err, ErrBadIdentity) {
		t.Errorf("stale signature = %v, want ErrBadIdentity", err)
	}

	if _, err := a.ProcessAnswer(ctx, challenge, answerAuthenticated(t, priv, challenge, "fresh", "alice/laptop", nil)); !errors.Is(err, ErrBadIdentity) {
		t.Errorf("pre-bootstrap authenticated = %v, want ErrBadIdentity", err)
	}
}

func TestResultFrames(t *testing.T) {
	challenge, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	if len(challenge) != challengeSize {
		t.Errorf("challenge length = %d", len(challenge))
	}
	if _, err := ChallengeFrame(challenge); err != nil {
		t.Errorf("ChallengeFrame: %v", err)
	}
	if _, err := ResultOKFrame(); err != nil {
		t.Errorf("ResultOKFrame: %v", err)
	}
	if _, err := ResultErrorFrame(ErrRvkMismatch); err != nil {
		t.Errorf("ResultErrorFrame: %v", err)
	}
	if kind := ResultKind(ErrBadAdministrationToken); kind != "bad_administration_token" {
		t.Errorf("ResultKind = %q", kind)
	}
	if kind := ResultKind(errors.New("anything else")); kind != "bad_identity" {
		t.Errorf("default ResultKind = %q", kind)
	}
}
