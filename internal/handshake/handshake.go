// Package handshake implements the connection opening ceremony: the
// server issues a random challenge, the client answers with one of the
// four identity modes, and a successful answer pins the identity for the
// rest of the connection.
package handshake

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/invite"
	orgdomain "parsec/backend/internal/organization/domain"
	"parsec/backend/internal/protocol"
	userdomain "parsec/backend/internal/user/domain"
)

const challengeSize = 48

// Identity modes.
type Kind string

const (
	KindAdministration Kind = "administration"
	KindAnonymous      Kind = "anonymous"
	KindInvited        Kind = "invited"
	KindAuthenticated  Kind = "authenticated"
)

// Handshake failure kinds, one result string each.
var (
	ErrBadIdentity            = errors.New("bad identity")
	ErrRevokedDevice          = errors.New("device is revoked")
	ErrRvkMismatch            = errors.New("root verify key mismatch")
	ErrBadAdministrationToken = errors.New("bad administration token")
)

// ResultKind maps a handshake failure to its wire result string.
func ResultKind(err error) string {
	switch {
	case errors.Is(err, ErrBadAdministrationToken):
		return "bad_administration_token"
	case errors.Is(err, ErrRevokedDevice):
		return "revoked_device"
	case errors.Is(err, ErrRvkMismatch):
		return "rvk_mismatch"
	case errors.Is(err, orgdomain.ErrExpired):
		return "organization_expired"
	default:
		return "bad_identity"
	}
}

// ClientContext is the identity fixed by a successful handshake.
type ClientContext struct {
	Kind         Kind
	Organization apitypes.OrganizationID

	// Authenticated only.
	DeviceID  apitypes.DeviceID
	Profile   apitypes.Profile
	VerifyKey ed25519.PublicKey

	// Invited only.
	InvitationToken   uuid.UUID
	InvitationGreeter apitypes.UserID
	InvitationType    apitypes.InvitationType
}

// OrganizationDirectory resolves organizations during the handshake.
type OrganizationDirectory interface {
	Get(ctx context.Context, id apitypes.OrganizationID) (*orgdomain.Organization, error)
}

// DeviceDirectory resolves the authenticated identity.
type DeviceDirectory interface {
	GetUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*userdomain.User, error)
	GetDevice(ctx context.Context, org apitypes.OrganizationID, id apitypes.DeviceID) (*userdomain.Device, error)
}

// InvitationDirectory resolves the invited identity.
type InvitationDirectory interface {
	Info(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID) (*invite.InvitationInfo, error)
}

// Authenticator validates handshake answers against the backend state.
type Authenticator struct {
	adminToken string
	orgs       OrganizationDirectory
	users      DeviceDirectory
	invites    InvitationDirectory
}

func NewAuthenticator(adminToken string, orgs OrganizationDirectory, users DeviceDirectory, invites InvitationDirectory) *Authenticator {
	return &Authenticator{adminToken: adminToken, orgs: orgs, users: users, invites: invites}
}

// NewChallenge draws the random challenge for one connection.
func NewChallenge() ([]byte, error) {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	return challenge, nil
}

// ChallengeFrame builds the opening frame.
func ChallengeFrame(challenge []byte) ([]byte, error) {
	return protocol.EncodeFrame(map[string]any{
		"handshake": "challenge",
		"challenge": challenge,
	})
}

// ResultOKFrame builds the frame closing a successful handshake.
func ResultOKFrame() ([]byte, error) {
	return protocol.EncodeFrame(map[string]any{"handshake": "result", "result": "ok"})
}

// ResultErrorFrame builds the frame closing a failed handshake.
func ResultErrorFrame(err error) ([]byte, error) {
	return protocol.EncodeFrame(map[string]any{"handshake": "result", "result": ResultKind(err)})
}

type answerFrame struct {
	Handshake    string `msgpack:"handshake"`
	Type         string `msgpack:"type"`
	Organization string `msgpack:"organization_id"`
	DeviceID     string `msgpack:"device_id"`
	RVK          []byte `msgpack:"rvk"`
	Answer       []byte `msgpack:"answer"`
	Token        string `msgpack:"token"`
}

// ProcessAnswer validates the client's answer to the challenge and
// returns the resulting identity.
func (a *Authenticator) ProcessAnswer(ctx context.Context, challenge, raw []byte) (*ClientContext, error) {
	var ans answerFrame
	if err := protocol.DecodeFrame(raw, &ans); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	if ans.Handshake != "answer" {
		return nil, fmt.Errorf("%w: unexpected frame %q", ErrBadIdentity, ans.Handshake)
	}

	switch Kind(ans.Type) {
	case KindAdministration:
		if subtle.ConstantTimeCompare([]byte(ans.Token), []byte(a.adminToken)) != 1 {
			return nil, ErrBadAdministrationToken
		}
		return &ClientContext{Kind: KindAdministration}, nil

	case KindAnonymous:
		org, err := a.organization(ctx, ans.Organization)
		if err != nil {
			return nil, err
		}
		return &ClientContext{Kind: KindAnonymous, Organization: org.ID}, nil

	case KindInvited:
		org, err := a.organization(ctx, ans.Organization)
		if err != nil {
			return nil, err
		}
		token, err := uuid.Parse(ans.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: bad invitation token", ErrBadIdentity)
		}
		info, err := a.invites.Info(ctx, org.ID, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
		}
		return &ClientContext{
			Kind:              KindInvited,
			Organization:      org.ID,
			InvitationToken:   token,
			InvitationGreeter: info.Greeter,
			InvitationType:    info.Type,
		}, nil

	case KindAuthenticated:
		org, err := a.organization(ctx, ans.Organization)
		if err != nil {
			return nil, err
		}
		if !org.IsBootstrapped() {
			return nil, fmt.Errorf("%w: organization not bootstrapped", ErrBadIdentity)
		}
		if !bytes.Equal(ans.RVK, org.RootVerifyKey) {
			return nil, ErrRvkMismatch
		}
		deviceID, err := apitypes.NewDeviceID(ans.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
		}
		device, err := a.users.GetDevice(ctx, org.ID, deviceID)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown device", ErrBadIdentity)
		}
		user, err := a.users.GetUser(ctx, org.ID, deviceID.UserID())
		if err != nil {
			return nil, fmt.Errorf("%w: unknown user", ErrBadIdentity)
		}
		if user.IsRevoked() {
			return nil, ErrRevokedDevice
		}
		if len(device.VerifyKey) != ed25519.PublicKeySize ||
			!ed25519.Verify(ed25519.PublicKey(device.VerifyKey), challenge, ans.Answer) {
			return nil, fmt.Errorf("%w: challenge signature does not verify", ErrBadIdentity)
		}
		return &ClientContext{
			Kind:         KindAuthenticated,
			Organization: org.ID,
			DeviceID:     deviceID,
			Profile:      user.Profile,
			VerifyKey:    ed25519.PublicKey(device.VerifyKey),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown handshake type %q", ErrBadIdentity, ans.Type)
}

func (a *Authenticator) organization(ctx context.Context, raw string) (*orgdomain.Organization, error) {
	id, err := apitypes.NewOrganizationID(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	org, err := a.orgs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown organization", ErrBadIdentity)
	}
	if org.IsExpired {
		return nil, orgdomain.ErrExpired
	}
	return org, nil
}

// AnswerFrame builds a client answer; test and client tooling helper.
func AnswerFrame(typ Kind, org, deviceID, token string, rvk, answer []byte) ([]byte, error) {
	return protocol.EncodeFrame(answerFrame{
		Handshake:    "answer",
		Type:         string(typ),
		Organization: org,
		DeviceID:     deviceID,
		RVK:          rvk,
		Answer:       answer,
		Token:        token,
	})
}
