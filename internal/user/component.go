// Package user implements the user and device registry: enrollment,
// revocation, trustchain resolution and human-handle search.
package user

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/certif"
	"parsec/backend/internal/event"
	orgdomain "parsec/backend/internal/organization/domain"
	"parsec/backend/internal/platform/orglock"
	"parsec/backend/internal/user/domain"
	"parsec/backend/internal/user/repository"
)

// OrganizationGetter exposes the organization options the registry
// enforces on enrollment. Implemented by the organization component.
type OrganizationGetter interface {
	Get(ctx context.Context, id apitypes.OrganizationID) (*orgdomain.Organization, error)
}

// Component is the user registry.
type Component struct {
	repo  repository.Repository
	bus   *event.Bus
	locks *orglock.Registry

	orgs OrganizationGetter
}

func NewComponent(repo repository.Repository, bus *event.Bus, locks *orglock.Registry) *Component {
	return &Component{repo: repo, bus: bus, locks: locks}
}

func (c *Component) Register(orgs OrganizationGetter) { c.orgs = orgs }

// CreateUser stores a new user with its first device. Checks run under
// the per-organization lock so the active-users limit and human-handle
// uniqueness hold across concurrent enrollments.
func (c *Component) CreateUser(ctx context.Context, org apitypes.OrganizationID, user *domain.User, firstDevice *domain.Device) error {
	unlock := c.locks.Lock(org)
	defer unlock()
	return c.createUserLocked(ctx, org, user, firstDevice)
}

// CreateUserLocked is CreateUser for callers already holding the
// organization lock (PKI enrollment accept runs user creation inside a
// wider critical section).
func (c *Component) CreateUserLocked(ctx context.Context, org apitypes.OrganizationID, user *domain.User, firstDevice *domain.Device) error {
	return c.createUserLocked(ctx, org, user, firstDevice)
}

func (c *Component) createUserLocked(ctx context.Context, org apitypes.OrganizationID, user *domain.User, firstDevice *domain.Device) error {
	orgInfo, err := c.orgs.Get(ctx, org)
	if err != nil {
		return err
	}
	if user.Profile == apitypes.ProfileOutsider && !orgInfo.OutsiderProfileAllowed {
		return domain.ErrOutsiderProfileNotAllowed
	}
	if orgInfo.ActiveUsersLimit != nil {
		active, err := c.repo.CountActiveUsers(ctx, org)
		if err != nil {
			return err
		}
		if active >= *orgInfo.ActiveUsersLimit {
			return domain.ErrActiveUsersLimitReached
		}
	}
	if user.HumanHandle != nil {
		_, err := c.repo.GetUserByEmail(ctx, org, user.HumanHandle.Email)
		switch err {
		case nil:
			return domain.ErrEmailAlreadyUsed
		case domain.ErrNotFound:
		default:
			return err
		}
	}
	if err := c.repo.InsertUser(ctx, org, user, firstDevice); err != nil {
		return err
	}
	c.bus.Publish(event.UserCreated{
		Organization:    org,
		UserID:          user.UserID,
		UserCertificate: user.UserCertificate,
		FirstDeviceID:   firstDevice.DeviceID,
	})
	return nil
}

// CreateDevice adds a device to an existing, non-revoked user.
func (c *Component) CreateDevice(ctx context.Context, org apitypes.OrganizationID, device *domain.Device) error {
	owner, err := c.repo.GetUser(ctx, org, device.UserID())
	if err != nil {
		return err
	}
	if owner.IsRevoked() {
		return domain.ErrAlreadyRevoked
	}
	if err := c.repo.InsertDevice(ctx, org, device); err != nil {
		return err
	}
	c.bus.Publish(event.DeviceCreated{
		Organization:      org,
		DeviceID:          device.DeviceID,
		DeviceCertificate: device.DeviceCertificate,
	})
	return nil
}

// RevokeUser attaches the revocation certificate to the user. The
// revoked user keeps its certificates so trustchains stay verifiable.
func (c *Component) RevokeUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID, revokedOn time.Time, certificate []byte, revoker apitypes.DeviceID) error {
	if err := c.repo.SetRevoked(ctx, org, id, revokedOn, certificate, revoker); err != nil {
		return err
	}
	c.bus.Publish(event.UserRevoked{Organization: org, UserID: id})
	return nil
}

// GetUser returns the bare user record.
func (c *Component) GetUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*domain.User, error) {
	return c.repo.GetUser(ctx, org, id)
}

// GetDevice returns a single device record.
func (c *Component) GetDevice(ctx context.Context, org apitypes.OrganizationID, id apitypes.DeviceID) (*domain.Device, error) {
	return c.repo.GetDevice(ctx, org, id)
}

// UserWithTrustchain is the user_get reply material: the target's
// certificates, its devices and the transitive certifier chain.
type UserWithTrustchain struct {
	UserCertificate        []byte
	RevokedUserCertificate []byte
	DeviceCertificates     [][]byte
	Trustchain             domain.Trustchain
}

// GetUserWithTrustchain resolves a user, its devices, and every
// certificate needed to verify them up to the root key. With redacted
// set, the redacted certificate forms are returned instead of the full
// ones (OUTSIDER callers must not see human handles or device labels).
func (c *Component) GetUserWithTrustchain(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID, redacted bool) (*UserWithTrustchain, error) {
	target, err := c.repo.GetUser(ctx, org, id)
	if err != nil {
		return nil, err
	}
	devices, err := c.repo.GetUserDevices(ctx, org, id)
	if err != nil {
		return nil, err
	}

	out := &UserWithTrustchain{
		UserCertificate:        pickUserCert(target, redacted),
		RevokedUserCertificate: target.RevokedUserCertificate,
	}
	for _, d := range devices {
		out.DeviceCertificates = append(out.DeviceCertificates, pickDeviceCert(d, redacted))
	}

	tc, err := c.trustchain(ctx, org, target, devices, redacted)
	if err != nil {
		return nil, err
	}
	out.Trustchain = tc
	return out, nil
}

// trustchain walks certifier and revoker links breadth-first until the
// organization root (nil certifier) is reached from every seed.
func (c *Component) trustchain(ctx context.Context, org apitypes.OrganizationID, target *domain.User, devices []*domain.Device, redacted bool) (domain.Trustchain, error) {
	var tc domain.Trustchain
	seenUsers := map[apitypes.UserID]bool{}
	seenDevices := map[apitypes.DeviceID]bool{}

	var queue []apitypes.DeviceID
	push := func(ref *apitypes.DeviceID) {
		if ref != nil && !seenDevices[*ref] {
			seenDevices[*ref] = true
			queue = append(queue, *ref)
		}
	}

	visitUser := func(u *domain.User) {
		if seenUsers[u.UserID] {
			return
		}
		seenUsers[u.UserID] = true
		tc.Users = append(tc.Users, pickUserCert(u, redacted))
		if u.IsRevoked() {
			tc.RevokedUsers = append(tc.RevokedUsers, u.RevokedUserCertificate)
		}
		push(u.Certifier)
		push(u.Revoker)
	}

	visitUser(target)
	for _, d := range devices {
		push(d.Certifier)
	}

	for len(queue) > 0 {
		devID := queue[0]
		queue = queue[1:]
		dev, err := c.repo.GetDevice(ctx, org, devID)
		if err != nil {
			return domain.Trustchain{}, fmt.Errorf("trustchain device %s: %w", devID, err)
		}
		tc.Devices = append(tc.Devices, pickDeviceCert(dev, redacted))
		push(dev.Certifier)
		owner, err := c.repo.GetUser(ctx, org, dev.UserID())
		if err != nil {
			return domain.Trustchain{}, fmt.Errorf("trustchain user %s: %w", dev.UserID(), err)
		}
		visitUser(owner)
	}
	return tc, nil
}

func pickUserCert(u *domain.User, redacted bool) []byte {
	if redacted {
		return u.RedactedUserCertificate
	}
	return u.UserCertificate
}

func pickDeviceCert(d *domain.Device, redacted bool) []byte {
	if redacted {
		return d.RedactedDeviceCertificate
	}
	return d.DeviceCertificate
}

// FindHumans pages through the organization members matching a query.
func (c *Component) FindHumans(ctx context.Context, org apitypes.OrganizationID, q repository.HumanFindQuery) ([]domain.HumanFindResult, int64, error) {
	return c.repo.FindHumans(ctx, org, q)
}

// GetUserByEmail resolves the non-revoked holder of an email.
func (c *Component) GetUserByEmail(ctx context.Context, org apitypes.OrganizationID, email string) (*domain.User, error) {
	return c.repo.GetUserByEmail(ctx, org, email)
}

// OrganizationStats reports user counts; part of the organization
// stats aggregation.
func (c *Component) OrganizationStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (orgdomain.Stats, error) {
	users, active, err := c.repo.UserStats(ctx, org, at)
	if err != nil {
		return orgdomain.Stats{}, err
	}
	return orgdomain.Stats{Users: users, ActiveUsers: active}, nil
}

// ValidateNewUser checks the four create_user certificates against the
// author's verify key and builds the entities to store.
func ValidateNewUser(authorKey ed25519.PublicKey, author apitypes.DeviceID, now time.Time,
	userCert, deviceCert, redactedUserCert, redactedDeviceCert []byte) (*domain.User, *domain.Device, error) {

	opts := certif.LoadOptions{ExpectedAuthor: author, Now: now}
	user, err := certif.LoadUserCertificate(authorKey, userCert, opts)
	if err != nil {
		return nil, nil, err
	}
	device, err := certif.LoadDeviceCertificate(authorKey, deviceCert, opts)
	if err != nil {
		return nil, nil, err
	}
	redactedUser, err := certif.LoadUserCertificate(authorKey, redactedUserCert, opts)
	if err != nil {
		return nil, nil, err
	}
	redactedDevice, err := certif.LoadDeviceCertificate(authorKey, redactedDeviceCert, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := certif.CheckRedactedUser(user, redactedUser); err != nil {
		return nil, nil, err
	}
	if err := certif.CheckRedactedDevice(device, redactedDevice); err != nil {
		return nil, nil, err
	}
	if user.Timestamp != device.Timestamp {
		return nil, nil, fmt.Errorf("%w: user and device certificates have different timestamps", certif.ErrInvalidEncoding)
	}
	devID := apitypes.DeviceID(device.DeviceID)
	if devID.UserID() != apitypes.UserID(user.UserID) {
		return nil, nil, fmt.Errorf("%w: device does not belong to the new user", certif.ErrInvalidEncoding)
	}

	createdOn := apitypes.TimeFromMicro(user.Timestamp)
	authorRef := author
	u := &domain.User{
		UserID:                  apitypes.UserID(user.UserID),
		Profile:                 apitypes.Profile(user.Profile),
		UserCertificate:         userCert,
		RedactedUserCertificate: redactedUserCert,
		Certifier:               &authorRef,
		CreatedOn:               createdOn,
	}
	if user.HumanEmail != nil {
		u.HumanHandle = &apitypes.HumanHandle{Email: *user.HumanEmail, Label: *user.HumanLabel}
	}
	d := &domain.Device{
		DeviceID:                  devID,
		VerifyKey:                 device.VerifyKey,
		DeviceCertificate:         deviceCert,
		RedactedDeviceCertificate: redactedDeviceCert,
		Certifier:                 &authorRef,
		CreatedOn:                 createdOn,
	}
	if device.DeviceLabel != nil {
		label := *device.DeviceLabel
		d.DeviceLabel = &label
	}
	return u, d, nil
}

// ValidateNewDevice checks a create_device certificate pair. The new
// device must belong to the author's own user.
func ValidateNewDevice(authorKey ed25519.PublicKey, author apitypes.DeviceID, now time.Time,
	deviceCert, redactedDeviceCert []byte) (*domain.Device, error) {

	opts := certif.LoadOptions{ExpectedAuthor: author, Now: now}
	device, err := certif.LoadDeviceCertificate(authorKey, deviceCert, opts)
	if err != nil {
		return nil, err
	}
	redacted, err := certif.LoadDeviceCertificate(authorKey, redactedDeviceCert, opts)
	if err != nil {
		return nil, err
	}
	if err := certif.CheckRedactedDevice(device, redacted); err != nil {
		return nil, err
	}
	devID := apitypes.DeviceID(device.DeviceID)
	if devID.UserID() != author.UserID() {
		return nil, fmt.Errorf("%w: device certified for another user", certif.ErrCertifierMismatch)
	}
	d := &domain.Device{
		DeviceID:                  devID,
		VerifyKey:                 device.VerifyKey,
		DeviceCertificate:         deviceCert,
		RedactedDeviceCertificate: redactedDeviceCert,
		Certifier:                 &author,
		CreatedOn:                 apitypes.TimeFromMicro(device.Timestamp),
	}
	if device.DeviceLabel != nil {
		label := *device.DeviceLabel
		d.DeviceLabel = &label
	}
	return d, nil
}

// ValidateRevocation checks a user_revoke certificate.
func ValidateRevocation(authorKey ed25519.PublicKey, author apitypes.DeviceID, now time.Time,
	revokedCert []byte) (*certif.RevokedUserCertificate, error) {
	return certif.LoadRevokedUserCertificate(authorKey, revokedCert, certif.LoadOptions{ExpectedAuthor: author, Now: now})
}
