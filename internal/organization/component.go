// Package organization implements the organization registry: lifecycle,
// bootstrap, expiry and usage stats.
package organization

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/certif"
	"parsec/backend/internal/event"
	"parsec/backend/internal/organization/domain"
	"parsec/backend/internal/organization/repository"
	"parsec/backend/internal/platform/orglock"
	userdomain "parsec/backend/internal/user/domain"
)

// FirstUserCreator creates the bootstrap user+device. Implemented by the
// user component; wired in the register pass. Bootstrap already holds
// the organization lock, so the locked variant is required here.
type FirstUserCreator interface {
	CreateUserLocked(ctx context.Context, org apitypes.OrganizationID, user *userdomain.User, firstDevice *userdomain.Device) error
}

// StatsProvider reports per-organization usage of a collaborating
// component.
type StatsProvider interface {
	OrganizationStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (domain.Stats, error)
}

// CreateOptions are the administration-settable organization options.
type CreateOptions struct {
	ActiveUsersLimit       *int64
	OutsiderProfileAllowed bool
}

// UpdateOptions carries partial updates; nil fields are left untouched.
type UpdateOptions struct {
	IsExpired              *bool
	ActiveUsersLimit       **int64
	OutsiderProfileAllowed *bool
}

// BootstrapRequest is the decoded organization_bootstrap payload.
type BootstrapRequest struct {
	BootstrapToken                string
	RootVerifyKey                 []byte
	UserCertificate               []byte
	DeviceCertificate             []byte
	RedactedUserCertificate       []byte
	RedactedDeviceCertificate     []byte
	SequesterAuthorityKey         []byte // optional, DER
	SequesterAuthorityCertificate []byte // optional
}

// Component is the organization registry.
type Component struct {
	repo  repository.Repository
	bus   *event.Bus
	locks *orglock.Registry
	nowF  func() time.Time

	userCreator    FirstUserCreator
	statsProviders []StatsProvider
}

func NewComponent(repo repository.Repository, bus *event.Bus, locks *orglock.Registry) *Component {
	return &Component{repo: repo, bus: bus, locks: locks, nowF: time.Now}
}

// Register wires the collaborators the component cannot receive at
// construction time (cyclic references are resolved in this pass).
func (c *Component) Register(userCreator FirstUserCreator, statsProviders ...StatsProvider) {
	c.userCreator = userCreator
	c.statsProviders = statsProviders
}

// SetClock replaces the wall clock; tests only.
func (c *Component) SetClock(now func() time.Time) { c.nowF = now }

// Create registers a new organization. Idempotent for un-bootstrapped
// organizations: calling again refreshes the bootstrap token and
// options. A bootstrapped organization with the same id is an error.
func (c *Component) Create(ctx context.Context, id apitypes.OrganizationID, bootstrapToken string, opts CreateOptions) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	existing, err := c.repo.Get(ctx, id)
	switch {
	case err == nil:
		if existing.IsBootstrapped() {
			return domain.ErrAlreadyExists
		}
		existing.BootstrapToken = bootstrapToken
		existing.ActiveUsersLimit = opts.ActiveUsersLimit
		existing.OutsiderProfileAllowed = opts.OutsiderProfileAllowed
		return c.repo.Update(ctx, existing)
	case err == domain.ErrNotFound:
		return c.repo.Insert(ctx, &domain.Organization{
			ID:                     id,
			BootstrapToken:         bootstrapToken,
			CreatedOn:              apitypes.TruncateTime(c.nowF()),
			ActiveUsersLimit:       opts.ActiveUsersLimit,
			OutsiderProfileAllowed: opts.OutsiderProfileAllowed,
		})
	default:
		return err
	}
}

// Get returns the organization for id.
func (c *Component) Get(ctx context.Context, id apitypes.OrganizationID) (*domain.Organization, error) {
	return c.repo.Get(ctx, id)
}

// Bootstrap pins the root verify key and creates the first user+device.
// Serialized by the per-organization lock so concurrent calls see
// exactly one winner.
func (c *Component) Bootstrap(ctx context.Context, id apitypes.OrganizationID, req BootstrapRequest) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	org, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if org.IsBootstrapped() {
		return domain.ErrAlreadyBootstrapped
	}
	if subtle.ConstantTimeCompare([]byte(org.BootstrapToken), []byte(req.BootstrapToken)) != 1 {
		return domain.ErrInvalidBootstrapToken
	}

	now := c.nowF()
	user, device, err := loadBootstrapCertificates(req, now)
	if err != nil {
		return err
	}
	if (req.SequesterAuthorityKey == nil) != (req.SequesterAuthorityCertificate == nil) {
		return fmt.Errorf("%w: partial sequester authority", certif.ErrInvalidEncoding)
	}

	if err := c.userCreator.CreateUserLocked(ctx, id, user, device); err != nil {
		return err
	}

	bootstrappedOn := apitypes.TruncateTime(now)
	org.RootVerifyKey = req.RootVerifyKey
	org.BootstrappedOn = &bootstrappedOn
	org.SequesterAuthorityKey = req.SequesterAuthorityKey
	org.SequesterAuthorityCertificate = req.SequesterAuthorityCertificate
	return c.repo.Update(ctx, org)
}

// loadBootstrapCertificates validates the four bootstrap certificates
// against the candidate root key: author must be nil, timestamps must
// match across user and device, full and redacted forms must agree.
func loadBootstrapCertificates(req BootstrapRequest, now time.Time) (*userdomain.User, *userdomain.Device, error) {
	opts := certif.LoadOptions{Now: now} // empty ExpectedAuthor: bootstrap is self-signed by the root key
	userCert, err := certif.LoadUserCertificate(req.RootVerifyKey, req.UserCertificate, opts)
	if err != nil {
		return nil, nil, err
	}
	deviceCert, err := certif.LoadDeviceCertificate(req.RootVerifyKey, req.DeviceCertificate, opts)
	if err != nil {
		return nil, nil, err
	}
	redactedUser, err := certif.LoadUserCertificate(req.RootVerifyKey, req.RedactedUserCertificate, opts)
	if err != nil {
		return nil, nil, err
	}
	redactedDevice, err := certif.LoadDeviceCertificate(req.RootVerifyKey, req.RedactedDeviceCertificate, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := certif.CheckRedactedUser(userCert, redactedUser); err != nil {
		return nil, nil, err
	}
	if err := certif.CheckRedactedDevice(deviceCert, redactedDevice); err != nil {
		return nil, nil, err
	}
	if userCert.Timestamp != deviceCert.Timestamp {
		return nil, nil, fmt.Errorf("%w: user and device certificates have different timestamps", certif.ErrInvalidEncoding)
	}
	deviceID := apitypes.DeviceID(deviceCert.DeviceID)
	if deviceID.UserID() != apitypes.UserID(userCert.UserID) {
		return nil, nil, fmt.Errorf("%w: device does not belong to the bootstrap user", certif.ErrInvalidEncoding)
	}
	if userCert.Profile != string(apitypes.ProfileAdmin) {
		return nil, nil, fmt.Errorf("%w: bootstrap user must be ADMIN", certif.ErrInvalidEncoding)
	}

	createdOn := apitypes.TimeFromMicro(userCert.Timestamp)
	user := &userdomain.User{
		UserID:                  apitypes.UserID(userCert.UserID),
		Profile:                 apitypes.Profile(userCert.Profile),
		UserCertificate:         req.UserCertificate,
		RedactedUserCertificate: req.RedactedUserCertificate,
		CreatedOn:               createdOn,
	}
	if userCert.HumanEmail != nil {
		user.HumanHandle = &apitypes.HumanHandle{Email: *userCert.HumanEmail, Label: *userCert.HumanLabel}
	}
	device := &userdomain.Device{
		DeviceID:                  deviceID,
		VerifyKey:                 deviceCert.VerifyKey,
		DeviceCertificate:         req.DeviceCertificate,
		RedactedDeviceCertificate: req.RedactedDeviceCertificate,
		CreatedOn:                 createdOn,
	}
	if deviceCert.DeviceLabel != nil {
		label := *deviceCert.DeviceLabel
		device.DeviceLabel = &label
	}
	return user, device, nil
}

// Update applies administration changes. Expiring an organization
// publishes OrganizationExpired so open authenticated connections get
// closed.
func (c *Component) Update(ctx context.Context, id apitypes.OrganizationID, opts UpdateOptions) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	org, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	wasExpired := org.IsExpired
	if opts.IsExpired != nil {
		org.IsExpired = *opts.IsExpired
	}
	if opts.ActiveUsersLimit != nil {
		org.ActiveUsersLimit = *opts.ActiveUsersLimit
	}
	if opts.OutsiderProfileAllowed != nil {
		org.OutsiderProfileAllowed = *opts.OutsiderProfileAllowed
	}
	if err := c.repo.Update(ctx, org); err != nil {
		return err
	}
	if org.IsExpired && !wasExpired {
		c.bus.Publish(event.OrganizationExpired{Organization: id})
	}
	return nil
}

// Stats aggregates usage across the registered providers. A zero at
// means "now".
func (c *Component) Stats(ctx context.Context, id apitypes.OrganizationID, at time.Time) (domain.Stats, error) {
	if _, err := c.repo.Get(ctx, id); err != nil {
		return domain.Stats{}, err
	}
	if at.IsZero() {
		at = c.nowF()
	}
	var total domain.Stats
	for _, p := range c.statsProviders {
		s, err := p.OrganizationStats(ctx, id, at)
		if err != nil {
			return domain.Stats{}, err
		}
		total.Users += s.Users
		total.ActiveUsers += s.ActiveUsers
		total.Realms += s.Realms
		total.MetadataSize += s.MetadataSize
		total.DataSize += s.DataSize
	}
	return total, nil
}
