// Package sequester implements the sequester services of an
// organization: authority-certified recipients that receive a copy of
// (or veto) every vlob write.
package sequester

import (
	"context"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/certif"
	orgdomain "parsec/backend/internal/organization/domain"
	"parsec/backend/internal/sequester/domain"
	"parsec/backend/internal/sequester/repository"
)

// OrganizationGetter resolves the organization's sequester authority.
type OrganizationGetter interface {
	Get(ctx context.Context, id apitypes.OrganizationID) (*orgdomain.Organization, error)
}

// Component is the sequester service registry and the vlob admission
// gate.
type Component struct {
	repo    repository.Repository
	webhook WebhookClient
	nowF    func() time.Time

	orgs OrganizationGetter
}

func NewComponent(repo repository.Repository, webhook WebhookClient) *Component {
	return &Component{repo: repo, webhook: webhook, nowF: time.Now}
}

func (c *Component) Register(orgs OrganizationGetter) { c.orgs = orgs }

// CreateService registers an authority-certified service.
func (c *Component) CreateService(ctx context.Context, org apitypes.OrganizationID, certificate []byte, serviceType domain.ServiceType, webhookURL string) (*domain.Service, error) {
	orgInfo, err := c.orgs.Get(ctx, org)
	if err != nil {
		return nil, err
	}
	if !orgInfo.SequesterEnabled() {
		return nil, domain.ErrNotSequestered
	}
	cert, err := certif.VerifySequesterService(orgInfo.SequesterAuthorityKey, certificate, c.nowF())
	if err != nil {
		return nil, err
	}
	serviceID, err := uuid.FromBytes(cert.ServiceID)
	if err != nil {
		return nil, certif.ErrInvalidEncoding
	}
	svc := &domain.Service{
		ServiceID:   serviceID,
		Label:       cert.ServiceLabel,
		Certificate: certificate,
		ServiceType: serviceType,
		WebhookURL:  webhookURL,
		CreatedOn:   apitypes.TruncateTime(c.nowF()),
	}
	if err := c.repo.InsertService(ctx, org, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// DisableService removes a service from vlob admission. Not
// idempotent: disabling twice is an error.
func (c *Component) DisableService(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID) error {
	svc, err := c.repo.GetService(ctx, org, serviceID)
	if err != nil {
		return err
	}
	if !svc.Enabled() {
		return domain.ErrAlreadyDisabled
	}
	now := apitypes.TruncateTime(c.nowF())
	svc.DisabledOn = &now
	return c.repo.UpdateService(ctx, org, svc)
}

// EnableService puts a disabled service back into vlob admission.
func (c *Component) EnableService(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID) error {
	svc, err := c.repo.GetService(ctx, org, serviceID)
	if err != nil {
		return err
	}
	if svc.Enabled() {
		return domain.ErrAlreadyEnabled
	}
	svc.DisabledOn = nil
	return c.repo.UpdateService(ctx, org, svc)
}

// GetService returns one service.
func (c *Component) GetService(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID) (*domain.Service, error) {
	return c.repo.GetService(ctx, org, serviceID)
}

// ListServices returns every service in creation order.
func (c *Component) ListServices(ctx context.Context, org apitypes.OrganizationID) ([]*domain.Service, error) {
	return c.repo.ListServices(ctx, org)
}

// DumpRealm exports the stored copies of a realm for a storage
// service.
func (c *Component) DumpRealm(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID uuid.UUID) ([]domain.DumpEntry, error) {
	svc, err := c.repo.GetService(ctx, org, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.ServiceType != domain.ServiceStorage {
		return nil, domain.ErrNotAStorageService
	}
	return c.repo.DumpRealm(ctx, org, serviceID, realmID)
}

// Admit gates one vlob write. In a non-sequestered organization the
// blobs must be absent. In a sequestered one they must cover exactly
// the enabled services; webhook services are consulted synchronously
// and may veto, storage services keep their copy.
func (c *Component) Admit(ctx context.Context, org apitypes.OrganizationID, realmID, vlobID uuid.UUID, version int64, blobs map[uuid.UUID][]byte) error {
	orgInfo, err := c.orgs.Get(ctx, org)
	if err != nil {
		return err
	}
	if !orgInfo.SequesterEnabled() {
		if blobs != nil {
			return domain.ErrNotSequestered
		}
		return nil
	}

	services, err := c.repo.ListServices(ctx, org)
	if err != nil {
		return err
	}
	var enabled []*domain.Service
	for _, svc := range services {
		if svc.Enabled() {
			enabled = append(enabled, svc)
		}
	}
	inconsistency := func() error {
		certs := make([][]byte, 0, len(enabled))
		for _, svc := range enabled {
			certs = append(certs, svc.Certificate)
		}
		return &domain.InconsistencyError{
			AuthorityCertificate: orgInfo.SequesterAuthorityCertificate,
			ServiceCertificates:  certs,
		}
	}

	if len(blobs) != len(enabled) {
		return inconsistency()
	}
	for _, svc := range enabled {
		if _, ok := blobs[svc.ServiceID]; !ok {
			return inconsistency()
		}
	}

	// webhooks first: a veto must leave no stored copy behind
	for _, svc := range enabled {
		if svc.ServiceType != domain.ServiceWebhook {
			continue
		}
		if err := c.webhook.Submit(ctx, org, svc.ServiceID, svc.WebhookURL, blobs[svc.ServiceID]); err != nil {
			return err
		}
	}
	for _, svc := range enabled {
		if svc.ServiceType != domain.ServiceStorage {
			continue
		}
		if err := c.repo.StoreVlobCopy(ctx, org, svc.ServiceID, realmID, vlobID, version, blobs[svc.ServiceID]); err != nil {
			return err
		}
	}
	return nil
}
