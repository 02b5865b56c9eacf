package sequester

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/certif"
	orgdomain "parsec/backend/internal/organization/domain"
	"parsec/backend/internal/sequester/domain"
	"parsec/backend/internal/sequester/repository"
)

type stubOrgs struct{ org *orgdomain.Organization }

func (s *stubOrgs) Get(context.Context, apitypes.OrganizationID) (*orgdomain.Organization, error) {
	return s.org, nil
}

type fakeWebhook struct {
	submitted [][]byte
	err       error
}

func (f *fakeWebhook) Submit(_ context.Context, _ apitypes.OrganizationID, _ uuid.UUID, _ string, blob []byte) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, blob)
	return nil
}

func authorityAndCert(t *testing.T, serviceID uuid.UUID, label string, ts time.Time) (authorityDER, certified []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	authorityDER, err = x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal authority key: %v", err)
	}

	body, err := msgpack.Marshal(&certif.SequesterServiceCertificate{
		Type:           certif.TypeSequesterService,
		SchemaRevision: certif.SchemaRevision,
		Timestamp:      apitypes.TimeToMicro(ts),
		ServiceID:      serviceID[:],
		ServiceLabel:   label,
	})
	if err != nil {
		t.Fatalf("marshal certificate: %v", err)
	}
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatalf("sign certificate: %v", err)
	}
	return authorityDER, append(sig, body...)
}

func TestCreateEnableDisableService(t *testing.T) {
	now := time.Now().UTC()
	serviceID := uuid.New()
	authority, certified := authorityAndCert(t, serviceID, "Archival", now)

	orgs := &stubOrgs{org: &orgdomain.Organization{ID: "acme", SequesterAuthorityKey: authority}}
	c := NewComponent(repository.NewMemoryRepository(), &fakeWebhook{})
	c.Register(orgs)
	c.nowF = func() time.Time { return now }
	ctx := context.Background()

	svc, err := c.CreateService(ctx, "acme", certified, domain.ServiceStorage, "")
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if svc.ServiceID != serviceID || svc.Label != "Archival" || !svc.Enabled() {
		t.Errorf("service = %+v", svc)
	}
	if _, err := c.CreateService(ctx, "acme", certified, domain.ServiceStorage, ""); err != domain.ErrAlreadyExists {
		t.Errorf("duplicate err = %v, want ErrAlreadyExists", err)
	}

	if err := c.EnableService(ctx, "acme", serviceID); err != domain.ErrAlreadyEnabled {
		t.Errorf("enable enabled err = %v, want ErrAlreadyEnabled", err)
	}
	if err := c.DisableService(ctx, "acme", serviceID); err != nil {
		t.Fatalf("DisableService: %v", err)
	}
	if err := c.DisableService(ctx, "acme", serviceID); err != domain.ErrAlreadyDisabled {
		t.Errorf("disable disabled err = %v, want ErrAlreadyDisabled", err)
	}
	if err := c.EnableService(ctx, "acme", serviceID); err != nil {
		t.Fatalf("EnableService: %v", err)
	}

	// rejects a certificate from another authority
	otherAuthority, _ := authorityAndCert(t, uuid.New(), "Other", now)
	orgs.org.SequesterAuthorityKey = otherAuthority
	if _, err := c.CreateService(ctx, "acme", certified, domain.ServiceStorage, ""); !errors.Is(err, certif.ErrInvalidSignature) {
		t.Errorf("foreign authority err = %v, want ErrInvalidSignature", err)
	}

	orgs.org.SequesterAuthorityKey = nil
	if _, err := c.CreateService(ctx, "acme", certified, domain.ServiceStorage, ""); err != domain.ErrNotSequestered {
		t.Errorf("non-sequestered err = %v, want ErrNotSequestered", err)
	}
}

func TestAdmit(t *testing.T) {
	now := time.Now().UTC()
	storageID := uuid.New()
	authority, storageCert := authorityAndCert(t, storageID, "Archive", now)

	orgs := &stubOrgs{org: &orgdomain.Organization{
		ID:                            "acme",
		SequesterAuthorityKey:         authority,
		SequesterAuthorityCertificate: []byte("authority-cert"),
	}}
	webhook := &fakeWebhook{}
	repo := repository.NewMemoryRepository()
	c := NewComponent(repo, webhook)
	c.Register(orgs)
	c.nowF = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.CreateService(ctx, "acme", storageCert, domain.ServiceStorage, ""); err != nil {
		t.Fatalf("CreateService(storage): %v", err)
	}
	realmID, vlobID := uuid.New(), uuid.New()

	// blobs must cover exactly the enabled services; the error carries
	// the certificates the client is missing
	err := c.Admit(ctx, "acme", realmID, vlobID, 1, nil)
	var inconsistency *domain.InconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("Admit without blobs err = %v, want InconsistencyError", err)
	}
	if string(inconsistency.AuthorityCertificate) != "authority-cert" {
		t.Errorf("authority certificate = %q", inconsistency.AuthorityCertificate)
	}
	if len(inconsistency.ServiceCertificates) != 1 || !bytes.Equal(inconsistency.ServiceCertificates[0], storageCert) {
		t.Errorf("service certificates = %v", inconsistency.ServiceCertificates)
	}
	err = c.Admit(ctx, "acme", realmID, vlobID, 1, map[uuid.UUID][]byte{uuid.New(): []byte("x")})
	if !errors.As(err, &inconsistency) {
		t.Errorf("Admit with wrong service err = %v, want InconsistencyError", err)
	}

	if err := c.Admit(ctx, "acme", realmID, vlobID, 1, map[uuid.UUID][]byte{storageID: []byte("copy-v1")}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	dump, err := c.DumpRealm(ctx, "acme", storageID, realmID)
	if err != nil {
		t.Fatalf("DumpRealm: %v", err)
	}
	if len(dump) != 1 || string(dump[0].Blob) != "copy-v1" || dump[0].Version != 1 {
		t.Errorf("dump = %+v", dump)
	}

	// a disabled service no longer takes part
	if err := c.DisableService(ctx, "acme", storageID); err != nil {
		t.Fatalf("DisableService: %v", err)
	}
	if err := c.Admit(ctx, "acme", realmID, vlobID, 2, map[uuid.UUID][]byte{}); err != nil {
		t.Errorf("Admit with no enabled services: %v", err)
	}

	// non-sequestered organizations refuse sequester blobs
	orgs.org.SequesterAuthorityKey = nil
	if err := c.Admit(ctx, "acme", realmID, vlobID, 3, map[uuid.UUID][]byte{storageID: []byte("x")}); err != domain.ErrNotSequestered {
		t.Errorf("Admit on plain org err = %v, want ErrNotSequestered", err)
	}
	if err := c.Admit(ctx, "acme", realmID, vlobID, 3, nil); err != nil {
		t.Errorf("Admit on plain org without blobs: %v", err)
	}
}

func TestDumpRealmRequiresStorageService(t *testing.T) {
	now := time.Now().UTC()
	serviceID := uuid.New()
	authority, certified := authorityAndCert(t, serviceID, "Compliance", now)

	c := NewComponent(repository.NewMemoryRepository(), &fakeWebhook{})
	c.Register(&stubOrgs{org: &orgdomain.Organization{ID: "acme", SequesterAuthorityKey: authority}})
	c.nowF = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.CreateService(ctx, "acme", certified, domain.ServiceWebhook, "https://example.invalid/hook"); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if _, err := c.DumpRealm(ctx, "acme", serviceID, uuid.New()); err != domain.ErrNotAStorageService {
		t.Errorf("DumpRealm err = %v, want ErrNotAStorageService", err)
	}
}

func TestHTTPWebhookClient(t *testing.T) {
	serviceID := uuid.New()

	accept := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("service_id") != serviceID.String() {
			t.Errorf("service_id = %q", r.URL.Query().Get("service_id"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer accept.Close()

	client := NewHTTPWebhookClient(5 * time.Second)
	if err := client.Submit(context.Background(), "acme", serviceID, accept.URL, []byte("blob")); err != nil {
		t.Errorf("Submit to accepting webhook: %v", err)
	}

	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"reason": "malware detected"}`))
	}))
	defer reject.Close()

	err := client.Submit(context.Background(), "acme", serviceID, reject.URL, []byte("blob"))
	var rejected *domain.RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "malware detected" {
		t.Errorf("Submit to rejecting webhook err = %v, want RejectedError", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	brokenURL := broken.URL
	broken.Close()

	if err := client.Submit(context.Background(), "acme", serviceID, brokenURL, []byte("blob")); !errors.Is(err, domain.ErrWebhookFailed) {
		t.Errorf("Submit to dead webhook err = %v, want ErrWebhookFailed", err)
	}
}
