package block

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/block/blobstore"
	realmdomain "parsec/backend/internal/realm/domain"
)

type stubRealms struct {
	roles map[apitypes.UserID]apitypes.RealmRole
	realm *realmdomain.Realm
}

func (s *stubRealms) CurrentRole(_ context.Context, _ apitypes.OrganizationID, _ uuid.UUID, id apitypes.UserID) (*apitypes.RealmRole, error) {
	if r, ok := s.roles[id]; ok {
		return apitypes.RoleRef(r), nil
	}
	return nil, nil
}

func (s *stubRealms) GetRealm(context.Context, apitypes.OrganizationID, uuid.UUID) (*realmdomain.Realm, error) {
	return s.realm, nil
}

func TestCreateAndRead(t *testing.T) {
	realmID := uuid.New()
	realms := &stubRealms{
		roles: map[apitypes.UserID]apitypes.RealmRole{
			"alice": apitypes.RealmRoleContributor,
			"eve":   apitypes.RealmRoleReader,
		},
		realm: &realmdomain.Realm{RealmID: realmID, EncryptionRevision: 1},
	}
	c := NewComponent(NewMemoryMetaRepository(), blobstore.NewMemoryStore())
	c.Register(realms)
	ctx := context.Background()
	blockID := uuid.New()

	if err := c.Create(ctx, "acme", "alice/dev1", realmID, blockID, []byte("chunk")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Create(ctx, "acme", "alice/dev1", realmID, blockID, []byte("chunk")); err != ErrAlreadyExists {
		t.Errorf("duplicate create err = %v, want ErrAlreadyExists", err)
	}
	if err := c.Create(ctx, "acme", "eve/dev1", realmID, uuid.New(), []byte("x")); err != ErrNotAllowed {
		t.Errorf("reader create err = %v, want ErrNotAllowed", err)
	}
	if err := c.Create(ctx, "acme", "mallory/dev1", realmID, uuid.New(), []byte("x")); err != ErrNotAllowed {
		t.Errorf("outsider create err = %v, want ErrNotAllowed", err)
	}

	data, err := c.Read(ctx, "acme", "eve", blockID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "chunk" {
		t.Errorf("Read = %q", data)
	}
	if _, err := c.Read(ctx, "acme", "mallory", blockID); err != ErrNotAllowed {
		t.Errorf("Read without role err = %v, want ErrNotAllowed", err)
	}
	if _, err := c.Read(ctx, "acme", "eve", uuid.New()); err != ErrNotFound {
		t.Errorf("unknown block err = %v, want ErrNotFound", err)
	}

	mt := apitypes.MaintenanceReencryption
	realms.realm.MaintenanceType = &mt
	if _, err := c.Read(ctx, "acme", "eve", blockID); err != ErrInMaintenance {
		t.Errorf("Read during maintenance err = %v, want ErrInMaintenance", err)
	}
	if err := c.Create(ctx, "acme", "alice/dev1", realmID, uuid.New(), []byte("x")); err != ErrInMaintenance {
		t.Errorf("Create during maintenance err = %v, want ErrInMaintenance", err)
	}
}

func TestStats(t *testing.T) {
	realmID := uuid.New()
	realms := &stubRealms{
		roles: map[apitypes.UserID]apitypes.RealmRole{"alice": apitypes.RealmRoleOwner},
		realm: &realmdomain.Realm{RealmID: realmID, EncryptionRevision: 1},
	}
	c := NewComponent(NewMemoryMetaRepository(), blobstore.NewMemoryStore())
	c.Register(realms)
	ctx := context.Background()

	if err := c.Create(ctx, "acme", "alice/dev1", realmID, uuid.New(), []byte("12345")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Create(ctx, "acme", "alice/dev1", realmID, uuid.New(), []byte("123")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	count, size, err := c.RealmBlockStats(ctx, "acme", realmID)
	if err != nil {
		t.Fatalf("RealmBlockStats: %v", err)
	}
	if count != 2 || size != 8 {
		t.Errorf("stats = %d blocks, %d bytes, want 2 and 8", count, size)
	}

	orgStats, err := c.OrganizationStats(ctx, "acme", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("OrganizationStats: %v", err)
	}
	if orgStats.DataSize != 8 {
		t.Errorf("data size = %d, want 8", orgStats.DataSize)
	}
}
