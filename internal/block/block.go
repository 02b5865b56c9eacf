// Package block implements the immutable encrypted block store: file
// data chunks, write-once, addressed by id.
package block

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/block/blobstore"
	orgdomain "parsec/backend/internal/organization/domain"
	realmdomain "parsec/backend/internal/realm/domain"
)

var (
	ErrNotFound      = errors.New("block not found")
	ErrAlreadyExists = errors.New("block already exists")
	ErrNotAllowed    = errors.New("author lacks the required realm role")
	ErrInMaintenance = errors.New("realm is under maintenance")
	ErrNotAvailable  = errors.New("block storage unavailable")
)

// Meta is the stored block metadata; the payload lives in the blob
// store.
type Meta struct {
	BlockID   uuid.UUID
	RealmID   uuid.UUID
	Author    apitypes.DeviceID
	Size      int64
	CreatedOn time.Time
}

// MetaRepository stores block metadata.
type MetaRepository interface {
	Insert(ctx context.Context, org apitypes.OrganizationID, meta *Meta) error
	Get(ctx context.Context, org apitypes.OrganizationID, blockID uuid.UUID) (*Meta, error)
	RealmStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (count, size int64, err error)
	DataSize(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, error)
}

// MemoryMetaRepository is the in-process store used by tests and the
// single-node development server.
type MemoryMetaRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]map[uuid.UUID]*Meta
}

func NewMemoryMetaRepository() *MemoryMetaRepository {
	return &MemoryMetaRepository{orgs: make(map[apitypes.OrganizationID]map[uuid.UUID]*Meta)}
}

func (r *MemoryMetaRepository) Insert(_ context.Context, org apitypes.OrganizationID, meta *Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	blocks, ok := r.orgs[org]
	if !ok {
		blocks = make(map[uuid.UUID]*Meta)
		r.orgs[org] = blocks
	}
	if _, ok := blocks[meta.BlockID]; ok {
		return ErrAlreadyExists
	}
	cp := *meta
	blocks[meta.BlockID] = &cp
	return nil
}

func (r *MemoryMetaRepository) Get(_ context.Context, org apitypes.OrganizationID, blockID uuid.UUID) (*Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.orgs[org][blockID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryMetaRepository) RealmStats(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count, size int64
	for _, m := range r.orgs[org] {
		if m.RealmID == realmID {
			count++
			size += m.Size
		}
	}
	return count, size, nil
}

func (r *MemoryMetaRepository) DataSize(_ context.Context, org apitypes.OrganizationID, at time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var size int64
	for _, m := range r.orgs[org] {
		if !m.CreatedOn.After(at) {
			size += m.Size
		}
	}
	return size, nil
}

// RealmInfo is the slice of the realm registry the block store needs.
type RealmInfo interface {
	CurrentRole(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, id apitypes.UserID) (*apitypes.RealmRole, error)
	GetRealm(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (*realmdomain.Realm, error)
}

// Component is the block store.
type Component struct {
	meta  MetaRepository
	blobs blobstore.Store
	nowF  func() time.Time

	realms RealmInfo
}

func NewComponent(meta MetaRepository, blobs blobstore.Store) *Component {
	return &Component{meta: meta, blobs: blobs, nowF: time.Now}
}

func (c *Component) Register(realms RealmInfo) { c.realms = realms }

func blobKey(org apitypes.OrganizationID, blockID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", org, blockID)
}

// Create stores a block. Blocks are write-once; a duplicate id is an
// error even with identical data.
func (c *Component) Create(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, realmID, blockID uuid.UUID, data []byte) error {
	role, err := c.realms.CurrentRole(ctx, org, realmID, author.UserID())
	if err != nil {
		return err
	}
	if !role.CanWrite() {
		return ErrNotAllowed
	}
	realm, err := c.realms.GetRealm(ctx, org, realmID)
	if err != nil {
		return err
	}
	if realm.InMaintenance() {
		return ErrInMaintenance
	}
	meta := &Meta{
		BlockID:   blockID,
		RealmID:   realmID,
		Author:    author,
		Size:      int64(len(data)),
		CreatedOn: apitypes.TruncateTime(c.nowF()),
	}
	if err := c.meta.Insert(ctx, org, meta); err != nil {
		return err
	}
	if err := c.blobs.Put(ctx, blobKey(org, blockID), data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	return nil
}

// Read returns a block payload.
func (c *Component) Read(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, blockID uuid.UUID) ([]byte, error) {
	meta, err := c.meta.Get(ctx, org, blockID)
	if err != nil {
		return nil, err
	}
	role, err := c.realms.CurrentRole(ctx, org, meta.RealmID, caller)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, ErrNotAllowed
	}
	realm, err := c.realms.GetRealm(ctx, org, meta.RealmID)
	if err != nil {
		return nil, err
	}
	if realm.InMaintenance() {
		return nil, ErrInMaintenance
	}
	data, err := c.blobs.Get(ctx, blobKey(org, blockID))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	return data, nil
}

// RealmBlockStats implements the realm registry's stats lookup.
func (c *Component) RealmBlockStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (count, size int64, err error) {
	return c.meta.RealmStats(ctx, org, realmID)
}

// OrganizationStats reports stored block bytes; part of the
// organization stats aggregation.
func (c *Component) OrganizationStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (orgdomain.Stats, error) {
	size, err := c.meta.DataSize(ctx, org, at)
	if err != nil {
		return orgdomain.Stats{}, err
	}
	return orgdomain.Stats{DataSize: size}, nil
}
