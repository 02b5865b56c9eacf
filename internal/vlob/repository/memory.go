package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/vlob/domain"
)

type vlobRecord struct {
	realmID uuid.UUID
	atoms   []*domain.Atom // index i holds version i+1
}

type changeRecord struct {
	vlobID     uuid.UUID
	version    int64
	checkpoint int64
}

type realmVlobs struct {
	checkpoint int64
	changes    []changeRecord
	// reencryption todo at the in-progress revision
	reencRevision int64
	reencTotal    int64
}

type orgVlobs struct {
	vlobs  map[uuid.UUID]*vlobRecord
	realms map[uuid.UUID]*realmVlobs
}

// MemoryRepository is the in-process store used by tests and the
// single-node development server.
type MemoryRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]*orgVlobs
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]*orgVlobs)}
}

func (r *MemoryRepository) org(id apitypes.OrganizationID) *orgVlobs {
	o, ok := r.orgs[id]
	if !ok {
		o = &orgVlobs{vlobs: make(map[uuid.UUID]*vlobRecord), realms: make(map[uuid.UUID]*realmVlobs)}
		r.orgs[id] = o
	}
	return o
}

var emptyOrg = &orgVlobs{}

func (r *MemoryRepository) orgRead(id apitypes.OrganizationID) *orgVlobs {
	if o, ok := r.orgs[id]; ok {
		return o
	}
	return emptyOrg
}

func (o *orgVlobs) realm(id uuid.UUID) *realmVlobs {
	rv, ok := o.realms[id]
	if !ok {
		rv = &realmVlobs{}
		o.realms[id] = rv
	}
	return rv
}

func (r *MemoryRepository) InsertVlob(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, atom *domain.Atom) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	if _, ok := o.vlobs[atom.VlobID]; ok {
		return 0, domain.ErrAlreadyExists
	}
	cp := copyAtom(atom)
	cp.Version = 1
	o.vlobs[atom.VlobID] = &vlobRecord{realmID: realmID, atoms: []*domain.Atom{cp}}
	return o.recordChange(realmID, atom.VlobID, 1), nil
}

func (o *orgVlobs) recordChange(realmID, vlobID uuid.UUID, version int64) int64 {
	rv := o.realm(realmID)
	rv.checkpoint++
	rv.changes = append(rv.changes, changeRecord{vlobID: vlobID, version: version, checkpoint: rv.checkpoint})
	return rv.checkpoint
}

func (r *MemoryRepository) AppendVersion(_ context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, atom *domain.Atom) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	rec, ok := o.vlobs[vlobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if atom.Version != int64(len(rec.atoms))+1 {
		return 0, domain.ErrBadVersion
	}
	cp := copyAtom(atom)
	rec.atoms = append(rec.atoms, cp)
	return o.recordChange(rec.realmID, vlobID, cp.Version), nil
}

func copyAtom(a *domain.Atom) *domain.Atom {
	cp := *a
	cp.Blobs = make(map[int64][]byte, len(a.Blobs))
	for rev, b := range a.Blobs {
		cp.Blobs[rev] = b
	}
	return &cp
}

func (r *MemoryRepository) GetRealmForVlob(_ context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgRead(org).vlobs[vlobID]
	if !ok {
		return uuid.Nil, domain.ErrNotFound
	}
	return rec.realmID, nil
}

func (r *MemoryRepository) GetAtom(_ context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, version int64) (*domain.Atom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgRead(org).vlobs[vlobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if version < 1 || version > int64(len(rec.atoms)) {
		return nil, domain.ErrBadVersion
	}
	return copyAtom(rec.atoms[version-1]), nil
}

func (r *MemoryRepository) GetLatestAtom(_ context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) (*domain.Atom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgRead(org).vlobs[vlobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyAtom(rec.atoms[len(rec.atoms)-1]), nil
}

func (r *MemoryRepository) GetAtomAt(_ context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, at time.Time) (*domain.Atom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgRead(org).vlobs[vlobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	for i := len(rec.atoms) - 1; i >= 0; i-- {
		if !rec.atoms[i].Timestamp.After(at) {
			return copyAtom(rec.atoms[i]), nil
		}
	}
	return nil, domain.ErrBadVersion
}

func (r *MemoryRepository) ListVersions(_ context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) ([]domain.VersionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgRead(org).vlobs[vlobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.VersionInfo, len(rec.atoms))
	for i, a := range rec.atoms {
		out[i] = domain.VersionInfo{Version: a.Version, Author: a.Author, Timestamp: a.Timestamp}
	}
	return out, nil
}

func (r *MemoryRepository) PollChanges(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, since int64) (int64, []domain.Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv, ok := r.orgRead(org).realms[realmID]
	if !ok {
		return 0, nil, nil
	}
	latest := make(map[uuid.UUID]domain.Change)
	for _, ch := range rv.changes {
		if ch.checkpoint <= since {
			continue
		}
		latest[ch.vlobID] = domain.Change{VlobID: ch.vlobID, Version: ch.version, Checkpoint: ch.checkpoint}
	}
	out := make([]domain.Change, 0, len(latest))
	for _, ch := range latest {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Checkpoint < out[j].Checkpoint })
	return rv.checkpoint, out, nil
}

func (r *MemoryRepository) LastUpdateBy(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, author apitypes.UserID) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last time.Time
	var found bool
	for _, rec := range r.orgRead(org).vlobs {
		if rec.realmID != realmID {
			continue
		}
		for _, a := range rec.atoms {
			if a.Author.UserID() == author && a.Timestamp.After(last) {
				last, found = a.Timestamp, true
			}
		}
	}
	return last, found, nil
}

func (r *MemoryRepository) RealmStats(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count, size int64
	for _, rec := range r.orgRead(org).vlobs {
		if rec.realmID != realmID {
			continue
		}
		for _, a := range rec.atoms {
			count++
			for _, b := range a.Blobs {
				size += int64(len(b))
			}
		}
	}
	return count, size, nil
}

func (r *MemoryRepository) MetadataSize(_ context.Context, org apitypes.OrganizationID, at time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var size int64
	for _, rec := range r.orgRead(org).vlobs {
		for _, a := range rec.atoms {
			if a.Timestamp.After(at) {
				continue
			}
			for _, b := range a.Blobs {
				size += int64(len(b))
			}
		}
	}
	return size, nil
}

func (r *MemoryRepository) InitReencryption(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	var total int64
	for _, rec := range o.vlobs {
		if rec.realmID == realmID {
			total += int64(len(rec.atoms))
		}
	}
	rv := o.realm(realmID)
	rv.reencRevision = revision
	rv.reencTotal = total
	return total, nil
}

func (r *MemoryRepository) GetReencryptionBatch(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64, size int) ([]domain.BatchEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.BatchEntry
	for _, rec := range r.orgRead(org).vlobs {
		if rec.realmID != realmID {
			continue
		}
		for _, a := range rec.atoms {
			if len(out) >= size {
				return out, nil
			}
			if _, done := a.Blobs[revision]; done {
				continue
			}
			out = append(out, domain.BatchEntry{VlobID: a.VlobID, Version: a.Version, Blob: a.Blobs[revision-1]})
		}
	}
	return out, nil
}

func (r *MemoryRepository) SaveReencryptionBatch(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64, entries []domain.BatchEntry) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	for _, e := range entries {
		rec, ok := o.vlobs[e.VlobID]
		if !ok || rec.realmID != realmID {
			continue
		}
		if e.Version < 1 || e.Version > int64(len(rec.atoms)) {
			continue
		}
		rec.atoms[e.Version-1].Blobs[revision] = e.Blob
	}
	var done int64
	for _, rec := range o.vlobs {
		if rec.realmID != realmID {
			continue
		}
		for _, a := range rec.atoms {
			if _, ok := a.Blobs[revision]; ok {
				done++
			}
		}
	}
	return o.realm(realmID).reencTotal, done, nil
}
