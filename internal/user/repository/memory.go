package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/user/domain"
)

type orgUsers struct {
	users       map[apitypes.UserID]*domain.User
	userOrder   []apitypes.UserID
	devices     map[apitypes.DeviceID]*domain.Device
	deviceOrder []apitypes.DeviceID
}

// MemoryRepository is the in-process store used by tests and the
// single-node development server.
type MemoryRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]*orgUsers
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]*orgUsers)}
}

var emptyOrg = &orgUsers{}

// orgRead returns the organization bucket without creating it; safe
// under the read lock.
func (r *MemoryRepository) orgRead(id apitypes.OrganizationID) *orgUsers {
	if o, ok := r.orgs[id]; ok {
		return o
	}
	return emptyOrg
}

func (r *MemoryRepository) org(id apitypes.OrganizationID) *orgUsers {
	o, ok := r.orgs[id]
	if !ok {
		o = &orgUsers{
			users:   make(map[apitypes.UserID]*domain.User),
			devices: make(map[apitypes.DeviceID]*domain.Device),
		}
		r.orgs[id] = o
	}
	return o
}

func (r *MemoryRepository) InsertUser(_ context.Context, org apitypes.OrganizationID, user *domain.User, firstDevice *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	if _, ok := o.users[user.UserID]; ok {
		return domain.ErrAlreadyExists
	}
	u := *user
	d := *firstDevice
	o.users[user.UserID] = &u
	o.userOrder = append(o.userOrder, user.UserID)
	o.devices[firstDevice.DeviceID] = &d
	o.deviceOrder = append(o.deviceOrder, firstDevice.DeviceID)
	return nil
}

func (r *MemoryRepository) InsertDevice(_ context.Context, org apitypes.OrganizationID, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	if _, ok := o.users[device.UserID()]; !ok {
		return domain.ErrNotFound
	}
	if _, ok := o.devices[device.DeviceID]; ok {
		return domain.ErrAlreadyExists
	}
	d := *device
	o.devices[device.DeviceID] = &d
	o.deviceOrder = append(o.deviceOrder, device.DeviceID)
	return nil
}

func (r *MemoryRepository) GetUser(_ context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.orgRead(org).users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetUserDevices(_ context.Context, org apitypes.OrganizationID, id apitypes.UserID) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o := r.orgRead(org)
	if _, ok := o.users[id]; !ok {
		return nil, domain.ErrNotFound
	}
	var out []*domain.Device
	for _, devID := range o.deviceOrder {
		if devID.UserID() != id {
			continue
		}
		cp := *o.devices[devID]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) GetDevice(_ context.Context, org apitypes.OrganizationID, id apitypes.DeviceID) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.orgRead(org).devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) SetRevoked(_ context.Context, org apitypes.OrganizationID, id apitypes.UserID, revokedOn time.Time, certificate []byte, revoker apitypes.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.org(org).users[id]
	if !ok {
		return domain.ErrNotFound
	}
	if u.IsRevoked() {
		return domain.ErrAlreadyRevoked
	}
	u.RevokedOn = &revokedOn
	u.RevokedUserCertificate = certificate
	u.Revoker = &revoker
	return nil
}

func (r *MemoryRepository) CountActiveUsers(_ context.Context, org apitypes.OrganizationID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, u := range r.orgRead(org).users {
		if !u.IsRevoked() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) GetUserByEmail(_ context.Context, org apitypes.OrganizationID, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.orgRead(org).users {
		if u.HumanHandle != nil && u.HumanHandle.Email == email && !u.IsRevoked() {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryRepository) FindHumans(_ context.Context, org apitypes.OrganizationID, q HumanFindQuery) ([]domain.HumanFindResult, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o := r.orgRead(org)

	needle := strings.ToLower(q.Query)
	var matches []domain.HumanFindResult
	for _, id := range o.userOrder {
		u := o.users[id]
		if q.OmitRevoked && u.IsRevoked() {
			continue
		}
		if q.OmitNonHuman && u.HumanHandle == nil {
			continue
		}
		if needle != "" && !userMatches(u, needle) {
			continue
		}
		matches = append(matches, domain.HumanFindResult{
			UserID:      u.UserID,
			HumanHandle: u.HumanHandle,
			Revoked:     u.IsRevoked(),
		})
	}
	// human-handle holders first, then label/user id order
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if (a.HumanHandle != nil) != (b.HumanHandle != nil) {
			return a.HumanHandle != nil
		}
		return sortKey(a) < sortKey(b)
	})

	total := int64(len(matches))
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= total {
		return nil, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func userMatches(u *domain.User, needle string) bool {
	if strings.Contains(strings.ToLower(string(u.UserID)), needle) {
		return true
	}
	if u.HumanHandle == nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.HumanHandle.Email), needle) ||
		strings.Contains(strings.ToLower(u.HumanHandle.Label), needle)
}

func sortKey(r domain.HumanFindResult) string {
	if r.HumanHandle != nil {
		return strings.ToLower(r.HumanHandle.Label)
	}
	return strings.ToLower(string(r.UserID))
}

func (r *MemoryRepository) UserStats(_ context.Context, org apitypes.OrganizationID, at time.Time) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var users, active int64
	for _, u := range r.orgRead(org).users {
		if u.CreatedOn.After(at) {
			continue
		}
		users++
		if !u.IsRevoked() || u.RevokedOn.After(at) {
			active++
		}
	}
	return users, active, nil
}
