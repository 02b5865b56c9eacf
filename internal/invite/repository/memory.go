package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/invite/domain"
)

type invitationRecord struct {
	inv     domain.Invitation
	conduit domain.Conduit
}

// MemoryRepository is the in-process store used by tests and the
// single-node development server.
type MemoryRepository struct {
	mu   sync.Mutex
	orgs map[apitypes.OrganizationID]map[uuid.UUID]*invitationRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]map[uuid.UUID]*invitationRecord)}
}

func (r *MemoryRepository) record(org apitypes.OrganizationID, token uuid.UUID) (*invitationRecord, error) {
	rec, ok := r.orgs[org][token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepository) Insert(_ context.Context, org apitypes.OrganizationID, inv *domain.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	invs, ok := r.orgs[org]
	if !ok {
		invs = make(map[uuid.UUID]*invitationRecord)
		r.orgs[org] = invs
	}
	invs[inv.Token] = &invitationRecord{
		inv:     *inv,
		conduit: domain.Conduit{State: domain.StateWaitPeers},
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org apitypes.OrganizationID, token uuid.UUID) (*domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.record(org, token)
	if err != nil {
		return nil, err
	}
	cp := rec.inv
	return &cp, nil
}

func (r *MemoryRepository) FindActive(_ context.Context, org apitypes.OrganizationID, greeter apitypes.UserID, typ apitypes.InvitationType, claimerEmail string) (*domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.orgs[org] {
		if rec.inv.Deleted() || rec.inv.Greeter != greeter || rec.inv.Type != typ {
			continue
		}
		if typ == apitypes.InvitationUser && rec.inv.ClaimerEmail != claimerEmail {
			continue
		}
		cp := rec.inv
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryRepository) ListForGreeter(_ context.Context, org apitypes.OrganizationID, greeter apitypes.UserID) ([]*domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Invitation
	for _, rec := range r.orgs[org] {
		if rec.inv.Deleted() || rec.inv.Greeter != greeter {
			continue
		}
		cp := rec.inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (r *MemoryRepository) MarkDeleted(_ context.Context, org apitypes.OrganizationID, token uuid.UUID, on time.Time, reason apitypes.InvitationDeletedReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.record(org, token)
	if err != nil {
		return err
	}
	if rec.inv.Deleted() {
		return domain.ErrAlreadyDeleted
	}
	rec.inv.DeletedOn = &on
	rec.inv.DeletedReason = &reason
	return nil
}

func (r *MemoryRepository) ConduitTalk(_ context.Context, org apitypes.OrganizationID, token uuid.UUID, greeter bool, state domain.ConduitState, payload []byte) (*domain.TalkCtx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.record(org, token)
	if err != nil {
		return nil, err
	}
	if rec.inv.Deleted() {
		return nil, domain.ErrAlreadyDeleted
	}
	c := &rec.conduit
	own, peer := slots(c, greeter)

	if c.State != state || *own != nil {
		// a diverged peer may force a restart from the beginning
		if state != domain.StateWaitPeers {
			return nil, domain.ErrInvalidState
		}
		c.State = domain.StateWaitPeers
		c.ClaimerPayload = nil
		c.GreeterPayload = nil
	}
	// several steps deposit no payload; the slot must still read as
	// occupied, so an absent payload is stored as an empty one
	deposit := payload
	if deposit == nil {
		deposit = []byte{}
	}
	*own = clone(deposit)
	return &domain.TalkCtx{
		Greeter:    greeter,
		State:      state,
		Payload:    clone(deposit),
		PeerAtTalk: clone(*peer),
	}, nil
}

func (r *MemoryRepository) ConduitPoll(_ context.Context, org apitypes.OrganizationID, token uuid.UUID, talk *domain.TalkCtx) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.record(org, token)
	if err != nil {
		return nil, false, err
	}
	if rec.inv.Deleted() {
		return nil, false, domain.ErrAlreadyDeleted
	}
	c := &rec.conduit
	own, peer := slots(c, talk.Greeter)

	if talk.PeerAtTalk == nil {
		// we moved first: wait for the peer to fill its slot, then
		// advance on its behalf
		if c.State == talk.State && bytes.Equal(*own, talk.Payload) && *own != nil {
			if *peer == nil {
				return nil, false, nil
			}
			got := clone(*peer)
			c.State = domain.NextState[talk.State]
			c.ClaimerPayload = nil
			c.GreeterPayload = nil
			return got, true, nil
		}
		return nil, false, domain.ErrInvalidState
	}

	// the peer moved first: its own listen advances the state once it
	// sees our payload
	if c.State == domain.NextState[talk.State] && *own == nil {
		return clone(talk.PeerAtTalk), true, nil
	}
	if c.State == talk.State && bytes.Equal(*own, talk.Payload) && *own != nil {
		return nil, false, nil
	}
	return nil, false, domain.ErrInvalidState
}

func slots(c *domain.Conduit, greeter bool) (own, peer *[]byte) {
	if greeter {
		return &c.GreeterPayload, &c.ClaimerPayload
	}
	return &c.ClaimerPayload, &c.GreeterPayload
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
