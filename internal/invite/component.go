// Package invite implements the invitation lifecycle and the conduit
// the enrollment peers exchange through.
package invite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	"parsec/backend/internal/invite/domain"
	"parsec/backend/internal/invite/repository"
	orgdomain "parsec/backend/internal/organization/domain"
)

// DefaultPeerTimeout bounds a conduit exchange waiting for its peer.
const DefaultPeerTimeout = 5 * time.Minute

type connKey struct {
	org   apitypes.OrganizationID
	token uuid.UUID
}

// Component is the invitation registry and conduit broker.
type Component struct {
	repo        repository.Repository
	bus         *event.Bus
	nowF        func() time.Time
	peerTimeout time.Duration

	mu        sync.Mutex
	connected map[connKey]int
}

func NewComponent(repo repository.Repository, bus *event.Bus, peerTimeout time.Duration) *Component {
	if peerTimeout <= 0 {
		peerTimeout = DefaultPeerTimeout
	}
	return &Component{
		repo:        repo,
		bus:         bus,
		nowF:        time.Now,
		peerTimeout: peerTimeout,
		connected:   make(map[connKey]int),
	}
}

// NewForUser creates (or returns the existing) user invitation for a
// claimer email.
func (c *Component) NewForUser(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID, claimerEmail string) (*domain.Invitation, error) {
	return c.create(ctx, org, greeter, apitypes.InvitationUser, claimerEmail)
}

// NewForDevice creates (or returns the existing) device invitation of
// the greeter.
func (c *Component) NewForDevice(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID) (*domain.Invitation, error) {
	return c.create(ctx, org, greeter, apitypes.InvitationDevice, "")
}

func (c *Component) create(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID, typ apitypes.InvitationType, claimerEmail string) (*domain.Invitation, error) {
	existing, err := c.repo.FindActive(ctx, org, greeter, typ, claimerEmail)
	switch err {
	case nil:
		return existing, nil
	case domain.ErrNotFound:
	default:
		return nil, err
	}
	inv := &domain.Invitation{
		Token:        uuid.New(),
		Type:         typ,
		Greeter:      greeter,
		ClaimerEmail: claimerEmail,
		CreatedOn:    apitypes.TruncateTime(c.nowF()),
	}
	if err := c.repo.Insert(ctx, org, inv); err != nil {
		return nil, err
	}
	c.bus.Publish(event.InviteStatusChanged{
		Organization: org,
		Greeter:      greeter,
		Token:        inv.Token,
		Status:       apitypes.InvitationIdle,
	})
	return inv, nil
}

// Delete closes an invitation. A second delete is rejected with
// ErrAlreadyDeleted; the status event also wakes any suspended conduit
// exchange on the invitation.
func (c *Component) Delete(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID, token uuid.UUID, on time.Time, reason apitypes.InvitationDeletedReason) error {
	inv, err := c.repo.Get(ctx, org, token)
	if err != nil {
		return err
	}
	if inv.Greeter != greeter {
		return domain.ErrNotFound
	}
	if err := c.repo.MarkDeleted(ctx, org, token, on, reason); err != nil {
		return err
	}
	c.bus.Publish(event.InviteStatusChanged{
		Organization: org,
		Greeter:      greeter,
		Token:        token,
		Status:       apitypes.InvitationDeleted,
	})
	return nil
}

// InvitationInfo is one invite_list / invite_info entry.
type InvitationInfo struct {
	domain.Invitation
	Status apitypes.InvitationStatus
}

// List returns the greeter's open invitations, READY when the claimer
// is currently connected.
func (c *Component) List(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID) ([]InvitationInfo, error) {
	invs, err := c.repo.ListForGreeter(ctx, org, greeter)
	if err != nil {
		return nil, err
	}
	out := make([]InvitationInfo, 0, len(invs))
	for _, inv := range invs {
		out = append(out, InvitationInfo{Invitation: *inv, Status: c.status(org, inv)})
	}
	return out, nil
}

// Info resolves an invitation by token; used by the invited handshake
// and the invite_info command.
func (c *Component) Info(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID) (*InvitationInfo, error) {
	inv, err := c.repo.Get(ctx, org, token)
	if err != nil {
		return nil, err
	}
	if inv.Deleted() {
		return nil, domain.ErrAlreadyDeleted
	}
	return &InvitationInfo{Invitation: *inv, Status: c.status(org, inv)}, nil
}

func (c *Component) status(org apitypes.OrganizationID, inv *domain.Invitation) apitypes.InvitationStatus {
	if inv.Deleted() {
		return apitypes.InvitationDeleted
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected[connKey{org, inv.Token}] > 0 {
		return apitypes.InvitationReady
	}
	return apitypes.InvitationIdle
}

// ClaimerJoined records a claimer connection on the invitation.
func (c *Component) ClaimerJoined(org apitypes.OrganizationID, greeter apitypes.UserID, token uuid.UUID) {
	c.mu.Lock()
	c.connected[connKey{org, token}]++
	c.mu.Unlock()
	c.bus.Publish(event.InviteStatusChanged{
		Organization: org,
		Greeter:      greeter,
		Token:        token,
		Status:       apitypes.InvitationReady,
	})
}

// ClaimerLeft records a claimer disconnect.
func (c *Component) ClaimerLeft(org apitypes.OrganizationID, greeter apitypes.UserID, token uuid.UUID) {
	k := connKey{org, token}
	c.mu.Lock()
	if c.connected[k] > 0 {
		c.connected[k]--
	}
	idle := c.connected[k] == 0
	c.mu.Unlock()
	if idle {
		c.bus.Publish(event.InviteStatusChanged{
			Organization: org,
			Greeter:      greeter,
			Token:        token,
			Status:       apitypes.InvitationIdle,
		})
	}
}

// ConduitExchange runs one talk-then-listen round: deposit the payload
// at the given state and suspend until the peer's payload is obtained.
// Returns ErrTimeout when the peer never shows up, ErrAlreadyDeleted
// when the invitation is deleted meanwhile, and the organization
// expiry error when the organization expires.
func (c *Component) ConduitExchange(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, greeter bool, state domain.ConduitState, payload []byte) ([]byte, error) {
	var expired atomic.Bool
	waiter := event.NewWaiter(c.bus, func(e event.Event) bool {
		if e.OrganizationID() != org {
			return false
		}
		switch ev := e.(type) {
		case event.InviteConduitUpdated:
			return ev.Token == token
		case event.InviteStatusChanged:
			return ev.Token == token && ev.Status == apitypes.InvitationDeleted
		case event.OrganizationExpired:
			expired.Store(true)
			return true
		}
		return false
	})
	defer waiter.Close()

	talk, err := c.repo.ConduitTalk(ctx, org, token, greeter, state, payload)
	if err != nil {
		return nil, err
	}
	c.bus.Publish(event.InviteConduitUpdated{Organization: org, Token: token})

	ctx, cancel := context.WithTimeout(ctx, c.peerTimeout)
	defer cancel()
	for {
		if expired.Load() {
			return nil, orgdomain.ErrExpired
		}
		peer, done, err := c.repo.ConduitPoll(ctx, org, token, talk)
		if err != nil {
			return nil, err
		}
		if done {
			if talk.PeerAtTalk == nil {
				// we advanced the state on the peer's behalf
				c.bus.Publish(event.InviteConduitUpdated{Organization: org, Token: token})
			}
			return peer, nil
		}
		if err := waiter.Wait(ctx); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, domain.ErrTimeout
			}
			return nil, err
		}
	}
}
