// Package repository persists invitations and their conduits. The
// conduit transitions are repository operations so each observation is
// atomic.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/invite/domain"
)

// Repository stores invitations.
type Repository interface {
	// Insert stores a new invitation with a fresh conduit.
	Insert(ctx context.Context, org apitypes.OrganizationID, inv *domain.Invitation) error
	// Get returns the invitation, deleted or not.
	Get(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID) (*domain.Invitation, error)
	// FindActive returns the non-deleted invitation matching the
	// dedupe key, or domain.ErrNotFound.
	FindActive(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID, typ apitypes.InvitationType, claimerEmail string) (*domain.Invitation, error)
	// ListForGreeter returns the greeter's non-deleted invitations in
	// creation order.
	ListForGreeter(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID) ([]*domain.Invitation, error)
	// MarkDeleted closes the invitation.
	MarkDeleted(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, on time.Time, reason apitypes.InvitationDeletedReason) error

	// ConduitTalk deposits a payload at the given state and returns
	// the listen context. Passing StateWaitPeers resets a diverged
	// conduit; any other mismatch is domain.ErrInvalidState.
	ConduitTalk(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, greeter bool, state domain.ConduitState, payload []byte) (*domain.TalkCtx, error)
	// ConduitPoll applies one listen observation. done reports whether
	// the exchange completed, peer carries the peer payload then.
	ConduitPoll(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, talk *domain.TalkCtx) (peer []byte, done bool, err error)
}
