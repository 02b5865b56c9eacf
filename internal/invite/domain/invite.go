// Package domain holds the invitation entities, the conduit state
// machine and sentinel errors.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
)

var (
	ErrNotFound       = errors.New("invitation not found")
	ErrAlreadyDeleted = errors.New("invitation already deleted")
	ErrInvalidState   = errors.New("conduit is not in the expected state")
	ErrTimeout        = errors.New("timed out waiting for the peer")
)

// ConduitState names one step of the invitation exchange.
type ConduitState string

const (
	StateWaitPeers    ConduitState = "WAIT_PEERS"
	State1GetNonce    ConduitState = "1_GET_NONCE"
	State2aGetHashed  ConduitState = "2a_GET_HASHED"
	State2bGetNonce   ConduitState = "2b_GET_NONCE"
	State3aSignify    ConduitState = "3a_SIGNIFY"
	State3bWaitTrust  ConduitState = "3b_WAIT_TRUST"
	State4Communicate ConduitState = "4_COMMUNICATE"
)

// NextState is the linear transition table; step 4 wraps back so the
// peers can run another exchange on the same invitation.
var NextState = map[ConduitState]ConduitState{
	StateWaitPeers:    State1GetNonce,
	State1GetNonce:    State2aGetHashed,
	State2aGetHashed:  State2bGetNonce,
	State2bGetNonce:   State3aSignify,
	State3aSignify:    State3bWaitTrust,
	State3bWaitTrust:  State4Communicate,
	State4Communicate: StateWaitPeers,
}

// Invitation is one pending enrollment.
type Invitation struct {
	Token        uuid.UUID
	Type         apitypes.InvitationType
	Greeter      apitypes.UserID
	ClaimerEmail string // only for user invitations
	CreatedOn    time.Time

	DeletedOn     *time.Time
	DeletedReason *apitypes.InvitationDeletedReason
}

// Deleted reports whether the invitation was closed.
func (i *Invitation) Deleted() bool { return i.DeletedOn != nil }

// Conduit is the two-slot shared buffer the peers exchange through.
// A nil slot means "no payload deposited" (an empty payload is valid).
type Conduit struct {
	State          ConduitState
	ClaimerPayload []byte
	GreeterPayload []byte
}

// TalkCtx is the snapshot a talk leaves for the follow-up listen loop.
type TalkCtx struct {
	Greeter bool
	State   ConduitState
	Payload []byte
	// PeerAtTalk is the peer's payload as observed during the talk;
	// non-nil means the peer moved first and will advance the state.
	PeerAtTalk []byte
}
