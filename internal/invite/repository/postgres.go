package repository

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/invite/domain"
)

// PostgresRepository is the production store. Conduit transitions run
// inside a transaction holding the invitation row lock, so concurrent
// talks and polls observe the same total order as the in-memory store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, org apitypes.OrganizationID, inv *domain.Invitation) error {
	var reason *string
	if inv.DeletedReason != nil {
		s := string(*inv.DeletedReason)
		reason = &s
	}
	_, err := r.db.ExecContext(ctx, `
		insert into invitation (organization, token, type, greeter,
			claimer_email, created_on, deleted_on, deleted_reason,
			conduit_state, claimer_payload, greeter_payload)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,null,null)
	`, string(org), inv.Token, string(inv.Type), string(inv.Greeter),
		inv.ClaimerEmail, inv.CreatedOn, inv.DeletedOn, reason,
		string(domain.StateWaitPeers))
	return err
}

const invitationColumns = `token, type, greeter, claimer_email, created_on,
	deleted_on, deleted_reason`

func scanInvitation(row interface{ Scan(...any) error }) (*domain.Invitation, error) {
	var (
		inv     domain.Invitation
		typ     string
		greeter string
		reason  sql.NullString
	)
	err := row.Scan(&inv.Token, &typ, &greeter, &inv.ClaimerEmail,
		&inv.CreatedOn, &inv.DeletedOn, &reason)
	if err != nil {
		return nil, err
	}
	inv.Type = apitypes.InvitationType(typ)
	inv.Greeter = apitypes.UserID(greeter)
	if reason.Valid {
		dr := apitypes.InvitationDeletedReason(reason.String)
		inv.DeletedReason = &dr
	}
	return &inv, nil
}

func (r *PostgresRepository) Get(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID) (*domain.Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRowContext(ctx,
		`select `+invitationColumns+` from invitation where organization=$1 and token=$2`,
		string(org), token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return inv, err
}

func (r *PostgresRepository) FindActive(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID, typ apitypes.InvitationType, claimerEmail string) (*domain.Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRowContext(ctx, `
		select `+invitationColumns+` from invitation
		where organization=$1 and greeter=$2 and type=$3 and deleted_on is null
		  and ($3 <> 'USER' or claimer_email=$4)
		order by _id limit 1
	`, string(org), string(greeter), string(typ), claimerEmail))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return inv, err
}

func (r *PostgresRepository) ListForGreeter(ctx context.Context, org apitypes.OrganizationID, greeter apitypes.UserID) ([]*domain.Invitation, error) {
	rows, err := r.db.QueryContext(ctx, `
		select `+invitationColumns+` from invitation
		where organization=$1 and greeter=$2 and deleted_on is null
		order by created_on
	`, string(org), string(greeter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, on time.Time, reason apitypes.InvitationDeletedReason) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var deletedOn *time.Time
	err = tx.QueryRowContext(ctx,
		`select deleted_on from invitation where organization=$1 and token=$2 for update`,
		string(org), token).Scan(&deletedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if deletedOn != nil {
		return domain.ErrAlreadyDeleted
	}
	_, err = tx.ExecContext(ctx, `
		update invitation set deleted_on=$3, deleted_reason=$4
		where organization=$1 and token=$2
	`, string(org), token, on, string(reason))
	if err != nil {
		return err
	}
	return tx.Commit()
}

type conduitRow struct {
	deleted bool
	conduit domain.Conduit
}

func lockConduit(ctx context.Context, tx *sql.Tx, org apitypes.OrganizationID, token uuid.UUID) (*conduitRow, error) {
	var (
		row       conduitRow
		deletedOn *time.Time
		state     string
	)
	err := tx.QueryRowContext(ctx, `
		select deleted_on, conduit_state, claimer_payload, greeter_payload
		from invitation where organization=$1 and token=$2 for update
	`, string(org), token).Scan(&deletedOn, &state,
		&row.conduit.ClaimerPayload, &row.conduit.GreeterPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.deleted = deletedOn != nil
	row.conduit.State = domain.ConduitState(state)
	return &row, nil
}

func storeConduit(ctx context.Context, tx *sql.Tx, org apitypes.OrganizationID, token uuid.UUID, c *domain.Conduit) error {
	_, err := tx.ExecContext(ctx, `
		update invitation set conduit_state=$3, claimer_payload=$4, greeter_payload=$5
		where organization=$1 and token=$2
	`, string(org), token, string(c.State), c.ClaimerPayload, c.GreeterPayload)
	return err
}

func (r *PostgresRepository) ConduitTalk(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, greeter bool, state domain.ConduitState, payload []byte) (*domain.TalkCtx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row, err := lockConduit(ctx, tx, org, token)
	if err != nil {
		return nil, err
	}
	if row.deleted {
		return nil, domain.ErrAlreadyDeleted
	}
	c := &row.conduit
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
	// occupied, so an absent payload is stored as an empty bytea
	deposit := payload
	if deposit == nil {
		deposit = []byte{}
	}
	*own = clone(deposit)
	talk := &domain.TalkCtx{
		Greeter:    greeter,
		State:      state,
		Payload:    clone(deposit),
		PeerAtTalk: clone(*peer),
	}
	if err := storeConduit(ctx, tx, org, token, c); err != nil {
		return nil, err
	}
	return talk, tx.Commit()
}

func (r *PostgresRepository) ConduitPoll(ctx context.Context, org apitypes.OrganizationID, token uuid.UUID, talk *domain.TalkCtx) ([]byte, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row, err := lockConduit(ctx, tx, org, token)
	if err != nil {
		return nil, false, err
	}
	if row.deleted {
		return nil, false, domain.ErrAlreadyDeleted
	}
	c := &row.conduit
	own, peer := slots(c, talk.Greeter)

	if talk.PeerAtTalk == nil {
		// we moved first: wait for the peer to fill its slot, then
		// advance on its behalf
		if c.State == talk.State && bytes.Equal(*own, talk.Payload) && *own != nil {
			if *peer == nil {
				return nil, false, tx.Commit()
			}
			got := clone(*peer)
			c.State = domain.NextState[talk.State]
			c.ClaimerPayload = nil
			c.GreeterPayload = nil
			if err := storeConduit(ctx, tx, org, token, c); err != nil {
				return nil, false, err
			}
			return got, true, tx.Commit()
		}
		return nil, false, domain.ErrInvalidState
	}

	// the peer moved first: its own listen advances the state once it
	// sees our payload
	if c.State == domain.NextState[talk.State] && *own == nil {
		return clone(talk.PeerAtTalk), true, tx.Commit()
	}
	if c.State == talk.State && bytes.Equal(*own, talk.Payload) && *own != nil {
		return nil, false, tx.Commit()
	}
	return nil, false, domain.ErrInvalidState
}
