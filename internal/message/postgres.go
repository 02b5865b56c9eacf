package message

import (
	"context"
	"database/sql"

	"parsec/backend/internal/apitypes"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, m *Message) (int64, error) {
	var index int64
	err := r.db.QueryRowContext(ctx, `
		insert into message (organization, recipient, idx, sender, timestamp_, body)
		select $1, $2, coalesce(max(idx), 0) + 1, $3, $4, $5
		from message where organization=$1 and recipient=$2
		returning idx
	`, string(org), string(recipient), string(m.Sender), m.Timestamp, m.Body).Scan(&index)
	return index, err
}

func (r *PostgresRepository) ListFrom(ctx context.Context, org apitypes.OrganizationID, recipient apitypes.UserID, offset int64) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		select idx, sender, timestamp_, body from message
		where organization=$1 and recipient=$2 and idx > $3
		order by idx
	`, string(org), string(recipient), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			sender string
		)
		if err := rows.Scan(&m.Index, &sender, &m.Timestamp, &m.Body); err != nil {
			return nil, err
		}
		m.Sender = apitypes.DeviceID(sender)
		out = append(out, m)
	}
	return out, rows.Err()
}
