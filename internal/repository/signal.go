package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/romvault/netplay-server-go/internal/model"
)

// SignalRepository is append-only.
type SignalRepository interface {
	Create(ctx context.Context, params model.CreateSignalMessageParams) (*model.SignalMessage, error)
	WithTx(tx *sqlx.Tx) SignalRepository
}

type signalRepo struct {
	db sessionDB
}

func NewSignalRepository(db *sqlx.DB) SignalRepository {
	return &signalRepo{db: db}
}

func (r *signalRepo) WithTx(tx *sqlx.Tx) SignalRepository {
	if tx == nil {
		return r
	}
	return &signalRepo{db: tx}
}

func (r *signalRepo) Create(ctx context.Context, params model.CreateSignalMessageParams) (*model.SignalMessage, error) {
	var msg model.SignalMessage
	// pq sends []byte as bytea, so the payload goes over the wire as text.
	err := r.db.GetContext(ctx, &msg, `
		INSERT INTO netplay_signal_messages (
			id, session_id, sender_participant_id, sender_token_hash,
			recipient_participant_id, recipient_token_hash, message_type, payload, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING *
	`, params.ID, params.SessionID, params.SenderParticipantID, params.SenderTokenHash,
		params.RecipientParticipantID, params.RecipientTokenHash, params.MessageType,
		string(params.Payload), params.Now)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
