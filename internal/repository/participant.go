package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/romvault/netplay-server-go/internal/model"
)

type ParticipantRepository interface {
	FindBySessionAndUser(ctx context.Context, sessionID, userID string) (*model.Participant, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.Participant, error)
	Create(ctx context.Context, params model.CreateParticipantParams) (*model.Participant, error)
	// UpsertInvited inserts an invited player, or resets an existing row for the
	// same (session, user) back to invited with its token hash cleared.
	UpsertInvited(ctx context.Context, params model.CreateParticipantParams) (*model.Participant, error)
	MarkConnected(ctx context.Context, id string, tokenHash string, now time.Time) error
	MarkDisconnected(ctx context.Context, id string, now time.Time) error
	TouchHeartbeat(ctx context.Context, id string, now time.Time) error
	DisconnectAll(ctx context.Context, sessionID string, now time.Time) error
	CountConnectedPlayers(ctx context.Context, sessionID string) (int, error)
	WithTx(tx *sqlx.Tx) ParticipantRepository
}

type participantRepo struct {
	db sessionDB
}

func NewParticipantRepository(db *sqlx.DB) ParticipantRepository {
	return &participantRepo{db: db}
}

func (r *participantRepo) WithTx(tx *sqlx.Tx) ParticipantRepository {
	if tx == nil {
		return r
	}
	return &participantRepo{db: tx}
}

func (r *participantRepo) FindBySessionAndUser(ctx context.Context, sessionID, userID string) (*model.Participant, error) {
	var p model.Participant
	err := r.db.GetContext(ctx, &p, `
		SELECT * FROM netplay_participants
		WHERE session_id = $1 AND user_id = $2
	`, sessionID, userID)
	return HandleNotFound(&p, err)
}

func (r *participantRepo) ListBySession(ctx context.Context, sessionID string) ([]model.Participant, error) {
	participants := []model.Participant{}
	err := r.db.SelectContext(ctx, &participants, `
		SELECT * FROM netplay_participants
		WHERE session_id = $1
		ORDER BY (role = 'host') DESC, created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepo) Create(ctx context.Context, params model.CreateParticipantParams) (*model.Participant, error) {
	var p model.Participant
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO netplay_participants (
			id, session_id, user_id, role, status, peer_token_hash,
			connected_at, last_heartbeat_at, created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			CASE WHEN $5 = 'connected' THEN $7::timestamptz END,
			CASE WHEN $5 = 'connected' THEN $7::timestamptz END,
			$7, $7
		)
		RETURNING *
	`, params.ID, params.SessionID, params.UserID, params.Role, params.Status, params.PeerTokenHash, params.Now)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *participantRepo) UpsertInvited(ctx context.Context, params model.CreateParticipantParams) (*model.Participant, error) {
	var p model.Participant
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO netplay_participants (
			id, session_id, user_id, role, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, 'player', 'invited', $4, $4)
		ON CONFLICT ON CONSTRAINT uq_netplay_participants_session_user DO UPDATE SET
			status = 'invited',
			peer_token_hash = NULL,
			disconnected_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING *
	`, params.ID, params.SessionID, params.UserID, params.Now)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *participantRepo) MarkConnected(ctx context.Context, id string, tokenHash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE netplay_participants SET
			status = 'connected',
			peer_token_hash = $2,
			connected_at = COALESCE(connected_at, $3),
			disconnected_at = NULL,
			last_heartbeat_at = $3,
			updated_at = $3
		WHERE id = $1
	`, id, tokenHash, now)
	return err
}

func (r *participantRepo) MarkDisconnected(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE netplay_participants SET
			status = 'disconnected',
			disconnected_at = $2,
			last_heartbeat_at = $2,
			updated_at = $2
		WHERE id = $1
	`, id, now)
	return err
}

func (r *participantRepo) TouchHeartbeat(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE netplay_participants SET last_heartbeat_at = $2, updated_at = $2
		WHERE id = $1
	`, id, now)
	return err
}

func (r *participantRepo) DisconnectAll(ctx context.Context, sessionID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE netplay_participants SET
			status = 'disconnected',
			disconnected_at = $2,
			updated_at = $2
		WHERE session_id = $1
	`, sessionID, now)
	return err
}

func (r *participantRepo) CountConnectedPlayers(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM netplay_participants
		WHERE session_id = $1 AND role <> 'host' AND status = 'connected'
	`, sessionID)
	return count, err
}
