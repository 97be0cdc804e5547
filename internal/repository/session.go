package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/romvault/netplay-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// FindByIDForUpdate locks the session row until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	Touch(ctx context.Context, id string, status model.SessionStatus, expiresAt time.Time, now time.Time) error
	MarkClosed(ctx context.Context, id string, now time.Time) (bool, error)
	// LockHost takes a transaction-scoped advisory lock for hostUserID.
	LockHost(ctx context.Context, hostUserID string) error
	CountLive(ctx context.Context, now time.Time) (int, error)
	CountLiveByHost(ctx context.Context, hostUserID string, now time.Time) (int, error)
	ListForUser(ctx context.Context, userID string) ([]model.Session, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	if tx == nil {
		return r
	}
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM netplay_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM netplay_sessions WHERE id = $1 FOR UPDATE
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO netplay_sessions (
			id, host_user_id, content_id, resume_ref, status,
			expires_at, last_activity_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, 'open', $5, $6, $6, $6)
		RETURNING *
	`, params.ID, params.HostUserID, params.ContentID, params.ResumeRef, params.ExpiresAt, params.Now)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Touch records activity on a live session. Closed sessions are never reopened.
func (r *sessionRepo) Touch(ctx context.Context, id string, status model.SessionStatus, expiresAt time.Time, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE netplay_sessions SET
			status = $2,
			expires_at = $3,
			last_activity_at = $4,
			updated_at = $4
		WHERE id = $1 AND status <> 'closed'
	`, id, status, expiresAt, now)
	return err
}

// MarkClosed closes the session and reports whether this call made the transition.
func (r *sessionRepo) MarkClosed(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE netplay_sessions SET
			status = 'closed',
			expires_at = $2,
			updated_at = $2
		WHERE id = $1 AND status <> 'closed'
	`, id, now)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sessionRepo) LockHost(ctx context.Context, hostUserID string) error {
	_, err := r.db.ExecContext(ctx, `
		SELECT pg_advisory_xact_lock(hashtext('netplay_sessions.host'), hashtext($1))
	`, hostUserID)
	return err
}

func (r *sessionRepo) CountLive(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM netplay_sessions
		WHERE status IN ('open', 'active') AND expires_at > $1
	`, now)
	return count, err
}

func (r *sessionRepo) CountLiveByHost(ctx context.Context, hostUserID string, now time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM netplay_sessions
		WHERE host_user_id = $1
		AND status IN ('open', 'active')
		AND expires_at > $2
	`, hostUserID, now)
	return count, err
}

func (r *sessionRepo) ListForUser(ctx context.Context, userID string) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT s.* FROM netplay_sessions s
		JOIN netplay_participants p ON p.session_id = s.id
		WHERE p.user_id = $1 AND s.status <> 'closed'
		ORDER BY s.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM netplay_sessions
		WHERE status = 'closed' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
