package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/romvault/netplay-server-go/internal/audit"
	"github.com/romvault/netplay-server-go/internal/config"
	"github.com/romvault/netplay-server-go/internal/database"
	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/metrics"
	"github.com/romvault/netplay-server-go/internal/model"
	"github.com/romvault/netplay-server-go/internal/repository"
	"github.com/romvault/netplay-server-go/internal/util"
)

// Transactor runs fn in one atomic unit of work.
type Transactor interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// RoomPublisher fans session events out to every gateway holding members of
// the room. Publishing happens after the triggering transaction commits.
type RoomPublisher interface {
	PublishSessionUpdate(ctx context.Context, snapshot *model.SessionSnapshot) error
	PublishSessionClosed(ctx context.Context, sessionID string, reason model.CloseReason) error
}

type SessionServiceConfig struct {
	IdleTimeout           time.Duration
	MaxSignalPayloadBytes int
}

// SessionWithToken is a snapshot plus the caller's freshly issued peer token.
type SessionWithToken struct {
	model.SessionSnapshot
	PeerToken string `json:"peerToken"`
}

// ConnectResult is the outcome of a signaling handshake.
type ConnectResult struct {
	Participant   model.Participant
	PeerToken     string
	PeerTokenHash string
	Refreshed     bool
	Snapshot      *model.SessionSnapshot
}

// SignalSender identifies the connection a signal came from.
type SignalSender struct {
	SessionID     string
	UserID        string
	ParticipantID string
	PeerTokenHash string
}

type SignalInput struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	TargetUserID string          `json:"targetUserId,omitempty"`
}

// RelayedSignal is what recipients receive.
type RelayedSignal struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"sessionId"`
	FromUserID        string          `json:"fromUserId"`
	FromParticipantID string          `json:"fromParticipantId"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	TargetUserID      string          `json:"targetUserId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

const (
	DeclaredConnected    = "connected"
	DeclaredDisconnected = "disconnected"
)

type SessionService struct {
	tx           Transactor
	sessions     repository.SessionRepository
	participants repository.ParticipantRepository
	signals      repository.SignalRepository
	content      repository.ContentRepository
	gate         *CapacityGate
	publisher    RoomPublisher
	cfg          SessionServiceConfig
	now          func() time.Time
}

func NewSessionService(
	tx Transactor,
	sessions repository.SessionRepository,
	participants repository.ParticipantRepository,
	signals repository.SignalRepository,
	content repository.ContentRepository,
	gate *CapacityGate,
	publisher RoomPublisher,
	cfg SessionServiceConfig,
) *SessionService {
	return &SessionService{
		tx:           tx,
		sessions:     sessions,
		participants: participants,
		signals:      signals,
		content:      content,
		gate:         gate,
		publisher:    publisher,
		cfg:          cfg,
		now:          time.Now,
	}
}

// SetClock replaces the time source.
func (s *SessionService) SetClock(now func() time.Time) {
	s.now = now
}

// txRepos are the repositories bound to one transaction.
type txRepos struct {
	sessions     repository.SessionRepository
	participants repository.ParticipantRepository
	signals      repository.SignalRepository
}

func (s *SessionService) bind(tx *sqlx.Tx) txRepos {
	return txRepos{
		sessions:     s.sessions.WithTx(tx),
		participants: s.participants.WithTx(tx),
		signals:      s.signals.WithTx(tx),
	}
}

type lockedFunc func(r txRepos, session *model.Session) error

// withLiveSession locks the session row and runs fn if the session is live.
// An expired session that is not yet closed is closed in the same
// transaction, which commits, and SESSION_EXPIRED is returned.
func (s *SessionService) withLiveSession(ctx context.Context, sessionID string, now time.Time, fn lockedFunc) error {
	return s.withLockedSession(ctx, sessionID, now, nil, fn)
}

// withLockedSession is withLiveSession with a guard that runs under the lock
// before the expiry check. A guard error rolls back and leaves the session as is.
func (s *SessionService) withLockedSession(
	ctx context.Context,
	sessionID string,
	now time.Time,
	guard lockedFunc,
	fn lockedFunc,
) error {
	if !util.IsValidUUID(sessionID) {
		return apperrors.NotFound("Session")
	}

	var expired, closedNow bool

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		r := s.bind(tx)

		session, err := r.sessions.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session == nil {
			return apperrors.NotFound("Session")
		}
		if guard != nil {
			if err := guard(r, session); err != nil {
				return err
			}
		}

		if session.IsExpired(now) {
			expired = true
			if session.Status == model.SessionStatusClosed {
				return nil
			}
			closedNow, err = closeLocked(ctx, r, session.ID, now)
			return err
		}

		return fn(r, session)
	})
	if err != nil {
		return err
	}

	if expired {
		if closedNow {
			s.afterClose(ctx, sessionID, "", model.CloseReasonExpired)
		}
		return apperrors.SessionExpired()
	}
	return nil
}

func closeLocked(ctx context.Context, r txRepos, sessionID string, now time.Time) (bool, error) {
	if err := r.participants.DisconnectAll(ctx, sessionID, now); err != nil {
		return false, fmt.Errorf("disconnect participants: %w", err)
	}
	closed, err := r.sessions.MarkClosed(ctx, sessionID, now)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	return closed, nil
}

// refreshStatus derives open/active from the connected non-host count and
// pushes the idle deadline forward.
func (s *SessionService) refreshStatus(ctx context.Context, r txRepos, session *model.Session, now time.Time) error {
	connected, err := r.participants.CountConnectedPlayers(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("count connected players: %w", err)
	}

	status := model.SessionStatusOpen
	if connected > 0 {
		status = model.SessionStatusActive
	}

	if err := r.sessions.Touch(ctx, session.ID, status, now.Add(s.cfg.IdleTimeout), now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SessionService) afterClose(ctx context.Context, sessionID, userID string, reason model.CloseReason) {
	metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()

	eventType := audit.EventSessionClose
	if reason == model.CloseReasonExpired {
		eventType = audit.EventSessionExpire
	}
	audit.Log(ctx, audit.Event{Type: eventType, UserID: userID, SessionID: sessionID})

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSessionClosed(ctx, sessionID, reason); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("publish session closed")
	}
}

func (s *SessionService) publishUpdate(ctx context.Context, snapshot *model.SessionSnapshot) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSessionUpdate(ctx, snapshot); err != nil {
		log.Error().Err(err).Str("sessionId", snapshot.Session.ID).Msg("publish session update")
	}
}

// loadSnapshot reads the committed state of a session.
func (s *SessionService) loadSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}

	participants, err := s.participants.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	return &model.SessionSnapshot{Session: *session, Participants: participants}, nil
}

func (s *SessionService) Create(ctx context.Context, hostUserID, contentID string, resumeRef *string) (*SessionWithToken, error) {
	if contentID == "" {
		return nil, apperrors.MissingRequired("contentId")
	}

	exists, err := s.content.ContentExists(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("lookup content: %w", err)
	}
	if !exists {
		return nil, apperrors.ContentNotFound(contentID)
	}
	if resumeRef != nil {
		exists, err := s.content.ResumePointExists(ctx, *resumeRef, hostUserID)
		if err != nil {
			return nil, fmt.Errorf("lookup resume point: %w", err)
		}
		if !exists {
			return nil, apperrors.ContentNotFound(*resumeRef)
		}
	}

	token, tokenHash, err := util.IssueToken()
	if err != nil {
		return nil, fmt.Errorf("issue peer token: %w", err)
	}

	now := s.now()
	var snapshot model.SessionSnapshot

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		r := s.bind(tx)

		if err := s.gate.Check(ctx, r.sessions, hostUserID, now); err != nil {
			return err
		}

		session, err := r.sessions.Create(ctx, model.CreateSessionParams{
			ID:         uuid.NewString(),
			HostUserID: hostUserID,
			ContentID:  contentID,
			ResumeRef:  resumeRef,
			ExpiresAt:  now.Add(s.cfg.IdleTimeout),
			Now:        now,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := s.gate.Recheck(ctx, r.sessions, now); err != nil {
			return err
		}

		host, err := r.participants.Create(ctx, model.CreateParticipantParams{
			ID:            uuid.NewString(),
			SessionID:     session.ID,
			UserID:        hostUserID,
			Role:          model.ParticipantRoleHost,
			Status:        model.ParticipantStatusConnected,
			PeerTokenHash: &tokenHash,
			Now:           now,
		})
		if err != nil {
			return fmt.Errorf("create host participant: %w", err)
		}

		snapshot = model.SessionSnapshot{Session: *session, Participants: []model.Participant{*host}}
		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeHostLimitExceeded) || apperrors.HasCode(err, apperrors.ErrCodeCapacityExceeded) {
			audit.Log(ctx, audit.Event{
				Type:    audit.EventCapacityReject,
				UserID:  hostUserID,
				Details: map[string]interface{}{"code": string(apperrors.GetCode(err))},
			})
		}
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		UserID:    hostUserID,
		SessionID: snapshot.Session.ID,
		Details:   map[string]interface{}{"contentId": contentID},
	})

	return &SessionWithToken{SessionSnapshot: snapshot, PeerToken: token}, nil
}

// List returns the sessions the user participates in that are not closed.
func (s *SessionService) List(ctx context.Context, userID string) ([]model.Session, error) {
	sessions, err := s.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return sessions, nil
}

// Snapshot returns the session and its participants to one of its participants.
func (s *SessionService) Snapshot(ctx context.Context, sessionID, userID string) (*model.SessionSnapshot, error) {
	id, ok := util.NormalizeUUID(sessionID)
	if !ok {
		return nil, apperrors.NotFound("Session")
	}
	sessionID = id

	err := s.withLiveSession(ctx, sessionID, s.now(), func(r txRepos, session *model.Session) error {
		p, err := r.participants.FindBySessionAndUser(ctx, sessionID, userID)
		if err != nil {
			return fmt.Errorf("find participant: %w", err)
		}
		if p == nil {
			return apperrors.Forbidden("Not a participant of this session")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.loadSnapshot(ctx, sessionID)
}

func (s *SessionService) Invite(ctx context.Context, sessionID, byUserID, targetUserID string) (*model.SessionSnapshot, error) {
	id, ok := util.NormalizeUUID(sessionID)
	if !ok {
		return nil, apperrors.NotFound("Session")
	}
	sessionID = id

	if targetUserID == "" {
		return nil, apperrors.MissingRequired("userId")
	}

	now := s.now()
	err := s.withLiveSession(ctx, sessionID, now, func(r txRepos, session *model.Session) error {
		if session.HostUserID != byUserID {
			return apperrors.Forbidden("Only the host can invite participants")
		}
		if targetUserID == session.HostUserID {
			return apperrors.ValidationError("The host cannot invite themselves")
		}

		if _, err := r.participants.UpsertInvited(ctx, model.CreateParticipantParams{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			UserID:    targetUserID,
			Now:       now,
		}); err != nil {
			return fmt.Errorf("invite participant: %w", err)
		}

		// A re-invite can demote a connected player.
		connected, err := r.participants.CountConnectedPlayers(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("count connected players: %w", err)
		}
		status := model.SessionStatusOpen
		if connected > 0 {
			status = model.SessionStatusActive
		}
		if err := r.sessions.Touch(ctx, session.ID, status, session.ExpiresAt, now); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventParticipantInvite,
		UserID:    byUserID,
		SessionID: sessionID,
		Details:   map[string]interface{}{"targetUserId": targetUserID},
	})

	snapshot, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, snapshot)
	return snapshot, nil
}

func (s *SessionService) Join(ctx context.Context, sessionID, userID string) (*SessionWithToken, error) {
	id, ok := util.NormalizeUUID(sessionID)
	if !ok {
		return nil, apperrors.NotFound("Session")
	}
	sessionID = id

	token, tokenHash, err := util.IssueToken()
	if err != nil {
		return nil, fmt.Errorf("issue peer token: %w", err)
	}

	now := s.now()
	err = s.withLiveSession(ctx, sessionID, now, func(r txRepos, session *model.Session) error {
		p, err := r.participants.FindBySessionAndUser(ctx, sessionID, userID)
		if err != nil {
			return fmt.Errorf("find participant: %w", err)
		}
		if p == nil || (p.Status != model.ParticipantStatusInvited && p.Status != model.ParticipantStatusDisconnected) {
			return apperrors.Forbidden("Not invited to this session")
		}

		if err := r.participants.MarkConnected(ctx, p.ID, tokenHash, now); err != nil {
			return fmt.Errorf("connect participant: %w", err)
		}
		return s.refreshStatus(ctx, r, session, now)
	})
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{Type: audit.EventParticipantJoin, UserID: userID, SessionID: sessionID})

	snapshot, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, snapshot)
	return &SessionWithToken{SessionSnapshot: *snapshot, PeerToken: token}, nil
}

// Heartbeat proves liveness with the participant's current peer token.
// declared is "", "connected" or "disconnected".
func (s *SessionService) Heartbeat(ctx context.Context, sessionID, userID, peerToken, declared string) error {
	id, ok := util.NormalizeUUID(sessionID)
	if !ok {
		return apperrors.NotFound("Session")
	}
	sessionID = id

	if !util.IsValidEnum(declared, []string{DeclaredConnected, DeclaredDisconnected}) {
		return apperrors.InvalidInput("status", "must be connected or disconnected")
	}

	now := s.now()
	err := s.withLiveSession(ctx, sessionID, now, func(r txRepos, session *model.Session) error {
		p, err := r.participants.FindBySessionAndUser(ctx, sessionID, userID)
		if err != nil {
			return fmt.Errorf("find participant: %w", err)
		}
		if p == nil {
			return apperrors.ParticipantNotFound()
		}
		if p.PeerTokenHash == nil {
			return apperrors.JoinTokenMissing()
		}
		if !util.TokenMatchesHash(peerToken, p.PeerTokenHash) {
			return apperrors.InvalidToken("Peer token does not match")
		}

		switch {
		case declared == DeclaredDisconnected:
			err = r.participants.MarkDisconnected(ctx, p.ID, now)
		case declared == DeclaredConnected && p.Status != model.ParticipantStatusConnected:
			err = r.participants.MarkConnected(ctx, p.ID, *p.PeerTokenHash, now)
		default:
			err = r.participants.TouchHeartbeat(ctx, p.ID, now)
		}
		if err != nil {
			return fmt.Errorf("record heartbeat: %w", err)
		}
		return s.refreshStatus(ctx, r, session, now)
	})
	if err != nil {
		return err
	}

	snapshot, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	s.publishUpdate(ctx, snapshot)
	return nil
}

// Close ends the session. Only the host may close; closing an already
// closed session succeeds without side effects.
func (s *SessionService) Close(ctx context.Context, sessionID, byUserID string) error {
	id, ok := util.NormalizeUUID(sessionID)
	if !ok {
		return apperrors.NotFound("Session")
	}
	sessionID = id

	now := s.now()
	var closedNow bool
	reason := model.CloseReasonClosed

	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		r := s.bind(tx)

		session, err := r.sessions.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if session == nil {
			return apperrors.NotFound("Session")
		}
		if session.HostUserID != byUserID {
			return apperrors.Forbidden("Only the host can close the session")
		}
		if session.Status == model.SessionStatusClosed {
			return nil
		}
		if session.IsExpired(now) {
			reason = model.CloseReasonExpired
		}

		closedNow, err = closeLocked(ctx, r, session.ID, now)
		return err
	})
	if err != nil {
		return err
	}

	if closedNow {
		s.afterClose(ctx, sessionID, byUserID, reason)
	}
	return nil
}

// Connect performs the handshake bookkeeping for a signaling connection:
// lazy expiry, peer-token reconciliation and marking the participant connected.
func (s *SessionService) Connect(ctx context.Context, sessionID, userID, presentedToken string) (*ConnectResult, error) {
	id, ok := util.NormalizeUUID(sessionID)
	if !ok {
		return nil, apperrors.ParticipantNotFound()
	}
	sessionID = id

	result := &ConnectResult{}
	now := s.now()
	var p *model.Participant

	// Strangers are rejected before expiry is applied.
	findParticipant := func(r txRepos, session *model.Session) error {
		var err error
		p, err = r.participants.FindBySessionAndUser(ctx, session.ID, userID)
		if err != nil {
			return fmt.Errorf("find participant: %w", err)
		}
		if p == nil {
			return apperrors.ParticipantNotFound()
		}
		return nil
	}

	err := s.withLockedSession(ctx, sessionID, now, findParticipant, func(r txRepos, session *model.Session) error {
		var err error
		token, tokenHash := presentedToken, ""
		if p.PeerTokenHash == nil || presentedToken == "" || !util.TokenMatchesHash(presentedToken, p.PeerTokenHash) {
			token, tokenHash, err = util.IssueToken()
			if err != nil {
				return fmt.Errorf("issue peer token: %w", err)
			}
			result.Refreshed = true
		} else {
			tokenHash = *p.PeerTokenHash
		}

		if err := r.participants.MarkConnected(ctx, p.ID, tokenHash, now); err != nil {
			return fmt.Errorf("connect participant: %w", err)
		}
		result.PeerToken = token
		result.PeerTokenHash = tokenHash
		return s.refreshStatus(ctx, r, session, now)
	})
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		return nil, apperrors.ParticipantNotFound()
	}
	if err != nil {
		return nil, err
	}

	if result.Refreshed {
		audit.Log(ctx, audit.Event{Type: audit.EventPeerTokenRotate, UserID: userID, SessionID: sessionID})
	}

	snapshot, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result.Snapshot = snapshot
	for _, p := range snapshot.Participants {
		if p.UserID == userID {
			result.Participant = p
		}
	}
	return result, nil
}

// RelaySignal validates and records a signal. Delivery is left to the caller.
func (s *SessionService) RelaySignal(ctx context.Context, from SignalSender, in SignalInput) (*RelayedSignal, error) {
	if in.Type == "" {
		return nil, apperrors.MissingRequired("type")
	}
	if !utf8.ValidString(in.Type) {
		return nil, apperrors.InvalidInput("type", "must be valid UTF-8")
	}
	if utf8.RuneCountInString(in.Type) > config.MaxSignalTypeLength {
		return nil, apperrors.InvalidInput("type", fmt.Sprintf("must be at most %d characters", config.MaxSignalTypeLength))
	}
	if len(in.Payload) == 0 {
		return nil, apperrors.MissingRequired("payload")
	}
	if s.cfg.MaxSignalPayloadBytes > 0 && len(in.Payload) > s.cfg.MaxSignalPayloadBytes {
		return nil, apperrors.InvalidInput("payload", fmt.Sprintf("must be at most %d bytes", s.cfg.MaxSignalPayloadBytes))
	}

	now := s.now()
	var msg *model.SignalMessage

	err := s.withLiveSession(ctx, from.SessionID, now, func(r txRepos, session *model.Session) error {
		params := model.CreateSignalMessageParams{
			ID:                  uuid.NewString(),
			SessionID:           session.ID,
			SenderParticipantID: from.ParticipantID,
			SenderTokenHash:     from.PeerTokenHash,
			MessageType:         in.Type,
			Payload:             in.Payload,
			Now:                 now,
		}

		if in.TargetUserID != "" {
			recipient, err := r.participants.FindBySessionAndUser(ctx, session.ID, in.TargetUserID)
			if err != nil {
				return fmt.Errorf("find recipient: %w", err)
			}
			if recipient == nil {
				return apperrors.RecipientNotFound()
			}
			params.RecipientParticipantID = &recipient.ID
			params.RecipientTokenHash = recipient.PeerTokenHash
		}

		var err error
		msg, err = r.signals.Create(ctx, params)
		if err != nil {
			return fmt.Errorf("record signal: %w", err)
		}

		if err := r.participants.TouchHeartbeat(ctx, from.ParticipantID, now); err != nil {
			return fmt.Errorf("touch sender: %w", err)
		}
		if err := r.sessions.Touch(ctx, session.ID, session.Status, now.Add(s.cfg.IdleTimeout), now); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &RelayedSignal{
		ID:                msg.ID,
		SessionID:         msg.SessionID,
		FromUserID:        from.UserID,
		FromParticipantID: from.ParticipantID,
		Type:              msg.MessageType,
		Payload:           msg.Payload,
		TargetUserID:      in.TargetUserID,
		CreatedAt:         msg.CreatedAt,
	}, nil
}
