// Package testutil provides an in-memory store that satisfies the repository
// interfaces, for tests that exercise the session lifecycle without Postgres.
package testutil

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/romvault/netplay-server-go/internal/database"
	"github.com/romvault/netplay-server-go/internal/model"
	"github.com/romvault/netplay-server-go/internal/repository"
)

// MemStore serializes transactions with txMu and restores its previous
// contents when a transaction function returns an error.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	sessions      map[string]model.Session
	sessionOrder  []string
	participants  map[string]model.Participant
	participantOf []string
	signals       []model.SignalMessage
	content       map[string]bool
	resumePoints  map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions:     make(map[string]model.Session),
		participants: make(map[string]model.Participant),
		content:      make(map[string]bool),
		resumePoints: make(map[string]string),
	}
}

func (m *MemStore) WithTx(ctx context.Context, fn database.TxFunc) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	sessions := maps.Clone(m.sessions)
	sessionOrder := slices.Clone(m.sessionOrder)
	participants := maps.Clone(m.participants)
	participantOf := slices.Clone(m.participantOf)
	signals := slices.Clone(m.signals)
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.sessions = sessions
		m.sessionOrder = sessionOrder
		m.participants = participants
		m.participantOf = participantOf
		m.signals = signals
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemStore) Sessions() repository.SessionRepository {
	return memSessions{m}
}

func (m *MemStore) Participants() repository.ParticipantRepository {
	return memParticipants{m}
}

func (m *MemStore) Signals() repository.SignalRepository {
	return memSignals{m}
}

// AddContent registers a catalogue entry.
func (m *MemStore) AddContent(contentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[contentID] = true
}

// AddResumePoint registers a save state owned by userID.
func (m *MemStore) AddResumePoint(resumeRef, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumePoints[resumeRef] = userID
}

func (m *MemStore) ContentExists(ctx context.Context, contentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[contentID], nil
}

func (m *MemStore) ResumePointExists(ctx context.Context, resumeRef, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.resumePoints[resumeRef]
	return ok && owner == userID, nil
}

// SetExpiresAt rewrites a session's deadline, typically into the past.
func (m *MemStore) SetExpiresAt(sessionID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	s.ExpiresAt = expiresAt
	m.sessions[sessionID] = s
}

func (m *MemStore) Session(sessionID string) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *MemStore) Participant(sessionID, userID string) (model.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findParticipant(sessionID, userID)
	if p == nil {
		return model.Participant{}, false
	}
	return *p, true
}

// ParticipantRows counts every row stored for (sessionID, userID).
func (m *MemStore) ParticipantRows(sessionID, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.UserID == userID {
			n++
		}
	}
	return n
}

func (m *MemStore) SignalMessages() []model.SignalMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.signals)
}

// PeerTokenHashes returns every stored token hash.
func (m *MemStore) PeerTokenHashes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hashes []string
	for _, p := range m.participants {
		if p.PeerTokenHash != nil {
			hashes = append(hashes, *p.PeerTokenHash)
		}
	}
	return hashes
}

func (m *MemStore) findParticipant(sessionID, userID string) *model.Participant {
	for _, id := range m.participantOf {
		p := m.participants[id]
		if p.SessionID == sessionID && p.UserID == userID {
			return &p
		}
	}
	return nil
}

func isLive(s model.Session, now time.Time) bool {
	return s.Status != model.SessionStatusClosed && s.ExpiresAt.After(now)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

type memSessions struct{ m *MemStore }

func (r memSessions) WithTx(tx *sqlx.Tx) repository.SessionRepository { return r }

func (r memSessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r memSessions) FindByIDForUpdate(ctx context.Context, id string) (*model.Session, error) {
	return r.FindByID(ctx, id)
}

func (r memSessions) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s := model.Session{
		ID:             params.ID,
		HostUserID:     params.HostUserID,
		ContentID:      params.ContentID,
		ResumeRef:      params.ResumeRef,
		Status:         model.SessionStatusOpen,
		ExpiresAt:      params.ExpiresAt,
		LastActivityAt: params.Now,
		CreatedAt:      params.Now,
		UpdatedAt:      params.Now,
	}
	r.m.sessions[s.ID] = s
	r.m.sessionOrder = append(r.m.sessionOrder, s.ID)
	return &s, nil
}

func (r memSessions) Touch(ctx context.Context, id string, status model.SessionStatus, expiresAt time.Time, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || s.Status == model.SessionStatusClosed {
		return nil
	}
	s.Status = status
	s.ExpiresAt = expiresAt
	s.LastActivityAt = now
	s.UpdatedAt = now
	r.m.sessions[id] = s
	return nil
}

func (r memSessions) MarkClosed(ctx context.Context, id string, now time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sessions[id]
	if !ok || s.Status == model.SessionStatusClosed {
		return false, nil
	}
	s.Status = model.SessionStatusClosed
	s.ExpiresAt = now
	s.UpdatedAt = now
	r.m.sessions[id] = s
	return true, nil
}

// LockHost is a no-op; MemStore transactions are already serialized.
func (r memSessions) LockHost(ctx context.Context, hostUserID string) error {
	return nil
}

func (r memSessions) CountLive(ctx context.Context, now time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for _, s := range r.m.sessions {
		if isLive(s, now) {
			n++
		}
	}
	return n, nil
}

func (r memSessions) CountLiveByHost(ctx context.Context, hostUserID string, now time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for _, s := range r.m.sessions {
		if s.HostUserID == hostUserID && isLive(s, now) {
			n++
		}
	}
	return n, nil
}

func (r memSessions) ListForUser(ctx context.Context, userID string) ([]model.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.Session
	for i := len(r.m.sessionOrder) - 1; i >= 0; i-- {
		s := r.m.sessions[r.m.sessionOrder[i]]
		if s.Status == model.SessionStatusClosed {
			continue
		}
		if r.m.findParticipant(s.ID, userID) != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r memSessions) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var deleted int64
	r.m.sessionOrder = slices.DeleteFunc(r.m.sessionOrder, func(id string) bool {
		s := r.m.sessions[id]
		if s.Status != model.SessionStatusClosed || !s.UpdatedAt.Before(cutoff) {
			return false
		}
		delete(r.m.sessions, id)
		deleted++
		return true
	})
	r.m.participantOf = slices.DeleteFunc(r.m.participantOf, func(id string) bool {
		if _, ok := r.m.sessions[r.m.participants[id].SessionID]; ok {
			return false
		}
		delete(r.m.participants, id)
		return true
	})
	return deleted, nil
}

type memParticipants struct{ m *MemStore }

func (r memParticipants) WithTx(tx *sqlx.Tx) repository.ParticipantRepository { return r }

func (r memParticipants) FindBySessionAndUser(ctx context.Context, sessionID, userID string) (*model.Participant, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.findParticipant(sessionID, userID), nil
}

func (r memParticipants) ListBySession(ctx context.Context, sessionID string) ([]model.Participant, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := []model.Participant{}
	for _, id := range r.m.participantOf {
		if p := r.m.participants[id]; p.SessionID == sessionID && p.IsHost() {
			out = append(out, p)
		}
	}
	for _, id := range r.m.participantOf {
		if p := r.m.participants[id]; p.SessionID == sessionID && !p.IsHost() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r memParticipants) Create(ctx context.Context, params model.CreateParticipantParams) (*model.Participant, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p := model.Participant{
		ID:            params.ID,
		SessionID:     params.SessionID,
		UserID:        params.UserID,
		Role:          params.Role,
		Status:        params.Status,
		PeerTokenHash: params.PeerTokenHash,
		CreatedAt:     params.Now,
		UpdatedAt:     params.Now,
	}
	if p.Status == model.ParticipantStatusConnected {
		p.ConnectedAt = timePtr(params.Now)
		p.LastHeartbeatAt = timePtr(params.Now)
	}
	r.m.participants[p.ID] = p
	r.m.participantOf = append(r.m.participantOf, p.ID)
	return &p, nil
}

func (r memParticipants) UpsertInvited(ctx context.Context, params model.CreateParticipantParams) (*model.Participant, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if existing := r.m.findParticipant(params.SessionID, params.UserID); existing != nil {
		existing.Status = model.ParticipantStatusInvited
		existing.PeerTokenHash = nil
		existing.DisconnectedAt = nil
		existing.UpdatedAt = params.Now
		r.m.participants[existing.ID] = *existing
		return existing, nil
	}
	p := model.Participant{
		ID:        params.ID,
		SessionID: params.SessionID,
		UserID:    params.UserID,
		Role:      model.ParticipantRolePlayer,
		Status:    model.ParticipantStatusInvited,
		CreatedAt: params.Now,
		UpdatedAt: params.Now,
	}
	r.m.participants[p.ID] = p
	r.m.participantOf = append(r.m.participantOf, p.ID)
	return &p, nil
}

func (r memParticipants) update(id string, fn func(p *model.Participant)) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.participants[id]
	if !ok {
		return nil
	}
	fn(&p)
	r.m.participants[id] = p
	return nil
}

func (r memParticipants) MarkConnected(ctx context.Context, id string, tokenHash string, now time.Time) error {
	return r.update(id, func(p *model.Participant) {
		p.Status = model.ParticipantStatusConnected
		p.PeerTokenHash = &tokenHash
		if p.ConnectedAt == nil {
			p.ConnectedAt = timePtr(now)
		}
		p.DisconnectedAt = nil
		p.LastHeartbeatAt = timePtr(now)
		p.UpdatedAt = now
	})
}

func (r memParticipants) MarkDisconnected(ctx context.Context, id string, now time.Time) error {
	return r.update(id, func(p *model.Participant) {
		p.Status = model.ParticipantStatusDisconnected
		p.DisconnectedAt = timePtr(now)
		p.LastHeartbeatAt = timePtr(now)
		p.UpdatedAt = now
	})
}

func (r memParticipants) TouchHeartbeat(ctx context.Context, id string, now time.Time) error {
	return r.update(id, func(p *model.Participant) {
		p.LastHeartbeatAt = timePtr(now)
		p.UpdatedAt = now
	})
}

func (r memParticipants) DisconnectAll(ctx context.Context, sessionID string, now time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, p := range r.m.participants {
		if p.SessionID != sessionID {
			continue
		}
		p.Status = model.ParticipantStatusDisconnected
		p.DisconnectedAt = timePtr(now)
		p.UpdatedAt = now
		r.m.participants[id] = p
	}
	return nil
}

func (r memParticipants) CountConnectedPlayers(ctx context.Context, sessionID string) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	n := 0
	for _, p := range r.m.participants {
		if p.SessionID == sessionID && !p.IsHost() && p.Status == model.ParticipantStatusConnected {
			n++
		}
	}
	return n, nil
}

type memSignals struct{ m *MemStore }

func (r memSignals) WithTx(tx *sqlx.Tx) repository.SignalRepository { return r }

func (r memSignals) Create(ctx context.Context, params model.CreateSignalMessageParams) (*model.SignalMessage, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	msg := model.SignalMessage{
		ID:                     params.ID,
		SessionID:              params.SessionID,
		SenderParticipantID:    params.SenderParticipantID,
		SenderTokenHash:        params.SenderTokenHash,
		RecipientParticipantID: params.RecipientParticipantID,
		RecipientTokenHash:     params.RecipientTokenHash,
		MessageType:            params.MessageType,
		Payload:                params.Payload,
		CreatedAt:              params.Now,
	}
	r.m.signals = append(r.m.signals, msg)
	return &msg, nil
}
