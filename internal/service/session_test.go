package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/model"
	"github.com/romvault/netplay-server-go/internal/testutil"
	"github.com/romvault/netplay-server-go/internal/util"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []model.SessionSnapshot
	closed  []model.CloseReason
}

func (p *recordingPublisher) PublishSessionUpdate(ctx context.Context, snapshot *model.SessionSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, *snapshot)
	return nil
}

func (p *recordingPublisher) PublishSessionClosed(ctx context.Context, sessionID string, reason model.CloseReason) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, reason)
	return nil
}

func (p *recordingPublisher) closedReasons() []model.CloseReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.CloseReason(nil), p.closed...)
}

type fixture struct {
	store     *testutil.MemStore
	svc       *SessionService
	publisher *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewMemStore()
	store.AddContent("c1")

	f := &fixture{
		store:     store,
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewSessionService(
		store,
		store.Sessions(),
		store.Participants(),
		store.Signals(),
		store,
		NewCapacityGate(2, 100),
		f.publisher,
		SessionServiceConfig{IdleTimeout: 5 * time.Minute, MaxSignalPayloadBytes: 1024},
	)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) create(t *testing.T, host string) *SessionWithToken {
	t.Helper()
	created, err := f.svc.Create(context.Background(), host, "c1", nil)
	require.NoError(t, err)
	return created
}

// joined returns a session with h1 hosting and p1 joined, plus p1's token.
func (f *fixture) joined(t *testing.T) (*SessionWithToken, string) {
	t.Helper()
	ctx := context.Background()
	created := f.create(t, "h1")
	_, err := f.svc.Invite(ctx, created.Session.ID, "h1", "p1")
	require.NoError(t, err)
	join, err := f.svc.Join(ctx, created.Session.ID, "p1")
	require.NoError(t, err)
	return created, join.PeerToken
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.GetCode(err), "error: %v", err)
}

func TestSessionService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("host starts connected in an open session", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		assert.Equal(t, model.SessionStatusOpen, created.Session.Status)
		assert.Equal(t, f.now.Add(5*time.Minute), created.Session.ExpiresAt)
		require.Len(t, created.Participants, 1)
		host := created.Participants[0]
		assert.Equal(t, "h1", host.UserID)
		assert.Equal(t, model.ParticipantRoleHost, host.Role)
		assert.Equal(t, model.ParticipantStatusConnected, host.Status)
		assert.Len(t, created.PeerToken, 64)

		other := f.create(t, "h2")
		assert.NotEqual(t, created.PeerToken, other.PeerToken)
	})

	t.Run("stores only the token hash", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		host, ok := f.store.Participant(created.Session.ID, "h1")
		require.True(t, ok)
		require.NotNil(t, host.PeerTokenHash)
		assert.NotEqual(t, created.PeerToken, *host.PeerTokenHash)
		assert.Equal(t, util.HashToken(created.PeerToken), *host.PeerTokenHash)
		for _, h := range f.store.PeerTokenHashes() {
			assert.NotEqual(t, created.PeerToken, h)
		}
	})

	t.Run("per-host ceiling", func(t *testing.T) {
		f := newFixture(t)
		f.create(t, "h1")
		f.create(t, "h1")

		_, err := f.svc.Create(ctx, "h1", "c1", nil)
		assertCode(t, err, apperrors.ErrCodeHostLimitExceeded)
	})

	t.Run("closed and expired sessions free capacity", func(t *testing.T) {
		f := newFixture(t)
		first := f.create(t, "h1")
		second := f.create(t, "h1")
		require.NoError(t, f.svc.Close(ctx, first.Session.ID, "h1"))
		f.store.SetExpiresAt(second.Session.ID, f.now.Add(-time.Second))

		_, err := f.svc.Create(ctx, "h1", "c1", nil)
		assert.NoError(t, err)
	})

	t.Run("global ceiling", func(t *testing.T) {
		f := newFixture(t)
		f.svc.gate = NewCapacityGate(2, 1)
		f.create(t, "h1")

		_, err := f.svc.Create(ctx, "h2", "c1", nil)
		assertCode(t, err, apperrors.ErrCodeCapacityExceeded)
	})

	t.Run("unknown content", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Create(ctx, "h1", "missing", nil)
		assertCode(t, err, apperrors.ErrCodeContentNotFound)
	})

	t.Run("resume point must belong to the host", func(t *testing.T) {
		f := newFixture(t)
		f.store.AddResumePoint("save-1", "h1")
		f.store.AddResumePoint("save-2", "someone-else")

		ref := "save-1"
		created, err := f.svc.Create(ctx, "h1", "c1", &ref)
		require.NoError(t, err)
		require.NotNil(t, created.Session.ResumeRef)
		assert.Equal(t, "save-1", *created.Session.ResumeRef)

		other := "save-2"
		_, err = f.svc.Create(ctx, "h1", "c1", &other)
		assertCode(t, err, apperrors.ErrCodeContentNotFound)
	})

	t.Run("content id required", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Create(ctx, "h1", "", nil)
		assertCode(t, err, apperrors.ErrCodeMissingRequired)
	})
}

func TestSessionService_InviteAndJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("invite then join activates the session", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")
		id := created.Session.ID

		snap, err := f.svc.Invite(ctx, id, "h1", "p1")
		require.NoError(t, err)
		require.Len(t, snap.Participants, 2)
		assert.Equal(t, model.ParticipantStatusInvited, snap.Participants[1].Status)

		f.advance(time.Minute)
		join, err := f.svc.Join(ctx, id, "p1")
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusActive, join.Session.Status)
		assert.Equal(t, f.now.Add(5*time.Minute), join.Session.ExpiresAt)
		assert.NotEmpty(t, join.PeerToken)
		assert.NotEqual(t, created.PeerToken, join.PeerToken)

		p1, ok := f.store.Participant(id, "p1")
		require.True(t, ok)
		assert.Equal(t, model.ParticipantStatusConnected, p1.Status)
		require.NotNil(t, p1.ConnectedAt)
		assert.Equal(t, f.now, *p1.ConnectedAt)
		assert.Nil(t, p1.DisconnectedAt)

		assert.Len(t, f.publisher.updates, 2)
	})

	t.Run("only the host may invite", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		_, err := f.svc.Invite(ctx, created.Session.ID, "p1", "p2")
		assertCode(t, err, apperrors.ErrCodeForbidden)
	})

	t.Run("host cannot invite themselves", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		_, err := f.svc.Invite(ctx, created.Session.ID, "h1", "h1")
		assertCode(t, err, apperrors.ErrCodeValidation)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Invite(ctx, "nope", "h1", "p1")
		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("re-invite keeps a single row and clears the token", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)
		id := created.Session.ID

		for i := 0; i < 3; i++ {
			_, err := f.svc.Invite(ctx, id, "h1", "p1")
			require.NoError(t, err)
		}

		assert.Equal(t, 1, f.store.ParticipantRows(id, "p1"))
		p1, _ := f.store.Participant(id, "p1")
		assert.Equal(t, model.ParticipantStatusInvited, p1.Status)
		assert.Nil(t, p1.PeerTokenHash)

		session, _ := f.store.Session(id)
		assert.Equal(t, model.SessionStatusOpen, session.Status)
	})

	t.Run("join without invite is forbidden", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		_, err := f.svc.Join(ctx, created.Session.ID, "stranger")
		assertCode(t, err, apperrors.ErrCodeForbidden)
	})

	t.Run("join while connected is forbidden", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)

		_, err := f.svc.Join(ctx, created.Session.ID, "p1")
		assertCode(t, err, apperrors.ErrCodeForbidden)
	})

	t.Run("connectedAt is kept across rejoin", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)
		id := created.Session.ID
		firstConnected := f.now

		f.advance(time.Minute)
		require.NoError(t, f.svc.Heartbeat(ctx, id, "p1", token, DeclaredDisconnected))
		f.advance(time.Minute)
		_, err := f.svc.Join(ctx, id, "p1")
		require.NoError(t, err)

		p1, _ := f.store.Participant(id, "p1")
		assert.Equal(t, firstConnected, *p1.ConnectedAt)
		assert.Nil(t, p1.DisconnectedAt)
	})
}

func TestSessionService_Heartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token extends expiry", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)

		f.advance(4 * time.Minute)
		require.NoError(t, f.svc.Heartbeat(ctx, created.Session.ID, "p1", token, ""))

		session, _ := f.store.Session(created.Session.ID)
		assert.Equal(t, f.now.Add(5*time.Minute), session.ExpiresAt)
		p1, _ := f.store.Participant(created.Session.ID, "p1")
		assert.Equal(t, f.now, *p1.LastHeartbeatAt)
	})

	t.Run("rotated token is rejected", func(t *testing.T) {
		f := newFixture(t)
		created, oldToken := f.joined(t)
		id := created.Session.ID

		require.NoError(t, f.svc.Heartbeat(ctx, id, "p1", oldToken, DeclaredDisconnected))
		rejoin, err := f.svc.Join(ctx, id, "p1")
		require.NoError(t, err)

		err = f.svc.Heartbeat(ctx, id, "p1", oldToken, "")
		assertCode(t, err, apperrors.ErrCodeInvalidToken)
		assert.NoError(t, f.svc.Heartbeat(ctx, id, "p1", rejoin.PeerToken, ""))
	})

	t.Run("invited participant has no token", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")
		_, err := f.svc.Invite(ctx, created.Session.ID, "h1", "p1")
		require.NoError(t, err)

		err = f.svc.Heartbeat(ctx, created.Session.ID, "p1", "anything", "")
		assertCode(t, err, apperrors.ErrCodeJoinTokenMissing)
	})

	t.Run("unknown participant", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		err := f.svc.Heartbeat(ctx, created.Session.ID, "ghost", "x", "")
		assertCode(t, err, apperrors.ErrCodeParticipantNotFound)
	})

	t.Run("invalid declared status", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		err := f.svc.Heartbeat(ctx, created.Session.ID, "h1", created.PeerToken, "away")
		assertCode(t, err, apperrors.ErrCodeInvalidInput)
	})

	t.Run("last player disconnecting regresses to open and join reactivates", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)
		id := created.Session.ID

		require.NoError(t, f.svc.Heartbeat(ctx, id, "p1", token, DeclaredDisconnected))
		session, _ := f.store.Session(id)
		assert.Equal(t, model.SessionStatusOpen, session.Status)
		p1, _ := f.store.Participant(id, "p1")
		assert.Equal(t, model.ParticipantStatusDisconnected, p1.Status)
		assert.NotNil(t, p1.DisconnectedAt)

		_, err := f.svc.Join(ctx, id, "p1")
		require.NoError(t, err)
		session, _ = f.store.Session(id)
		assert.Equal(t, model.SessionStatusActive, session.Status)
	})

	t.Run("session stays active while another player is connected", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)
		id := created.Session.ID
		_, err := f.svc.Invite(ctx, id, "h1", "p2")
		require.NoError(t, err)
		_, err = f.svc.Join(ctx, id, "p2")
		require.NoError(t, err)

		require.NoError(t, f.svc.Heartbeat(ctx, id, "p1", token, DeclaredDisconnected))
		session, _ := f.store.Session(id)
		assert.Equal(t, model.SessionStatusActive, session.Status)
	})

	t.Run("declaring connected restores the participant", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)
		id := created.Session.ID

		require.NoError(t, f.svc.Heartbeat(ctx, id, "p1", token, DeclaredDisconnected))
		require.NoError(t, f.svc.Heartbeat(ctx, id, "p1", token, DeclaredConnected))

		p1, _ := f.store.Participant(id, "p1")
		assert.Equal(t, model.ParticipantStatusConnected, p1.Status)
		assert.Nil(t, p1.DisconnectedAt)
		session, _ := f.store.Session(id)
		assert.Equal(t, model.SessionStatusActive, session.Status)
	})
}

func TestSessionService_Close(t *testing.T) {
	ctx := context.Background()

	t.Run("non-host cannot close", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)
		before, _ := f.store.Session(created.Session.ID)

		err := f.svc.Close(ctx, created.Session.ID, "p1")
		assertCode(t, err, apperrors.ErrCodeForbidden)

		after, _ := f.store.Session(created.Session.ID)
		assert.Equal(t, before, after)
		assert.Empty(t, f.publisher.closedReasons())
	})

	t.Run("host closes and everyone is disconnected", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)
		id := created.Session.ID

		require.NoError(t, f.svc.Close(ctx, id, "h1"))

		session, _ := f.store.Session(id)
		assert.Equal(t, model.SessionStatusClosed, session.Status)
		assert.False(t, session.ExpiresAt.After(f.now))
		for _, user := range []string{"h1", "p1"} {
			p, _ := f.store.Participant(id, user)
			assert.Equal(t, model.ParticipantStatusDisconnected, p.Status)
			assert.Equal(t, f.now, *p.DisconnectedAt)
		}
		assert.Equal(t, []model.CloseReason{model.CloseReasonClosed}, f.publisher.closedReasons())
	})

	t.Run("closing twice is a no-op", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		require.NoError(t, f.svc.Close(ctx, created.Session.ID, "h1"))
		require.NoError(t, f.svc.Close(ctx, created.Session.ID, "h1"))
		assert.Len(t, f.publisher.closedReasons(), 1)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.Close(ctx, "nope", "h1")
		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("closed session is gone for every operation", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)
		id := created.Session.ID
		require.NoError(t, f.svc.Close(ctx, id, "h1"))

		assertCode(t, f.svc.Heartbeat(ctx, id, "p1", token, ""), apperrors.ErrCodeSessionExpired)
		_, err := f.svc.Join(ctx, id, "p1")
		assertCode(t, err, apperrors.ErrCodeSessionExpired)
		_, err = f.svc.Invite(ctx, id, "h1", "p2")
		assertCode(t, err, apperrors.ErrCodeSessionExpired)

		list, err := f.svc.List(ctx, "p1")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestSessionService_LazyExpiry(t *testing.T) {
	ctx := context.Background()

	operations := map[string]func(f *fixture, id, token string) error{
		"heartbeat": func(f *fixture, id, token string) error {
			return f.svc.Heartbeat(ctx, id, "p1", token, "")
		},
		"join": func(f *fixture, id, token string) error {
			_, err := f.svc.Join(ctx, id, "p1")
			return err
		},
		"handshake": func(f *fixture, id, token string) error {
			_, err := f.svc.Connect(ctx, id, "p1", token)
			return err
		},
		"invite": func(f *fixture, id, token string) error {
			_, err := f.svc.Invite(ctx, id, "h1", "p2")
			return err
		},
		"signal": func(f *fixture, id, token string) error {
			_, err := f.svc.RelaySignal(ctx, SignalSender{SessionID: id, UserID: "p1"}, SignalInput{
				Type:    "offer",
				Payload: json.RawMessage(`{}`),
			})
			return err
		},
	}

	for name, op := range operations {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			created, token := f.joined(t)
			id := created.Session.ID
			f.store.SetExpiresAt(id, f.now.Add(-time.Second))

			assertCode(t, op(f, id, token), apperrors.ErrCodeSessionExpired)

			session, _ := f.store.Session(id)
			assert.Equal(t, model.SessionStatusClosed, session.Status)
			assert.Equal(t, f.now, session.ExpiresAt)
			p1, _ := f.store.Participant(id, "p1")
			assert.Equal(t, model.ParticipantStatusDisconnected, p1.Status)
			assert.Equal(t, []model.CloseReason{model.CloseReasonExpired}, f.publisher.closedReasons())

			// Monotonic: nothing moves the session away from closed afterwards.
			f.advance(time.Minute)
			assertCode(t, op(f, id, token), apperrors.ErrCodeSessionExpired)
			_, err := f.svc.Join(ctx, id, "p1")
			assertCode(t, err, apperrors.ErrCodeSessionExpired)
			session, _ = f.store.Session(id)
			assert.Equal(t, model.SessionStatusClosed, session.Status)
			assert.Len(t, f.publisher.closedReasons(), 1)
		})
	}

	t.Run("expiry boundary is inclusive", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		f.advance(5 * time.Minute)
		err := f.svc.Heartbeat(ctx, created.Session.ID, "h1", created.PeerToken, "")
		assertCode(t, err, apperrors.ErrCodeSessionExpired)
	})

	t.Run("host closing an expired session reports expiry", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")
		f.store.SetExpiresAt(created.Session.ID, f.now.Add(-time.Second))

		require.NoError(t, f.svc.Close(ctx, created.Session.ID, "h1"))
		assert.Equal(t, []model.CloseReason{model.CloseReasonExpired}, f.publisher.closedReasons())
	})
}

func TestSessionService_ListAndSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, _ := f.joined(t)
	other := f.create(t, "h2")

	list, err := f.svc.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.Session.ID, list[0].ID)

	list, err = f.svc.List(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	snap, err := f.svc.Snapshot(ctx, created.Session.ID, "p1")
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 2)
	assert.Equal(t, "h1", snap.Participants[0].UserID)

	_, err = f.svc.Snapshot(ctx, other.Session.ID, "p1")
	assertCode(t, err, apperrors.ErrCodeForbidden)
}

func TestSessionService_UppercaseSessionID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, token := f.joined(t)
	upper := strings.ToUpper(created.Session.ID)

	snap, err := f.svc.Snapshot(ctx, upper, "p1")
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID, snap.Session.ID)

	require.NoError(t, f.svc.Heartbeat(ctx, upper, "p1", token, ""))

	result, err := f.svc.Connect(ctx, upper, "p1", token)
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID, result.Snapshot.Session.ID)
	assert.Equal(t, "p1", result.Participant.UserID)

	require.NoError(t, f.svc.Close(ctx, upper, "h1"))
	session, _ := f.store.Session(created.Session.ID)
	assert.Equal(t, model.SessionStatusClosed, session.Status)
}

func TestSessionService_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses a matching token", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)

		result, err := f.svc.Connect(ctx, created.Session.ID, "p1", token)
		require.NoError(t, err)
		assert.False(t, result.Refreshed)
		assert.Equal(t, token, result.PeerToken)
		assert.Equal(t, util.HashToken(token), result.PeerTokenHash)
		assert.Equal(t, "p1", result.Participant.UserID)
		assert.Equal(t, model.SessionStatusActive, result.Snapshot.Session.Status)
	})

	t.Run("rotates when no token is presented", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)

		result, err := f.svc.Connect(ctx, created.Session.ID, "p1", "")
		require.NoError(t, err)
		assert.True(t, result.Refreshed)
		assert.NotEqual(t, token, result.PeerToken)

		assertCode(t, f.svc.Heartbeat(ctx, created.Session.ID, "p1", token, ""), apperrors.ErrCodeInvalidToken)
		assert.NoError(t, f.svc.Heartbeat(ctx, created.Session.ID, "p1", result.PeerToken, ""))
	})

	t.Run("rotates on mismatch", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)

		result, err := f.svc.Connect(ctx, created.Session.ID, "p1", "stale")
		require.NoError(t, err)
		assert.True(t, result.Refreshed)
	})

	t.Run("invited participant connects and activates the session", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")
		_, err := f.svc.Invite(ctx, created.Session.ID, "h1", "p1")
		require.NoError(t, err)

		result, err := f.svc.Connect(ctx, created.Session.ID, "p1", "")
		require.NoError(t, err)
		assert.True(t, result.Refreshed)
		assert.Equal(t, model.ParticipantStatusConnected, result.Participant.Status)
		assert.Equal(t, model.SessionStatusActive, result.Snapshot.Session.Status)
	})

	t.Run("host connect keeps the session open", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		result, err := f.svc.Connect(ctx, created.Session.ID, "h1", created.PeerToken)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusOpen, result.Snapshot.Session.Status)
	})

	t.Run("non-participant is rejected", func(t *testing.T) {
		f := newFixture(t)
		created := f.create(t, "h1")

		_, err := f.svc.Connect(ctx, created.Session.ID, "stranger", "")
		assertCode(t, err, apperrors.ErrCodeParticipantNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Connect(ctx, uuid.NewString(), "p1", "")
		assertCode(t, err, apperrors.ErrCodeParticipantNotFound)
	})

	t.Run("stranger does not trigger expiry", func(t *testing.T) {
		f := newFixture(t)
		created, token := f.joined(t)
		f.advance(10 * time.Minute)

		_, err := f.svc.Connect(ctx, created.Session.ID, "stranger", "")
		assertCode(t, err, apperrors.ErrCodeParticipantNotFound)
		session, _ := f.store.Session(created.Session.ID)
		assert.NotEqual(t, model.SessionStatusClosed, session.Status)
		assert.Empty(t, f.publisher.closedReasons())

		_, err = f.svc.Connect(ctx, created.Session.ID, "p1", token)
		assertCode(t, err, apperrors.ErrCodeSessionExpired)
		session, _ = f.store.Session(created.Session.ID)
		assert.Equal(t, model.SessionStatusClosed, session.Status)
		assert.Equal(t, []model.CloseReason{model.CloseReasonExpired}, f.publisher.closedReasons())
	})
}

func TestSessionService_RelaySignal(t *testing.T) {
	ctx := context.Background()

	sender := func(t *testing.T, f *fixture, sessionID, userID string) SignalSender {
		p, ok := f.store.Participant(sessionID, userID)
		require.True(t, ok)
		return SignalSender{SessionID: sessionID, UserID: userID, ParticipantID: p.ID, PeerTokenHash: *p.PeerTokenHash}
	}

	t.Run("targeted signal is recorded", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)
		id := created.Session.ID

		f.advance(time.Minute)
		relayed, err := f.svc.RelaySignal(ctx, sender(t, f, id, "h1"), SignalInput{
			Type:         "offer",
			Payload:      json.RawMessage(`{"sdp":"v=0"}`),
			TargetUserID: "p1",
		})
		require.NoError(t, err)
		assert.Equal(t, "h1", relayed.FromUserID)
		assert.Equal(t, "p1", relayed.TargetUserID)

		msgs := f.store.SignalMessages()
		require.Len(t, msgs, 1)
		p1, _ := f.store.Participant(id, "p1")
		require.NotNil(t, msgs[0].RecipientParticipantID)
		assert.Equal(t, p1.ID, *msgs[0].RecipientParticipantID)
		assert.Equal(t, p1.PeerTokenHash, msgs[0].RecipientTokenHash)

		session, _ := f.store.Session(id)
		assert.Equal(t, f.now, session.LastActivityAt)
		assert.Equal(t, f.now.Add(5*time.Minute), session.ExpiresAt)
		host, _ := f.store.Participant(id, "h1")
		assert.Equal(t, f.now, *host.LastHeartbeatAt)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)

		_, err := f.svc.RelaySignal(ctx, sender(t, f, created.Session.ID, "h1"), SignalInput{
			Type:         "offer",
			Payload:      json.RawMessage(`{}`),
			TargetUserID: "ghost",
		})
		assertCode(t, err, apperrors.ErrCodeRecipientNotFound)
		assert.Empty(t, f.store.SignalMessages())
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		created, _ := f.joined(t)
		from := sender(t, f, created.Session.ID, "h1")
		long := make([]byte, 65)
		for i := range long {
			long[i] = 'a'
		}
		big := json.RawMessage(`"` + string(make([]byte, 1100)) + `"`)

		tests := []struct {
			name string
			in   SignalInput
			code apperrors.ErrorCode
		}{
			{"missing type", SignalInput{Payload: json.RawMessage(`{}`)}, apperrors.ErrCodeMissingRequired},
			{"type too long", SignalInput{Type: string(long), Payload: json.RawMessage(`{}`)}, apperrors.ErrCodeInvalidInput},
			{"type too many characters", SignalInput{Type: strings.Repeat("é", 65), Payload: json.RawMessage(`{}`)}, apperrors.ErrCodeInvalidInput},
			{"type not utf-8", SignalInput{Type: "offer\xff", Payload: json.RawMessage(`{}`)}, apperrors.ErrCodeInvalidInput},
			{"missing payload", SignalInput{Type: "offer"}, apperrors.ErrCodeMissingRequired},
			{"payload too large", SignalInput{Type: "offer", Payload: big}, apperrors.ErrCodeInvalidInput},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				_, err := f.svc.RelaySignal(ctx, from, tc.in)
				assertCode(t, err, tc.code)
			})
		}

		t.Run("multibyte type within the character limit", func(t *testing.T) {
			typ := strings.Repeat("é", 40)
			relayed, err := f.svc.RelaySignal(ctx, from, SignalInput{Type: typ, Payload: json.RawMessage(`{}`)})
			require.NoError(t, err)
			assert.Equal(t, typ, relayed.Type)
		})
	})
}
