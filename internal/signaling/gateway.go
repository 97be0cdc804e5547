package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/romvault/netplay-server-go/internal/audit"
	"github.com/romvault/netplay-server-go/internal/auth"
	"github.com/romvault/netplay-server-go/internal/config"
	apperrors "github.com/romvault/netplay-server-go/internal/errors"
	"github.com/romvault/netplay-server-go/internal/httputil"
	"github.com/romvault/netplay-server-go/internal/metrics"
	"github.com/romvault/netplay-server-go/internal/service"
)

// SessionCoordinator is the part of the session service the gateway drives.
type SessionCoordinator interface {
	Connect(ctx context.Context, sessionID, userID, presentedToken string) (*service.ConnectResult, error)
	RelaySignal(ctx context.Context, from service.SignalSender, in service.SignalInput) (*service.RelayedSignal, error)
}

type Gateway struct {
	verifier       auth.Verifier
	sessions       SessionCoordinator
	broker         *Broker
	allowedOrigins []string
	now            func() time.Time
}

func NewGateway(verifier auth.Verifier, sessions SessionCoordinator, broker *Broker, allowedOrigins []string) *Gateway {
	return &Gateway{
		verifier:       verifier,
		sessions:       sessions,
		broker:         broker,
		allowedOrigins: allowedOrigins,
		now:            time.Now,
	}
}

// ServeHTTP runs the handshake and, only if every step succeeds, upgrades the
// request and admits the connection into its session's room.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if len(g.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin == "" || !slices.Contains(g.allowedOrigins, origin) {
			g.reject(w, r, "", apperrors.OriginNotAllowed(origin))
			return
		}
	}

	token := auth.ExtractBearerToken(r)
	if token == "" {
		g.reject(w, r, "", apperrors.AuthenticationRequired())
		return
	}
	userID, err := g.verifier.VerifyBearerToken(ctx, token)
	if err != nil {
		g.reject(w, r, "", apperrors.AuthenticationFailed(err))
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		g.reject(w, r, userID, apperrors.MissingRequired("sessionId"))
		return
	}

	result, err := g.sessions.Connect(ctx, sessionID, userID, r.URL.Query().Get("peerToken"))
	if err != nil {
		g.reject(w, r, userID, err)
		return
	}
	// Rooms are keyed by the canonical id.
	sessionID = result.Snapshot.Session.ID

	state := ConnState{
		ConnID:         uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		ParticipantID:  result.Participant.ID,
		PeerTokenHash:  result.PeerTokenHash,
		PeerToken:      result.PeerToken,
		RefreshedToken: result.Refreshed,
	}

	client, err := g.broker.Subscribe(ctx, sessionID, userID, state.ConnID)
	if err != nil {
		g.reject(w, r, userID, apperrors.Internal("Signaling room unavailable").WithCause(err))
		return
	}

	// Origins are checked above against the configured allow-list.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to accept websocket")
		g.broker.Unsubscribe(client)
		return
	}
	conn.SetReadLimit(config.WSReadLimitBytes)

	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	c := &connection{conn: conn, state: state}
	g.handleConnection(ctx, c, client, result)
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, userID string, err error) {
	code := apperrors.GetCode(err)
	metrics.HandshakeRejections.WithLabelValues(string(code)).Inc()

	if !apperrors.IsAppError(err) || code == apperrors.ErrCodeInternal {
		log.Error().Err(err).Msg("signaling handshake failed")
	}
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventHandshakeReject,
		UserID:    userID,
		SessionID: r.URL.Query().Get("sessionId"),
		Details:   map[string]interface{}{"code": string(code)},
	})

	httputil.WriteError(w, err)
}

type connection struct {
	conn  *websocket.Conn
	state ConnState

	// writeMu serializes frames written by the reader and writer goroutines.
	writeMu sync.Mutex
}

func (c *connection) send(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, config.WSWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *connection) sendEvent(ctx context.Context, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(ctx, Frame{Event: event, Data: data})
}

func (c *connection) ack(ctx context.Context, ackID string, ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := c.send(ctx, Frame{Event: EventAck, AckID: ackID, Data: data}); err != nil {
		log.Debug().Err(err).Str("connId", c.state.ConnID).Msg("ack write failed")
	}
}

func (c *connection) ackError(ctx context.Context, ackID string, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}
	c.ack(ctx, ackID, Ack{Status: AckStatusError, Message: appErr.Message, Code: string(appErr.Code)})
}

func (g *Gateway) handleConnection(parent context.Context, c *connection, client *Client, result *service.ConnectResult) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		g.broker.Unsubscribe(client)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	logger := log.With().
		Str("sessionId", c.state.SessionID).
		Str("userId", c.state.UserID).
		Str("connId", c.state.ConnID).
		Logger()
	logger.Info().Bool("refreshedToken", c.state.RefreshedToken).Msg("signaling connection admitted")

	snapshot := SnapshotPayload{SessionSnapshot: *result.Snapshot, PeerToken: c.state.PeerToken}
	if err := c.sendEvent(ctx, EventSessionSnapshot, snapshot); err != nil {
		logger.Debug().Err(err).Msg("snapshot write failed")
		return
	}
	if c.state.RefreshedToken {
		notice := PeerTokenNotice{SessionID: c.state.SessionID, PeerToken: c.state.PeerToken}
		if err := c.sendEvent(ctx, EventPeerToken, notice); err != nil {
			logger.Debug().Err(err).Msg("peer token write failed")
			return
		}
	}

	if data, err := json.Marshal(result.Snapshot); err == nil {
		err = g.broker.Publish(ctx, Envelope{
			SessionID:   c.state.SessionID,
			Event:       EventSessionUpdate,
			Data:        data,
			ExcludeConn: c.state.ConnID,
		})
		if err != nil {
			logger.Error().Err(err).Msg("publish session update")
		}
	}

	go g.writeLoop(ctx, cancel, c, client)
	g.readLoop(ctx, c)

	logger.Info().Msg("signaling connection closed")
}

// writeLoop drains room events to the socket and keeps the transport alive.
// Pings never touch participant status.
func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, c *connection, client *Client) {
	defer cancel()

	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-client.Done:
			c.conn.Close(websocket.StatusGoingAway, "room closed")
			return

		case env := <-client.Events:
			if err := c.send(ctx, Frame{Event: env.Event, Data: env.Data}); err != nil {
				return
			}
			if env.Disconnect {
				c.conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}

		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, config.WSWriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *connection) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Str("connId", c.state.ConnID).Msg("signaling read ended")
			return
		}
		g.handleFrame(ctx, c, data)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *connection, data []byte) {
	if !gjson.ValidBytes(data) {
		c.ackError(ctx, "", apperrors.InvalidInput("frame", "must be valid JSON"))
		return
	}

	frame := gjson.ParseBytes(data)
	ackID := frame.Get("ackId").String()

	switch event := frame.Get("event").String(); event {
	case EventSignalMessage:
		g.handleSignal(ctx, c, ackID, frame.Get("data"))

	case EventLatencyPing:
		c.ack(ctx, ackID, Ack{Status: AckStatusOK, ServerTime: g.now().UnixMilli()})

	default:
		c.ackError(ctx, ackID, apperrors.InvalidInput("event", "unknown event "+event))
	}
}

func (g *Gateway) handleSignal(ctx context.Context, c *connection, ackID string, data gjson.Result) {
	typ := data.Get("type")
	if typ.Exists() && typ.Type != gjson.String {
		c.ackError(ctx, ackID, apperrors.InvalidInput("type", "must be a string"))
		return
	}

	in := service.SignalInput{
		Type:         typ.String(),
		TargetUserID: data.Get("targetUserId").String(),
	}
	if payload := data.Get("payload"); payload.Exists() {
		in.Payload = json.RawMessage(payload.Raw)
	}

	relayed, err := g.sessions.RelaySignal(ctx, service.SignalSender{
		SessionID:     c.state.SessionID,
		UserID:        c.state.UserID,
		ParticipantID: c.state.ParticipantID,
		PeerTokenHash: c.state.PeerTokenHash,
	}, in)
	if err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", c.state.SessionID).
			Str("userId", c.state.UserID).
			Msg("signal rejected")
		c.ackError(ctx, ackID, err)
		return
	}

	body, err := json.Marshal(relayed)
	if err != nil {
		c.ackError(ctx, ackID, err)
		return
	}

	env := Envelope{
		SessionID:    c.state.SessionID,
		Event:        EventSignalMessage,
		Data:         body,
		TargetUserID: in.TargetUserID,
	}
	mode := "targeted"
	if in.TargetUserID == "" {
		env.ExcludeConn = c.state.ConnID
		mode = "broadcast"
	}
	if err := g.broker.Publish(ctx, env); err != nil {
		log.Error().Err(err).Str("sessionId", c.state.SessionID).Msg("publish signal")
		c.ackError(ctx, ackID, apperrors.External("redis", err))
		return
	}
	metrics.SignalsRelayed.WithLabelValues(mode).Inc()

	c.ack(ctx, ackID, Ack{Status: AckStatusOK, ID: relayed.ID})
}
