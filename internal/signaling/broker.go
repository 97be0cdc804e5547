package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romvault/netplay-server-go/internal/config"
	"github.com/romvault/netplay-server-go/internal/metrics"
	"github.com/romvault/netplay-server-go/internal/model"
	redisclient "github.com/romvault/netplay-server-go/internal/redis"
)

// Envelope is one room event as it travels over Redis.
type Envelope struct {
	SessionID    string          `json:"sessionId"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	ExcludeConn  string          `json:"excludeConn,omitempty"`
	// Disconnect asks every receiving connection to close after delivery.
	Disconnect bool `json:"disconnect,omitempty"`
}

// Client is one connection's membership in a room.
type Client struct {
	ConnID    string
	SessionID string
	UserID    string
	Events    chan Envelope
	Done      chan struct{}

	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

type room struct {
	clients map[*Client]bool
	ready   chan struct{}
	err     error
	// ctx ends when the room is torn down, under the broker lock.
	ctx    context.Context
	cancel context.CancelFunc
}

// Broker keeps room membership for this process and moves room events through
// Redis so members held by other processes receive them too.
type Broker struct {
	redis  *redisclient.Client
	rooms  map[string]*room // sessionID -> room
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		rooms:  make(map[string]*room),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe admits a connection into the room for sessionID. It returns once
// the room's Redis subscription is live.
func (b *Broker) Subscribe(ctx context.Context, sessionID, userID, connID string) (*Client, error) {
	client := &Client{
		ConnID:    connID,
		SessionID: sessionID,
		UserID:    userID,
		Events:    make(chan Envelope, config.ClientEventBuffer),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	r := b.rooms[sessionID]
	if r == nil {
		roomCtx, cancel := context.WithCancel(b.ctx)
		r = &room{
			clients: make(map[*Client]bool),
			ready:   make(chan struct{}),
			ctx:     roomCtx,
			cancel:  cancel,
		}
		b.rooms[sessionID] = r
		go b.subscribeToRedis(sessionID, r)
	}
	r.clients[client] = true
	clientCount := len(r.clients)
	b.mu.Unlock()

	timer := time.NewTimer(config.RoomSubscribeWait)
	defer timer.Stop()

	var err error
	select {
	case <-r.ready:
		err = r.err
	case <-timer.C:
		err = fmt.Errorf("room subscription for %s not ready after %s", sessionID, config.RoomSubscribeWait)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		b.Unsubscribe(client)
		return nil, err
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Int("clientCount", clientCount).
		Msg("signaling client joined room")

	return client, nil
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[client.SessionID]
	if !ok || !r.clients[client] {
		return
	}

	delete(r.clients, client)
	client.close()

	if len(r.clients) == 0 {
		r.cancel()
		delete(b.rooms, client.SessionID)
	}

	log.Info().
		Str("sessionId", client.SessionID).
		Str("userId", client.UserID).
		Int("clientCount", len(r.clients)).
		Msg("signaling client left room")
}

func (b *Broker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	metrics.BrokerEvents.WithLabelValues(env.Event).Inc()
	channel := redisclient.RoomChannel(env.SessionID)
	return b.redis.Publish(ctx, channel, data).Err()
}

func (b *Broker) PublishSessionUpdate(ctx context.Context, snapshot *model.SessionSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.Publish(ctx, Envelope{
		SessionID: snapshot.Session.ID,
		Event:     EventSessionUpdate,
		Data:      data,
	})
}

// PublishSessionClosed tells the room the session ended; every member
// connection is closed after the notice is written.
func (b *Broker) PublishSessionClosed(ctx context.Context, sessionID string, reason model.CloseReason) error {
	data, err := json.Marshal(ClosedNotice{SessionID: sessionID, Reason: reason})
	if err != nil {
		return err
	}
	return b.Publish(ctx, Envelope{
		SessionID:  sessionID,
		Event:      EventSessionClosed,
		Data:       data,
		Disconnect: true,
	})
}

func (b *Broker) subscribeToRedis(sessionID string, r *room) {
	ctx := r.ctx
	channel := redisclient.RoomChannel(sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("redis room subscribe failed")
		r.err = fmt.Errorf("subscribe %s: %w", channel, err)
		close(r.ready)
		return
	}
	close(r.ready)

	log.Debug().
		Str("sessionId", sessionID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal room event")
				continue
			}

			b.deliver(r, env)
		}
	}
}

// deliver hands env to the members of r. A room that has been torn down
// delivers nothing, even if a room for the same session exists again.
func (b *Broker) deliver(r *room, env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if r.ctx.Err() != nil {
		return
	}

	for client := range r.clients {
		if env.ExcludeConn != "" && env.ExcludeConn == client.ConnID {
			continue
		}
		if env.TargetUserID != "" && env.TargetUserID != client.UserID {
			continue
		}

		select {
		case client.Events <- env:
		default:
			log.Warn().
				Str("sessionId", env.SessionID).
				Str("event", env.Event).
				Msg("client event buffer full, dropping event")
			if env.Disconnect {
				client.close()
			}
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.rooms {
		for client := range r.clients {
			client.close()
		}
	}
	b.rooms = make(map[string]*room)
}

func (b *Broker) RoomSize(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r := b.rooms[sessionID]; r != nil {
		return len(r.clients)
	}
	return 0
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, r := range b.rooms {
		total += len(r.clients)
	}
	return total
}
