package signaling

import (
	"encoding/json"

	"github.com/romvault/netplay-server-go/internal/model"
)

const (
	EventSessionSnapshot = "session:snapshot"
	EventPeerToken       = "peer:token"
	EventSessionUpdate   = "session:update"
	EventSessionClosed   = "session:closed"
	EventSignalMessage   = "signal:message"
	EventLatencyPing     = "latency:ping"
	EventAck             = "ack"
)

// Frame is the JSON text message exchanged on the channel in both directions.
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SnapshotPayload struct {
	model.SessionSnapshot
	PeerToken string `json:"peerToken"`
}

type PeerTokenNotice struct {
	SessionID string `json:"sessionId"`
	PeerToken string `json:"peerToken"`
}

type ClosedNotice struct {
	SessionID string            `json:"sessionId"`
	Reason    model.CloseReason `json:"reason"`
}

type Ack struct {
	Status     string `json:"status"`
	ID         string `json:"id,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
}

const (
	AckStatusOK    = "ok"
	AckStatusError = "error"
)

// ConnState is fixed at handshake completion and never reshaped.
type ConnState struct {
	ConnID         string
	SessionID      string
	UserID         string
	ParticipantID  string
	PeerTokenHash  string
	PeerToken      string
	RefreshedToken bool
}
