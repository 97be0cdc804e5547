package model

import "time"

type Participant struct {
	ID              string            `db:"id" json:"id"`
	SessionID       string            `db:"session_id" json:"sessionId"`
	UserID          string            `db:"user_id" json:"userId"`
	Role            ParticipantRole   `db:"role" json:"role"`
	Status          ParticipantStatus `db:"status" json:"status"`
	PeerTokenHash   *string           `db:"peer_token_hash" json:"-"`
	ConnectedAt     *time.Time        `db:"connected_at" json:"connectedAt,omitempty"`
	DisconnectedAt  *time.Time        `db:"disconnected_at" json:"disconnectedAt,omitempty"`
	LastHeartbeatAt *time.Time        `db:"last_heartbeat_at" json:"lastHeartbeatAt,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updatedAt"`
}

func (p *Participant) IsHost() bool {
	return p.Role == ParticipantRoleHost
}

type CreateParticipantParams struct {
	ID            string
	SessionID     string
	UserID        string
	Role          ParticipantRole
	Status        ParticipantStatus
	PeerTokenHash *string
	Now           time.Time
}
