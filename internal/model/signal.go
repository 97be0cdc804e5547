package model

import (
	"encoding/json"
	"time"
)

// SignalMessage is the append-only record of one relayed signal.
type SignalMessage struct {
	ID                     string          `db:"id" json:"id"`
	SessionID              string          `db:"session_id" json:"sessionId"`
	SenderParticipantID    string          `db:"sender_participant_id" json:"senderParticipantId"`
	SenderTokenHash        string          `db:"sender_token_hash" json:"-"`
	RecipientParticipantID *string         `db:"recipient_participant_id" json:"recipientParticipantId,omitempty"`
	RecipientTokenHash     *string         `db:"recipient_token_hash" json:"-"`
	MessageType            string          `db:"message_type" json:"type"`
	Payload                json.RawMessage `db:"payload" json:"payload"`
	CreatedAt              time.Time       `db:"created_at" json:"createdAt"`
}

type CreateSignalMessageParams struct {
	ID                     string
	SessionID              string
	SenderParticipantID    string
	SenderTokenHash        string
	RecipientParticipantID *string
	RecipientTokenHash     *string
	MessageType            string
	Payload                json.RawMessage
	Now                    time.Time
}
