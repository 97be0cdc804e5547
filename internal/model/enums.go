package model

type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

type ParticipantRole string

const (
	ParticipantRoleHost   ParticipantRole = "host"
	ParticipantRolePlayer ParticipantRole = "player"
)

type ParticipantStatus string

const (
	ParticipantStatusInvited      ParticipantStatus = "invited"
	ParticipantStatusConnected    ParticipantStatus = "connected"
	ParticipantStatusDisconnected ParticipantStatus = "disconnected"
)

// CloseReason is carried by the session:closed notice.
type CloseReason string

const (
	CloseReasonClosed  CloseReason = "closed"
	CloseReasonExpired CloseReason = "expired"
)
