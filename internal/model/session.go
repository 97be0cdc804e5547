package model

import (
	"time"
)

type Session struct {
	ID             string        `db:"id" json:"id"`
	HostUserID     string        `db:"host_user_id" json:"hostUserId"`
	ContentID      string        `db:"content_id" json:"contentId"`
	ResumeRef      *string       `db:"resume_ref" json:"resumeRef,omitempty"`
	Status         SessionStatus `db:"status" json:"status"`
	ExpiresAt      time.Time     `db:"expires_at" json:"expiresAt"`
	LastActivityAt time.Time     `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
}

// IsExpired reports whether the session is terminal or past its idle deadline.
func (s *Session) IsExpired(now time.Time) bool {
	return s.Status == SessionStatusClosed || !s.ExpiresAt.After(now)
}

type CreateSessionParams struct {
	ID         string
	HostUserID string
	ContentID  string
	ResumeRef  *string
	ExpiresAt  time.Time
	Now        time.Time
}

// SessionSnapshot is a session together with its participant list.
// It never carries peer tokens or their hashes.
type SessionSnapshot struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
}
