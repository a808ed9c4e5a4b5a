package wabot

import (
	"regexp"
	"time"
)

// SessionStatus is the orchestrator's view of one user session.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
)

// UserSession tracks one phone number's live session. The orchestrator is
// the only writer; reads outside the orchestrator go through snapshots.
type UserSession struct {
	PhoneNumber       string
	Status            SessionStatus
	Socket            Socket
	IsFirstConnection bool
	ConnectedAt       time.Time
	LastActivity      time.Time

	// closed once the dial has resolved and Socket is final (possibly nil)
	ready chan struct{}
}

// SessionSummary is the read-only view handed to the HTTP layer.
type SessionSummary struct {
	PhoneNumber       string    `json:"phone_number"`
	Status            string    `json:"status"`
	IsFirstConnection bool      `json:"is_first_connection"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastActivity      time.Time `json:"last_activity"`
}

var phoneNumberPattern = regexp.MustCompile(`^\d{7,15}$`)

// ValidPhoneNumber reports whether s is a canonical digits-only identifier.
func ValidPhoneNumber(s string) bool {
	return phoneNumberPattern.MatchString(s)
}
