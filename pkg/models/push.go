package models

import "time"

// PushSubscription is a stored web-push subscriber. Endpoint is unique;
// P256DH and Auth are the client key material used for payload encryption.
type PushSubscription struct {
	ID        int64     `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256DH    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationType classifies entries in the sent ledger.
type NotificationType string

// Notification types.
const (
	NotificationActionCreated NotificationType = "action_created"
)

// SentNotification is one row of the sent ledger. It suppresses duplicate
// deliveries when an event is reprocessed.
type SentNotification struct {
	ID        int64            `json:"id"`
	ActionID  string           `json:"action_id"`
	EventID   string           `json:"event_id"`
	Type      NotificationType `json:"type"`
	SentAt    time.Time        `json:"sent_at"`
}
