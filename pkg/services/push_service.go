package services

import (
	"context"
	"fmt"
	"time"

	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/models"
)

// PushSubscriptionService owns stored web-push subscribers and the sent
// ledger that suppresses duplicate notifications.
type PushSubscriptionService struct {
	db *database.Client
}

// NewPushSubscriptionService creates a PushSubscriptionService.
func NewPushSubscriptionService(db *database.Client) *PushSubscriptionService {
	return &PushSubscriptionService{db: db}
}

// Save upserts a subscription keyed by endpoint.
func (s *PushSubscriptionService) Save(ctx context.Context, sub *models.PushSubscription) error {
	_, err := s.db.DB().ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, p256dh, auth, user_agent, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(endpoint) DO UPDATE SET p256dh = excluded.p256dh,
             auth = excluded.auth, user_agent = excluded.user_agent`,
		sub.Endpoint, sub.P256DH, sub.Auth, sub.UserAgent,
		database.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

// Delete removes a subscription by endpoint. Used both for explicit
// unsubscribe and for pruning 410-Gone endpoints.
func (s *PushSubscriptionService) Delete(ctx context.Context, endpoint string) error {
	_, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete push subscription: %w", err)
	}
	return nil
}

// List returns all subscribers.
func (s *PushSubscriptionService) List(ctx context.Context) ([]models.PushSubscription, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, endpoint, p256dh, auth, user_agent, created_at
         FROM push_subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		var createdAt string
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.P256DH, &sub.Auth, &sub.UserAgent, &createdAt); err != nil {
			return nil, err
		}
		if sub.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// MarkSent records a delivery in the sent ledger. Returns false when the
// (action, type) pair was already sent, so callers skip the duplicate.
func (s *PushSubscriptionService) MarkSent(ctx context.Context, actionID, eventID string, typ models.NotificationType) (bool, error) {
	res, err := s.db.DB().ExecContext(ctx,
		`INSERT OR IGNORE INTO sent_notifications (action_id, event_id, type, sent_at)
         VALUES (?, ?, ?, ?)`,
		actionID, eventID, string(typ), database.FormatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to record sent notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
