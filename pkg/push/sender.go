// Package push delivers web-push notifications for urgent actions.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/models"
	"github.com/voxlog/voxlog/pkg/services"
)

// maxParallelSends bounds concurrent deliveries per notification.
const maxParallelSends = 8

// Notification is the JSON payload pushed to subscribers.
type Notification struct {
	Type     models.NotificationType `json:"type"`
	ActionID string                  `json:"action_id"`
	EventID  string                  `json:"event_id"`
	Title    string                  `json:"title"`
	Priority string                  `json:"priority"`
}

// Transport sends one encrypted payload to one subscriber. Swapped out in
// tests; production uses webpush.SendNotificationWithContext.
type Transport func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Sender fans a notification out to every stored subscriber.
type Sender struct {
	config    *config.PushConfig
	subs      *services.PushSubscriptionService
	transport Transport
}

// NewSender creates a Sender using the real web-push transport.
func NewSender(cfg *config.PushConfig, subs *services.PushSubscriptionService) *Sender {
	return &Sender{
		config:    cfg,
		subs:      subs,
		transport: webpush.SendNotificationWithContext,
	}
}

// FanOutResult summarises one delivery pass.
type FanOutResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pruned  int `json:"pruned"`
	Skipped int `json:"skipped"`
}

// FanOut encrypts and posts the notification to all subscribers. Gone
// endpoints (410, and 404 from some push services) are pruned. Individual
// delivery failures do not abort the pass.
func (s *Sender) FanOut(ctx context.Context, n *Notification) (*FanOutResult, error) {
	result := &FanOutResult{}
	if !s.config.Enabled() {
		result.Skipped = 1
		return result, nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}

	subscribers, err := s.subs.List(ctx)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	outcomes := make([]string, len(subscribers))

	for i, sub := range subscribers {
		g.Go(func() error {
			outcomes[i] = s.sendOne(ctx, payload, &sub)
			return nil
		})
	}
	_ = g.Wait()

	for i, outcome := range outcomes {
		switch outcome {
		case "sent":
			result.Sent++
		case "gone":
			result.Pruned++
			if err := s.subs.Delete(ctx, subscribers[i].Endpoint); err != nil {
				slog.Error("Failed to prune gone subscription",
					"endpoint", subscribers[i].Endpoint, "error", err)
			}
		default:
			result.Failed++
		}
	}
	return result, nil
}

func (s *Sender) sendOne(ctx context.Context, payload []byte, sub *models.PushSubscription) string {
	resp, err := s.transport(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256DH, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      s.config.VAPIDSubject,
		VAPIDPublicKey:  s.config.VAPIDPublicKey,
		VAPIDPrivateKey: s.config.VAPIDPrivateKey,
		TTL:             3600,
	})
	if err != nil {
		slog.Warn("Push delivery failed", "endpoint", sub.Endpoint, "error", err)
		return "failed"
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusGone, http.StatusNotFound:
		return "gone"
	case http.StatusCreated, http.StatusOK, http.StatusAccepted:
		return "sent"
	default:
		slog.Warn("Push delivery rejected", "endpoint", sub.Endpoint, "status", resp.Status)
		return "failed"
	}
}
