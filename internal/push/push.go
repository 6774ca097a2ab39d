// Package push sends web push notifications about new messages to members
// who are not connected. Delivery is best effort.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"

	"parlor/internal/models"
)

const notificationTTL = 60

// SubscriptionStore persists raw subscription JSON per user.
type SubscriptionStore interface {
	UpsertPushSubscription(userID string, subscription []byte) error
	DeletePushSubscription(userID string) error
	ListPushSubscriptions() (map[string][]byte, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address sent to push services.
	Subscriber string
}

type Notifier struct {
	cfg   Config
	store SubscriptionStore
	log   *slog.Logger
}

// New returns nil when VAPID keys are not configured; a nil Notifier is a
// no-op.
func New(cfg Config, store SubscriptionStore, log *slog.Logger) *Notifier {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{cfg: cfg, store: store, log: log}
}

// PublicKey exposes the VAPID public key for client subscription.
func (n *Notifier) PublicKey() string {
	if n == nil {
		return ""
	}
	return n.cfg.VAPIDPublicKey
}

// Subscribe validates and stores a user's push subscription.
func (n *Notifier) Subscribe(userID string, subscription []byte) error {
	if n == nil {
		return fmt.Errorf("push notifications are not configured")
	}
	var sub webpush.Subscription
	if err := json.Unmarshal(subscription, &sub); err != nil {
		return &models.ValidationError{Reason: "malformed push subscription"}
	}
	if sub.Endpoint == "" {
		return &models.ValidationError{Reason: "push subscription missing endpoint"}
	}
	return n.store.UpsertPushSubscription(userID, subscription)
}

type payload struct {
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
}

// NotifyNewMessage pushes a new-message notification to every offline user
// with a stored subscription. Failures are logged, never returned.
func (n *Notifier) NotifyNewMessage(msg models.ChatMessage, offline []string) {
	if n == nil || len(offline) == 0 {
		return
	}

	subs, err := n.store.ListPushSubscriptions()
	if err != nil {
		n.log.Error("failed to list push subscriptions", "error", err)
		return
	}

	body, err := json.Marshal(payload{AuthorName: msg.AuthorName, Content: msg.Content})
	if err != nil {
		n.log.Error("failed to encode push payload", "error", err)
		return
	}

	for _, userID := range offline {
		raw, ok := subs[userID]
		if !ok || userID == msg.AuthorID {
			continue
		}
		var sub webpush.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			n.log.Warn("dropping corrupt push subscription", "user_id", userID, "error", err)
			_ = n.store.DeletePushSubscription(userID)
			continue
		}

		resp, err := webpush.SendNotification(body, &sub, &webpush.Options{
			TTL:             notificationTTL,
			Subscriber:      n.cfg.Subscriber,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		})
		if err != nil {
			n.log.Warn("push notification failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			// The push service says the subscription is gone.
			_ = n.store.DeletePushSubscription(userID)
		}
		_ = resp.Body.Close()
	}
}
