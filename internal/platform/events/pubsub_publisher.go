// Package events publishes marketplace domain events to Pub/Sub topics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/mentree/api/internal/services"
)

// PubSubPublisher fans payment and subscription events out to their topics.
type PubSubPublisher struct {
	paymentTopic      *pubsub.Topic
	notificationTopic *pubsub.Topic
	marshal           func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a Pub/Sub backed event publisher. Both topics
// are required; callers that only need one side should pass the same topic
// twice rather than nil.
func NewPubSubPublisher(paymentTopic, notificationTopic *pubsub.Topic) (*PubSubPublisher, error) {
	if paymentTopic == nil {
		return nil, errors.New("pubsub publisher: payment topic is required")
	}
	if notificationTopic == nil {
		return nil, errors.New("pubsub publisher: notification topic is required")
	}
	return &PubSubPublisher{
		paymentTopic:      paymentTopic,
		notificationTopic: notificationTopic,
		marshal:           json.Marshal,
	}, nil
}

// PublishPaymentCompleted enqueues a completed-order message on the payment topic.
func (p *PubSubPublisher) PublishPaymentCompleted(ctx context.Context, event services.PaymentCompletedEvent) error {
	if p == nil || p.paymentTopic == nil {
		return errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment completed event: %w", err)
	}

	attrs := map[string]string{"event": "payment.completed"}
	setAttr(attrs, "merchantUid", event.MerchantUID)
	setAttr(attrs, "orderId", formatID(event.OrderID))
	setAttr(attrs, "userId", formatID(event.UserID))
	setAttr(attrs, "sellerId", formatID(event.SellerID))

	result := p.paymentTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish payment completed event: %w", err)
	}
	return nil
}

// PublishSubscriptionGraceExpired enqueues a grace-expiry notification message.
func (p *PubSubPublisher) PublishSubscriptionGraceExpired(ctx context.Context, event services.SubscriptionGraceExpiredEvent) error {
	if p == nil || p.notificationTopic == nil {
		return errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal grace expired event: %w", err)
	}

	attrs := map[string]string{"event": "subscription.grace_expired"}
	setAttr(attrs, "subscriptionId", formatID(event.SubscriptionID))
	setAttr(attrs, "userId", formatID(event.UserID))
	setAttr(attrs, "sellerId", formatID(event.SellerID))

	result := p.notificationTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish grace expired event: %w", err)
	}
	return nil
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
