// Package notify publishes membership and payment state changes to
// downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/repository"
)

const (
	EventPaymentCompleted      = "payment.completed"
	EventPaymentFailed         = "payment.failed"
	EventMembershipActivated   = "membership.activated"
	EventCancellationRequested = "membership.cancel_requested"
	EventMembershipCancelled   = "membership.cancelled"
	EventRefundFailed          = "refund.failed"
	// a gateway-accepted refund the ledger could not store
	EventRefundUnrecorded      = "refund.unrecorded"
)

// Payload is the body of every event. ExternalReference doubles as the
// Kafka message key so events for one transaction stay ordered.
type Payload struct {
	ExternalReference string         `json:"external_reference"`
	UserID            int64          `json:"user_id"`
	Data              map[string]any `json:"data,omitempty"`
}

// Notifier is fire-and-forget: Emit never fails the caller.
type Notifier interface {
	Emit(ctx context.Context, event string, payload Payload)
}

type message struct {
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload
}

// OutboxNotifier stores events in the outbox table; job.OutboxSender
// delivers them to Kafka.
type OutboxNotifier struct {
	repo  *repository.OutboxRepository
	topic string
}

func NewOutboxNotifier(repo *repository.OutboxRepository, topic string) *OutboxNotifier {
	return &OutboxNotifier{repo: repo, topic: topic}
}

func (n *OutboxNotifier) Emit(ctx context.Context, event string, payload Payload) {
	log := logging.FromContext(ctx).With("event", event, "external_reference", payload.ExternalReference)

	body, err := json.Marshal(message{Event: event, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		log.Error("encode event", "error", err)
		return
	}

	msg := &model.OutboxMessage{
		MessageKey: payload.ExternalReference,
		EventName:  event,
		Topic:      n.topic,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	}
	if err := n.repo.Create(context.WithoutCancel(ctx), nil, msg); err != nil {
		log.Error("store event in outbox", "error", err)
		return
	}
	log.Debug("event queued", "outbox_id", msg.ID)
}
