package job

import (
	"context"
	"time"

	"membershippay/internal/config"
	"membershippay/internal/logging"
	"membershippay/internal/model"
	"membershippay/internal/repository"

	"gorm.io/gorm"
)

// Publisher is satisfied by *mq.Producer.
type Publisher interface {
	Send(topic, key, value string, headers map[string]string) error
}

// OutboxSender relays outbox rows to Kafka. A message that keeps failing
// is parked as FAILED after business.max_retry_count attempts.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewOutboxSender(db *gorm.DB, publisher Publisher, cfg *config.Config) *OutboxSender {
	s := &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		stopCh:     make(chan struct{}),
		interval:   cfg.Business.OutboxInterval,
		batchSize:  cfg.Business.OutboxBatchSize,
		maxRetries: cfg.Business.MaxRetryCount,
	}
	if s.interval <= 0 {
		s.interval = 500 * time.Millisecond
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 5
	}
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	log := logging.FromContext(ctx).With("job", "outbox")
	log.Info("outbox sender started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("outbox sender stopping: context done")
			return
		case <-s.stopCh:
			log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending sends one batch in insertion order and returns how many
// messages were delivered.
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	log := logging.FromContext(ctx).With("job", "outbox")

	messages, err := s.outboxRepo.ListPending(ctx, s.batchSize)
	if err != nil {
		log.Error("list pending outbox messages", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	log := logging.FromContext(ctx).With("job", "outbox", "outbox_id", msg.ID, "event", msg.EventName)

	err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload, map[string]string{"event": msg.EventName})
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			// delivered but not marked; it will be sent again
			log.Error("mark outbox message sent", "error", err)
			return true
		}
		log.Debug("outbox message sent", "topic", msg.Topic, "key", msg.MessageKey)
		return true
	}

	log.Warn("publish outbox message", "retry_count", msg.RetryCount, "error", err)
	if err := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetries); err != nil {
		log.Error("record outbox failure", "error", err)
	}
	if msg.RetryCount+1 >= s.maxRetries {
		log.Error("outbox message parked after max retries", "max_retries", s.maxRetries)
	}
	return false
}
