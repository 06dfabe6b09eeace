// Package queue buffers provider webhook events between the HTTP ingress and
// the reconciler on a redis stream. A consumer group gives at-least-once
// delivery: events are acked only after the reconciler applies them, and
// entries stuck past the visibility timeout get reclaimed and retried.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/redis"
)

// Delivery is one webhook event pulled off the stream, together with its
// stream bookkeeping.
type Delivery struct {
	ID         string
	Event      model.WebhookEvent
	ReceivedAt time.Time
	Attempts   int
}

// Handler processes one delivery. A nil return acks the entry; an error
// leaves it pending so the reclaim pass retries it.
type Handler func(ctx context.Context, d *Delivery) error

type Config struct {
	Stream            string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

// EventQueue is the webhook event pipe.
type EventQueue struct {
	adapter redis.RedisAdapter
	config  Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Stats struct {
	TotalEvents   int64
	PendingEvents int64
	ConsumerCount int64
}

func NewEventQueue(adapter redis.RedisAdapter, config Config) (*EventQueue, error) {
	if config.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "reconciler"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &EventQueue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Group may already exist, which is fine.
	_ = q.adapter.XGroupCreateMkStream(q.config.Stream, q.config.ConsumerGroup, "0")

	return q, nil
}

// Publish appends a webhook event to the stream and returns its stream ID.
func (q *EventQueue) Publish(ctx context.Context, event *model.WebhookEvent) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	values := map[string]interface{}{
		"event":       string(payload),
		"received_at": time.Now().Unix(),
	}

	id, err := q.adapter.XAdd(q.config.Stream, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	if q.config.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(q.config.Stream, q.config.MaxLen)
	}

	return id, nil
}

// Consume starts the consumer loop. Events that fail MaxRetries times move to
// the dead-letter stream (when enabled) and are acked so they stop blocking
// the group.
func (q *EventQueue) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("event handler is required")
	}

	q.handler = handler
	q.wg.Add(1)

	go q.consumeLoop()

	return nil
}

func (q *EventQueue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.readNew()
			q.reclaimStuck()
		}
	}
}

func (q *EventQueue) readNew() {
	messages, err := q.adapter.XReadGroup(
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.Stream,
		">",
		q.config.BatchSize,
	)
	if err != nil {
		if err != redis.NilError {
			logger.Warn("webhook stream read failed", "error", err)
		}
		return
	}

	for _, streamMsg := range messages {
		q.dispatch(q.toDelivery(streamMsg))
	}
}

// reclaimStuck takes over entries another consumer read but never acked
// within the visibility timeout. This is what makes a crashed reconciler's
// events land on a live one.
func (q *EventQueue) reclaimStuck() {
	pending, err := q.adapter.XPending(q.config.Stream, q.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	pendingExt, err := q.adapter.XPendingExt(
		q.config.Stream,
		q.config.ConsumerGroup,
		"-",
		"+",
		100,
	)
	if err != nil || len(pendingExt) == 0 {
		return
	}

	var idsToReclaim []string
	// The stream's own delivery counter is the attempt count; the XADD
	// payload cannot carry it because redelivery never rewrites the entry.
	retries := make(map[string]int, len(pendingExt))
	for _, msg := range pendingExt {
		if msg.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, msg.ID)
			retries[msg.ID] = int(msg.RetryCount)
		}
	}

	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(
		q.config.Stream,
		q.config.ConsumerGroup,
		q.config.ConsumerName,
		q.config.VisibilityTimeout,
		idsToReclaim...,
	)
	if err != nil {
		return
	}

	for _, streamMsg := range messages {
		d := q.toDelivery(streamMsg)
		d.Attempts = retries[streamMsg.ID]
		q.dispatch(d)
	}
}

func (q *EventQueue) dispatch(d *Delivery) {
	if d.Attempts >= q.config.MaxRetries {
		q.moveToDeadLetter(d)
		_ = q.ack(d.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, d); err != nil {
		// Leave pending; the reclaim pass retries it.
		logger.Warn("webhook event handling failed",
			"stream_id", d.ID,
			"external_message_id", d.Event.ExternalMessageID,
			"attempts", d.Attempts,
			"error", err)
		return
	}

	_ = q.ack(d.ID)
}

func (q *EventQueue) ack(streamID string) error {
	return q.adapter.XAck(q.config.Stream, q.config.ConsumerGroup, streamID)
}

func (q *EventQueue) moveToDeadLetter(d *Delivery) {
	if !q.config.EnableDLQ {
		return
	}

	dlqName := q.config.Stream + ":dlq"

	payload, err := json.Marshal(d.Event)
	if err != nil {
		return
	}

	values := map[string]interface{}{
		"event":           string(payload),
		"original_id":     d.ID,
		"attempts":        d.Attempts,
		"failed_at":       time.Now().Unix(),
		"original_stream": q.config.Stream,
	}

	_, _ = q.adapter.XAdd(dlqName, values)
	logger.Error("webhook event moved to dead letter",
		"stream_id", d.ID,
		"external_message_id", d.Event.ExternalMessageID,
		"attempts", d.Attempts)
}

func (q *EventQueue) toDelivery(streamMsg redis.StreamMessage) *Delivery {
	d := &Delivery{ID: streamMsg.ID}

	for k, v := range streamMsg.Values {
		switch k {
		case "event":
			if raw, ok := v.(string); ok {
				_ = json.Unmarshal([]byte(raw), &d.Event)
			}
		case "received_at":
			if ts, ok := v.(string); ok {
				var unix int64
				if _, err := fmt.Sscanf(ts, "%d", &unix); err == nil {
					d.ReceivedAt = time.Unix(unix, 0)
				}
			}
		}
	}

	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now()
	}

	return d
}

func (q *EventQueue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *EventQueue) GetStats() (*Stats, error) {
	total, err := q.adapter.XLen(q.config.Stream)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalEvents: total}

	pending, err := q.adapter.XPending(q.config.Stream, q.config.ConsumerGroup)
	if err == nil && pending != nil {
		stats.PendingEvents = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}

	return stats, nil
}
