package model

import (
	"errors"
	"time"
)

// WebhookEventType discriminates inbound provider callbacks.
type WebhookEventType string

const (
	WebhookEventStatus WebhookEventType = "status"
	WebhookEventClick  WebhookEventType = "click"
)

// WebhookEvent is one inbound delivery-status or button-click callback.
// Redelivery is expected; processing must be idempotent.
type WebhookEvent struct {
	Type              WebhookEventType `json:"type"`
	ExternalMessageID string           `json:"external_message_id"`
	NewStatus         MessageStatus    `json:"new_status,omitempty"`
	ErrorCode         string           `json:"error_code,omitempty"`
	ButtonPayload     string           `json:"button_payload,omitempty"`
	OccurredAt        time.Time        `json:"occurred_at"`
}

func (e WebhookEvent) Validate() error {
	if e.ExternalMessageID == "" {
		return errors.New("external_message_id is required")
	}
	switch e.Type {
	case WebhookEventStatus:
		if e.NewStatus.Rank() == 0 {
			return errors.New("new_status is required for status events")
		}
	case WebhookEventClick:
		if e.ButtonPayload == "" {
			return errors.New("button_payload is required for click events")
		}
	default:
		return errors.New("unknown event type")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	return nil
}

// Provider error codes that mean the sending account itself is dead,
// not just one recipient's delivery.
const (
	ErrorCodeAccountBlocked = "ACCOUNT_BLOCKED"
	ErrorCodeAccountExpired = "ACCOUNT_EXPIRED"
)

// AccountFatal reports whether the event's error code indicates a permanent
// account-level failure that must retire the account across running campaigns.
func (e WebhookEvent) AccountFatal() bool {
	return e.ErrorCode == ErrorCodeAccountBlocked || e.ErrorCode == ErrorCodeAccountExpired
}
