package model

import "time"

// MessageStatus is the delivery lifecycle of a dispatched message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Rank orders statuses for monotonic reconciliation: a webhook may only
// move a message to a strictly higher rank. Out-of-order events
// (e.g. "delivered" arriving after "read") are ignored.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	case MessageStatusFailed:
		return 4
	}
	return 0
}

// Message is one dispatched send. Created at send time; only status and
// status_updated_at mutate afterward, written exclusively by the reconciler.
type Message struct {
	ID                int64         `json:"id"                  db:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID        int64         `json:"campaign_id"         db:"campaign_id"          gorm:"column:campaign_id;not null;index"`
	CampaignContactID int64         `json:"campaign_contact_id" db:"campaign_contact_id"  gorm:"column:campaign_contact_id;not null;index"`
	AccountID         int64         `json:"account_id"          db:"account_id"           gorm:"column:account_id;not null;index"`
	TemplateID        int64         `json:"template_id"         db:"template_id"          gorm:"column:template_id;not null"`
	ExternalMessageID string        `json:"external_message_id" db:"external_message_id"  gorm:"column:external_message_id;not null;uniqueIndex"`
	Status            MessageStatus `json:"status"              db:"status"               gorm:"column:status;not null;index;default:sent"`
	SentAt            time.Time     `json:"sent_at"             db:"sent_at"              gorm:"column:sent_at;autoCreateTime"`
	StatusUpdatedAt   *time.Time    `json:"status_updated_at"   db:"status_updated_at"    gorm:"column:status_updated_at"`
}

func (Message) TableName() string { return "messages" }

// ButtonClick is one observed click on a message button. Append-only;
// unique on (message_id, button_payload, clicked_at) to survive webhook
// redelivery.
type ButtonClick struct {
	ID            int64     `json:"id"             db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	MessageID     int64     `json:"message_id"     db:"message_id"      gorm:"column:message_id;not null;uniqueIndex:ux_button_clicks_event"`
	ButtonPayload string    `json:"button_payload" db:"button_payload"  gorm:"column:button_payload;not null;uniqueIndex:ux_button_clicks_event"`
	ClickedAt     time.Time `json:"clicked_at"     db:"clicked_at"      gorm:"column:clicked_at;not null;uniqueIndex:ux_button_clicks_event"`
	CreatedAt     time.Time `json:"created_at"     db:"created_at"      gorm:"column:created_at;autoCreateTime"`
}

func (ButtonClick) TableName() string { return "button_clicks" }
