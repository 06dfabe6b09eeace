package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RemovalEvent is one retirement of an (account, template) binding.
type RemovalEvent struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// RemovalHistory is the ordered retirement log, stored as a JSON column.
type RemovalHistory []RemovalEvent

func (h RemovalHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *RemovalHistory) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("unsupported removal history column type %T", src)
	}
}

// CampaignTemplate binds one message template to one sending account within
// one campaign. Eligibility for sending is decided off this row.
type CampaignTemplate struct {
	ID                  int64          `json:"id"                   db:"id"                    gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID          int64          `json:"campaign_id"          db:"campaign_id"           gorm:"column:campaign_id;not null;index"`
	AccountID           int64          `json:"account_id"           db:"account_id"            gorm:"column:account_id;not null;index"`
	TemplateID          int64          `json:"template_id"          db:"template_id"           gorm:"column:template_id;not null"`
	IsActive            bool           `json:"is_active"            db:"is_active"             gorm:"column:is_active;not null"`
	ConsecutiveFailures int            `json:"consecutive_failures" db:"consecutive_failures"  gorm:"column:consecutive_failures;not null;default:0"`
	LastError           string         `json:"last_error"           db:"last_error"            gorm:"column:last_error"`
	RemovedAt           *time.Time     `json:"removed_at"           db:"removed_at"            gorm:"column:removed_at"`
	RemovalCount        int            `json:"removal_count"        db:"removal_count"         gorm:"column:removal_count;not null;default:0"`
	PermanentRemoval    bool           `json:"permanent_removal"    db:"permanent_removal"     gorm:"column:permanent_removal;not null;default:false"`
	RemovalHistory      RemovalHistory `json:"removal_history"      db:"removal_history"       gorm:"column:removal_history;type:text"`
	LastUsedAt          *time.Time     `json:"last_used_at"         db:"last_used_at"          gorm:"column:last_used_at"`
}

func (CampaignTemplate) TableName() string { return "campaign_templates" }

// Eligible reports whether the binding may be handed out by the selector.
// Permanent removal wins over any later is_active flip.
func (ct *CampaignTemplate) Eligible() bool {
	return ct.IsActive && !ct.PermanentRemoval
}
