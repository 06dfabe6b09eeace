package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Variables is the named substitution map attached to a contact,
// stored as a JSON column.
type Variables map[string]string

func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (v *Variables) Scan(src interface{}) error {
	switch val := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		return json.Unmarshal(val, v)
	case string:
		return json.Unmarshal([]byte(val), v)
	default:
		return fmt.Errorf("unsupported variables column type %T", src)
	}
}

// Contact is a recipient identity plus substitution variables.
// Immutable once attached to a campaign send.
type Contact struct {
	ID        int64     `json:"id"         db:"id"          gorm:"primaryKey;autoIncrement;column:id"`
	TenantID  int64     `json:"tenant_id"  db:"tenant_id"   gorm:"column:tenant_id;not null;index"`
	Phone     string    `json:"phone"      db:"phone"       gorm:"column:phone;not null"`
	Variables Variables `json:"variables"  db:"variables"   gorm:"column:variables;type:text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"  gorm:"column:created_at;autoCreateTime"`
}

func (Contact) TableName() string { return "contacts" }

// DeliveryState is the per-recipient outcome on a campaign.
type DeliveryState string

const (
	DeliveryStatePending     DeliveryState = "pending"
	DeliveryStateInFlight    DeliveryState = "in_flight"
	DeliveryStateSent        DeliveryState = "sent"
	DeliveryStateDelivered   DeliveryState = "delivered"
	DeliveryStateRead        DeliveryState = "read"
	DeliveryStateFailed      DeliveryState = "failed"
	DeliveryStateNoTransport DeliveryState = "no_transport"
)

// CampaignContact joins a campaign and a contact: queue membership plus the
// per-recipient send outcome.
type CampaignContact struct {
	ID         int64         `json:"id"          db:"id"           gorm:"primaryKey;autoIncrement;column:id"`
	CampaignID int64         `json:"campaign_id" db:"campaign_id"  gorm:"column:campaign_id;not null;index"`
	ContactID  int64         `json:"contact_id"  db:"contact_id"   gorm:"column:contact_id;not null;index"`
	State      DeliveryState `json:"state"       db:"state"        gorm:"column:state;not null;index;default:pending"`
	Attempts   int           `json:"attempts"    db:"attempts"     gorm:"column:attempts;not null;default:0"`
	ClaimToken string        `json:"-"           db:"claim_token"  gorm:"column:claim_token;index"`
	ClaimedAt  *time.Time    `json:"claimed_at"  db:"claimed_at"   gorm:"column:claimed_at"`
	CreatedAt  time.Time     `json:"created_at"  db:"created_at"   gorm:"column:created_at;autoCreateTime"`
}

func (CampaignContact) TableName() string { return "campaign_contacts" }
