package model

import (
	"errors"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// ErrInvalidTransition is returned when a campaign status change is not
// allowed by the lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid campaign status transition")

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:     {CampaignStatusScheduled},
	CampaignStatusScheduled: {CampaignStatusScheduled, CampaignStatusRunning, CampaignStatusCancelled},
	CampaignStatusRunning:   {CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled},
	CampaignStatusPaused:    {CampaignStatusRunning, CampaignStatusCancelled},
}

// Terminal reports whether no further transitions are possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID                        int64          `json:"id"                  db:"id"                   gorm:"primaryKey;autoIncrement;column:id"`
	TenantID                  int64          `json:"tenant_id"           db:"tenant_id"            gorm:"column:tenant_id;not null;index"`
	Name                      string         `json:"name"                db:"name"                 gorm:"column:name;not null"`
	Status                    CampaignStatus `json:"status"              db:"status"               gorm:"column:status;not null;index;default:draft"`
	ScheduledAt               *time.Time     `json:"scheduled_at"        db:"scheduled_at"         gorm:"column:scheduled_at"`
	PauseStartedAt            *time.Time     `json:"pause_started_at"    db:"pause_started_at"     gorm:"column:pause_started_at"`
	StartedAt                 *time.Time     `json:"started_at"          db:"started_at"           gorm:"column:started_at"`
	CompletedAt               *time.Time     `json:"completed_at"        db:"completed_at"         gorm:"column:completed_at"`
	TotalContacts             int64          `json:"total_contacts"      db:"total_contacts"       gorm:"column:total_contacts;not null;default:0"`
	SentCount                 int64          `json:"sent_count"          db:"sent_count"           gorm:"column:sent_count;not null;default:0"`
	DeliveredCount            int64          `json:"delivered_count"     db:"delivered_count"      gorm:"column:delivered_count;not null;default:0"`
	ReadCount                 int64          `json:"read_count"          db:"read_count"           gorm:"column:read_count;not null;default:0"`
	FailedCount               int64          `json:"failed_count"        db:"failed_count"         gorm:"column:failed_count;not null;default:0"`
	NoTransportCount          int64          `json:"no_transport_count"  db:"no_transport_count"   gorm:"column:no_transport_count;not null;default:0"`
	ButtonClicksCount         int64          `json:"button_clicks_count" db:"button_clicks_count"  gorm:"column:button_clicks_count;not null;default:0"`
	AutoRemoveAccountFailures bool           `json:"auto_remove_account_failures" db:"auto_remove_account_failures" gorm:"column:auto_remove_account_failures;not null;default:false"`
	MaxRetries                int            `json:"max_retries"         db:"max_retries"          gorm:"column:max_retries;not null;default:1"`
	FailureThreshold          int            `json:"failure_threshold"   db:"failure_threshold"    gorm:"column:failure_threshold;not null;default:5"`
	RemovalThreshold          int            `json:"removal_threshold"   db:"removal_threshold"    gorm:"column:removal_threshold;not null;default:3"`
	CreatedAt                 time.Time      `json:"created_at"          db:"created_at"           gorm:"column:created_at;autoCreateTime"`
}

func (Campaign) TableName() string { return "campaigns" }

// Due reports whether the campaign is eligible for dispatching at now.
func (c *Campaign) Due(now time.Time) bool {
	if c.Status != CampaignStatusRunning {
		return false
	}
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// CampaignSettingsUpdate carries the operator-tunable knobs. Nil fields
// are left unchanged.
type CampaignSettingsUpdate struct {
	AutoRemoveAccountFailures *bool
	MaxRetries                *int
	FailureThreshold          *int
	RemovalThreshold          *int
}

func (u CampaignSettingsUpdate) Validate() error {
	if u.MaxRetries != nil && *u.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if u.FailureThreshold != nil && *u.FailureThreshold < 1 {
		return errors.New("failure_threshold must be >= 1")
	}
	if u.RemovalThreshold != nil && *u.RemovalThreshold < 1 {
		return errors.New("removal_threshold must be >= 1")
	}
	return nil
}

// CampaignFilter controls List queries.
type CampaignFilter struct {
	TenantID *int64
	Statuses []CampaignStatus
	Limit    int
	Offset   int
	Desc     bool // order by created_at
}
