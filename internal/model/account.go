package model

import "time"

// ChannelType distinguishes official provider APIs from unofficial
// transports that require proxied egress.
type ChannelType string

const (
	ChannelOfficial   ChannelType = "official"
	ChannelUnofficial ChannelType = "unofficial"
)

// Account is a credential identity used to originate outbound messages.
type Account struct {
	ID         int64       `json:"id"          db:"id"           gorm:"primaryKey;autoIncrement;column:id"`
	TenantID   int64       `json:"tenant_id"   db:"tenant_id"    gorm:"column:tenant_id;not null;index"`
	Identifier string      `json:"identifier"  db:"identifier"   gorm:"column:identifier;not null"`
	APIKey     string      `json:"-"           db:"api_key"      gorm:"column:api_key;not null"`
	Channel    ChannelType `json:"channel"     db:"channel"      gorm:"column:channel;not null;default:official"`
	ProxyID    *int64      `json:"proxy_id"    db:"proxy_id"     gorm:"column:proxy_id"`
	CreatedAt  time.Time   `json:"created_at"  db:"created_at"   gorm:"column:created_at;autoCreateTime"`
}

func (Account) TableName() string { return "accounts" }

// Template is a pre-defined message structure with named placeholders.
type Template struct {
	ID        int64     `json:"id"         db:"id"         gorm:"primaryKey;autoIncrement;column:id"`
	TenantID  int64     `json:"tenant_id"  db:"tenant_id"  gorm:"column:tenant_id;not null;index"`
	Name      string    `json:"name"       db:"name"       gorm:"column:name;not null"`
	Body      string    `json:"body"       db:"body"       gorm:"column:body;not null"`
	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (Template) TableName() string { return "templates" }
