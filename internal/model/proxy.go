package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ProxyStatus string

const (
	ProxyStatusActive   ProxyStatus = "active"
	ProxyStatusDegraded ProxyStatus = "degraded"
	ProxyStatusDisabled ProxyStatus = "disabled"
)

const (
	ProxyTypeHTTP   = "http"
	ProxyTypeSocks5 = "socks5"
)

// ProxyEndpoint is one egress endpoint inside a rotation pool.
type ProxyEndpoint struct {
	Type     string `json:"type"` // "http" | "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Addr returns host:port.
func (e ProxyEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL renders the endpoint as a dialer URL, credentials included.
func (e ProxyEndpoint) URL() string {
	scheme := e.Type
	if scheme == "" {
		scheme = ProxyTypeHTTP
	}
	if e.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s", scheme, e.Username, e.Password, e.Addr())
	}
	return fmt.Sprintf("%s://%s", scheme, e.Addr())
}

// ProxyPool is the ordered list of alternate egress endpoints,
// stored as a JSON column.
type ProxyPool []ProxyEndpoint

func (p ProxyPool) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *ProxyPool) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported proxy pool column type %T", src)
	}
}

// Proxy is a tenant-owned egress configuration: a primary endpoint plus an
// optional rotation pool. When the pool is non-empty, CurrentIndex is always
// a valid index into it.
type Proxy struct {
	ID               int64       `json:"id"                db:"id"                 gorm:"primaryKey;autoIncrement;column:id"`
	TenantID         int64       `json:"tenant_id"         db:"tenant_id"          gorm:"column:tenant_id;not null;index"`
	Type             string      `json:"type"              db:"type"               gorm:"column:type;not null;default:http"`
	Host             string      `json:"host"              db:"host"               gorm:"column:host;not null"`
	Port             int         `json:"port"              db:"port"               gorm:"column:port;not null"`
	Username         string      `json:"-"                 db:"username"           gorm:"column:username"`
	Password         string      `json:"-"                 db:"password"           gorm:"column:password"`
	RotationInterval *int        `json:"rotation_interval" db:"rotation_interval"  gorm:"column:rotation_interval"` // minutes, nil disables timed rotation
	Pool             ProxyPool   `json:"proxy_pool"        db:"proxy_pool"         gorm:"column:proxy_pool;type:text"`
	CurrentIndex     int         `json:"current_proxy_index" db:"current_proxy_index" gorm:"column:current_proxy_index;not null;default:0"`
	Status           ProxyStatus `json:"status"            db:"status"             gorm:"column:status;not null;default:active"`
	LastCheck        *time.Time  `json:"last_check"        db:"last_check"         gorm:"column:last_check"`
	LastRotatedAt    *time.Time  `json:"last_rotated_at"   db:"last_rotated_at"    gorm:"column:last_rotated_at"`
	LastIP           string      `json:"last_ip"           db:"last_ip"            gorm:"column:last_ip"`
}

func (Proxy) TableName() string { return "proxies" }

// Current returns the egress endpoint in effect. Falls back to the primary
// endpoint when the pool is empty or the persisted index is out of range.
func (p *Proxy) Current() ProxyEndpoint {
	if len(p.Pool) == 0 {
		return ProxyEndpoint{Type: p.Type, Host: p.Host, Port: p.Port, Username: p.Username, Password: p.Password}
	}
	idx := p.CurrentIndex
	if idx < 0 || idx >= len(p.Pool) {
		idx = 0
	}
	return p.Pool[idx]
}
