package repository

import (
	"context"
	"errors"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

type ProxyRepository struct {
	*pg.DB
}

func NewProxyRepository(db *pg.DB) *ProxyRepository {
	return &ProxyRepository{db}
}

func (r *ProxyRepository) Get(ctx context.Context, id int64) (*model.Proxy, error) {
	var p model.Proxy
	err := r.Read(ctx).WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProxyRepository) Create(ctx context.Context, p *model.Proxy) (*model.Proxy, error) {
	if p.Status == "" {
		p.Status = model.ProxyStatusActive
	}
	if err := r.Write(ctx).WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateRotation persists the advanced pool index so rotation survives
// worker restarts.
func (r *ProxyRepository) UpdateRotation(ctx context.Context, id int64, index int, at time.Time) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Proxy{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_proxy_index": index,
			"last_rotated_at":     at,
		}).Error
}

// UpdateCheck records the result of an egress health probe.
func (r *ProxyRepository) UpdateCheck(ctx context.Context, id int64, at time.Time, ip string, status model.ProxyStatus) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Proxy{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_check": at,
			"last_ip":    ip,
			"status":     status,
		}).Error
}
