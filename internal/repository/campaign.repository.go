package repository

import (
	"context"
	"errors"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleTransition is returned when a guarded status update matched no
	// row, i.e. the campaign was no longer in the expected source status.
	ErrStaleTransition = errors.New("campaign status changed concurrently")
)

type CampaignRepository struct {
	*pg.DB
}

func NewCampaignRepository(db *pg.DB) *CampaignRepository {
	return &CampaignRepository{db}
}

func (r *CampaignRepository) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.Read(ctx).WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&model.Campaign{})

	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var campaigns []*model.Campaign
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&campaigns).Error; err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListDue returns running campaigns whose scheduled_at has passed (or is unset),
// ordered by id for deterministic dispatch fan-out.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	var campaigns []*model.Campaign
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ?", model.CampaignStatusRunning).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("id ASC").
		Find(&campaigns).Error
	return campaigns, err
}

// ListActivatable returns scheduled campaigns whose scheduled_at has passed.
func (r *CampaignRepository) ListActivatable(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	var campaigns []*model.Campaign
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ?", model.CampaignStatusScheduled).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("id ASC").
		Find(&campaigns).Error
	return campaigns, err
}

// ListRunningByTenant returns the tenant's running campaigns in id order, so
// callers enforcing the concurrency ceiling see a stable ranking.
func (r *CampaignRepository) ListRunningByTenant(ctx context.Context, tenantID int64) ([]*model.Campaign, error) {
	var campaigns []*model.Campaign
	err := r.Read(ctx).WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", model.CampaignStatusRunning).
		Order("id ASC").
		Find(&campaigns).Error
	return campaigns, err
}

// Transition moves a campaign from one status to another, applying extra
// column updates in the same statement. The source-status guard makes the
// update a compare-and-swap: ErrStaleTransition when the row was not in any
// of the expected source statuses.
func (r *CampaignRepository) Transition(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, set map[string]interface{}) error {
	if set == nil {
		set = map[string]interface{}{}
	}
	set["status"] = to

	res := r.Write(ctx).WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CounterDeltas is a batch of campaign counter increments. All values must be
// non-negative; counters are monotonically non-decreasing.
type CounterDeltas struct {
	TotalContacts int64
	Sent          int64
	Delivered     int64
	Read          int64
	Failed        int64
	NoTransport   int64
	ButtonClicks  int64
}

func (d CounterDeltas) empty() bool {
	return d.TotalContacts == 0 && d.Sent == 0 && d.Delivered == 0 && d.Read == 0 &&
		d.Failed == 0 && d.NoTransport == 0 && d.ButtonClicks == 0
}

// IncrementCounters applies deltas via atomic column increments so the
// dispatcher and the reconciler never race on a read-modify-write.
func (r *CampaignRepository) IncrementCounters(ctx context.Context, id int64, d CounterDeltas) error {
	if d.empty() {
		return nil
	}
	set := map[string]interface{}{}
	if d.TotalContacts > 0 {
		set["total_contacts"] = gorm.Expr("total_contacts + ?", d.TotalContacts)
	}
	if d.Sent > 0 {
		set["sent_count"] = gorm.Expr("sent_count + ?", d.Sent)
	}
	if d.Delivered > 0 {
		set["delivered_count"] = gorm.Expr("delivered_count + ?", d.Delivered)
	}
	if d.Read > 0 {
		set["read_count"] = gorm.Expr("read_count + ?", d.Read)
	}
	if d.Failed > 0 {
		set["failed_count"] = gorm.Expr("failed_count + ?", d.Failed)
	}
	if d.NoTransport > 0 {
		set["no_transport_count"] = gorm.Expr("no_transport_count + ?", d.NoTransport)
	}
	if d.ButtonClicks > 0 {
		set["button_clicks_count"] = gorm.Expr("button_clicks_count + ?", d.ButtonClicks)
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ?", id).
		Updates(set).Error
}

// UpdateSettings applies the operator-tunable knobs. Nil fields are skipped.
func (r *CampaignRepository) UpdateSettings(ctx context.Context, id int64, u model.CampaignSettingsUpdate) error {
	set := map[string]interface{}{}
	if u.AutoRemoveAccountFailures != nil {
		set["auto_remove_account_failures"] = *u.AutoRemoveAccountFailures
	}
	if u.MaxRetries != nil {
		set["max_retries"] = *u.MaxRetries
	}
	if u.FailureThreshold != nil {
		set["failure_threshold"] = *u.FailureThreshold
	}
	if u.RemovalThreshold != nil {
		set["removal_threshold"] = *u.RemovalThreshold
	}
	if len(set) == 0 {
		return nil
	}
	res := r.Write(ctx).WithContext(ctx).
		Model(&model.Campaign{}).
		Where("id = ?", id).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error) {
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	if err := r.Write(ctx).WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}
