package repository

import (
	"context"
	"errors"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

type CampaignTemplateRepository struct {
	*pg.DB
}

func NewCampaignTemplateRepository(db *pg.DB) *CampaignTemplateRepository {
	return &CampaignTemplateRepository{db}
}

func (r *CampaignTemplateRepository) Get(ctx context.Context, id int64) (*model.CampaignTemplate, error) {
	var ct model.CampaignTemplate
	err := r.Read(ctx).WithContext(ctx).First(&ct, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (r *CampaignTemplateRepository) Create(ctx context.Context, ct *model.CampaignTemplate) (*model.CampaignTemplate, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(ct).Error; err != nil {
		return nil, err
	}
	return ct, nil
}

// ListEligible returns bindings a selector may hand out: active and not
// permanently removed.
func (r *CampaignTemplateRepository) ListEligible(ctx context.Context, campaignID int64) ([]*model.CampaignTemplate, error) {
	var cts []*model.CampaignTemplate
	err := r.Read(ctx).WithContext(ctx).
		Where("campaign_id = ? AND is_active = ? AND permanent_removal = ?", campaignID, true, false).
		Order("id ASC").
		Find(&cts).Error
	return cts, err
}

// GetByAccountTemplate resolves the binding for a (campaign, account, template)
// triple so webhook failures can be attributed back to it.
func (r *CampaignTemplateRepository) GetByAccountTemplate(ctx context.Context, campaignID, accountID, templateID int64) (*model.CampaignTemplate, error) {
	var ct model.CampaignTemplate
	err := r.Read(ctx).WithContext(ctx).
		Where("campaign_id = ? AND account_id = ? AND template_id = ?", campaignID, accountID, templateID).
		First(&ct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// Save persists the health-tracking fields mutated by the tracker.
func (r *CampaignTemplateRepository) Save(ctx context.Context, ct *model.CampaignTemplate) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignTemplate{}).
		Where("id = ?", ct.ID).
		Updates(map[string]interface{}{
			"is_active":            ct.IsActive,
			"consecutive_failures": ct.ConsecutiveFailures,
			"last_error":           ct.LastError,
			"removed_at":           ct.RemovedAt,
			"removal_count":        ct.RemovalCount,
			"permanent_removal":    ct.PermanentRemoval,
			"removal_history":      ct.RemovalHistory,
		}).Error
}

// TouchLastUsed records when the selector handed the binding out.
func (r *CampaignTemplateRepository) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignTemplate{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// ListByAccountInRunningCampaigns returns every binding of the account across
// the tenant's running campaigns. Used when a provider reports the account
// itself as dead.
func (r *CampaignTemplateRepository) ListByAccountInRunningCampaigns(ctx context.Context, tenantID, accountID int64) ([]*model.CampaignTemplate, error) {
	var cts []*model.CampaignTemplate
	err := r.Read(ctx).WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("campaign_id IN (?)", r.Read(ctx).
			Model(&model.Campaign{}).
			Select("id").
			Where("tenant_id = ? AND status = ?", tenantID, model.CampaignStatusRunning)).
		Find(&cts).Error
	return cts, err
}
