package repository

import (
	"context"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

// CampaignContactRepository backs the recipient queue: an ordered, resumable
// set of (campaign, contact) pairs with claim-based popping.
type CampaignContactRepository struct {
	*pg.DB
}

func NewCampaignContactRepository(db *pg.DB) *CampaignContactRepository {
	return &CampaignContactRepository{db}
}

func (r *CampaignContactRepository) CreateBatch(ctx context.Context, ccs []*model.CampaignContact) error {
	if len(ccs) == 0 {
		return nil
	}
	return r.Write(ctx).WithContext(ctx).Create(&ccs).Error
}

// ClaimBatch pops up to n pending recipients FIFO (insertion order, ties by id)
// by marking them in_flight under a claim token. The token scopes every later
// outcome write to this claim; a claim whose worker died is swept back to
// pending by ReleaseStale. Single-writer per campaign is guaranteed by the
// campaign lease, so the select-then-update pair does not race.
func (r *CampaignContactRepository) ClaimBatch(ctx context.Context, campaignID int64, n int, token string, now time.Time) ([]*model.CampaignContact, error) {
	if n <= 0 {
		return nil, nil
	}

	var ids []int64
	err := r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("campaign_id = ? AND state = ?", campaignID, model.DeliveryStatePending).
		Order("id ASC").
		Limit(n).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	err = r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("id IN ? AND state = ?", ids, model.DeliveryStatePending).
		Updates(map[string]interface{}{
			"state":       model.DeliveryStateInFlight,
			"claim_token": token,
			"claimed_at":  now,
		}).Error
	if err != nil {
		return nil, err
	}

	var claimed []*model.CampaignContact
	err = r.Write(ctx).WithContext(ctx).
		Where("claim_token = ? AND state = ?", token, model.DeliveryStateInFlight).
		Order("id ASC").
		Find(&claimed).Error
	return claimed, err
}

// Release returns every recipient still in flight under the token to pending,
// e.g. when the campaign pauses mid-batch.
func (r *CampaignContactRepository) Release(ctx context.Context, token string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("claim_token = ? AND state = ?", token, model.DeliveryStateInFlight).
		Updates(map[string]interface{}{
			"state":       model.DeliveryStatePending,
			"claim_token": "",
			"claimed_at":  nil,
		}).Error
}

// ReleaseStale sweeps in_flight rows whose claim is older than the cutoff back
// to pending. Crashed workers are reclaimed here; the resulting guarantee is
// at-least-once.
func (r *CampaignContactRepository) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	res := r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("state = ? AND claimed_at < ?", model.DeliveryStateInFlight, before).
		Updates(map[string]interface{}{
			"state":       model.DeliveryStatePending,
			"claim_token": "",
			"claimed_at":  nil,
		})
	return res.RowsAffected, res.Error
}

// MarkSent records a successful handoff to the transport.
func (r *CampaignContactRepository) MarkSent(ctx context.Context, id int64) error {
	return r.markOutcome(ctx, id, model.DeliveryStateSent, false)
}

// MarkNoTransport records a recipient with no reachable transport. Does not
// count as an attempt against the account.
func (r *CampaignContactRepository) MarkNoTransport(ctx context.Context, id int64) error {
	return r.markOutcome(ctx, id, model.DeliveryStateNoTransport, false)
}

// Requeue puts one recipient back to pending without counting an attempt,
// e.g. when the failure was the account's fault rather than the recipient's.
func (r *CampaignContactRepository) Requeue(ctx context.Context, id int64) error {
	return r.markOutcome(ctx, id, model.DeliveryStatePending, false)
}

// MarkFailed records a failed attempt. With requeue the recipient goes back to
// pending for one more pass; otherwise it stays failed permanently.
func (r *CampaignContactRepository) MarkFailed(ctx context.Context, id int64, requeue bool) error {
	state := model.DeliveryStateFailed
	if requeue {
		state = model.DeliveryStatePending
	}
	return r.markOutcome(ctx, id, state, true)
}

func (r *CampaignContactRepository) markOutcome(ctx context.Context, id int64, state model.DeliveryState, countAttempt bool) error {
	set := map[string]interface{}{
		"state":       state,
		"claim_token": "",
		"claimed_at":  nil,
	}
	if countAttempt {
		set["attempts"] = gorm.Expr("attempts + 1")
	}
	return r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("id = ?", id).
		Updates(set).Error
}

// UpdateDeliveryState mirrors a reconciled message status onto the recipient
// row (sent -> delivered/read/failed).
func (r *CampaignContactRepository) UpdateDeliveryState(ctx context.Context, id int64, state model.DeliveryState) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("id = ?", id).
		Update("state", state).Error
}

func (r *CampaignContactRepository) Get(ctx context.Context, id int64) (*model.CampaignContact, error) {
	var cc model.CampaignContact
	if err := r.Read(ctx).WithContext(ctx).First(&cc, id).Error; err != nil {
		return nil, err
	}
	return &cc, nil
}

// PendingOrInFlight counts recipients the campaign still owes work for.
// Zero means the queue is exhausted and the campaign may complete.
func (r *CampaignContactRepository) PendingOrInFlight(ctx context.Context, campaignID int64) (int64, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("campaign_id = ? AND state IN ?", campaignID,
			[]model.DeliveryState{model.DeliveryStatePending, model.DeliveryStateInFlight}).
		Count(&n).Error
	return n, err
}

// CountByState returns the per-state recipient counts for a campaign.
func (r *CampaignContactRepository) CountByState(ctx context.Context, campaignID int64, state model.DeliveryState) (int64, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&model.CampaignContact{}).
		Where("campaign_id = ? AND state = ?", campaignID, state).
		Count(&n).Error
	return n, err
}
