// Package health maintains the per (campaign, account, template) failure
// record that decides which bindings stay eligible for sending.
package health

import (
	"context"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/logger"
)

const (
	// DefaultFailureThreshold retires a binding after this many consecutive
	// send failures, when the campaign opted into auto removal.
	DefaultFailureThreshold = 5
	// DefaultRemovalThreshold makes the retirement permanent after this many
	// retirements.
	DefaultRemovalThreshold = 3
)

// BindingStore is the persistence surface the tracker needs.
type BindingStore interface {
	Save(ctx context.Context, ct *model.CampaignTemplate) error
	ListByAccountInRunningCampaigns(ctx context.Context, tenantID, accountID int64) ([]*model.CampaignTemplate, error)
}

type Tracker struct {
	bindings BindingStore
}

func NewTracker(bindings BindingStore) *Tracker {
	return &Tracker{bindings: bindings}
}

// RecordFailure registers a send failure attributable to the binding (not to
// the recipient). At the campaign's failure threshold the binding is retired;
// enough retirements make the removal permanent.
func (t *Tracker) RecordFailure(ctx context.Context, c *model.Campaign, ct *model.CampaignTemplate, reason string, now time.Time) error {
	ct.ConsecutiveFailures++
	ct.LastError = reason
	ct.RemovalHistory = append(ct.RemovalHistory, model.RemovalEvent{At: now, Reason: reason})

	threshold := c.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	removalThreshold := c.RemovalThreshold
	if removalThreshold <= 0 {
		removalThreshold = DefaultRemovalThreshold
	}

	if ct.ConsecutiveFailures >= threshold && c.AutoRemoveAccountFailures && ct.IsActive {
		retire(ct, now, "consecutive failure threshold reached", removalThreshold)
		logger.Warn("binding retired after repeated failures",
			"campaign_id", ct.CampaignID,
			"account_id", ct.AccountID,
			"template_id", ct.TemplateID,
			"removal_count", ct.RemovalCount,
			"permanent", ct.PermanentRemoval)
	}

	return t.bindings.Save(ctx, ct)
}

// RecordSuccess resets the consecutive failure counter. Historical
// retirements stay on record: removal_count never decreases.
func (t *Tracker) RecordSuccess(ctx context.Context, ct *model.CampaignTemplate) error {
	if ct.ConsecutiveFailures == 0 {
		return nil
	}
	ct.ConsecutiveFailures = 0
	return t.bindings.Save(ctx, ct)
}

// RetireAccount deactivates every binding of the account across the tenant's
// running campaigns. Used when the provider reports the account itself as
// blocked or expired, which is fatal beyond any single recipient.
func (t *Tracker) RetireAccount(ctx context.Context, tenantID, accountID int64, reason string, now time.Time) error {
	cts, err := t.bindings.ListByAccountInRunningCampaigns(ctx, tenantID, accountID)
	if err != nil {
		return err
	}
	for _, ct := range cts {
		if !ct.IsActive {
			continue
		}
		retire(ct, now, reason, DefaultRemovalThreshold)
		if err := t.bindings.Save(ctx, ct); err != nil {
			return err
		}
	}
	if len(cts) > 0 {
		logger.Warn("account retired across running campaigns",
			"tenant_id", tenantID,
			"account_id", accountID,
			"bindings", len(cts),
			"reason", reason)
	}
	return nil
}

func retire(ct *model.CampaignTemplate, now time.Time, reason string, removalThreshold int) {
	ct.IsActive = false
	removedAt := now
	ct.RemovedAt = &removedAt
	ct.RemovalCount++
	ct.LastError = reason
	ct.RemovalHistory = append(ct.RemovalHistory, model.RemovalEvent{At: now, Reason: "retired: " + reason})
	if ct.RemovalCount >= removalThreshold {
		ct.PermanentRemoval = true
	}
}
