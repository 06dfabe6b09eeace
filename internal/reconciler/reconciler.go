// Package reconciler applies provider webhook callbacks to message and
// campaign state. Status moves only forward, and every counter increments at
// most once per (message, status) no matter how often the provider repeats or
// reorders its callbacks.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/prom"
)

type MessageStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	UpgradeStatus(ctx context.Context, id int64, to model.MessageStatus, at time.Time) (bool, error)
}

type ClickStore interface {
	InsertIfAbsent(ctx context.Context, bc *model.ButtonClick) (bool, error)
}

type CampaignStore interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	IncrementCounters(ctx context.Context, id int64, d repository.CounterDeltas) error
}

type RecipientStore interface {
	UpdateDeliveryState(ctx context.Context, id int64, state model.DeliveryState) error
}

// AccountRetirer retires an account across the tenant's running campaigns.
type AccountRetirer interface {
	RetireAccount(ctx context.Context, tenantID, accountID int64, reason string, now time.Time) error
}

type Reconciler struct {
	messages MessageStore
	clicks   ClickStore

	campaigns  CampaignStore
	recipients RecipientStore
	retirer    AccountRetirer
}

func New(messages MessageStore, clicks ClickStore, campaigns CampaignStore, recipients RecipientStore, retirer AccountRetirer) *Reconciler {
	return &Reconciler{
		messages:   messages,
		clicks:     clicks,
		campaigns:  campaigns,
		recipients: recipients,
		retirer:    retirer,
	}
}

// Process applies one webhook event. It is safe to call more than once with
// the same event; replays become no-ops.
func (r *Reconciler) Process(ctx context.Context, ev *model.WebhookEvent) error {
	if err := ev.Validate(); err != nil {
		// Malformed events can never succeed; drop them.
		logger.Warn("Discarding invalid webhook event",
			"external_message_id", ev.ExternalMessageID, "error", err)
		return nil
	}

	msg, err := r.messages.GetByExternalID(ctx, ev.ExternalMessageID)
	if errors.Is(err, repository.ErrNotFound) {
		// Either the provider is ahead of our message insert or the ID is
		// foreign. The queue retries, so a racing insert gets another chance.
		logger.Warn("Webhook event references unknown message",
			"external_message_id", ev.ExternalMessageID, "type", ev.Type)
		prom.IncReconcileUnknownMessage()
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Type {
	case model.WebhookEventClick:
		return r.applyClick(ctx, msg, ev)
	default:
		return r.applyStatus(ctx, msg, ev)
	}
}

func (r *Reconciler) applyStatus(ctx context.Context, msg *model.Message, ev *model.WebhookEvent) error {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	upgraded, err := r.messages.UpgradeStatus(ctx, msg.ID, ev.NewStatus, at)
	if err != nil {
		return err
	}
	if !upgraded {
		// Duplicate or out-of-order callback; the ratchet already passed
		// this status.
		logger.Debug("Webhook status ignored by ratchet",
			"message_id", msg.ID, "status", ev.NewStatus)
		return nil
	}

	var deltas repository.CounterDeltas
	var state model.DeliveryState
	switch ev.NewStatus {
	case model.MessageStatusDelivered:
		deltas.Delivered = 1
		state = model.DeliveryStateDelivered
	case model.MessageStatusRead:
		deltas.Read = 1
		state = model.DeliveryStateRead
	case model.MessageStatusFailed:
		deltas.Failed = 1
		state = model.DeliveryStateFailed
	default:
		// "sent" is recorded at dispatch time; nothing to mirror.
		return nil
	}

	if err := r.campaigns.IncrementCounters(ctx, msg.CampaignID, deltas); err != nil {
		return err
	}
	if err := r.recipients.UpdateDeliveryState(ctx, msg.CampaignContactID, state); err != nil {
		return err
	}
	prom.IncReconcileStatus(string(ev.NewStatus))

	if ev.NewStatus == model.MessageStatusFailed && ev.AccountFatal() {
		return r.escalateAccount(ctx, msg, ev)
	}
	return nil
}

// escalateAccount retires the sending account everywhere after a fatal
// provider error code such as a block or session expiry.
func (r *Reconciler) escalateAccount(ctx context.Context, msg *model.Message, ev *model.WebhookEvent) error {
	c, err := r.campaigns.Get(ctx, msg.CampaignID)
	if err != nil {
		return err
	}
	logger.Error("Provider reported fatal account error, retiring account",
		"account_id", msg.AccountID,
		"tenant_id", c.TenantID,
		"code", ev.ErrorCode)
	return r.retirer.RetireAccount(ctx, c.TenantID, msg.AccountID, ev.ErrorCode, time.Now())
}

func (r *Reconciler) applyClick(ctx context.Context, msg *model.Message, ev *model.WebhookEvent) error {
	inserted, err := r.clicks.InsertIfAbsent(ctx, &model.ButtonClick{
		MessageID:     msg.ID,
		ButtonPayload: ev.ButtonPayload,
		ClickedAt:     ev.OccurredAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		logger.Debug("Duplicate button click ignored",
			"message_id", msg.ID, "payload", ev.ButtonPayload)
		return nil
	}
	prom.IncReconcileClick()
	return r.campaigns.IncrementCounters(ctx, msg.CampaignID, repository.CounterDeltas{ButtonClicks: 1})
}
