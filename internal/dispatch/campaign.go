package dispatch

import (
	"context"
	"errors"
	"time"

	gateway "github.com/blastline/campaign-engine/internal/gateways"
	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/render"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/internal/selector"
	"github.com/blastline/campaign-engine/pkg/logger"
	"github.com/blastline/campaign-engine/pkg/prom"
	"github.com/google/uuid"
)

// CampaignStore is the campaign read/counter surface the runner needs.
type CampaignStore interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	ListActivatable(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	ListRunningByTenant(ctx context.Context, tenantID int64) ([]*model.Campaign, error)
	IncrementCounters(ctx context.Context, id int64, d repository.CounterDeltas) error
}

// Lifecycle is the subset of the campaign service the engine drives.
type Lifecycle interface {
	Activate(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
}

// RecipientStore is the per-recipient queue.
type RecipientStore interface {
	ClaimBatch(ctx context.Context, campaignID int64, n int, token string, now time.Time) ([]*model.CampaignContact, error)
	Release(ctx context.Context, token string) error
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)
	Requeue(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64) error
	MarkNoTransport(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, requeue bool) error
	PendingOrInFlight(ctx context.Context, campaignID int64) (int64, error)
}

type ContactStore interface {
	Get(ctx context.Context, id int64) (*model.Contact, error)
}

type AccountStore interface {
	Get(ctx context.Context, id int64) (*model.Account, error)
}

type TemplateStore interface {
	Get(ctx context.Context, id int64) (*model.Template, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
}

// Picker selects the account/template pair for the next send.
type Picker interface {
	Pick(ctx context.Context, campaignID int64, now time.Time) (*model.CampaignTemplate, error)
}

// HealthSink receives per-send outcomes for account health accounting.
type HealthSink interface {
	RecordSuccess(ctx context.Context, ct *model.CampaignTemplate) error
	RecordFailure(ctx context.Context, c *model.Campaign, ct *model.CampaignTemplate, reason string, now time.Time) error
	RetireAccount(ctx context.Context, tenantID, accountID int64, reason string, now time.Time) error
}

// Governor is the tenant resource authority gate.
type Governor interface {
	CanSendMore(ctx context.Context, tenantID int64, n int) (bool, error)
	CanStartConcurrentCampaign(ctx context.Context, tenantID int64, running int64) (bool, error)
	RecordSend(ctx context.Context, tenantID int64) error
	CoolDownAccount(ctx context.Context, accountID int64, window time.Duration) error
}

// ProxySource resolves and rotates egress proxies per account.
type ProxySource interface {
	Acquire(ctx context.Context, accountID int64) (*model.ProxyEndpoint, error)
	ForceRotate(ctx context.Context, proxyID int64) error
}

// Transport delivers one rendered message.
type Transport interface {
	Send(deadline time.Time, req *gateway.SendRequest, proxy *model.ProxyEndpoint) (*gateway.SendResponse, error)
}

const rateLimitCoolDown = 5 * time.Minute

// CampaignRunner processes one campaign tick: claim a batch, send each
// recipient through a healthy account, record outcomes.
type CampaignRunner struct {
	campaigns  CampaignStore
	lifecycle  Lifecycle
	recipients RecipientStore
	contacts   ContactStore
	accounts   AccountStore
	templates  TemplateStore
	messages   MessageStore
	picker     Picker
	health     HealthSink
	governor   Governor
	proxies    ProxySource
	transport  Transport
	limiters   *LimiterRegistry
	metrics    *EngineMetrics

	batchSize   int
	sendTimeout time.Duration
	now         func() time.Time
}

type RunnerDeps struct {
	Campaigns  CampaignStore
	Lifecycle  Lifecycle
	Recipients RecipientStore
	Contacts   ContactStore
	Accounts   AccountStore
	Templates  TemplateStore
	Messages   MessageStore
	Picker     Picker
	Health     HealthSink
	Governor   Governor
	Proxies    ProxySource
	Transport  Transport
	Limiters   *LimiterRegistry
	Metrics    *EngineMetrics

	BatchSize   int
	SendTimeout time.Duration
	Now         func() time.Time
}

func NewCampaignRunner(deps RunnerDeps) *CampaignRunner {
	if deps.BatchSize <= 0 {
		deps.BatchSize = 50
	}
	if deps.SendTimeout <= 0 {
		deps.SendTimeout = 10 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = NewEngineMetrics()
	}
	if deps.Limiters == nil {
		deps.Limiters = NewLimiterRegistry(2, 5, 2)
	}
	return &CampaignRunner{
		campaigns:   deps.Campaigns,
		lifecycle:   deps.Lifecycle,
		recipients:  deps.Recipients,
		contacts:    deps.Contacts,
		accounts:    deps.Accounts,
		templates:   deps.Templates,
		messages:    deps.Messages,
		picker:      deps.Picker,
		health:      deps.Health,
		governor:    deps.Governor,
		proxies:     deps.Proxies,
		transport:   deps.Transport,
		limiters:    deps.Limiters,
		metrics:     deps.Metrics,
		batchSize:   deps.BatchSize,
		sendTimeout: deps.SendTimeout,
		now:         deps.Now,
	}
}

// RunTick claims and processes one batch for the campaign. The caller must
// hold the campaign's dispatch lease.
func (r *CampaignRunner) RunTick(ctx context.Context, campaignID int64) error {
	c, err := r.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignStatusRunning {
		return nil
	}

	if r.governor != nil {
		// Older running campaigns fill the tenant's concurrency slots first;
		// anything beyond the ceiling sits out the tick.
		peers, err := r.campaigns.ListRunningByTenant(ctx, c.TenantID)
		if err != nil {
			return err
		}
		var ahead int64
		for _, p := range peers {
			if p.ID < c.ID {
				ahead++
			}
		}
		ok, err := r.governor.CanStartConcurrentCampaign(ctx, c.TenantID, ahead)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn("Tenant concurrency ceiling reached, skipping tick",
				"campaign_id", c.ID, "tenant_id", c.TenantID)
			return nil
		}

		ok, err = r.governor.CanSendMore(ctx, c.TenantID, r.batchSize)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn("Tenant daily quota cannot cover the batch, skipping tick",
				"campaign_id", c.ID, "tenant_id", c.TenantID, "batch_size", r.batchSize)
			return nil
		}
	}

	token := uuid.NewString()
	claimed, err := r.recipients.ClaimBatch(ctx, c.ID, r.batchSize, token, r.now())
	if err != nil {
		return err
	}

	if len(claimed) == 0 {
		return r.completeIfDrained(ctx, c)
	}

	for i, cc := range claimed {
		// Operator actions land between sends: re-check before every
		// recipient so pause and cancel take effect mid-batch.
		if i > 0 {
			current, err := r.campaigns.Get(ctx, c.ID)
			if err != nil {
				return r.recipients.Release(ctx, token)
			}
			if current.Status != model.CampaignStatusRunning {
				logger.Info("Campaign left running mid-batch, releasing claims",
					"campaign_id", c.ID, "status", current.Status)
				return r.recipients.Release(ctx, token)
			}
			c = current
		}

		if err := r.processRecipient(ctx, c, cc); err != nil {
			if errors.Is(err, selector.ErrNoEligiblePair) {
				logger.Warn("No eligible account/template pair, pausing campaign",
					"campaign_id", c.ID)
				_ = r.recipients.Release(ctx, token)
				return r.lifecycle.Pause(ctx, c.ID)
			}
			return err
		}
	}

	return r.completeIfDrained(ctx, c)
}

func (r *CampaignRunner) completeIfDrained(ctx context.Context, c *model.Campaign) error {
	remaining, err := r.recipients.PendingOrInFlight(ctx, c.ID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	logger.Info("Campaign drained, completing", "campaign_id", c.ID)
	err = r.lifecycle.Complete(ctx, c.ID)
	if errors.Is(err, repository.ErrStaleTransition) {
		// Another actor already moved it; nothing to do.
		return nil
	}
	return err
}

// processRecipient runs one send attempt end to end.
func (r *CampaignRunner) processRecipient(ctx context.Context, c *model.Campaign, cc *model.CampaignContact) error {
	now := r.now()

	pick, err := r.picker.Pick(ctx, c.ID, now)
	if err != nil {
		return err
	}

	contact, err := r.contacts.Get(ctx, cc.ContactID)
	if err != nil {
		logger.Error("Recipient contact missing, failing permanently",
			"campaign_id", c.ID, "contact_id", cc.ContactID, "error", err)
		return r.failRecipient(ctx, c, cc, false)
	}
	account, err := r.accounts.Get(ctx, pick.AccountID)
	if err != nil {
		return err
	}
	template, err := r.templates.Get(ctx, pick.TemplateID)
	if err != nil {
		return err
	}

	body := render.Render(template.Body, contact.Variables)

	release, err := r.limiters.Acquire(ctx, account.ID)
	if err != nil {
		return err
	}
	defer release()

	proxy, err := r.proxies.Acquire(ctx, account.ID)
	if err != nil {
		logger.Warn("Proxy unavailable for account, requeueing recipient",
			"account_id", account.ID, "error", err)
		return r.recipients.Requeue(ctx, cc.ID)
	}

	start := r.now()
	resp, err := r.transport.Send(start.Add(r.sendTimeout), &gateway.SendRequest{
		AccountID: account.ID,
		APIKey:    account.APIKey,
		Channel:   account.Channel,
		Recipient: contact.Phone,
		Body:      body,
	}, proxy)
	if err != nil {
		return r.handleSendFailure(ctx, c, cc, pick, account, err)
	}

	duration := r.now().Sub(start)

	if _, err := r.messages.Create(ctx, &model.Message{
		CampaignID:        c.ID,
		CampaignContactID: cc.ID,
		AccountID:         account.ID,
		TemplateID:        template.ID,
		ExternalMessageID: resp.ExternalMessageID,
		Status:            model.MessageStatusSent,
		SentAt:            r.now(),
	}); err != nil {
		// The provider accepted the message but we lost the record; the
		// recipient must not be sent to twice, so mark it sent anyway.
		logger.Error("Failed to persist sent message",
			"campaign_id", c.ID, "external_message_id", resp.ExternalMessageID, "error", err)
	}

	if err := r.recipients.MarkSent(ctx, cc.ID); err != nil {
		return err
	}
	if err := r.campaigns.IncrementCounters(ctx, c.ID, repository.CounterDeltas{Sent: 1}); err != nil {
		return err
	}
	if r.governor != nil {
		if err := r.governor.RecordSend(ctx, c.TenantID); err != nil {
			logger.Warn("Failed to record tenant send", "tenant_id", c.TenantID, "error", err)
		}
	}
	if err := r.health.RecordSuccess(ctx, pick); err != nil {
		logger.Warn("Failed to record account success", "account_id", pick.AccountID, "error", err)
	}

	r.metrics.RecordSent(duration)
	prom.IncDispatchSent()
	prom.AddDispatchSendDuration(duration.Seconds())

	logger.Debug("Recipient dispatched",
		"campaign_id", c.ID,
		"campaign_contact_id", cc.ID,
		"account_id", account.ID,
		"external_message_id", resp.ExternalMessageID)

	return nil
}

func (r *CampaignRunner) handleSendFailure(ctx context.Context, c *model.Campaign, cc *model.CampaignContact, pick *model.CampaignTemplate, account *model.Account, sendErr error) error {
	te := gateway.AsTransportError(sendErr)
	now := r.now()

	switch te.Kind {
	case gateway.KindNoTransport:
		// Terminal for the recipient; the account did nothing wrong.
		if err := r.recipients.MarkNoTransport(ctx, cc.ID); err != nil {
			return err
		}
		r.metrics.RecordNoTransport()
		prom.IncDispatchNoTransport()
		return r.campaigns.IncrementCounters(ctx, c.ID, repository.CounterDeltas{NoTransport: 1})

	case gateway.KindRateLimited:
		logger.Warn("Account rate limited by provider",
			"account_id", account.ID, "campaign_id", c.ID)
		if r.governor != nil {
			if err := r.governor.CoolDownAccount(ctx, account.ID, rateLimitCoolDown); err != nil {
				logger.Warn("Failed to cool down account", "account_id", account.ID, "error", err)
			}
		}
		r.metrics.RecordRequeued()
		return r.recipients.Requeue(ctx, cc.ID)

	case gateway.KindAccountInvalid:
		logger.Error("Account rejected by provider, retiring",
			"account_id", account.ID, "code", te.Code)
		if err := r.health.RetireAccount(ctx, c.TenantID, account.ID, te.Code, now); err != nil {
			logger.Error("Failed to retire account", "account_id", account.ID, "error", err)
		}
		r.metrics.RecordRequeued()
		return r.recipients.Requeue(ctx, cc.ID)

	case gateway.KindEgress:
		if account.ProxyID != nil {
			if err := r.proxies.ForceRotate(ctx, *account.ProxyID); err != nil {
				logger.Warn("Proxy rotation failed", "proxy_id", *account.ProxyID, "error", err)
			}
		}
		fallthrough

	default:
		if err := r.health.RecordFailure(ctx, c, pick, te.Message, now); err != nil {
			logger.Warn("Failed to record account failure", "account_id", pick.AccountID, "error", err)
		}
		requeue := cc.Attempts+1 < 1+c.MaxRetries
		return r.failRecipient(ctx, c, cc, requeue)
	}
}

func (r *CampaignRunner) failRecipient(ctx context.Context, c *model.Campaign, cc *model.CampaignContact, requeue bool) error {
	if err := r.recipients.MarkFailed(ctx, cc.ID, requeue); err != nil {
		return err
	}
	if requeue {
		r.metrics.RecordRequeued()
		return nil
	}
	r.metrics.RecordFailed()
	prom.IncDispatchFailed()
	return r.campaigns.IncrementCounters(ctx, c.ID, repository.CounterDeltas{Failed: 1})
}
