package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	gateway "github.com/blastline/campaign-engine/internal/gateways"
	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/internal/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCampaigns struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
}

func (m *memCampaigns) Get(_ context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCampaigns) ListDue(_ context.Context, _ time.Time) ([]*model.Campaign, error) {
	return nil, nil
}

func (m *memCampaigns) ListActivatable(_ context.Context, _ time.Time) ([]*model.Campaign, error) {
	return nil, nil
}

func (m *memCampaigns) ListRunningByTenant(_ context.Context, tenantID int64) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID && c.Status == model.CampaignStatusRunning {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCampaigns) IncrementCounters(_ context.Context, id int64, d repository.CounterDeltas) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.SentCount += d.Sent
	c.FailedCount += d.Failed
	c.NoTransportCount += d.NoTransport
	return nil
}

type memLifecycle struct {
	campaigns *memCampaigns
	paused    []int64
	completed []int64
}

func (m *memLifecycle) Activate(_ context.Context, _ int64) error { return nil }

func (m *memLifecycle) Pause(_ context.Context, id int64) error {
	m.paused = append(m.paused, id)
	m.campaigns.campaigns[id].Status = model.CampaignStatusPaused
	return nil
}

func (m *memLifecycle) Complete(_ context.Context, id int64) error {
	m.completed = append(m.completed, id)
	m.campaigns.campaigns[id].Status = model.CampaignStatusCompleted
	return nil
}

type memRecipients struct {
	mu   sync.Mutex
	rows []*model.CampaignContact
}

func (m *memRecipients) ClaimBatch(_ context.Context, campaignID int64, n int, token string, now time.Time) ([]*model.CampaignContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*model.CampaignContact
	for _, cc := range m.rows {
		if len(claimed) >= n {
			break
		}
		if cc.CampaignID == campaignID && cc.State == model.DeliveryStatePending {
			cc.State = model.DeliveryStateInFlight
			cc.ClaimToken = token
			at := now
			cc.ClaimedAt = &at
			claimed = append(claimed, cc)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (m *memRecipients) Release(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cc := range m.rows {
		if cc.ClaimToken == token && cc.State == model.DeliveryStateInFlight {
			cc.State = model.DeliveryStatePending
			cc.ClaimToken = ""
			cc.ClaimedAt = nil
		}
	}
	return nil
}

func (m *memRecipients) ReleaseStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, cc := range m.rows {
		if cc.State == model.DeliveryStateInFlight && cc.ClaimedAt != nil && cc.ClaimedAt.Before(before) {
			cc.State = model.DeliveryStatePending
			cc.ClaimToken = ""
			cc.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memRecipients) set(id int64, state model.DeliveryState, countAttempt bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cc := range m.rows {
		if cc.ID == id {
			cc.State = state
			cc.ClaimToken = ""
			cc.ClaimedAt = nil
			if countAttempt {
				cc.Attempts++
			}
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memRecipients) Requeue(_ context.Context, id int64) error {
	return m.set(id, model.DeliveryStatePending, false)
}

func (m *memRecipients) MarkSent(_ context.Context, id int64) error {
	return m.set(id, model.DeliveryStateSent, false)
}

func (m *memRecipients) MarkNoTransport(_ context.Context, id int64) error {
	return m.set(id, model.DeliveryStateNoTransport, false)
}

func (m *memRecipients) MarkFailed(_ context.Context, id int64, requeue bool) error {
	state := model.DeliveryStateFailed
	if requeue {
		state = model.DeliveryStatePending
	}
	return m.set(id, state, true)
}

func (m *memRecipients) PendingOrInFlight(_ context.Context, campaignID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, cc := range m.rows {
		if cc.CampaignID == campaignID &&
			(cc.State == model.DeliveryStatePending || cc.State == model.DeliveryStateInFlight) {
			n++
		}
	}
	return n, nil
}

func (m *memRecipients) byID(id int64) *model.CampaignContact {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cc := range m.rows {
		if cc.ID == id {
			return cc
		}
	}
	return nil
}

type memContacts struct{ contacts map[int64]*model.Contact }

func (m *memContacts) Get(_ context.Context, id int64) (*model.Contact, error) {
	c, ok := m.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

type memAccounts struct{ accounts map[int64]*model.Account }

func (m *memAccounts) Get(_ context.Context, id int64) (*model.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

type memTemplates struct{ templates map[int64]*model.Template }

func (m *memTemplates) Get(_ context.Context, id int64) (*model.Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return tpl, nil
}

type memMessages struct {
	mu       sync.Mutex
	messages []*model.Message
}

func (m *memMessages) Create(_ context.Context, msg *model.Message) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = int64(len(m.messages) + 1)
	m.messages = append(m.messages, msg)
	return msg, nil
}

type memBindings struct {
	mu       sync.Mutex
	bindings []*model.CampaignTemplate
}

func (m *memBindings) ListEligible(_ context.Context, campaignID int64) ([]*model.CampaignTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CampaignTemplate
	for _, ct := range m.bindings {
		if ct.CampaignID == campaignID && ct.Eligible() {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (m *memBindings) TouchLastUsed(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ct := range m.bindings {
		if ct.ID == id {
			used := at
			ct.LastUsedAt = &used
		}
	}
	return nil
}

type memHealth struct {
	successes []int64
	failures  []int64
	retired   []string
}

func (m *memHealth) RecordSuccess(_ context.Context, ct *model.CampaignTemplate) error {
	m.successes = append(m.successes, ct.AccountID)
	ct.ConsecutiveFailures = 0
	return nil
}

func (m *memHealth) RecordFailure(_ context.Context, _ *model.Campaign, ct *model.CampaignTemplate, _ string, _ time.Time) error {
	m.failures = append(m.failures, ct.AccountID)
	ct.ConsecutiveFailures++
	return nil
}

func (m *memHealth) RetireAccount(_ context.Context, tenantID, accountID int64, reason string, _ time.Time) error {
	m.retired = append(m.retired, fmt.Sprintf("%d/%d/%s", tenantID, accountID, reason))
	return nil
}

type memGovernor struct {
	allow       bool
	quota       int   // 0 means unlimited
	concurrency int64 // 0 means unlimited
	sends       int
	cooledOff   []int64
}

func (m *memGovernor) CanSendMore(_ context.Context, _ int64, n int) (bool, error) {
	if !m.allow {
		return false, nil
	}
	if m.quota > 0 && m.sends+n > m.quota {
		return false, nil
	}
	return true, nil
}

func (m *memGovernor) CanStartConcurrentCampaign(_ context.Context, _ int64, running int64) (bool, error) {
	if m.concurrency > 0 && running >= m.concurrency {
		return false, nil
	}
	return true, nil
}

func (m *memGovernor) RecordSend(_ context.Context, _ int64) error { m.sends++; return nil }
func (m *memGovernor) CoolDownAccount(_ context.Context, accountID int64, _ time.Duration) error {
	m.cooledOff = append(m.cooledOff, accountID)
	return nil
}

type memProxies struct {
	rotated []int64
}

func (m *memProxies) Acquire(_ context.Context, _ int64) (*model.ProxyEndpoint, error) {
	return nil, nil
}

func (m *memProxies) ForceRotate(_ context.Context, proxyID int64) error {
	m.rotated = append(m.rotated, proxyID)
	return nil
}

// scriptTransport replies per recipient phone number, defaulting to success.
type scriptTransport struct {
	mu       sync.Mutex
	failures map[string]error // phone -> error
	sends    []*gateway.SendRequest
	seq      int
	onSend   func(n int) // called with the 1-based send count
}

func (s *scriptTransport) Send(_ time.Time, req *gateway.SendRequest, _ *model.ProxyEndpoint) (*gateway.SendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, req)
	if s.onSend != nil {
		s.onSend(len(s.sends))
	}
	if err, ok := s.failures[req.Recipient]; ok {
		return nil, err
	}
	s.seq++
	return &gateway.SendResponse{
		ExternalMessageID: fmt.Sprintf("ext-%d", s.seq),
		AcceptedAt:        time.Now(),
	}, nil
}

type runnerFixture struct {
	runner     *CampaignRunner
	campaigns  *memCampaigns
	lifecycle  *memLifecycle
	recipients *memRecipients
	messages   *memMessages
	bindings   *memBindings
	health     *memHealth
	governor   *memGovernor
	proxies    *memProxies
	transport  *scriptTransport
}

// newRunnerFixture builds a running campaign with nContacts recipients and
// two eligible bindings on accounts 10 and 20.
func newRunnerFixture(t *testing.T, nContacts, batchSize int) *runnerFixture {
	t.Helper()

	campaigns := &memCampaigns{campaigns: map[int64]*model.Campaign{
		1: {ID: 1, TenantID: 7, Status: model.CampaignStatusRunning, MaxRetries: 1, FailureThreshold: 5},
	}}
	lifecycle := &memLifecycle{campaigns: campaigns}

	recipients := &memRecipients{}
	contacts := &memContacts{contacts: map[int64]*model.Contact{}}
	for i := 1; i <= nContacts; i++ {
		id := int64(i)
		contacts.contacts[id] = &model.Contact{
			ID: id, TenantID: 7,
			Phone:     fmt.Sprintf("+1555000%04d", i),
			Variables: model.Variables{"name": fmt.Sprintf("user%d", i)},
		}
		recipients.rows = append(recipients.rows, &model.CampaignContact{
			ID: id, CampaignID: 1, ContactID: id, State: model.DeliveryStatePending,
		})
	}

	accounts := &memAccounts{accounts: map[int64]*model.Account{
		10: {ID: 10, TenantID: 7, Identifier: "acct-a", APIKey: "key-a", Channel: model.ChannelOfficial},
		20: {ID: 20, TenantID: 7, Identifier: "acct-b", APIKey: "key-b", Channel: model.ChannelOfficial},
	}}
	templates := &memTemplates{templates: map[int64]*model.Template{
		100: {ID: 100, TenantID: 7, Body: "Hi {{name}}"},
	}}
	bindings := &memBindings{bindings: []*model.CampaignTemplate{
		{ID: 1, CampaignID: 1, AccountID: 10, TemplateID: 100, IsActive: true},
		{ID: 2, CampaignID: 1, AccountID: 20, TemplateID: 100, IsActive: true},
	}}

	messages := &memMessages{}
	health := &memHealth{}
	governor := &memGovernor{allow: true}
	proxies := &memProxies{}
	transport := &scriptTransport{failures: map[string]error{}}

	runner := NewCampaignRunner(RunnerDeps{
		Campaigns:  campaigns,
		Lifecycle:  lifecycle,
		Recipients: recipients,
		Contacts:   contacts,
		Accounts:   accounts,
		Templates:  templates,
		Messages:   messages,
		Picker:     selector.New(bindings, nil),
		Health:     health,
		Governor:   governor,
		Proxies:    proxies,
		Transport:  transport,
		Limiters:   NewLimiterRegistry(10_000, 100, 4),
		BatchSize:  batchSize,
	})

	return &runnerFixture{
		runner:     runner,
		campaigns:  campaigns,
		lifecycle:  lifecycle,
		recipients: recipients,
		messages:   messages,
		bindings:   bindings,
		health:     health,
		governor:   governor,
		proxies:    proxies,
		transport:  transport,
	}
}

func TestRunTickSendsBatch(t *testing.T) {
	f := newRunnerFixture(t, 10, 5)

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	c := f.campaigns.campaigns[1]
	assert.EqualValues(t, 5, c.SentCount)
	assert.Len(t, f.messages.messages, 5)
	assert.Equal(t, 5, f.governor.sends)

	// Accounts rotate least-recently-used: strict alternation.
	var order []int64
	for _, req := range f.transport.sends {
		order = append(order, req.AccountID)
	}
	assert.Equal(t, []int64{10, 20, 10, 20, 10}, order)

	// Rendered bodies carry the recipient's variables.
	assert.Equal(t, "Hi user1", f.transport.sends[0].Body)

	remaining, err := f.recipients.PendingOrInFlight(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 5, remaining)
	assert.Empty(t, f.lifecycle.completed)
}

func TestRunTickCompletesWhenDrained(t *testing.T) {
	f := newRunnerFixture(t, 4, 10)

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	c := f.campaigns.campaigns[1]
	assert.EqualValues(t, 4, c.SentCount)
	assert.Equal(t, []int64{1}, f.lifecycle.completed)
	assert.Equal(t, model.CampaignStatusCompleted, c.Status)
}

func TestRunTickNonRunningIsNoop(t *testing.T) {
	f := newRunnerFixture(t, 3, 10)
	f.campaigns.campaigns[1].Status = model.CampaignStatusPaused

	require.NoError(t, f.runner.RunTick(context.Background(), 1))
	assert.Empty(t, f.transport.sends)
}

func TestRunTickGovernorGate(t *testing.T) {
	f := newRunnerFixture(t, 3, 10)
	f.governor.allow = false

	require.NoError(t, f.runner.RunTick(context.Background(), 1))
	assert.Empty(t, f.transport.sends)

	remaining, err := f.recipients.PendingOrInFlight(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, remaining, "nothing claimed while quota exhausted")
}

func TestRunTickSkipsWhenQuotaCannotCoverBatch(t *testing.T) {
	f := newRunnerFixture(t, 10, 5)
	f.governor.quota = 1

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	assert.Empty(t, f.transport.sends, "a batch larger than the remaining quota must not dispatch")
	assert.Zero(t, f.governor.sends)

	remaining, err := f.recipients.PendingOrInFlight(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 10, remaining)
}

func TestRunTickSkipsCampaignsBeyondConcurrencyCeiling(t *testing.T) {
	f := newRunnerFixture(t, 3, 10)
	f.governor.concurrency = 1
	f.campaigns.campaigns[2] = &model.Campaign{
		ID: 2, TenantID: 7, Status: model.CampaignStatusRunning, MaxRetries: 1, FailureThreshold: 5,
	}
	f.recipients.rows = append(f.recipients.rows, &model.CampaignContact{
		ID: 50, CampaignID: 2, ContactID: 1, State: model.DeliveryStatePending,
	})

	// The younger campaign sits out while the older one holds the only slot.
	require.NoError(t, f.runner.RunTick(context.Background(), 2))
	remaining, err := f.recipients.PendingOrInFlight(context.Background(), 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining)

	require.NoError(t, f.runner.RunTick(context.Background(), 1))
	assert.Len(t, f.transport.sends, 3)
}

func TestNewCampaignRunnerDefaultsLimiters(t *testing.T) {
	r := NewCampaignRunner(RunnerDeps{})
	require.NotNil(t, r.limiters)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := r.limiters.Acquire(ctx, 1)
	require.NoError(t, err)
	release()
}

func TestRunTickNoTransportOutcome(t *testing.T) {
	f := newRunnerFixture(t, 2, 10)
	f.transport.failures["+15550000001"] = &gateway.TransportError{
		Kind: gateway.KindNoTransport, Code: "NO_TRANSPORT", Message: "unreachable",
	}

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	c := f.campaigns.campaigns[1]
	assert.EqualValues(t, 1, c.NoTransportCount)
	assert.EqualValues(t, 1, c.SentCount)
	assert.Equal(t, model.DeliveryStateNoTransport, f.recipients.byID(1).State)
	assert.Zero(t, f.recipients.byID(1).Attempts, "no transport is not an attempt")
	assert.Empty(t, f.health.failures, "recipient-level outcome, not the account's fault")
	assert.Equal(t, []int64{1}, f.lifecycle.completed, "no_transport recipients do not block completion")
}

func TestRunTickRateLimitedRequeues(t *testing.T) {
	f := newRunnerFixture(t, 1, 10)
	f.transport.failures["+15550000001"] = &gateway.TransportError{
		Kind: gateway.KindRateLimited, Code: "RATE_LIMITED", Message: "slow down",
	}

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	cc := f.recipients.byID(1)
	assert.Equal(t, model.DeliveryStatePending, cc.State)
	assert.Zero(t, cc.Attempts, "rate limiting does not burn the recipient's attempt")
	assert.Contains(t, f.governor.cooledOff, int64(10))
	assert.Zero(t, f.campaigns.campaigns[1].FailedCount)
}

func TestRunTickAccountInvalidRetiresAndRequeues(t *testing.T) {
	f := newRunnerFixture(t, 1, 10)
	f.transport.failures["+15550000001"] = &gateway.TransportError{
		Kind: gateway.KindAccountInvalid, Code: "ACCOUNT_BLOCKED", Message: "blocked",
	}

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	assert.Equal(t, []string{"7/10/ACCOUNT_BLOCKED"}, f.health.retired)
	assert.Equal(t, model.DeliveryStatePending, f.recipients.byID(1).State)
}

func TestRunTickBoundedRetry(t *testing.T) {
	f := newRunnerFixture(t, 1, 10)
	f.transport.failures["+15550000001"] = &gateway.TransportError{
		Kind: gateway.KindUnknown, Message: "provider hiccup",
	}

	// max_retries=1: the first failure requeues for one more pass.
	require.NoError(t, f.runner.RunTick(context.Background(), 1))
	cc := f.recipients.byID(1)
	assert.Equal(t, model.DeliveryStatePending, cc.State)
	assert.Equal(t, 1, cc.Attempts)
	assert.Zero(t, f.campaigns.campaigns[1].FailedCount)

	// The retry fails too: now permanent.
	require.NoError(t, f.runner.RunTick(context.Background(), 1))
	cc = f.recipients.byID(1)
	assert.Equal(t, model.DeliveryStateFailed, cc.State)
	assert.Equal(t, 2, cc.Attempts)
	assert.EqualValues(t, 1, f.campaigns.campaigns[1].FailedCount)
	assert.Len(t, f.health.failures, 2)
}

func TestRunTickEgressFailureRotatesProxy(t *testing.T) {
	f := newRunnerFixture(t, 1, 10)
	proxyID := int64(55)
	acct := &model.Account{ID: 10, TenantID: 7, APIKey: "key-a", ProxyID: &proxyID, Channel: model.ChannelUnofficial}
	f.runner.accounts.(*memAccounts).accounts[10] = acct
	// Force the selector onto account 10 only.
	f.bindings.bindings = f.bindings.bindings[:1]

	f.transport.failures["+15550000001"] = &gateway.TransportError{
		Kind: gateway.KindEgress, Code: "EGRESS_TIMEOUT", Message: "proxy dial timeout",
	}

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	assert.Equal(t, []int64{55}, f.proxies.rotated)
	// Egress failures also count against the binding.
	assert.Equal(t, []int64{10}, f.health.failures)
	assert.Equal(t, model.DeliveryStatePending, f.recipients.byID(1).State, "one retry left")
}

func TestRunTickNoEligiblePairPausesCampaign(t *testing.T) {
	f := newRunnerFixture(t, 3, 10)
	for _, ct := range f.bindings.bindings {
		ct.IsActive = false
	}

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	assert.Equal(t, []int64{1}, f.lifecycle.paused)
	assert.Equal(t, model.CampaignStatusPaused, f.campaigns.campaigns[1].Status)

	// Claims were handed back.
	remaining, err := f.recipients.PendingOrInFlight(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, remaining)
	for _, cc := range f.recipients.rows {
		assert.Equal(t, model.DeliveryStatePending, cc.State)
	}
}

func TestRunTickStopsMidBatchWhenPaused(t *testing.T) {
	f := newRunnerFixture(t, 5, 5)

	// An operator pauses the campaign right after the first send; the runner
	// re-checks status before every recipient and must stop there.
	f.transport.onSend = func(n int) {
		if n == 1 {
			f.campaigns.mu.Lock()
			f.campaigns.campaigns[1].Status = model.CampaignStatusPaused
			f.campaigns.mu.Unlock()
		}
	}

	require.NoError(t, f.runner.RunTick(context.Background(), 1))

	assert.Len(t, f.transport.sends, 1)
	assert.EqualValues(t, 1, f.campaigns.campaigns[1].SentCount)
	// Everything unfinished went back to pending.
	var pending int
	for _, cc := range f.recipients.rows {
		if cc.State == model.DeliveryStatePending {
			pending++
		}
	}
	assert.Equal(t, 4, pending)
}

func TestRunTickHealthSuccessRecorded(t *testing.T) {
	f := newRunnerFixture(t, 2, 10)

	require.NoError(t, f.runner.RunTick(context.Background(), 1))
	assert.Len(t, f.health.successes, 2)
}
