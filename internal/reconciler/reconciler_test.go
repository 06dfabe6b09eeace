package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessageStore struct {
	messages map[string]*model.Message
}

func (f *fakeMessageStore) GetByExternalID(_ context.Context, externalID string) (*model.Message, error) {
	msg, ok := f.messages[externalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return msg, nil
}

func (f *fakeMessageStore) UpgradeStatus(_ context.Context, id int64, to model.MessageStatus, at time.Time) (bool, error) {
	for _, msg := range f.messages {
		if msg.ID != id {
			continue
		}
		if to.Rank() <= msg.Status.Rank() {
			return false, nil
		}
		msg.Status = to
		updated := at
		msg.StatusUpdatedAt = &updated
		return true, nil
	}
	return false, nil
}

type fakeClickStore struct {
	clicks map[string]*model.ButtonClick
}

func (f *fakeClickStore) InsertIfAbsent(_ context.Context, bc *model.ButtonClick) (bool, error) {
	key := fmt.Sprintf("%d/%s/%d", bc.MessageID, bc.ButtonPayload, bc.ClickedAt.UnixNano())
	if _, ok := f.clicks[key]; ok {
		return false, nil
	}
	f.clicks[key] = bc
	return true, nil
}

type fakeCampaignStore struct {
	campaign *model.Campaign
	deltas   []repository.CounterDeltas
}

func (f *fakeCampaignStore) Get(_ context.Context, _ int64) (*model.Campaign, error) {
	return f.campaign, nil
}

func (f *fakeCampaignStore) IncrementCounters(_ context.Context, _ int64, d repository.CounterDeltas) error {
	f.deltas = append(f.deltas, d)
	return nil
}

type fakeRecipientStore struct {
	states map[int64]model.DeliveryState
}

func (f *fakeRecipientStore) UpdateDeliveryState(_ context.Context, id int64, state model.DeliveryState) error {
	f.states[id] = state
	return nil
}

type fakeRetirer struct {
	calls []string
}

func (f *fakeRetirer) RetireAccount(_ context.Context, tenantID, accountID int64, reason string, _ time.Time) error {
	f.calls = append(f.calls, fmt.Sprintf("%d/%d/%s", tenantID, accountID, reason))
	return nil
}

type fixture struct {
	rec        *Reconciler
	messages   *fakeMessageStore
	clicks     *fakeClickStore
	campaigns  *fakeCampaignStore
	recipients *fakeRecipientStore
	retirer    *fakeRetirer
}

func newFixture() *fixture {
	f := &fixture{
		messages: &fakeMessageStore{messages: map[string]*model.Message{
			"ext-1": {ID: 1, CampaignID: 5, CampaignContactID: 9, AccountID: 3, Status: model.MessageStatusSent},
		}},
		clicks:     &fakeClickStore{clicks: map[string]*model.ButtonClick{}},
		campaigns:  &fakeCampaignStore{campaign: &model.Campaign{ID: 5, TenantID: 42}},
		recipients: &fakeRecipientStore{states: map[int64]model.DeliveryState{}},
		retirer:    &fakeRetirer{},
	}
	f.rec = New(f.messages, f.clicks, f.campaigns, f.recipients, f.retirer)
	return f
}

func statusEvent(status model.MessageStatus) *model.WebhookEvent {
	return &model.WebhookEvent{
		Type:              model.WebhookEventStatus,
		ExternalMessageID: "ext-1",
		NewStatus:         status,
		OccurredAt:        time.Now(),
	}
}

func TestProcessDeliveredStatus(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.rec.Process(context.Background(), statusEvent(model.MessageStatusDelivered)))

	assert.Equal(t, model.MessageStatusDelivered, f.messages.messages["ext-1"].Status)
	require.Len(t, f.campaigns.deltas, 1)
	assert.EqualValues(t, 1, f.campaigns.deltas[0].Delivered)
	assert.Equal(t, model.DeliveryStateDelivered, f.recipients.states[9])
}

func TestProcessDuplicateStatusCountsOnce(t *testing.T) {
	f := newFixture()
	ev := statusEvent(model.MessageStatusDelivered)

	require.NoError(t, f.rec.Process(context.Background(), ev))
	require.NoError(t, f.rec.Process(context.Background(), ev))

	assert.Len(t, f.campaigns.deltas, 1, "replayed status must not double count")
}

func TestProcessOutOfOrderStatusIgnored(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.rec.Process(context.Background(), statusEvent(model.MessageStatusRead)))
	require.NoError(t, f.rec.Process(context.Background(), statusEvent(model.MessageStatusDelivered)))

	assert.Equal(t, model.MessageStatusRead, f.messages.messages["ext-1"].Status,
		"a late delivered must not demote read")
	require.Len(t, f.campaigns.deltas, 1)
	assert.EqualValues(t, 1, f.campaigns.deltas[0].Read)
	assert.Equal(t, model.DeliveryStateRead, f.recipients.states[9])
}

func TestProcessFullProgression(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.rec.Process(context.Background(), statusEvent(model.MessageStatusDelivered)))
	require.NoError(t, f.rec.Process(context.Background(), statusEvent(model.MessageStatusRead)))

	assert.Equal(t, model.MessageStatusRead, f.messages.messages["ext-1"].Status)
	require.Len(t, f.campaigns.deltas, 2)
	assert.EqualValues(t, 1, f.campaigns.deltas[0].Delivered)
	assert.EqualValues(t, 1, f.campaigns.deltas[1].Read)
}

func TestProcessUnknownExternalIDDiscarded(t *testing.T) {
	f := newFixture()
	ev := statusEvent(model.MessageStatusDelivered)
	ev.ExternalMessageID = "ext-unknown"

	require.NoError(t, f.rec.Process(context.Background(), ev))
	assert.Empty(t, f.campaigns.deltas)
}

func TestProcessInvalidEventDropped(t *testing.T) {
	f := newFixture()

	err := f.rec.Process(context.Background(), &model.WebhookEvent{
		Type:              model.WebhookEventStatus,
		ExternalMessageID: "ext-1",
		OccurredAt:        time.Now(),
		// NewStatus missing
	})
	require.NoError(t, err)
	assert.Empty(t, f.campaigns.deltas)
	assert.Equal(t, model.MessageStatusSent, f.messages.messages["ext-1"].Status)
}

func TestProcessFailedWithFatalCodeRetiresAccount(t *testing.T) {
	f := newFixture()
	ev := statusEvent(model.MessageStatusFailed)
	ev.ErrorCode = model.ErrorCodeAccountBlocked

	require.NoError(t, f.rec.Process(context.Background(), ev))

	assert.Equal(t, model.MessageStatusFailed, f.messages.messages["ext-1"].Status)
	require.Len(t, f.retirer.calls, 1)
	assert.Equal(t, "42/3/ACCOUNT_BLOCKED", f.retirer.calls[0])
}

func TestProcessFailedWithoutFatalCode(t *testing.T) {
	f := newFixture()
	ev := statusEvent(model.MessageStatusFailed)
	ev.ErrorCode = "TEMPORARY_ERROR"

	require.NoError(t, f.rec.Process(context.Background(), ev))

	assert.Empty(t, f.retirer.calls)
	require.Len(t, f.campaigns.deltas, 1)
	assert.EqualValues(t, 1, f.campaigns.deltas[0].Failed)
	assert.Equal(t, model.DeliveryStateFailed, f.recipients.states[9])
}

func TestProcessClick(t *testing.T) {
	f := newFixture()
	ev := &model.WebhookEvent{
		Type:              model.WebhookEventClick,
		ExternalMessageID: "ext-1",
		ButtonPayload:     "BUY_NOW",
		OccurredAt:        time.Now().Truncate(time.Second),
	}

	require.NoError(t, f.rec.Process(context.Background(), ev))

	assert.Len(t, f.clicks.clicks, 1)
	require.Len(t, f.campaigns.deltas, 1)
	assert.EqualValues(t, 1, f.campaigns.deltas[0].ButtonClicks)
}

func TestProcessDuplicateClickCountsOnce(t *testing.T) {
	f := newFixture()
	ev := &model.WebhookEvent{
		Type:              model.WebhookEventClick,
		ExternalMessageID: "ext-1",
		ButtonPayload:     "BUY_NOW",
		OccurredAt:        time.Now().Truncate(time.Second),
	}

	require.NoError(t, f.rec.Process(context.Background(), ev))
	require.NoError(t, f.rec.Process(context.Background(), ev))

	assert.Len(t, f.clicks.clicks, 1)
	assert.Len(t, f.campaigns.deltas, 1, "replayed click must not double count")
}

func TestProcessDistinctClicksBothCount(t *testing.T) {
	f := newFixture()
	at := time.Now().Truncate(time.Second)

	first := &model.WebhookEvent{
		Type: model.WebhookEventClick, ExternalMessageID: "ext-1",
		ButtonPayload: "BUY_NOW", OccurredAt: at,
	}
	second := &model.WebhookEvent{
		Type: model.WebhookEventClick, ExternalMessageID: "ext-1",
		ButtonPayload: "BUY_NOW", OccurredAt: at.Add(time.Minute),
	}

	require.NoError(t, f.rec.Process(context.Background(), first))
	require.NoError(t, f.rec.Process(context.Background(), second))

	assert.Len(t, f.clicks.clicks, 2)
	assert.Len(t, f.campaigns.deltas, 2)
}

func TestProcessClickDoesNotTouchStatus(t *testing.T) {
	f := newFixture()
	ev := &model.WebhookEvent{
		Type:              model.WebhookEventClick,
		ExternalMessageID: "ext-1",
		ButtonPayload:     "BUY_NOW",
		OccurredAt:        time.Now(),
	}

	require.NoError(t, f.rec.Process(context.Background(), ev))
	assert.Equal(t, model.MessageStatusSent, f.messages.messages["ext-1"].Status)
}
