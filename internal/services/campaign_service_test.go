package services

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/internal/repository"
	"github.com/blastline/campaign-engine/pkg/pg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&model.Campaign{},
		&model.CampaignTemplate{},
		&model.Contact{},
		&model.CampaignContact{},
		&model.Message{},
		&model.ButtonClick{},
		&model.Account{},
		&model.Template{},
		&model.Proxy{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

type allowGovernor struct {
	allow bool
	limit int64
}

func (g *allowGovernor) CanStartConcurrentCampaign(_ context.Context, _ int64, running int64) (bool, error) {
	if !g.allow {
		return false, nil
	}
	if g.limit > 0 && running >= g.limit {
		return false, nil
	}
	return true, nil
}

type serviceFixture struct {
	svc      *CampaignService
	db       *pg.DB
	contacts *repository.CampaignContactRepository
	governor *allowGovernor
}

func newServiceFixture(t *testing.T) *serviceFixture {
	db := setupTestDB(t)
	governor := &allowGovernor{allow: true}
	contactRepo := repository.NewCampaignContactRepository(db)
	svc := NewCampaignService(
		repository.NewCampaignRepository(db),
		contactRepo,
		repository.NewCampaignTemplateRepository(db),
		governor,
	)
	return &serviceFixture{svc: svc, db: db, contacts: contactRepo, governor: governor}
}

// rewindSchedule backdates scheduled_at so the campaign is due.
func (f *serviceFixture) rewindSchedule(t *testing.T, id int64) {
	t.Helper()
	err := f.db.Write(context.Background()).Model(&model.Campaign{}).
		Where("id = ?", id).
		Update("scheduled_at", time.Now().Add(-time.Minute)).Error
	require.NoError(t, err)
}

func createDraft(t *testing.T, svc *CampaignService) *model.Campaign {
	t.Helper()
	c, err := svc.Create(context.Background(), CampaignCreateRequest{TenantID: 1, Name: "spring promo"})
	require.NoError(t, err)
	return c
}

func scheduleWithContacts(t *testing.T, f *serviceFixture) *model.Campaign {
	t.Helper()
	ctx := context.Background()
	c := createDraft(t, f.svc)
	require.NoError(t, f.svc.AttachContacts(ctx, c.ID, []int64{1, 2}))
	require.NoError(t, f.svc.Schedule(ctx, c.ID, time.Now().Add(time.Hour)))
	f.rewindSchedule(t, c.ID)
	return c
}

func TestCreateDefaults(t *testing.T) {
	f := newServiceFixture(t)

	c := createDraft(t, f.svc)
	assert.Equal(t, model.CampaignStatusDraft, c.Status)
	assert.Equal(t, 1, c.MaxRetries)
	assert.Equal(t, 5, c.FailureThreshold)
	assert.Equal(t, 3, c.RemovalThreshold)
	assert.False(t, c.AutoRemoveAccountFailures)
}

func TestCreateValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CampaignCreateRequest{TenantID: 1, Name: "   "})
	assert.ErrorIs(t, err, ErrEmptyName)

	bad := -1
	_, err = f.svc.Create(ctx, CampaignCreateRequest{TenantID: 1, Name: "x", MaxRetries: &bad})
	assert.Error(t, err)
}

func TestAttachContacts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := createDraft(t, f.svc)
	require.NoError(t, f.svc.AttachContacts(ctx, c.ID, []int64{1, 2, 3}))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.TotalContacts)

	pending, err := f.contacts.CountByState(ctx, c.ID, model.DeliveryStatePending)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending)
}

func TestAttachContactsRejectedOnceRunning(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, c.ID))

	err := f.svc.AttachContacts(ctx, c.ID, []int64{9})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestScheduleRequiresFutureTime(t *testing.T) {
	f := newServiceFixture(t)
	c := createDraft(t, f.svc)

	err := f.svc.Schedule(context.Background(), c.ID, time.Now().Add(-time.Minute))
	assert.ErrorIs(t, err, ErrScheduleInPast)
}

func TestScheduleRequiresContacts(t *testing.T) {
	f := newServiceFixture(t)
	c := createDraft(t, f.svc)

	err := f.svc.Schedule(context.Background(), c.ID, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoContacts)
}

func TestReschedule(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	later := time.Now().Add(2 * time.Hour)
	require.NoError(t, f.svc.Schedule(ctx, c.ID, later))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledAt)
}

func TestActivate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, c.ID))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestActivateFromDraftRejected(t *testing.T) {
	f := newServiceFixture(t)
	c := createDraft(t, f.svc)

	err := f.svc.Activate(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestActivateConcurrencyLimit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.governor.limit = 1

	first := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, first.ID))

	second := scheduleWithContacts(t, f)
	err := f.svc.Activate(ctx, second.ID)
	assert.ErrorIs(t, err, ErrConcurrencyLimit)
}

func TestActivateBeforeScheduledTime(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := createDraft(t, f.svc)
	require.NoError(t, f.svc.AttachContacts(ctx, c.ID, []int64{1, 2}))
	require.NoError(t, f.svc.Schedule(ctx, c.ID, time.Now().Add(time.Hour)))

	err := f.svc.Activate(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotYetDue)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusScheduled, got.Status)
}

func TestActivateAlreadyRunningIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, c.ID))
	require.NoError(t, f.svc.Activate(ctx, c.ID))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusRunning, got.Status)
}

func TestResumeConcurrencyLimit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.governor.limit = 1

	paused := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, paused.ID))
	require.NoError(t, f.svc.Pause(ctx, paused.ID))

	running := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, running.ID))

	err := f.svc.Resume(ctx, paused.ID)
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	// Freeing the slot lets the paused campaign come back.
	require.NoError(t, f.svc.Pause(ctx, running.ID))
	require.NoError(t, f.svc.Resume(ctx, paused.ID))
}

func TestPauseResume(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, c.ID))

	require.NoError(t, f.svc.Pause(ctx, c.ID))
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusPaused, got.Status)
	assert.NotNil(t, got.PauseStartedAt)

	require.NoError(t, f.svc.Resume(ctx, c.ID))
	got, err = f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusRunning, got.Status)
	assert.Nil(t, got.PauseStartedAt)
}

func TestPauseRequiresRunning(t *testing.T) {
	f := newServiceFixture(t)
	c := createDraft(t, f.svc)

	err := f.svc.Pause(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Not from draft: drafts transition only to scheduled.
	draft := createDraft(t, f.svc)
	assert.ErrorIs(t, f.svc.Cancel(ctx, draft.ID), ErrInvalidTransition)

	scheduled := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Cancel(ctx, scheduled.ID))

	running := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, running.ID))
	require.NoError(t, f.svc.Cancel(ctx, running.ID))

	paused := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, paused.ID))
	require.NoError(t, f.svc.Pause(ctx, paused.ID))
	require.NoError(t, f.svc.Cancel(ctx, paused.ID))

	got, err := f.svc.Get(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCancelTerminalRejected(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Cancel(ctx, c.ID))

	assert.ErrorIs(t, f.svc.Cancel(ctx, c.ID), ErrAlreadyTerminal)
}

func TestComplete(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Activate(ctx, c.ID))
	require.NoError(t, f.svc.Complete(ctx, c.ID))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Completed is terminal: no resume.
	assert.ErrorIs(t, f.svc.Resume(ctx, c.ID), ErrInvalidTransition)
}

func TestCompleteRequiresRunning(t *testing.T) {
	f := newServiceFixture(t)
	c := scheduleWithContacts(t, f)

	assert.ErrorIs(t, f.svc.Complete(context.Background(), c.ID), ErrCampaignNotRunning)
}

func TestUpdateSettings(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := createDraft(t, f.svc)
	retries := 3
	auto := true
	require.NoError(t, f.svc.UpdateSettings(ctx, c.ID, model.CampaignSettingsUpdate{
		MaxRetries:                &retries,
		AutoRemoveAccountFailures: &auto,
	}))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxRetries)
	assert.True(t, got.AutoRemoveAccountFailures)

	bad := -1
	assert.Error(t, f.svc.UpdateSettings(ctx, c.ID, model.CampaignSettingsUpdate{MaxRetries: &bad}))
}

func TestUpdateSettingsTerminalRejected(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := scheduleWithContacts(t, f)
	require.NoError(t, f.svc.Cancel(ctx, c.ID))

	retries := 2
	err := f.svc.UpdateSettings(ctx, c.ID, model.CampaignSettingsUpdate{MaxRetries: &retries})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestGetNotFound(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Get(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddBinding(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	c := createDraft(t, f.svc)
	ct, err := f.svc.AddBinding(ctx, c.ID, 10, 100)
	require.NoError(t, err)
	assert.True(t, ct.IsActive)
	assert.EqualValues(t, 10, ct.AccountID)

	_, err = f.svc.AddBinding(ctx, 9999, 10, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}
