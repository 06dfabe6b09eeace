package repository

import (
	"context"
	"testing"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createMessage(t *testing.T, repo *MessageRepository, externalID string) *model.Message {
	t.Helper()
	m, err := repo.Create(context.Background(), &model.Message{
		CampaignID:        1,
		CampaignContactID: 1,
		AccountID:         1,
		TemplateID:        1,
		ExternalMessageID: externalID,
	})
	require.NoError(t, err)
	return m
}

func TestMessageCreateDefaultsToSent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)

	m := createMessage(t, repo, "ext-1")
	assert.Equal(t, model.MessageStatusSent, m.Status)
}

func TestGetByExternalID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)

	created := createMessage(t, repo, "ext-1")

	got, err := repo.GetByExternalID(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = repo.GetByExternalID(context.Background(), "ext-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpgradeStatusRatchet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()
	now := time.Now()

	m := createMessage(t, repo, "ext-1")

	upgraded, err := repo.UpgradeStatus(ctx, m.ID, model.MessageStatusDelivered, now)
	require.NoError(t, err)
	assert.True(t, upgraded)

	// Replay of the same status is a no-op.
	upgraded, err = repo.UpgradeStatus(ctx, m.ID, model.MessageStatusDelivered, now)
	require.NoError(t, err)
	assert.False(t, upgraded)

	upgraded, err = repo.UpgradeStatus(ctx, m.ID, model.MessageStatusRead, now)
	require.NoError(t, err)
	assert.True(t, upgraded)

	// Late "delivered" after "read" cannot demote.
	upgraded, err = repo.UpgradeStatus(ctx, m.ID, model.MessageStatusDelivered, now)
	require.NoError(t, err)
	assert.False(t, upgraded)

	got, err := repo.GetByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusRead, got.Status)
	assert.NotNil(t, got.StatusUpdatedAt)
}

func TestUpgradeStatusSkipsLevels(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)
	ctx := context.Background()

	m := createMessage(t, repo, "ext-1")

	// read can arrive without delivered ever showing up.
	upgraded, err := repo.UpgradeStatus(ctx, m.ID, model.MessageStatusRead, time.Now())
	require.NoError(t, err)
	assert.True(t, upgraded)
}

func TestUpgradeStatusToSentIsNoop(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db.DB)

	m := createMessage(t, repo, "ext-1")

	upgraded, err := repo.UpgradeStatus(context.Background(), m.ID, model.MessageStatusSent, time.Now())
	require.NoError(t, err)
	assert.False(t, upgraded, "sent has nothing below it")
}

func TestButtonClickInsertIfAbsent(t *testing.T) {
	db := setupTestDB(t)
	msgRepo := NewMessageRepository(db.DB)
	clickRepo := NewButtonClickRepository(db.DB)
	ctx := context.Background()

	m := createMessage(t, msgRepo, "ext-1")
	at := time.Now().Truncate(time.Second)

	inserted, err := clickRepo.InsertIfAbsent(ctx, &model.ButtonClick{
		MessageID: m.ID, ButtonPayload: "BUY_NOW", ClickedAt: at,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Webhook redelivery of the identical click.
	inserted, err = clickRepo.InsertIfAbsent(ctx, &model.ButtonClick{
		MessageID: m.ID, ButtonPayload: "BUY_NOW", ClickedAt: at,
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same button clicked at a different time is a new click.
	inserted, err = clickRepo.InsertIfAbsent(ctx, &model.ButtonClick{
		MessageID: m.ID, ButtonPayload: "BUY_NOW", ClickedAt: at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := clickRepo.CountByMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
