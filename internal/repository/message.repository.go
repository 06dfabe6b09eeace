package repository

import (
	"context"
	"errors"
	"time"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{db}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	if m.Status == "" {
		m.Status = model.MessageStatusSent
	}
	if err := r.Write(ctx).WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetByExternalID resolves the correlation key assigned by the transport
// boundary. ErrNotFound means the event belongs to a message not tracked here.
func (r *MessageRepository) GetByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	var m model.Message
	err := r.Read(ctx).WithContext(ctx).
		Where("external_message_id = ?", externalID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpgradeStatus moves a message to a strictly higher-ranked status. The
// rank guard in the WHERE clause makes the upgrade idempotent and immune to
// out-of-order webhook delivery: it reports false when nothing changed, which
// callers use as the once-per-(message, status) gate for counter increments.
func (r *MessageRepository) UpgradeStatus(ctx context.Context, id int64, to model.MessageStatus, at time.Time) (bool, error) {
	lower := statusesBelow(to)
	if len(lower) == 0 {
		return false, nil
	}
	res := r.Write(ctx).WithContext(ctx).
		Model(&model.Message{}).
		Where("id = ? AND status IN ?", id, lower).
		Updates(map[string]interface{}{
			"status":            to,
			"status_updated_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func statusesBelow(s model.MessageStatus) []model.MessageStatus {
	all := []model.MessageStatus{
		model.MessageStatusSent,
		model.MessageStatusDelivered,
		model.MessageStatusRead,
		model.MessageStatusFailed,
	}
	var lower []model.MessageStatus
	for _, c := range all {
		if c.Rank() < s.Rank() {
			lower = append(lower, c)
		}
	}
	return lower
}

type ButtonClickRepository struct {
	*pg.DB
}

func NewButtonClickRepository(db *pg.DB) *ButtonClickRepository {
	return &ButtonClickRepository{db}
}

// InsertIfAbsent appends a click, relying on the unique
// (message_id, button_payload, clicked_at) index to absorb webhook
// redelivery. Returns true only for the first insert.
func (r *ButtonClickRepository) InsertIfAbsent(ctx context.Context, bc *model.ButtonClick) (bool, error) {
	res := r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(bc)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *ButtonClickRepository) CountByMessage(ctx context.Context, messageID int64) (int64, error) {
	var n int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&model.ButtonClick{}).
		Where("message_id = ?", messageID).
		Count(&n).Error
	return n, err
}
