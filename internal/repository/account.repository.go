package repository

import (
	"context"
	"errors"

	"github.com/blastline/campaign-engine/internal/model"
	"github.com/blastline/campaign-engine/pkg/pg"
	"gorm.io/gorm"
)

type AccountRepository struct {
	*pg.DB
}

func NewAccountRepository(db *pg.DB) *AccountRepository {
	return &AccountRepository{db}
}

func (r *AccountRepository) Get(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	err := r.Read(ctx).WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) Create(ctx context.Context, a *model.Account) (*model.Account, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

type TemplateRepository struct {
	*pg.DB
}

func NewTemplateRepository(db *pg.DB) *TemplateRepository {
	return &TemplateRepository{db}
}

func (r *TemplateRepository) Get(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	err := r.Read(ctx).WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.Template) (*model.Template, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

type ContactRepository struct {
	*pg.DB
}

func NewContactRepository(db *pg.DB) *ContactRepository {
	return &ContactRepository{db}
}

func (r *ContactRepository) Get(ctx context.Context, id int64) (*model.Contact, error) {
	var c model.Contact
	err := r.Read(ctx).WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	if err := r.Write(ctx).WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}
