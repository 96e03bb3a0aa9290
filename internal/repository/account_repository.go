package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

type AccountRepository interface {
	Create(ctx context.Context, a *model.Account) error
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*model.Account, error)
	IDsByDomain(ctx context.Context, domain string) ([]int64, error)
	SetSuspended(ctx context.Context, id int64, suspended bool) error
	TouchActive(ctx context.Context, id int64, at time.Time) error
}

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository { return &accountRepository{db: db} }

func (r *accountRepository) Create(ctx context.Context, a *model.Account) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *accountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func (r *accountRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]*model.Account, error) {
	out := make(map[int64]*model.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*model.Account
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, a := range rows {
		out[a.ID] = a
	}
	return out, nil
}

func (r *accountRepository) IDsByDomain(ctx context.Context, domain string) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Account{}).Where("domain = ?", domain).Order("id").Pluck("id", &ids).Error
	return ids, err
}

func (r *accountRepository) SetSuspended(ctx context.Context, id int64, suspended bool) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update("suspended", suspended).Error
}

func (r *accountRepository) TouchActive(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Update("last_active_at", at).Error
}
