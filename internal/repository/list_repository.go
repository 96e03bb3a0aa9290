package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

type ListRepository interface {
	Create(ctx context.Context, l *model.List) error
	Get(ctx context.Context, id int64) (*model.List, error)
	AddAccount(ctx context.Context, listID, accountID int64) error
	RemoveAccount(ctx context.Context, listID, accountID int64) error
	MemberIDs(ctx context.Context, listID int64) ([]int64, error)
	OwnedBy(ctx context.Context, accountID int64) ([]*model.List, error)
	// ContainingAccount 包含 accountID 的列表，拥有者须为本地未封禁账户
	ContainingAccount(ctx context.Context, accountID int64) ([]*model.List, error)
	// ExclusiveMembersAmong candidateIDs 中位于 ownerID 某个独占列表内的账户
	ExclusiveMembersAmong(ctx context.Context, ownerID int64, candidateIDs []int64) ([]int64, error)
}

type listRepository struct {
	db *gorm.DB
}

func NewListRepository(db *gorm.DB) ListRepository { return &listRepository{db: db} }

func (r *listRepository) Create(ctx context.Context, l *model.List) error {
	if l.RepliesPolicy == "" {
		l.RepliesPolicy = model.RepliesPolicyList
	}
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *listRepository) Get(ctx context.Context, id int64) (*model.List, error) {
	var l model.List
	if err := r.db.WithContext(ctx).First(&l, id).Error; err != nil {
		return nil, notFound(err, "list", id)
	}
	return &l, nil
}

func (r *listRepository) AddAccount(ctx context.Context, listID, accountID int64) error {
	la := &model.ListAccount{ListID: listID, AccountID: accountID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(la).Error
}

func (r *listRepository) RemoveAccount(ctx context.Context, listID, accountID int64) error {
	return r.db.WithContext(ctx).
		Where("list_id = ? AND account_id = ?", listID, accountID).
		Delete(&model.ListAccount{}).Error
}

func (r *listRepository) MemberIDs(ctx context.Context, listID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.ListAccount{}).
		Where("list_id = ?", listID).
		Order("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}

func (r *listRepository) ContainingAccount(ctx context.Context, accountID int64) ([]*model.List, error) {
	var rows []*model.List
	err := r.db.WithContext(ctx).
		Joins("JOIN list_accounts ON list_accounts.list_id = lists.id").
		Joins("JOIN accounts ON accounts.id = lists.account_id").
		Where("list_accounts.account_id = ? AND accounts.domain = '' AND accounts.suspended = ?", accountID, false).
		Order("lists.id").
		Find(&rows).Error
	return rows, err
}

func (r *listRepository) ExclusiveMembersAmong(ctx context.Context, ownerID int64, candidateIDs []int64) ([]int64, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	err := r.db.WithContext(ctx).
		Table("list_accounts").
		Joins("JOIN lists ON lists.id = list_accounts.list_id").
		Where("lists.account_id = ? AND lists.exclusive = ? AND list_accounts.account_id IN ?", ownerID, true, candidateIDs).
		Distinct().
		Pluck("list_accounts.account_id", &ids).Error
	return ids, err
}

func (r *listRepository) OwnedBy(ctx context.Context, accountID int64) ([]*model.List, error) {
	var rows []*model.List
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id").Find(&rows).Error
	return rows, err
}
