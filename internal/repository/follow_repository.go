package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

type FollowRepository interface {
	// Create 幂等：重复关注时更新 show_reblogs/notify/languages
	Create(ctx context.Context, f *model.Follow) error
	Delete(ctx context.Context, accountID, targetID int64) error
	Get(ctx context.Context, accountID, targetID int64) (*model.Follow, error)
	Exists(ctx context.Context, accountID, targetID int64) (bool, error)
	FollowingIDs(ctx context.Context, accountID int64) ([]int64, error)
	// Among 返回 accountID 对 targetIDs 中各账户的关注
	Among(ctx context.Context, accountID int64, targetIDs []int64) (map[int64]*model.Follow, error)
	// FollowersAmong 返回 sourceIDs 中关注了 targetID 的关注记录
	FollowersAmong(ctx context.Context, targetID int64, sourceIDs []int64) (map[int64]*model.Follow, error)
	// LocalFollowerIDs 本地、未封禁的粉丝，按账户 id 升序 keyset 分页
	LocalFollowerIDs(ctx context.Context, targetID, afterID int64, limit int) ([]int64, error)
	// NotifyingFollowerIDs 开启了发帖通知的本地粉丝
	NotifyingFollowerIDs(ctx context.Context, targetID int64) ([]int64, error)
	ListFollowings(ctx context.Context, accountID int64, offset, limit int) ([]*model.Follow, error)
}

type followRepository struct {
	db *gorm.DB
}

func NewFollowRepository(db *gorm.DB) FollowRepository { return &followRepository{db: db} }

func (r *followRepository) Create(ctx context.Context, f *model.Follow) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "target_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"show_reblogs", "notify", "languages", "updated_at"}),
	}).Create(f).Error
}

func (r *followRepository) Delete(ctx context.Context, accountID, targetID int64) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND target_account_id = ?", accountID, targetID).
		Delete(&model.Follow{}).Error
}

func (r *followRepository) Get(ctx context.Context, accountID, targetID int64) (*model.Follow, error) {
	var f model.Follow
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND target_account_id = ?", accountID, targetID).
		First(&f).Error
	if err != nil {
		return nil, notFound(err, "follow", targetID)
	}
	return &f, nil
}

func (r *followRepository) Exists(ctx context.Context, accountID, targetID int64) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).
		Model(&model.Follow{}).
		Where("account_id = ? AND target_account_id = ?", accountID, targetID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

func (r *followRepository) FollowingIDs(ctx context.Context, accountID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Follow{}).
		Where("account_id = ?", accountID).
		Order("target_account_id").
		Pluck("target_account_id", &ids).Error
	return ids, err
}

func (r *followRepository) Among(ctx context.Context, accountID int64, targetIDs []int64) (map[int64]*model.Follow, error) {
	out := make(map[int64]*model.Follow)
	if len(targetIDs) == 0 {
		return out, nil
	}
	var rows []*model.Follow
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND target_account_id IN ?", accountID, targetIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, f := range rows {
		out[f.TargetAccountID] = f
	}
	return out, nil
}

func (r *followRepository) FollowersAmong(ctx context.Context, targetID int64, sourceIDs []int64) (map[int64]*model.Follow, error) {
	out := make(map[int64]*model.Follow)
	if len(sourceIDs) == 0 {
		return out, nil
	}
	var rows []*model.Follow
	if err := r.db.WithContext(ctx).
		Where("target_account_id = ? AND account_id IN ?", targetID, sourceIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, f := range rows {
		out[f.AccountID] = f
	}
	return out, nil
}

func (r *followRepository) LocalFollowerIDs(ctx context.Context, targetID, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Table("follows").
		Joins("JOIN accounts ON accounts.id = follows.account_id").
		Where("follows.target_account_id = ? AND follows.account_id > ?", targetID, afterID).
		Where("accounts.domain = '' AND accounts.suspended = ?", false).
		Order("follows.account_id").
		Limit(limit).
		Pluck("follows.account_id", &ids).Error
	return ids, err
}

func (r *followRepository) NotifyingFollowerIDs(ctx context.Context, targetID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Table("follows").
		Joins("JOIN accounts ON accounts.id = follows.account_id").
		Where("follows.target_account_id = ? AND follows.notify = ?", targetID, true).
		Where("accounts.domain = '' AND accounts.suspended = ?", false).
		Order("follows.account_id").
		Pluck("follows.account_id", &ids).Error
	return ids, err
}

func (r *followRepository) ListFollowings(ctx context.Context, accountID int64, offset, limit int) ([]*model.Follow, error) {
	var res []*model.Follow
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id").Offset(offset).Limit(limit).Find(&res).Error
	return res, err
}
