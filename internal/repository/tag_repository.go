package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

type TagRepository interface {
	FindOrCreate(ctx context.Context, names []string) ([]model.Tag, error)
	GetByName(ctx context.Context, name string) (*model.Tag, error)
	Follow(ctx context.Context, accountID, tagID int64) error
	Unfollow(ctx context.Context, accountID, tagID int64) error
	// LocalFollowerIDs 关注该话题的本地未封禁账户
	LocalFollowerIDs(ctx context.Context, tagID int64) ([]int64, error)
	FollowedTagIDs(ctx context.Context, accountID int64) ([]int64, error)
	FollowedTags(ctx context.Context, accountID int64) ([]model.Tag, error)
}

type tagRepository struct {
	db *gorm.DB
}

func NewTagRepository(db *gorm.DB) TagRepository { return &tagRepository{db: db} }

func (r *tagRepository) FindOrCreate(ctx context.Context, names []string) ([]model.Tag, error) {
	seen := make(map[string]struct{}, len(names))
	tags := make([]model.Tag, 0, len(names))
	for _, n := range names {
		n = model.NormalizeTag(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		t := model.Tag{Name: n}
		if err := r.db.WithContext(ctx).Where("name = ?", n).FirstOrCreate(&t).Error; err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, nil
}

func (r *tagRepository) GetByName(ctx context.Context, name string) (*model.Tag, error) {
	var t model.Tag
	if err := r.db.WithContext(ctx).Where("name = ?", model.NormalizeTag(name)).First(&t).Error; err != nil {
		return nil, notFound(err, "tag", 0)
	}
	return &t, nil
}

func (r *tagRepository) Follow(ctx context.Context, accountID, tagID int64) error {
	f := &model.TagFollow{AccountID: accountID, TagID: tagID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(f).Error
}

func (r *tagRepository) Unfollow(ctx context.Context, accountID, tagID int64) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND tag_id = ?", accountID, tagID).
		Delete(&model.TagFollow{}).Error
}

func (r *tagRepository) LocalFollowerIDs(ctx context.Context, tagID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Table("tag_follows").
		Joins("JOIN accounts ON accounts.id = tag_follows.account_id").
		Where("tag_follows.tag_id = ? AND accounts.domain = '' AND accounts.suspended = ?", tagID, false).
		Order("tag_follows.account_id").
		Pluck("tag_follows.account_id", &ids).Error
	return ids, err
}

func (r *tagRepository) FollowedTagIDs(ctx context.Context, accountID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.TagFollow{}).
		Where("account_id = ?", accountID).
		Pluck("tag_id", &ids).Error
	return ids, err
}

func (r *tagRepository) FollowedTags(ctx context.Context, accountID int64) ([]model.Tag, error) {
	var rows []model.Tag
	err := r.db.WithContext(ctx).
		Joins("JOIN tag_follows ON tag_follows.tag_id = tags.id").
		Where("tag_follows.account_id = ?", accountID).
		Order("tags.name").
		Find(&rows).Error
	return rows, err
}
