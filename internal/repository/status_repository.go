package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

type StatusRepository interface {
	Create(ctx context.Context, s *model.Status) error
	// GetByID 包含已软删除的状态，便于删除扇出
	GetByID(ctx context.Context, id int64) (*model.Status, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*model.Status, error)
	Delete(ctx context.Context, id int64) error
	UpdateVisibility(ctx context.Context, id int64, v model.Visibility) error
	// RecentByAccounts 按 id 倒序返回 accountIDs 的状态（不含 direct），id > afterID
	RecentByAccounts(ctx context.Context, accountIDs []int64, afterID int64, limit int) ([]*model.Status, error)
	RecentByTag(ctx context.Context, tagID int64, afterID int64, limit int) ([]*model.Status, error)
	// RecentDirect 账户发出或被提及的 direct 状态
	RecentDirect(ctx context.Context, accountID int64, limit int) ([]*model.Status, error)
	ReblogsOf(ctx context.Context, statusID int64) ([]*model.Status, error)
	// Ancestors 自下而上的回复链，最多 depth 层
	Ancestors(ctx context.Context, statusID int64, depth int) ([]*model.Status, error)
}

type statusRepository struct {
	db *gorm.DB
}

func NewStatusRepository(db *gorm.DB) StatusRepository { return &statusRepository{db: db} }

func unscoped(db *gorm.DB) *gorm.DB { return db.Unscoped() }

func (r *statusRepository) preload(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Account").
		Preload("Mentions").
		Preload("Tags").
		Preload("ReblogOf", unscoped).
		Preload("ReblogOf.Account").
		Preload("ReblogOf.Mentions").
		Preload("ReblogOf.Tags")
}

func (r *statusRepository) Create(ctx context.Context, s *model.Status) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *statusRepository) GetByID(ctx context.Context, id int64) (*model.Status, error) {
	var s model.Status
	if err := r.preload(ctx).Unscoped().First(&s, id).Error; err != nil {
		return nil, notFound(err, "status", id)
	}
	return &s, nil
}

func (r *statusRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]*model.Status, error) {
	out := make(map[int64]*model.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []*model.Status
	if err := r.preload(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, s := range rows {
		out[s.ID] = s
	}
	return out, nil
}

func (r *statusRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.Status{}, id).Error
}

func (r *statusRepository) UpdateVisibility(ctx context.Context, id int64, v model.Visibility) error {
	res := r.db.WithContext(ctx).Model(&model.Status{}).Where("id = ?", id).Update("visibility", v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "status", id)
	}
	return nil
}

func (r *statusRepository) RecentByAccounts(ctx context.Context, accountIDs []int64, afterID int64, limit int) ([]*model.Status, error) {
	if len(accountIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	var rows []*model.Status
	err := r.preload(ctx).
		Where("account_id IN ? AND id > ? AND visibility <> ?", accountIDs, afterID, model.VisibilityDirect).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *statusRepository) RecentByTag(ctx context.Context, tagID int64, afterID int64, limit int) ([]*model.Status, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []*model.Status
	err := r.preload(ctx).
		Joins("JOIN status_tags ON status_tags.status_id = statuses.id").
		Where("status_tags.tag_id = ? AND statuses.id > ? AND statuses.visibility = ? AND statuses.reblog_of_id IS NULL", tagID, afterID, model.VisibilityPublic).
		Order("statuses.id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *statusRepository) RecentDirect(ctx context.Context, accountID int64, limit int) ([]*model.Status, error) {
	if limit <= 0 {
		return nil, nil
	}
	mentioned := r.db.Model(&model.Mention{}).Select("status_id").Where("account_id = ?", accountID)
	var rows []*model.Status
	err := r.preload(ctx).
		Where("visibility = ? AND (account_id = ? OR id IN (?))", model.VisibilityDirect, accountID, mentioned).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *statusRepository) ReblogsOf(ctx context.Context, statusID int64) ([]*model.Status, error) {
	var rows []*model.Status
	err := r.preload(ctx).Where("reblog_of_id = ?", statusID).Order("id").Find(&rows).Error
	return rows, err
}

func (r *statusRepository) Ancestors(ctx context.Context, statusID int64, depth int) ([]*model.Status, error) {
	var out []*model.Status
	cur, err := r.GetByID(ctx, statusID)
	if err != nil {
		return nil, err
	}
	for i := 0; i < depth && cur.InReplyToID != nil; i++ {
		parent, err := r.GetByID(ctx, *cur.InReplyToID)
		if err != nil {
			if isNotFound(err) {
				break
			}
			return nil, err
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}
