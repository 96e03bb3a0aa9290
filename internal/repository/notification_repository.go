package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// NotificationPage 通知分页窗口，语义同时间线
type NotificationPage struct {
	MaxID           int64
	SinceID         int64
	MinID           int64
	Limit           int
	IncludeFiltered bool
}

type NotificationRepository interface {
	// Create 按 (account, type, activity) 幂等；返回落库的记录与是否新建
	Create(ctx context.Context, n *model.Notification) (*model.Notification, bool, error)
	// CreateFiltered 在同一事务中写入被过滤的通知并累计通知请求
	CreateFiltered(ctx context.Context, n *model.Notification) (*model.Notification, bool, error)
	List(ctx context.Context, accountID int64, p NotificationPage) ([]*model.Notification, error)
	Unfilter(ctx context.Context, accountID, fromAccountID int64) (int64, error)

	Policy(ctx context.Context, accountID int64) (*model.NotificationPolicy, error)
	SavePolicy(ctx context.Context, p *model.NotificationPolicy) error

	HasPermission(ctx context.Context, accountID, fromAccountID int64) (bool, error)
	GrantPermission(ctx context.Context, accountID, fromAccountID int64) error

	UpsertRequest(ctx context.Context, accountID, fromAccountID int64, lastStatusID *int64) (*model.NotificationRequest, error)
	GetRequest(ctx context.Context, id int64) (*model.NotificationRequest, error)
	FindRequest(ctx context.Context, accountID, fromAccountID int64) (*model.NotificationRequest, error)
	ListRequests(ctx context.Context, accountID int64, includeDismissed bool) ([]*model.NotificationRequest, error)
	DismissRequest(ctx context.Context, id int64) error
	DeleteRequest(ctx context.Context, id int64) error
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) (*model.Notification, bool, error) {
	return createNotification(r.db.WithContext(ctx), n)
}

func createNotification(db *gorm.DB, n *model.Notification) (*model.Notification, bool, error) {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return n, true, nil
	}
	var existing model.Notification
	err := db.
		Where("account_id = ? AND type = ? AND activity_type = ? AND activity_id = ?", n.AccountID, n.Type, n.ActivityType, n.ActivityID).
		First(&existing).Error
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (r *notificationRepository) CreateFiltered(ctx context.Context, n *model.Notification) (*model.Notification, bool, error) {
	var (
		out     *model.Notification
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, created, err = createNotification(tx, n)
		if err != nil || !created || !out.Filtered {
			return err
		}
		_, err = upsertRequest(tx, n.AccountID, n.FromAccountID, n.StatusID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *notificationRepository) List(ctx context.Context, accountID int64, p NotificationPage) ([]*model.Notification, error) {
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !p.IncludeFiltered {
		q = q.Where("filtered = ?", false)
	}
	if p.MaxID > 0 {
		q = q.Where("id < ?", p.MaxID)
	}
	var rows []*model.Notification
	if p.MinID > 0 {
		if err := q.Where("id > ?", p.MinID).Order("id ASC").Limit(p.Limit).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
		return rows, nil
	}
	if p.SinceID > 0 {
		q = q.Where("id > ?", p.SinceID)
	}
	err := q.Order("id DESC").Limit(p.Limit).Find(&rows).Error
	return rows, err
}

func (r *notificationRepository) Unfilter(ctx context.Context, accountID, fromAccountID int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("account_id = ? AND from_account_id = ? AND filtered = ?", accountID, fromAccountID, true).
		Update("filtered", false)
	return res.RowsAffected, res.Error
}

func (r *notificationRepository) Policy(ctx context.Context, accountID int64) (*model.NotificationPolicy, error) {
	var p model.NotificationPolicy
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultNotificationPolicy(accountID), nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *notificationRepository) SavePolicy(ctx context.Context, p *model.NotificationPolicy) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"for_not_following", "for_not_followers", "for_new_accounts",
			"for_private_mentions", "for_limited_accounts", "updated_at",
		}),
	}).Create(p).Error
}

func (r *notificationRepository) HasPermission(ctx context.Context, accountID, fromAccountID int64) (bool, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.NotificationPermission{}).
		Where("account_id = ? AND from_account_id = ?", accountID, fromAccountID).
		Count(&cnt).Error
	return cnt > 0, err
}

func (r *notificationRepository) GrantPermission(ctx context.Context, accountID, fromAccountID int64) error {
	p := &model.NotificationPermission{AccountID: accountID, FromAccountID: fromAccountID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p).Error
}

func (r *notificationRepository) UpsertRequest(ctx context.Context, accountID, fromAccountID int64, lastStatusID *int64) (*model.NotificationRequest, error) {
	var req *model.NotificationRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = upsertRequest(tx, accountID, fromAccountID, lastStatusID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func upsertRequest(tx *gorm.DB, accountID, fromAccountID int64, lastStatusID *int64) (*model.NotificationRequest, error) {
	var req model.NotificationRequest
	err := tx.Where("account_id = ? AND from_account_id = ?", accountID, fromAccountID).First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		req = model.NotificationRequest{AccountID: accountID, FromAccountID: fromAccountID, LastStatusID: lastStatusID, NotificationsCount: 1}
		if err := tx.Create(&req).Error; err != nil {
			return nil, err
		}
		return &req, nil
	}
	if err != nil {
		return nil, err
	}
	updates := map[string]any{"notifications_count": gorm.Expr("notifications_count + 1")}
	if lastStatusID != nil {
		updates["last_status_id"] = *lastStatusID
	}
	if err := tx.Model(&req).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := tx.First(&req, req.ID).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *notificationRepository) GetRequest(ctx context.Context, id int64) (*model.NotificationRequest, error) {
	var req model.NotificationRequest
	if err := r.db.WithContext(ctx).First(&req, id).Error; err != nil {
		return nil, notFound(err, "notification request", id)
	}
	return &req, nil
}

func (r *notificationRepository) FindRequest(ctx context.Context, accountID, fromAccountID int64) (*model.NotificationRequest, error) {
	var req model.NotificationRequest
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND from_account_id = ?", accountID, fromAccountID).
		First(&req).Error
	if err != nil {
		return nil, notFound(err, "notification request", fromAccountID)
	}
	return &req, nil
}

func (r *notificationRepository) ListRequests(ctx context.Context, accountID int64, includeDismissed bool) ([]*model.NotificationRequest, error) {
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if !includeDismissed {
		q = q.Where("dismissed = ?", false)
	}
	var rows []*model.NotificationRequest
	err := q.Order("id DESC").Find(&rows).Error
	return rows, err
}

func (r *notificationRepository) DismissRequest(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&model.NotificationRequest{}).Where("id = ?", id).Update("dismissed", true).Error
}

func (r *notificationRepository) DeleteRequest(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.NotificationRequest{}, id).Error
}
