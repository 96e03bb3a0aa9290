package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// RelationshipRepository 静音、屏蔽、域名屏蔽、会话静音与关键词过滤
type RelationshipRepository interface {
	Mute(ctx context.Context, m *model.Mute) error
	Unmute(ctx context.Context, accountID, targetID int64) error
	Block(ctx context.Context, accountID, targetID int64) error
	Unblock(ctx context.Context, accountID, targetID int64) error
	BlockDomain(ctx context.Context, accountID int64, domain string) error
	UnblockDomain(ctx context.Context, accountID int64, domain string) error
	MuteConversation(ctx context.Context, accountID, conversationID int64) error
	CreateFilter(ctx context.Context, f *model.CustomFilter) error

	MutesAmong(ctx context.Context, accountID int64, targetIDs []int64) (map[int64]*model.Mute, error)
	// BlockingAmong targetIDs 中被 accountID 屏蔽的账户
	BlockingAmong(ctx context.Context, accountID int64, targetIDs []int64) ([]int64, error)
	// BlockedByAmong sourceIDs 中屏蔽了 accountID 的账户
	BlockedByAmong(ctx context.Context, accountID int64, sourceIDs []int64) ([]int64, error)
	DomainBlocksAmong(ctx context.Context, accountID int64, domains []string) ([]string, error)
	ConversationMuted(ctx context.Context, accountID, conversationID int64) (bool, error)
	ActiveFilters(ctx context.Context, accountID int64, now time.Time) ([]*model.CustomFilter, error)
}

type relationshipRepository struct {
	db *gorm.DB
}

func NewRelationshipRepository(db *gorm.DB) RelationshipRepository {
	return &relationshipRepository{db: db}
}

func (r *relationshipRepository) Mute(ctx context.Context, m *model.Mute) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "target_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hide_notifications", "expires_at", "updated_at"}),
	}).Create(m).Error
}

func (r *relationshipRepository) Unmute(ctx context.Context, accountID, targetID int64) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND target_account_id = ?", accountID, targetID).
		Delete(&model.Mute{}).Error
}

func (r *relationshipRepository) Block(ctx context.Context, accountID, targetID int64) error {
	b := &model.Block{AccountID: accountID, TargetAccountID: targetID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(b).Error
}

func (r *relationshipRepository) Unblock(ctx context.Context, accountID, targetID int64) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND target_account_id = ?", accountID, targetID).
		Delete(&model.Block{}).Error
}

func (r *relationshipRepository) BlockDomain(ctx context.Context, accountID int64, domain string) error {
	b := &model.DomainBlock{AccountID: accountID, Domain: domain}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(b).Error
}

func (r *relationshipRepository) UnblockDomain(ctx context.Context, accountID int64, domain string) error {
	return r.db.WithContext(ctx).
		Where("account_id = ? AND domain = ?", accountID, domain).
		Delete(&model.DomainBlock{}).Error
}

func (r *relationshipRepository) MuteConversation(ctx context.Context, accountID, conversationID int64) error {
	m := &model.ConversationMute{AccountID: accountID, ConversationID: conversationID}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
}

func (r *relationshipRepository) CreateFilter(ctx context.Context, f *model.CustomFilter) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *relationshipRepository) MutesAmong(ctx context.Context, accountID int64, targetIDs []int64) (map[int64]*model.Mute, error) {
	out := make(map[int64]*model.Mute)
	if len(targetIDs) == 0 {
		return out, nil
	}
	var rows []*model.Mute
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND target_account_id IN ?", accountID, targetIDs).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.TargetAccountID] = m
	}
	return out, nil
}

func (r *relationshipRepository) BlockingAmong(ctx context.Context, accountID int64, targetIDs []int64) ([]int64, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Block{}).
		Where("account_id = ? AND target_account_id IN ?", accountID, targetIDs).
		Pluck("target_account_id", &ids).Error
	return ids, err
}

func (r *relationshipRepository) BlockedByAmong(ctx context.Context, accountID int64, sourceIDs []int64) ([]int64, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.Block{}).
		Where("target_account_id = ? AND account_id IN ?", accountID, sourceIDs).
		Pluck("account_id", &ids).Error
	return ids, err
}

func (r *relationshipRepository) DomainBlocksAmong(ctx context.Context, accountID int64, domains []string) ([]string, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	var out []string
	err := r.db.WithContext(ctx).Model(&model.DomainBlock{}).
		Where("account_id = ? AND domain IN ?", accountID, domains).
		Pluck("domain", &out).Error
	return out, err
}

func (r *relationshipRepository) ConversationMuted(ctx context.Context, accountID, conversationID int64) (bool, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.ConversationMute{}).
		Where("account_id = ? AND conversation_id = ?", accountID, conversationID).
		Count(&cnt).Error
	return cnt > 0, err
}

func (r *relationshipRepository) ActiveFilters(ctx context.Context, accountID int64, now time.Time) ([]*model.CustomFilter, error) {
	var rows []*model.CustomFilter
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND (expires_at IS NULL OR expires_at > ?)", accountID, now).
		Order("id").
		Find(&rows).Error
	return rows, err
}
