package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/queue"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
)

// commit 在一个事务内执行 fn。队列支持事务写入时事件与业务数据同事务落库，
// 否则在提交后投递。
func commit(ctx context.Context, db *gorm.DB, events EventPublisher, fn func(tx *gorm.DB) ([]*event.Event, error)) error {
	txp, transactional := events.(queue.TxPublisher)
	var out []*event.Event
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if out, err = fn(tx); err != nil {
			return err
		}
		if !transactional {
			return nil
		}
		for _, e := range out {
			if err := txp.PublishTx(tx, e); err != nil {
				return fmt.Errorf("publish %s: %w", e.Type, err)
			}
		}
		return nil
	})
	if err != nil || transactional {
		return err
	}
	for _, e := range out {
		if err := events.Publish(ctx, e); err != nil {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}
	}
	return nil
}

// NewStatus 发帖参数；ReblogOfID 非空时为转发，忽略正文
type NewStatus struct {
	AccountID   int64
	Text        string
	SpoilerText string
	Language    string
	Visibility  model.Visibility
	InReplyToID *int64
	ReblogOfID  *int64
	MentionIDs  []int64
	Tags        []string
	// Recipients limited 状态的额外受众
	Recipients []int64
}

// StatusPublisher 负责事务内写 statuses + 事件
type StatusPublisher struct {
	db     *gorm.DB
	events EventPublisher
	ids    *model.IDGenerator
	now    func() time.Time
}

// NewStatusPublisher ids 的节点号在各进程间必须唯一
func NewStatusPublisher(db *gorm.DB, events EventPublisher, ids *model.IDGenerator) *StatusPublisher {
	return &StatusPublisher{db: db, events: events, ids: ids, now: time.Now}
}

// WithClock 替换时钟（测试用）
func (p *StatusPublisher) WithClock(now func() time.Time) *StatusPublisher {
	cp := *p
	cp.now = now
	return &cp
}

func (p *StatusPublisher) author(ctx context.Context, tx *gorm.DB, accountID int64) error {
	a, err := repository.NewAccountRepository(tx).GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Suspended {
		return fmt.Errorf("account %d suspended: %w", accountID, ErrForbidden)
	}
	return nil
}

// Publish 落地状态及其提及、话题，并投递 status.created
func (p *StatusPublisher) Publish(ctx context.Context, in NewStatus) (*model.Status, error) {
	if in.Visibility == "" {
		in.Visibility = model.VisibilityPublic
	}
	if !in.Visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", ErrUnprocessable, in.Visibility)
	}
	now := p.now()
	st := &model.Status{
		ID:          p.ids.Next(),
		AccountID:   in.AccountID,
		Visibility:  in.Visibility,
		Language:    in.Language,
		Text:        in.Text,
		SpoilerText: in.SpoilerText,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := commit(ctx, p.db, p.events, func(tx *gorm.DB) ([]*event.Event, error) {
		if err := p.author(ctx, tx, in.AccountID); err != nil {
			return nil, err
		}
		statuses := repository.NewStatusRepository(tx)

		switch {
		case in.ReblogOfID != nil:
			orig, err := statuses.GetByID(ctx, *in.ReblogOfID)
			if err != nil {
				return nil, err
			}
			if orig.DeletedAt.Valid {
				return nil, fmt.Errorf("status %d: %w", orig.ID, model.ErrNotFound)
			}
			orig = orig.Target()
			if orig.Visibility != model.VisibilityPublic && orig.Visibility != model.VisibilityUnlisted {
				return nil, fmt.Errorf("status %d cannot be reblogged: %w", orig.ID, ErrForbidden)
			}
			id := orig.ID
			st.ReblogOfID = &id
			st.Text, st.SpoilerText, st.Language = "", "", orig.Language
			st.ConversationID = orig.ConversationID
		default:
			if in.InReplyToID != nil {
				parent, err := statuses.GetByID(ctx, *in.InReplyToID)
				if err != nil {
					return nil, err
				}
				pid, paccount := parent.ID, parent.AccountID
				st.InReplyToID, st.InReplyToAccountID = &pid, &paccount
				conv := parent.ID
				if parent.ConversationID != nil {
					conv = *parent.ConversationID
				}
				st.ConversationID = &conv
			} else {
				conv := st.ID
				st.ConversationID = &conv
			}
			tags, err := repository.NewTagRepository(tx).FindOrCreate(ctx, in.Tags)
			if err != nil {
				return nil, err
			}
			st.Tags = tags
			seen := map[int64]bool{}
			for _, id := range in.MentionIDs {
				if id == in.AccountID || seen[id] {
					continue
				}
				seen[id] = true
				st.Mentions = append(st.Mentions, model.Mention{AccountID: id, CreatedAt: now})
			}
		}

		if err := statuses.Create(ctx, st); err != nil {
			return nil, err
		}
		e, err := event.New(event.StatusCreated, event.StatusCreatedPayload{StatusID: st.ID, Recipients: in.Recipients})
		if err != nil {
			return nil, err
		}
		return []*event.Event{e}, nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (p *StatusPublisher) owned(ctx context.Context, tx *gorm.DB, accountID, statusID int64) (*model.Status, error) {
	st, err := repository.NewStatusRepository(tx).GetByID(ctx, statusID)
	if err != nil {
		return nil, err
	}
	if st.DeletedAt.Valid {
		return nil, fmt.Errorf("status %d: %w", statusID, model.ErrNotFound)
	}
	if st.AccountID != accountID {
		return nil, fmt.Errorf("status %d: %w", statusID, ErrForbidden)
	}
	return st, nil
}

// Delete 软删除状态及其全部转发，并为每条投递 status.deleted
func (p *StatusPublisher) Delete(ctx context.Context, accountID, statusID int64) error {
	return commit(ctx, p.db, p.events, func(tx *gorm.DB) ([]*event.Event, error) {
		st, err := p.owned(ctx, tx, accountID, statusID)
		if err != nil {
			return nil, err
		}
		statuses := repository.NewStatusRepository(tx)
		victims := []*model.Status{st}
		if !st.IsReblog() {
			reblogs, err := statuses.ReblogsOf(ctx, st.ID)
			if err != nil {
				return nil, err
			}
			victims = append(victims, reblogs...)
		}

		var out []*event.Event
		for _, v := range victims {
			if err := statuses.Delete(ctx, v.ID); err != nil {
				return nil, err
			}
			e, err := event.New(event.StatusDeleted, event.StatusDeletedPayload{StatusID: v.ID, Status: v})
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	})
}

// UpdateVisibility 修改可见性并投递 status.visibility_changed
func (p *StatusPublisher) UpdateVisibility(ctx context.Context, accountID, statusID int64, v model.Visibility) error {
	if !v.Valid() {
		return fmt.Errorf("%w: unknown visibility %q", ErrUnprocessable, v)
	}
	return commit(ctx, p.db, p.events, func(tx *gorm.DB) ([]*event.Event, error) {
		st, err := p.owned(ctx, tx, accountID, statusID)
		if err != nil {
			return nil, err
		}
		if st.IsReblog() {
			return nil, fmt.Errorf("%w: reblog visibility cannot change", ErrUnprocessable)
		}
		if st.Visibility == v {
			return nil, nil
		}
		if err := repository.NewStatusRepository(tx).UpdateVisibility(ctx, st.ID, v); err != nil {
			return nil, err
		}
		e, err := event.New(event.StatusVisibilityChanged, event.StatusPayload{StatusID: st.ID})
		if err != nil {
			return nil, err
		}
		return []*event.Event{e}, nil
	})
}
