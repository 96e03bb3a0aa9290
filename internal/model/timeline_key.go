package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TimelineKind 时间线类型（封闭枚举）
type TimelineKind uint8

const (
	TimelineHome TimelineKind = iota + 1
	TimelineList
	TimelineTag
	TimelineDirect
)

func (k TimelineKind) String() string {
	switch k {
	case TimelineHome:
		return "home"
	case TimelineList:
		return "list"
	case TimelineTag:
		return "tag"
	case TimelineDirect:
		return "direct"
	}
	return "unknown"
}

// ParseTimelineKind 解析 home/list/tag/direct
func ParseTimelineKind(s string) (TimelineKind, error) {
	switch strings.ToLower(s) {
	case "home":
		return TimelineHome, nil
	case "list":
		return TimelineList, nil
	case "tag":
		return TimelineTag, nil
	case "direct":
		return TimelineDirect, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrMalformedTimelineKey, s)
}

// TimelineKey 标识一条预计算时间线。
// List 以 ListID 定位，AccountID 为列表拥有者；Tag 为账户维度的话题时间线。
type TimelineKey struct {
	Kind      TimelineKind
	AccountID int64
	ListID    int64
	Tag       string
}

func HomeTimeline(accountID int64) TimelineKey {
	return TimelineKey{Kind: TimelineHome, AccountID: accountID}
}

func ListTimeline(accountID, listID int64) TimelineKey {
	return TimelineKey{Kind: TimelineList, AccountID: accountID, ListID: listID}
}

func TagTimeline(accountID int64, tag string) TimelineKey {
	return TimelineKey{Kind: TimelineTag, AccountID: accountID, Tag: NormalizeTag(tag)}
}

func DirectTimeline(accountID int64) TimelineKey {
	return TimelineKey{Kind: TimelineDirect, AccountID: accountID}
}

// Validate 校验 key 是否合法
func (k TimelineKey) Validate() error {
	switch k.Kind {
	case TimelineHome, TimelineDirect:
		if k.AccountID <= 0 {
			return fmt.Errorf("%w: %s without account", ErrMalformedTimelineKey, k.Kind)
		}
	case TimelineList:
		if k.ListID <= 0 {
			return fmt.Errorf("%w: list without list id", ErrMalformedTimelineKey)
		}
	case TimelineTag:
		if k.AccountID <= 0 {
			return fmt.Errorf("%w: tag without account", ErrMalformedTimelineKey)
		}
		if k.Tag == "" || strings.ContainsAny(k.Tag, ": \t\n") {
			return fmt.Errorf("%w: bad tag %q", ErrMalformedTimelineKey, k.Tag)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformedTimelineKey, k.Kind)
	}
	return nil
}

// String 返回 redis key，调用方需先 Validate
func (k TimelineKey) String() string {
	switch k.Kind {
	case TimelineHome:
		return "feed:home:" + strconv.FormatInt(k.AccountID, 10)
	case TimelineList:
		return "feed:list:" + strconv.FormatInt(k.ListID, 10)
	case TimelineTag:
		return "feed:tag:" + strconv.FormatInt(k.AccountID, 10) + ":" + k.Tag
	case TimelineDirect:
		return "feed:direct:" + strconv.FormatInt(k.AccountID, 10)
	}
	return "feed:invalid"
}

// ParseTimelineKey 将 redis key 还原为 TimelineKey；list key 不含拥有者
func ParseTimelineKey(s string) (TimelineKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "feed" {
		return TimelineKey{}, fmt.Errorf("%w: %q", ErrMalformedTimelineKey, s)
	}
	kind, err := ParseTimelineKind(parts[1])
	if err != nil {
		return TimelineKey{}, err
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TimelineKey{}, fmt.Errorf("%w: %q", ErrMalformedTimelineKey, s)
	}

	var key TimelineKey
	switch kind {
	case TimelineList:
		if len(parts) != 3 {
			return TimelineKey{}, fmt.Errorf("%w: %q", ErrMalformedTimelineKey, s)
		}
		key = TimelineKey{Kind: kind, ListID: id}
	case TimelineTag:
		if len(parts) != 4 {
			return TimelineKey{}, fmt.Errorf("%w: %q", ErrMalformedTimelineKey, s)
		}
		key = TimelineKey{Kind: kind, AccountID: id, Tag: parts[3]}
	default:
		if len(parts) != 3 {
			return TimelineKey{}, fmt.Errorf("%w: %q", ErrMalformedTimelineKey, s)
		}
		key = TimelineKey{Kind: kind, AccountID: id}
	}
	return key, key.Validate()
}
