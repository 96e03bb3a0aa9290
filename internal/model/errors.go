package model

import "errors"

var (
	// ErrNotFound 实体不存在（扇出场景下视为 no-op）
	ErrNotFound = errors.New("not found")
	// ErrMalformedTimelineKey 时间线 key 非法，属于逻辑错误，不重试
	ErrMalformedTimelineKey = errors.New("malformed timeline key")
)
