package model

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator 生成时间有序的 int64 ID：毫秒时间戳 + 节点号 + 序号。
// 同时写入的每个进程必须使用不同的节点号。
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator node 取值 [0, 1023]
func NewIDGenerator(node int64) (*IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("id generator node %d: %w", node, err)
	}
	return &IDGenerator{node: n}, nil
}

// Next 返回严格递增的 ID，可并发调用
func (g *IDGenerator) Next() int64 { return g.node.Generate().Int64() }

// IDTime 还原 ID 的毫秒时间
func IDTime(id int64) time.Time { return time.UnixMilli(snowflake.ID(id).Time()) }
