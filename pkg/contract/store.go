package contract

import (
	"context"
	"time"
)

// RunRecord: 历史运行的摘要视图。
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Document  string    `json:"document"`
	Overall   float64   `json:"overall"`
	Sections  int       `json:"sections"`
	CreatedAt time.Time `json:"created_at"`
}

// Store: 报告历史存储。
// 约束：Save 对同一 RunID 幂等失败（重复写入返回错误）；Recent 按时间倒序。
type Store interface {
	Save(ctx context.Context, s Summary) error
	Recent(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}
