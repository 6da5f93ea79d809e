package contract

import (
	"context"
	"io"
)

// Renderer: 将 Summary 渲染为某种导出格式（markdown/html/csv/jsonl）。
// 约束：纯计算，不做 I/O；输出完全由 Summary 决定。
type Renderer interface {
	Render(ctx context.Context, s Summary) (io.Reader, error)
	// Ext: 产物扩展名（不含点），用于拼接 ArtifactID。
	Ext() string
}
