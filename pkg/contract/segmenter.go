package contract

import (
	"context"
	"io"
)

// Segmenter: 将单个文档的纯文本拆分为有序 Block 序列，并分配 Index（0..n-1）。
// 约束：
// 1) 全函数：任意输入都终止，不返回 ErrSegmentation；
// 2) 丢弃空行，其余行按原序恰好出现一次；
// 3) 确定性、无内部并发；
// 4) 仅做 CRLF→LF 的最小必要归一。
type Segmenter interface {
	Split(ctx context.Context, r io.Reader) ([]Block, error)
}
