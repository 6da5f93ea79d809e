package contract

import (
	"context"
	"io"
	"path"
	"strings"
)

// DocumentID: 输入文档的稳定标识（正斜杠、已清理的路径；STDIN 为 "-"）。
type DocumentID string

// NormalizeDocumentID 规范化路径，统一为跨平台稳定的 DocumentID。
// 保留相对/绝对语义，不做隐式绝对化。
func NormalizeDocumentID(p string) DocumentID {
	if p == "-" {
		return "-"
	}
	s := strings.ReplaceAll(p, "\\", "/")
	return DocumentID(path.Clean(s))
}

// Reader: 输入源抽象（文件/目录/STDIN）。
// 约束：
// 1) 按文档维度回调，回调收到的是已抽取的纯文本流；
// 2) DocumentID 稳定且去平台差异化；
// 3) 不做业务解析；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(id DocumentID, r io.ReadCloser) error) error
}
