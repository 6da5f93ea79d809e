package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"policyeval/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 在扫描目录时跳过这些目录名（基名完全匹配，大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// AllowExts: 目录扫描时接受的扩展名；默认 [".txt", ".md", ".docx"]。
	AllowExts []string `json:"allow_exts"`
	// MaxDocxBytes: .docx 解压后 document.xml 的上限；<=0 为 32MiB。
	MaxDocxBytes int64 `json:"max_docx_bytes"`
}

// FileSystem 实现基于文件系统与 STDIN 的 Reader。
// - .txt/.md 原样透传（UTF-8 BOM 去除）；
// - .docx 抽取段落文本，段落间以 \n 分隔；
// - "-" 读取 STDIN（按纯文本处理）。
type FileSystem struct {
	bufSize    int
	maxDocx    int64
	excludeDir map[string]struct{}
	allow      map[string]struct{}
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	r := &FileSystem{bufSize: defaultBuf, maxDocx: 32 << 20, excludeDir: map[string]struct{}{}, allow: map[string]struct{}{}}
	exts := []string{".txt", ".md", ".docx"}
	if opts != nil {
		if opts.BufSize > 0 {
			r.bufSize = opts.BufSize
		}
		if opts.MaxDocxBytes > 0 {
			r.maxDocx = opts.MaxDocxBytes
		}
		for _, name := range opts.ExcludeDirNames {
			if name != "" {
				r.excludeDir[strings.ToLower(name)] = struct{}{}
			}
		}
		if len(opts.AllowExts) > 0 {
			exts = opts.AllowExts
		}
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		r.allow[e] = struct{}{}
	}
	return r
}

var _ contract.Reader = (*FileSystem)(nil)

// Iterate 遍历 roots，按稳定顺序对每个受支持的文档调用 yield。
// 单文件 root 的扩展名不受支持时返回 ErrInvalidInput；目录扫描时静默跳过。
func (r *FileSystem) Iterate(ctx context.Context, roots []string, yield func(id contract.DocumentID, rc io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield(contract.DocumentID("-"), r.text(io.NopCloser(os.Stdin)))
	}
	for _, s := range roots {
		if s == "-" {
			return fmt.Errorf("%w: stdin '-' cannot be mixed with other roots", contract.ErrInvalidInput)
		}
	}
	for _, root := range roots {
		if err := r.iterateOne(ctx, root, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) iterateOne(ctx context.Context, root string, yield func(contract.DocumentID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// os.Stat 跟随符号链接；目录链接同样扫描
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return r.walkDir(ctx, root, yield)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if !r.accepts(root) {
		return fmt.Errorf("%w: unsupported document type %q", contract.ErrInvalidInput, filepath.Ext(root))
	}
	return r.yieldFile(root, yield)
}

func (r *FileSystem) walkDir(ctx context.Context, dir string, yield func(contract.DocumentID, io.ReadCloser) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	// 稳定顺序：字典序；先目录后文件
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := r.walkDir(ctx, filepath.Join(dir, e.Name()), yield); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !r.accepts(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		// 符号链接仅接受指向常规文件的
		t, err := os.Stat(p)
		if err != nil {
			return err
		}
		if !t.Mode().IsRegular() {
			continue
		}
		if err := r.yieldFile(p, yield); err != nil {
			return err
		}
	}
	return nil
}

func (r *FileSystem) accepts(name string) bool {
	// Word 临时锁文件（~$name.docx）不是文档
	if strings.HasPrefix(filepath.Base(name), "~$") {
		return false
	}
	_, ok := r.allow[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (r *FileSystem) yieldFile(p string, yield func(contract.DocumentID, io.ReadCloser) error) error {
	id := contract.NormalizeDocumentID(p)
	var rc io.ReadCloser
	if strings.EqualFold(filepath.Ext(p), ".docx") {
		text, err := extractDocx(p, r.maxDocx)
		if err != nil {
			return fmt.Errorf("docx %s: %w", id, err)
		}
		rc = io.NopCloser(strings.NewReader(text))
	} else {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		rc = r.text(f)
	}
	if err := yield(id, rc); err != nil {
		_ = rc.Close()
		return err
	}
	return nil
}

// text 封装纯文本流：缓冲读取并去除 UTF-8 BOM。
func (r *FileSystem) text(c io.ReadCloser) io.ReadCloser {
	br := bufio.NewReaderSize(c, r.bufSize)
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	return &bufferedCloser{Reader: br, c: c}
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
