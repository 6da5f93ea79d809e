package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	logBaseName     = "policyeval"
	defaultLogBytes = 10 << 20
	defaultKeep     = 5
)

// RotatingFile 是按大小轮转的日志 sink：
// 当前文件为 <dir>/policyeval-current.txt；写入将超过上限时改名为 policyeval-<UTC 纳秒时间戳>.txt，
// 并仅保留最近 Keep 个历史文件。
type RotatingFile struct {
	dir      string
	maxBytes int64
	// Keep: 保留的历史文件数；<=0 表示不清理。
	Keep int

	mu   sync.Mutex
	f    *os.File
	size int64
	now  func() time.Time
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = defaultLogBytes
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, Keep: defaultKeep, now: time.Now}
}

func (w *RotatingFile) current() string {
	return filepath.Join(w.dir, logBaseName+"-current.txt")
}

// Write 实现 io.Writer；p 须为完整的一行（slog 处理器每条记录调用一次）。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// WriteLine 写入一行并补换行符。
func (w *RotatingFile) WriteLine(b []byte) error {
	_, err := w.Write(append(append(make([]byte, 0, len(b)+1), b...), '\n'))
	return err
}

func (w *RotatingFile) open() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.current(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

// rotate 关闭并改名当前文件后重新打开；未打开时只打开。
func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		stamp := w.now().UTC().Format("20060102-150405.000000000")
		dst := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", logBaseName, stamp))
		if err := os.Rename(w.current(), dst); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
		w.prune()
	}
	return w.open()
}

// prune 删除超出 Keep 的最旧历史文件（时间戳可按字典序比较）。
func (w *RotatingFile) prune() {
	if w.Keep <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(w.dir, logBaseName+"-*.txt"))
	if err != nil {
		return
	}
	var rotated []string
	for _, m := range matches {
		if !strings.HasSuffix(m, "-current.txt") {
			rotated = append(rotated, m)
		}
	}
	sort.Strings(rotated)
	for len(rotated) > w.Keep {
		_ = os.Remove(rotated[0])
		rotated = rotated[1:]
	}
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
